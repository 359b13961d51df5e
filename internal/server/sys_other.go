//go:build !(aix || darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris)

package server

import (
	"fmt"
	"os"

	"github.com/rfratto/hostfs/internal/ipc"
)

// access approximates access(2) using permission bits, which is the best
// that can be done without a native implementation.
func access(path string, mode uint32) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if perm := uint32(fi.Mode().Perm()>>6) & 0x7; perm&mode != mode {
		return fmt.Errorf("%s: %w", path, ipc.ErrorUnauthorized)
	}
	return nil
}
