//go:build aix || darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris

package server

import (
	"golang.org/x/sys/unix"
)

// access checks path against an access(2) mode.
func access(path string, mode uint32) error {
	return unix.Access(path, mode)
}
