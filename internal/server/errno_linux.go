package server

import (
	"errors"
	"syscall"

	"github.com/rfratto/hostfs/internal/ipc"
)

// errnoFromSyscall returns the code for a raw errno. ipc.Errno values are
// Linux errno values, so they can be passed through as is.
func errnoFromSyscall(err error) (ipc.Errno, bool) {
	var se syscall.Errno
	if !errors.As(err, &se) {
		return 0, false
	}
	return ipc.Errno(se), true
}
