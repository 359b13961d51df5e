//go:build !linux

package server

import (
	"errors"
	"syscall"

	"github.com/rfratto/hostfs/internal/ipc"
)

// nativeErrnos maps common host errno values to their Linux equivalents.
var nativeErrnos = map[syscall.Errno]ipc.Errno{
	syscall.EPERM:   ipc.ErrorNotPermitted,
	syscall.ENOENT:  ipc.ErrorNotExist,
	syscall.EINTR:   ipc.ErrorInterrupted,
	syscall.EIO:     ipc.ErrorIO,
	syscall.EBADF:   ipc.ErrorBadDescriptor,
	syscall.EAGAIN:  ipc.ErrorUnavailable,
	syscall.ENOMEM:  ipc.ErrorNoMemory,
	syscall.EACCES:  ipc.ErrorUnauthorized,
	syscall.EEXIST:  ipc.ErrorExists,
	syscall.ENOTDIR: ipc.ErrorNotDirectory,
	syscall.EISDIR:  ipc.ErrorIsDirectory,
	syscall.EINVAL:  ipc.ErrorInvalid,
	syscall.EMFILE:  ipc.ErrorTooManyFiles,
}

func errnoFromSyscall(err error) (ipc.Errno, bool) {
	var se syscall.Errno
	if !errors.As(err, &se) {
		return 0, false
	}
	code, ok := nativeErrnos[se]
	return code, ok
}
