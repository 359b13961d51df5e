package ipc

import (
	"errors"
	"fmt"
	"strconv"
)

// Errno is a native error code reported by a backend. Codes are POSIX errno
// values as understood by Linux.
//
// The most common codes are re-defined here for cross-platform compatibility.
type Errno int32

const (
	ErrorNotPermitted  = Errno(0x01) // EPERM
	ErrorNotExist      = Errno(0x02) // ENOENT
	ErrorInterrupted   = Errno(0x04) // EINTR
	ErrorIO            = Errno(0x05) // EIO
	ErrorBadDescriptor = Errno(0x09) // EBADF
	ErrorUnavailable   = Errno(0x0b) // EAGAIN
	ErrorNoMemory      = Errno(0x0c) // ENOMEM
	ErrorUnauthorized  = Errno(0x0d) // EACCES
	ErrorExists        = Errno(0x11) // EEXIST
	ErrorNotDirectory  = Errno(0x14) // ENOTDIR
	ErrorIsDirectory   = Errno(0x15) // EISDIR
	ErrorInvalid       = Errno(0x16) // EINVAL
	ErrorTooManyFiles  = Errno(0x18) // EMFILE
	ErrorUnimplemented = Errno(0x26) // ENOSYS
	ErrorAborted       = Errno(0x67) // ECONNABORTED
	ErrorTimedOut      = Errno(0x6e) // ETIMEDOUT
)

var errnoDescriptions = map[Errno]string{
	ErrorNotPermitted:  "operation not permitted",
	ErrorNotExist:      "no such file or directory",
	ErrorInterrupted:   "interrupted system call",
	ErrorIO:            "input/output error",
	ErrorBadDescriptor: "bad file descriptor",
	ErrorUnavailable:   "resource temporarily unavailable",
	ErrorNoMemory:      "cannot allocate memory",
	ErrorUnauthorized:  "permission denied",
	ErrorExists:        "file exists",
	ErrorNotDirectory:  "not a directory",
	ErrorIsDirectory:   "is a directory",
	ErrorInvalid:       "invalid argument",
	ErrorTooManyFiles:  "too many open files",
	ErrorUnimplemented: "function not implemented",
	ErrorAborted:       "software caused connection abort",
	ErrorTimedOut:      "connection timed out",
}

// Error prints the description of the error.
func (e Errno) Error() string {
	if desc := errnoDescriptions[e]; desc != "" {
		return desc
	}
	return "errno " + strconv.Itoa(int(e))
}

// Errors raised by the client side of the protocol.
var (
	// ErrNotReady is returned when the channel to the backend hasn't been
	// initialized or has already gone away.
	ErrNotReady = errors.New("ipc channel not ready")

	// ErrNotOpen is returned when an operation is attempted against a handle
	// which is not open.
	ErrNotOpen = errors.New("handle is not open")

	// ErrInvalidDescriptor is returned when an unknown ID or native descriptor
	// is referenced.
	ErrInvalidDescriptor = errors.New("invalid descriptor")

	// ErrCancelled is returned when a call was aborted by its caller or timed
	// out before a reply arrived.
	ErrCancelled = errors.New("call cancelled")
)

// BackendError is a native error reported by a backend in reply to a command.
type BackendError struct {
	Command Command
	Code    Errno
	Message string
}

// Error implements error.
func (e *BackendError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code.Error()
	}
	return fmt.Sprintf("%s: %s", e.Command, msg)
}

// Unwrap returns the native error code so callers can use errors.Is against
// Errno values.
func (e *BackendError) Unwrap() error { return e.Code }

// ArgumentKind categorizes an ArgumentError.
type ArgumentKind string

const (
	KindRange ArgumentKind = "range" // Value outside of its permitted range.
	KindType  ArgumentKind = "type"  // Value of the wrong kind.
)

// ArgumentError is raised synchronously when an operation is given malformed
// arguments. It is never the result of talking to a backend.
type ArgumentError struct {
	Op   string
	Arg  string
	Kind ArgumentKind
	Msg  string
}

// Error implements error.
func (e *ArgumentError) Error() string {
	return fmt.Sprintf("%s: invalid %s (%s error): %s", e.Op, e.Arg, e.Kind, e.Msg)
}

// RangeError creates a new ArgumentError of KindRange.
func RangeError(op, arg, format string, args ...interface{}) error {
	return &ArgumentError{Op: op, Arg: arg, Kind: KindRange, Msg: fmt.Sprintf(format, args...)}
}

// TypeError creates a new ArgumentError of KindType.
func TypeError(op, arg, format string, args ...interface{}) error {
	return &ArgumentError{Op: op, Arg: arg, Kind: KindType, Msg: fmt.Sprintf(format, args...)}
}

// IsArgumentError returns true if err was caused by invalid arguments.
func IsArgumentError(err error) bool {
	var ae *ArgumentError
	return errors.As(err, &ae)
}
