// Package fs exposes files and directories that live in an out-of-process
// backend. Every resource is represented by a handle that must be opened
// before use and closed afterwards; operations on a handle are forwarded to
// the backend and their replies returned to the caller.
//
// Handles which are dropped without being closed are released by a
// gc.Supervisor when one is configured, but callers should prefer WithFile
// and WithDir, which always release the handle on return.
package fs

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/rfratto/hostfs/internal/fds"
	"github.com/rfratto/hostfs/internal/gc"
	"github.com/rfratto/hostfs/internal/ipc"
	"github.com/rfratto/hostfs/internal/ipc/client"
	uuid "github.com/satori/go.uuid"
)

// Access modes for FS.Access. Values match access(2).
const (
	F_OK uint32 = 0 // File exists.
	X_OK uint32 = 1 // File is executable.
	W_OK uint32 = 2 // File is writable.
	R_OK uint32 = 4 // File is readable.
)

// CurrentPosition can be used as the position for reads and writes to use
// the backend's current offset for the descriptor instead of an absolute
// one. The backend advances its offset after every such call.
//
// Calls at CurrentPosition on the same handle are not ordered with respect
// to one another unless the caller waits for one to finish before starting
// the next.
const CurrentPosition int64 = -1

// Caller sends commands to a backend. *client.Client implements Caller.
type Caller interface {
	Send(ctx context.Context, cmd ipc.Command, p ipc.Params, opts ...client.CallOption) (ipc.Result, error)
	SendSync(cmd ipc.Command, p ipc.Params) ipc.Result
}

var _ Caller = (*client.Client)(nil)

// Options configures an FS.
type Options struct {
	// Client used to talk to the backend. Required.
	Client Caller

	// Registry to track open descriptors in. A new Registry is created when
	// nil.
	Registry *fds.Registry

	// Supervisor releases handles that are dropped without being closed.
	// Leaked handles are never released when nil.
	Supervisor *gc.Supervisor

	// ExternalTable, when set, is mirrored into Registry for the lifetime of
	// the FS.
	ExternalTable fds.ExternalTable
}

// FS opens handles against a backend.
type FS struct {
	log    log.Logger
	client Caller
	reg    *fds.Registry
	sup    *gc.Supervisor

	// Armed supervisor entries by handle ID, so descriptors released by the
	// FS itself can be disarmed without their owner.
	entriesMut sync.Mutex
	entries    map[string]*gc.Entry

	stopMirror func()
}

// New creates a new FS.
func New(l log.Logger, o Options) (*FS, error) {
	if l == nil {
		l = log.NewNopLogger()
	}
	if o.Client == nil {
		return nil, fmt.Errorf("fs: Client must be set")
	}
	if o.Registry == nil {
		o.Registry = fds.New(log.With(l, "component", "fds"))
	}

	f := &FS{
		log:    l,
		client: o.Client,
		reg:    o.Registry,
		sup:    o.Supervisor,

		entries: make(map[string]*gc.Entry),
	}
	if o.ExternalTable != nil {
		f.stopMirror = f.reg.Mirror(o.ExternalTable)
	}
	return f, nil
}

// Registry returns the registry used to track open descriptors.
func (f *FS) Registry() *fds.Registry { return f.reg }

// NewFileHandle creates an Idle handle for the file at path. The file isn't
// opened until Open is called on the handle.
func (f *FS) NewFileHandle(path string, flags ipc.OpenFlags, mode os.FileMode) *FileHandle {
	return &FileHandle{
		h:     newHandle(f, newID(), fds.TypeFile),
		path:  path,
		flags: flags,
		mode:  mode,
	}
}

// Open opens the file at path. flags is a string such as "r" or "w+"; an
// empty string defaults to "r". A mode of 0 defaults to 0666.
func (f *FS) Open(ctx context.Context, path string, flags string, mode os.FileMode) (*FileHandle, error) {
	of, err := ParseFlags(flags)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, ipc.TypeError("open", "path", "path must not be empty")
	}
	if mode == 0 {
		mode = DefaultOpenMode
	}

	fh := f.NewFileHandle(path, of, mode)
	if err := fh.Open(ctx); err != nil {
		return nil, err
	}
	return fh, nil
}

// NewDirectoryHandle creates an Idle handle for the directory at path.
// bufferSize is the default number of entries returned by a read; it is
// clamped to [1, MaxDirBufferSize], and 0 selects DefaultDirBufferSize.
func (f *FS) NewDirectoryHandle(path string, bufferSize int) *DirectoryHandle {
	if bufferSize == 0 {
		bufferSize = DefaultDirBufferSize
	}
	return &DirectoryHandle{
		h:          newHandle(f, newID(), fds.TypeDirectory),
		path:       path,
		bufferSize: clamp(bufferSize, 1, MaxDirBufferSize),
	}
}

// OpenDir opens the directory at path.
func (f *FS) OpenDir(ctx context.Context, path string) (*DirectoryHandle, error) {
	if path == "" {
		return nil, ipc.TypeError("opendir", "path", "path must not be empty")
	}

	dh := f.NewDirectoryHandle(path, 0)
	if err := dh.Open(ctx); err != nil {
		return nil, err
	}
	return dh, nil
}

// Access returns true if path can be accessed with the given mode. An error
// is returned if the backend denies access or path doesn't exist.
func (f *FS) Access(ctx context.Context, path string, mode uint32) (bool, error) {
	res, err := f.client.Send(ctx, ipc.CommandAccess, &ipc.AccessParams{Path: path, Mode: mode})
	if err != nil {
		return false, err
	}
	ar, ok := res.(*ipc.AccessResult)
	if !ok {
		return false, unexpectedReply(ipc.CommandAccess, res)
	}
	return ar.Mode == mode, nil
}

// Exists is a best-effort check for whether path exists. Any failure,
// including an unavailable backend, reports false.
func (f *FS) Exists(path string) bool {
	res, ok := f.client.SendSync(ipc.CommandAccess, &ipc.AccessParams{Path: path, Mode: F_OK}).(*ipc.AccessResult)
	return ok && res.Mode == F_OK
}

// FileFromID returns a new FileHandle for the already-open file with the
// given ID. The returned handle shares the native descriptor with the
// handle that opened it; closing either closes the descriptor.
//
// ipc.ErrInvalidDescriptor is returned if id isn't registered, and a type
// error if id refers to a directory.
func (f *FS) FileFromID(id string) (*FileHandle, error) {
	fd, ok := f.reg.Get(id)
	if !ok {
		return nil, fmt.Errorf("file %s: %w", id, ipc.ErrInvalidDescriptor)
	}
	if t, _ := f.reg.TypeOf(id); t != fds.TypeFile {
		return nil, ipc.TypeError("from", "id", "%s refers to a %s, not a file", id, t)
	}
	return &FileHandle{h: openedHandle(f, id, fds.TypeFile, fd)}, nil
}

// FileFromFD is like FileFromID but looks up the file by its native
// descriptor.
func (f *FS) FileFromFD(fd uint64) (*FileHandle, error) {
	id, ok := f.reg.To(fd)
	if !ok {
		return nil, fmt.Errorf("fd %d: %w", fd, ipc.ErrInvalidDescriptor)
	}
	return f.FileFromID(id)
}

// DirFromID returns a new DirectoryHandle for the already-open directory
// with the given ID.
func (f *FS) DirFromID(id string) (*DirectoryHandle, error) {
	fd, ok := f.reg.Get(id)
	if !ok {
		return nil, fmt.Errorf("directory %s: %w", id, ipc.ErrInvalidDescriptor)
	}
	if t, _ := f.reg.TypeOf(id); t != fds.TypeDirectory {
		return nil, ipc.TypeError("from", "id", "%s refers to a %s, not a directory", id, t)
	}
	return &DirectoryHandle{
		h:          openedHandle(f, id, fds.TypeDirectory, fd),
		bufferSize: DefaultDirBufferSize,
	}, nil
}

// Close releases every descriptor still registered, whether or not a handle
// for it is still reachable, and stops mirroring the external table. Handles
// whose descriptor was released here fail with ipc.ErrNotOpen from then on.
func (f *FS) Close(ctx context.Context) error {
	if f.stopMirror != nil {
		f.stopMirror()
		f.stopMirror = nil
	}

	var errs *multierror.Error
	for _, d := range f.reg.Entries() {
		if err := f.release(ctx, d.ID, d.Type); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("releasing %s %s: %w", d.Type, d.ID, err))
		}
	}
	return errs.ErrorOrNil()
}

// release closes id on the backend and removes it from the registry. It is a
// no-op when id isn't registered.
func (f *FS) release(ctx context.Context, id string, t fds.Type) error {
	if !f.reg.Has(id) {
		return nil
	}
	cmd, p := closeRequest(t, id)
	if _, err := f.client.Send(ctx, cmd, p); err != nil {
		return err
	}
	f.reg.Release(id)

	if e := f.takeEntry(id); e != nil {
		f.sup.Cancel(e)
	}
	return nil
}

// arm registers owner with the supervisor so id is released if owner leaks.
func (f *FS) arm(owner interface{}, id string, t fds.Type) *gc.Entry {
	if f.sup == nil {
		return nil
	}
	// The cleanup must only reference the FS; capturing owner would keep it
	// reachable forever.
	e := f.sup.Arm(owner, id, func(ctx context.Context) error {
		level.Warn(f.log).Log("msg", "closing handle on garbage collection", "id", id, "type", t)
		return f.release(ctx, id, t)
	})

	f.entriesMut.Lock()
	f.entries[id] = e
	f.entriesMut.Unlock()
	return e
}

func (f *FS) disarm(owner interface{}, id string, e *gc.Entry) {
	if f.sup == nil || e == nil {
		return
	}
	f.entriesMut.Lock()
	if f.entries[id] == e {
		delete(f.entries, id)
	}
	f.entriesMut.Unlock()

	f.sup.Disarm(owner, e)
}

// takeEntry removes and returns the supervisor entry armed for id.
func (f *FS) takeEntry(id string) *gc.Entry {
	f.entriesMut.Lock()
	defer f.entriesMut.Unlock()
	e := f.entries[id]
	delete(f.entries, id)
	return e
}

// WithFile opens path, calls fn with the open handle, and closes the handle
// once fn returns, even if fn panics.
func (f *FS) WithFile(ctx context.Context, path, flags string, mode os.FileMode, fn func(*FileHandle) error) (err error) {
	fh, err := f.Open(ctx, path, flags, mode)
	if err != nil {
		return err
	}
	defer func() {
		// Closing must not be skipped because ctx was canceled by fn.
		if cerr := fh.Close(context.WithoutCancel(ctx)); cerr != nil {
			err = multierror.Append(err, cerr).ErrorOrNil()
		}
	}()
	return fn(fh)
}

// WithDir opens path, calls fn with the open handle, and closes the handle
// once fn returns, even if fn panics.
func (f *FS) WithDir(ctx context.Context, path string, fn func(*DirectoryHandle) error) (err error) {
	dh, err := f.OpenDir(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := dh.Close(context.WithoutCancel(ctx)); cerr != nil {
			err = multierror.Append(err, cerr).ErrorOrNil()
		}
	}()
	return fn(dh)
}

// closeRequest returns the command that closes a descriptor of type t.
func closeRequest(t fds.Type, id string) (ipc.Command, ipc.Params) {
	if t == fds.TypeDirectory {
		return ipc.CommandClosedir, &ipc.ClosedirParams{ID: id}
	}
	return ipc.CommandClose, &ipc.CloseParams{ID: id}
}

func unexpectedReply(cmd ipc.Command, res ipc.Result) error {
	return fmt.Errorf("%s: unexpected reply %T", cmd, res)
}

func newID() string {
	return uuid.NewV4().String()
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
