package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rfratto/hostfs/internal/ipc"
)

// DefaultMaxOpen is the default number of descriptors a Passthrough handler
// allows to be open at once.
const DefaultMaxOpen = 4096

// MaxReadSize is the largest number of bytes returned by a single read.
// Larger reads are answered with a short read.
const MaxReadSize = 1 << 20

// PassthroughOptions configures a Passthrough handler.
type PassthroughOptions struct {
	// Root that request paths are relative to.
	Root string

	// MaxOpen is the maximum number of open descriptors. Opens past the limit
	// fail with ipc.ErrorTooManyFiles. 0 uses DefaultMaxOpen.
	MaxOpen int
}

// Passthrough creates a new Handler which passes through requests to the host
// filesystem. Request paths are resolved relative to the configured root.
// Note that this isn't a chroot, and it's possible to read files outside of
// the root via symbolic links.
func Passthrough(l log.Logger, o PassthroughOptions) *PassthroughHandler {
	if l == nil {
		l = log.NewNopLogger()
	}
	if o.MaxOpen == 0 {
		o.MaxOpen = DefaultMaxOpen
	}
	return &PassthroughHandler{
		log:   l,
		root:  o.Root,
		files: newTable(l, o.MaxOpen),
	}
}

// PassthroughHandler is a Handler which serves files from the host
// filesystem. Create one with Passthrough.
type PassthroughHandler struct {
	log   log.Logger
	root  string
	files *table
}

var (
	_ Handler = (*PassthroughHandler)(nil)
)

func (h *PassthroughHandler) Init(ctx context.Context) error {
	fi, err := os.Stat(h.root)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("root %s: %w", h.root, ipc.ErrorNotDirectory)
	}
	return nil
}

// Close closes every descriptor which is still open.
func (h *PassthroughHandler) Close() error {
	if n := h.files.Len(); n > 0 {
		level.Info(h.log).Log("msg", "closing descriptors left open by peer", "count", n)
	}
	return h.files.CloseAll()
}

// OpenCount returns the number of descriptors which are currently open.
func (h *PassthroughHandler) OpenCount() int { return h.files.Len() }

// resolve converts a request path into a path on the host. Paths can't
// escape the root through "..".
func (h *PassthroughHandler) resolve(path string) string {
	return filepath.Join(h.root, filepath.FromSlash(filepath.Clean("/"+path)))
}

func (h *PassthroughHandler) Open(ctx context.Context, hdr *ipc.RequestHeader, p *ipc.OpenParams) (*ipc.OpenResult, error) {
	path := h.resolve(p.Path)
	f, err := os.OpenFile(path, osFlags(p.Flags), p.Mode.Perm())
	if err != nil {
		return nil, err
	}

	fd, err := h.files.Add(p.ID, &openFile{Path: path, Flags: p.Flags, f: f})
	if err != nil {
		f.Close()
		return nil, err
	}
	return &ipc.OpenResult{FD: fd}, nil
}

func (h *PassthroughHandler) Release(ctx context.Context, hdr *ipc.RequestHeader, p *ipc.CloseParams) error {
	of, err := h.files.Get(p.ID)
	if err != nil {
		return err
	}
	if of.Dir {
		return fmt.Errorf("%s is a directory: %w", p.ID, ipc.ErrorIsDirectory)
	}
	return h.files.Remove(p.ID)
}

func (h *PassthroughHandler) Read(ctx context.Context, hdr *ipc.RequestHeader, p *ipc.ReadParams) (*ipc.ReadResult, error) {
	of, err := h.getFile(p.ID)
	if err != nil {
		return nil, err
	}

	size := int(p.Size)
	if size > MaxReadSize {
		size = MaxReadSize
	}

	var (
		buf = make([]byte, size)
		n   int
	)
	if p.Position < 0 {
		n, err = of.f.Read(buf)
	} else {
		n, err = of.f.ReadAt(buf, p.Position)
	}
	if errors.Is(err, io.EOF) {
		// A short read is how the end of a file is reported to the peer.
		err = nil
	}
	if err != nil {
		return nil, err
	}
	return &ipc.ReadResult{Data: buf[:n]}, nil
}

func (h *PassthroughHandler) Write(ctx context.Context, hdr *ipc.RequestHeader, p *ipc.WriteParams) (*ipc.WriteResult, error) {
	of, err := h.getFile(p.ID)
	if err != nil {
		return nil, err
	}

	var n int
	if p.Position < 0 || of.Flags&ipc.OpenAppend != 0 {
		// NOTE: WriteAt fails if our file was opened for appending, so we call
		// Write here instead.
		n, err = of.f.Write(p.Data)
	} else {
		n, err = of.f.WriteAt(p.Data, p.Position)
	}
	if err != nil && n == 0 {
		return nil, err
	}
	return &ipc.WriteResult{Written: uint32(n)}, nil
}

func (h *PassthroughHandler) Fstat(ctx context.Context, hdr *ipc.RequestHeader, p *ipc.FstatParams) (*ipc.StatResult, error) {
	of, err := h.files.Get(p.ID)
	if err != nil {
		return nil, err
	}
	fi, err := of.f.Stat()
	if err != nil {
		return nil, err
	}
	return &ipc.StatResult{Stat: statFromInfo(fi)}, nil
}

func (h *PassthroughHandler) Access(ctx context.Context, hdr *ipc.RequestHeader, p *ipc.AccessParams) (*ipc.AccessResult, error) {
	if p.Mode&^uint32(0x7) != 0 {
		return nil, fmt.Errorf("unknown access mode %#o: %w", p.Mode, ipc.ErrorInvalid)
	}
	if err := access(h.resolve(p.Path), p.Mode); err != nil {
		return nil, err
	}
	return &ipc.AccessResult{Mode: p.Mode}, nil
}

func (h *PassthroughHandler) Opendir(ctx context.Context, hdr *ipc.RequestHeader, p *ipc.OpendirParams) (*ipc.OpenResult, error) {
	path := h.resolve(p.Path)
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if fi, err := f.Stat(); err != nil {
		f.Close()
		return nil, err
	} else if !fi.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%s: %w", p.Path, ipc.ErrorNotDirectory)
	}

	fd, err := h.files.Add(p.ID, &openFile{Path: path, Dir: true, f: f})
	if err != nil {
		f.Close()
		return nil, err
	}
	return &ipc.OpenResult{FD: fd}, nil
}

func (h *PassthroughHandler) Readdir(ctx context.Context, hdr *ipc.RequestHeader, p *ipc.ReaddirParams) (*ipc.ReaddirResult, error) {
	if p.Entries <= 0 {
		return nil, fmt.Errorf("entries must be positive: %w", ipc.ErrorInvalid)
	}
	of, err := h.getDir(p.ID)
	if err != nil {
		return nil, err
	}

	ents, err := of.f.ReadDir(p.Entries)
	if errors.Is(err, io.EOF) {
		// An empty batch marks the end of the directory.
		return &ipc.ReaddirResult{}, nil
	} else if err != nil {
		return nil, err
	}

	res := &ipc.ReaddirResult{Entries: make([]ipc.DirEntry, len(ents))}
	for i, ent := range ents {
		res.Entries[i] = ipc.DirEntry{
			Name: ent.Name(),
			Type: toEntryType(ent.Type()),
		}
	}
	return res, nil
}

func (h *PassthroughHandler) Releasedir(ctx context.Context, hdr *ipc.RequestHeader, p *ipc.ClosedirParams) error {
	if _, err := h.getDir(p.ID); err != nil {
		return err
	}
	return h.files.Remove(p.ID)
}

func (h *PassthroughHandler) Ftruncate(ctx context.Context, hdr *ipc.RequestHeader, p *ipc.FtruncateParams) error {
	of, err := h.getFile(p.ID)
	if err != nil {
		return err
	}
	return of.f.Truncate(p.Size)
}

func (h *PassthroughHandler) Fsync(ctx context.Context, hdr *ipc.RequestHeader, p *ipc.FsyncParams) error {
	of, err := h.files.Get(p.ID)
	if err != nil {
		return err
	}
	if p.DataOnly {
		return datasync(of.f)
	}
	return of.f.Sync()
}

func (h *PassthroughHandler) Fchmod(ctx context.Context, hdr *ipc.RequestHeader, p *ipc.FchmodParams) error {
	of, err := h.files.Get(p.ID)
	if err != nil {
		return err
	}
	return of.f.Chmod(p.Mode)
}

func (h *PassthroughHandler) Fchown(ctx context.Context, hdr *ipc.RequestHeader, p *ipc.FchownParams) error {
	of, err := h.files.Get(p.ID)
	if err != nil {
		return err
	}
	return of.f.Chown(p.UID, p.GID)
}

func (h *PassthroughHandler) Futimes(ctx context.Context, hdr *ipc.RequestHeader, p *ipc.FutimesParams) error {
	of, err := h.files.Get(p.ID)
	if err != nil {
		return err
	}
	return os.Chtimes(of.Path, p.Atime, p.Mtime)
}

// getFile returns the open file for id, failing if id is a directory.
func (h *PassthroughHandler) getFile(id string) (*openFile, error) {
	of, err := h.files.Get(id)
	if err != nil {
		return nil, err
	}
	if of.Dir {
		return nil, fmt.Errorf("%s: %w", id, ipc.ErrorIsDirectory)
	}
	return of, nil
}

// getDir returns the open directory for id, failing if id is a file.
func (h *PassthroughHandler) getDir(id string) (*openFile, error) {
	of, err := h.files.Get(id)
	if err != nil {
		return nil, err
	}
	if !of.Dir {
		return nil, fmt.Errorf("%s: %w", id, ipc.ErrorNotDirectory)
	}
	return of, nil
}

// osFlags converts open flags into flags for os.OpenFile.
func osFlags(in ipc.OpenFlags) int {
	var out int
	switch in & ipc.OpenAccessMode {
	case ipc.OpenReadOnly:
		out = os.O_RDONLY
	case ipc.OpenWriteOnly:
		out = os.O_WRONLY
	default:
		out = os.O_RDWR
	}

	for flag, osFlag := range map[ipc.OpenFlags]int{
		ipc.OpenCreate:    os.O_CREATE,
		ipc.OpenExclusive: os.O_EXCL,
		ipc.OpenTruncate:  os.O_TRUNC,
		ipc.OpenAppend:    os.O_APPEND,
		ipc.OpenSync:      os.O_SYNC,
	} {
		if in&flag == flag {
			out |= osFlag
		}
	}
	return out
}

func toEntryType(m fs.FileMode) ipc.EntryType {
	switch {
	case m&os.ModeNamedPipe != 0:
		return ipc.EntryPipe
	case m&os.ModeCharDevice != 0 && m&os.ModeDevice != 0:
		return ipc.EntryCharacter
	case m&os.ModeDir != 0:
		return ipc.EntryDirectory
	case m&os.ModeDevice != 0:
		return ipc.EntryBlock
	case m&os.ModeSymlink != 0:
		return ipc.EntryLink
	case m&os.ModeSocket != 0:
		return ipc.EntrySocket
	case m&os.ModeType == 0:
		return ipc.EntryRegular
	}
	return ipc.EntryUnknown
}
