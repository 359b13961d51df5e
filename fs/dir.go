package fs

import (
	"context"
	"os"

	"github.com/rfratto/hostfs/internal/ipc"
)

const (
	// DefaultDirBufferSize is the default number of entries returned by a
	// single directory read.
	DefaultDirBufferSize = 32

	// MaxDirBufferSize is the maximum number of entries a single directory
	// read may return.
	MaxDirBufferSize = 256
)

// DirEntry is an entry read from a directory.
type DirEntry struct {
	Name string
	Type ipc.EntryType
}

// IsDir returns true if the entry is a directory.
func (e DirEntry) IsDir() bool { return e.Type == ipc.EntryDirectory }

// Mode returns the type bits of the entry.
func (e DirEntry) Mode() os.FileMode {
	switch e.Type {
	case ipc.EntryDirectory:
		return os.ModeDir
	case ipc.EntryLink:
		return os.ModeSymlink
	case ipc.EntryPipe:
		return os.ModeNamedPipe
	case ipc.EntrySocket:
		return os.ModeSocket
	case ipc.EntryCharacter:
		return os.ModeDevice | os.ModeCharDevice
	case ipc.EntryBlock:
		return os.ModeDevice
	default:
		return 0
	}
}

// DirectoryHandle is a directory opened in the backend.
type DirectoryHandle struct {
	h *handle

	path       string
	bufferSize int
}

// ID returns the caller-assigned ID of the directory.
func (dh *DirectoryHandle) ID() string { return dh.h.id }

// FD returns the native descriptor of the directory. ok is false if the
// directory isn't open.
func (dh *DirectoryHandle) FD() (fd uint64, ok bool) { return dh.h.FD() }

// Path returns the path the handle was created for.
func (dh *DirectoryHandle) Path() string { return dh.path }

// BufferSize returns the number of entries Read returns by default.
func (dh *DirectoryHandle) BufferSize() int { return dh.bufferSize }

// State returns the lifecycle state of the handle.
func (dh *DirectoryHandle) State() State { return dh.h.State() }

// Open opens the directory. See FileHandle.Open.
func (dh *DirectoryHandle) Open(ctx context.Context) error {
	return dh.h.open(ctx, dh, ipc.CommandOpendir, &ipc.OpendirParams{ID: dh.h.id, Path: dh.path})
}

// Close closes the directory. See FileHandle.Close.
func (dh *DirectoryHandle) Close(ctx context.Context) error {
	return dh.h.close(ctx, dh)
}

// Read returns up to entries entries from the directory. entries is clamped
// to [1, MaxDirBufferSize]; 0 uses the handle's buffer size. An empty result
// means every entry has been read.
func (dh *DirectoryHandle) Read(ctx context.Context, entries int) ([]DirEntry, error) {
	if entries == 0 {
		entries = dh.bufferSize
	}
	entries = clamp(entries, 1, MaxDirBufferSize)

	res, err := dh.h.send(ctx, "readdir", ipc.CommandReaddir, &ipc.ReaddirParams{ID: dh.h.id, Entries: entries})
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	rr, ok := res.(*ipc.ReaddirResult)
	if !ok {
		return nil, unexpectedReply(ipc.CommandReaddir, res)
	}

	out := make([]DirEntry, 0, len(rr.Entries))
	for _, e := range rr.Entries {
		out = append(out, DirEntry{Name: e.Name, Type: e.Type})
	}
	return out, nil
}

// ReadAll reads every remaining entry in the directory.
func (dh *DirectoryHandle) ReadAll(ctx context.Context) ([]DirEntry, error) {
	var all []DirEntry
	for {
		batch, err := dh.Read(ctx, 0)
		if err != nil {
			return all, err
		} else if len(batch) == 0 {
			return all, nil
		}
		all = append(all, batch...)
	}
}
