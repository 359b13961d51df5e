package fs

import (
	"bytes"
	"context"
	"io"
	"math"
	"os"
	"time"

	"github.com/rfratto/hostfs/internal/ipc"
)

// DefaultOpenMode is the mode files are created with when no mode is given.
const DefaultOpenMode os.FileMode = 0666

// FileHandle is a file opened in the backend.
type FileHandle struct {
	h *handle

	path  string
	flags ipc.OpenFlags
	mode  os.FileMode
}

// ID returns the caller-assigned ID of the file, which stays the same for
// the lifetime of the handle.
func (fh *FileHandle) ID() string { return fh.h.id }

// FD returns the native descriptor of the file. ok is false if the file
// isn't open.
func (fh *FileHandle) FD() (fd uint64, ok bool) { return fh.h.FD() }

// Path returns the path the handle was created for. Handles created with
// FileFromID have no path.
func (fh *FileHandle) Path() string { return fh.path }

// Flags returns the flags the handle was created with.
func (fh *FileHandle) Flags() ipc.OpenFlags { return fh.flags }

// State returns the lifecycle state of the handle.
func (fh *FileHandle) State() State { return fh.h.State() }

// Opened returns true if the handle can be used for data operations.
func (fh *FileHandle) Opened() bool {
	_, err := fh.h.acquire("opened")
	return err == nil
}

// Open opens the file. Calling Open on an open handle is a no-op, and
// concurrent calls while the file is being opened share a single request to
// the backend. Closed handles can't be reopened.
func (fh *FileHandle) Open(ctx context.Context) error {
	return fh.h.open(ctx, fh, ipc.CommandOpen, &ipc.OpenParams{
		ID:    fh.h.id,
		Path:  fh.path,
		Flags: fh.flags,
		Mode:  fh.mode,
	})
}

// Close closes the file. Concurrent calls share a single request to the
// backend and observe the same result. If the backend fails to close the
// file, the handle becomes StateBroken and every later Close returns the
// same error.
func (fh *FileHandle) Close(ctx context.Context) error {
	return fh.h.close(ctx, fh)
}

// Read reads up to length bytes from the file at position into
// buf[offset:offset+length] and returns the number of bytes read. position
// may be CurrentPosition. A short read is not an error; 0 bytes means the
// end of the file was reached.
//
// Only one read per handle is sent to the backend at a time; concurrent
// calls wait their turn.
func (fh *FileHandle) Read(ctx context.Context, buf []byte, offset, length int, position int64) (int, error) {
	if err := checkBuffer("read", len(buf), offset, length, position); err != nil {
		return 0, err
	}

	release, err := fh.h.serialize(ctx, fh.h.reads)
	if err != nil {
		return 0, err
	}
	defer release()

	res, err := fh.h.send(ctx, "read", ipc.CommandRead, &ipc.ReadParams{
		ID:       fh.h.id,
		Size:     uint32(length),
		Position: position,
	})
	if err != nil {
		return 0, err
	}
	if res == nil {
		// Backends may omit the payload entirely at EOF.
		return 0, nil
	}
	rr, ok := res.(*ipc.ReadResult)
	if !ok {
		return 0, unexpectedReply(ipc.CommandRead, res)
	}
	return copy(buf[offset:offset+length], rr.Data), nil
}

// Write writes buf[offset:offset+length] to the file at position and returns
// the number of bytes written. position may be CurrentPosition. Like Read,
// writes on a handle are sent one at a time.
func (fh *FileHandle) Write(ctx context.Context, buf []byte, offset, length int, position int64) (int, error) {
	if err := checkBuffer("write", len(buf), offset, length, position); err != nil {
		return 0, err
	}

	release, err := fh.h.serialize(ctx, fh.h.writes)
	if err != nil {
		return 0, err
	}
	defer release()

	res, err := fh.h.send(ctx, "write", ipc.CommandWrite, &ipc.WriteParams{
		ID:       fh.h.id,
		Position: position,
		Data:     buf[offset : offset+length],
	})
	if err != nil {
		return 0, err
	}
	wr, ok := res.(*ipc.WriteResult)
	if !ok {
		return 0, unexpectedReply(ipc.CommandWrite, res)
	}
	return int(wr.Written), nil
}

// checkBuffer validates the arguments of a read or write against a buffer
// of size n.
func checkBuffer(op string, n, offset, length int, position int64) error {
	switch {
	case offset < 0:
		return ipc.RangeError(op, "offset", "must be >= 0, got %d", offset)
	case offset > n:
		return ipc.RangeError(op, "offset", "must be <= buffer length %d, got %d", n, offset)
	case length < 0:
		return ipc.RangeError(op, "length", "must be >= 0, got %d", length)
	case length > n-offset:
		return ipc.RangeError(op, "length", "offset + length must be <= buffer length %d, got %d", n, offset+length)
	case uint64(length) > math.MaxUint32:
		return ipc.RangeError(op, "length", "must be <= %d, got %d", uint64(math.MaxUint32), length)
	case position < CurrentPosition:
		return ipc.RangeError(op, "position", "must be >= 0 or CurrentPosition, got %d", position)
	}
	return nil
}

// Stat returns information about the file.
func (fh *FileHandle) Stat(ctx context.Context) (*Stats, error) {
	res, err := fh.h.send(ctx, "stat", ipc.CommandFstat, &ipc.FstatParams{ID: fh.h.id})
	if err != nil {
		return nil, err
	}
	sr, ok := res.(*ipc.StatResult)
	if !ok {
		return nil, unexpectedReply(ipc.CommandFstat, res)
	}
	return newStats(fh.path, sr.Stat), nil
}

// Truncate changes the size of the file to size bytes.
func (fh *FileHandle) Truncate(ctx context.Context, size int64) error {
	if size < 0 {
		return ipc.RangeError("truncate", "size", "must be >= 0, got %d", size)
	}
	_, err := fh.h.send(ctx, "truncate", ipc.CommandFtruncate, &ipc.FtruncateParams{ID: fh.h.id, Size: size})
	return err
}

// Sync flushes the file's data and metadata to storage.
func (fh *FileHandle) Sync(ctx context.Context) error {
	_, err := fh.h.send(ctx, "sync", ipc.CommandFsync, &ipc.FsyncParams{ID: fh.h.id})
	return err
}

// Datasync flushes the file's data to storage. Metadata is only flushed if
// it is needed to read the data back.
func (fh *FileHandle) Datasync(ctx context.Context) error {
	_, err := fh.h.send(ctx, "datasync", ipc.CommandFsync, &ipc.FsyncParams{ID: fh.h.id, DataOnly: true})
	return err
}

// Chmod changes the permission bits of the file.
func (fh *FileHandle) Chmod(ctx context.Context, mode os.FileMode) error {
	if mode&^os.ModePerm&^(os.ModeSetuid|os.ModeSetgid|os.ModeSticky) != 0 {
		return ipc.RangeError("chmod", "mode", "only permission bits may be set, got %s", mode)
	}
	_, err := fh.h.send(ctx, "chmod", ipc.CommandFchmod, &ipc.FchmodParams{ID: fh.h.id, Mode: mode})
	return err
}

// Chown changes the owner of the file. An ID of -1 leaves it unchanged.
func (fh *FileHandle) Chown(ctx context.Context, uid, gid int) error {
	if uid < -1 {
		return ipc.RangeError("chown", "uid", "must be >= -1, got %d", uid)
	}
	if gid < -1 {
		return ipc.RangeError("chown", "gid", "must be >= -1, got %d", gid)
	}
	_, err := fh.h.send(ctx, "chown", ipc.CommandFchown, &ipc.FchownParams{ID: fh.h.id, UID: uid, GID: gid})
	return err
}

// Utimes changes the access and modification times of the file.
func (fh *FileHandle) Utimes(ctx context.Context, atime, mtime time.Time) error {
	_, err := fh.h.send(ctx, "utimes", ipc.CommandFutimes, &ipc.FutimesParams{ID: fh.h.id, Atime: atime, Mtime: mtime})
	return err
}

// ReadFile reads the file from the start until EOF.
func (fh *FileHandle) ReadFile(ctx context.Context) ([]byte, error) {
	rs, err := fh.CreateReadStream(ctx, ReadStreamOptions{})
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rs); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteFile writes data to the file at its current offset. data is split
// into chunks no bigger than the stream high-water mark, and WriteFile waits
// for the stream to drain whenever it fills up.
func (fh *FileHandle) WriteFile(ctx context.Context, data []byte) error {
	ws, err := fh.CreateWriteStream(ctx, WriteStreamOptions{Start: CurrentPosition})
	if err != nil {
		return err
	}

	for len(data) > 0 {
		n := len(data)
		if n > ws.HighWaterMark() {
			n = ws.HighWaterMark()
		}
		chunk := data[:n]
		data = data[n:]

		if !ws.Push(chunk) {
			// The stream is bound to ctx and finishes if ctx is canceled.
			select {
			case <-ws.Drain():
			case <-ws.Done():
				return ws.Err()
			}
		}
	}
	return ws.Close()
}

// AppendFile writes data to the file. Data is only appended to the end of the
// file if the handle was opened with an append flag; otherwise AppendFile
// behaves like WriteFile.
func (fh *FileHandle) AppendFile(ctx context.Context, data []byte) error {
	if _, err := fh.h.acquire("append"); err != nil {
		return err
	}
	return fh.WriteFile(ctx, data)
}
