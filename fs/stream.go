package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rfratto/hostfs/internal/ipc"
	"go.uber.org/atomic"
)

const (
	// DefaultWriteHighWaterMark is the default number of bytes a WriteStream
	// buffers before Push starts returning false.
	DefaultWriteHighWaterMark = 16 * 1024

	// DefaultReadHighWaterMark is the default size of the chunks a
	// ReadStream requests.
	DefaultReadHighWaterMark = 64 * 1024

	// MaxReadHighWaterMark is the largest chunk a ReadStream may request.
	// Backends may answer larger reads short, which would end the stream
	// early.
	MaxReadHighWaterMark = 1 << 20
)

// ErrWriteAfterEnd is returned when writing to a WriteStream that has been
// ended.
var ErrWriteAfterEnd = errors.New("write after end")

// ReadStreamOptions configures a ReadStream.
type ReadStreamOptions struct {
	// HighWaterMark is the size of each chunk requested from the backend.
	HighWaterMark int

	// Start is the position of the first read. CurrentPosition reads from the
	// file's current offset.
	Start int64

	// End, when greater than Start, is the position at which reading stops
	// (exclusive). Otherwise the stream reads until EOF. End can't be used
	// with a Start of CurrentPosition.
	End int64

	// AutoClose closes the file once the stream ends.
	AutoClose bool
}

// ReadStream reads a file one chunk at a time. Only one read is requested
// from the backend at a time, and a short or empty read ends the stream.
//
// Chunks are delivered through Chunks, or through Read for use as an
// io.Reader. The two must not be mixed.
type ReadStream struct {
	fh *FileHandle
	o  ReadStreamOptions

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	chunks chan []byte
	done   chan struct{}

	mut sync.Mutex
	err error

	cur []byte // Unread remainder of the last chunk, for Read.
}

// CreateReadStream starts reading the file. The stream stops, without
// closing the file unless AutoClose is set, when ctx is canceled.
func (fh *FileHandle) CreateReadStream(ctx context.Context, o ReadStreamOptions) (*ReadStream, error) {
	if _, err := fh.h.acquire("createReadStream"); err != nil {
		return nil, err
	}
	if o.HighWaterMark < 0 || o.HighWaterMark > MaxReadHighWaterMark {
		return nil, ipc.RangeError("createReadStream", "highWaterMark", "must be between 0 and %d, got %d", MaxReadHighWaterMark, o.HighWaterMark)
	}
	if o.HighWaterMark == 0 {
		o.HighWaterMark = DefaultReadHighWaterMark
	}
	if o.Start < CurrentPosition {
		return nil, ipc.RangeError("createReadStream", "start", "must be >= 0 or CurrentPosition, got %d", o.Start)
	}
	if o.Start == CurrentPosition && o.End != 0 {
		return nil, ipc.RangeError("createReadStream", "end", "can't be set when reading from CurrentPosition, got %d", o.End)
	}

	rs := &ReadStream{
		fh:     fh,
		o:      o,
		chunks: make(chan []byte),
		done:   make(chan struct{}),
	}
	rs.ctx, rs.cancel = context.WithCancel(ctx)
	go rs.run()
	return rs, nil
}

func (rs *ReadStream) run() {
	defer close(rs.done)
	defer close(rs.chunks)

	// Reads in flight when the stream is canceled are allowed to finish;
	// their data is dropped.
	readCtx := context.WithoutCancel(rs.ctx)

	pos := rs.o.Start
	for {
		size := rs.o.HighWaterMark
		if pos != CurrentPosition && rs.o.End > rs.o.Start {
			remaining := rs.o.End - pos
			if remaining <= 0 {
				break
			} else if remaining < int64(size) {
				size = int(remaining)
			}
		}

		buf := make([]byte, size)
		n, err := rs.fh.Read(readCtx, buf, 0, size, pos)
		if rs.ctx.Err() != nil {
			rs.abort()
			break
		} else if err != nil {
			rs.setErr(err)
			break
		} else if n == 0 {
			break
		}

		select {
		case rs.chunks <- buf[:n]:
		case <-rs.ctx.Done():
		}
		if rs.ctx.Err() != nil {
			rs.abort()
			break
		}

		if pos != CurrentPosition {
			pos += int64(n)
		}
		if n < size {
			break
		}
	}

	if rs.o.AutoClose {
		if err := rs.fh.Close(context.WithoutCancel(rs.ctx)); err != nil {
			rs.setErr(err)
		}
	}
}

// abort records why the stream stopped early. Closing the stream explicitly
// is not an error.
func (rs *ReadStream) abort() {
	if rs.closed.Load() {
		return
	}
	rs.setErr(fmt.Errorf("read stream: %w: %w", ipc.ErrCancelled, context.Cause(rs.ctx)))
}

func (rs *ReadStream) setErr(err error) {
	rs.mut.Lock()
	defer rs.mut.Unlock()
	if rs.err == nil {
		rs.err = err
	}
}

// Chunks returns a channel of chunks read from the file, in order. The
// channel is closed when the stream ends; check Err afterwards.
func (rs *ReadStream) Chunks() <-chan []byte { return rs.chunks }

// Done is closed once the stream has ended and, with AutoClose, the file has
// been closed.
func (rs *ReadStream) Done() <-chan struct{} { return rs.done }

// Err returns the error that ended the stream, if any.
func (rs *ReadStream) Err() error {
	rs.mut.Lock()
	defer rs.mut.Unlock()
	return rs.err
}

// Read implements io.Reader.
func (rs *ReadStream) Read(p []byte) (int, error) {
	if len(rs.cur) == 0 {
		c, ok := <-rs.chunks
		if !ok {
			if err := rs.Err(); err != nil {
				return 0, err
			}
			return 0, io.EOF
		}
		rs.cur = c
	}
	n := copy(p, rs.cur)
	rs.cur = rs.cur[n:]
	return n, nil
}

// Close stops the stream and waits for it to end.
func (rs *ReadStream) Close() error {
	rs.closed.Store(true)
	rs.cancel()
	<-rs.done
	return rs.Err()
}

// WriteStreamOptions configures a WriteStream.
type WriteStreamOptions struct {
	// HighWaterMark is the number of buffered bytes at which Push starts
	// returning false.
	HighWaterMark int

	// Start is the position of the first write. CurrentPosition writes at the
	// file's current offset.
	Start int64

	// AutoClose closes the file once the stream finishes.
	AutoClose bool
}

// WriteStream buffers chunks and writes them to a file in the order they
// were pushed, with only one write in flight at a time.
//
// Producers should stop pushing once Push returns false and wait for Drain
// before pushing more. Pushing past the high-water mark is allowed but
// buffers without bound.
type WriteStream struct {
	fh *FileHandle
	o  WriteStreamOptions

	ctx  context.Context
	stop func() bool

	wake chan struct{}
	done chan struct{}

	mut      sync.Mutex
	queue    [][]byte
	buffered int
	drain    chan struct{} // Closed once buffered reaches 0 after filling up.
	ending   bool
	err      error
}

// CreateWriteStream starts a stream writing to the file. If ctx is canceled,
// buffered chunks are dropped and the stream fails with ipc.ErrCancelled.
func (fh *FileHandle) CreateWriteStream(ctx context.Context, o WriteStreamOptions) (*WriteStream, error) {
	if _, err := fh.h.acquire("createWriteStream"); err != nil {
		return nil, err
	}
	if o.HighWaterMark < 0 {
		return nil, ipc.RangeError("createWriteStream", "highWaterMark", "must be >= 0, got %d", o.HighWaterMark)
	}
	if o.HighWaterMark == 0 {
		o.HighWaterMark = DefaultWriteHighWaterMark
	}
	if o.Start < CurrentPosition {
		return nil, ipc.RangeError("createWriteStream", "start", "must be >= 0 or CurrentPosition, got %d", o.Start)
	}

	drained := make(chan struct{})
	close(drained)

	ws := &WriteStream{
		fh:    fh,
		o:     o,
		ctx:   ctx,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
		drain: drained,
	}
	ws.stop = context.AfterFunc(ctx, func() {
		ws.fail(fmt.Errorf("write stream: %w: %w", ipc.ErrCancelled, context.Cause(ctx)))
	})
	go ws.run()
	return ws, nil
}

// HighWaterMark returns the high-water mark of the stream.
func (ws *WriteStream) HighWaterMark() int { return ws.o.HighWaterMark }

// Push queues chunk to be written. Push returns false if the buffer has
// reached the high-water mark, or if the stream has ended or failed.
// chunk is copied and may be reused once Push returns.
func (ws *WriteStream) Push(chunk []byte) bool {
	accepted, below := ws.push(chunk)
	return accepted && below
}

func (ws *WriteStream) push(chunk []byte) (accepted, below bool) {
	ws.mut.Lock()
	defer ws.mut.Unlock()

	if ws.ending || ws.err != nil {
		return false, false
	}

	ws.queue = append(ws.queue, append([]byte(nil), chunk...))
	ws.buffered += len(chunk)
	ws.signal()

	if ws.buffered < ws.o.HighWaterMark {
		return true, true
	}
	select {
	case <-ws.drain:
		// Previous drain already happened; start a new one.
		ws.drain = make(chan struct{})
	default:
	}
	return true, false
}

// Drain returns a channel that is closed once the buffer empties after
// Push returned false.
func (ws *WriteStream) Drain() <-chan struct{} {
	ws.mut.Lock()
	defer ws.mut.Unlock()
	return ws.drain
}

// Write implements io.Writer. Write blocks while the buffer is above the
// high-water mark.
func (ws *WriteStream) Write(p []byte) (int, error) {
	accepted, below := ws.push(p)
	if !accepted {
		if err := ws.Err(); err != nil {
			return 0, err
		}
		return 0, ErrWriteAfterEnd
	}
	if !below {
		select {
		case <-ws.Drain():
		case <-ws.done:
		}
	}
	if err := ws.Err(); err != nil {
		return 0, err
	}
	return len(p), nil
}

// End signals that no more chunks will be pushed. Buffered chunks are still
// written.
func (ws *WriteStream) End() {
	ws.mut.Lock()
	defer ws.mut.Unlock()
	ws.ending = true
	ws.signal()
}

// Close ends the stream and waits for every buffered chunk to be written.
func (ws *WriteStream) Close() error {
	ws.End()
	<-ws.done
	return ws.Err()
}

// Done is closed once the stream has finished, either because it was ended
// and flushed or because it failed.
func (ws *WriteStream) Done() <-chan struct{} { return ws.done }

// Err returns the error that ended the stream, if any.
func (ws *WriteStream) Err() error {
	ws.mut.Lock()
	defer ws.mut.Unlock()
	return ws.err
}

// fail stops the stream with err and drops buffered chunks.
func (ws *WriteStream) fail(err error) {
	ws.mut.Lock()
	defer ws.mut.Unlock()
	if ws.err == nil {
		ws.err = err
	}
	ws.queue = nil
	ws.signal()
}

// signal wakes up run. Must be called with ws.mut held.
func (ws *WriteStream) signal() {
	select {
	case ws.wake <- struct{}{}:
	default:
	}
}

// next blocks until there's a chunk to write. ok is false once the stream
// should stop.
func (ws *WriteStream) next() (chunk []byte, ok bool) {
	for {
		ws.mut.Lock()
		switch {
		case ws.err != nil:
			ws.mut.Unlock()
			return nil, false
		case len(ws.queue) > 0:
			chunk = ws.queue[0]
			ws.queue[0] = nil
			ws.queue = ws.queue[1:]
			ws.mut.Unlock()
			return chunk, true
		case ws.ending:
			ws.mut.Unlock()
			return nil, false
		}
		ws.mut.Unlock()
		<-ws.wake
	}
}

func (ws *WriteStream) run() {
	defer close(ws.done)
	defer ws.stop()

	// Writes in flight when the stream is canceled are allowed to finish.
	writeCtx := context.WithoutCancel(ws.ctx)

	pos := ws.o.Start
	for {
		chunk, ok := ws.next()
		if !ok {
			break
		}

		size := len(chunk)
		for len(chunk) > 0 {
			n, err := ws.fh.Write(writeCtx, chunk, 0, len(chunk), pos)
			if err == nil && n == 0 {
				err = io.ErrShortWrite
			}
			if err != nil {
				ws.fail(err)
				break
			}
			chunk = chunk[n:]
			if pos != CurrentPosition {
				pos += int64(n)
			}
		}

		ws.mut.Lock()
		ws.buffered -= size
		if ws.buffered == 0 {
			select {
			case <-ws.drain:
			default:
				close(ws.drain)
			}
		}
		ws.mut.Unlock()
	}

	if ws.o.AutoClose {
		if err := ws.fh.Close(context.WithoutCancel(ws.ctx)); err != nil {
			ws.mut.Lock()
			if ws.err == nil {
				ws.err = err
			}
			ws.mut.Unlock()
		}
	}
}
