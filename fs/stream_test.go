package fs

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/rfratto/hostfs/internal/ipc"
	"github.com/stretchr/testify/require"
)

func TestWriteStream_Order(t *testing.T) {
	f, tr := newTestFS(t, Options{})
	serve(tr, nil)
	fh, err := f.Open(context.Background(), "file", "w", 0)
	require.NoError(t, err)

	ws, err := fh.CreateWriteStream(context.Background(), WriteStreamOptions{HighWaterMark: 4})
	require.NoError(t, err)

	// The high-water mark is exceeded after the first chunk, but the
	// producer keeps pushing anyway.
	require.False(t, ws.Push([]byte("AAAA")))
	require.False(t, ws.Push([]byte("BB")))
	require.False(t, ws.Push([]byte("C")))
	ws.End()

	// Only one write is ever in flight.
	for i, expect := range []string{"AAAA", "BB", "C"} {
		reqs := tr.WaitFor(ipc.CommandWrite, i+1)
		time.Sleep(5 * time.Millisecond)
		require.Len(t, tr.Commands(ipc.CommandWrite), i+1, "a second write was sent before the first finished")

		wp := reqs[i].Params.(*ipc.WriteParams)
		require.Equal(t, expect, string(wp.Data))
		tr.Reply(ipc.CommandWrite, reqs[i].Header.Seq, &ipc.WriteResult{Written: uint32(len(wp.Data))})
	}

	<-ws.Done()
	require.NoError(t, ws.Err())

	var positions []int64
	for _, r := range tr.Commands(ipc.CommandWrite) {
		positions = append(positions, r.Params.(*ipc.WriteParams).Position)
	}
	require.Equal(t, []int64{0, 4, 6}, positions)
}

func TestWriteStream_Drain(t *testing.T) {
	f, tr := newTestFS(t, Options{})
	serve(tr, nil)
	fh, err := f.Open(context.Background(), "file", "w", 0)
	require.NoError(t, err)

	ws, err := fh.CreateWriteStream(context.Background(), WriteStreamOptions{HighWaterMark: 8})
	require.NoError(t, err)
	require.Equal(t, 8, ws.HighWaterMark())

	require.True(t, ws.Push([]byte("1234")))
	require.False(t, ws.Push([]byte("5678")))

	drain := ws.Drain()
	select {
	case <-drain:
		require.FailNow(t, "drained before anything was written")
	default:
	}

	for i := 1; i <= 2; i++ {
		req := tr.WaitFor(ipc.CommandWrite, i)[i-1]
		tr.Reply(ipc.CommandWrite, req.Header.Seq, &ipc.WriteResult{Written: 4})
	}

	select {
	case <-drain:
	case <-time.After(time.Second):
		require.FailNow(t, "stream never drained")
	}

	go func() {
		req := tr.WaitFor(ipc.CommandWrite, 3)[2]
		tr.Reply(ipc.CommandWrite, req.Header.Seq, &ipc.WriteResult{Written: 1})
	}()
	require.True(t, ws.Push([]byte("9")))
	require.NoError(t, ws.Close())

	require.False(t, ws.Push([]byte("late")))
	_, err = ws.Write([]byte("late"))
	require.ErrorIs(t, err, ErrWriteAfterEnd)
}

func TestWriteStream_OneWritePerHandle(t *testing.T) {
	f, tr := newTestFS(t, Options{})
	serve(tr, nil)
	fh, err := f.Open(context.Background(), "file", "w", 0)
	require.NoError(t, err)

	a, err := fh.CreateWriteStream(context.Background(), WriteStreamOptions{})
	require.NoError(t, err)
	b, err := fh.CreateWriteStream(context.Background(), WriteStreamOptions{})
	require.NoError(t, err)

	a.Push([]byte("A"))
	b.Push([]byte("B"))
	a.End()
	b.End()

	for i := 1; i <= 2; i++ {
		req := tr.WaitFor(ipc.CommandWrite, i)[i-1]
		time.Sleep(5 * time.Millisecond)
		require.Len(t, tr.Commands(ipc.CommandWrite), i, "streams on one handle must not write concurrently")
		tr.Reply(ipc.CommandWrite, req.Header.Seq, &ipc.WriteResult{Written: 1})
	}

	<-a.Done()
	<-b.Done()
	require.NoError(t, a.Err())
	require.NoError(t, b.Err())
}

func TestFileHandle_ConcurrentWritesAreSerialized(t *testing.T) {
	f, tr := newTestFS(t, Options{})
	serve(tr, nil)
	fh, err := f.Open(context.Background(), "file", "w", 0)
	require.NoError(t, err)

	ws, err := fh.CreateWriteStream(context.Background(), WriteStreamOptions{})
	require.NoError(t, err)
	ws.Push([]byte("stream"))
	first := tr.WaitFor(ipc.CommandWrite, 1)[0]

	written := make(chan error, 1)
	go func() {
		_, err := fh.Write(context.Background(), []byte("direct"), 0, 6, 100)
		written <- err
	}()

	time.Sleep(5 * time.Millisecond)
	require.Len(t, tr.Commands(ipc.CommandWrite), 1, "direct write must wait for the stream's write")
	tr.Reply(ipc.CommandWrite, first.Header.Seq, &ipc.WriteResult{Written: 6})

	second := tr.WaitFor(ipc.CommandWrite, 2)[1]
	require.Equal(t, "direct", string(second.Params.(*ipc.WriteParams).Data))
	tr.Reply(ipc.CommandWrite, second.Header.Seq, &ipc.WriteResult{Written: 6})
	require.NoError(t, <-written)
	require.NoError(t, ws.Close())
}

func TestFileHandle_WriteWaitCanBeCanceled(t *testing.T) {
	f, tr := newTestFS(t, Options{})
	serve(tr, nil)
	fh, err := f.Open(context.Background(), "file", "w", 0)
	require.NoError(t, err)

	ws, err := fh.CreateWriteStream(context.Background(), WriteStreamOptions{})
	require.NoError(t, err)
	ws.Push([]byte("slow"))
	req := tr.WaitFor(ipc.CommandWrite, 1)[0]

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = fh.Write(ctx, []byte("x"), 0, 1, 0)
	require.ErrorIs(t, err, ipc.ErrCancelled)
	require.Len(t, tr.Commands(ipc.CommandWrite), 1)

	tr.Reply(ipc.CommandWrite, req.Header.Seq, &ipc.WriteResult{Written: 4})
	require.NoError(t, ws.Close())
}

func TestWriteStream_ShortWrites(t *testing.T) {
	f, tr := newTestFS(t, Options{})
	serve(tr, nil)

	var out bytes.Buffer
	tr.Handle(ipc.CommandWrite, func(_ ipc.RequestHeader, p ipc.Params) (ipc.Result, error) {
		// Only ever accept 3 bytes at a time.
		data := p.(*ipc.WriteParams).Data
		if len(data) > 3 {
			data = data[:3]
		}
		out.Write(data)
		return &ipc.WriteResult{Written: uint32(len(data))}, nil
	})

	fh, err := f.Open(context.Background(), "file", "w", 0)
	require.NoError(t, err)

	ws, err := fh.CreateWriteStream(context.Background(), WriteStreamOptions{Start: CurrentPosition})
	require.NoError(t, err)
	_, err = io.Copy(ws, strings.NewReader("hello, world"))
	require.NoError(t, err)
	require.NoError(t, ws.Close())
	require.Equal(t, "hello, world", out.String())
}

func TestWriteStream_Cancel(t *testing.T) {
	f, tr := newTestFS(t, Options{})
	serve(tr, nil)
	fh, err := f.Open(context.Background(), "file", "w", 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ws, err := fh.CreateWriteStream(ctx, WriteStreamOptions{AutoClose: true})
	require.NoError(t, err)

	ws.Push([]byte("first"))
	ws.Push([]byte("second"))
	req := tr.WaitFor(ipc.CommandWrite, 1)[0]
	cancel()
	require.Eventually(t, func() bool { return ws.Err() != nil }, time.Second, time.Millisecond)

	// The in-flight write is allowed to finish, but nothing else is sent.
	tr.Reply(ipc.CommandWrite, req.Header.Seq, &ipc.WriteResult{Written: 5})
	<-ws.Done()

	require.ErrorIs(t, ws.Err(), ipc.ErrCancelled)
	require.ErrorIs(t, ws.Err(), context.Canceled)
	require.Len(t, tr.Commands(ipc.CommandWrite), 1)

	// AutoClose closes the file even though the stream failed.
	require.Len(t, tr.Commands(ipc.CommandClose), 1)
	require.Equal(t, StateClosed, fh.State())
}

func TestWriteStream_BackendError(t *testing.T) {
	f, tr := newTestFS(t, Options{})
	serve(tr, nil)
	tr.Handle(ipc.CommandWrite, func(ipc.RequestHeader, ipc.Params) (ipc.Result, error) {
		return nil, ipc.ErrorNotPermitted
	})
	fh, err := f.Open(context.Background(), "file", "r", 0)
	require.NoError(t, err)

	ws, err := fh.CreateWriteStream(context.Background(), WriteStreamOptions{})
	require.NoError(t, err)
	ws.Push([]byte("a"))
	ws.Push([]byte("b"))

	require.ErrorIs(t, ws.Close(), ipc.ErrorNotPermitted)
	require.Len(t, tr.Commands(ipc.CommandWrite), 1, "chunks after a failure are dropped")
}

func TestFileHandle_WriteFile(t *testing.T) {
	f, tr := newTestFS(t, Options{})
	serve(tr, nil)

	var out bytes.Buffer
	tr.Handle(ipc.CommandWrite, func(_ ipc.RequestHeader, p ipc.Params) (ipc.Result, error) {
		wp := p.(*ipc.WriteParams)
		out.Write(wp.Data)
		return &ipc.WriteResult{Written: uint32(len(wp.Data))}, nil
	})

	fh, err := f.Open(context.Background(), "file", "a", 0)
	require.NoError(t, err)

	data := bytes.Repeat([]byte("0123456789"), 5000)
	require.NoError(t, fh.AppendFile(context.Background(), data))
	require.Equal(t, data, out.Bytes())

	writes := tr.Commands(ipc.CommandWrite)
	require.Len(t, writes, 4)
	for _, w := range writes {
		wp := w.Params.(*ipc.WriteParams)
		require.LessOrEqual(t, len(wp.Data), DefaultWriteHighWaterMark)
		require.Equal(t, CurrentPosition, wp.Position)
	}
}

func TestReadStream(t *testing.T) {
	f, tr := newTestFS(t, Options{})
	serve(tr, []byte("the quick brown fox"))
	fh, err := f.Open(context.Background(), "file", "r", 0)
	require.NoError(t, err)

	rs, err := fh.CreateReadStream(context.Background(), ReadStreamOptions{HighWaterMark: 4})
	require.NoError(t, err)

	var chunks []string
	for c := range rs.Chunks() {
		chunks = append(chunks, string(c))
	}
	require.NoError(t, rs.Err())
	require.Equal(t, []string{"the ", "quic", "k br", "own ", "fox"}, chunks)

	var positions []int64
	for _, r := range tr.Commands(ipc.CommandRead) {
		positions = append(positions, r.Params.(*ipc.ReadParams).Position)
	}
	require.Equal(t, []int64{0, 4, 8, 12, 16}, positions)
}

func TestReadStream_Range(t *testing.T) {
	f, tr := newTestFS(t, Options{})
	serve(tr, []byte("0123456789"))
	fh, err := f.Open(context.Background(), "file", "r", 0)
	require.NoError(t, err)

	rs, err := fh.CreateReadStream(context.Background(), ReadStreamOptions{
		HighWaterMark: 3,
		Start:         2,
		End:           7,
		AutoClose:     true,
	})
	require.NoError(t, err)

	data, err := io.ReadAll(rs)
	require.NoError(t, err)
	require.Equal(t, "23456", string(data))

	<-rs.Done()
	require.Equal(t, StateClosed, fh.State())
}

func TestReadStream_EmptyFile(t *testing.T) {
	f, tr := newTestFS(t, Options{})
	serve(tr, nil)
	fh, err := f.Open(context.Background(), "file", "r", 0)
	require.NoError(t, err)

	data, err := fh.ReadFile(context.Background())
	require.NoError(t, err)
	require.Empty(t, data)
	require.Len(t, tr.Commands(ipc.CommandRead), 1)
}

func TestReadStream_Cancel(t *testing.T) {
	f, tr := newTestFS(t, Options{})
	serve(tr, []byte(strings.Repeat("x", 100)))
	fh, err := f.Open(context.Background(), "file", "r", 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	rs, err := fh.CreateReadStream(ctx, ReadStreamOptions{HighWaterMark: 10})
	require.NoError(t, err)

	<-rs.Chunks()
	cancel()
	for range rs.Chunks() {
	}

	require.ErrorIs(t, rs.Err(), ipc.ErrCancelled)
	require.Less(t, len(tr.Commands(ipc.CommandRead)), 10, "reads must stop once the stream is canceled")
	require.Equal(t, StateOpen, fh.State(), "file must stay open without AutoClose")
}

func TestReadStream_BadOptions(t *testing.T) {
	f, tr := newTestFS(t, Options{})
	serve(tr, nil)
	fh, err := f.Open(context.Background(), "file", "r", 0)
	require.NoError(t, err)

	for _, o := range []ReadStreamOptions{
		{HighWaterMark: -1},
		{HighWaterMark: MaxReadHighWaterMark + 1},
		{Start: -2},
		{Start: CurrentPosition, End: 10},
	} {
		_, err := fh.CreateReadStream(context.Background(), o)
		require.True(t, ipc.IsArgumentError(err), "options %+v", o)
	}
	require.Empty(t, tr.Commands(ipc.CommandRead))
}

func TestReadStream_Close(t *testing.T) {
	f, tr := newTestFS(t, Options{})
	serve(tr, []byte(strings.Repeat("x", 100)))
	fh, err := f.Open(context.Background(), "file", "r", 0)
	require.NoError(t, err)

	rs, err := fh.CreateReadStream(context.Background(), ReadStreamOptions{HighWaterMark: 10})
	require.NoError(t, err)

	<-rs.Chunks()
	require.NoError(t, rs.Close(), "closing a stream early isn't an error")
}
