package wire

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/rfratto/hostfs/internal/ipc"
	"github.com/stretchr/testify/require"
)

func TestTransport(t *testing.T) {
	cconn, sconn := net.Pipe()
	var (
		ct = NewClientTransport(cconn, nil)
		st = NewServerTransport(sconn, nil)
	)
	defer ct.Close()
	defer st.Close()

	go func() {
		_ = ct.SendRequest(ipc.RequestHeader{Command: ipc.CommandRead, Seq: 1}, &ipc.ReadParams{ID: "a", Size: 4, Position: -1})
	}()

	h, p, err := st.RecvRequest()
	require.NoError(t, err)
	require.Equal(t, ipc.RequestHeader{Command: ipc.CommandRead, Seq: 1}, h)
	require.Equal(t, &ipc.ReadParams{ID: "a", Size: 4, Position: -1}, p)

	go func() {
		_ = st.SendReply(ipc.ReplyHeader{Command: ipc.CommandRead, Seq: 1}, &ipc.ReadResult{Data: []byte("data")})
	}()

	rh, r, err := ct.RecvReply()
	require.NoError(t, err)
	require.Equal(t, uint64(1), rh.Seq)
	require.NoError(t, rh.Err())
	require.Equal(t, &ipc.ReadResult{Data: []byte("data")}, r)
}

func TestTransport_ErrorReply(t *testing.T) {
	cconn, sconn := net.Pipe()
	var (
		ct = NewClientTransport(cconn, nil)
		st = NewServerTransport(sconn, nil)
	)
	defer ct.Close()
	defer st.Close()

	go func() {
		_ = st.SendReply(ipc.ReplyHeader{
			Command: ipc.CommandOpen,
			Seq:     9,
			Status:  ipc.StatusError,
			Code:    ipc.ErrorNotExist,
			Message: "open foo: no such file or directory",
		}, nil)
	}()

	rh, r, err := ct.RecvReply()
	require.NoError(t, err)
	require.Nil(t, r)
	require.ErrorIs(t, rh.Err(), ipc.ErrorNotExist)
}

func TestTransport_ConcurrentSends(t *testing.T) {
	cconn, sconn := net.Pipe()
	var (
		ct = NewClientTransport(cconn, nil)
		st = NewServerTransport(sconn, nil)
	)
	defer ct.Close()
	defer st.Close()

	const count = 50

	var wg sync.WaitGroup
	for i := 1; i <= count; i++ {
		wg.Add(1)
		go func(seq uint64) {
			defer wg.Done()
			_ = ct.SendRequest(ipc.RequestHeader{Command: ipc.CommandFsync, Seq: seq}, &ipc.FsyncParams{ID: "a"})
		}(uint64(i))
	}

	seen := make(map[uint64]bool)
	for i := 0; i < count; i++ {
		h, p, err := st.RecvRequest()
		require.NoError(t, err)
		require.Equal(t, &ipc.FsyncParams{ID: "a"}, p)
		seen[h.Seq] = true
	}
	wg.Wait()
	require.Len(t, seen, count)
}

func TestTransport_EOF(t *testing.T) {
	cconn, sconn := net.Pipe()
	var (
		ct = NewClientTransport(cconn, nil)
		st = NewServerTransport(sconn, nil)
	)
	defer st.Close()

	require.NoError(t, ct.Close())
	_, _, err := st.RecvRequest()
	require.True(t, errors.Is(err, io.EOF), "expected EOF, got %v", err)
}
