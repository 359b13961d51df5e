package codec

import (
	"testing"
	"time"

	"github.com/rfratto/hostfs/internal/ipc"
	"github.com/stretchr/testify/require"
)

func TestMsgpack_Request(t *testing.T) {
	c := Msgpack()

	frame, err := c.EncodeRequest(
		&ipc.RequestHeader{Command: ipc.CommandWrite, Seq: 42},
		&ipc.WriteParams{ID: "abc", Position: -1, Data: []byte("hello")},
	)
	require.NoError(t, err)

	// Round-trip through the byte representation transports use.
	raw, err := MarshalFrame(frame)
	require.NoError(t, err)
	frame, err = UnmarshalFrame(raw)
	require.NoError(t, err)

	h, p, err := c.DecodeRequest(frame)
	require.NoError(t, err)
	require.Equal(t, ipc.RequestHeader{Command: ipc.CommandWrite, Seq: 42}, h)
	require.Equal(t, &ipc.WriteParams{ID: "abc", Position: -1, Data: []byte("hello")}, p)
}

func TestMsgpack_UnknownCommand(t *testing.T) {
	c := Msgpack()

	frame, err := c.EncodeRequest(&ipc.RequestHeader{Command: "fs.mystery", Seq: 1}, nil)
	require.NoError(t, err)

	h, p, err := c.DecodeRequest(frame)
	require.NoError(t, err)
	require.Equal(t, ipc.Command("fs.mystery"), h.Command)
	require.Nil(t, p)
}

func TestMsgpack_ErrorReply(t *testing.T) {
	c := Msgpack()

	frame, err := c.EncodeReply(&ipc.ReplyHeader{
		Command: ipc.CommandOpen,
		Seq:     7,
		Status:  ipc.StatusError,
		Code:    ipc.ErrorNotExist,
		Message: "no such file or directory",
	}, nil)
	require.NoError(t, err)
	require.Empty(t, frame.Data)

	h, r, err := c.DecodeReply(frame)
	require.NoError(t, err)
	require.Nil(t, r)

	var be *ipc.BackendError
	require.ErrorAs(t, h.Err(), &be)
	require.Equal(t, ipc.ErrorNotExist, be.Code)
	require.ErrorIs(t, h.Err(), ipc.ErrorNotExist)
}

func TestMsgpack_StatReply(t *testing.T) {
	c := Msgpack()
	mtime := time.Date(2021, 4, 1, 12, 0, 0, 0, time.UTC)

	frame, err := c.EncodeReply(
		&ipc.ReplyHeader{Command: ipc.CommandFstat, Seq: 3},
		&ipc.StatResult{Stat: ipc.Stat{Size: 10, Mode: 0644, Mtime: mtime}},
	)
	require.NoError(t, err)

	_, r, err := c.DecodeReply(frame)
	require.NoError(t, err)
	sr, ok := r.(*ipc.StatResult)
	require.True(t, ok)
	require.Equal(t, int64(10), sr.Stat.Size)
	require.True(t, mtime.Equal(sr.Stat.Mtime))
}

func TestGet(t *testing.T) {
	c, err := Get("")
	require.NoError(t, err)
	require.Equal(t, "msgpack", c.Name())

	_, err = Get("json")
	require.Error(t, err)
}
