// Package wire implements ipc transports over a byte stream, such as a UNIX
// socket or the standard I/O of a child process. Frames are written back to
// back as msgpack values.
package wire

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/rfratto/hostfs/internal/ipc"
	"github.com/rfratto/hostfs/internal/ipc/codec"
	"github.com/vmihailenco/msgpack/v5"
)

// conn is shared by both transport directions.
type conn struct {
	rwc   io.ReadWriteCloser
	codec codec.Codec

	rmut sync.Mutex
	dec  *msgpack.Decoder

	wmut sync.Mutex
	bw   *bufio.Writer
	enc  *msgpack.Encoder
}

func newConn(rwc io.ReadWriteCloser, c codec.Codec) *conn {
	if c == nil {
		c = codec.Msgpack()
	}
	bw := bufio.NewWriter(rwc)
	return &conn{
		rwc:   rwc,
		codec: c,
		dec:   msgpack.NewDecoder(bufio.NewReader(rwc)),
		bw:    bw,
		enc:   msgpack.NewEncoder(bw),
	}
}

func (c *conn) readFrame() (*codec.Frame, error) {
	c.rmut.Lock()
	defer c.rmut.Unlock()

	var f codec.Frame
	if err := c.dec.Decode(&f); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
			return nil, io.EOF
		}
		return nil, err
	}
	return &f, nil
}

func (c *conn) writeFrame(f *codec.Frame) error {
	c.wmut.Lock()
	defer c.wmut.Unlock()

	if err := c.enc.Encode(f); err != nil {
		return err
	}
	return c.bw.Flush()
}

func (c *conn) Close() error { return c.rwc.Close() }

// NewClientTransport returns an ipc.ClientTransport which exchanges frames
// over rwc. A nil codec uses codec.Msgpack.
func NewClientTransport(rwc io.ReadWriteCloser, c codec.Codec) ipc.ClientTransport {
	return &clientTransport{conn: newConn(rwc, c)}
}

type clientTransport struct{ *conn }

func (ct *clientTransport) SendRequest(h ipc.RequestHeader, p ipc.Params) error {
	f, err := ct.codec.EncodeRequest(&h, p)
	if err != nil {
		return err
	}
	return ct.writeFrame(f)
}

func (ct *clientTransport) RecvReply() (ipc.ReplyHeader, ipc.Result, error) {
	f, err := ct.readFrame()
	if err != nil {
		return ipc.ReplyHeader{}, nil, err
	}
	return ct.codec.DecodeReply(f)
}

// NewServerTransport returns an ipc.ServerTransport which exchanges frames
// over rwc. A nil codec uses codec.Msgpack.
func NewServerTransport(rwc io.ReadWriteCloser, c codec.Codec) ipc.ServerTransport {
	return &serverTransport{conn: newConn(rwc, c)}
}

type serverTransport struct{ *conn }

func (st *serverTransport) RecvRequest() (ipc.RequestHeader, ipc.Params, error) {
	f, err := st.readFrame()
	if err != nil {
		return ipc.RequestHeader{}, nil, err
	}
	return st.codec.DecodeRequest(f)
}

func (st *serverTransport) SendReply(h ipc.ReplyHeader, r ipc.Result) error {
	f, err := st.codec.EncodeReply(&h, r)
	if err != nil {
		return err
	}
	return st.writeFrame(f)
}
