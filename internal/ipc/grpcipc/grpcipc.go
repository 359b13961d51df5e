// Package grpcipc implements ipc transports over a bidirectional gRPC stream.
// Every stream of the hostfs.ipc.Bridge service carries one session between
// a client and a backend; frames are sent as wrapperspb.BytesValue messages.
package grpcipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rfratto/hostfs/internal/ipc"
	"github.com/rfratto/hostfs/internal/ipc/codec"
	"github.com/rfratto/hostfs/internal/server"
	"go.uber.org/atomic"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// NewClientTransport opens a new Bridge stream on cc and returns an
// ipc.ClientTransport for it. A nil codec uses codec.Msgpack. The stream
// stays open until the transport is closed or ctx is canceled.
func NewClientTransport(ctx context.Context, cc grpc.ClientConnInterface, c codec.Codec) (ipc.ClientTransport, error) {
	if c == nil {
		c = codec.Msgpack()
	}

	ctx, cancel := context.WithCancel(WithCodec(ctx, c))
	stream, err := cc.NewStream(ctx, &bridgeServiceDesc.Streams[0], streamMethod)
	if err != nil {
		cancel()
		return nil, err
	}
	return &clientTransport{stream: stream, codec: c, cancel: cancel}, nil
}

type clientTransport struct {
	stream grpc.ClientStream
	codec  codec.Codec
	cancel context.CancelFunc

	rmut sync.Mutex
	wmut sync.Mutex
}

func (ct *clientTransport) SendRequest(h ipc.RequestHeader, p ipc.Params) error {
	f, err := ct.codec.EncodeRequest(&h, p)
	if err != nil {
		return err
	}
	m, err := pack(f)
	if err != nil {
		return err
	}

	ct.wmut.Lock()
	defer ct.wmut.Unlock()
	return ct.stream.SendMsg(m)
}

func (ct *clientTransport) RecvReply() (ipc.ReplyHeader, ipc.Result, error) {
	ct.rmut.Lock()
	defer ct.rmut.Unlock()

	m := new(wrapperspb.BytesValue)
	if err := ct.stream.RecvMsg(m); err != nil {
		return ipc.ReplyHeader{}, nil, streamError(err)
	}
	f, err := unpack(m)
	if err != nil {
		return ipc.ReplyHeader{}, nil, err
	}
	return ct.codec.DecodeReply(f)
}

func (ct *clientTransport) Close() error {
	ct.wmut.Lock()
	err := ct.stream.CloseSend()
	ct.wmut.Unlock()

	// Canceling the stream unblocks any pending RecvReply.
	ct.cancel()
	return err
}

// newServerTransport returns an ipc.ServerTransport for the server side of a
// Bridge stream.
func newServerTransport(stream Bridge_StreamServer, c codec.Codec) ipc.ServerTransport {
	return &serverTransport{stream: stream, codec: c}
}

type serverTransport struct {
	stream Bridge_StreamServer
	codec  codec.Codec

	rmut sync.Mutex
	wmut sync.Mutex
}

func (st *serverTransport) RecvRequest() (ipc.RequestHeader, ipc.Params, error) {
	st.rmut.Lock()
	defer st.rmut.Unlock()

	m, err := st.stream.Recv()
	if err != nil {
		return ipc.RequestHeader{}, nil, streamError(err)
	}
	f, err := unpack(m)
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
	m, err := pack(f)
	if err != nil {
		return err
	}

	st.wmut.Lock()
	defer st.wmut.Unlock()
	return st.stream.Send(m)
}

// Close is a no-op: the server side of a stream ends when the Bridge handler
// returns.
func (st *serverTransport) Close() error { return nil }

// streamError converts errors from a gRPC stream into io.EOF when the stream
// ended normally.
func streamError(err error) error {
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	if s, ok := status.FromError(err); ok && s.Code() == codes.Canceled {
		return io.EOF
	}
	return err
}

// BridgeOptions configures a Bridge.
type BridgeOptions struct {
	// NewHandler is called once per stream to create the Handler serving it.
	// The Handler is closed when the stream ends. Required.
	NewHandler func() server.Handler

	// Server holds the options used for the server of each stream. Transport
	// and Handler are ignored.
	Server server.Options
}

// Bridge implements BridgeServer by running a server.Server for every
// stream.
type Bridge struct {
	log log.Logger
	o   BridgeOptions

	streams atomic.Uint64
	active  atomic.Int64
}

var _ BridgeServer = (*Bridge)(nil)

// NewBridge creates a new Bridge.
func NewBridge(l log.Logger, o BridgeOptions) (*Bridge, error) {
	if l == nil {
		l = log.NewNopLogger()
	}
	if o.NewHandler == nil {
		return nil, fmt.Errorf("NewHandler must be set")
	}
	return &Bridge{log: l, o: o}, nil
}

// Active returns the number of streams currently being served.
func (b *Bridge) Active() int64 { return b.active.Load() }

// Stream implements BridgeServer.
func (b *Bridge) Stream(stream Bridge_StreamServer) error {
	c, err := GetCodec(stream.Context())
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	id := b.streams.Inc()
	l := log.With(b.log, "stream", id)

	so := b.o.Server
	so.Transport = newServerTransport(stream, c)
	so.Handler = b.o.NewHandler()
	srv, err := server.New(l, so)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}

	b.active.Inc()
	defer b.active.Dec()

	level.Debug(l).Log("msg", "serving stream", "codec", c.Name())
	if err := srv.Serve(stream.Context()); err != nil {
		level.Warn(l).Log("msg", "stream exited with error", "err", err)
		return status.Error(codes.Unavailable, err.Error())
	}
	return nil
}
