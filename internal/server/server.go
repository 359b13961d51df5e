// Package server implements the backend side of the hostfs protocol. A Server
// reads requests from an ipc.ServerTransport and hands them to a Handler,
// sending the Handler's result back to the peer.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rfratto/hostfs/internal/ipc"
)

// Handler processes commands from a transport. Handler is passed to Serve,
// which will invoke methods as requests come in.
type Handler interface {
	// Init is called at the start of serving a handler.
	Init(context.Context) error

	// Close is called when closing a handler.
	Close() error

	Open(context.Context, *ipc.RequestHeader, *ipc.OpenParams) (*ipc.OpenResult, error)
	Release(context.Context, *ipc.RequestHeader, *ipc.CloseParams) error
	Read(context.Context, *ipc.RequestHeader, *ipc.ReadParams) (*ipc.ReadResult, error)
	Write(context.Context, *ipc.RequestHeader, *ipc.WriteParams) (*ipc.WriteResult, error)
	Fstat(context.Context, *ipc.RequestHeader, *ipc.FstatParams) (*ipc.StatResult, error)
	Access(context.Context, *ipc.RequestHeader, *ipc.AccessParams) (*ipc.AccessResult, error)
	Opendir(context.Context, *ipc.RequestHeader, *ipc.OpendirParams) (*ipc.OpenResult, error)
	Readdir(context.Context, *ipc.RequestHeader, *ipc.ReaddirParams) (*ipc.ReaddirResult, error)
	Releasedir(context.Context, *ipc.RequestHeader, *ipc.ClosedirParams) error
	Ftruncate(context.Context, *ipc.RequestHeader, *ipc.FtruncateParams) error
	Fsync(context.Context, *ipc.RequestHeader, *ipc.FsyncParams) error
	Fchmod(context.Context, *ipc.RequestHeader, *ipc.FchmodParams) error
	Fchown(context.Context, *ipc.RequestHeader, *ipc.FchownParams) error
	Futimes(context.Context, *ipc.RequestHeader, *ipc.FutimesParams) error
}

type Options struct {
	// ConcurrencyLimit is the maximum number of concurrent requests a Server can
	// run. If ConcurrencyLimit is <= 0, it will obtain its default from
	// DefaultOptions.
	ConcurrencyLimit int

	// RequestTimeout will force a request to abort after a given amount of time.
	// 0 means to never time out.
	RequestTimeout time.Duration

	// Transport is the transport used to read requests and write replies.
	// Server takes ownership of the Transport after passing to New; do not
	// close directly.
	Transport ipc.ServerTransport

	// Handler is used for handling individual requests.
	Handler Handler

	// Optional middleware to preprocess requests with.
	Middleware []Middleware
}

// DefaultOptions provides defaults for Server.
var DefaultOptions = Options{
	ConcurrencyLimit: 64,
}

// Server is a hostfs backend, which asynchronously handles requests from a
// transport by passing them to a Handler.
type Server struct {
	log log.Logger
	o   Options

	// The middleware to execute before the handler
	mw      Middleware
	handler Invoker
}

// New creates a new Server. Read messages will be passed to Handler for
// handling.
//
// Call Serve to start the Server.
func New(l log.Logger, o Options) (*Server, error) {
	if o.Handler == nil {
		return nil, fmt.Errorf("Handler must be set")
	}
	if o.Transport == nil {
		return nil, fmt.Errorf("Transport must be set")
	}
	if o.ConcurrencyLimit <= 0 {
		o.ConcurrencyLimit = DefaultOptions.ConcurrencyLimit
	}
	if l == nil {
		l = log.NewNopLogger()
	}
	return &Server{log: l, o: o, mw: chainMiddleware(o.Middleware), handler: handlerInvoker(o.Handler)}, nil
}

// task is a request being handled by a worker.
type task struct {
	ctx    context.Context
	cancel context.CancelFunc

	header ipc.RequestHeader
	params ipc.Params

	mut         sync.Mutex
	interrupted bool
}

// interrupt cancels the task. Interrupted tasks never send a reply.
func (t *task) interrupt() {
	t.mut.Lock()
	t.interrupted = true
	t.mut.Unlock()
	t.cancel()
}

func (t *task) wasInterrupted() bool {
	t.mut.Lock()
	defer t.mut.Unlock()
	return t.interrupted
}

// Serve starts the server. Serve only returns if there was an error while
// serving, the peer went away, or ctx is canceled.
//
// Serve should not be called again after it has exited.
func (s *Server) Serve(ctx context.Context) error {
	// We want to close the transport and handler after we're done serving.
	// However, serving involves a non-cancelable call to our transport. We
	// launch a dedicated goroutine just for waiting for context to cancel,
	// and never return until it exits.
	exited := make(chan struct{})
	defer func() { <-exited }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		defer close(exited)
		<-ctx.Done()

		level.Info(s.log).Log("msg", "hostfs server exiting")
		defer level.Debug(s.log).Log("msg", "hostfs server exited")

		if err := s.o.Transport.Close(); err != nil {
			level.Error(s.log).Log("msg", "error when closing transport", "err", err)
		}
		if err := s.o.Handler.Close(); err != nil {
			level.Error(s.log).Log("msg", "error when closing handler", "err", err)
		}
	}()

	if err := s.o.Handler.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize handler: %w", err)
	}

	var (
		runningWorkers sync.WaitGroup

		tasks  sync.Map
		taskCh = make(chan *task, s.o.ConcurrencyLimit)
	)

	for i := 0; i < s.o.ConcurrencyLimit; i++ {
		runningWorkers.Add(1)
		go func() {
			defer runningWorkers.Done()

			for {
				select {
				case <-ctx.Done():
					return
				case t := <-taskCh:
					s.handleRequest(t)
					t.cancel()
					tasks.Delete(t.header.Seq)
				}
			}
		}()
	}

	scheduleTask := func(header ipc.RequestHeader, params ipc.Params) {
		tctx, cancel := context.WithCancel(ctx)
		t := &task{ctx: tctx, cancel: cancel, header: header, params: params}
		tasks.Store(header.Seq, t)
		select {
		case taskCh <- t:
		case <-ctx.Done():
			cancel()
		}
	}
	stopTask := func(seq uint64) bool {
		v, ok := tasks.Load(seq)
		if !ok {
			return false
		}
		v.(*task).interrupt()
		return true
	}
	defer func() {
		// Stop all of our workers.
		cancel()
		runningWorkers.Wait()
	}()

	for {
		// Do an early return if our context has been canceled.
		if ctx.Err() != nil {
			level.Debug(s.log).Log("msg", "context canceled, breaking out of server read loop")
			return nil
		}

		header, params, err := s.o.Transport.RecvRequest()
		if errors.Is(err, io.EOF) {
			level.Debug(s.log).Log("msg", "got EOF from transport; exiting")
			return nil
		} else if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			level.Error(s.log).Log("msg", "got error from transport; exiting", "err", err)
			return err
		}

		switch header.Command {
		default:
			scheduleTask(header, params)

		case ipc.CommandInterrupt:
			p, _ := params.(*ipc.InterruptParams)
			if p == nil {
				level.Error(s.log).Log("msg", "protocol error: got interrupt request without params")
				return fmt.Errorf("missing interrupt params from peer")
			}
			level.Debug(s.log).Log("msg", "received interrupt request from peer", "seq", p.Seq)

			replyHeader := replyHeaderFor(header, nil)
			if !stopTask(p.Seq) {
				replyHeader = replyHeaderFor(header, ipc.ErrorInvalid)
			}
			s.sendReply(replyHeader, nil)
		}
	}
}

func (s *Server) handleRequest(t *task) {
	ctx := t.ctx
	if s.o.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.o.RequestTimeout)
		defer cancel()
	}

	res, err := s.mw.HandleRequest(ctx, &t.header, t.params, s.handler)
	if t.wasInterrupted() {
		// The caller stopped waiting for this reply.
		level.Debug(s.log).Log("msg", "dropping reply to interrupted request", "command", t.header.Command, "seq", t.header.Seq)
		return
	}
	if err != nil {
		res = nil
	}
	s.sendReply(replyHeaderFor(t.header, err), res)
}

func (s *Server) sendReply(h ipc.ReplyHeader, res ipc.Result) {
	err := s.o.Transport.SendReply(h, res)
	if err != nil {
		level.Error(s.log).Log("msg", "failed to write reply to transport", "err", err)
	}
}

func replyHeaderFor(req ipc.RequestHeader, err error) ipc.ReplyHeader {
	h := ipc.ReplyHeader{
		Command: req.Command,
		Seq:     req.Seq,
		Status:  ipc.StatusOK,
	}
	if code := errorForReply(err); code != 0 {
		h.Status = ipc.StatusError
		h.Code = code
		h.Message = err.Error()
	}
	return h
}

func errorForReply(err error) ipc.Errno {
	if err == nil {
		return 0
	}

	// Check for common system-level errors.
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ipc.ErrorTimedOut
	case errors.Is(err, context.Canceled):
		return ipc.ErrorInterrupted
	case errors.Is(err, os.ErrNotExist):
		return ipc.ErrorNotExist
	case errors.Is(err, os.ErrPermission):
		return ipc.ErrorUnauthorized
	case errors.Is(err, os.ErrExist):
		return ipc.ErrorExists
	case errors.Is(err, os.ErrClosed):
		return ipc.ErrorBadDescriptor
	}

	var code ipc.Errno
	if errors.As(err, &code) {
		return code
	}
	if code, ok := errnoFromSyscall(err); ok {
		return code
	}
	return ipc.ErrorIO
}
