// Package ipctest provides an in-memory ipc.ClientTransport for tests. The
// transport records every request it is given and lets tests decide when and
// how each request is answered.
package ipctest

import (
	"fmt"
	"io"
	"sync"

	"github.com/rfratto/hostfs/internal/ipc"
)

// Request is a recorded request.
type Request struct {
	Header ipc.RequestHeader
	Params ipc.Params
}

// HandlerFunc answers a request. Returning a nil Result and nil error
// produces an empty successful reply. Returning an ipc.Errno or
// *ipc.BackendError produces an error reply.
type HandlerFunc func(h ipc.RequestHeader, p ipc.Params) (ipc.Result, error)

// Transport is an in-memory ipc.ClientTransport. Requests for which a handler
// was registered with Handle are answered immediately; other requests stay
// pending until a test calls Reply or Fail.
type Transport struct {
	mut      sync.Mutex
	requests []Request
	handlers map[ipc.Command]HandlerFunc
	sendErr  error
	notify   chan struct{}

	replies chan reply
	closed  chan struct{}
	once    sync.Once
}

type reply struct {
	h ipc.ReplyHeader
	r ipc.Result
}

var _ ipc.ClientTransport = (*Transport)(nil)

// New creates a new Transport.
func New() *Transport {
	return &Transport{
		handlers: make(map[ipc.Command]HandlerFunc),
		notify:   make(chan struct{}),
		replies:  make(chan reply, 64),
		closed:   make(chan struct{}),
	}
}

// Handle registers a function to automatically answer requests for c.
func (t *Transport) Handle(c ipc.Command, f HandlerFunc) {
	t.mut.Lock()
	defer t.mut.Unlock()
	t.handlers[c] = f
}

// FailSends causes every future SendRequest to fail with err. Pass nil to
// restore normal behavior.
func (t *Transport) FailSends(err error) {
	t.mut.Lock()
	defer t.mut.Unlock()
	t.sendErr = err
}

// SendRequest implements ipc.ClientTransport.
func (t *Transport) SendRequest(h ipc.RequestHeader, p ipc.Params) error {
	t.mut.Lock()
	if t.sendErr != nil {
		err := t.sendErr
		t.mut.Unlock()
		return err
	}
	select {
	case <-t.closed:
		t.mut.Unlock()
		return io.ErrClosedPipe
	default:
	}

	t.requests = append(t.requests, Request{Header: h, Params: p})
	handler := t.handlers[h.Command]

	// Wake up anyone waiting for a new request.
	close(t.notify)
	t.notify = make(chan struct{})
	t.mut.Unlock()

	if handler != nil {
		res, err := handler(h, p)
		t.deliver(h.Command, h.Seq, res, err)
	}
	return nil
}

// RecvReply implements ipc.ClientTransport.
func (t *Transport) RecvReply() (ipc.ReplyHeader, ipc.Result, error) {
	select {
	case r := <-t.replies:
		return r.h, r.r, nil
	case <-t.closed:
		return ipc.ReplyHeader{}, nil, io.EOF
	}
}

// Close implements ipc.ClientTransport.
func (t *Transport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

// Reply sends a successful reply for seq.
func (t *Transport) Reply(c ipc.Command, seq uint64, r ipc.Result) {
	t.deliver(c, seq, r, nil)
}

// Fail sends an error reply for seq.
func (t *Transport) Fail(c ipc.Command, seq uint64, code ipc.Errno, msg string) {
	t.deliver(c, seq, nil, &ipc.BackendError{Command: c, Code: code, Message: msg})
}

func (t *Transport) deliver(c ipc.Command, seq uint64, r ipc.Result, err error) {
	h := ipc.ReplyHeader{Command: c, Seq: seq}
	if err != nil {
		h.Status = ipc.StatusError
		switch e := err.(type) {
		case *ipc.BackendError:
			h.Code, h.Message = e.Code, e.Message
		case ipc.Errno:
			h.Code, h.Message = e, e.Error()
		default:
			h.Code, h.Message = ipc.ErrorIO, err.Error()
		}
		r = nil
	}

	select {
	case t.replies <- reply{h: h, r: r}:
	case <-t.closed:
	}
}

// Requests returns every request received so far.
func (t *Transport) Requests() []Request {
	t.mut.Lock()
	defer t.mut.Unlock()
	return append([]Request(nil), t.requests...)
}

// Commands returns the requests received so far for c.
func (t *Transport) Commands(c ipc.Command) []Request {
	t.mut.Lock()
	defer t.mut.Unlock()

	var out []Request
	for _, r := range t.requests {
		if r.Header.Command == c {
			out = append(out, r)
		}
	}
	return out
}

// WaitFor blocks until at least n requests for c have been received and
// returns them. WaitFor panics if the transport is closed first.
func (t *Transport) WaitFor(c ipc.Command, n int) []Request {
	for {
		t.mut.Lock()
		var found []Request
		for _, r := range t.requests {
			if r.Header.Command == c {
				found = append(found, r)
			}
		}
		notify := t.notify
		t.mut.Unlock()

		if len(found) >= n {
			return found
		}
		select {
		case <-notify:
		case <-t.closed:
			panic(fmt.Sprintf("transport closed while waiting for %d %s requests", n, c))
		}
	}
}
