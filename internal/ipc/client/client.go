// Package client implements the caller side of the ipc protocol. A Client
// assigns a fresh sequence ID to every call, sends it over a transport, and
// matches replies coming back from the backend to the call that is waiting
// for them.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rfratto/hostfs/internal/ipc"
	"go.uber.org/atomic"
)

// Options configures a Client.
type Options struct {
	// Transport to send requests over. May be nil, in which case calls fail
	// with ipc.ErrNotReady until SetTransport is called.
	Transport ipc.ClientTransport

	// Timeout is the default timeout applied to every call. 0 means calls
	// only end when their context is canceled.
	Timeout time.Duration

	// SyncTimeout bounds calls made through SendSync.
	SyncTimeout time.Duration

	// Registerer to register metrics with. Metrics are not registered when
	// nil.
	Registerer prometheus.Registerer
}

// DefaultOptions holds defaults for Client.
var DefaultOptions = Options{
	SyncTimeout: 5 * time.Second,
}

// Client correlates calls with their replies. Client is safe for concurrent
// use.
type Client struct {
	log     log.Logger
	o       Options
	metrics *metrics

	seq atomic.Uint64

	mut       sync.Mutex
	transport ipc.ClientTransport
	exited    chan struct{} // Closed when the current dispatch loop exits.
	pending   map[uint64]*pendingCall
}

type pendingCall struct {
	seq     uint64
	command ipc.Command
	params  ipc.Params

	// Buffered so the dispatch loop never blocks, even after the caller has
	// stopped waiting.
	reply chan reply
}

type reply struct {
	header ipc.ReplyHeader
	result ipc.Result
	err    error
}

// New creates a new Client. If o.Transport is set, the Client is immediately
// ready for use.
func New(l log.Logger, o Options) (*Client, error) {
	if l == nil {
		l = log.NewNopLogger()
	}
	if o.SyncTimeout <= 0 {
		o.SyncTimeout = DefaultOptions.SyncTimeout
	}

	m := newMetrics()
	if o.Registerer != nil {
		if err := m.register(o.Registerer); err != nil {
			return nil, fmt.Errorf("registering client metrics: %w", err)
		}
	}

	c := &Client{
		log:     l,
		o:       o,
		metrics: m,
		pending: make(map[uint64]*pendingCall),
	}
	if o.Transport != nil {
		if err := c.SetTransport(o.Transport); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// SetTransport attaches the Client to t and starts reading replies from it.
// SetTransport fails if the Client is already attached to a transport that
// hasn't gone away yet.
func (c *Client) SetTransport(t ipc.ClientTransport) error {
	c.mut.Lock()
	defer c.mut.Unlock()

	if c.transport != nil {
		return fmt.Errorf("client already has a transport")
	}

	exited := make(chan struct{})
	c.transport = t
	c.exited = exited
	go c.run(t, exited)
	return nil
}

// Ready returns true if the Client is attached to a transport.
func (c *Client) Ready() bool {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.transport != nil
}

// Pending returns the number of calls waiting for a reply.
func (c *Client) Pending() int {
	c.mut.Lock()
	defer c.mut.Unlock()
	return len(c.pending)
}

// run reads replies from t and forwards them to blocked calls.
func (c *Client) run(t ipc.ClientTransport, exited chan struct{}) {
	defer level.Debug(c.log).Log("msg", "client dispatch loop exiting")

	for {
		h, r, err := t.RecvReply()
		if errors.Is(err, io.EOF) {
			c.detach(t, exited, nil)
			return
		} else if err != nil {
			level.Error(c.log).Log("msg", "failed to read reply from transport", "err", err)
			c.detach(t, exited, err)
			return
		}
		c.dispatch(h, r)
	}
}

// dispatch forwards a reply to its pending call. A reply with no pending call
// is discarded: its call was canceled, already answered, or never existed.
func (c *Client) dispatch(h ipc.ReplyHeader, r ipc.Result) {
	c.mut.Lock()
	pc, found := c.pending[h.Seq]
	if found {
		delete(c.pending, h.Seq)
		c.metrics.pending.Dec()
	}
	c.mut.Unlock()

	if !found {
		if h.Command == ipc.CommandInterrupt {
			// Interrupts are never waited on.
			return
		}
		c.metrics.unmatched.Inc()
		level.Warn(c.log).Log("msg", "discarding reply that doesn't match a pending call", "seq", h.Seq, "command", h.Command)
		return
	}
	pc.reply <- reply{header: h, result: r}
}

// detach removes t from the client and fails every pending call.
func (c *Client) detach(t ipc.ClientTransport, exited chan struct{}, cause error) {
	c.mut.Lock()
	if c.transport == t {
		c.transport = nil
	}
	pending := c.pending
	c.pending = make(map[uint64]*pendingCall)
	c.metrics.pending.Sub(float64(len(pending)))
	c.mut.Unlock()

	err := fmt.Errorf("transport closed: %w", ipc.ErrNotReady)
	if cause != nil {
		err = fmt.Errorf("transport failed: %w: %w", ipc.ErrNotReady, cause)
	}
	for _, pc := range pending {
		pc.reply <- reply{err: err}
	}
	close(exited)
}

// CallOption customizes a single call.
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
}

// WithTimeout overrides the Client's default timeout for a call. A timeout
// of 0 disables the default timeout.
func WithTimeout(d time.Duration) CallOption {
	return func(co *callOptions) { co.timeout = d }
}

// Send sends a command to the backend and waits for its reply. The call is
// abandoned once ctx is canceled or the timeout elapses; the backend is then
// asked to drop the call and ipc.ErrCancelled is returned. A reply which
// arrives after that is discarded.
//
// Error replies are returned as *ipc.BackendError.
func (c *Client) Send(ctx context.Context, cmd ipc.Command, p ipc.Params, opts ...CallOption) (ipc.Result, error) {
	co := callOptions{timeout: c.o.Timeout}
	for _, o := range opts {
		o(&co)
	}
	if co.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, co.timeout)
		defer cancel()
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", cmd, ipc.ErrCancelled, err)
	}

	pc := &pendingCall{
		seq:     c.seq.Inc(),
		command: cmd,
		params:  p,
		reply:   make(chan reply, 1),
	}

	c.mut.Lock()
	t, exited := c.transport, c.exited
	if t == nil {
		c.mut.Unlock()
		return nil, fmt.Errorf("%s: %w", cmd, ipc.ErrNotReady)
	}
	c.pending[pc.seq] = pc
	c.metrics.pending.Inc()
	c.mut.Unlock()

	if err := t.SendRequest(ipc.RequestHeader{Command: cmd, Seq: pc.seq}, p); err != nil {
		c.forget(pc.seq)
		c.metrics.observe(cmd, "send_error")
		return nil, fmt.Errorf("failed to send %s: %w", cmd, err)
	}

	select {
	case r := <-pc.reply:
		return c.complete(cmd, r)

	case <-exited:
		// The dispatch loop fails every pending call before exiting, so
		// there's always a reply waiting by now.
		return c.complete(cmd, <-pc.reply)

	case <-ctx.Done():
		if !c.forget(pc.seq) {
			// The reply raced with the cancellation and has already been
			// handed to us. The caller asked to stop waiting, so drop it.
			<-pc.reply
		} else {
			c.interrupt(t, pc.seq)
		}
		c.metrics.observe(cmd, "cancelled")
		return nil, fmt.Errorf("%s (seq %d): %w: %w", cmd, pc.seq, ipc.ErrCancelled, ctx.Err())
	}
}

func (c *Client) complete(cmd ipc.Command, r reply) (ipc.Result, error) {
	if r.err != nil {
		c.metrics.observe(cmd, "not_ready")
		return nil, fmt.Errorf("%s: %w", cmd, r.err)
	}
	if err := r.header.Err(); err != nil {
		c.metrics.observe(cmd, "error")
		return nil, err
	}
	c.metrics.observe(cmd, "ok")
	return r.result, nil
}

// forget removes seq from the pending table. Returns false if seq wasn't
// pending anymore.
func (c *Client) forget(seq uint64) bool {
	c.mut.Lock()
	defer c.mut.Unlock()
	if _, ok := c.pending[seq]; !ok {
		return false
	}
	delete(c.pending, seq)
	c.metrics.pending.Dec()
	return true
}

// interrupt informs the backend that it can drop seq.
func (c *Client) interrupt(t ipc.ClientTransport, seq uint64) {
	// Interrupts aren't waited on, so they don't need a meaningful sequence
	// ID of their own.
	var (
		h = ipc.RequestHeader{Command: ipc.CommandInterrupt, Seq: 0}
		p = &ipc.InterruptParams{Seq: seq}
	)
	if err := t.SendRequest(h, p); err != nil {
		level.Debug(c.log).Log("msg", "failed to send interrupt", "seq", seq, "err", err)
	}
}

// SendSync sends a best-effort command and blocks until it completes. nil is
// returned on any failure, so SendSync must only be used for commands whose
// failure the caller doesn't need to handle.
func (c *Client) SendSync(cmd ipc.Command, p ipc.Params) ipc.Result {
	ctx, cancel := context.WithTimeout(context.Background(), c.o.SyncTimeout)
	defer cancel()

	res, err := c.Send(ctx, cmd, p, WithTimeout(0))
	if err != nil {
		level.Warn(c.log).Log("msg", "synchronous call failed", "command", cmd, "err", err)
		return nil
	}
	return res
}

// Close closes the transport and waits for the dispatch loop to exit. Calls
// still pending fail with ipc.ErrNotReady.
func (c *Client) Close() error {
	c.mut.Lock()
	t, exited := c.transport, c.exited
	c.mut.Unlock()

	if t == nil {
		return nil
	}
	err := t.Close()
	<-exited
	return err
}
