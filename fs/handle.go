package fs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-kit/log/level"
	"github.com/rfratto/hostfs/internal/fds"
	"github.com/rfratto/hostfs/internal/gc"
	"github.com/rfratto/hostfs/internal/ipc"
)

// ErrClosed is returned when opening a handle which has already been
// closed, or is being closed. Closed handles can't be reopened.
var ErrClosed = errors.New("handle is closed")

// State is the lifecycle state of a handle.
type State int

const (
	StateIdle State = iota
	StateOpening
	StateOpen
	StateClosing
	StateClosed

	// StateBroken is entered when the backend fails to close a handle. The
	// descriptor stays registered and the handle can't be used again.
	StateBroken
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateBroken:
		return "broken"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// handleState is implemented by every state a handle can be in. Each state
// only carries the fields which are valid in that state.
type handleState interface {
	State() State
}

type (
	idleState    struct{}
	openingState struct{ call *call }
	openState    struct {
		fd    uint64
		entry *gc.Entry // nil when the handle isn't supervised.
	}
	closingState struct {
		fd    uint64
		entry *gc.Entry
		call  *call
	}
	brokenState struct {
		fd    uint64
		entry *gc.Entry
		err   error
	}
	closedState struct{}
)

func (idleState) State() State    { return StateIdle }
func (openingState) State() State { return StateOpening }
func (openState) State() State    { return StateOpen }
func (closingState) State() State { return StateClosing }
func (brokenState) State() State  { return StateBroken }
func (closedState) State() State  { return StateClosed }

// call is an in-flight open or close shared by every caller that asks for it
// while it's running.
type call struct {
	done chan struct{}
	err  error
}

func newCall() *call { return &call{done: make(chan struct{})} }

func (c *call) finish(err error) {
	c.err = err
	close(c.done)
}

// wait waits for c to finish. Giving up on waiting doesn't cancel c.
func (c *call) wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ipc.ErrCancelled, ctx.Err())
	}
}

// handle implements the lifecycle shared by files and directories. Owners
// of a handle (FileHandle, DirectoryHandle) pass themselves to open and close
// so the handle can be supervised for leaks without referencing its owner.
type handle struct {
	fs  *FS
	id  string
	typ fds.Type

	// Held for the duration of a native read or write. At most one of each
	// is in flight per handle.
	reads, writes chan struct{}

	mut   sync.Mutex
	state handleState
}

func newHandle(f *FS, id string, t fds.Type) *handle {
	return &handle{
		fs:     f,
		id:     id,
		typ:    t,
		reads:  make(chan struct{}, 1),
		writes: make(chan struct{}, 1),
		state:  idleState{},
	}
}

// openedHandle returns a handle for a descriptor opened elsewhere. It is not
// supervised: the handle that opened it already is.
func openedHandle(f *FS, id string, t fds.Type, fd uint64) *handle {
	h := newHandle(f, id, t)
	h.state = openState{fd: fd}
	return h
}

// State returns the state of the handle. An open handle whose descriptor
// was released elsewhere, such as by FS.Close, reports StateClosed.
func (h *handle) State() State {
	h.mut.Lock()
	defer h.mut.Unlock()
	if s, ok := h.state.(openState); ok && !h.opened(s.fd) {
		return StateClosed
	}
	return h.state.State()
}

// serialize waits for exclusive use of sem. The returned func gives it back.
func (h *handle) serialize(ctx context.Context, sem chan struct{}) (func(), error) {
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ipc.ErrCancelled, ctx.Err())
	}
}

// FD returns the native descriptor of the handle, if it's open.
func (h *handle) FD() (uint64, bool) {
	h.mut.Lock()
	defer h.mut.Unlock()
	if s, ok := h.state.(openState); ok {
		return s.fd, true
	}
	return 0, false
}

// opened returns true if the handle is open and its descriptor is still the
// one registered for it. Something else (FS.Close, another handle for the
// same ID) may have released it.
func (h *handle) opened(fd uint64) bool {
	regFD, ok := h.fs.reg.Get(h.id)
	return ok && regFD == fd
}

// open sends cmd to open the handle. Concurrent calls while the handle is
// opening all wait for the same result, and only one command is sent.
func (h *handle) open(ctx context.Context, owner interface{}, cmd ipc.Command, p ipc.Params) error {
	h.mut.Lock()
	switch s := h.state.(type) {
	case idleState:
		// Continue below.
	case openingState:
		h.mut.Unlock()
		return s.call.wait(ctx)
	case openState:
		h.mut.Unlock()
		return nil
	default:
		h.mut.Unlock()
		return fmt.Errorf("open %s: %w (%s)", h.id, ErrClosed, s.State())
	}

	c := newCall()
	h.state = openingState{call: c}
	h.mut.Unlock()

	var fd uint64
	res, err := h.fs.client.Send(ctx, cmd, p)
	if err == nil {
		if or, ok := res.(*ipc.OpenResult); ok {
			fd = or.FD
		} else {
			err = unexpectedReply(cmd, res)
		}
	}

	h.mut.Lock()
	if err != nil {
		// A fresh call to open will try again.
		h.state = idleState{}
	} else {
		h.fs.reg.Set(h.id, fd, h.typ)
		h.state = openState{fd: fd, entry: h.fs.arm(owner, h.id, h.typ)}
		level.Debug(h.fs.log).Log("msg", "opened handle", "id", h.id, "type", h.typ, "fd", fd)
	}
	h.mut.Unlock()

	c.finish(err)
	return err
}

// close closes the handle. A handle which is still opening is closed once
// the open finishes. Concurrent calls while the handle is closing all wait
// for the same result, and only one command is sent.
//
// If the backend fails to close the handle, the handle is broken: it stays
// registered and every later call to close returns the same error.
func (h *handle) close(ctx context.Context, owner interface{}) error {
	for {
		h.mut.Lock()
		switch s := h.state.(type) {
		case openingState:
			h.mut.Unlock()
			if err := s.call.wait(ctx); err != nil && ctx.Err() != nil {
				return err
			}
			// The open finished, successfully or not. Look again.
			continue

		case closingState:
			h.mut.Unlock()
			return s.call.wait(ctx)

		case brokenState:
			h.mut.Unlock()
			return s.err

		case openState:
			if !h.opened(s.fd) {
				// Released by someone else; nothing left to close.
				h.state = closedState{}
				h.mut.Unlock()
				h.fs.disarm(owner, h.id, s.entry)
				return fmt.Errorf("close %s: %w", h.id, ipc.ErrNotOpen)
			}
			c := newCall()
			h.state = closingState{fd: s.fd, entry: s.entry, call: c}
			h.mut.Unlock()
			return h.doClose(ctx, owner, s, c)

		default:
			h.mut.Unlock()
			return fmt.Errorf("close %s: %w", h.id, ipc.ErrNotOpen)
		}
	}
}

func (h *handle) doClose(ctx context.Context, owner interface{}, s openState, c *call) error {
	cmd, p := closeRequest(h.typ, h.id)
	_, err := h.fs.client.Send(ctx, cmd, p)

	h.mut.Lock()
	if err != nil {
		h.state = brokenState{fd: s.fd, entry: s.entry, err: err}
		level.Error(h.fs.log).Log("msg", "failed to close handle", "id", h.id, "type", h.typ, "err", err)
	} else {
		h.fs.reg.Release(h.id)
		h.fs.disarm(owner, h.id, s.entry)
		h.state = closedState{}
		level.Debug(h.fs.log).Log("msg", "closed handle", "id", h.id, "type", h.typ)
	}
	h.mut.Unlock()

	c.finish(err)
	return err
}

// acquire returns the native descriptor for a data operation named op. It
// fails with ipc.ErrNotOpen unless the handle is open.
func (h *handle) acquire(op string) (uint64, error) {
	h.mut.Lock()
	defer h.mut.Unlock()

	s, ok := h.state.(openState)
	if !ok || !h.opened(s.fd) {
		return 0, fmt.Errorf("%s %s: %w", op, h.id, ipc.ErrNotOpen)
	}
	return s.fd, nil
}

// send checks that the handle is open and then sends cmd.
func (h *handle) send(ctx context.Context, op string, cmd ipc.Command, p ipc.Params) (ipc.Result, error) {
	if _, err := h.acquire(op); err != nil {
		return nil, err
	}
	return h.fs.client.Send(ctx, cmd, p)
}
