// Package gc releases resources whose owners become unreachable without being
// explicitly closed.
//
// An owner is armed with a cleanup action when it acquires a resource and
// disarmed when it releases the resource itself. If the garbage collector
// finds an owner that is still armed, its cleanup action is queued and run by
// a background reaper, and the leak is reported.
//
// Finalization is best-effort: there is no guarantee when, or whether, the
// runtime will notice an unreachable owner. Callers that need a guarantee
// should close their resources explicitly.
package gc

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

// CleanupFunc releases a leaked resource.
type CleanupFunc func(ctx context.Context) error

// Options configures a Supervisor.
type Options struct {
	// QueueSize is the number of leaked resources that can wait for cleanup
	// before further cleanups spawn their own goroutine.
	QueueSize int

	// CleanupTimeout bounds each cleanup action.
	CleanupTimeout time.Duration

	// Registerer to register metrics with. Metrics are not registered when
	// nil.
	Registerer prometheus.Registerer
}

// DefaultOptions holds defaults for Supervisor.
var DefaultOptions = Options{
	QueueSize:      128,
	CleanupTimeout: 10 * time.Second,
}

// Supervisor tracks armed owners and runs cleanup actions for the ones that
// leak.
type Supervisor struct {
	log     log.Logger
	o       Options
	metrics *metrics

	queue chan *Entry
	done  chan struct{}
	wg    sync.WaitGroup

	mut     sync.Mutex
	entries map[*Entry]struct{}
	closed  bool
}

const (
	stateArmed uint32 = iota
	stateDisarmed
	stateFired
)

// Entry is an armed cleanup action. Entries must not reference their owner,
// otherwise the owner never becomes unreachable.
type Entry struct {
	id     string
	action CleanupFunc
	state  atomic.Uint32
}

// ID returns the ID the entry was armed with.
func (e *Entry) ID() string { return e.id }

// Armed returns true if the entry is neither disarmed nor fired.
func (e *Entry) Armed() bool { return e.state.Load() == stateArmed }

// New creates a new Supervisor and starts its reaper.
func New(l log.Logger, o Options) (*Supervisor, error) {
	if l == nil {
		l = log.NewNopLogger()
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultOptions.QueueSize
	}
	if o.CleanupTimeout <= 0 {
		o.CleanupTimeout = DefaultOptions.CleanupTimeout
	}

	m := newMetrics()
	if o.Registerer != nil {
		if err := m.register(o.Registerer); err != nil {
			return nil, fmt.Errorf("registering supervisor metrics: %w", err)
		}
	}

	s := &Supervisor{
		log:     l,
		o:       o,
		metrics: m,
		queue:   make(chan *Entry, o.QueueSize),
		done:    make(chan struct{}),
		entries: make(map[*Entry]struct{}),
	}
	s.wg.Add(1)
	go s.reap()
	return s, nil
}

// Arm attaches action to owner. action runs once if owner becomes
// unreachable before Disarm is called. owner must be a pointer to the start
// of a heap allocation, as required by runtime.SetFinalizer, and must not be
// referenced by action.
func (s *Supervisor) Arm(owner interface{}, id string, action CleanupFunc) *Entry {
	e := &Entry{id: id, action: action}

	s.mut.Lock()
	s.entries[e] = struct{}{}
	s.mut.Unlock()
	s.metrics.armed.Inc()

	runtime.SetFinalizer(owner, func(interface{}) { s.fire(e) })
	return e
}

// Disarm cancels the cleanup action of e, which must have been armed for
// owner. Disarm returns false if e was already disarmed or has fired.
func (s *Supervisor) Disarm(owner interface{}, e *Entry) bool {
	if e == nil || !e.state.CAS(stateArmed, stateDisarmed) {
		return false
	}
	runtime.SetFinalizer(owner, nil)
	s.forget(e)
	return true
}

// Cancel disarms e when its owner isn't at hand, such as when the resource
// was released by something other than the owner. The owner's finalizer
// stays attached but does nothing when it runs. Cancel returns false if e
// was already disarmed or has fired.
func (s *Supervisor) Cancel(e *Entry) bool {
	if e == nil || !e.state.CAS(stateArmed, stateDisarmed) {
		return false
	}
	s.forget(e)
	return true
}

// Armed returns the number of armed entries.
func (s *Supervisor) Armed() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	return len(s.entries)
}

func (s *Supervisor) forget(e *Entry) {
	s.mut.Lock()
	_, ok := s.entries[e]
	delete(s.entries, e)
	s.mut.Unlock()

	if ok {
		s.metrics.armed.Dec()
	}
}

// fire runs on the runtime's finalizer goroutine and must not block.
func (s *Supervisor) fire(e *Entry) {
	if !e.state.CAS(stateArmed, stateFired) {
		return
	}
	s.forget(e)
	s.metrics.leaks.Inc()
	level.Warn(s.log).Log("msg", "resource was not closed before it became unreachable; releasing it", "id", e.id)

	s.mut.Lock()
	closed := s.closed
	s.mut.Unlock()
	if closed {
		level.Warn(s.log).Log("msg", "supervisor closed; leaked resource will not be released", "id", e.id)
		return
	}

	select {
	case s.queue <- e:
	default:
		// Queue full; don't stall other finalizers.
		go s.cleanup(e)
	}
}

func (s *Supervisor) reap() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case e := <-s.queue:
			s.cleanup(e)
		}
	}
}

// cleanup runs the action for e. Failures are logged: nobody is left to
// report them to.
func (s *Supervisor) cleanup(e *Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), s.o.CleanupTimeout)
	defer cancel()

	if err := e.action(ctx); err != nil {
		s.metrics.failures.Inc()
		level.Error(s.log).Log("msg", "failed to release leaked resource", "id", e.id, "err", err)
		return
	}
	level.Debug(s.log).Log("msg", "released leaked resource", "id", e.id)
}

// Close stops the reaper. Cleanups already queued are run before Close
// returns; owners that leak afterwards are only reported.
func (s *Supervisor) Close() error {
	s.mut.Lock()
	if s.closed {
		s.mut.Unlock()
		return nil
	}
	s.closed = true
	s.mut.Unlock()

	close(s.done)
	s.wg.Wait()

	for {
		select {
		case e := <-s.queue:
			s.cleanup(e)
		default:
			return nil
		}
	}
}
