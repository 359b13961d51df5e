package fds

import (
	"sync"
)

// EventKind is the kind of mutation an Event describes.
type EventKind int

const (
	EventSet EventKind = iota
	EventDelete
	EventClear
)

func (k EventKind) String() string {
	switch k {
	case EventSet:
		return "set"
	case EventDelete:
		return "delete"
	case EventClear:
		return "clear"
	default:
		return "unknown"
	}
}

// Event is a mutation of an ExternalTable. Versions increase by one for every
// mutation of a table.
type Event struct {
	Version    uint64
	Kind       EventKind
	Descriptor Descriptor // Unset for EventClear.
}

// ExternalTable is a table of open descriptors owned by something other than
// the Registry. A Registry can mirror an ExternalTable with Mirror.
type ExternalTable interface {
	// Snapshot returns the current contents of the table along with the
	// version of the last mutation applied to it.
	Snapshot() (entries []Descriptor, version uint64)

	// Subscribe invokes f for every future mutation. Implementations may
	// invoke f more than once for the same Event. The returned function
	// stops the subscription.
	Subscribe(f func(Event)) (unsubscribe func())
}

// Table is an in-memory ExternalTable.
type Table struct {
	mut     sync.Mutex
	version uint64
	entries map[string]Descriptor

	nextSub int
	subs    map[int]func(Event)
}

var _ ExternalTable = (*Table)(nil)

// NewTable creates an empty Table.
func NewTable() *Table {
	return &Table{
		entries: make(map[string]Descriptor),
		subs:    make(map[int]func(Event)),
	}
}

// Set adds or replaces an entry.
func (t *Table) Set(d Descriptor) {
	t.mut.Lock()
	defer t.mut.Unlock()
	t.entries[d.ID] = d
	t.publish(EventSet, d)
}

// Delete removes an entry. Deleting an unknown entry still produces an
// event.
func (t *Table) Delete(id string) {
	t.mut.Lock()
	defer t.mut.Unlock()
	d, ok := t.entries[id]
	if !ok {
		d = Descriptor{ID: id}
	}
	delete(t.entries, id)
	t.publish(EventDelete, d)
}

// Clear removes every entry.
func (t *Table) Clear() {
	t.mut.Lock()
	defer t.mut.Unlock()
	t.entries = make(map[string]Descriptor)
	t.publish(EventClear, Descriptor{})
}

// publish must be called with t.mut held so subscribers observe events in
// version order.
func (t *Table) publish(k EventKind, d Descriptor) {
	t.version++
	ev := Event{Version: t.version, Kind: k, Descriptor: d}
	for _, f := range t.subs {
		f(ev)
	}
}

// Snapshot implements ExternalTable.
func (t *Table) Snapshot() ([]Descriptor, uint64) {
	t.mut.Lock()
	defer t.mut.Unlock()

	out := make([]Descriptor, 0, len(t.entries))
	for _, d := range t.entries {
		out = append(out, d)
	}
	return out, t.version
}

// Subscribe implements ExternalTable. f is called with the Table locked and
// must not call back into the Table.
func (t *Table) Subscribe(f func(Event)) func() {
	t.mut.Lock()
	defer t.mut.Unlock()

	id := t.nextSub
	t.nextSub++
	t.subs[id] = f

	return func() {
		t.mut.Lock()
		defer t.mut.Unlock()
		delete(t.subs, id)
	}
}

// Mirror keeps r in sync with t until the returned function is called. The
// current contents of t are copied into r, and every later mutation of t is
// applied to r exactly once, even if t reports it more than once.
//
// Clearing t only removes the entries r learned about from t.
func (r *Registry) Mirror(t ExternalTable) (stop func()) {
	m := &mirror{r: r, mirrored: make(map[string]struct{})}

	// Subscribe before taking the snapshot so no mutation falls in between.
	// Events that arrive before the snapshot is applied are held back.
	unsubscribe := t.Subscribe(m.handle)

	entries, version := t.Snapshot()
	m.mut.Lock()
	for _, d := range entries {
		m.apply(Event{Kind: EventSet, Descriptor: d})
	}
	m.applied = version
	m.ready = true
	for _, ev := range m.held {
		m.handleLocked(ev)
	}
	m.held = nil
	m.mut.Unlock()

	return unsubscribe
}

type mirror struct {
	r *Registry

	mut      sync.Mutex
	ready    bool
	held     []Event
	applied  uint64
	mirrored map[string]struct{}
}

func (m *mirror) handle(ev Event) {
	m.mut.Lock()
	defer m.mut.Unlock()
	if !m.ready {
		m.held = append(m.held, ev)
		return
	}
	m.handleLocked(ev)
}

func (m *mirror) handleLocked(ev Event) {
	if ev.Version <= m.applied {
		return
	}
	m.applied = ev.Version
	m.apply(ev)
}

func (m *mirror) apply(ev Event) {
	switch ev.Kind {
	case EventSet:
		m.r.Set(ev.Descriptor.ID, ev.Descriptor.FD, ev.Descriptor.Type)
		m.mirrored[ev.Descriptor.ID] = struct{}{}
	case EventDelete:
		m.r.Release(ev.Descriptor.ID)
		delete(m.mirrored, ev.Descriptor.ID)
	case EventClear:
		m.r.mut.Lock()
		for id := range m.mirrored {
			m.r.release(id)
		}
		m.r.mut.Unlock()
		m.mirrored = make(map[string]struct{})
	}
}
