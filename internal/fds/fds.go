// Package fds maps the stable IDs callers assign to resources to the native
// descriptors a backend assigns when those resources are opened.
package fds

import (
	"sort"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Type tags the kind of resource a descriptor refers to.
type Type string

const (
	TypeFile      Type = "file"
	TypeDirectory Type = "directory"
)

// Descriptor is a single mapping held by a Registry.
type Descriptor struct {
	ID   string // Caller-assigned ID.
	FD   uint64 // Backend-assigned native descriptor.
	Type Type
}

// Registry is a bidirectional map between IDs and native descriptors. At most
// one ID maps to a given descriptor at any time, and vice versa.
//
// The zero value is not ready for use; create a Registry with New.
type Registry struct {
	log log.Logger

	mut   sync.RWMutex
	fds   map[string]uint64 // ID -> FD
	ids   map[uint64]string // FD -> ID
	types map[string]Type   // ID -> Type
}

// New creates an empty Registry.
func New(l log.Logger) *Registry {
	if l == nil {
		l = log.NewNopLogger()
	}
	return &Registry{
		log:   l,
		fds:   make(map[string]uint64),
		ids:   make(map[uint64]string),
		types: make(map[string]Type),
	}
}

// Set maps id to fd. Any previous mapping for id is replaced, as is any
// previous mapping for fd.
func (r *Registry) Set(id string, fd uint64, t Type) {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.set(id, fd, t)
}

func (r *Registry) set(id string, fd uint64, t Type) {
	if oldFD, ok := r.fds[id]; ok && oldFD != fd {
		delete(r.ids, oldFD)
	}
	if oldID, ok := r.ids[fd]; ok && oldID != id {
		// The backend reused a descriptor we still had mapped. The old ID is
		// stale.
		level.Warn(r.log).Log("msg", "native descriptor reassigned while still registered", "fd", fd, "old_id", oldID, "new_id", id)
		delete(r.fds, oldID)
		delete(r.types, oldID)
	}

	r.fds[id] = fd
	r.ids[fd] = id
	r.types[id] = t
}

// Get returns the native descriptor for id.
func (r *Registry) Get(id string) (fd uint64, ok bool) {
	r.mut.RLock()
	defer r.mut.RUnlock()
	fd, ok = r.fds[id]
	return
}

// To returns the ID mapped to the native descriptor fd.
func (r *Registry) To(fd uint64) (id string, ok bool) {
	r.mut.RLock()
	defer r.mut.RUnlock()
	id, ok = r.ids[fd]
	return
}

// Has returns true if id is registered.
func (r *Registry) Has(id string) bool {
	r.mut.RLock()
	defer r.mut.RUnlock()
	_, ok := r.fds[id]
	return ok
}

// HasFD returns true if the native descriptor fd is registered.
func (r *Registry) HasFD(fd uint64) bool {
	r.mut.RLock()
	defer r.mut.RUnlock()
	_, ok := r.ids[fd]
	return ok
}

// TypeOf returns the type tag of id.
func (r *Registry) TypeOf(id string) (Type, bool) {
	r.mut.RLock()
	defer r.mut.RUnlock()
	t, ok := r.types[id]
	return t, ok
}

// TypeOfFD returns the type tag of the native descriptor fd.
func (r *Registry) TypeOfFD(fd uint64) (Type, bool) {
	r.mut.RLock()
	defer r.mut.RUnlock()
	id, ok := r.ids[fd]
	if !ok {
		return "", false
	}
	t, ok := r.types[id]
	return t, ok
}

// Release removes id, its native descriptor, and its type tag. Releasing an
// unknown id is a no-op.
func (r *Registry) Release(id string) {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.release(id)
}

func (r *Registry) release(id string) {
	if fd, ok := r.fds[id]; ok {
		if r.ids[fd] == id {
			delete(r.ids, fd)
		}
	}
	delete(r.fds, id)
	delete(r.types, id)
}

// Len returns the number of registered descriptors.
func (r *Registry) Len() int {
	r.mut.RLock()
	defer r.mut.RUnlock()
	return len(r.fds)
}

// Entries returns a snapshot of every registered descriptor, ordered by ID.
func (r *Registry) Entries() []Descriptor {
	r.mut.RLock()
	defer r.mut.RUnlock()

	out := make([]Descriptor, 0, len(r.fds))
	for id, fd := range r.fds {
		out = append(out, Descriptor{ID: id, FD: fd, Type: r.types[id]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
