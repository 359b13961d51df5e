package server

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/rfratto/hostfs/internal/ipc"
)

// firstDescriptor is the lowest descriptor handed out by a table. Lower
// numbers are left unused so they never look like standard I/O.
const firstDescriptor = 3

// table assigns native descriptors to open files and directories, keyed by
// the ID the client picked for them. Released descriptors are reused before
// new ones are allocated.
type table struct {
	log log.Logger
	max int

	mut   sync.RWMutex
	byID  map[string]*openFile
	avail []uint64
	next  uint64
}

// openFile is an entry in a table.
type openFile struct {
	ID    string
	FD    uint64
	Path  string
	Dir   bool
	Flags ipc.OpenFlags

	f *os.File
}

func newTable(l log.Logger, max int) *table {
	return &table{
		log:  l,
		max:  max,
		byID: make(map[string]*openFile),
		next: firstDescriptor,
	}
}

// Add stores f under id and assigns it a descriptor. If id is already in use,
// the existing entry is closed and replaced.
func (t *table) Add(id string, f *openFile) (uint64, error) {
	var replaced *openFile
	defer func() {
		if replaced == nil {
			return
		}
		level.Warn(t.log).Log("msg", "closing descriptor replaced by a new open", "id", id, "fd", replaced.FD)
		if err := replaced.f.Close(); err != nil {
			level.Error(t.log).Log("msg", "error when closing replaced descriptor", "id", id, "err", err)
		}
	}()

	t.mut.Lock()
	defer t.mut.Unlock()

	if old, ok := t.byID[id]; ok {
		replaced = old
		delete(t.byID, id)
		t.avail = append(t.avail, old.FD)
	}
	if t.max > 0 && len(t.byID) >= t.max {
		return 0, fmt.Errorf("%d descriptors open: %w", len(t.byID), ipc.ErrorTooManyFiles)
	}

	f.ID = id
	if numAvail := len(t.avail); numAvail > 0 {
		f.FD = t.avail[numAvail-1]
		t.avail = t.avail[:numAvail-1]
	} else {
		f.FD = t.next
		t.next++
	}

	t.byID[id] = f
	return f.FD, nil
}

// Get returns the entry for id. ErrorBadDescriptor is returned if id isn't
// open.
func (t *table) Get(id string) (*openFile, error) {
	t.mut.RLock()
	defer t.mut.RUnlock()

	f, ok := t.byID[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ipc.ErrorBadDescriptor)
	}
	return f, nil
}

// Remove releases the entry for id and closes its file.
func (t *table) Remove(id string) error {
	t.mut.Lock()
	f, ok := t.byID[id]
	if ok {
		delete(t.byID, id)
		t.avail = append(t.avail, f.FD)
	}
	t.mut.Unlock()

	// The file is closed outside of the lock so other requests aren't held up
	// by a slow close.
	if !ok {
		return fmt.Errorf("%s: %w", id, ipc.ErrorBadDescriptor)
	}
	return f.f.Close()
}

// Len returns the number of open entries.
func (t *table) Len() int {
	t.mut.RLock()
	defer t.mut.RUnlock()
	return len(t.byID)
}

// CloseAll closes every entry in the table.
func (t *table) CloseAll() error {
	t.mut.Lock()
	files := make([]*openFile, 0, len(t.byID))
	for _, f := range t.byID {
		files = append(files, f)
	}
	t.byID = make(map[string]*openFile)
	t.avail = nil
	t.next = firstDescriptor
	t.mut.Unlock()

	sort.Slice(files, func(i, j int) bool { return files[i].FD < files[j].FD })

	var errs *multierror.Error
	for _, f := range files {
		if err := f.f.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("closing %s: %w", f.Path, err))
		}
	}
	return errs.ErrorOrNil()
}
