package transfer

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// Table holds every transfer the coordinator knows about. Finished transfers move to an archive
// and are dropped ArchiveTTL later. Stale entries are cleared on every access.
type Table struct {
	mu       sync.RWMutex
	ttl      time.Duration
	now      func() time.Time
	active   map[string]*entry
	archived map[string]*entry
}

type entry struct {
	state      TransferState
	packet     Packet
	archivedAt time.Time
}

func NewTable(ttl time.Duration) *Table {
	return &Table{
		ttl:      ttl,
		now:      time.Now,
		active:   make(map[string]*entry),
		archived: make(map[string]*entry),
	}
}

// Get returns the transfer with id, active or archived.
func (t *Table) Get(id string) (TransferState, bool) {
	defer t.clearStaleEntries()
	t.mu.RLock()
	defer t.mu.RUnlock()
	if e, ok := t.active[id]; ok {
		return e.state, true
	}
	if e, ok := t.archived[id]; ok && !t.expired(e) {
		return e.state, true
	}
	return TransferState{}, false
}

// List returns every readable transfer, oldest update first.
func (t *Table) List() []TransferState {
	defer t.clearStaleEntries()
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]TransferState, 0, len(t.active)+len(t.archived))
	for _, e := range t.active {
		out = append(out, e.state)
	}
	for _, e := range t.archived {
		if !t.expired(e) {
			out = append(out, e.state)
		}
	}
	slices.SortFunc(out, func(a, b TransferState) int {
		if c := a.UpdatedAt.Compare(b.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Len counts active transfers.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.active)
}

// put stores state, archiving it when its status is final, and returns it with UpdatedAt set.
func (t *Table) put(state TransferState, packet Packet) TransferState {
	defer t.clearStaleEntries()
	t.mu.Lock()
	defer t.mu.Unlock()
	state.UpdatedAt = t.now()
	e := &entry{state: state, packet: packet}
	if state.Status.Final() {
		delete(t.active, state.ID)
		e.archivedAt = state.UpdatedAt
		t.archived[state.ID] = e
		return state
	}
	t.active[state.ID] = e
	return state
}

// restore stores a persisted transfer as is.
func (t *Table) restore(state TransferState, packet Packet) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active[state.ID] = &entry{state: state, packet: packet}
}

func (t *Table) lookup(id string) (TransferState, Packet, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.active[id]
	if !ok {
		return TransferState{}, Packet{}, false
	}
	return e.state, e.packet, true
}

func (t *Table) expired(e *entry) bool {
	return t.now().After(e.archivedAt.Add(t.ttl))
}

func (t *Table) clearStaleEntries() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, e := range t.archived {
		if t.expired(e) {
			delete(t.archived, id)
		}
	}
}
