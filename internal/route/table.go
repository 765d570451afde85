// Package route maintains the node's view of the network: the set of
// known States and ring-based ownership resolution over the ID space.
//
// Ownership metric: States sit on a ring ordered by ID (unsigned
// lexicographic). The owner of a target ID is the State with the
// greatest ID not exceeding the target; when no State precedes the
// target the ring wraps to the State with the greatest ID overall.
// Equal IDs tie-break toward the lexicographically smaller address.
// The metric is deterministic for a fixed table regardless of insertion
// or query order.
package route

import (
	"fmt"
	"sort"
	"sync"

	"github.com/diunko/elliptics/internal/proto"
)

// ErrNoRoute is returned when a join reaches no peer at all.
var ErrNoRoute = proto.ErrNoRoute

// Table is the routing table. Read-mostly: many concurrent OwnerOf
// lookups, exclusive access only while adding or removing States.
type Table struct {
	local *State

	mu     sync.RWMutex
	states []*State // sorted by (ID, Addr)
}

func NewTable(local *State) *Table {
	return &Table{local: local}
}

// Local returns the node's own State.
func (t *Table) Local() *State { return t.local }

// Add records a peer, deduplicated by address+ID. It returns the
// existing State when the peer is already known.
func (t *Table) Add(addr string, id proto.ID) (*State, error) {
	if addr == "" {
		return nil, fmt.Errorf("add state: empty address: %w", proto.ErrInvalid)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.search(id)
	for j := i; j < len(t.states) && t.states[j].ID == id; j++ {
		if t.states[j].Addr == addr {
			return t.states[j], nil
		}
	}

	st := NewState(addr, id)
	// Insert keeping (ID, Addr) order.
	pos := i
	for pos < len(t.states) && t.states[pos].ID == id && t.states[pos].Addr < addr {
		pos++
	}
	t.states = append(t.states, nil)
	copy(t.states[pos+1:], t.states[pos:])
	t.states[pos] = st
	return st, nil
}

// AddLocal inserts the node's own State into the ring. Called once the
// node has joined a network; until then the local node only serves as
// the empty-table fallback. Idempotent.
func (t *Table) AddLocal() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, st := range t.states {
		if st == t.local {
			return
		}
	}
	pos := t.search(t.local.ID)
	for pos < len(t.states) && t.states[pos].ID == t.local.ID && t.states[pos].Addr < t.local.Addr {
		pos++
	}
	t.states = append(t.states, nil)
	copy(t.states[pos+1:], t.states[pos:])
	t.states[pos] = t.local
}

// Remove drops st from the table. Unknown states are ignored.
func (t *Table) Remove(st *State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, cur := range t.states {
		if cur == st {
			t.states = append(t.states[:i], t.states[i+1:]...)
			return
		}
	}
}

// search returns the index of the first state with ID >= id.
func (t *Table) search(id proto.ID) int {
	return sort.Search(len(t.states), func(i int) bool {
		return proto.Compare(t.states[i].ID, id) >= 0
	})
}

// OwnerOf resolves the State owning id. With an empty table the local
// node owns everything.
func (t *Table) OwnerOf(id proto.ID) *State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.states) == 0 {
		return t.local
	}

	i := t.search(id)
	if i < len(t.states) && t.states[i].ID == id {
		// Exact match; equal IDs are adjacent and sorted by address,
		// so the first one is the tie-break winner.
		return t.states[i]
	}
	if i == 0 {
		// No predecessor: wrap to the greatest ID on the ring.
		return t.states[len(t.states)-1]
	}
	return t.states[i-1]
}

// All snapshots the known peer States, local excluded.
func (t *Table) All() []*State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*State, 0, len(t.states))
	for _, st := range t.states {
		if st == t.local {
			continue
		}
		out = append(out, st)
	}
	return out
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.states)
}

// MergeFanout bounds how many advertised entries a single join reply
// may contribute, keeping table growth bounded.
const MergeFanout = 128

// Merge folds a peer's advertised route entries into the table,
// deduplicated by address+ID. Returns how many entries were new.
func (t *Table) Merge(entries []proto.RouteEntry) int {
	added := 0
	for i, e := range entries {
		if i >= MergeFanout {
			break
		}
		id, err := proto.ParseID(e.ID)
		if err != nil || e.Addr == "" {
			continue
		}
		if e.Addr == t.local.Addr && id == t.local.ID {
			continue
		}
		before := t.Len()
		if _, err := t.Add(e.Addr, id); err == nil && t.Len() > before {
			added++
		}
	}
	return added
}

// Entries renders the table for a route-list reply, local included so
// a joiner learns the answering node too.
func (t *Table) Entries() []proto.RouteEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]proto.RouteEntry, 0, len(t.states)+1)
	out = append(out, proto.RouteEntry{Addr: t.local.Addr, ID: t.local.ID.Hex()})
	for _, st := range t.states {
		if st == t.local {
			continue
		}
		out = append(out, proto.RouteEntry{Addr: st.Addr, ID: st.ID.Hex()})
	}
	return out
}
