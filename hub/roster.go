package hub

import (
	"sync"
	"sync/atomic"
)

// Roster is an append-only list of endpoints. Add copies the list and swaps
// it in atomically, so a Snapshot taken during an Add sees either the old or
// the new list, never a partial one.
type Roster struct {
	mu        sync.Mutex
	endpoints atomic.Pointer[[]Endpoint]
}

// Add appends e.
func (r *Roster) Add(e Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.Snapshot()
	next := make([]Endpoint, len(old), len(old)+1)
	copy(next, old)
	next = append(next, e)
	r.endpoints.Store(&next)
}

// Snapshot returns the endpoints registered so far. The slice must not be
// modified.
func (r *Roster) Snapshot() []Endpoint {
	p := r.endpoints.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Len returns the number of registered endpoints.
func (r *Roster) Len() int {
	return len(r.Snapshot())
}
