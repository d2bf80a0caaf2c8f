package mesh

import (
	"sync"

	"github.com/agentmesh/meshd/internal/store"
)

// ring is a bounded, mutex-guarded FIFO of recent events: the
// query-fallback path QueryHistory uses when no store is configured or
// the store query fails. Generalized from FluxForge's control_plane/timeline.Store
// (same "append under a short critical section, copy out on read"
// shape), but bounded at capacity instead of growing without limit —
// the teacher's reconciliation audit log never needed a cap because it
// lived for one process lifetime; an always-on event ring does.
type ring struct {
	mu       sync.RWMutex
	entries  []*store.Event
	capacity int
	next     int // write cursor once the ring has wrapped
	filled   bool
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1000
	}
	return &ring{entries: make([]*store.Event, 0, capacity), capacity: capacity}
}

func (r *ring) append(evt *store.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries) < r.capacity {
		r.entries = append(r.entries, evt)
		return
	}
	r.filled = true
	r.entries[r.next] = evt
	r.next = (r.next + 1) % r.capacity
}

// snapshot returns the ring's contents in insertion order (oldest
// first), regardless of whether it has wrapped.
func (r *ring) snapshot() []*store.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.filled {
		out := make([]*store.Event, len(r.entries))
		copy(out, r.entries)
		return out
	}
	out := make([]*store.Event, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	out = append(out, r.entries[:r.next]...)
	return out
}

func (r *ring) filter(f store.EventFilter, limit int) []*store.Event {
	all := r.snapshot()
	var matched []*store.Event
	for i := len(all) - 1; i >= 0; i-- { // newest first
		if f.Matches(all[i]) {
			matched = append(matched, all[i])
			if limit > 0 && len(matched) >= limit {
				break
			}
		}
	}
	return matched
}
