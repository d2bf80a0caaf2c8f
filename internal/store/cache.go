package store

import (
	"context"
	"sync"
	"time"
)

// CachedStore wraps a Store with a 60-second read-through cache of
// AgentState rows, invalidated on every RecordRun or signal write, per
// spec.md §4.2. Grounded on FluxForge's idempotency.Store sync.Map
// fallback (control_plane/idempotency/store.go) rather than its Redis
// path, since this cache is intentionally process-local: the scheduler
// is the sole writer of AgentState's derived fields, so a per-process
// cache never serves another writer's stale view.
type CachedStore struct {
	Store
	ttl   time.Duration
	cache sync.Map // agentID -> cacheEntry
}

type cacheEntry struct {
	state   *AgentState
	cachedAt time.Time
}

// NewCachedStore wraps inner with a read-through AgentState cache.
// ttl defaults to 60s when zero.
func NewCachedStore(inner Store, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &CachedStore{Store: inner, ttl: ttl}
}

func (c *CachedStore) GetAgentState(ctx context.Context, agentID string) (*AgentState, error) {
	if v, ok := c.cache.Load(agentID); ok {
		e := v.(cacheEntry)
		if time.Since(e.cachedAt) < c.ttl {
			return e.state, nil
		}
		c.cache.Delete(agentID)
	}

	state, err := c.Store.GetAgentState(ctx, agentID)
	if err != nil {
		return nil, err
	}
	c.cache.Store(agentID, cacheEntry{state: state, cachedAt: time.Now()})
	return state, nil
}

func (c *CachedStore) RecordRun(ctx context.Context, run *Run) (*AgentState, error) {
	state, err := c.Store.RecordRun(ctx, run)
	if err != nil {
		return nil, err
	}
	c.cache.Delete(run.AgentID)
	return state, nil
}

func (c *CachedStore) EnqueueSignal(ctx context.Context, sig *Signal) error {
	if err := c.Store.EnqueueSignal(ctx, sig); err != nil {
		return err
	}
	// Signals are scheduleID-scoped; invalidate by scheduleID's agent via
	// a direct cache sweep since agentID isn't carried on Signal.
	c.invalidateAll()
	return nil
}

func (c *CachedStore) invalidateAll() {
	c.cache.Range(func(key, _ any) bool {
		c.cache.Delete(key)
		return true
	})
}
