// Package idempotency caches control-surface responses by client-supplied
// idempotency key, so a retried createSchedule/pause/resume/runNow
// request (e.g. a CLI retry after a timeout) replays the original
// response instead of double-enqueuing a signal or schedule.
package idempotency

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Response is the cached HTTP response for one idempotency key.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    map[string][]string
}

// Backend is a distributed key-value TTL store, satisfied by a
// redis-backed adapter when the control surface runs with multiple
// replicas. Generalized from control_plane/idempotency/store.go's
// Backend interface.
type Backend interface {
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// ttl is how long a cached response is replayed before it expires.
const ttl = 24 * time.Hour

// Store caches responses keyed by idempotency key, backed by a
// distributed Backend when one is configured and falling back to a
// process-local sync.Map otherwise — the same dual-path shape as
// control_plane/idempotency/store.go.
type Store struct {
	log     *slog.Logger
	backend Backend
	cache   sync.Map // key -> entry
}

type entry struct {
	Resp      Response
	Timestamp time.Time
}

func NewStore(logger *slog.Logger, backend Backend) *Store {
	return &Store{log: logger, backend: backend}
}

func (s *Store) Get(ctx context.Context, key string) (Response, bool) {
	if s.backend != nil {
		val, err := s.backend.Get(ctx, key)
		if err != nil {
			s.log.Error("idempotency: backend get failed", "key", key, "error", err)
			return Response{}, false
		}
		if val == "" {
			return Response{}, false
		}
		var e entry
		if err := json.Unmarshal([]byte(val), &e); err != nil {
			return Response{}, false
		}
		return e.Resp, true
	}

	val, ok := s.cache.Load(key)
	if !ok {
		return Response{}, false
	}
	e := val.(entry)
	if time.Since(e.Timestamp) > ttl {
		s.cache.Delete(key)
		return Response{}, false
	}
	return e.Resp, true
}

func (s *Store) Set(ctx context.Context, key string, resp Response) {
	e := entry{Resp: resp, Timestamp: time.Now()}

	if s.backend != nil {
		bytes, err := json.Marshal(e)
		if err != nil {
			s.log.Error("idempotency: marshal failed", "key", key, "error", err)
			return
		}
		if err := s.backend.Set(ctx, key, string(bytes), ttl); err != nil {
			s.log.Error("idempotency: backend set failed", "key", key, "error", err)
		}
		return
	}

	s.cache.Store(key, e)
}
