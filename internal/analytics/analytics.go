// Package analytics is the third tier of the event pipeline (stream
// broker -> strictly-ordered store -> time-series analytics): it
// records every published event into a time-bucketed table feeding
// continuous 1-minute/1-hour rollups, and answers trend/summary
// queries against those rollups, per spec.md §4.5/§6.
//
// Analytics is intentionally a narrower, separate interface from
// store.Store — store.Store owns the strictly-ordered replay log and
// schedule/run bookkeeping; Analytics owns only the aggregate rollup
// table. A deployment may run Postgres for both against the same
// instance, or may omit analytics entirely, in which case the mesh
// facade degrades to its in-memory ring (spec.md §4.5's explicit
// "each external-system client is optional" rule).
package analytics

import (
	"context"
	"errors"

	"github.com/agentmesh/meshd/internal/store"
)

// ErrUnavailable signals "no analytics backend configured" so callers
// know to fall back to the ring buffer rather than treating it as a
// transient failure.
var ErrUnavailable = errors.New("analytics: unavailable")

// Analytics records events into the rollup table and answers trend
// queries over it.
type Analytics interface {
	RecordEvent(ctx context.Context, evt *store.Event) error
	GetTrends(ctx context.Context, agentID string, granularity store.TrendGranularity, rng store.AnalyticsRange) ([]*store.TrendPoint, error)
	Close() error
}
