package analytics

import (
	"context"

	"github.com/agentmesh/meshd/internal/store"
)

// NoopAnalytics is used when no analytics backend is configured. Every
// method reports ErrUnavailable so the mesh facade's publish/
// queryHistory paths know to fall back to the in-memory ring, per
// spec.md §4.5's "each external-system client is optional" rule.
type NoopAnalytics struct{}

func (NoopAnalytics) RecordEvent(ctx context.Context, evt *store.Event) error { return ErrUnavailable }

func (NoopAnalytics) GetTrends(ctx context.Context, agentID string, granularity store.TrendGranularity, rng store.AnalyticsRange) ([]*store.TrendPoint, error) {
	return nil, ErrUnavailable
}

func (NoopAnalytics) Close() error { return nil }
