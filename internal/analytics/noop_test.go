package analytics

import (
	"context"
	"errors"
	"testing"

	"github.com/agentmesh/meshd/internal/store"
)

func TestNoopAnalyticsReportsUnavailable(t *testing.T) {
	var a Analytics = NoopAnalytics{}

	if err := a.RecordEvent(context.Background(), &store.Event{ID: "e1"}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable from RecordEvent, got %v", err)
	}

	points, err := a.GetTrends(context.Background(), "agent-1", store.Granularity1m, store.Range1h)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable from GetTrends, got %v", err)
	}
	if points != nil {
		t.Fatalf("expected nil trend points, got %v", points)
	}
}

func TestRangeSinceMsOrdersRangesDescending(t *testing.T) {
	h1 := rangeSinceMs(store.Range1h)
	h24 := rangeSinceMs(store.Range24h)
	d7 := rangeSinceMs(store.Range7d)
	d30 := rangeSinceMs(store.Range30d)

	if !(h1 > h24 && h24 > d7 && d7 > d30) {
		t.Fatalf("expected wider ranges to produce earlier cutoffs: 1h=%d 24h=%d 7d=%d 30d=%d", h1, h24, d7, d30)
	}
}
