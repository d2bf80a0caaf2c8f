package coordination

import (
	"context"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/agentmesh/meshd/internal/observability"
	"github.com/agentmesh/meshd/internal/store"
)

func TestAgentMonitorFlagsStaleAgent(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Now().UnixMilli()

	if err := st.UpsertSchedule(context.Background(), &store.Schedule{
		ID:         "sched-1",
		AgentID:    "agent-1",
		IntervalMs: 1000,
		Visibility: "public",
		State:      store.ScheduleActive,
		NextRunAt:  now + 1000,
	}); err != nil {
		t.Fatalf("upsert schedule: %v", err)
	}

	if _, err := st.RecordRun(context.Background(), &store.Run{
		ID:          "run-1",
		ScheduleID:  "sched-1",
		AgentID:     "agent-1",
		StartedAt:   now - 10*1000,
		CompletedAt: now - 10*1000,
		Status:      store.RunOK,
	}); err != nil {
		t.Fatalf("record run: %v", err)
	}

	m := NewAgentMonitor(testLogger(), st, 10*time.Millisecond)
	m.checkLiveness(context.Background())

	var metric dto.Metric
	if err := observability.StaleAgents.Write(&metric); err != nil {
		t.Fatalf("read stale agents gauge: %v", err)
	}
	if got := metric.GetGauge().GetValue(); got != 1 {
		t.Fatalf("expected 1 stale agent flagged, got %v", got)
	}
}

func TestAgentMonitorSkipsAgentThatNeverRan(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Now().UnixMilli()

	if err := st.UpsertSchedule(context.Background(), &store.Schedule{
		ID:         "sched-2",
		AgentID:    "agent-2",
		IntervalMs: 1000,
		Visibility: "public",
		State:      store.ScheduleActive,
		NextRunAt:  now,
	}); err != nil {
		t.Fatalf("upsert schedule: %v", err)
	}

	m := NewAgentMonitor(testLogger(), st, 10*time.Millisecond)
	m.checkLiveness(context.Background()) // must not panic on a never-run agent
}
