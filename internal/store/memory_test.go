package store

import (
	"strconv"
	"testing"
)

func TestMemoryStoreSequenceAssignmentIsMonotonic(t *testing.T) {
	s := NewMemoryStore()
	seen := make(map[uint64]bool)
	for i := 0; i < 100; i++ {
		seq, err := s.AppendEvent(t.Context(), &Event{ID: strconv.Itoa(i), Type: "heartbeat", Source: "agent-1"})
		if err != nil {
			t.Fatalf("append event: %v", err)
		}
		if seen[seq] {
			t.Fatalf("duplicate sequence %d", seq)
		}
		seen[seq] = true
	}
	if len(seen) != 100 {
		t.Fatalf("expected 100 distinct sequences, got %d", len(seen))
	}
}

func TestMemoryStoreRecordRunTracksConsecutiveFailures(t *testing.T) {
	s := NewMemoryStore()
	ctx := t.Context()

	for i := 0; i < 3; i++ {
		st, err := s.RecordRun(ctx, &Run{AgentID: "agent-1", Status: RunError, StartedAt: int64(i)})
		if err != nil {
			t.Fatalf("record run: %v", err)
		}
		if st.ConsecutiveFailures != i+1 {
			t.Fatalf("expected consecutiveFailures=%d, got %d", i+1, st.ConsecutiveFailures)
		}
	}

	st, err := s.RecordRun(ctx, &Run{AgentID: "agent-1", Status: RunOK, StartedAt: 10})
	if err != nil {
		t.Fatalf("record run: %v", err)
	}
	if st.ConsecutiveFailures != 0 {
		t.Fatalf("expected consecutiveFailures reset to 0 after ok run, got %d", st.ConsecutiveFailures)
	}
	if st.TotalRuns != 4 {
		t.Fatalf("expected totalRuns=4, got %d", st.TotalRuns)
	}
}

func TestMemoryStoreExactlyOneSchedulePerAgent(t *testing.T) {
	s := NewMemoryStore()
	ctx := t.Context()

	if err := s.UpsertSchedule(ctx, &Schedule{ID: "sched-1", AgentID: "agent-1", IntervalMs: 1000, State: ScheduleActive}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.UpsertSchedule(ctx, &Schedule{ID: "sched-2", AgentID: "agent-1", IntervalMs: 2000, State: ScheduleActive}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	sc, err := s.GetScheduleByAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sc.ID != "sched-1" || sc.IntervalMs != 2000 {
		t.Fatalf("expected upsert to reuse existing schedule id with new fields, got %+v", sc)
	}
}

func TestMemoryStoreGetDueSchedulesOnlyReturnsActive(t *testing.T) {
	s := NewMemoryStore()
	ctx := t.Context()

	s.UpsertSchedule(ctx, &Schedule{ID: "a", AgentID: "agent-a", State: ScheduleActive, NextRunAt: 1000})
	s.UpsertSchedule(ctx, &Schedule{ID: "b", AgentID: "agent-b", State: SchedulePaused, NextRunAt: 1000})
	s.UpsertSchedule(ctx, &Schedule{ID: "c", AgentID: "agent-c", State: ScheduleActive, NextRunAt: 50000})

	due, err := s.GetDueSchedules(ctx, 0, 2000)
	if err != nil {
		t.Fatalf("get due: %v", err)
	}
	if len(due) != 1 || due[0].ID != "a" {
		t.Fatalf("expected only schedule a due, got %+v", due)
	}
}

func TestMemoryStoreEventFilterConjunction(t *testing.T) {
	s := NewMemoryStore()
	ctx := t.Context()

	s.AppendEvent(ctx, &Event{ID: "1", Type: "heartbeat", Source: "agent-1", Timestamp: 100})
	s.AppendEvent(ctx, &Event{ID: "2", Type: "alert", Source: "agent-1", Timestamp: 200})
	s.AppendEvent(ctx, &Event{ID: "3", Type: "heartbeat", Source: "agent-2", Timestamp: 300})

	got, err := s.GetEvents(ctx, EventFilter{Type: "heartbeat", Source: "agent-1"}, 10)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(got) != 1 || got[0].ID != "1" {
		t.Fatalf("expected exactly event 1, got %+v", got)
	}
}
