package store

import (
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	s, err := NewRedisStore(t.Context(), mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("new redis store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRedisStoreAppendEventAssignsMonotonicSequence(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := t.Context()

	var last uint64
	for i := 0; i < 50; i++ {
		seq, err := s.AppendEvent(ctx, &Event{ID: strconv.Itoa(i), Type: "heartbeat", Source: "agent-1"})
		if err != nil {
			t.Fatalf("append event: %v", err)
		}
		if seq <= last {
			t.Fatalf("expected strictly increasing sequence, got %d after %d", seq, last)
		}
		last = seq
	}
}

func TestRedisStoreUpsertScheduleEnforcesOnePerAgent(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := t.Context()

	if err := s.UpsertSchedule(ctx, &Schedule{ID: "sched-1", AgentID: "agent-1", IntervalMs: 1000, State: ScheduleActive, NextRunAt: 5000}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.UpsertSchedule(ctx, &Schedule{ID: "sched-2", AgentID: "agent-1", IntervalMs: 2000, State: ScheduleActive, NextRunAt: 6000}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	sc, err := s.GetScheduleByAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sc.ID != "sched-1" || sc.IntervalMs != 2000 {
		t.Fatalf("expected reuse of existing schedule id, got %+v", sc)
	}
}

func TestRedisStoreGetDueSchedulesRespectsHorizon(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := t.Context()

	s.UpsertSchedule(ctx, &Schedule{ID: "a", AgentID: "agent-a", State: ScheduleActive, NextRunAt: 1000})
	s.UpsertSchedule(ctx, &Schedule{ID: "b", AgentID: "agent-b", State: ScheduleActive, NextRunAt: 100000})

	due, err := s.GetDueSchedules(ctx, 0, 5000)
	if err != nil {
		t.Fatalf("get due: %v", err)
	}
	if len(due) != 1 || due[0].ID != "a" {
		t.Fatalf("expected only schedule a within horizon, got %+v", due)
	}
}

func TestRedisStoreRecordRunAccumulatesConsecutiveFailures(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := t.Context()

	for i := 0; i < 2; i++ {
		st, err := s.RecordRun(ctx, &Run{AgentID: "agent-1", Status: RunError, StartedAt: int64(i), Message: "boom"})
		if err != nil {
			t.Fatalf("record run: %v", err)
		}
		if st.ConsecutiveFailures != i+1 {
			t.Fatalf("expected consecutiveFailures=%d, got %d", i+1, st.ConsecutiveFailures)
		}
	}

	st, err := s.RecordRun(ctx, &Run{AgentID: "agent-1", Status: RunOK, StartedAt: 5})
	if err != nil {
		t.Fatalf("record run: %v", err)
	}
	if st.ConsecutiveFailures != 0 {
		t.Fatalf("expected reset to 0, got %d", st.ConsecutiveFailures)
	}

	runs, err := s.ListRuns(ctx, "agent-1", 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs recorded, got %d", len(runs))
	}
}

func TestRedisStoreLeaseRenewalRequiresOwnership(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := t.Context()

	ok, err := s.AcquireLease(ctx, "meshd:leader:shard-0", "node-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected lease acquisition to succeed, ok=%v err=%v", ok, err)
	}

	renewed, err := s.RenewLease(ctx, "meshd:leader:shard-0", "node-b", time.Minute)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if renewed {
		t.Fatal("expected renewal by non-owner to fail")
	}

	renewed, err = s.RenewLease(ctx, "meshd:leader:shard-0", "node-a", time.Minute)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if !renewed {
		t.Fatal("expected renewal by owner to succeed")
	}
}
