package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentmesh/meshd/internal/bus"
	"github.com/agentmesh/meshd/internal/resilience"
	"github.com/agentmesh/meshd/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HydrationInterval = 20 * time.Millisecond
	cfg.ImminentWindow = time.Hour
	cfg.CoalesceWindow = 10 * time.Millisecond
	cfg.InitialRetryDelay = 5 * time.Millisecond
	cfg.MaxRetryDelay = 20 * time.Millisecond
	cfg.RateLimit = 100
	cfg.RateBurst = 100
	cfg.WorkerConcurrency = 4
	return cfg
}

func seedSchedule(t *testing.T, st store.Store, agentID string, intervalMs int64) *store.Schedule {
	t.Helper()
	sc := &store.Schedule{
		ID:         "sched-" + agentID,
		AgentID:    agentID,
		IntervalMs: intervalMs,
		Visibility: "public",
		State:      store.ScheduleActive,
		NextRunAt:  time.Now().UnixMilli(),
	}
	if err := st.UpsertSchedule(context.Background(), sc); err != nil {
		t.Fatalf("seed schedule: %v", err)
	}
	return sc
}

func TestSchedulerFiresDueScheduleAndAdvancesNextRunAt(t *testing.T) {
	st := store.NewMemoryStore()
	sc := seedSchedule(t, st, "agent-1", 50)

	var calls int32
	callback := func(ctx context.Context, agentID string) (AgentResult, error) {
		atomic.AddInt32(&calls, 1)
		return AgentResult{Status: store.RunOK}, nil
	}

	s := New(testLogger(), st, nil, callback, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	go s.Run(ctx)

	deadline := time.After(250 * time.Millisecond)
	for atomic.LoadInt32(&calls) == 0 {
		select {
		case <-deadline:
			t.Fatal("expected at least one heartbeat run to fire")
		case <-time.After(10 * time.Millisecond):
		}
	}

	updated, err := st.GetSchedule(context.Background(), sc.ID)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if updated.NextRunAt <= sc.NextRunAt {
		t.Fatalf("expected nextRunAt to advance, got %d (was %d)", updated.NextRunAt, sc.NextRunAt)
	}
}

func TestSchedulerCoalescesRapidRefires(t *testing.T) {
	st := store.NewMemoryStore()
	seedSchedule(t, st, "agent-2", 1) // fires essentially every tick

	cfg := testConfig()
	cfg.CoalesceWindow = time.Hour // never let a second run through

	var calls int32
	callback := func(ctx context.Context, agentID string) (AgentResult, error) {
		atomic.AddInt32(&calls, 1)
		return AgentResult{Status: store.RunOK}, nil
	}

	s := New(testLogger(), st, nil, callback, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go s.Run(ctx)

	time.Sleep(150 * time.Millisecond)
	if atomic.LoadInt32(&calls) > 1 {
		t.Fatalf("expected coalesce window to suppress refires, got %d calls", calls)
	}
}

func TestSchedulerPauseSignalStopsFiring(t *testing.T) {
	st := store.NewMemoryStore()
	sc := seedSchedule(t, st, "agent-3", 20)
	if err := st.EnqueueSignal(context.Background(), &store.Signal{ScheduleID: sc.ID, Kind: store.SignalPause, Timestamp: time.Now().UnixMilli()}); err != nil {
		t.Fatalf("enqueue pause signal: %v", err)
	}

	var calls int32
	callback := func(ctx context.Context, agentID string) (AgentResult, error) {
		atomic.AddInt32(&calls, 1)
		return AgentResult{Status: store.RunOK}, nil
	}

	s := New(testLogger(), st, nil, callback, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	go s.Run(ctx)

	time.Sleep(120 * time.Millisecond)

	updated, err := st.GetSchedule(context.Background(), sc.ID)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if updated.State != store.SchedulePaused {
		t.Fatalf("expected schedule to be paused, got %s", updated.State)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("expected paused schedule never to fire, got %d calls", calls)
	}
}

func TestSchedulerRetriesOnFailureThenDeadLetters(t *testing.T) {
	st := store.NewMemoryStore()
	seedSchedule(t, st, "agent-4", 10)

	cfg := testConfig()
	cfg.MaxRetries = 1
	cfg.InitialRetryDelay = 5 * time.Millisecond
	cfg.MaxRetryDelay = 10 * time.Millisecond

	callback := func(ctx context.Context, agentID string) (AgentResult, error) {
		return AgentResult{}, context.DeadlineExceeded
	}

	b := bus.NewLogBus(testLogger())
	deadLettered := make(chan struct{}, 1)
	if _, err := b.Subscribe(context.Background(), bus.DeadLetterTopic, "test-group", func(ctx context.Context, msg bus.Message) error {
		select {
		case deadLettered <- struct{}{}:
		default:
		}
		return nil
	}); err != nil {
		t.Fatalf("subscribe dead letter: %v", err)
	}

	s := New(testLogger(), st, b, callback, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	go s.Run(ctx)

	select {
	case <-deadLettered:
	case <-time.After(450 * time.Millisecond):
		t.Fatal("expected exhausted retries to reach the dead-letter topic")
	}
}

// failingRecordRunStore wraps MemoryStore to force every RecordRun
// call to fail, so recordRunWithRetry always exhausts its attempts.
type failingRecordRunStore struct {
	*store.MemoryStore
}

func (f *failingRecordRunStore) RecordRun(ctx context.Context, run *store.Run) (*store.AgentState, error) {
	return nil, context.DeadlineExceeded
}

func TestSchedulerDegradedModeCapturesLostRunOutcome(t *testing.T) {
	st := &failingRecordRunStore{MemoryStore: store.NewMemoryStore()}
	seedSchedule(t, st, "agent-degraded", 10)

	cfg := testConfig()
	cfg.MaxRetries = 1
	cfg.InitialRetryDelay = 5 * time.Millisecond
	cfg.MaxRetryDelay = 10 * time.Millisecond

	callback := func(ctx context.Context, agentID string) (AgentResult, error) {
		return AgentResult{Status: store.RunOK}, nil
	}

	s := New(testLogger(), st, nil, callback, cfg)
	degraded := resilience.NewDegradedMode(testLogger(), 100)
	s.SetDegradedMode(degraded, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	go s.Run(ctx)

	deadline := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(deadline) {
		if degraded.PendingWriteCount() > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected a lost run outcome to be captured in degraded mode")
}

func TestSchedulerCoalesceSkipRecordsSkippedRun(t *testing.T) {
	st := store.NewMemoryStore()
	sc := seedSchedule(t, st, "agent-skip", 1)
	if _, err := st.RecordRun(context.Background(), &store.Run{ScheduleID: sc.ID, AgentID: sc.AgentID, Status: store.RunOK, StartedAt: time.Now().UnixMilli(), CompletedAt: time.Now().UnixMilli()}); err != nil {
		t.Fatalf("seed prior run: %v", err)
	}

	cfg := testConfig()
	cfg.CoalesceWindow = time.Hour

	callback := func(ctx context.Context, agentID string) (AgentResult, error) {
		t.Fatal("callback should not run while coalesce window suppresses firing")
		return AgentResult{}, nil
	}

	s := New(testLogger(), st, nil, callback, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	go s.Run(ctx)

	deadline := time.Now().Add(120 * time.Millisecond)
	for time.Now().Before(deadline) {
		runs, err := st.ListRuns(context.Background(), sc.AgentID, 10)
		if err != nil {
			t.Fatalf("list runs: %v", err)
		}
		for _, r := range runs {
			if r.Status == store.RunSkipped {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected a coalesce-skipped run to be recorded with status skipped")
}

func TestSchedulerAbortCancelsInFlightRun(t *testing.T) {
	st := store.NewMemoryStore()
	sc := seedSchedule(t, st, "agent-5", 10)

	started := make(chan struct{}, 1)
	callback := func(ctx context.Context, agentID string) (AgentResult, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return AgentResult{}, ctx.Err()
	}

	s := New(testLogger(), st, nil, callback, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	go s.Run(ctx)

	select {
	case <-started:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected a run to start")
	}

	if !s.Abort(sc.ID) {
		t.Fatal("expected Abort to find an in-flight run")
	}
}
