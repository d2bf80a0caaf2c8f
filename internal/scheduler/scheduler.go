package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/agentmesh/meshd/internal/bus"
	"github.com/agentmesh/meshd/internal/ids"
	"github.com/agentmesh/meshd/internal/observability"
	"github.com/agentmesh/meshd/internal/resilience"
	"github.com/agentmesh/meshd/internal/store"
	"github.com/agentmesh/meshd/internal/wheel"
)

// AgentResult is what the agent callback reports back for one run.
type AgentResult struct {
	Status    store.RunStatus
	Message   string
	Channel   string
	To        string
	AccountID string
}

// AgentCallback is the work a heartbeat run actually performs.
type AgentCallback func(ctx context.Context, agentID string) (AgentResult, error)

// Scheduler is the per-shard heartbeat scheduler: spec.md §4.3's
// hydrate/fire/coalesce/active-hours/retry loop, built from
// FluxForge's scheduler machinery (rate limiter, circuit breaker,
// SchedulingDecision logging) generalized onto the wheel/store/bus
// this domain uses instead of the teacher's priority-heap queue.
type Scheduler struct {
	log      *slog.Logger
	st       store.Store
	wheel    *wheel.Wheel
	bus      bus.Bus // optional; nil degrades dead-letter emission to a log line
	callback AgentCallback
	cfg      Config

	limiter *RateLimiter
	breaker *CircuitBreaker
	sem     chan struct{}

	mu            sync.Mutex
	aborts        map[string]context.CancelFunc
	running       bool
	retryAttempts map[string]int

	degraded        *resilience.DegradedMode
	versionedWriter resilience.VersionedWriter
}

// New builds a Scheduler. callback is invoked to actually run an
// agent's heartbeat; bus may be nil.
func New(logger *slog.Logger, st store.Store, b bus.Bus, callback AgentCallback, cfg Config) *Scheduler {
	return &Scheduler{
		log:           logger,
		st:            st,
		wheel:         wheel.New(time.Now()),
		bus:           b,
		callback:      callback,
		cfg:           cfg,
		limiter:       NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		breaker:       NewCircuitBreaker(cfg.CircuitBreakerThreshold),
		sem:           make(chan struct{}, cfg.WorkerConcurrency),
		aborts:        make(map[string]context.CancelFunc),
		retryAttempts: make(map[string]int),
	}
}

// Run drives the hydration loop and the wheel-advance loop until ctx
// is cancelled. Intended to run only while this shard holds leadership
// (the caller typically wires this to a coordination.LeaderElector's
// onElected/onLost callbacks).
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.hydrate(ctx) // initial fill so leadership doesn't wait a full interval

	hydrateTicker := time.NewTicker(s.cfg.HydrationInterval)
	defer hydrateTicker.Stop()
	// L0's 50ms tick is the finest resolution the wheel can represent;
	// advancing at that cadence keeps sub-second entries accurate.
	wheelTicker := time.NewTicker(50 * time.Millisecond)
	defer wheelTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-hydrateTicker.C:
			s.hydrate(ctx)
		case <-wheelTicker.C:
			for _, entry := range s.wheel.Advance(time.Now()) {
				sc, _ := entry.Payload.(*store.Schedule)
				if sc == nil {
					continue
				}
				go s.fire(ctx, sc)
			}
		}
	}
}

// SetDegradedMode wires a resilience.DegradedMode buffer behind
// recordRunWithRetry's exhausted-retries path, so a run outcome that
// can't be durably written after MaxRetries attempts is queued for
// replay instead of silently dropped. writer enables reconciliation
// once the store recovers; it is only available against store.RedisStore
// (the only backend implementing GetVersioned/SetVersioned), so
// degraded-mode capture without reconciliation is still useful audit
// trail in the Postgres/memory profiles.
func (s *Scheduler) SetDegradedMode(d *resilience.DegradedMode, writer resilience.VersionedWriter) {
	s.degraded = d
	s.versionedWriter = writer
}

// IsRunning reports whether Run's loop is currently active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Abort cancels the in-flight run for scheduleID, if any.
func (s *Scheduler) Abort(scheduleID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.aborts[scheduleID]
	if ok {
		cancel()
	}
	return ok
}

func (s *Scheduler) hydrate(ctx context.Context) {
	if !s.breaker.Allow() {
		s.log.Warn("scheduler: hydration skipped, circuit open")
		return
	}

	now := time.Now().UnixMilli()
	schedules, err := s.st.GetDueSchedules(ctx, now, s.cfg.ImminentWindow.Milliseconds())
	if err != nil {
		s.breaker.RecordFailure()
		s.log.Error("scheduler: hydration failed", "error", err)
		return
	}
	s.breaker.RecordSuccess()

	for _, sc := range schedules {
		s.wheel.Schedule(sc.ID, time.UnixMilli(sc.NextRunAt), sc)
	}
	s.logDecision(SchedulingDecision{Component: "scheduler", Decision: DecisionHydrate, Reason: "due schedules loaded"})
}

// fire runs when a wheel entry matures: drain signals, apply the
// coalesce and active-hours gates, then dispatch.
func (s *Scheduler) fire(ctx context.Context, sc *store.Schedule) {
	bypassCoalesce, bypassActiveHours, paused := s.drainSignals(ctx, sc)
	if paused {
		return
	}

	now := time.Now()

	if !bypassCoalesce {
		state, err := s.st.GetAgentState(ctx, sc.AgentID)
		if err == nil && state != nil && state.LastRunAt > 0 {
			elapsed := now.Sub(time.UnixMilli(state.LastRunAt))
			if elapsed < s.cfg.CoalesceWindow {
				s.skipAndAdvance(ctx, sc, DecisionCoalesceSkip, "within coalesce window")
				return
			}
		}
	}

	if !bypassActiveHours && sc.ActiveHours != nil && !sc.ActiveHours.Contains(now) {
		s.skipAndAdvance(ctx, sc, DecisionActiveHoursSkip, "outside active hours")
		return
	}

	if ok, delay := s.limiter.Reserve("global"); !ok {
		s.wheel.Schedule(sc.ID, now.Add(delay), sc)
		return
	}

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	go s.dispatch(ctx, sc)
}

func (s *Scheduler) drainSignals(ctx context.Context, sc *store.Schedule) (bypassCoalesce, bypassActiveHours, paused bool) {
	signals, err := s.st.DrainSignals(ctx, sc.ID)
	if err != nil {
		s.log.Error("scheduler: drain signals failed", "scheduleId", sc.ID, "error", err)
		return false, false, false
	}

	for _, sig := range signals {
		switch sig.Kind {
		case store.SignalPause:
			if err := s.st.SetScheduleState(ctx, sc.ID, store.SchedulePaused); err != nil {
				s.log.Error("scheduler: pause failed", "scheduleId", sc.ID, "error", err)
			}
			s.logDecision(SchedulingDecision{Component: "scheduler", Decision: DecisionPause, ScheduleID: sc.ID, AgentID: sc.AgentID, Reason: sig.Reason})
			paused = true
		case store.SignalResume:
			nextRunAt := time.Now().Add(time.Duration(sc.IntervalMs) * time.Millisecond)
			if err := s.st.SetScheduleState(ctx, sc.ID, store.ScheduleActive); err != nil {
				s.log.Error("scheduler: resume failed", "scheduleId", sc.ID, "error", err)
			}
			if err := s.st.AdvanceNextRunAt(ctx, sc.ID, nextRunAt.UnixMilli()); err != nil {
				s.log.Error("scheduler: resume advance failed", "scheduleId", sc.ID, "error", err)
			}
			s.logDecision(SchedulingDecision{Component: "scheduler", Decision: DecisionResume, ScheduleID: sc.ID, AgentID: sc.AgentID})
			s.wheel.Schedule(sc.ID, nextRunAt, sc)
			paused = false
		case store.SignalRunNow:
			bypassCoalesce = true
			bypassActiveHours = true
		}
		if err := s.st.MarkSignalProcessed(ctx, sig.ID); err != nil {
			s.log.Error("scheduler: mark signal processed failed", "signalId", sig.ID, "error", err)
		}
	}
	return bypassCoalesce, bypassActiveHours, paused
}

// skipAndAdvance records a skipped attempt and advances nextRunAt by
// one interval without running the agent.
func (s *Scheduler) skipAndAdvance(ctx context.Context, sc *store.Schedule, decision string, reason string) {
	s.logDecision(SchedulingDecision{Component: "scheduler", Decision: decision, ScheduleID: sc.ID, AgentID: sc.AgentID, Reason: reason})

	now := time.Now().UnixMilli()
	run := &store.Run{
		ScheduleID:  sc.ID,
		AgentID:     sc.AgentID,
		StartedAt:   now,
		CompletedAt: now,
		Status:      store.RunSkipped,
		Message:     reason,
	}
	if id, err := ids.NewNow(); err == nil {
		run.ID = id.String()
	}
	s.recordRunWithRetry(ctx, run)

	next := time.Now().Add(time.Duration(sc.IntervalMs) * time.Millisecond)
	if err := s.st.AdvanceNextRunAt(ctx, sc.ID, next.UnixMilli()); err != nil {
		s.log.Error("scheduler: advance nextRunAt failed", "scheduleId", sc.ID, "error", err)
	}
	s.wheel.Schedule(sc.ID, next, sc)
}

// dispatch runs the agent callback under a per-run abort token, then
// records the outcome and decides the next fire time. attempt tracks
// the retry count across repeated dispatches of the same schedule.
func (s *Scheduler) dispatch(ctx context.Context, sc *store.Schedule) {
	defer func() { <-s.sem }()

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.aborts[sc.ID] = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.aborts, sc.ID)
		s.mu.Unlock()
	}()

	attempt := s.retryAttempt(sc)

	s.logDecision(SchedulingDecision{Component: "scheduler", Decision: DecisionDispatch, ScheduleID: sc.ID, AgentID: sc.AgentID, RetryCount: attempt})

	start := time.Now()
	result, callErr := s.runCallback(runCtx, sc)
	duration := time.Since(start)
	observability.RunDuration.Observe(duration.Seconds())

	run := &store.Run{
		ScheduleID:  sc.ID,
		AgentID:     sc.AgentID,
		StartedAt:   start.UnixMilli(),
		CompletedAt: time.Now().UnixMilli(),
		DurationMs:  duration.Milliseconds(),
		RetryCount:  attempt,
	}
	if id, err := ids.NewNow(); err == nil {
		run.ID = id.String()
	}

	if callErr != nil {
		run.Status = store.RunError
		run.Error = callErr.Error()
		s.recordRunWithRetry(ctx, run)
		s.handleFailure(ctx, sc, attempt)
		observability.RunOutcomes.WithLabelValues("failed").Inc()
		return
	}

	run.Status = result.Status
	run.Message = result.Message
	run.Channel = result.Channel
	run.To = result.To
	run.AccountID = result.AccountID
	s.recordRunWithRetry(ctx, run)
	s.clearRetryAttempt(sc.ID)

	next := time.UnixMilli(run.CompletedAt).Add(time.Duration(sc.IntervalMs) * time.Millisecond)
	if err := s.st.AdvanceNextRunAt(ctx, sc.ID, next.UnixMilli()); err != nil {
		s.log.Error("scheduler: advance nextRunAt failed", "scheduleId", sc.ID, "error", err)
	}
	s.wheel.Schedule(sc.ID, next, sc)
	observability.RunOutcomes.WithLabelValues("succeeded").Inc()
}

func (s *Scheduler) runCallback(ctx context.Context, sc *store.Schedule) (result AgentResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError{r}
		}
	}()
	if s.callback == nil {
		return AgentResult{Status: store.RunOKEmpty}, nil
	}
	return s.callback(ctx, sc.AgentID)
}

type panicError struct{ v any }

func (p panicError) Error() string { return "scheduler: agent callback panicked" }

// handleFailure applies the retry/backoff ladder or emits to the
// dead-letter topic once retries are exhausted.
func (s *Scheduler) handleFailure(ctx context.Context, sc *store.Schedule, attempt int) {
	observability.RunRetries.WithLabelValues(sc.AgentID).Inc()

	if attempt < s.cfg.MaxRetries {
		delay := backoffWithFullJitter(s.cfg.InitialRetryDelay, s.cfg.MaxRetryDelay, attempt)
		s.setRetryAttempt(sc.ID, attempt+1)
		s.logDecision(SchedulingDecision{Component: "scheduler", Decision: DecisionRetry, ScheduleID: sc.ID, AgentID: sc.AgentID, DelayMS: delay.Milliseconds(), RetryCount: attempt + 1})
		s.wheel.Schedule(sc.ID, time.Now().Add(delay), sc)
		return
	}

	s.logDecision(SchedulingDecision{Component: "scheduler", Decision: DecisionDeadLetter, ScheduleID: sc.ID, AgentID: sc.AgentID, RetryCount: attempt})
	s.emitDeadLetter(ctx, sc, attempt)
	s.clearRetryAttempt(sc.ID)
	observability.RunOutcomes.WithLabelValues("dead_lettered").Inc()

	next := time.Now().Add(time.Duration(sc.IntervalMs) * time.Millisecond)
	if err := s.st.AdvanceNextRunAt(ctx, sc.ID, next.UnixMilli()); err != nil {
		s.log.Error("scheduler: advance nextRunAt failed", "scheduleId", sc.ID, "error", err)
	}
	s.wheel.Schedule(sc.ID, next, sc)
}

func (s *Scheduler) emitDeadLetter(ctx context.Context, sc *store.Schedule, attempt int) {
	if s.bus == nil {
		s.log.Warn("scheduler: dead-lettering without a bus, logging only", "scheduleId", sc.ID, "agentId", sc.AgentID)
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"scheduleId": sc.ID,
		"agentId":    sc.AgentID,
		"attempts":   attempt,
		"failedAt":   time.Now().UnixMilli(),
	})
	headers := map[string]string{"event-type": "heartbeat.dead-letter", "source-agent": sc.AgentID}
	if err := s.bus.Publish(ctx, bus.DeadLetterTopic, sc.AgentID, payload, headers); err != nil {
		s.log.Error("scheduler: dead-letter publish failed", "scheduleId", sc.ID, "error", err)
	}
}

// recordRunWithRetry retries the store write itself with exponential
// backoff, giving up after MaxRetries retries: the run outcome is then
// queued in degraded mode when one is attached, and otherwise logged as
// lost. It also returns when ctx is cancelled. Callers re-arm the
// schedule's wheel entry after it returns, whatever the outcome, so the
// timer is never dropped.
func (s *Scheduler) recordRunWithRetry(ctx context.Context, run *store.Run) {
	delay := s.cfg.InitialRetryDelay
	for k := 0; ; k++ {
		if _, err := s.st.RecordRun(ctx, run); err == nil {
			if s.degraded != nil && s.versionedWriter != nil {
				if rerr := s.degraded.MarkStoreAvailableWithReconciliation(ctx, s.versionedWriter); rerr != nil {
					s.log.Warn("scheduler: reconciliation after store recovery reported issues", "error", rerr)
				}
			}
			return
		} else if k >= s.cfg.MaxRetries {
			if s.degraded != nil {
				s.degraded.MarkStoreUnavailable()
				payload, _ := json.Marshal(run)
				version := s.degraded.Enqueue(degradedRunKey(run), payload, 24*time.Hour)
				s.log.Warn("scheduler: recordRun exhausted retries, queued in degraded mode", "scheduleId", run.ScheduleID, "version", version, "error", err)
				return
			}
			s.log.Error("scheduler: recordRun exhausted retries, run outcome lost", "scheduleId", run.ScheduleID, "error", err)
			return
		} else {
			s.log.Warn("scheduler: recordRun failed, retrying", "scheduleId", run.ScheduleID, "attempt", k, "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > s.cfg.MaxRetryDelay {
			delay = s.cfg.MaxRetryDelay
		}
	}
}

// degradedRunKey names the versioned-write key a lost run outcome is
// buffered under, namespaced so it never collides with a schedule's own
// versioned keys.
func degradedRunKey(run *store.Run) string {
	return "meshd:degraded:run:" + run.ScheduleID
}

func (s *Scheduler) logDecision(d SchedulingDecision) {
	data, _ := json.Marshal(d)
	s.log.Info("scheduling decision", "decision", string(data))
	observability.SchedulerDecisions.WithLabelValues(d.Decision, d.Reason).Inc()
}

// retryAttempt/setRetryAttempt/clearRetryAttempt track the in-memory
// attempt counter for a schedule across repeated wheel fires of the
// same retry ladder; the durable Run.RetryCount is the audit record.
func (s *Scheduler) retryAttempt(sc *store.Schedule) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryAttempts[sc.ID]
}

func (s *Scheduler) setRetryAttempt(scheduleID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryAttempts[scheduleID] = n
}

func (s *Scheduler) clearRetryAttempt(scheduleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.retryAttempts, scheduleID)
}

// backoffWithFullJitter computes initial*2^attempt capped at max, then
// returns a uniformly random duration in [0, cap), the "full jitter"
// strategy spec.md §4.3 calls for.
func backoffWithFullJitter(initial, maxDelay time.Duration, attempt int) time.Duration {
	ceiling := initial
	for i := 0; i < attempt; i++ {
		ceiling *= 2
		if ceiling > maxDelay {
			ceiling = maxDelay
			break
		}
	}
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(ceiling)))
}
