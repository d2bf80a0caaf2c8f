package store

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// MemoryStore is an in-process map+mutex implementation of Store, used
// by tests and single-shard dev mode. Ported from FluxForge's
// control_plane/store/memory.go (same RWMutex-guarded map-of-copies
// shape, same "return nil, nil for not found" convention).
type MemoryStore struct {
	mu sync.RWMutex

	schedules   map[string]*Schedule
	byAgent     map[string]string // agentID -> scheduleID
	runs        map[string][]*Run // agentID -> runs, newest last
	states      map[string]*AgentState
	signals     map[string][]*Signal // scheduleID -> pending signals
	nextSignal  int64
	events      []*Event
	lastSeq     uint64
	epochs      map[string]int64
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		schedules: make(map[string]*Schedule),
		byAgent:   make(map[string]string),
		runs:      make(map[string][]*Run),
		states:    make(map[string]*AgentState),
		signals:   make(map[string][]*Signal),
		epochs:    make(map[string]int64),
	}
}

func (s *MemoryStore) Close() error { return nil }

// --- Schedule operations ---

func (s *MemoryStore) UpsertSchedule(ctx context.Context, sc *Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, ok := s.byAgent[sc.AgentID]; ok && existingID != sc.ID {
		// Exactly one schedule per agentId: replace, keep the existing id.
		sc.ID = existingID
	}
	cp := *sc
	s.schedules[cp.ID] = &cp
	s.byAgent[cp.AgentID] = cp.ID
	return nil
}

func (s *MemoryStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.schedules[id]
	if !ok {
		return nil, nil
	}
	cp := *sc
	return &cp, nil
}

func (s *MemoryStore) GetScheduleByAgent(ctx context.Context, agentID string) (*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byAgent[agentID]
	if !ok {
		return nil, nil
	}
	cp := *s.schedules[id]
	return &cp, nil
}

func (s *MemoryStore) DeleteSchedule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[id]
	if !ok {
		return nil
	}
	delete(s.schedules, id)
	delete(s.byAgent, sc.AgentID)
	return nil
}

func (s *MemoryStore) GetDueSchedules(ctx context.Context, nowMs int64, withinMs int64) ([]*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*Schedule
	horizon := nowMs + withinMs
	for _, sc := range s.schedules {
		if sc.State == ScheduleActive && sc.NextRunAt <= horizon {
			cp := *sc
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRunAt < due[j].NextRunAt })
	return due, nil
}

func (s *MemoryStore) AdvanceNextRunAt(ctx context.Context, scheduleID string, nextRunAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[scheduleID]
	if !ok {
		return errors.New("store: schedule not found")
	}
	sc.NextRunAt = nextRunAt
	return nil
}

func (s *MemoryStore) SetScheduleState(ctx context.Context, scheduleID string, state ScheduleState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[scheduleID]
	if !ok {
		return errors.New("store: schedule not found")
	}
	sc.State = state
	return nil
}

// --- Run + agent-state operations ---

func (s *MemoryStore) RecordRun(ctx context.Context, run *Run) (*AgentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *run
	s.runs[cp.AgentID] = append(s.runs[cp.AgentID], &cp)

	st, ok := s.states[cp.AgentID]
	if !ok {
		st = &AgentState{AgentID: cp.AgentID}
		s.states[cp.AgentID] = st
	}
	st.LastRunAt = cp.StartedAt
	st.LastResult = cp.Status
	st.LastMessage = cp.Message
	st.TotalRuns++
	if cp.Status == RunAlert {
		st.TotalAlerts++
	}
	if cp.Status == RunError {
		st.ConsecutiveFailures++
	} else {
		st.ConsecutiveFailures = 0
	}

	stCopy := *st
	return &stCopy, nil
}

func (s *MemoryStore) GetAgentState(ctx context.Context, agentID string) (*AgentState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[agentID]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, agentID string, limit int) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.runs[agentID]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	result := make([]*Run, limit)
	// newest first
	for i := 0; i < limit; i++ {
		cp := *all[len(all)-1-i]
		result[i] = &cp
	}
	return result, nil
}

// --- Signal operations ---

func (s *MemoryStore) EnqueueSignal(ctx context.Context, sig *Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSignal++
	cp := *sig
	cp.ID = s.nextSignal
	s.signals[cp.ScheduleID] = append(s.signals[cp.ScheduleID], &cp)
	return nil
}

func (s *MemoryStore) DrainSignals(ctx context.Context, scheduleID string) ([]*Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.signals[scheduleID]
	var unprocessed []*Signal
	for _, sig := range pending {
		if !sig.Processed {
			cp := *sig
			unprocessed = append(unprocessed, &cp)
		}
	}
	return unprocessed, nil
}

func (s *MemoryStore) MarkSignalProcessed(ctx context.Context, signalID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, list := range s.signals {
		for _, sig := range list {
			if sig.ID == signalID {
				sig.Processed = true
				return nil
			}
		}
	}
	return errors.New("store: signal not found")
}

// --- Event + analytics operations ---

func (s *MemoryStore) AppendEvent(ctx context.Context, evt *Event) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeq++
	evt.Sequence = s.lastSeq
	cp := *evt
	s.events = append(s.events, &cp)
	return s.lastSeq, nil
}

func (s *MemoryStore) GetEvents(ctx context.Context, filter EventFilter, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Event
	for i := len(s.events) - 1; i >= 0; i-- {
		evt := s.events[i]
		if filter.Matches(evt) {
			cp := *evt
			matched = append(matched, &cp)
			if limit > 0 && len(matched) >= limit {
				break
			}
		}
	}
	return matched, nil
}

func (s *MemoryStore) GetAnalytics(ctx context.Context, agentID string, rng AnalyticsRange) (*AnalyticsSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := s.runs[agentID]
	summary := &AnalyticsSummary{
		AgentID:        agentID,
		Range:          rng,
		CountsByStatus: make(map[RunStatus]int),
	}
	var durations []float64
	for _, r := range runs {
		summary.CountsByStatus[r.Status]++
		if r.DurationMs > 0 {
			durations = append(durations, float64(r.DurationMs))
		}
	}
	summary.AvgDurationMs = average(durations)
	summary.P95DurationMs = percentile(durations, 0.95)
	return summary, nil
}

// GetTrends returns an empty (but non-nil) rollup set: the in-memory
// backend has no continuous-aggregate machinery, so it is used only
// in tests/dev where trend queries are not exercised against it.
func (s *MemoryStore) GetTrends(ctx context.Context, agentID string, granularity TrendGranularity, rng AnalyticsRange) ([]*TrendPoint, error) {
	return []*TrendPoint{}, nil
}

// --- Coordination ---

func (s *MemoryStore) IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epochs[resourceID]++
	return s.epochs[resourceID], nil
}

func (s *MemoryStore) GetDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epochs[resourceID], nil
}

func average(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func percentile(xs []float64, p float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}
