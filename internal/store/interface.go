package store

import "context"

// Store is the durable state store abstraction spec.md §4.2 requires:
// schedule CRUD, run append, state upsert, signal enqueue/drain,
// due-schedule query, and event append + analytics query. Generalized
// from FluxForge's control_plane/store.Store interface
// (control_plane/store/interface.go).
type Store interface {
	// Schedule operations.
	UpsertSchedule(ctx context.Context, s *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	GetScheduleByAgent(ctx context.Context, agentID string) (*Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error
	// GetDueSchedules returns active schedules with nextRunAt <= now+withinMs.
	GetDueSchedules(ctx context.Context, nowMs int64, withinMs int64) ([]*Schedule, error)
	// AdvanceNextRunAt is the scheduler's exclusive mutator of nextRunAt.
	AdvanceNextRunAt(ctx context.Context, scheduleID string, nextRunAt int64) error
	SetScheduleState(ctx context.Context, scheduleID string, state ScheduleState) error

	// Run + agent-state operations. RecordRun atomically writes the run
	// row and the updated agent-state row in one short transaction.
	RecordRun(ctx context.Context, run *Run) (*AgentState, error)
	GetAgentState(ctx context.Context, agentID string) (*AgentState, error)
	ListRuns(ctx context.Context, agentID string, limit int) ([]*Run, error)

	// Signal operations: append-only queue, drained by the scheduler.
	EnqueueSignal(ctx context.Context, sig *Signal) error
	DrainSignals(ctx context.Context, scheduleID string) ([]*Signal, error)
	MarkSignalProcessed(ctx context.Context, signalID int64) error

	// Event append + analytics query.
	AppendEvent(ctx context.Context, evt *Event) (uint64, error)
	GetEvents(ctx context.Context, filter EventFilter, limit int) ([]*Event, error)
	GetAnalytics(ctx context.Context, agentID string, rng AnalyticsRange) (*AnalyticsSummary, error)
	GetTrends(ctx context.Context, agentID string, granularity TrendGranularity, rng AnalyticsRange) ([]*TrendPoint, error)

	// Coordination: durable fencing epoch for leader election.
	IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error)
	GetDurableEpoch(ctx context.Context, resourceID string) (int64, error)

	Close() error
}

// EventFilter is the conjunction queryHistory/GetEvents filters on:
// type (or types), source, target.
type EventFilter struct {
	Type       string
	Types      []string
	Source     string
	Target     string
	FromMs     int64
	ToMs       int64
}

// Matches reports whether evt satisfies the filter conjunction.
func (f EventFilter) Matches(evt *Event) bool {
	if f.Type != "" && evt.Type != f.Type {
		return false
	}
	if len(f.Types) > 0 && !containsString(f.Types, evt.Type) {
		return false
	}
	if f.Source != "" && evt.Source != f.Source {
		return false
	}
	if f.Target != "" && evt.Target != f.Target {
		return false
	}
	if f.FromMs > 0 && evt.Timestamp < f.FromMs {
		return false
	}
	if f.ToMs > 0 && evt.Timestamp > f.ToMs {
		return false
	}
	return true
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
