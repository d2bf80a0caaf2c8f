// Package store is the durable state store: schedule CRUD, run append,
// agent-state upsert, signal enqueue/drain, due-schedule query, and
// event append/analytics query, behind one Store interface satisfied
// by Postgres, Redis, and in-memory adapters.
//
// Types generalize FluxForge's control_plane/store/types.go (Agent,
// Job, DesiredState) onto this domain's Schedule/Run/AgentState/Signal/
// Event entities from spec.md §3.
package store

import (
	"strconv"
	"time"
)

// ScheduleState is the lifecycle state of a Schedule.
type ScheduleState string

const (
	ScheduleActive   ScheduleState = "active"
	SchedulePaused   ScheduleState = "paused"
	ScheduleDisabled ScheduleState = "disabled"
)

// RunStatus is the terminal (or pending) outcome of a Run.
type RunStatus string

const (
	RunOK        RunStatus = "ok"
	RunOKEmpty   RunStatus = "ok-empty"
	RunOKToken   RunStatus = "ok-token"
	RunAlert     RunStatus = "alert"
	RunSkipped   RunStatus = "skipped"
	RunError     RunStatus = "error"
	RunPending   RunStatus = "pending"
)

// SignalKind is the type of control signal enqueued against a schedule.
type SignalKind string

const (
	SignalPause   SignalKind = "pause"
	SignalResume  SignalKind = "resume"
	SignalRunNow  SignalKind = "runNow"
)

// ActiveHours gates heartbeat firing to a local daily window.
type ActiveHours struct {
	StartMinute int    `json:"startMinute" db:"start_minute"` // minutes since local midnight
	EndMinute   int    `json:"endMinute" db:"end_minute"`
	TZ          string `json:"tz" db:"tz"` // IANA timezone name
}

// Contains reports whether instant t falls inside the active-hours
// window, interpreted in the configured timezone.
func (a ActiveHours) Contains(t time.Time) bool {
	loc, err := loadLocation(a.TZ)
	if err != nil {
		loc = time.UTC
	}
	local := t.In(loc)
	minute := local.Hour()*60 + local.Minute()
	if a.StartMinute <= a.EndMinute {
		return minute >= a.StartMinute && minute < a.EndMinute
	}
	// Window wraps midnight, e.g. 22:00-06:00.
	return minute >= a.StartMinute || minute < a.EndMinute
}

// Schedule is the desired heartbeat configuration for one agent.
// Invariant: exactly one Schedule per AgentID.
type Schedule struct {
	ID          string        `json:"id" db:"id"`
	AgentID     string        `json:"agentId" db:"agent_id"`
	IntervalMs  int64         `json:"intervalMs" db:"interval_ms"`
	ActiveHours *ActiveHours  `json:"activeHours,omitempty" db:"active_hours"`
	Visibility  string        `json:"visibility" db:"visibility"`
	State       ScheduleState `json:"state" db:"state"`
	NextRunAt   int64         `json:"nextRunAt" db:"next_run_at"` // ms since epoch
	CreatedAt   int64         `json:"createdAt" db:"created_at"`
	UpdatedAt   int64         `json:"updatedAt" db:"updated_at"`
}

// Run is an append-only record of one heartbeat execution attempt.
type Run struct {
	ID          string    `json:"id" db:"id"`
	ScheduleID  string    `json:"scheduleId" db:"schedule_id"`
	AgentID     string    `json:"agentId" db:"agent_id"`
	Status      RunStatus `json:"status" db:"status"`
	StartedAt   int64     `json:"startedAt" db:"started_at"`
	CompletedAt int64     `json:"completedAt,omitempty" db:"completed_at"`
	DurationMs  int64     `json:"durationMs,omitempty" db:"duration_ms"`
	Message     string    `json:"message,omitempty" db:"message"`
	Channel     string    `json:"channel,omitempty" db:"channel"`
	To          string    `json:"to,omitempty" db:"to"`
	AccountID   string    `json:"accountId,omitempty" db:"account_id"`
	Error       string    `json:"error,omitempty" db:"error"`
	RetryCount  int       `json:"retryCount" db:"retry_count"`
}

// AgentState is the single current-state row per agent, mutated only
// through RecordRun.
type AgentState struct {
	AgentID             string    `json:"agentId" db:"agent_id"`
	LastRunAt           int64     `json:"lastRunAt" db:"last_run_at"`
	NextRunAt           int64     `json:"nextRunAt" db:"next_run_at"`
	LastResult          RunStatus `json:"lastResult" db:"last_result"`
	LastMessage         string    `json:"lastMessage,omitempty" db:"last_message"`
	ConsecutiveFailures int       `json:"consecutiveFailures" db:"consecutive_failures"`
	TotalRuns           int64     `json:"totalRuns" db:"total_runs"`
	TotalAlerts         int64     `json:"totalAlerts" db:"total_alerts"`
}

// Signal is an append-only control instruction targeting a schedule.
type Signal struct {
	ID         int64      `json:"id" db:"id"`
	ScheduleID string     `json:"scheduleId" db:"schedule_id"`
	Kind       SignalKind `json:"kind" db:"kind"`
	Reason     string     `json:"reason,omitempty" db:"reason"`
	Timestamp  int64      `json:"timestamp" db:"timestamp"`
	Processed  bool       `json:"processed" db:"processed"`
}

// Event is a published, sequenced mesh event.
type Event struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Source    string            `json:"source"`
	Target    string            `json:"target,omitempty"`
	Timestamp int64             `json:"timestamp"`
	Data      []byte            `json:"data"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Sequence  uint64            `json:"sequence,omitempty"`
}

// EventRecord is the stored form of an Event, with the time-sharding
// partition key spec.md §3 derives from (type, timestamp).
type EventRecord struct {
	Event
	PartitionKey string `json:"partitionKey"`
}

// PartitionKeyFor derives the partition key spec.md §3 requires: a
// coarse (type, timestamp-bucket) pair good enough for time-sharded
// storage without needing the full timestamp.
func PartitionKeyFor(eventType string, timestampMs int64) string {
	bucket := timestampMs / (60 * 60 * 1000) // hourly bucket
	return eventType + ":" + strconv.FormatInt(bucket, 10)
}

// AnalyticsRange is the requested window for getAnalytics/getTrends.
type AnalyticsRange string

const (
	Range1h  AnalyticsRange = "1h"
	Range24h AnalyticsRange = "24h"
	Range7d  AnalyticsRange = "7d"
	Range30d AnalyticsRange = "30d"
)

// AnalyticsSummary is the aggregate response for getAnalytics.
type AnalyticsSummary struct {
	AgentID        string             `json:"agentId"`
	Range          AnalyticsRange     `json:"range"`
	CountsByStatus map[RunStatus]int  `json:"countsByStatus"`
	AvgDurationMs  float64            `json:"avgDurationMs"`
	P95DurationMs  float64            `json:"p95DurationMs"`
}

// TrendGranularity selects which continuous aggregate getTrends reads.
type TrendGranularity string

const (
	Granularity1m TrendGranularity = "1m"
	Granularity1h TrendGranularity = "1h"
)

// TrendPoint is one bucket of the continuous 1m/1h rollup.
type TrendPoint struct {
	BucketStart    int64   `json:"bucketStart"`
	Type           string  `json:"type"`
	Source         string  `json:"source"`
	Count          int64   `json:"count"`
	UniqueTargets  int64   `json:"uniqueTargets"`
	MaxSequence    uint64  `json:"maxSequence"`
	AvgLagSeconds  float64 `json:"avgLagSeconds"`
}

