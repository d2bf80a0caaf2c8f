// Package observability exposes the mesh's Prometheus metrics, ported
// from FluxForge's control_plane/observability/metrics.go and renamed
// from "flux_" to "meshd_" for the heartbeat-scheduler/event-mesh domain.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WheelSlotOccupancy tracks how many schedules sit in each wheel level.
	WheelSlotOccupancy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "meshd_wheel_slot_occupancy",
		Help: "Number of scheduled entries currently held at each timing-wheel level",
	}, []string{"level"})

	// WheelAdvanceDuration tracks how long a wheel tick takes to process.
	WheelAdvanceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "meshd_wheel_advance_duration_seconds",
		Help:    "Duration of a single timing-wheel advance/tick",
		Buckets: prometheus.DefBuckets,
	})

	// QueueDepth tracks the number of runs waiting for a worker.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meshd_queue_depth",
		Help: "Current number of heartbeat runs waiting in the worker queue",
	})

	// QueueOldestWaitSeconds tracks how long the oldest queued run has waited.
	QueueOldestWaitSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meshd_queue_oldest_wait_seconds",
		Help: "Age of the oldest run still waiting in the worker queue",
	})

	// SchedulerDecisions tracks dispatch decisions by type and reason.
	SchedulerDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshd_scheduler_decisions_total",
		Help: "Total number of scheduling decisions made",
	}, []string{"decision", "reason"})

	// SchedulerRejections tracks runs rejected by admission control.
	SchedulerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshd_scheduler_rejections_total",
		Help: "Runs rejected by scheduler admission control",
	}, []string{"reason"}) // circuit_open, not_leader, active_hours_closed, degraded_mode

	// CircuitState tracks circuit breaker state per agent.
	CircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "meshd_circuit_state",
		Help: "Circuit breaker state (0=closed, 1=half_open, 2=open)",
	}, []string{"agent_id"})

	// RunRetries tracks the total number of run retry attempts.
	RunRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshd_run_retries_total",
		Help: "Total number of heartbeat run retry attempts",
	}, []string{"agent_id"})

	// RunOutcomes tracks terminal run outcomes.
	RunOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshd_run_outcomes_total",
		Help: "Total number of heartbeat runs by terminal outcome",
	}, []string{"outcome"}) // succeeded, failed, dead_lettered, aborted

	// RunDuration tracks the wall-clock duration of a heartbeat run.
	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "meshd_run_duration_seconds",
		Help:    "Duration of a heartbeat run end to end",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	// LeaderEpoch tracks the current fencing epoch held by this shard's leader.
	LeaderEpoch = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "meshd_leader_epoch",
		Help: "Current fencing epoch of the shard leader",
	}, []string{"shard"})

	// LeaderTransitions tracks leadership acquisition/loss events.
	LeaderTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshd_leader_transitions_total",
		Help: "Total number of leadership transitions",
	}, []string{"shard", "event"})

	// DegradedMode tracks whether the store-degraded fallback path is active.
	DegradedMode = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meshd_degraded_mode",
		Help: "1 when the scheduler is operating in degraded (store-unavailable) mode",
	})

	// EventPublishFailures tracks failed bus publish attempts.
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshd_event_publish_failures_total",
		Help: "Failed event-bus publish attempts",
	}, []string{"topic", "reason"})

	// EventsPublished tracks successfully published events by topic.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshd_events_published_total",
		Help: "Total number of events successfully published",
	}, []string{"topic"})

	// EventsDeadLettered tracks events that exhausted bus-level retries.
	EventsDeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshd_events_dead_lettered_total",
		Help: "Total number of events routed to the dead-letter topic",
	}, []string{"topic"})

	// ConsumerLag tracks the difference between produced and committed offsets.
	ConsumerLag = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "meshd_consumer_lag",
		Help: "Approximate consumer-group lag per partition",
	}, []string{"topic", "partition"})

	// VersionedWriteSuccess tracks successful optimistic-concurrency writes.
	VersionedWriteSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshd_versioned_write_success_total",
		Help: "Total number of successful versioned store writes",
	})

	// VersionedWriteConflict tracks optimistic-concurrency conflicts.
	VersionedWriteConflict = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshd_versioned_write_conflict_total",
		Help: "Total number of version conflicts detected on store writes",
	})

	// StoreLatency tracks store round-trip latency by backend and operation.
	StoreLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "meshd_store_latency_seconds",
		Help:    "Durable store operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
	}, []string{"backend", "op"})

	// ConnectedAgents tracks the number of agents with a live heartbeat.
	ConnectedAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meshd_connected_agents",
		Help: "Current number of agents with a recent heartbeat",
	})

	// WebsocketSubscribers tracks the number of live mesh-facade websocket subscribers.
	WebsocketSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meshd_websocket_subscribers",
		Help: "Current number of connected dashboard websocket subscribers",
	})

	// StaleAgents tracks agents whose lastRunAt has fallen well behind
	// their schedule's intervalMs, independent of the scheduler's own
	// retry/dead-letter bookkeeping.
	StaleAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meshd_stale_agents",
		Help: "Current number of agents flagged silent by the liveness monitor",
	})
)
