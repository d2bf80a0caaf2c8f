package coordination

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentmesh/meshd/internal/observability"
	"github.com/agentmesh/meshd/internal/store"
)

// staleGraceFactor is how many missed intervals an agent may go silent
// for before the monitor flags it, absorbing ordinary retry/backoff
// delay without false-positiving on every slow run.
const staleGraceFactor = 3

// AgentMonitor periodically compares every active schedule's
// AgentState.LastRunAt against its own intervalMs and logs/flags
// agents that have gone silent well past that window — a health
// signal independent of the scheduler's own retry bookkeeping.
//
// Adapted from control_plane/coordination/agent_monitor.go: same
// ticker loop and log-then-flag shape, but it watches heartbeat
// staleness against a per-schedule interval instead of a fixed
// node-offline threshold, since this system has no agent presence
// registry (ListAgents/UpsertAgent) to mark online/offline.
type AgentMonitor struct {
	log      *slog.Logger
	store    store.Store
	interval time.Duration
}

func NewAgentMonitor(logger *slog.Logger, st store.Store, interval time.Duration) *AgentMonitor {
	return &AgentMonitor{log: logger, store: st, interval: interval}
}

// Start runs the monitor loop in a new goroutine until ctx is done.
func (m *AgentMonitor) Start(ctx context.Context) {
	go m.loop(ctx)
}

func (m *AgentMonitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.log.Info("agent liveness monitor started", "interval", m.interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkLiveness(ctx)
		}
	}
}

func (m *AgentMonitor) checkLiveness(ctx context.Context) {
	// A horizon far beyond any realistic intervalMs turns GetDueSchedules
	// into "every active schedule," since the store has no ListActive
	// primitive of its own.
	schedules, err := m.store.GetDueSchedules(ctx, time.Now().UnixMilli(), int64(365*24*time.Hour/time.Millisecond))
	if err != nil {
		m.log.Error("agent monitor: failed to list active schedules", "error", err)
		return
	}

	now := time.Now().UnixMilli()
	live := 0
	stale := 0
	for _, sc := range schedules {
		state, err := m.store.GetAgentState(ctx, sc.AgentID)
		if err != nil {
			m.log.Error("agent monitor: failed to get agent state", "agentId", sc.AgentID, "error", err)
			continue
		}
		if state == nil || state.LastRunAt == 0 {
			continue // never run yet, nothing to judge staleness against
		}

		silentFor := now - state.LastRunAt
		threshold := sc.IntervalMs * staleGraceFactor
		if silentFor > threshold {
			stale++
			m.log.Warn("agent monitor: agent heartbeat stale",
				"agentId", sc.AgentID, "scheduleId", sc.ID,
				"silentForMs", silentFor, "thresholdMs", threshold)
			continue
		}
		live++
	}

	observability.ConnectedAgents.Set(float64(live))
	observability.StaleAgents.Set(float64(stale))
}
