package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store against PostgreSQL: the embedded
// profile of spec.md §4.2's durable state store. Ported from FluxForge's
// control_plane/store/postgres.go — same pgxpool tuning
// (MaxConns/MinConns/HealthCheckPeriod), same ON CONFLICT upsert idiom,
// same "RowsAffected()==0 means optimistic-lock failure" convention.
// recordRun writes the run row and the agent-state row inside a single
// pgx.Tx, giving the "short transaction" WAL-equivalent durability
// spec.md §4.2 requires.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pool and pings it before returning, so
// startup can surface a store-unavailable exit code (spec.md §6).
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("store: parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 50
	cfg.MinConns = 5
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// --- Schedule operations ---

func (s *PostgresStore) UpsertSchedule(ctx context.Context, sc *Schedule) error {
	var activeHours []byte
	if sc.ActiveHours != nil {
		b, err := json.Marshal(sc.ActiveHours)
		if err != nil {
			return fmt.Errorf("store: marshal active hours: %w", err)
		}
		activeHours = b
	}
	query := `
		INSERT INTO schedules (id, agent_id, interval_ms, active_hours, visibility, state, next_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (agent_id) DO UPDATE SET
			interval_ms = EXCLUDED.interval_ms,
			active_hours = EXCLUDED.active_hours,
			visibility = EXCLUDED.visibility,
			state = EXCLUDED.state,
			next_run_at = EXCLUDED.next_run_at,
			updated_at = NOW()
		RETURNING id
	`
	return s.pool.QueryRow(ctx, query,
		sc.ID, sc.AgentID, sc.IntervalMs, activeHours, sc.Visibility, sc.State, sc.NextRunAt,
	).Scan(&sc.ID)
}

func (s *PostgresStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	return s.scanSchedule(ctx, `WHERE id = $1`, id)
}

func (s *PostgresStore) GetScheduleByAgent(ctx context.Context, agentID string) (*Schedule, error) {
	return s.scanSchedule(ctx, `WHERE agent_id = $1`, agentID)
}

func (s *PostgresStore) scanSchedule(ctx context.Context, where string, arg any) (*Schedule, error) {
	query := `
		SELECT id, agent_id, interval_ms, active_hours, visibility, state, next_run_at, created_at, updated_at
		FROM schedules ` + where
	var sc Schedule
	var activeHours []byte
	err := s.pool.QueryRow(ctx, query, arg).Scan(
		&sc.ID, &sc.AgentID, &sc.IntervalMs, &activeHours, &sc.Visibility, &sc.State,
		&sc.NextRunAt, &sc.CreatedAt, &sc.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(activeHours) > 0 {
		var ah ActiveHours
		if err := json.Unmarshal(activeHours, &ah); err != nil {
			return nil, fmt.Errorf("store: unmarshal active hours: %w", err)
		}
		sc.ActiveHours = &ah
	}
	return &sc, nil
}

func (s *PostgresStore) DeleteSchedule(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) GetDueSchedules(ctx context.Context, nowMs int64, withinMs int64) ([]*Schedule, error) {
	query := `
		SELECT id, agent_id, interval_ms, active_hours, visibility, state, next_run_at, created_at, updated_at
		FROM schedules
		WHERE state = $1 AND next_run_at <= $2
		ORDER BY next_run_at ASC
	`
	rows, err := s.pool.Query(ctx, query, ScheduleActive, nowMs+withinMs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		var sc Schedule
		var activeHours []byte
		if err := rows.Scan(
			&sc.ID, &sc.AgentID, &sc.IntervalMs, &activeHours, &sc.Visibility, &sc.State,
			&sc.NextRunAt, &sc.CreatedAt, &sc.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if len(activeHours) > 0 {
			var ah ActiveHours
			if err := json.Unmarshal(activeHours, &ah); err != nil {
				return nil, err
			}
			sc.ActiveHours = &ah
		}
		out = append(out, &sc)
	}
	return out, nil
}

func (s *PostgresStore) AdvanceNextRunAt(ctx context.Context, scheduleID string, nextRunAt int64) error {
	tag, err := s.pool.Exec(ctx, `UPDATE schedules SET next_run_at = $2, updated_at = NOW() WHERE id = $1`, scheduleID, nextRunAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("store: schedule not found")
	}
	return nil
}

func (s *PostgresStore) SetScheduleState(ctx context.Context, scheduleID string, state ScheduleState) error {
	tag, err := s.pool.Exec(ctx, `UPDATE schedules SET state = $2, updated_at = NOW() WHERE id = $1`, scheduleID, state)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("store: schedule not found")
	}
	return nil
}

// --- Run + agent-state operations ---

// RecordRun writes the run row and upserts agent_state inside one
// transaction, the atomic pairing spec.md §4.2 requires of recordRun.
func (s *PostgresStore) RecordRun(ctx context.Context, run *Run) (*AgentState, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	insertRun := `
		INSERT INTO runs (id, schedule_id, agent_id, status, started_at, completed_at, duration_ms, message, channel, "to", account_id, error, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	if _, err := tx.Exec(ctx, insertRun,
		run.ID, run.ScheduleID, run.AgentID, run.Status, run.StartedAt, run.CompletedAt,
		run.DurationMs, run.Message, run.Channel, run.To, run.AccountID, run.Error, run.RetryCount,
	); err != nil {
		return nil, fmt.Errorf("store: insert run: %w", err)
	}

	isError := run.Status == RunError
	isAlert := run.Status == RunAlert
	upsertState := `
		INSERT INTO agent_state (agent_id, last_run_at, next_run_at, last_result, last_message, consecutive_failures, total_runs, total_alerts)
		VALUES ($1, $2, $2, $3, $4, CASE WHEN $5 THEN 1 ELSE 0 END, 1, CASE WHEN $6 THEN 1 ELSE 0 END)
		ON CONFLICT (agent_id) DO UPDATE SET
			last_run_at = EXCLUDED.last_run_at,
			last_result = EXCLUDED.last_result,
			last_message = EXCLUDED.last_message,
			consecutive_failures = CASE WHEN $5 THEN agent_state.consecutive_failures + 1 ELSE 0 END,
			total_runs = agent_state.total_runs + 1,
			total_alerts = agent_state.total_alerts + CASE WHEN $6 THEN 1 ELSE 0 END
		RETURNING agent_id, last_run_at, next_run_at, last_result, last_message, consecutive_failures, total_runs, total_alerts
	`
	var st AgentState
	if err := tx.QueryRow(ctx, upsertState, run.AgentID, run.StartedAt, run.Status, run.Message, isError, isAlert).Scan(
		&st.AgentID, &st.LastRunAt, &st.NextRunAt, &st.LastResult, &st.LastMessage,
		&st.ConsecutiveFailures, &st.TotalRuns, &st.TotalAlerts,
	); err != nil {
		return nil, fmt.Errorf("store: upsert agent state: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("store: commit recordRun: %w", err)
	}
	return &st, nil
}

func (s *PostgresStore) GetAgentState(ctx context.Context, agentID string) (*AgentState, error) {
	query := `
		SELECT agent_id, last_run_at, next_run_at, last_result, last_message, consecutive_failures, total_runs, total_alerts
		FROM agent_state WHERE agent_id = $1
	`
	var st AgentState
	err := s.pool.QueryRow(ctx, query, agentID).Scan(
		&st.AgentID, &st.LastRunAt, &st.NextRunAt, &st.LastResult, &st.LastMessage,
		&st.ConsecutiveFailures, &st.TotalRuns, &st.TotalAlerts,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, agentID string, limit int) ([]*Run, error) {
	query := `
		SELECT id, schedule_id, agent_id, status, started_at, completed_at, duration_ms, message, channel, "to", account_id, error, retry_count
		FROM runs WHERE agent_id = $1 ORDER BY started_at DESC LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(
			&r.ID, &r.ScheduleID, &r.AgentID, &r.Status, &r.StartedAt, &r.CompletedAt,
			&r.DurationMs, &r.Message, &r.Channel, &r.To, &r.AccountID, &r.Error, &r.RetryCount,
		); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, nil
}

// --- Signal operations ---

func (s *PostgresStore) EnqueueSignal(ctx context.Context, sig *Signal) error {
	query := `
		INSERT INTO signals (schedule_id, kind, reason, timestamp, processed)
		VALUES ($1, $2, $3, $4, false)
		RETURNING id
	`
	return s.pool.QueryRow(ctx, query, sig.ScheduleID, sig.Kind, sig.Reason, sig.Timestamp).Scan(&sig.ID)
}

func (s *PostgresStore) DrainSignals(ctx context.Context, scheduleID string) ([]*Signal, error) {
	query := `
		SELECT id, schedule_id, kind, reason, timestamp, processed
		FROM signals WHERE schedule_id = $1 AND processed = false ORDER BY id ASC
	`
	rows, err := s.pool.Query(ctx, query, scheduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Signal
	for rows.Next() {
		var sig Signal
		if err := rows.Scan(&sig.ID, &sig.ScheduleID, &sig.Kind, &sig.Reason, &sig.Timestamp, &sig.Processed); err != nil {
			return nil, err
		}
		out = append(out, &sig)
	}
	return out, nil
}

func (s *PostgresStore) MarkSignalProcessed(ctx context.Context, signalID int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE signals SET processed = true WHERE id = $1`, signalID)
	return err
}

// --- Event + analytics operations ---

// AppendEvent atomically reads-and-increments the last-sequence row
// under transaction, the exact mechanism spec.md §4.5 step 1 requires.
func (s *PostgresStore) AppendEvent(ctx context.Context, evt *Event) (uint64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var seq uint64
	if err := tx.QueryRow(ctx, `
		INSERT INTO event_sequence (id, value) VALUES (1, 1)
		ON CONFLICT (id) DO UPDATE SET value = event_sequence.value + 1
		RETURNING value
	`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("store: increment sequence: %w", err)
	}
	evt.Sequence = seq

	metadata, err := json.Marshal(evt.Metadata)
	if err != nil {
		return 0, fmt.Errorf("store: marshal metadata: %w", err)
	}
	partitionKey := PartitionKeyFor(evt.Type, evt.Timestamp)

	if _, err := tx.Exec(ctx, `
		INSERT INTO events (sequence, id, type, source, target, timestamp, data, metadata, partition_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, seq, evt.ID, evt.Type, evt.Source, evt.Target, evt.Timestamp, evt.Data, metadata, partitionKey); err != nil {
		return 0, fmt.Errorf("store: insert event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("store: commit appendEvent: %w", err)
	}
	return seq, nil
}

func (s *PostgresStore) GetEvents(ctx context.Context, filter EventFilter, limit int) ([]*Event, error) {
	query := `
		SELECT id, type, source, target, timestamp, data, metadata, sequence
		FROM events
		WHERE ($1 = '' OR type = $1)
		  AND ($2 = '' OR source = $2)
		  AND ($3 = '' OR target = $3)
		  AND ($4 = 0 OR timestamp >= $4)
		  AND ($5 = 0 OR timestamp <= $5)
		ORDER BY timestamp DESC
		LIMIT $6
	`
	rows, err := s.pool.Query(ctx, query, filter.Type, filter.Source, filter.Target, filter.FromMs, filter.ToMs, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var evt Event
		var metadata []byte
		if err := rows.Scan(&evt.ID, &evt.Type, &evt.Source, &evt.Target, &evt.Timestamp, &evt.Data, &metadata, &evt.Sequence); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &evt.Metadata); err != nil {
				return nil, err
			}
		}
		if len(filter.Types) > 0 && !containsString(filter.Types, evt.Type) {
			continue
		}
		out = append(out, &evt)
	}
	return out, nil
}

// GetAnalytics aggregates the agent's runs within the range by status,
// plus the average duration and the largest per-status p95 duration.
// It queries the runs table directly; no pre-aggregated rollup is read.
func (s *PostgresStore) GetAnalytics(ctx context.Context, agentID string, rng AnalyticsRange) (*AnalyticsSummary, error) {
	sinceMs := rangeSinceMs(rng)
	query := `
		SELECT status, COUNT(*), COALESCE(AVG(duration_ms), 0),
		       COALESCE(percentile_cont(0.95) WITHIN GROUP (ORDER BY duration_ms), 0)
		FROM runs
		WHERE agent_id = $1 AND started_at >= $2
		GROUP BY status
	`
	rows, err := s.pool.Query(ctx, query, agentID, sinceMs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summary := &AnalyticsSummary{AgentID: agentID, Range: rng, CountsByStatus: make(map[RunStatus]int)}
	var totalDuration, totalCount float64
	var p95 float64
	for rows.Next() {
		var status RunStatus
		var count int
		var avgDur, p95Dur float64
		if err := rows.Scan(&status, &count, &avgDur, &p95Dur); err != nil {
			return nil, err
		}
		summary.CountsByStatus[status] = count
		totalDuration += avgDur * float64(count)
		totalCount += float64(count)
		if p95Dur > p95 {
			p95 = p95Dur
		}
	}
	if totalCount > 0 {
		summary.AvgDurationMs = totalDuration / totalCount
	}
	summary.P95DurationMs = p95
	return summary, nil
}

// GetTrends reads the 1-minute or 1-hour continuous aggregate per the
// requested granularity — the corrected behavior spec.md §9 requires
// instead of reproducing the source's "always reads 1hour" bug.
func (s *PostgresStore) GetTrends(ctx context.Context, agentID string, granularity TrendGranularity, rng AnalyticsRange) ([]*TrendPoint, error) {
	table := "agent_events_1m"
	if granularity == Granularity1h {
		table = "agent_events_1h"
	}
	sinceMs := rangeSinceMs(rng)
	query := fmt.Sprintf(`
		SELECT bucket_start, type, source, count, unique_targets, max_sequence, avg_lag_seconds
		FROM %s
		WHERE source = $1 AND bucket_start >= $2
		ORDER BY bucket_start ASC
	`, table)
	rows, err := s.pool.Query(ctx, query, agentID, sinceMs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TrendPoint
	for rows.Next() {
		var p TrendPoint
		if err := rows.Scan(&p.BucketStart, &p.Type, &p.Source, &p.Count, &p.UniqueTargets, &p.MaxSequence, &p.AvgLagSeconds); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, nil
}

// --- Coordination ---

func (s *PostgresStore) IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	query := `
		INSERT INTO leader_epochs (resource_id, epoch)
		VALUES ($1, 1)
		ON CONFLICT (resource_id) DO UPDATE SET epoch = leader_epochs.epoch + 1
		RETURNING epoch
	`
	var epoch int64
	if err := s.pool.QueryRow(ctx, query, resourceID).Scan(&epoch); err != nil {
		return 0, err
	}
	return epoch, nil
}

func (s *PostgresStore) GetDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	var epoch int64
	err := s.pool.QueryRow(ctx, `SELECT epoch FROM leader_epochs WHERE resource_id = $1`, resourceID).Scan(&epoch)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return epoch, nil
}

func rangeSinceMs(rng AnalyticsRange) int64 {
	now := time.Now().UnixMilli()
	switch rng {
	case Range1h:
		return now - int64(time.Hour/time.Millisecond)
	case Range24h:
		return now - int64(24*time.Hour/time.Millisecond)
	case Range7d:
		return now - int64(7*24*time.Hour/time.Millisecond)
	case Range30d:
		return now - int64(30*24*time.Hour/time.Millisecond)
	default:
		return now - int64(24*time.Hour/time.Millisecond)
	}
}
