package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentmesh/meshd/internal/store"
)

// PostgresAnalytics records every event into the time-partitioned
// agent_events table (compressed after 7 days, retained 90, per
// spec.md §6) and reads the continuous 1-minute/1-hour aggregates it
// feeds. Grounded on the same pgxpool usage as store.PostgresStore,
// kept as a separate connection pool since analytics is an optional,
// independently-degradable dependency of the mesh facade.
type PostgresAnalytics struct {
	pool *pgxpool.Pool
}

func NewPostgresAnalytics(ctx context.Context, connString string) (*PostgresAnalytics, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("analytics: parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("analytics: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("analytics: ping postgres: %w", err)
	}
	return &PostgresAnalytics{pool: pool}, nil
}

func (a *PostgresAnalytics) Close() error {
	a.pool.Close()
	return nil
}

// RecordEvent feeds the rollup table; the continuous aggregates
// (agent_events_1m/agent_events_1h) are computed by the database from
// this append-only table, not by application code.
func (a *PostgresAnalytics) RecordEvent(ctx context.Context, evt *store.Event) error {
	metadata, err := json.Marshal(evt.Metadata)
	if err != nil {
		return fmt.Errorf("analytics: marshal metadata: %w", err)
	}
	_, err = a.pool.Exec(ctx, `
		INSERT INTO agent_events (time, event_id, event_type, source_agent, target_agent, data, metadata, sequence)
		VALUES (to_timestamp($1 / 1000.0), $2, $3, $4, $5, $6, $7, $8)
	`, evt.Timestamp, evt.ID, evt.Type, evt.Source, nullableTarget(evt.Target), evt.Data, metadata, evt.Sequence)
	if err != nil {
		return fmt.Errorf("analytics: insert event: %w", err)
	}
	return nil
}

func (a *PostgresAnalytics) GetTrends(ctx context.Context, agentID string, granularity store.TrendGranularity, rng store.AnalyticsRange) ([]*store.TrendPoint, error) {
	table := "agent_events_1m"
	if granularity == store.Granularity1h {
		table = "agent_events_1h"
	}
	query := fmt.Sprintf(`
		SELECT bucket_start, type, source, count, unique_targets, max_sequence, avg_lag_seconds
		FROM %s
		WHERE source = $1 AND bucket_start >= $2
		ORDER BY bucket_start ASC
	`, table)
	rows, err := a.pool.Query(ctx, query, agentID, rangeSinceMs(rng))
	if err != nil {
		return nil, fmt.Errorf("analytics: query trends: %w", err)
	}
	defer rows.Close()

	var out []*store.TrendPoint
	for rows.Next() {
		var p store.TrendPoint
		if err := rows.Scan(&p.BucketStart, &p.Type, &p.Source, &p.Count, &p.UniqueTargets, &p.MaxSequence, &p.AvgLagSeconds); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, nil
}

func nullableTarget(target string) any {
	if target == "" {
		return nil
	}
	return target
}

func rangeSinceMs(rng store.AnalyticsRange) int64 {
	now := time.Now().UnixMilli()
	switch rng {
	case store.Range1h:
		return now - int64(time.Hour/time.Millisecond)
	case store.Range24h:
		return now - int64(24*time.Hour/time.Millisecond)
	case store.Range7d:
		return now - int64(7*24*time.Hour/time.Millisecond)
	case store.Range30d:
		return now - int64(30*24*time.Hour/time.Millisecond)
	default:
		return now - int64(24*time.Hour/time.Millisecond)
	}
}
