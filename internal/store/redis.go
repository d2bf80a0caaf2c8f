package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store against Redis: the clustered/
// strictly-serializable profile spec.md §4.2 describes. Ported from
// FluxForge's control_plane/store/redis.go (JSON-blob-per-key storage,
// SCAN-based listing) and control_plane/store/redis_versioned.go
// (preloaded Lua script SHAs with NOSCRIPT reload-and-retry).
type RedisStore struct {
	client *redis.Client

	recordRunSHA    string
	appendEventSHA  string
	versionedSetSHA string
	versionedGetSHA string
}

// NewRedisStore connects, pings, and preloads the Lua scripts used for
// atomic recordRun and appendEvent, mirroring FluxForge's
// NewRedisStore ScriptLoad-at-construction pattern.
func NewRedisStore(ctx context.Context, addr string, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("store: ping redis: %w", err)
	}

	recordRunSHA, err := client.ScriptLoad(ctx, recordRunScript).Result()
	if err != nil {
		return nil, fmt.Errorf("store: preload recordRun script: %w", err)
	}
	appendEventSHA, err := client.ScriptLoad(ctx, appendEventScript).Result()
	if err != nil {
		return nil, fmt.Errorf("store: preload appendEvent script: %w", err)
	}
	versionedSetSHA, err := client.ScriptLoad(ctx, versionedSetScript).Result()
	if err != nil {
		return nil, fmt.Errorf("store: preload versionedSet script: %w", err)
	}
	versionedGetSHA, err := client.ScriptLoad(ctx, versionedGetScript).Result()
	if err != nil {
		return nil, fmt.Errorf("store: preload versionedGet script: %w", err)
	}

	return &RedisStore{
		client:          client,
		recordRunSHA:    recordRunSHA,
		appendEventSHA:  appendEventSHA,
		versionedSetSHA: versionedSetSHA,
		versionedGetSHA: versionedGetSHA,
	}, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

// --- Schedule operations ---

func (s *RedisStore) UpsertSchedule(ctx context.Context, sc *Schedule) error {
	if existing, err := s.GetScheduleByAgent(ctx, sc.AgentID); err == nil && existing != nil && existing.ID != sc.ID {
		sc.ID = existing.ID
	}
	data, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("store: marshal schedule: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, Key(ResourceSchedule, sc.ID), data, 0)
	pipe.Set(ctx, agentScheduleIndexKey(sc.AgentID), sc.ID, 0)
	if sc.State == ScheduleActive {
		pipe.ZAdd(ctx, DueIndexKey, redis.Z{Score: float64(sc.NextRunAt), Member: sc.ID})
	} else {
		pipe.ZRem(ctx, DueIndexKey, sc.ID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	data, err := s.client.Get(ctx, Key(ResourceSchedule, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sc Schedule
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("store: unmarshal schedule: %w", err)
	}
	return &sc, nil
}

func (s *RedisStore) GetScheduleByAgent(ctx context.Context, agentID string) (*Schedule, error) {
	id, err := s.client.Get(ctx, agentScheduleIndexKey(agentID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.GetSchedule(ctx, id)
}

func (s *RedisStore) DeleteSchedule(ctx context.Context, id string) error {
	sc, err := s.GetSchedule(ctx, id)
	if err != nil || sc == nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, Key(ResourceSchedule, id))
	pipe.Del(ctx, agentScheduleIndexKey(sc.AgentID))
	pipe.ZRem(ctx, DueIndexKey, id)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetDueSchedules(ctx context.Context, nowMs int64, withinMs int64) ([]*Schedule, error) {
	ids, err := s.client.ZRangeByScore(ctx, DueIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", nowMs+withinMs),
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Schedule, 0, len(ids))
	for _, id := range ids {
		sc, err := s.GetSchedule(ctx, id)
		if err != nil {
			return nil, err
		}
		if sc != nil && sc.State == ScheduleActive {
			out = append(out, sc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRunAt < out[j].NextRunAt })
	return out, nil
}

func (s *RedisStore) AdvanceNextRunAt(ctx context.Context, scheduleID string, nextRunAt int64) error {
	sc, err := s.GetSchedule(ctx, scheduleID)
	if err != nil {
		return err
	}
	if sc == nil {
		return errors.New("store: schedule not found")
	}
	sc.NextRunAt = nextRunAt
	return s.UpsertSchedule(ctx, sc)
}

func (s *RedisStore) SetScheduleState(ctx context.Context, scheduleID string, state ScheduleState) error {
	sc, err := s.GetSchedule(ctx, scheduleID)
	if err != nil {
		return err
	}
	if sc == nil {
		return errors.New("store: schedule not found")
	}
	sc.State = state
	return s.UpsertSchedule(ctx, sc)
}

// --- Run + agent-state operations ---

// recordRunScript atomically appends the run JSON to its agent's run
// list and upserts the agent_state hash, the Redis-native equivalent
// of PostgresStore.RecordRun's single-transaction write.
const recordRunScript = `
-- KEYS[1] = run list key, KEYS[2] = state hash key
-- ARGV[1] = run JSON, ARGV[2] = started_at, ARGV[3] = status,
-- ARGV[4] = message, ARGV[5] = is_error (1/0), ARGV[6] = is_alert (1/0)
redis.call("RPUSH", KEYS[1], ARGV[1])

local consecutive = 0
if ARGV[5] == "1" then
	local prev = redis.call("HGET", KEYS[2], "consecutive_failures")
	if prev then consecutive = tonumber(prev) + 1 else consecutive = 1 end
else
	consecutive = 0
end

local totalRuns = redis.call("HINCRBY", KEYS[2], "total_runs", 1)
local totalAlerts = 0
if ARGV[6] == "1" then
	totalAlerts = redis.call("HINCRBY", KEYS[2], "total_alerts", 1)
else
	local prevAlerts = redis.call("HGET", KEYS[2], "total_alerts")
	if prevAlerts then totalAlerts = tonumber(prevAlerts) else totalAlerts = 0 end
end

redis.call("HSET", KEYS[2],
	"last_run_at", ARGV[2],
	"last_result", ARGV[3],
	"last_message", ARGV[4],
	"consecutive_failures", consecutive)

return {totalRuns, totalAlerts, consecutive}
`

func (s *RedisStore) RecordRun(ctx context.Context, run *Run) (*AgentState, error) {
	data, err := json.Marshal(run)
	if err != nil {
		return nil, fmt.Errorf("store: marshal run: %w", err)
	}
	isError := "0"
	if run.Status == RunError {
		isError = "1"
	}
	isAlert := "0"
	if run.Status == RunAlert {
		isAlert = "1"
	}

	res, err := s.evalRecordRun(ctx, run, data, isError, isAlert)
	if err != nil {
		return nil, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return nil, fmt.Errorf("store: unexpected recordRun result: %T", res)
	}
	totalRuns, _ := vals[0].(int64)
	totalAlerts, _ := vals[1].(int64)
	consecutive, _ := vals[2].(int64)

	return &AgentState{
		AgentID:             run.AgentID,
		LastRunAt:           run.StartedAt,
		LastResult:          run.Status,
		LastMessage:         run.Message,
		ConsecutiveFailures: int(consecutive),
		TotalRuns:           totalRuns,
		TotalAlerts:         totalAlerts,
	}, nil
}

func (s *RedisStore) evalRecordRun(ctx context.Context, run *Run, data []byte, isError, isAlert string) (interface{}, error) {
	runListKey := runListKey(run.AgentID)
	stateKey := Key(ResourceState, run.AgentID)
	res, err := s.client.EvalSha(ctx, s.recordRunSHA, []string{runListKey, stateKey},
		string(data), run.StartedAt, string(run.Status), run.Message, isError, isAlert).Result()
	if err != nil && isNoScript(err) {
		s.recordRunSHA, err = s.client.ScriptLoad(ctx, recordRunScript).Result()
		if err != nil {
			return nil, fmt.Errorf("store: reload recordRun script: %w", err)
		}
		res, err = s.client.EvalSha(ctx, s.recordRunSHA, []string{runListKey, stateKey},
			string(data), run.StartedAt, string(run.Status), run.Message, isError, isAlert).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("store: exec recordRun: %w", err)
	}
	return res, nil
}

func (s *RedisStore) GetAgentState(ctx context.Context, agentID string) (*AgentState, error) {
	vals, err := s.client.HGetAll(ctx, Key(ResourceState, agentID)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}
	st := &AgentState{AgentID: agentID}
	if v, ok := vals["last_run_at"]; ok {
		fmt.Sscanf(v, "%d", &st.LastRunAt)
	}
	st.LastResult = RunStatus(vals["last_result"])
	st.LastMessage = vals["last_message"]
	if v, ok := vals["consecutive_failures"]; ok {
		fmt.Sscanf(v, "%d", &st.ConsecutiveFailures)
	}
	if v, ok := vals["total_runs"]; ok {
		fmt.Sscanf(v, "%d", &st.TotalRuns)
	}
	if v, ok := vals["total_alerts"]; ok {
		fmt.Sscanf(v, "%d", &st.TotalAlerts)
	}
	return st, nil
}

func (s *RedisStore) ListRuns(ctx context.Context, agentID string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 100
	}
	raw, err := s.client.LRange(ctx, runListKey(agentID), int64(-limit), -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Run, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var r Run
		if err := json.Unmarshal([]byte(raw[i]), &r); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, nil
}

// --- Signal operations ---

func (s *RedisStore) EnqueueSignal(ctx context.Context, sig *Signal) error {
	sig.ID = time.Now().UnixNano()
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("store: marshal signal: %w", err)
	}
	return s.client.RPush(ctx, SignalQueueKey(sig.ScheduleID), data).Err()
}

func (s *RedisStore) DrainSignals(ctx context.Context, scheduleID string) ([]*Signal, error) {
	raw, err := s.client.LRange(ctx, SignalQueueKey(scheduleID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(raw) > 0 {
		// Trim what was read; signals pushed after the LRange stay queued.
		if err := s.client.LTrim(ctx, SignalQueueKey(scheduleID), int64(len(raw)), -1).Err(); err != nil {
			return nil, err
		}
	}
	var out []*Signal
	for _, r := range raw {
		var sig Signal
		if err := json.Unmarshal([]byte(r), &sig); err != nil {
			return nil, err
		}
		if !sig.Processed {
			out = append(out, &sig)
		}
	}
	return out, nil
}

func (s *RedisStore) MarkSignalProcessed(ctx context.Context, signalID int64) error {
	// Signals are consumed by DrainSignals, which trims every signal it
	// returns from the list; marking processed is a no-op against the
	// list representation.
	return nil
}

// --- Event + analytics operations ---

// appendEventScript atomically increments the last-sequence counter
// and stores the event, so publish()'s step 1 (spec.md §4.5) is a
// single round trip with no read-then-write race.
const appendEventScript = `
-- KEYS[1] = last-sequence key, KEYS[2] = event key
-- ARGV[1] = event JSON (without sequence), ARGV[2] = type index key,
-- ARGV[3] = source index key, ARGV[4] = global index key
local seq = redis.call("INCR", KEYS[1])
redis.call("SET", KEYS[2], ARGV[1])
redis.call("ZADD", ARGV[2], seq, KEYS[2])
redis.call("ZADD", ARGV[3], seq, KEYS[2])
redis.call("ZADD", ARGV[4], seq, KEYS[2])
return seq
`

// allEventsIndexKey is the global sequence-ordered index used when
// GetEvents has neither a type nor a source filter to narrow on.
const allEventsIndexKey = "meshd:events:all"

func (s *RedisStore) AppendEvent(ctx context.Context, evt *Event) (uint64, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return 0, fmt.Errorf("store: marshal event: %w", err)
	}
	eventKey := Key(ResourceEvent, evt.ID)
	res, err := s.client.EvalSha(ctx, s.appendEventSHA,
		[]string{LastSequenceKey, eventKey}, string(data), ByTypeKey(evt.Type), BySourceKey(evt.Source), allEventsIndexKey).Result()
	if err != nil && isNoScript(err) {
		s.appendEventSHA, err = s.client.ScriptLoad(ctx, appendEventScript).Result()
		if err != nil {
			return 0, fmt.Errorf("store: reload appendEvent script: %w", err)
		}
		res, err = s.client.EvalSha(ctx, s.appendEventSHA,
			[]string{LastSequenceKey, eventKey}, string(data), ByTypeKey(evt.Type), BySourceKey(evt.Source), allEventsIndexKey).Result()
	}
	if err != nil {
		return 0, fmt.Errorf("store: exec appendEvent: %w", err)
	}
	seq, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("store: unexpected appendEvent result: %T", res)
	}
	evt.Sequence = uint64(seq)
	// Re-store with the assigned sequence so readers see it.
	evt2 := *evt
	data2, err := json.Marshal(evt2)
	if err != nil {
		return uint64(seq), nil
	}
	s.client.Set(ctx, eventKey, data2, 0)
	return uint64(seq), nil
}

func (s *RedisStore) GetEvents(ctx context.Context, filter EventFilter, limit int) ([]*Event, error) {
	indexKey := ByTypeKey(filter.Type)
	if filter.Type == "" {
		indexKey = ""
	}
	var keys []string
	var err error
	if indexKey != "" {
		keys, err = s.client.ZRevRange(ctx, indexKey, 0, -1).Result()
	} else if filter.Source != "" {
		keys, err = s.client.ZRevRange(ctx, BySourceKey(filter.Source), 0, -1).Result()
	} else {
		keys, err = s.client.ZRevRange(ctx, allEventsIndexKey, 0, -1).Result()
	}
	if err != nil {
		return nil, err
	}

	var out []*Event
	for _, k := range keys {
		data, err := s.client.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil {
			return nil, err
		}
		if filter.Matches(&evt) {
			out = append(out, &evt)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// GetAnalytics scans the agent's run list: Redis has no continuous
// aggregate machinery, so analytics on the clustered profile is a
// bounded scan, same fallback spec.md §4.2 names for the "not
// available" case.
func (s *RedisStore) GetAnalytics(ctx context.Context, agentID string, rng AnalyticsRange) (*AnalyticsSummary, error) {
	runs, err := s.ListRuns(ctx, agentID, 10000)
	if err != nil {
		return nil, err
	}
	sinceMs := rangeSinceMs(rng)
	summary := &AnalyticsSummary{AgentID: agentID, Range: rng, CountsByStatus: make(map[RunStatus]int)}
	var durations []float64
	for _, r := range runs {
		if r.StartedAt < sinceMs {
			continue
		}
		summary.CountsByStatus[r.Status]++
		if r.DurationMs > 0 {
			durations = append(durations, float64(r.DurationMs))
		}
	}
	summary.AvgDurationMs = average(durations)
	summary.P95DurationMs = percentile(durations, 0.95)
	return summary, nil
}

// GetTrends has no continuous-aggregate backing on the clustered
// profile; callers needing rollups should run the Postgres-backed
// analytics sidecar (same configuration-not-code-fork choice as
// spec.md §9's embedded-vs-clustered note).
func (s *RedisStore) GetTrends(ctx context.Context, agentID string, granularity TrendGranularity, rng AnalyticsRange) ([]*TrendPoint, error) {
	return []*TrendPoint{}, nil
}

// --- Coordination ---

func (s *RedisStore) IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	return s.client.Incr(ctx, epochKey(resourceID)).Result()
}

func (s *RedisStore) GetDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	v, err := s.client.Get(ctx, epochKey(resourceID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

// --- Distributed lock/lease primitives, used by the coordination
// package for leader election. Ported verbatim in shape from
// FluxForge's store/redis.go AcquireLock/RenewLock/ReleaseLock. ---

// AcquireLease takes a SETNX-based lease, true on success.
func (s *RedisStore) AcquireLease(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, ownerID, ttl).Result()
}

// RenewLease extends ttl only if key is still held by ownerID.
func (s *RedisStore) RenewLease(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error) {
	script := `
		local val = redis.call("get", KEYS[1])
		if not val then return -1 end
		if val == ARGV[1] then return redis.call("pexpire", KEYS[1], tonumber(ARGV[2])) end
		return -2
	`
	res, err := s.client.Eval(ctx, script, []string{key}, ownerID, int64(ttl/time.Millisecond)).Result()
	if err != nil {
		return false, err
	}
	v, _ := res.(int64)
	return v == 1, nil
}

// ReleaseLease clears the lease only if still held by ownerID.
func (s *RedisStore) ReleaseLease(ctx context.Context, key, ownerID string) error {
	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) end
		return 0
	`
	return s.client.Eval(ctx, script, []string{key}, ownerID).Err()
}

// ScanLocks returns every key matching pattern, used by the
// coordination package's janitor to sweep stale/fenced leases.
func (s *RedisStore) ScanLocks(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("store: scan locks: %w", err)
	}
	return keys, nil
}

// GetLockOwner returns the current value stored under key ("" if the
// lease is free), used to fence stale leases without accidentally
// clearing a lease some other owner already re-acquired.
func (s *RedisStore) GetLockOwner(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: get lock owner: %w", err)
	}
	return v, nil
}

func isNoScript(err error) bool {
	return err != nil && len(err.Error()) >= 8 && err.Error()[:8] == "NOSCRIPT"
}

func agentScheduleIndexKey(agentID string) string {
	return fmt.Sprintf("meshd:schedules:by-agent:%s", agentID)
}

func runListKey(agentID string) string {
	return fmt.Sprintf("meshd:runs:by-agent:%s", agentID)
}

func epochKey(resourceID string) string {
	return fmt.Sprintf("meshd:epochs:%s", resourceID)
}
