package coordination

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"
)

// LockJanitor periodically sweeps shard-leader leases, force-releasing
// any that are fenced out by a newer durable epoch or have simply
// expired on the wall clock without being cleaned up (a crashed leader
// never calls ReleaseLease). Adapted from FluxForge's
// control_plane/coordination/janitor.go.
type LockJanitor struct {
	coord    Coordinator
	epochs   EpochStore
	log      *slog.Logger
	interval time.Duration
}

func NewLockJanitor(coord Coordinator, epochs EpochStore, logger *slog.Logger, interval time.Duration) *LockJanitor {
	return &LockJanitor{coord: coord, epochs: epochs, log: logger, interval: interval}
}

func (j *LockJanitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *LockJanitor) sweep(ctx context.Context) {
	keys, err := j.coord.ScanLocks(ctx, "meshd:lock:shard:*")
	if err != nil {
		j.log.Error("janitor: scan locks failed", "error", err)
		return
	}

	for _, key := range keys {
		shard := shardFromLockKey(key)
		if shard < 0 {
			continue
		}

		val, err := j.coord.GetLockOwner(ctx, key)
		if err != nil || val == "" {
			continue
		}

		var meta LockMetadata
		if err := json.Unmarshal([]byte(val), &meta); err != nil {
			j.log.Warn("janitor: unreadable lock value", "key", key, "error", err)
			continue
		}

		currentEpoch, err := j.epochs.GetDurableEpoch(ctx, epochResource(shard))
		if err != nil {
			j.log.Error("janitor: get durable epoch failed", "shard", shard, "error", err)
			continue
		}

		if meta.Epoch < currentEpoch {
			j.log.Warn("janitor: fencing stale-epoch lock", "key", key, "lockEpoch", meta.Epoch, "currentEpoch", currentEpoch)
			_ = j.coord.ReleaseLease(ctx, key, val)
			continue
		}

		if time.Now().After(meta.ExpiresAt.Add(5 * time.Second)) {
			j.log.Warn("janitor: releasing expired lock", "key", key, "expiredAt", meta.ExpiresAt)
			_ = j.coord.ReleaseLease(ctx, key, val)
		}
	}
}

func shardFromLockKey(key string) int {
	const prefix = "meshd:lock:shard:"
	if !strings.HasPrefix(key, prefix) {
		return -1
	}
	suffix := key[len(prefix):]
	n := 0
	for _, c := range suffix {
		if c < '0' || c > '9' {
			return -1
		}
		n = n*10 + int(c-'0')
	}
	return n
}
