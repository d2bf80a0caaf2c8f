package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentmesh/meshd/internal/store"
)

// VersionedWriter is the subset of store.RedisStore's versioned-write
// surface reconciliation needs. Any store backend that can express
// "write only if newer" satisfies it.
type VersionedWriter interface {
	GetVersioned(ctx context.Context, key string) (*store.VersionedValue, error)
	SetVersioned(ctx context.Context, key string, value store.VersionedValue, ttl time.Duration) error
}

// staleAge bounds how long a pending write is worth replaying; older
// than this and the world has likely moved on, so the entry is
// discarded rather than risking a stale overwrite.
const staleAge = 5 * time.Minute

// ReconciliationError reports a partial reconciliation: some writes
// replayed, some were stale or superseded, some failed outright.
type ReconciliationError struct {
	Total, Succeeded, Skipped, Failed int
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("resilience: reconciliation partial failure: %d succeeded, %d skipped, %d failed (of %d)",
		e.Succeeded, e.Skipped, e.Failed, e.Total)
}

// ReconcilePendingWrites replays everything queued during the outage,
// skipping entries older than staleAge and entries the destination
// already has a newer version of, per spec.md §9's requirement that
// reconciliation never clobbers a write that already landed through
// another path.
func (d *DegradedMode) ReconcilePendingWrites(ctx context.Context, w VersionedWriter) error {
	pending := d.snapshotPending()
	if len(pending) == 0 {
		d.log.Debug("reconciliation: nothing pending")
		return nil
	}
	d.log.Info("reconciling pending writes", "count", len(pending))

	var succeeded, skipped, failed int
	for _, write := range pending {
		if write.Reconciled {
			continue
		}

		if age := time.Since(write.QueuedAt); age > staleAge {
			d.log.Warn("skipping stale pending write", "key", write.Key, "age", age)
			d.markReconciled(write.Key, write.Version)
			failed++
			continue
		}

		opCtx, cancel := ctxWithTimeout(ctx, 5*time.Second)
		existing, err := w.GetVersioned(opCtx, write.Key)
		cancel()
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			d.log.Error("reconciliation: get existing value failed", "key", write.Key, "error", err)
			failed++
			continue
		}
		if existing != nil && existing.Version >= write.Version {
			d.log.Debug("reconciliation: destination already newer", "key", write.Key, "destVersion", existing.Version, "writeVersion", write.Version)
			d.markReconciled(write.Key, write.Version)
			skipped++
			continue
		}

		vv := store.VersionedValue{
			Value:     json.RawMessage(write.Value),
			Version:   write.Version,
			Timestamp: write.QueuedAt.UnixMilli(),
		}
		opCtx, cancel = ctxWithTimeout(ctx, 5*time.Second)
		err = w.SetVersioned(opCtx, write.Key, vv, write.TTL)
		cancel()
		if err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				d.markReconciled(write.Key, write.Version)
				skipped++
				continue
			}
			d.log.Error("reconciliation: set failed", "key", write.Key, "error", err)
			failed++
			continue
		}

		d.markReconciled(write.Key, write.Version)
		succeeded++
	}

	d.compact()
	d.log.Info("reconciliation complete", "succeeded", succeeded, "skipped", skipped, "failed", failed)

	if failed > 0 {
		return &ReconciliationError{Total: len(pending), Succeeded: succeeded, Skipped: skipped, Failed: failed}
	}
	return nil
}

// MarkStoreAvailableWithReconciliation exits degraded mode and, if it
// was actually degraded, replays the pending-write buffer.
func (d *DegradedMode) MarkStoreAvailableWithReconciliation(ctx context.Context, w VersionedWriter) error {
	d.mu.Lock()
	wasDown := !d.storeAvailable
	d.storeAvailable = true
	d.degraded = false
	d.mu.Unlock()

	if wasDown {
		return d.ReconcilePendingWrites(ctx, w)
	}
	return nil
}
