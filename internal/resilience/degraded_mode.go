// Package resilience protects the heartbeat scheduler's state writes
// against a transient durable-store outage: instead of blocking or
// dropping a recordRun/advanceNextRunAt, it queues the write locally,
// bounded, and replays it once the store recovers — skipping entries
// that are stale or have been superseded by a newer version, per
// spec.md §9's "Singletons / global state" note (an explicit
// process-wide context object, not package globals).
//
// Adapted from FluxForge's control_plane/resilience/degraded_mode.go,
// generalized from "Redis/DB/NATS availability" flags to the single
// store.Store dependency this system has, and from log.Printf to
// slog.
package resilience

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// PendingWrite is one store write queued while the store was
// unavailable. Version lets reconciliation detect and skip writes
// superseded by something that landed through another path.
type PendingWrite struct {
	Key        string
	Value      []byte
	QueuedAt   time.Time
	TTL        time.Duration
	Version    int64
	Reconciled bool
}

// DegradedMode tracks store availability and buffers writes made while
// the store is down.
type DegradedMode struct {
	log *slog.Logger

	mu               sync.RWMutex
	storeAvailable   bool
	degraded         bool
	pendingWrites    []PendingWrite
	maxPendingWrites int
	currentVersion   int64
}

func NewDegradedMode(logger *slog.Logger, maxPendingWrites int) *DegradedMode {
	if maxPendingWrites <= 0 {
		maxPendingWrites = 10000
	}
	return &DegradedMode{
		log:              logger,
		storeAvailable:   true,
		maxPendingWrites: maxPendingWrites,
	}
}

// MarkStoreUnavailable enters degraded mode.
func (d *DegradedMode) MarkStoreUnavailable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.storeAvailable {
		d.log.Warn("entering degraded mode: store unavailable")
		d.storeAvailable = false
		d.degraded = true
	}
}

// MarkStoreAvailable exits degraded mode. Callers should follow this
// with ReconcilePendingWrites to replay anything queued while down.
func (d *DegradedMode) MarkStoreAvailable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.storeAvailable {
		d.log.Info("store recovered, exiting degraded mode")
		d.storeAvailable = true
		d.degraded = false
	}
}

func (d *DegradedMode) IsDegraded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.degraded
}

// Enqueue buffers a write made while the store is unavailable, under
// an increasing version counter. When the buffer is full, the oldest
// unreconciled entry is dropped to bound memory — a lossy degrade, not
// a crash.
func (d *DegradedMode) Enqueue(key string, value []byte, ttl time.Duration) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.pendingWrites) >= d.maxPendingWrites {
		for i := range d.pendingWrites {
			if !d.pendingWrites[i].Reconciled {
				d.log.Warn("degraded mode pending-write buffer full, dropping oldest", "key", d.pendingWrites[i].Key)
				d.pendingWrites = append(d.pendingWrites[:i], d.pendingWrites[i+1:]...)
				break
			}
		}
	}

	d.currentVersion++
	d.pendingWrites = append(d.pendingWrites, PendingWrite{
		Key: key, Value: value, QueuedAt: time.Now(), TTL: ttl, Version: d.currentVersion,
	})
	return d.currentVersion
}

func (d *DegradedMode) PendingWriteCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, w := range d.pendingWrites {
		if !w.Reconciled {
			n++
		}
	}
	return n
}

// snapshotPending copies the pending-write list for lock-free
// reconciliation, mirroring the teacher's copy-then-iterate pattern.
func (d *DegradedMode) snapshotPending() []PendingWrite {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]PendingWrite, len(d.pendingWrites))
	copy(out, d.pendingWrites)
	return out
}

func (d *DegradedMode) markReconciled(key string, version int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.pendingWrites {
		if d.pendingWrites[i].Key == key && d.pendingWrites[i].Version == version {
			d.pendingWrites[i].Reconciled = true
			break
		}
	}
}

func (d *DegradedMode) compact() {
	d.mu.Lock()
	defer d.mu.Unlock()
	unreconciled := d.pendingWrites[:0]
	for _, w := range d.pendingWrites {
		if !w.Reconciled {
			unreconciled = append(unreconciled, w)
		}
	}
	d.pendingWrites = unreconciled
}

// ctxWithTimeout matches the teacher's use of a bounded per-operation
// context during reconciliation so one slow store call can't stall the
// whole replay.
func ctxWithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d)
}
