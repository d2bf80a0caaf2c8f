package coordination

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestLockJanitorReleasesExpiredLock(t *testing.T) {
	coord := newFakeCoordinator()
	meta := LockMetadata{NodeID: "node-a", Epoch: 1, ExpiresAt: time.Now().Add(-time.Minute)}
	data, _ := json.Marshal(meta)
	coord.leases[lockKey(0)] = string(data)
	coord.epochs[epochResource(0)] = 1

	j := NewLockJanitor(coord, coord, testLogger(), time.Hour)
	j.sweep(context.Background())

	if _, ok := coord.leases[lockKey(0)]; ok {
		t.Fatal("expected expired lock to be released")
	}
}

func TestLockJanitorFencesStaleEpochLock(t *testing.T) {
	coord := newFakeCoordinator()
	meta := LockMetadata{NodeID: "node-a", Epoch: 1, ExpiresAt: time.Now().Add(time.Hour)}
	data, _ := json.Marshal(meta)
	coord.leases[lockKey(0)] = string(data)
	coord.epochs[epochResource(0)] = 5 // someone else advanced the epoch

	j := NewLockJanitor(coord, coord, testLogger(), time.Hour)
	j.sweep(context.Background())

	if _, ok := coord.leases[lockKey(0)]; ok {
		t.Fatal("expected fenced (stale-epoch) lock to be released")
	}
}

func TestLockJanitorLeavesFreshLockAlone(t *testing.T) {
	coord := newFakeCoordinator()
	meta := LockMetadata{NodeID: "node-a", Epoch: 3, ExpiresAt: time.Now().Add(time.Hour)}
	data, _ := json.Marshal(meta)
	coord.leases[lockKey(0)] = string(data)
	coord.epochs[epochResource(0)] = 3

	j := NewLockJanitor(coord, coord, testLogger(), time.Hour)
	j.sweep(context.Background())

	if _, ok := coord.leases[lockKey(0)]; !ok {
		t.Fatal("expected fresh, current-epoch lock to survive sweep")
	}
}
