package coordination

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/agentmesh/meshd/internal/ids"
	"github.com/agentmesh/meshd/internal/observability"
)

// LockMetadata is the JSON value stored under a shard's lease key:
// enough to identify the owner and fence out stale holders.
type LockMetadata struct {
	NodeID    string    `json:"nodeId"`
	Epoch     int64     `json:"epoch"`
	ReqID     string    `json:"reqId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type fencingKey struct{}

// FencedContext's value is injected so a downstream store write can be
// rejected if the epoch has since moved on (a write made by a node that
// has already lost leadership carries a stale epoch).
func EpochFromContext(ctx context.Context) (int64, bool) {
	v := ctx.Value(fencingKey{})
	if v == nil {
		return 0, false
	}
	epoch, ok := v.(int64)
	return epoch, ok
}

// LeaderElector runs one shard's leader-election loop: acquire/renew a
// Redis lease, backed by a Postgres (or Redis) durable epoch counter
// that survives a lease-store flush, so a fencing token never repeats.
type LeaderElector struct {
	coord    Coordinator
	epochs   EpochStore
	log      *slog.Logger
	nodeID   string
	shard    int
	lockKey  string
	epochRes string
	ttl      time.Duration

	onElected func(ctx context.Context)
	onLost    func()

	mu           sync.RWMutex
	isLeader     bool
	currentValue string
	currentEpoch int64
	leaderCtx    context.Context
	leaderCancel context.CancelFunc
	stepDownTime time.Time
	transitions  int64
}

func NewLeaderElector(coord Coordinator, epochs EpochStore, logger *slog.Logger, nodeID string, shard int, ttl time.Duration) *LeaderElector {
	return &LeaderElector{
		coord:    coord,
		epochs:   epochs,
		log:      logger,
		nodeID:   nodeID,
		shard:    shard,
		lockKey:  lockKey(shard),
		epochRes: epochResource(shard),
		ttl:      ttl,
	}
}

func (l *LeaderElector) SetCallbacks(onElected func(ctx context.Context), onLost func()) {
	l.onElected = onElected
	l.onLost = onLost
}

func (l *LeaderElector) IsLeader() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isLeader
}

// FencedContext returns the context valid only while this node holds
// leadership; it's cancelled the instant leadership is lost.
func (l *LeaderElector) FencedContext() context.Context {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.leaderCtx
}

// Run drives the election loop until ctx is cancelled, renewing at
// ttl/3 and backing off exponentially (up to 10*ttl) on error, the
// same cadence FluxForge's LeaderElector uses.
func (l *LeaderElector) Run(ctx context.Context) {
	interval := l.ttl / 3
	minInterval := l.ttl / 3
	maxInterval := 10 * l.ttl

	renewFailures := 0
	const maxRenewFailures = 3

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if l.IsLeader() {
				l.release()
			}
			return
		case <-timer.C:
			var err error
			if l.IsLeader() {
				var renewed bool
				renewed, err = l.renew(ctx)
				if err == nil {
					renewFailures = 0
					if !renewed {
						l.stepDown()
					}
				} else {
					renewFailures++
					l.log.Warn("leader renew failed", "shard", l.shard, "attempt", renewFailures, "error", err)
					if renewFailures >= maxRenewFailures {
						l.log.Error("too many renew failures, stepping down", "shard", l.shard)
						l.stepDown()
						renewFailures = 0
					}
				}
			} else {
				var acquired bool
				acquired, err = l.acquire(ctx)
				if err == nil && acquired {
					l.becomeLeader()
					renewFailures = 0
				}
			}

			if err != nil {
				interval *= 2
				if interval > maxInterval {
					interval = maxInterval
				}
			} else {
				interval = minInterval
			}
			timer.Reset(interval)
		}
	}
}

func (l *LeaderElector) acquire(ctx context.Context) (bool, error) {
	epoch, err := l.epochs.IncrementDurableEpoch(ctx, l.epochRes)
	if err != nil {
		return false, err
	}
	l.mu.Lock()
	if l.currentEpoch > 0 && epoch > l.currentEpoch+1 {
		l.log.Warn("fencing epoch jumped", "shard", l.shard, "from", l.currentEpoch, "to", epoch)
	}
	l.currentEpoch = epoch
	l.mu.Unlock()

	id, err := ids.NewNow()
	if err != nil {
		return false, err
	}
	meta := LockMetadata{NodeID: l.nodeID, Epoch: epoch, ReqID: id.String(), CreatedAt: time.Now(), ExpiresAt: time.Now().Add(l.ttl)}
	data, err := json.Marshal(meta)
	if err != nil {
		return false, err
	}
	val := string(data)

	acquired, err := l.coord.AcquireLease(ctx, l.lockKey, val, l.ttl)
	if err != nil {
		return false, err
	}
	if acquired {
		l.mu.Lock()
		l.currentValue = val
		l.mu.Unlock()
	}
	return acquired, nil
}

func (l *LeaderElector) renew(ctx context.Context) (bool, error) {
	l.mu.RLock()
	val := l.currentValue
	l.mu.RUnlock()
	if val == "" {
		return false, nil
	}
	return l.coord.RenewLease(ctx, l.lockKey, val, l.ttl)
}

func (l *LeaderElector) release() {
	l.mu.RLock()
	val := l.currentValue
	l.mu.RUnlock()
	if val == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = l.coord.ReleaseLease(ctx, l.lockKey, val)
}

func (l *LeaderElector) becomeLeader() {
	l.mu.Lock()
	l.isLeader = true
	ctx, cancel := context.WithCancel(context.Background())
	l.leaderCancel = cancel
	l.leaderCtx = context.WithValue(ctx, fencingKey{}, l.currentEpoch)
	l.transitions++
	epoch := l.currentEpoch
	shard := itoa(l.shard)
	if !l.stepDownTime.IsZero() {
		observability.LeaderTransitions.WithLabelValues(shard, "reacquired").Inc()
		l.stepDownTime = time.Time{}
	} else {
		observability.LeaderTransitions.WithLabelValues(shard, "acquired").Inc()
	}
	l.mu.Unlock()

	observability.LeaderEpoch.WithLabelValues(shard).Set(float64(epoch))
	l.log.Info("became shard leader", "shard", l.shard, "epoch", epoch, "node", l.nodeID)

	if l.onElected != nil {
		go l.onElected(l.leaderCtx)
	}
}

func (l *LeaderElector) stepDown() {
	l.mu.Lock()
	if !l.isLeader {
		l.mu.Unlock()
		return
	}
	l.isLeader = false
	l.transitions++
	l.stepDownTime = time.Now()
	if l.leaderCancel != nil {
		l.leaderCancel()
	}
	l.mu.Unlock()

	observability.LeaderTransitions.WithLabelValues(itoa(l.shard), "lost").Inc()
	l.log.Warn("lost shard leadership", "shard", l.shard, "node", l.nodeID)
	if l.onLost != nil {
		l.onLost()
	}
}
