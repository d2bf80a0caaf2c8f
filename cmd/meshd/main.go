// Command meshd runs the agent event mesh and heartbeat scheduler as a
// single process: one shard's worth of schedule hydration/firing, the
// mesh facade fanning published events out to the bus/analytics/ring/
// websocket dashboard, and the control surface's HTTP API.
//
// Startup sequencing (config -> store -> bus/analytics -> facade ->
// scheduler -> coordination -> control surface -> serve) follows
// control_plane/main.go's wiring order, generalized onto this system's
// package boundaries; graceful shutdown follows
// dist-job-scheduler's cmd/scheduler/main.go (signal.NotifyContext,
// bounded Shutdown deadline).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/agentmesh/meshd/internal/analytics"
	"github.com/agentmesh/meshd/internal/bus"
	"github.com/agentmesh/meshd/internal/config"
	"github.com/agentmesh/meshd/internal/coordination"
	"github.com/agentmesh/meshd/internal/httpapi"
	"github.com/agentmesh/meshd/internal/idempotency"
	"github.com/agentmesh/meshd/internal/logging"
	"github.com/agentmesh/meshd/internal/mesh"
	"github.com/agentmesh/meshd/internal/resilience"
	"github.com/agentmesh/meshd/internal/scheduler"
	"github.com/agentmesh/meshd/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(cfg.LogJSON, "meshd")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	nodeID := nodeIdentity()
	logger.Info("starting meshd", "nodeId", nodeID, "shard", fmt.Sprintf("%d/%d", cfg.ShardIndex, cfg.ShardCount), "storeDriver", cfg.StoreDriver, "busDriver", cfg.BusDriver)

	st, versionedWriter, coord, epochs, closeStore := buildStore(ctx, cfg, logger)
	defer closeStore()

	an := buildAnalytics(ctx, cfg, logger)
	defer an.Close()

	redisClient, b := buildBus(cfg, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	facade := mesh.New(logger, st, b, an, cfg.RingBufferCapacity)

	sched := scheduler.New(logger, st, b, heartbeatCallback(facade), schedulerConfig(cfg))
	sched.SetDegradedMode(resilience.NewDegradedMode(logger, 10000), versionedWriter)

	runElection(ctx, logger, nodeID, cfg, coord, epochs, sched)

	monitor := coordination.NewAgentMonitor(logger, st, cfg.HydrationInterval())
	go monitor.Start(ctx)

	hub := mesh.NewEventHub(logger)
	stopFeed := hub.Feed(ctx, facade)
	defer stopFeed()
	go hub.Run(ctx)

	idem := idempotency.NewStore(logger, buildIdempotencyBackend(redisClient))
	issuer := httpapi.NewTokenIssuer(jwtSecret(cfg, logger))
	api := httpapi.New(logger, st, sched, facade, hub, idem, issuer)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: api.Routes()}
	go func() {
		logger.Info("meshd control surface listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "error", err)
		}
	}()

	<-ctx.Done()
	stop()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "error", err)
	}
}

// nodeIdentity builds a per-process identity for leader-election
// fencing metadata, grounded on FluxForge's main.go generateNodeID but
// using google/uuid instead of the teacher's literal "uuid" placeholder.
func nodeIdentity() string {
	hostname, _ := os.Hostname()
	return hostname + "-" + uuid.NewString()
}

// buildStore constructs the configured durable-state backend wrapped in
// the 60s AgentState read-through cache, plus the Coordinator/EpochStore
// pair leader election needs. Only store.RedisStore implements
// Coordinator's lease primitives, so the postgres profile dials a
// second, lease-only Redis connection, mirroring FluxForge main.go's
// "Postgres for durable epochs, Redis for leases" split.
func buildStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (st store.Store, versionedWriter resilience.VersionedWriter, coord coordination.Coordinator, epochs coordination.EpochStore, closeFn func()) {
	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		pg, err := store.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("store: connect postgres: %v", err)
		}
		leaseStore, err := store.NewRedisStore(ctx, cfg.RedisAddr, "", cfg.RedisDB)
		if err != nil {
			logger.Warn("store: lease redis unavailable, leader election disabled, running standalone", "error", err)
			return store.NewCachedStore(pg, 60*time.Second), nil, nil, nil, func() { pg.Close() }
		}
		return store.NewCachedStore(pg, 60*time.Second), leaseStore, leaseStore, pg, func() {
			pg.Close()
			leaseStore.Close()
		}

	case config.StoreDriverRedis:
		rs, err := store.NewRedisStore(ctx, cfg.RedisAddr, "", cfg.RedisDB)
		if err != nil {
			log.Fatalf("store: connect redis: %v", err)
		}
		return store.NewCachedStore(rs, 60*time.Second), rs, rs, rs, func() { rs.Close() }

	default:
		logger.Warn("store: running on MemoryStore, single-process dev mode only")
		mem := store.NewMemoryStore()
		return store.NewCachedStore(mem, 60*time.Second), nil, nil, nil, func() { mem.Close() }
	}
}

// buildAnalytics wires the Postgres rollup-table analytics backend when
// running the embedded profile; every other profile degrades to the
// facade's in-memory ring, per spec.md §4.5's "each external-system
// client is optional" rule.
func buildAnalytics(ctx context.Context, cfg *config.Config, logger *slog.Logger) analytics.Analytics {
	if cfg.StoreDriver != config.StoreDriverPostgres || cfg.PostgresDSN == "" {
		logger.Info("analytics: no postgres profile configured, degrading to ring-only history")
		return analytics.NoopAnalytics{}
	}
	an, err := analytics.NewPostgresAnalytics(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Warn("analytics: connect failed, degrading to ring-only history", "error", err)
		return analytics.NoopAnalytics{}
	}
	return an
}

// buildBus dials a Redis client (reused by the idempotency backend) and
// returns the Redis Streams bus when configured, or the log-only bus
// for dev/test profiles.
func buildBus(cfg *config.Config, logger *slog.Logger) (*redis.Client, bus.Bus) {
	if cfg.BusDriver != config.BusDriverRedisStreams {
		return nil, bus.NewLogBus(logger)
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	return client, bus.NewRedisStreamsBus(client, logger, bus.Config{Partitions: cfg.BusPartitions, MaxRetries: cfg.BusMaxRetries})
}

// buildIdempotencyBackend shares the bus's Redis client for the
// idempotency-key cache when one was dialed; otherwise the Store falls
// back to its process-local sync.Map, ephemeral across restarts.
func buildIdempotencyBackend(client *redis.Client) idempotency.Backend {
	if client == nil {
		return nil
	}
	return idempotency.NewRedisBackend(client)
}

// runElection starts leader election plus its lock janitor when a
// Coordinator is available, running the scheduler only while this shard
// holds leadership; otherwise it runs the scheduler standalone, unsafe
// for multi-node HA but usable for single-node dev, the same fallback
// FluxForge's main.go takes when Redis is unavailable.
func runElection(ctx context.Context, logger *slog.Logger, nodeID string, cfg *config.Config, coord coordination.Coordinator, epochs coordination.EpochStore, sched *scheduler.Scheduler) {
	if coord == nil || epochs == nil {
		logger.Warn("coordination: no distributed coordinator configured, running scheduler standalone")
		go sched.Run(ctx)
		return
	}

	elector := coordination.NewLeaderElector(coord, epochs, logger, nodeID, cfg.ShardIndex, 30*time.Second)
	elector.SetCallbacks(
		func(leaderCtx context.Context) {
			logger.Info("elected shard leader, starting scheduler", "shard", cfg.ShardIndex)
			sched.Run(leaderCtx)
		},
		func() {
			logger.Warn("lost shard leadership, scheduler stopping", "shard", cfg.ShardIndex)
		},
	)
	go elector.Run(ctx)

	janitor := coordination.NewLockJanitor(coord, epochs, logger, 60*time.Second)
	go janitor.Run(ctx)
}

// heartbeatCallback is the scheduler's AgentCallback: firing a heartbeat
// publishes a "heartbeat.fired" mesh event rather than calling out to a
// real agent process, which this repository's scope treats as an
// external collaborator (spec.md §1's TUI/provider-adapter boundary).
func heartbeatCallback(facade *mesh.Facade) scheduler.AgentCallback {
	return func(ctx context.Context, agentID string) (scheduler.AgentResult, error) {
		payload, err := json.Marshal(map[string]string{"agentId": agentID})
		if err != nil {
			return scheduler.AgentResult{}, err
		}
		if _, err := facade.Publish(ctx, "heartbeat.fired", "meshd-scheduler", payload, nil); err != nil {
			return scheduler.AgentResult{}, err
		}
		return scheduler.AgentResult{Status: store.RunOK}, nil
	}
}

// schedulerConfig maps the environment-tunable knobs onto
// scheduler.Config, leaving anything unset at DefaultConfig's values.
func schedulerConfig(cfg *config.Config) scheduler.Config {
	c := scheduler.DefaultConfig()
	c.HydrationInterval = cfg.HydrationInterval()
	c.ImminentWindow = cfg.ImminentWindow()
	c.CoalesceWindow = cfg.CoalesceWindow()
	c.MaxRetries = cfg.MaxRetries
	c.InitialRetryDelay = cfg.InitialRetryDelay()
	c.MaxRetryDelay = cfg.MaxRetryDelay()
	c.WorkerConcurrency = cfg.QueueConcurrency
	c.RateLimit = cfg.RateLimit()
	c.RateBurst = cfg.QueueRateMax
	c.CircuitBreakerThreshold = cfg.CircuitBreakerThreshold
	return c
}

// jwtSecret returns the configured control-surface signing secret, or
// generates an ephemeral per-process one with a loud warning: every
// token issued before a restart becomes invalid, acceptable for local
// dev but not a production deployment.
func jwtSecret(cfg *config.Config, logger *slog.Logger) string {
	if cfg.JWTSecret != "" {
		return cfg.JWTSecret
	}
	logger.Warn("JWT_SECRET not set, generating an ephemeral per-process secret; tokens will not survive a restart")
	return uuid.NewString() + uuid.NewString()
}
