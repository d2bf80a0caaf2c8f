// Package config loads the mesh's runtime configuration from the
// environment, the same typed-struct-over-env-vars approach
// dist-job-scheduler uses (config/config.go, caarlos0/env/v11) instead
// of FluxForge's hand-rolled os.Getenv/fmt.Sscanf parsing in main.go.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

// StoreDriver selects the durable state store backend.
type StoreDriver string

const (
	StoreDriverPostgres StoreDriver = "postgres"
	StoreDriverRedis    StoreDriver = "redis"
	StoreDriverMemory   StoreDriver = "memory"
)

// BusDriver selects the event bus backend.
type BusDriver string

const (
	BusDriverRedisStreams BusDriver = "redis-streams"
	BusDriverLog          BusDriver = "log"
)

// Config holds every environment-tunable knob listed in spec.md §6.
type Config struct {
	ShardIndex int `env:"SHARD_INDEX" envDefault:"0"`
	ShardCount int `env:"SHARD_COUNT" envDefault:"1"`

	ImminentWindowMs    int64 `env:"IMMINENT_WINDOW_MS" envDefault:"900000"` // 15 min
	HydrationIntervalMs int64 `env:"HYDRATION_INTERVAL_MS" envDefault:"60000"`
	CoalesceWindowMs    int64 `env:"COALESCE_WINDOW_MS" envDefault:"30000"`

	MaxRetries       int   `env:"MAX_RETRIES" envDefault:"5"`
	InitialRetryMs   int64 `env:"INITIAL_RETRY_DELAY_MS" envDefault:"1000"`
	MaxRetryDelayMs  int64 `env:"MAX_RETRY_DELAY_MS" envDefault:"300000"`
	QueueConcurrency int   `env:"QUEUE_CONCURRENCY" envDefault:"10"`
	QueueRateMax     int   `env:"QUEUE_RATE_MAX" envDefault:"5"`
	QueueRateMs      int64 `env:"QUEUE_RATE_DURATION_MS" envDefault:"1000"`

	CircuitBreakerThreshold int `env:"CIRCUIT_BREAKER_THRESHOLD" envDefault:"1000"`

	StoreDriver StoreDriver `env:"STORE_DRIVER" envDefault:"memory" validate:"oneof=postgres redis memory"`
	BusDriver   BusDriver   `env:"BUS_DRIVER" envDefault:"log" validate:"oneof=redis-streams log"`

	PostgresDSN string `env:"POSTGRES_DSN" envDefault:""`
	RedisAddr   string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisDB     int    `env:"REDIS_DB" envDefault:"0"`

	BusPartitions      int `env:"BUS_PARTITIONS" envDefault:"3"`
	BusMaxRetries      int `env:"BUS_MAX_RETRIES" envDefault:"5"`
	ConsumerMaxBytes   int `env:"CONSUMER_MAX_BYTES_PER_PARTITION" envDefault:"1048576"`
	RingBufferCapacity int `env:"RING_BUFFER_CAPACITY" envDefault:"1000"`

	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	LogJSON  bool   `env:"LOG_JSON" envDefault:"false"`

	// JWTSecret signs/validates control-surface bearer tokens. Must be
	// at least 32 bytes in any profile other than local dev.
	JWTSecret string `env:"JWT_SECRET" envDefault:""`
}

// Load parses Config from the process environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	if cfg.ShardCount < 1 {
		cfg.ShardCount = 1
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}
	return cfg, nil
}

func (c *Config) ImminentWindow() time.Duration    { return time.Duration(c.ImminentWindowMs) * time.Millisecond }
func (c *Config) HydrationInterval() time.Duration { return time.Duration(c.HydrationIntervalMs) * time.Millisecond }
func (c *Config) CoalesceWindow() time.Duration    { return time.Duration(c.CoalesceWindowMs) * time.Millisecond }
func (c *Config) InitialRetryDelay() time.Duration { return time.Duration(c.InitialRetryMs) * time.Millisecond }
func (c *Config) MaxRetryDelay() time.Duration     { return time.Duration(c.MaxRetryDelayMs) * time.Millisecond }

// RateLimit converts QueueRateMax/QueueRateMs into tokens-per-second,
// so a QUEUE_RATE_DURATION_MS other than the 1000ms default actually
// changes the scheduler's admission rate instead of being ignored.
func (c *Config) RateLimit() float64 {
	return float64(c.QueueRateMax) / (float64(c.QueueRateMs) / 1000)
}
func (c *Config) QueueRateDuration() time.Duration { return time.Duration(c.QueueRateMs) * time.Millisecond }
