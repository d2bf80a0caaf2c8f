package idempotency

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend adapts a go-redis client to Backend, so idempotency
// caching survives a control-surface replica restart and is shared
// across replicas — unlike the sync.Map fallback, which is
// process-local only.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client, prefix: "idempotency:"}
}

func (b *RedisBackend) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return b.client.Set(ctx, b.prefix+key, value, ttl).Err()
}

func (b *RedisBackend) Get(ctx context.Context, key string) (string, error) {
	val, err := b.client.Get(ctx, b.prefix+key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}
