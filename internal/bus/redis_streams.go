package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStreamsBus implements Bus over Redis Streams (XADD/XREADGROUP/
// XACK), the only streaming-capable client in the corpus's go.mod set.
// FluxForge's own streaming.Publisher is adapter-agnostic
// (control_plane/streaming/interface.go); this is the concrete adapter
// it never shipped, grounded on the same redis/go-redis/v9 client
// store.RedisStore uses for persistence.
type RedisStreamsBus struct {
	client     *redis.Client
	log        *slog.Logger
	partitions int
	maxRetries int
}

// Config tunes the bus: partition count (default 3 per spec.md §6),
// and the retry ceiling before dead-lettering (default 5).
type Config struct {
	Partitions int
	MaxRetries int
}

func NewRedisStreamsBus(client *redis.Client, logger *slog.Logger, cfg Config) *RedisStreamsBus {
	if cfg.Partitions <= 0 {
		cfg.Partitions = 3
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	return &RedisStreamsBus{client: client, log: logger, partitions: cfg.Partitions, maxRetries: cfg.MaxRetries}
}

func (b *RedisStreamsBus) Close() error { return b.client.Close() }

// streamKey names the Redis stream backing one (topic, partition) pair.
func (b *RedisStreamsBus) streamKey(topic string, partition int) string {
	return fmt.Sprintf("meshd:bus:%s:%d", topic, partition)
}

// dedupKey guards the idempotent producer: one event-id may only be
// appended to a given topic once, the bus-level equivalent of the
// "transactional id, maxInFlightRequests=1" contract in spec.md §4.4.
// Scoped per-topic so the same event-id republished to a retry topic
// or the dead-letter topic isn't mistaken for a duplicate of its
// original-topic publish.
func (b *RedisStreamsBus) dedupKey(topic, eventID string) string {
	return "meshd:bus:dedup:" + topic + ":" + eventID
}

func (b *RedisStreamsBus) Publish(ctx context.Context, topic string, key string, value []byte, headers map[string]string) error {
	eventID := headers["event-id"]
	if eventID != "" {
		ok, err := b.client.SetNX(ctx, b.dedupKey(topic, eventID), "1", 24*time.Hour).Result()
		if err != nil {
			return fmt.Errorf("bus: dedup check: %w", err)
		}
		if !ok {
			// Already published under a prior producer attempt: the
			// idempotent-producer guarantee means this is a success,
			// not a retry.
			return nil
		}
	}

	if key == "" {
		key = headers["source-agent"]
	}
	partition := fnvPartition(key, b.partitions)

	fields := map[string]interface{}{"value": value}
	for k, v := range headers {
		fields["hdr:"+k] = v
	}
	_, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.streamKey(topic, partition),
		Values: fields,
	}).Result()
	if err != nil {
		return fmt.Errorf("bus: xadd: %w", err)
	}
	return nil
}

func (b *RedisStreamsBus) Subscribe(ctx context.Context, topic string, groupID string, handler Handler) (Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	for p := 0; p < b.partitions; p++ {
		stream := b.streamKey(topic, p)
		if err := b.client.XGroupCreateMkStream(ctx, stream, groupID, "$").Err(); err != nil && !isBusyGroupErr(err) {
			cancel()
			return nil, fmt.Errorf("bus: create consumer group: %w", err)
		}
		go b.consumePartition(subCtx, topic, stream, groupID, p, handler)
	}
	return &redisSubscription{cancel: cancel}, nil
}

type redisSubscription struct{ cancel context.CancelFunc }

func (s *redisSubscription) Unsubscribe() error {
	s.cancel()
	return nil
}

// consumePartition is the one-task-per-(topic,partition) loop spec.md
// §5 requires: sequential handling, offset committed only after the
// handler returns (success, retry-republish, or dead-letter — all
// three commit the original offset per spec.md §4.4).
func (b *RedisStreamsBus) consumePartition(ctx context.Context, topic, stream, groupID string, partition int, handler Handler) {
	consumerName := fmt.Sprintf("%s-%d", groupID, partition)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    groupID,
			Consumer: consumerName,
			Streams:  []string{stream, ">"},
			Count:    10,
			Block:    3 * time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			b.log.Error("bus: xreadgroup failed", "stream", stream, "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, s := range streams {
			for _, xmsg := range s.Messages {
				b.handleMessage(ctx, topic, stream, groupID, partition, xmsg, handler)
			}
		}
	}
}

func (b *RedisStreamsBus) handleMessage(ctx context.Context, topic, stream, groupID string, partition int, xmsg redis.XMessage, handler Handler) {
	retryCount := 0
	if v, ok := xmsg.Values["hdr:retry-count"]; ok {
		if n, err := strconv.Atoi(fmt.Sprint(v)); err == nil {
			retryCount = n
		}
	}

	headers := make(map[string]string)
	for k, v := range xmsg.Values {
		if len(k) > 4 && k[:4] == "hdr:" {
			headers[k[4:]] = fmt.Sprint(v)
		}
	}
	value, _ := xmsg.Values["value"].(string)

	msg := Message{Topic: topic, Partition: partition, Value: []byte(value), Headers: headers}

	err := handler(ctx, msg)

	// Offset is committed in every branch: success, retry, or dead-letter.
	defer b.client.XAck(ctx, stream, groupID, xmsg.ID)

	if err == nil {
		return
	}

	retryCount++
	if retryCount > b.maxRetries {
		b.publishDeadLetter(ctx, topic, msg, retryCount, err)
		return
	}

	backoff := time.Duration(math.Pow(2, float64(retryCount-1))) * time.Second
	time.AfterFunc(backoff, func() {
		headers["retry-count"] = strconv.Itoa(retryCount)
		if pubErr := b.Publish(context.Background(), RetryTopic(topic), msg.Key, msg.Value, headers); pubErr != nil {
			b.log.Error("bus: republish to retry topic failed", "topic", topic, "error", pubErr)
		}
	})
}

// publishDeadLetter wraps the event as {event, metadata, error,
// failedAt, origTopic, retryCount}. The wrapper carries no stack trace.
func (b *RedisStreamsBus) publishDeadLetter(ctx context.Context, topic string, msg Message, retryCount int, cause error) {
	wrapped := map[string]interface{}{
		"event":      string(msg.Value),
		"metadata":   msg.Headers,
		"error":      cause.Error(),
		"failedAt":   time.Now().UnixMilli(),
		"origTopic":  topic,
		"retryCount": retryCount,
	}
	data, marshalErr := marshalJSON(wrapped)
	if marshalErr != nil {
		b.log.Error("bus: marshal dead-letter envelope failed", "error", marshalErr)
		return
	}
	if err := b.Publish(ctx, DeadLetterTopic, msg.Key, data, msg.Headers); err != nil {
		b.log.Error("bus: publish to dead-letter-queue failed", "topic", topic, "error", err)
	}
}

func isBusyGroupErr(err error) bool {
	return err != nil && len(err.Error()) >= 8 && err.Error()[:8] == "BUSYGROU"
}
