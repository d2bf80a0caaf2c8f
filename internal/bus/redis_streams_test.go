package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisBus(t *testing.T) (*RedisStreamsBus, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	b := NewRedisStreamsBus(client, testLogger(), Config{Partitions: 2, MaxRetries: 5})
	return b, client
}

func TestRedisStreamsBusPublishAppendsToPartitionedStream(t *testing.T) {
	b, client := newTestRedisBus(t)
	ctx := context.Background()

	if err := b.Publish(ctx, "agent-events-heartbeat", "agent-1", []byte(`{"n":1}`), map[string]string{"event-id": "e1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	partition := fnvPartition("agent-1", 2)
	stream := b.streamKey("agent-events-heartbeat", partition)

	length, err := client.XLen(ctx, stream).Result()
	if err != nil {
		t.Fatalf("XLen: %v", err)
	}
	if length != 1 {
		t.Fatalf("expected 1 entry on %s, got %d", stream, length)
	}
}

func TestRedisStreamsBusPublishIsIdempotentOnDuplicateEventID(t *testing.T) {
	b, client := newTestRedisBus(t)
	ctx := context.Background()

	headers := map[string]string{"event-id": "dup-1"}
	if err := b.Publish(ctx, "agent-events-heartbeat", "agent-1", []byte("a"), headers); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if err := b.Publish(ctx, "agent-events-heartbeat", "agent-1", []byte("b"), headers); err != nil {
		t.Fatalf("second publish: %v", err)
	}

	partition := fnvPartition("agent-1", 2)
	stream := b.streamKey("agent-events-heartbeat", partition)

	length, err := client.XLen(ctx, stream).Result()
	if err != nil {
		t.Fatalf("XLen: %v", err)
	}
	if length != 1 {
		t.Fatalf("expected idempotent producer to suppress the duplicate, got %d entries", length)
	}
}

func TestRedisStreamsBusRoutesDistinctKeysToPossiblyDifferentPartitions(t *testing.T) {
	b, client := newTestRedisBus(t)
	ctx := context.Background()

	if err := b.Publish(ctx, "topic-x", "agent-a", []byte("1"), nil); err != nil {
		t.Fatalf("publish a: %v", err)
	}
	if err := b.Publish(ctx, "topic-x", "agent-b", []byte("1"), nil); err != nil {
		t.Fatalf("publish b: %v", err)
	}

	var total int64
	for p := 0; p < b.partitions; p++ {
		n, err := client.XLen(ctx, b.streamKey("topic-x", p)).Result()
		if err != nil {
			t.Fatalf("XLen partition %d: %v", p, err)
		}
		total += n
	}
	if total != 2 {
		t.Fatalf("expected both messages to land somewhere across partitions, got total %d", total)
	}
}

// countAcrossPartitions sums a topic's entries over every partition, so
// assertions don't depend on which partition fnvPartition happens to pick.
func countAcrossPartitions(t *testing.T, client *redis.Client, b *RedisStreamsBus, topic string) int64 {
	t.Helper()
	ctx := context.Background()
	var total int64
	for p := 0; p < b.partitions; p++ {
		n, err := client.XLen(ctx, b.streamKey(topic, p)).Result()
		if err != nil {
			t.Fatalf("XLen partition %d of %s: %v", p, topic, err)
		}
		total += n
	}
	return total
}

func TestRedisStreamsBusRetryRepublishReachesRetryTopicDespiteSharedEventID(t *testing.T) {
	b, client := newTestRedisBus(t)
	ctx := context.Background()

	topic := "agent-events-heartbeat"
	if err := b.Publish(ctx, topic, "agent-1", []byte("payload"), map[string]string{"event-id": "evt-1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	xmsg := redis.XMessage{ID: "1-0", Values: map[string]interface{}{"value": "payload", "hdr:event-id": "evt-1", "hdr:source-agent": "agent-1"}}

	b.handleMessage(ctx, topic, b.streamKey(topic, 0), "test-group", 0, xmsg, func(ctx context.Context, m Message) error {
		return errors.New("handler failed")
	})

	retryTopic := RetryTopic(topic)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if countAcrossPartitions(t, client, b, retryTopic) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected the failed message to reach the retry topic despite sharing event-id %q with its original-topic publish", "evt-1")
}

func TestRedisStreamsBusDeadLetterReachesDeadLetterTopicDespiteSharedEventID(t *testing.T) {
	b, client := newTestRedisBus(t)
	ctx := context.Background()

	topic := "agent-events-heartbeat"
	if err := b.Publish(ctx, topic, "agent-1", []byte("payload"), map[string]string{"event-id": "evt-2"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msg := Message{Topic: topic, Key: "agent-1", Value: []byte("payload"), Headers: map[string]string{"event-id": "evt-2"}}
	b.publishDeadLetter(ctx, topic, msg, b.maxRetries+1, errors.New("exhausted retries"))

	if n := countAcrossPartitions(t, client, b, DeadLetterTopic); n != 1 {
		t.Fatalf("expected the exhausted message to reach the dead-letter topic despite sharing event-id %q with its original-topic publish, got %d entries", "evt-2", n)
	}
}

func TestRedisStreamsBusPublishFallsBackToSourceAgentHeaderWhenKeyEmpty(t *testing.T) {
	b, client := newTestRedisBus(t)
	ctx := context.Background()

	if err := b.Publish(ctx, "topic-y", "", []byte("1"), map[string]string{"source-agent": "agent-z"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	partition := fnvPartition("agent-z", 2)
	stream := b.streamKey("topic-y", partition)
	length, err := client.XLen(ctx, stream).Result()
	if err != nil {
		t.Fatalf("XLen: %v", err)
	}
	if length != 1 {
		t.Fatalf("expected message routed by source-agent header, got %d at %s", length, stream)
	}
}
