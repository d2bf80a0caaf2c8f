// Package bus is the event bus: publish/subscribe over partitioned,
// ordered topics with an idempotent producer, consumer groups with
// manual offset commit, bounded retry, and a dead-letter destination,
// per spec.md §4.4.
//
// The Bus interface generalizes FluxForge's control_plane/streaming
// Publisher/Subscriber split (control_plane/streaming/interface.go)
// into one interface wide enough to express partitioned consumer
// groups and dead-letter routing.
package bus

import (
	"context"
	"hash/fnv"
)

// Message is one bus message: the event JSON as value plus the headers
// spec.md §4.4 specifies (event-id, event-type, source-agent,
// timestamp, plus caller-supplied headers).
type Message struct {
	Topic     string
	Key       string // partition key, defaults to source agent id
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
}

// Handler processes one message. Returning a non-nil error invokes the
// retry policy (spec.md §4.4): compute backoff, republish to the
// companion retry topic, and after maxRetries land on the dead-letter
// topic — the original offset is committed in all three cases.
type Handler func(ctx context.Context, msg Message) error

// Bus is the partitioned, ordered, idempotent-producer event bus.
type Bus interface {
	// Publish sends value to topic, routed to a partition by key (or by
	// the FNV hash of headers["source-agent"] if key is empty).
	Publish(ctx context.Context, topic string, key string, value []byte, headers map[string]string) error

	// Subscribe joins groupID on topic. Per-partition processing is
	// sequential; offsets commit only after handler returns, per
	// spec.md §4.4 and §5's one-task-per-(topic,group) rule.
	Subscribe(ctx context.Context, topic string, groupID string, handler Handler) (Subscription, error)

	Close() error
}

// Subscription lets a caller stop a Subscribe loop.
type Subscription interface {
	Unsubscribe() error
}

// RetryTopic and DeadLetterTopic name the companion topics spec.md §6
// requires for every primary topic.
func RetryTopic(topic string) string { return topic + "-retry" }

const DeadLetterTopic = "dead-letter-queue"

// PrimaryTopic builds the spec's "agent-events-<type>" topic name.
func PrimaryTopic(eventType string) string { return "agent-events-" + eventType }

// fnvPartition hashes key into [0, partitions), the same FNV-1a
// routing FluxForge's scheduler.go/store/memory.go fnvHash helper uses
// for shard assignment, reused here for topic partition routing.
func fnvPartition(key string, partitions int) int {
	if partitions <= 0 {
		partitions = 1
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(partitions))
}
