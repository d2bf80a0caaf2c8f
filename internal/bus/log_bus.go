package bus

import (
	"context"
	"log/slog"
	"sync"
)

// LogBus is the degrade-to-log-only adapter used in dev/test and when
// no broker is configured, ported from FluxForge's
// control_plane/streaming/logger.go LogPublisher — same "log every
// publish, no real delivery" behavior — generalized here to also
// deliver synchronously to any locally-registered Subscribe handlers,
// since tests need round-trip delivery without a Redis dependency.
type LogBus struct {
	log *slog.Logger

	mu       sync.Mutex
	nextID   int
	handlers map[string][]registeredHandler
}

type registeredHandler struct {
	id int
	fn Handler
}

func NewLogBus(logger *slog.Logger) *LogBus {
	return &LogBus{log: logger, handlers: make(map[string][]registeredHandler)}
}

func (b *LogBus) Publish(ctx context.Context, topic string, key string, value []byte, headers map[string]string) error {
	b.log.Info("bus publish", "topic", topic, "key", key, "bytes", len(value))

	b.mu.Lock()
	handlers := append([]registeredHandler(nil), b.handlers[topic]...)
	b.mu.Unlock()

	msg := Message{Topic: topic, Key: key, Value: value, Headers: headers}
	for _, h := range handlers {
		if err := h.fn(ctx, msg); err != nil {
			b.log.Error("bus: local handler failed", "topic", topic, "error", err)
		}
	}
	return nil
}

func (b *LogBus) Subscribe(ctx context.Context, topic string, groupID string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[topic] = append(b.handlers[topic], registeredHandler{id: id, fn: handler})
	b.mu.Unlock()
	return &logSubscription{bus: b, topic: topic, id: id}, nil
}

func (b *LogBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = nil
	return nil
}

type logSubscription struct {
	bus   *LogBus
	topic string
	id    int
}

func (s *logSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	list := s.bus.handlers[s.topic]
	for i, h := range list {
		if h.id == s.id {
			s.bus.handlers[s.topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
	return nil
}
