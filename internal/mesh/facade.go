// Package mesh is the unified mesh facade: the single publish/
// subscribe/queryHistory/watchNewEvents entry point that fans each
// published event out to the ordered store, the streaming bus, and the
// analytics rollup, per spec.md §4.5. Every external client is optional
// — absent any of them, the facade degrades to local-handler dispatch
// plus the in-memory ring.
package mesh

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/agentmesh/meshd/internal/analytics"
	"github.com/agentmesh/meshd/internal/bus"
	"github.com/agentmesh/meshd/internal/ids"
	"github.com/agentmesh/meshd/internal/observability"
	"github.com/agentmesh/meshd/internal/store"
)

// Handler is a locally-registered in-process event handler.
type Handler func(ctx context.Context, evt *store.Event)

// SubscribeOptions customizes Subscribe's bus consumer group.
type SubscribeOptions struct {
	GroupID string
}

// Subscription lets a caller stop receiving events.
type Subscription interface {
	Unsubscribe()
}

// Facade is the unified mesh entry point.
type Facade struct {
	log *slog.Logger

	st  store.Store      // optional
	bus bus.Bus           // optional
	an  analytics.Analytics // optional

	ring *ring

	mu          sync.Mutex
	handlers    map[string][]localHandler
	nextHandler int
	fallbackSeq uint64 // sequence source when st is absent

	watchMu      sync.Mutex
	lastKnownSeq uint64
}

type localHandler struct {
	id int
	fn Handler
}

// New builds a Facade. st, b, and an may each be nil, per spec.md
// §4.5's "each external-system client is optional" rule.
func New(logger *slog.Logger, st store.Store, b bus.Bus, an analytics.Analytics, ringCapacity int) *Facade {
	return &Facade{
		log:      logger,
		st:       st,
		bus:      b,
		an:       an,
		ring:     newRing(ringCapacity),
		handlers: make(map[string][]localHandler),
	}
}

// Publish constructs an Event with a fresh ULID and the current
// timestamp, assigns it a sequence, and fans it out to the store, the
// bus, analytics, local handlers, and the ring, per spec.md §4.5's
// ordered five-step publish.
func (f *Facade) Publish(ctx context.Context, eventType string, source string, data []byte, metadata map[string]string) (*store.Event, error) {
	id, err := ids.NewNow()
	if err != nil {
		return nil, err
	}

	evt := &store.Event{
		ID:        id.String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
		Metadata:  metadata,
	}

	// Step 1 must complete before steps 2-5 begin: it's the only step
	// that assigns sequence.
	if f.st != nil {
		seq, err := f.st.AppendEvent(ctx, evt)
		if err != nil {
			return nil, err
		}
		evt.Sequence = seq
	} else {
		f.mu.Lock()
		f.fallbackSeq++
		evt.Sequence = f.fallbackSeq
		f.mu.Unlock()
	}

	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); f.publishToBus(ctx, evt) }()
	go func() { defer wg.Done(); f.recordAnalytics(ctx, evt) }()
	go func() { defer wg.Done(); f.dispatchLocal(ctx, evt) }()
	go func() { defer wg.Done(); f.ring.append(evt) }()
	wg.Wait()

	return evt, nil
}

func (f *Facade) publishToBus(ctx context.Context, evt *store.Event) {
	if f.bus == nil {
		return
	}
	topic := bus.PrimaryTopic(evt.Type)
	headers := map[string]string{
		"event-id":    evt.ID,
		"event-type":  evt.Type,
		"source-agent": evt.Source,
		"timestamp":   time.UnixMilli(evt.Timestamp).UTC().Format(time.RFC3339Nano),
	}
	for k, v := range evt.Metadata {
		headers[k] = v
	}
	if err := f.bus.Publish(ctx, topic, evt.Source, evt.Data, headers); err != nil {
		f.log.Error("mesh: bus publish failed", "topic", topic, "error", err)
		observability.EventPublishFailures.WithLabelValues(topic, "publish_error").Inc()
		return
	}
	observability.EventsPublished.WithLabelValues(topic).Inc()
}

func (f *Facade) recordAnalytics(ctx context.Context, evt *store.Event) {
	if f.an == nil {
		return
	}
	if err := f.an.RecordEvent(ctx, evt); err != nil && !errors.Is(err, analytics.ErrUnavailable) {
		f.log.Error("mesh: analytics record failed", "error", err)
	}
}

// dispatchLocal delivers evt to every handler subscribed to its type,
// each wrapped so a handler failure never propagates to the publisher.
func (f *Facade) dispatchLocal(ctx context.Context, evt *store.Event) {
	f.mu.Lock()
	handlers := append([]localHandler(nil), f.handlers[evt.Type]...)
	f.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					f.log.Error("mesh: local handler panicked", "type", evt.Type, "panic", r)
				}
			}()
			h.fn(ctx, evt)
		}()
	}
}

// Subscribe registers a local handler for eventType and, if a bus is
// configured, also starts a consumer group on the corresponding
// primary topic.
func (f *Facade) Subscribe(ctx context.Context, eventType string, handler Handler, opts SubscribeOptions) (Subscription, error) {
	f.mu.Lock()
	f.nextHandler++
	id := f.nextHandler
	f.handlers[eventType] = append(f.handlers[eventType], localHandler{id: id, fn: handler})
	f.mu.Unlock()

	sub := &facadeSubscription{facade: f, eventType: eventType, id: id}

	if f.bus != nil {
		groupID := opts.GroupID
		if groupID == "" {
			groupID = eventType + "-group"
		}
		busSub, err := f.bus.Subscribe(ctx, bus.PrimaryTopic(eventType), groupID, func(ctx context.Context, msg bus.Message) error {
			evt := &store.Event{
				ID:       msg.Headers["event-id"],
				Type:     msg.Headers["event-type"],
				Source:   msg.Headers["source-agent"],
				Data:     msg.Value,
				Metadata: msg.Headers,
			}
			handler(ctx, evt)
			return nil
		})
		if err != nil {
			return nil, err
		}
		sub.busSub = busSub
	}

	return sub, nil
}

type facadeSubscription struct {
	facade    *Facade
	eventType string
	id        int
	busSub    bus.Subscription
}

func (s *facadeSubscription) Unsubscribe() {
	s.facade.mu.Lock()
	list := s.facade.handlers[s.eventType]
	for i, h := range list {
		if h.id == s.id {
			s.facade.handlers[s.eventType] = append(list[:i], list[i+1:]...)
			break
		}
	}
	s.facade.mu.Unlock()

	if s.busSub != nil {
		if err := s.busSub.Unsubscribe(); err != nil {
			s.facade.log.Error("mesh: bus unsubscribe failed", "error", err)
		}
	}
}

// QueryHistory prefers the durable store's indexed query; absent a
// store, it filters the in-memory ring.
func (f *Facade) QueryHistory(ctx context.Context, filter store.EventFilter, limit int) ([]*store.Event, error) {
	if f.st != nil {
		events, err := f.st.GetEvents(ctx, filter, limit)
		if err == nil {
			return events, nil
		}
		f.log.Warn("mesh: store query failed, falling back to ring", "error", err)
	}
	return f.ring.filter(filter, limit), nil
}

// WatchNewEvents polls the store (100ms, no native watch exists in
// this corpus's Store adapters) and invokes callback for every event
// whose sequence exceeds the last one seen. Returns a cancel func.
func (f *Facade) WatchNewEvents(ctx context.Context, callback func(*store.Event)) func() {
	watchCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
				f.pollNewEvents(watchCtx, callback)
			}
		}
	}()
	return cancel
}

func (f *Facade) pollNewEvents(ctx context.Context, callback func(*store.Event)) {
	f.watchMu.Lock()
	last := f.lastKnownSeq
	f.watchMu.Unlock()

	var events []*store.Event
	if f.st != nil {
		evts, err := f.st.GetEvents(ctx, store.EventFilter{}, 0)
		if err != nil {
			f.log.Error("mesh: watch poll failed", "error", err)
			return
		}
		events = evts
	} else {
		events = f.ring.snapshot()
	}

	var maxSeq uint64
	for _, evt := range events {
		if evt.Sequence > last {
			callback(evt)
		}
		if evt.Sequence > maxSeq {
			maxSeq = evt.Sequence
		}
	}
	if maxSeq > last {
		f.watchMu.Lock()
		f.lastKnownSeq = maxSeq
		f.watchMu.Unlock()
	}
}
