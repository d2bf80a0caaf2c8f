package mesh

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentmesh/meshd/internal/bus"
	"github.com/agentmesh/meshd/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFacadePublishAssignsSequenceFromStore(t *testing.T) {
	st := store.NewMemoryStore()
	f := New(testLogger(), st, nil, nil, 100)

	evt1, err := f.Publish(context.Background(), "heartbeat", "agent-1", []byte("one"), nil)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	evt2, err := f.Publish(context.Background(), "heartbeat", "agent-1", []byte("two"), nil)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if evt2.Sequence <= evt1.Sequence {
		t.Fatalf("expected increasing sequence, got %d then %d", evt1.Sequence, evt2.Sequence)
	}
}

func TestFacadePublishFallbackSequenceWithoutStore(t *testing.T) {
	f := New(testLogger(), nil, nil, nil, 100)

	evt1, err := f.Publish(context.Background(), "heartbeat", "agent-1", nil, nil)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	evt2, err := f.Publish(context.Background(), "heartbeat", "agent-1", nil, nil)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if evt1.Sequence != 1 || evt2.Sequence != 2 {
		t.Fatalf("expected fallback sequence 1 then 2, got %d then %d", evt1.Sequence, evt2.Sequence)
	}
}

func TestFacadeLocalSubscribeReceivesPublishedEvent(t *testing.T) {
	f := New(testLogger(), nil, nil, nil, 100)

	received := make(chan *store.Event, 1)
	sub, err := f.Subscribe(context.Background(), "heartbeat", func(ctx context.Context, evt *store.Event) {
		received <- evt
	}, SubscribeOptions{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if _, err := f.Publish(context.Background(), "heartbeat", "agent-1", []byte("payload"), nil); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case evt := <-received:
		if string(evt.Data) != "payload" {
			t.Fatalf("expected payload data, got %q", evt.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("expected local handler to receive published event")
	}
}

func TestFacadeUnsubscribeStopsDelivery(t *testing.T) {
	f := New(testLogger(), nil, nil, nil, 100)

	var calls int32
	sub, err := f.Subscribe(context.Background(), "heartbeat", func(ctx context.Context, evt *store.Event) {
		atomic.AddInt32(&calls, 1)
	}, SubscribeOptions{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sub.Unsubscribe()

	if _, err := f.Publish(context.Background(), "heartbeat", "agent-1", nil, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("expected no delivery after unsubscribe, got %d calls", calls)
	}
}

func TestFacadePublishReachesBus(t *testing.T) {
	b := bus.NewLogBus(testLogger())
	f := New(testLogger(), nil, b, nil, 100)

	received := make(chan bus.Message, 1)
	if _, err := b.Subscribe(context.Background(), bus.PrimaryTopic("heartbeat"), "test-group", func(ctx context.Context, msg bus.Message) error {
		received <- msg
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if _, err := f.Publish(context.Background(), "heartbeat", "agent-1", []byte("hi"), nil); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-received:
		if string(msg.Value) != "hi" {
			t.Fatalf("expected bus message value 'hi', got %q", msg.Value)
		}
	case <-time.After(time.Second):
		t.Fatal("expected bus consumer to receive published event")
	}
}

func TestFacadeQueryHistoryFallsBackToRingWithoutStore(t *testing.T) {
	f := New(testLogger(), nil, nil, nil, 100)

	if _, err := f.Publish(context.Background(), "alert", "agent-1", nil, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := f.Publish(context.Background(), "heartbeat", "agent-1", nil, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}

	events, err := f.QueryHistory(context.Background(), store.EventFilter{Type: "alert"}, 10)
	if err != nil {
		t.Fatalf("query history: %v", err)
	}
	if len(events) != 1 || events[0].Type != "alert" {
		t.Fatalf("expected one alert event, got %+v", events)
	}
}

func TestFacadeWatchNewEventsDeliversFreshEvents(t *testing.T) {
	st := store.NewMemoryStore()
	f := New(testLogger(), st, nil, nil, 100)

	seen := make(chan *store.Event, 10)
	cancel := f.WatchNewEvents(context.Background(), func(evt *store.Event) {
		seen <- evt
	})
	defer cancel()

	if _, err := f.Publish(context.Background(), "heartbeat", "agent-1", nil, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case evt := <-seen:
		if evt.Type != "heartbeat" {
			t.Fatalf("expected heartbeat event, got %q", evt.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("expected watcher to observe newly published event")
	}
}
