package mesh

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentmesh/meshd/internal/store"
)

var testUpgrader = websocket.Upgrader{}

func newTestHubServer(t *testing.T, h *EventHub) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		h.Register(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dialTestHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestEventHubBroadcastsFedEvents(t *testing.T) {
	h := NewEventHub(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := newTestHubServer(t, h)
	client := dialTestHub(t, srv)

	waitForClientCount(t, h, 1)

	select {
	case h.events <- &store.Event{ID: "evt-1", Type: "heartbeat", Data: []byte("hi")}:
	case <-time.After(time.Second):
		t.Fatal("expected to enqueue event onto hub")
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	if !strings.Contains(string(msg), "evt-1") {
		t.Fatalf("expected broadcast to contain event id, got %q", msg)
	}
}

func TestEventHubEnforcesConnectionCap(t *testing.T) {
	h := NewEventHub(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := newTestHubServer(t, h)

	for i := 0; i < maxWSConnections; i++ {
		dialTestHub(t, srv)
	}
	waitForClientCount(t, h, maxWSConnections)

	rejected := dialTestHub(t, srv)
	rejected.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := rejected.ReadMessage(); err == nil {
		t.Fatal("expected connection beyond cap to be closed")
	}
}

func waitForClientCount(t *testing.T, h *EventHub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.ClientCount() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected client count %d, got %d", want, h.ClientCount())
}
