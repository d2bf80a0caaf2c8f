package mesh

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentmesh/meshd/internal/observability"
	"github.com/agentmesh/meshd/internal/store"
)

// maxWSConnections caps concurrent dashboard subscribers, the same
// overload guard as FluxForge's MetricsHub.
const maxWSConnections = 200

// EventHub fans newly published events out to websocket subscribers,
// per spec.md §4.5's "watchNewEvents as one concrete subscriber"
// requirement. Single-broadcaster pattern, generalized from
// control_plane/ws_hub.go's MetricsHub: instead of a ticker polling
// per-tenant dashboard metrics, it relays whatever Facade.WatchNewEvents
// delivers.
type EventHub struct {
	log *slog.Logger

	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	events     chan *store.Event
	mu         sync.RWMutex
}

// NewEventHub builds a hub. Call Run to start its loop and Feed to
// attach it to a Facade's event stream.
func NewEventHub(logger *slog.Logger) *EventHub {
	return &EventHub{
		log:        logger,
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		events:     make(chan *store.Event, 256),
	}
}

// Feed wires the hub to a Facade's live event stream; events published
// after this call get broadcast to every connected client.
func (h *EventHub) Feed(ctx context.Context, f *Facade) func() {
	return f.WatchNewEvents(ctx, func(evt *store.Event) {
		select {
		case h.events <- evt:
		default:
			h.log.Warn("mesh: event hub broadcast buffer full, dropping event", "eventId", evt.ID)
		}
	})
}

// Run starts the hub's main loop; blocks until ctx is cancelled.
func (h *EventHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				conn.Close()
				h.log.Warn("mesh: websocket connection rejected, at capacity", "max", maxWSConnections)
				continue
			}
			h.clients[conn] = struct{}{}
			count := len(h.clients)
			h.mu.Unlock()
			observability.WebsocketSubscribers.Set(float64(count))

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			count := len(h.clients)
			h.mu.Unlock()
			observability.WebsocketSubscribers.Set(float64(count))

		case evt := <-h.events:
			h.broadcast(evt)
		}
	}
}

func (h *EventHub) broadcast(evt *store.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		h.log.Error("mesh: failed to marshal event for broadcast", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.log.Error("mesh: websocket write error", "error", err)
			go h.Unregister(conn)
		}
	}
}

func (h *EventHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

// Register adds a new client connection.
func (h *EventHub) Register(conn *websocket.Conn) {
	h.register <- conn
}

// Unregister removes a client connection.
func (h *EventHub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// ClientCount returns the number of connected clients.
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS upgrades the request and registers the connection with the
// hub, then blocks pumping pings and reads until the client
// disconnects. Generalized from control_plane/api_stream.go's
// handleDashboardStream, dropping the tenant-scoping that package
// applied since this mesh has no tenant partitioning.
func (h *EventHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("mesh: websocket upgrade failed", "error", err)
		return
	}
	h.Register(conn)
	defer h.Unregister(conn)

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case <-done:
				return
			case <-pingTicker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
