// Package wsevents broadcasts task lifecycle events to connected WebSocket
// clients (a dashboard, a CLI "tail" command). It mirrors the teacher's
// MetricsHub in ws_hub.go: a single goroutine owns the client set, and a
// register/unregister channel pair funnels every change to that set
// through it.
package wsevents

import (
	"context"
	"log"
	"net/http"
	"sync"

	"github.com/fluxforge/taskforge/internal/events"
	"github.com/gorilla/websocket"
)

// maxConnections caps the number of simultaneously connected WebSocket
// clients, the same overload guard the teacher's hub applies.
const maxConnections = 200

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub is an events.Emitter that fans every Emit call out to all currently
// connected WebSocket clients.
type Hub struct {
	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan events.Event
	mu         sync.RWMutex
}

// NewHub constructs an idle Hub; call Run to start its loop.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		broadcast:  make(chan events.Event, 256),
	}
}

// Run drives the hub's register/unregister/broadcast loop until ctx is
// cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxConnections {
				h.mu.Unlock()
				conn.Close()
				log.Printf("wsevents: connection rejected, max connections (%d) reached", maxConnections)
				continue
			}
			h.clients[conn] = struct{}{}
			h.mu.Unlock()

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.RLock()
			for conn := range h.clients {
				if err := conn.WriteJSON(event); err != nil {
					go func(c *websocket.Conn) { h.unregister <- c }(conn)
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

// Emit implements events.Emitter by queueing the event for broadcast. It
// never blocks: a full broadcast channel drops the event rather than
// stalling the worker that published it (events are best-effort
// observability, never control flow).
func (h *Hub) Emit(ctx context.Context, event events.Event) error {
	select {
	case h.broadcast <- event:
	default:
		log.Printf("wsevents: broadcast channel full, dropping %s event for %s", event.Status, event.TaskID)
	}
	return nil
}

// ServeHTTP upgrades the request to a WebSocket connection and registers
// it with the hub. Clients receive every subsequent event until they
// disconnect.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("wsevents: upgrade failed: %v", err)
		return
	}
	h.register <- conn

	// Drain and discard any client-sent frames so the connection's read
	// deadline machinery notices a disconnect.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.unregister <- conn
				return
			}
		}
	}()
}
