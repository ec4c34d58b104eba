package monitor

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// writeTimeout bounds how long one slow observer can hold up a broadcast.
const writeTimeout = 100 * time.Millisecond

// Event is one JSON message pushed to every connected observer.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Hub fans daemon events out to connected WebSocket clients. Clients that
// fail a write are dropped on the spot. Each connection carries its own
// write mutex: gorilla/websocket allows at most one concurrent writer per
// connection, and broadcasts arrive from several daemon goroutines.
type Hub struct {
	mu       sync.Mutex
	clients  map[*websocket.Conn]*sync.Mutex
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*websocket.Conn]*sync.Mutex),
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and registers the connection as an
// observer. Observers are write-only; inbound messages are discarded by a
// per-connection reader that also detects the close.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	h.addClient(conn)

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.removeClient(conn)
				return
			}
		}
	}()
}

// Broadcast sends event to every connected client concurrently and prunes
// the ones whose writes fail. Safe to call from multiple goroutines; the
// per-connection mutex serializes overlapping broadcasts on each socket.
func (h *Hub) Broadcast(event Event) {
	type target struct {
		conn    *websocket.Conn
		writeMu *sync.Mutex
	}

	h.mu.Lock()
	targets := make([]target, 0, len(h.clients))
	for conn, writeMu := range h.clients {
		targets = append(targets, target{conn, writeMu})
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	var failedMu sync.Mutex
	var failed []*websocket.Conn

	for _, tg := range targets {
		wg.Add(1)
		go func(tg target) {
			defer wg.Done()
			tg.writeMu.Lock()
			tg.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := tg.conn.WriteJSON(event)
			tg.writeMu.Unlock()
			if err != nil {
				failedMu.Lock()
				failed = append(failed, tg.conn)
				failedMu.Unlock()
			}
		}(tg)
	}
	wg.Wait()

	for _, conn := range failed {
		h.removeClient(conn)
	}
}

// ClientCount returns the number of connected observers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every observer.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}

func (h *Hub) addClient(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = &sync.Mutex{}
}

func (h *Hub) removeClient(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}
