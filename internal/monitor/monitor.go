// Package monitor streams live session activity to admin clients over
// WebSocket, so operators can watch transcripts as calls progress.
package monitor

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nadzzz/callyard/internal/session"
)

// Verify interface compliance at compile time.
var _ session.Observer = (*Hub)(nil)

const clientBuffer = 32

// Hub fans session updates out to connected WebSocket clients. Slow clients
// are dropped rather than allowed to stall the sessions publishing to them.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan session.Update
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		clients: make(map[*client]struct{}),
	}
}

// Observe implements session.Observer. It never blocks: updates to a client
// with a full buffer are dropped for that client.
func (h *Hub) Observe(u session.Update) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- u:
		default:
		}
	}
}

// ServeHTTP upgrades the connection and streams updates until the client
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("monitor upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan session.Update, clientBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	slog.Info("monitor client connected", "remote", conn.RemoteAddr())

	go h.writeLoop(c)
	h.readLoop(c)
}

// writeLoop serializes updates to one client.
func (h *Hub) writeLoop(c *client) {
	for u := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.conn.WriteJSON(u); err != nil {
			h.drop(c)
			return
		}
	}
	_ = c.conn.Close()
}

// readLoop consumes control frames until the client goes away.
func (h *Hub) readLoop(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.drop(c)
			return
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	if ok {
		_ = c.conn.Close()
		slog.Info("monitor client disconnected", "remote", c.conn.RemoteAddr())
	}
}

// Close disconnects all clients.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
		_ = c.conn.Close()
	}
}
