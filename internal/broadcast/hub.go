// Package broadcast fans out publish notifications to connected WebSocket
// clients so downstream consumers learn about new model archives without
// polling the registry.
package broadcast

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const writeWait = 10 * time.Second

// Message is one broadcast payload.
type Message struct {
	Type      string `json:"type"`
	CID       string `json:"cid,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// NewCIDMessage announces a freshly published archive.
func NewCIDMessage(cid string) Message {
	return Message{
		Type:      "new_cid",
		CID:       cid,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Hub tracks connected clients and broadcasts to all of them. A slow or dead
// client is dropped rather than blocking the rest.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	closed  bool
	log     zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[*websocket.Conn]struct{}),
		log:     log.With().Str("component", "broadcast_hub").Logger(),
	}
}

// ServeHTTP upgrades the request and keeps the connection registered until
// the client disconnects. Clients only receive; inbound frames are drained
// and discarded.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	h.clients[conn] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	h.log.Info().Int("clients", count).Msg("WebSocket client connected")

	// Block until the peer goes away; Read returns an error on close.
	ctx := r.Context()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			break
		}
	}

	h.remove(conn)
	_ = conn.Close(websocket.StatusNormalClosure, "")
	h.log.Info().Msg("WebSocket client disconnected")
}

// Broadcast sends a message to every connected client.
func (h *Hub) Broadcast(msg Message) {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		err := wsjson.Write(ctx, conn, msg)
		cancel()
		if err != nil {
			h.log.Warn().Err(err).Msg("Dropping unresponsive WebSocket client")
			h.remove(conn)
			_ = conn.Close(websocket.StatusPolicyViolation, "write timeout")
		}
	}

	h.log.Debug().Str("type", msg.Type).Int("clients", h.ClientCount()).Msg("Broadcast sent")
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects all clients and rejects new connections.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.clients = make(map[*websocket.Conn]struct{})
	h.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
	}
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
}
