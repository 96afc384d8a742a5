package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"trafficwatch/internal/store"
)

const writeWait = 5 * time.Second

// upgrader converts HTTP requests to WebSocket connections.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub pushes the store state to every connected browser on each change.
type Hub struct {
	store *store.Store

	// clientsMu protects clients and serializes writes to them.
	clientsMu sync.Mutex
	clients   map[*websocket.Conn]bool
}

// NewHub returns a hub with no clients; call Run to start broadcasting.
func NewHub(st *store.Store) *Hub {
	return &Hub{store: st, clients: make(map[*websocket.Conn]bool)}
}

// Run broadcasts the current state after every store change until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	changes, cancel := h.store.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-changes:
			msg, err := json.Marshal(h.store.State())
			if err != nil {
				slog.Error("hub: encoding state failed", "error", err)
				continue
			}
			h.broadcast(msg)
		}
	}
}

// broadcast sends msg to all clients, dropping those that fail.
func (h *Hub) broadcast(msg []byte) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	for client := range h.clients {
		client.SetWriteDeadline(time.Now().Add(writeWait))
		if err := client.WriteMessage(websocket.TextMessage, msg); err != nil {
			slog.Debug("hub: error sending message, dropping client", "remote", client.RemoteAddr(), "error", err)
			delete(h.clients, client)
			client.Close()
		}
	}
}

// Clients is the number of connected browsers.
func (h *Hub) Clients() int {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	return len(h.clients)
}

// CloseAll sends a going-away frame to every client and forgets them.
func (h *Hub) CloseAll() {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for client := range h.clients {
		client.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		client.Close()
		delete(h.clients, client)
	}
}

// HandleWebSocket registers a browser, sends it the current state and keeps
// reading until it goes away.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("hub: error upgrading to WebSocket", "error", err)
		return
	}
	defer conn.Close()

	msg, err := json.Marshal(h.store.State())
	if err != nil {
		slog.Error("hub: encoding state failed", "error", err)
		return
	}

	h.clientsMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteMessage(websocket.TextMessage, msg)
	if err == nil {
		h.clients[conn] = true
	}
	h.clientsMu.Unlock()
	if err != nil {
		slog.Debug("hub: initial state not delivered", "remote", conn.RemoteAddr(), "error", err)
		return
	}

	slog.Info("hub: WebSocket connection established", "remote", conn.RemoteAddr())

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			slog.Debug("hub: WebSocket connection closed", "remote", conn.RemoteAddr())
			h.clientsMu.Lock()
			delete(h.clients, conn)
			h.clientsMu.Unlock()
			return
		}
		// The feed is read-only; client messages are only logged.
		slog.Debug("hub: received message from client", "message", string(msg))
	}
}
