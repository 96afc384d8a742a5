// Package backendtest runs an in-process stand-in for the detection backend:
// the roads listing plus stats, frames and admin WebSockets.
package backendtest

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	RoadsPath  = "/api/v1/roads_name"
	StatsPath  = "/api/v1/ws/info/"
	FramesPath = "/api/v1/ws/frames/"
	AdminPath  = "/api/v1/admin/ws/resources"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Backend is a fake detection backend. Sockets are keyed by "<channel>/<id>",
// e.g. "info/A", "frames/A" or "admin".
type Backend struct {
	*httptest.Server

	mu          sync.Mutex
	roads       []string
	roadsStatus int
	token       string
	rejected    map[string]bool
	dials       map[string]int
	sockets     map[string][]*websocket.Conn
	headers     map[string]http.Header
	closeCodes  map[string]int
}

// New starts a backend listing roads.
func New(roads ...string) *Backend {
	b := &Backend{
		roads:       roads,
		roadsStatus: http.StatusOK,
		rejected:    make(map[string]bool),
		dials:       make(map[string]int),
		sockets:     make(map[string][]*websocket.Conn),
		headers:     make(map[string]http.Header),
		closeCodes:  make(map[string]int),
	}

	r := mux.NewRouter()
	r.HandleFunc(RoadsPath, b.handleRoads).Methods("GET")
	r.HandleFunc(StatsPath+"{id}", b.handleSocket("info")).Methods("GET")
	r.HandleFunc(FramesPath+"{id}", b.handleSocket("frames")).Methods("GET")
	r.HandleFunc(AdminPath, b.handleSocket("admin")).Methods("GET")
	b.Server = httptest.NewServer(r)
	return b
}

// WSURL is the ws:// base of the server.
func (b *Backend) WSURL() string {
	return "ws" + strings.TrimPrefix(b.URL, "http")
}

func (b *Backend) StatsURL(id string) string  { return b.WSURL() + StatsPath + url.PathEscape(id) }
func (b *Backend) FramesURL(id string) string { return b.WSURL() + FramesPath + url.PathEscape(id) }
func (b *Backend) AdminURL() string           { return b.WSURL() + AdminPath }
func (b *Backend) RoadsURL() string           { return b.URL + RoadsPath }

// SetRoadsStatus makes the roads listing answer with the given status code.
func (b *Backend) SetRoadsStatus(code int) {
	b.mu.Lock()
	b.roadsStatus = code
	b.mu.Unlock()
}

func (b *Backend) SetRoads(roads ...string) {
	b.mu.Lock()
	b.roads = roads
	b.mu.Unlock()
}

// RequireToken makes every socket handshake demand "Bearer <token>".
func (b *Backend) RequireToken(token string) {
	b.mu.Lock()
	b.token = token
	b.mu.Unlock()
}

// Reject refuses (or accepts again) handshakes for key with HTTP 500.
func (b *Backend) Reject(key string, reject bool) {
	b.mu.Lock()
	b.rejected[key] = reject
	b.mu.Unlock()
}

// Dials counts handshake attempts for key, rejected ones included.
func (b *Backend) Dials(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials[key]
}

// Header returns the request headers of the latest handshake for key.
func (b *Backend) Header(key string) http.Header {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.headers[key]
}

// CloseCode returns the close code of the latest socket for key that went away,
// or 0 if none has closed yet.
func (b *Backend) CloseCode(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closeCodes[key]
}

// Active counts sockets for key that are still open on the server side.
func (b *Backend) Active(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sockets[key])
}

// Send writes a text message to every open socket for key.
func (b *Backend) Send(key string, msg string) {
	b.write(key, websocket.TextMessage, []byte(msg))
}

// SendJSON marshals v and sends it as text.
func (b *Backend) SendJSON(key string, v any) {
	data, _ := json.Marshal(v)
	b.write(key, websocket.TextMessage, data)
}

// SendBinary writes a binary message to every open socket for key.
func (b *Backend) SendBinary(key string, data []byte) {
	b.write(key, websocket.BinaryMessage, data)
}

// Drop closes every socket for key without a close frame, as a crashed
// backend would.
func (b *Backend) Drop(key string) {
	b.mu.Lock()
	socks := b.sockets[key]
	delete(b.sockets, key)
	b.mu.Unlock()
	for _, s := range socks {
		s.Close()
	}
}

// WaitActive polls until Active(key) == n or the timeout expires.
func (b *Backend) WaitActive(key string, n int, timeout time.Duration) bool {
	return Eventually(timeout, func() bool { return b.Active(key) == n })
}

// Eventually polls cond every 5ms until it holds or timeout expires.
func Eventually(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func (b *Backend) handleRoads(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	status, roads := b.roadsStatus, b.roads
	b.mu.Unlock()

	if status != http.StatusOK {
		http.Error(w, "listing unavailable", status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string][]string{"road_names": roads})
}

func (b *Backend) handleSocket(channel string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := channel
		if id, ok := mux.Vars(r)["id"]; ok {
			key = channel + "/" + id
		}

		b.mu.Lock()
		b.dials[key]++
		b.headers[key] = r.Header.Clone()
		rejected, token := b.rejected[key], b.token
		b.mu.Unlock()

		if rejected {
			http.Error(w, "backend unavailable", http.StatusInternalServerError)
			return
		}
		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		b.mu.Lock()
		b.sockets[key] = append(b.sockets[key], conn)
		b.mu.Unlock()

		// Read until the client goes away, then forget the socket.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					b.mu.Lock()
					b.closeCodes[key] = ce.Code
					b.mu.Unlock()
				}
				break
			}
		}
		b.remove(key, conn)
		conn.Close()
	}
}

func (b *Backend) remove(key string, conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	socks := b.sockets[key]
	for i, s := range socks {
		if s == conn {
			b.sockets[key] = append(socks[:i:i], socks[i+1:]...)
			break
		}
	}
	if len(b.sockets[key]) == 0 {
		delete(b.sockets, key)
	}
}

func (b *Backend) write(key string, messageType int, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.sockets[key] {
		s.WriteMessage(messageType, data)
	}
}
