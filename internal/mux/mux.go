// Package mux keeps one wsconn.Conn alive per active endpoint identifier and
// merges their payloads into copy-on-write aggregate views.
package mux

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"trafficwatch/internal/wsconn"
)

// Config describes how to reach and decode every endpoint.
type Config[T any] struct {
	// Name labels log lines, e.g. "stats" or "frames".
	Name    string
	URLFor  func(id string) string
	Decode  wsconn.DecodeFunc[T]
	Options wsconn.Options
	// Release, if set, is called exactly once for every value that leaves the
	// aggregate: when it is superseded, when its key is removed, or on Close.
	Release func(T)
}

// View is an immutable snapshot of the multiplexer. Maps are never written after
// publication, so readers may hold on to them.
type View[T any] struct {
	Keys         []string
	Data         map[string]T
	Health       map[string]bool
	AnyConnected bool
	AllConnected bool
	Version      uint64
}

// KeyStats pairs an identifier with its connection counters.
type KeyStats struct {
	Key string
	wsconn.Stats
}

// Mux is the multi-channel coordinator.
type Mux[T any] struct {
	cfg Config[T]

	mu     sync.RWMutex
	conns  map[string]*wsconn.Conn[T]
	view   View[T]
	subs   map[chan struct{}]struct{}
	closed bool
}

// New returns an empty multiplexer.
func New[T any](cfg Config[T]) *Mux[T] {
	if cfg.Name == "" {
		cfg.Name = "mux"
	}
	return &Mux[T]{
		cfg:   cfg,
		conns: make(map[string]*wsconn.Conn[T]),
		view: View[T]{
			Keys:   []string{},
			Data:   map[string]T{},
			Health: map[string]bool{},
		},
		subs: make(map[chan struct{}]struct{}),
	}
}

// SetKeys reconciles live connections with ids. Order and duplicates are
// ignored, blank ids are skipped. Connections for unchanged ids are untouched.
// Removed connections are closed deliberately before SetKeys returns.
func (m *Mux[T]) SetKeys(ids []string) {
	want := normalize(ids)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	var removed []*wsconn.Conn[T]
	var released []T
	for key, c := range m.conns {
		if _, ok := want[key]; !ok {
			removed = append(removed, c)
			delete(m.conns, key)
		}
	}

	var added []*wsconn.Conn[T]
	for key := range want {
		if _, ok := m.conns[key]; ok {
			continue
		}
		c := wsconn.New(key, m.cfg.URLFor(key), m.cfg.Decode, m.cfg.Options, wsconn.Handler[T]{
			OnMessage: m.onMessage,
			OnState:   m.onState,
		})
		m.conns[key] = c
		added = append(added, c)
	}

	if len(removed) == 0 && len(added) == 0 {
		m.mu.Unlock()
		return
	}

	data := make(map[string]T, len(m.conns))
	health := make(map[string]bool, len(m.conns))
	for key, v := range m.view.Data {
		if _, ok := m.conns[key]; ok {
			data[key] = v
		} else {
			released = append(released, v)
		}
	}
	for key, ok := range m.view.Health {
		if _, live := m.conns[key]; live {
			health[key] = ok
		}
	}
	for _, c := range added {
		health[c.Key()] = false
	}
	m.publishLocked(data, health)
	for _, c := range removed {
		c.Cancel()
	}
	m.mu.Unlock()

	for _, c := range removed {
		c.Close()
		slog.Info("mux: endpoint removed", "mux", m.cfg.Name, "key", c.Key())
	}
	m.release(released)
	for _, c := range added {
		slog.Info("mux: endpoint added", "mux", m.cfg.Name, "key", c.Key(), "url", c.URL())
		c.Start()
	}
}

// View returns the current aggregate.
func (m *Mux[T]) View() View[T] {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view
}

// Len returns the number of live connections.
func (m *Mux[T]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Get returns the latest value for id.
func (m *Mux[T]) Get(id string) (T, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.view.Data[id]
	return v, ok
}

// Stats returns per-key connection counters sorted by key.
func (m *Mux[T]) Stats() []KeyStats {
	m.mu.RLock()
	conns := make([]*wsconn.Conn[T], 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	out := make([]KeyStats, 0, len(conns))
	for _, c := range conns {
		out = append(out, KeyStats{Key: c.Key(), Stats: c.Stats()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Subscribe returns a channel that receives a signal after every change. Signals
// coalesce: a slow reader sees one pending signal and then reads View.
func (m *Mux[T]) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, ch)
			m.mu.Unlock()
		})
	}
}

// Close tears down every connection and releases every held value.
func (m *Mux[T]) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	conns := m.conns
	m.conns = make(map[string]*wsconn.Conn[T])
	released := make([]T, 0, len(m.view.Data))
	for _, v := range m.view.Data {
		released = append(released, v)
	}
	m.publishLocked(map[string]T{}, map[string]bool{})
	for _, c := range conns {
		c.Cancel()
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	m.release(released)
	slog.Info("mux: closed", "mux", m.cfg.Name, "connections", len(conns))
}

func (m *Mux[T]) onMessage(c *wsconn.Conn[T], v T) {
	m.mu.Lock()
	if m.conns[c.Key()] != c {
		m.mu.Unlock()
		// Stale connection: the key was removed while this message was in flight.
		m.release([]T{v})
		return
	}

	old, hadOld := m.view.Data[c.Key()]
	data := make(map[string]T, len(m.view.Data)+1)
	for key, val := range m.view.Data {
		data[key] = val
	}
	data[c.Key()] = v
	m.publishLocked(data, m.view.Health)
	m.mu.Unlock()

	if hadOld {
		m.release([]T{old})
	}
}

func (m *Mux[T]) onState(c *wsconn.Conn[T], s wsconn.State) {
	connected := s == wsconn.StateOpen

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[c.Key()] != c {
		return
	}
	if prev, ok := m.view.Health[c.Key()]; ok && prev == connected {
		return
	}
	health := make(map[string]bool, len(m.view.Health))
	for key, ok := range m.view.Health {
		health[key] = ok
	}
	health[c.Key()] = connected
	m.publishLocked(m.view.Data, health)
}

// publishLocked installs a new view and signals subscribers. Caller holds m.mu.
func (m *Mux[T]) publishLocked(data map[string]T, health map[string]bool) {
	keys := make([]string, 0, len(m.conns))
	for key := range m.conns {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	anyUp := false
	allUp := len(keys) > 0
	for _, key := range keys {
		if health[key] {
			anyUp = true
		} else {
			allUp = false
		}
	}

	m.view = View[T]{
		Keys:         keys,
		Data:         data,
		Health:       health,
		AnyConnected: anyUp,
		AllConnected: allUp,
		Version:      m.view.Version + 1,
	}
	for ch := range m.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (m *Mux[T]) release(vals []T) {
	if m.cfg.Release == nil {
		return
	}
	for _, v := range vals {
		m.cfg.Release(v)
	}
}

func normalize(ids []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" {
			out[id] = struct{}{}
		}
	}
	return out
}
