// Package admin follows the backend's authenticated resource-usage channel.
package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"trafficwatch/internal/history"
	"trafficwatch/internal/wsconn"
)

// Resources is one usage sample pushed by the backend.
type Resources struct {
	CPUPercent float64 `json:"cpu_percent"`
	Memory     struct {
		Percent float64 `json:"percent"`
	} `json:"memory"`
	Disk struct {
		Percent float64 `json:"percent"`
	} `json:"disk"`
}

// Sample is a history entry.
type Sample struct {
	Time string  `json:"time"`
	CPU  float64 `json:"cpu"`
	Mem  float64 `json:"mem"`
	Disk float64 `json:"disk"`
}

// Snapshot is what the HTTP layer serves.
type Snapshot struct {
	Enabled   bool       `json:"enabled"`
	Connected bool       `json:"connected"`
	State     string     `json:"state"`
	Latest    *Resources `json:"latest"`
	History   []Sample   `json:"history"`
}

var ErrNoCPU = errors.New("admin: payload has no cpu_percent")

// Decode parses one resource sample.
func Decode(_ int, data []byte) (Resources, error) {
	var raw struct {
		CPUPercent *float64 `json:"cpu_percent"`
		Memory     struct {
			Percent float64 `json:"percent"`
		} `json:"memory"`
		Disk struct {
			Percent float64 `json:"percent"`
		} `json:"disk"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Resources{}, fmt.Errorf("admin: decode resources: %w", err)
	}
	if raw.CPUPercent == nil {
		return Resources{}, ErrNoCPU
	}
	var r Resources
	r.CPUPercent = *raw.CPUPercent
	r.Memory.Percent = raw.Memory.Percent
	r.Disk.Percent = raw.Disk.Percent
	return r, nil
}

// Monitor keeps the admin connection and a bounded sample history. Without a
// token the slot stays inactive and nothing is dialed.
type Monitor struct {
	url  string
	slot *wsconn.Slot[Resources]
	ring *history.Ring[Sample]
	now  func() time.Time

	mu      sync.RWMutex
	samples []Sample
	state   wsconn.State
}

// NewMonitor builds an inactive monitor; Start dials when opts.Token is set.
func NewMonitor(url string, size int, opts wsconn.Options) *Monitor {
	m := &Monitor{
		url:     url,
		ring:    history.NewRing[Sample](size),
		now:     time.Now,
		samples: []Sample{},
		state:   wsconn.StateClosed,
	}
	m.slot = wsconn.NewSlot("admin", Decode, opts, wsconn.Handler[Resources]{
		OnMessage: m.onMessage,
		OnState: func(_ *wsconn.Conn[Resources], s wsconn.State) {
			m.mu.Lock()
			m.state = s
			m.mu.Unlock()
			if s == wsconn.StateFailed {
				slog.Warn("admin: resource channel gave up")
			}
		},
	})
	if opts.Token == "" {
		m.url = ""
	}
	return m
}

func (m *Monitor) Start() {
	if m.url == "" {
		slog.Info("admin: no token configured, resource channel disabled")
		return
	}
	m.mu.Lock()
	m.state = wsconn.StateConnecting
	m.mu.Unlock()
	m.slot.Set(m.url)
}

func (m *Monitor) onMessage(_ *wsconn.Conn[Resources], r Resources) {
	s := Sample{
		Time: m.now().Format(history.TimeLayout),
		CPU:  r.CPUPercent,
		Mem:  r.Memory.Percent,
		Disk: r.Disk.Percent,
	}
	items := m.ring.Push(s)
	m.mu.Lock()
	m.samples = items
	m.mu.Unlock()
}

// Snapshot returns the latest sample and history.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	samples, state := m.samples, m.state
	m.mu.RUnlock()

	snap := Snapshot{
		Enabled:   m.url != "",
		Connected: m.slot.Connected(),
		State:     state.String(),
		History:   samples,
	}
	if r, ok := m.slot.Latest(); ok {
		snap.Latest = &r
	}
	return snap
}

func (m *Monitor) Close() { m.slot.Close() }
