// Package store is the process-wide traffic state: the live per-road view from
// the stats multiplexer plus a bounded rolling history.
package store

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"trafficwatch/internal/config"
	"trafficwatch/internal/frames"
	"trafficwatch/internal/history"
	"trafficwatch/internal/mux"
	"trafficwatch/internal/traffic"
)

// RoadLister returns the active road identifiers.
type RoadLister interface {
	Fetch(ctx context.Context) ([]string, error)
}

// Sink receives every history point the store records.
type Sink interface {
	Name() string
	Publish(ctx context.Context, u Update) error
	Close() error
}

// Update is what sinks receive when a new point is recorded.
type Update struct {
	Time    time.Time                   `json:"time"`
	Roads   []string                    `json:"roads"`
	Traffic map[string]traffic.Snapshot `json:"traffic"`
	Point   history.Point               `json:"point"`
}

// State is the read-only view handed to consumers. None of its maps or slices
// are modified after publication.
type State struct {
	Roads        []string                    `json:"roads"`
	Traffic      map[string]traffic.Snapshot `json:"traffic"`
	History      []history.Point             `json:"history"`
	Connections  map[string]bool             `json:"connections"`
	AnyConnected bool                        `json:"is_any_connected"`
	AllConnected bool                        `json:"are_all_connected"`
	Version      uint64                      `json:"version"`
}

// Options wires the store to its collaborators.
type Options struct {
	Lister RoadLister
	Stats  *mux.Mux[traffic.Snapshot]
	// Frames is optional; when set it follows the same road set.
	Frames          *frames.Stream
	HistorySize     int
	RefreshInterval time.Duration
	Threshold       func(road string) config.Threshold
	Sinks           []Sink
	PublishTimeout  time.Duration
	Now             func() time.Time
}

// Store is constructed once per process and passed to every consumer.
type Store struct {
	opts     Options
	recorder *history.Recorder
	applyMu  sync.Mutex

	mu      sync.RWMutex
	roads   []string
	state   State
	version uint64
	subs    map[chan struct{}]struct{}

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func New(opts Options) *Store {
	if opts.HistorySize < 1 {
		opts.HistorySize = 60
	}
	if opts.Threshold == nil {
		opts.Threshold = func(string) config.Threshold { return config.DefaultThreshold }
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 2 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		opts:     opts,
		recorder: history.NewRecorder(opts.HistorySize),
		roads:    []string{},
		state:    emptyState(),
		subs:     make(map[chan struct{}]struct{}),
	}
}

func emptyState() State {
	return State{
		Roads:       []string{},
		Traffic:     map[string]traffic.Snapshot{},
		History:     []history.Point{},
		Connections: map[string]bool{},
	}
}

// Start issues one roads-listing request, hands the result to the multiplexers
// and begins recording history. A failed listing yields an empty road set.
func (s *Store) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	changes, unsubscribe := s.opts.Stats.Subscribe()
	s.RefreshRoads(ctx)
	s.apply(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case <-changes:
				s.apply(ctx)
			}
		}
	}()

	if s.opts.RefreshInterval > 0 {
		s.wg.Add(1)
		go s.refreshLoop(ctx)
	}
	slog.Info("store: started", "roads", len(s.Roads()), "history_size", s.opts.HistorySize)
}

// RefreshRoads re-reads the roads listing and reconciles connections. On
// failure the first call falls back to no roads; later calls keep the current set.
func (s *Store) RefreshRoads(ctx context.Context) []string {
	roads, err := s.opts.Lister.Fetch(ctx)
	if err != nil {
		s.mu.RLock()
		current := s.roads
		s.mu.RUnlock()
		slog.Error("store: roads listing failed", "error", err, "keeping", len(current))
		roads = current
	}
	roads = dedupe(roads)

	s.mu.Lock()
	s.roads = roads
	s.mu.Unlock()

	s.opts.Stats.SetKeys(roads)
	if s.opts.Frames != nil {
		s.opts.Frames.SetKeys(roads)
	}
	return roads
}

func (s *Store) refreshLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RefreshRoads(ctx)
			s.apply(ctx)
		}
	}
}

// apply folds the current multiplexer view into the store state.
func (s *Store) apply(ctx context.Context) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	v := s.opts.Stats.View()
	roads := s.Roads()
	now := s.opts.Now()

	points, appended := s.recorder.Observe(now, roads, v.Data)
	classified := make(map[string]traffic.Snapshot, len(v.Data))
	for road, snap := range v.Data {
		classified[road] = traffic.Classify(snap, s.opts.Threshold(road))
	}

	s.mu.Lock()
	s.version++
	s.state = State{
		Roads:        roads,
		Traffic:      classified,
		History:      points,
		Connections:  v.Health,
		AnyConnected: v.AnyConnected,
		AllConnected: v.AllConnected,
		Version:      s.version,
	}
	for ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	s.mu.Unlock()

	if appended && len(points) > 0 {
		s.publish(ctx, Update{Time: now, Roads: roads, Traffic: classified, Point: points[len(points)-1]})
	}
}

func (s *Store) publish(ctx context.Context, u Update) {
	for _, sink := range s.opts.Sinks {
		pctx, cancel := context.WithTimeout(ctx, s.opts.PublishTimeout)
		if err := sink.Publish(pctx, u); err != nil {
			slog.Warn("store: sink publish failed", "sink", sink.Name(), "error", err)
		} else {
			slog.Debug("store: published point", "sink", sink.Name(), "time", u.Point.Time)
		}
		cancel()
	}
}

// State returns the current snapshot.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Roads returns the active identifier list.
func (s *Store) Roads() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roads
}

// Frames returns the frame stream, or nil when frames are disabled.
func (s *Store) Frames() *frames.Stream { return s.opts.Frames }

// ConnectionStats returns per-road stats-channel counters.
func (s *Store) ConnectionStats() []mux.KeyStats { return s.opts.Stats.Stats() }

// Subscribe returns a coalescing change signal and its cancel func.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, ch)
			s.mu.Unlock()
		})
	}
}

// Close stops the loops, closes every owned connection and the sinks.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		s.opts.Stats.Close()
		if s.opts.Frames != nil {
			s.opts.Frames.Close()
		}
		for _, sink := range s.opts.Sinks {
			if err := sink.Close(); err != nil {
				slog.Warn("store: sink close failed", "sink", sink.Name(), "error", err)
			}
		}
		slog.Info("store: closed")
	})
}

func dedupe(roads []string) []string {
	seen := make(map[string]struct{}, len(roads))
	out := make([]string, 0, len(roads))
	for _, r := range roads {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}
