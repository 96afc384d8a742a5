package store

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"trafficwatch/internal/backendtest"
	"trafficwatch/internal/config"
	"trafficwatch/internal/frames"
	"trafficwatch/internal/mux"
	"trafficwatch/internal/roads"
	"trafficwatch/internal/traffic"
	"trafficwatch/internal/wsconn"
)

type fakeSink struct {
	mu      sync.Mutex
	updates []Update
	closed  bool
}

func (f *fakeSink) Name() string { return "fake" }

func (f *fakeSink) Publish(ctx context.Context, u Update) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, u)
	return nil
}

func (f *fakeSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

func testOptions() wsconn.Options {
	return wsconn.Options{
		MaxReconnectAttempts: 3,
		Backoff:              wsconn.Backoff{RetryDelay: 20 * time.Millisecond, MaxRetryDelay: 20 * time.Millisecond},
		HandshakeTimeout:     time.Second,
	}
}

func newStore(b *backendtest.Backend, sinks ...Sink) *Store {
	stats := mux.New(mux.Config[traffic.Snapshot]{
		Name:    "stats",
		URLFor:  b.StatsURL,
		Decode:  traffic.Decode,
		Options: testOptions(),
	})
	return New(Options{
		Lister: roads.NewClient(b.RoadsURL(), time.Second),
		Stats:  stats,
		Frames: frames.NewStream(b.WSURL()+backendtest.FramesPath, testOptions(), nil),
		Sinks:  sinks,
	})
}

func stat(cars, motors int, carSpeed, motorSpeed float64) map[string]any {
	return map[string]any{
		"count_car":   cars,
		"count_motor": motors,
		"speed_car":   carSpeed,
		"speed_motor": motorSpeed,
	}
}

func TestStore_ListingFailureYieldsEmptySet(t *testing.T) {
	b := backendtest.New("A", "B")
	defer b.Close()
	b.SetRoadsStatus(http.StatusInternalServerError)

	s := newStore(b)
	s.Start(context.Background())
	defer s.Close()

	st := s.State()
	if len(st.Roads) != 0 {
		t.Errorf("Expected no roads, got %v", st.Roads)
	}
	if st.AnyConnected || st.AllConnected {
		t.Errorf("Expected both flags false, got any=%v all=%v", st.AnyConnected, st.AllConnected)
	}
	if len(s.ConnectionStats()) != 0 {
		t.Errorf("Expected no connections, got %d", len(s.ConnectionStats()))
	}
	time.Sleep(50 * time.Millisecond)
	if b.Dials("info/A") != 0 || b.Dials("frames/A") != 0 {
		t.Error("A socket was dialed despite the failed listing")
	}
}

func TestStore_TracksRoadsAndHistory(t *testing.T) {
	b := backendtest.New("A", "B")
	defer b.Close()
	sink := &fakeSink{}

	s := newStore(b, sink)
	s.Start(context.Background())

	for _, key := range []string{"info/A", "info/B", "frames/A", "frames/B"} {
		if !b.WaitActive(key, 1, time.Second) {
			t.Fatalf("Timeout waiting for %s", key)
		}
	}
	if !backendtest.Eventually(time.Second, func() bool { return s.State().AllConnected }) {
		t.Fatal("Store never reported all connected")
	}

	b.SendJSON("info/A", stat(30, 2, 12, 20))
	if !backendtest.Eventually(time.Second, func() bool { return len(s.State().History) == 1 }) {
		t.Fatalf("Expected one history point, got %d", len(s.State().History))
	}

	st := s.State()
	a, ok := st.Traffic["A"]
	if !ok {
		t.Fatal("Missing traffic for A")
	}
	if a.DensityStatus != traffic.DensityCongested {
		t.Errorf("Expected congested, got %q", a.DensityStatus)
	}
	if a.SpeedStatus != traffic.SpeedFast {
		t.Errorf("Expected fast, got %q", a.SpeedStatus)
	}
	if _, ok := st.Traffic["B"]; ok {
		t.Error("B has traffic before sending any frame")
	}
	// Roads without data count as zero in the flattened point.
	p := st.History[0]
	if p.Values["A_total"] != 32 || p.Values["B_total"] != 0 {
		t.Errorf("Unexpected point values %v", p.Values)
	}

	// Same payload again does not record a second point.
	b.SendJSON("info/A", stat(30, 2, 12, 20))
	b.SendJSON("info/B", stat(1, 1, 30, 30))
	if !backendtest.Eventually(time.Second, func() bool { return len(s.State().History) == 2 }) {
		t.Fatalf("Expected two history points, got %d", len(s.State().History))
	}
	if !backendtest.Eventually(time.Second, func() bool { return sink.count() == 2 }) {
		t.Errorf("Expected 2 sink updates, got %d", sink.count())
	}

	s.Close()
	if !b.WaitActive("info/A", 0, time.Second) || !b.WaitActive("frames/B", 0, time.Second) {
		t.Error("Sockets still open after Close")
	}
	if !sink.closed {
		t.Error("Sink was not closed")
	}
}

func TestStore_RefreshRemovesRoad(t *testing.T) {
	b := backendtest.New("A", "B")
	defer b.Close()

	s := newStore(b)
	s.Start(context.Background())
	defer s.Close()

	b.WaitActive("info/A", 1, time.Second)
	b.WaitActive("info/B", 1, time.Second)
	b.SendJSON("info/A", stat(1, 0, 5, 0))
	b.SendJSON("info/B", stat(2, 0, 5, 0))
	backendtest.Eventually(time.Second, func() bool { return len(s.State().Traffic) == 2 })

	b.SetRoads("B", "C")
	got := s.RefreshRoads(context.Background())
	if len(got) != 2 || got[0] != "B" || got[1] != "C" {
		t.Fatalf("Unexpected roads %v", got)
	}
	if !b.WaitActive("info/A", 0, time.Second) {
		t.Fatal("Removed road still connected")
	}
	if !backendtest.Eventually(time.Second, func() bool {
		_, ok := s.State().Traffic["A"]
		return !ok
	}) {
		t.Error("Removed road still has traffic")
	}

	// A failing refresh keeps the current set.
	b.SetRoadsStatus(http.StatusInternalServerError)
	got = s.RefreshRoads(context.Background())
	if len(got) != 2 {
		t.Errorf("Expected current set kept on failure, got %v", got)
	}
}

func TestStore_ThresholdPerRoad(t *testing.T) {
	b := backendtest.New("A")
	defer b.Close()

	s := newStore(b)
	s.opts.Threshold = func(road string) config.Threshold {
		return config.Threshold{V: 50, C1: 100, C2: 200}
	}
	s.Start(context.Background())
	defer s.Close()

	b.WaitActive("info/A", 1, time.Second)
	b.SendJSON("info/A", stat(30, 2, 12, 20))
	if !backendtest.Eventually(time.Second, func() bool { return len(s.State().Traffic) == 1 }) {
		t.Fatal("No traffic received")
	}
	a := s.State().Traffic["A"]
	if a.DensityStatus != traffic.DensityClear || a.SpeedStatus != traffic.SpeedSlow {
		t.Errorf("Expected clear/slow, got %s/%s", a.DensityStatus, a.SpeedStatus)
	}
}

func TestStore_SubscribeSignals(t *testing.T) {
	b := backendtest.New("A")
	defer b.Close()

	s := newStore(b)
	ch, cancel := s.Subscribe()
	defer cancel()
	s.Start(context.Background())
	defer s.Close()

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("No change signal after start")
	}
	b.WaitActive("info/A", 1, time.Second)
	before := s.State().Version
	b.SendJSON("info/A", stat(3, 0, 10, 0))
	if !backendtest.Eventually(time.Second, func() bool { return s.State().Version > before }) {
		t.Error("Version did not advance")
	}
}
