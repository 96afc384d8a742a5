package wsconn

import (
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"trafficwatch/internal/backendtest"
	"trafficwatch/internal/traffic"
)

type recorder struct {
	mu       sync.Mutex
	messages []traffic.Snapshot
	states   []State
}

func (r *recorder) handler() Handler[traffic.Snapshot] {
	return Handler[traffic.Snapshot]{
		OnMessage: func(c *Conn[traffic.Snapshot], v traffic.Snapshot) {
			r.mu.Lock()
			r.messages = append(r.messages, v)
			r.mu.Unlock()
		},
		OnState: func(c *Conn[traffic.Snapshot], s State) {
			r.mu.Lock()
			r.states = append(r.states, s)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func fastOptions(maxAttempts int) Options {
	return Options{
		MaxReconnectAttempts: maxAttempts,
		Backoff:              Backoff{RetryDelay: 20 * time.Millisecond, MaxRetryDelay: 20 * time.Millisecond},
		HandshakeTimeout:     time.Second,
	}
}

func TestConn_ReceivesAndDecodes(t *testing.T) {
	b := backendtest.New("A")
	defer b.Close()

	rec := &recorder{}
	c := New("A", b.StatsURL("A"), traffic.Decode, fastOptions(3), rec.handler())
	c.Start()
	defer c.Close()

	if !b.WaitActive("info/A", 1, time.Second) {
		t.Fatal("Timeout waiting for connection")
	}
	if !backendtest.Eventually(time.Second, c.Connected) {
		t.Fatal("Expected connection to report open")
	}

	b.Send("info/A", `{"count_car":5,"count_motor":2,"speed_car":30,"speed_motor":20}`)
	if !backendtest.Eventually(time.Second, func() bool { return rec.count() == 1 }) {
		t.Fatal("Timeout waiting for message")
	}
	v, ok := c.Latest()
	if !ok || v.CountCar != 5 || v.CountMotor != 2 {
		t.Errorf("Unexpected latest payload: %+v (ok=%v)", v, ok)
	}
}

func TestConn_MalformedMessageDropped(t *testing.T) {
	b := backendtest.New("A")
	defer b.Close()

	rec := &recorder{}
	c := New("A", b.StatsURL("A"), traffic.Decode, fastOptions(3), rec.handler())
	c.Start()
	defer c.Close()

	if !b.WaitActive("info/A", 1, time.Second) {
		t.Fatal("Timeout waiting for connection")
	}
	b.Send("info/A", `{"count_car":`)
	b.Send("info/A", `{"count_car":1,"count_motor":1}`)

	if !backendtest.Eventually(time.Second, func() bool { return rec.count() == 1 }) {
		t.Fatal("Valid message after malformed one was not delivered")
	}
	st := c.Stats()
	if st.Malformed != 1 {
		t.Errorf("Expected 1 malformed message, got %d", st.Malformed)
	}
	if st.State != StateOpen {
		t.Errorf("Malformed message changed state to %s", st.State)
	}
	if b.Dials("info/A") != 1 {
		t.Errorf("Malformed message caused a reconnect (%d dials)", b.Dials("info/A"))
	}
}

func TestConn_ReconnectsAfterDrop(t *testing.T) {
	b := backendtest.New("A")
	defer b.Close()

	c := New("A", b.StatsURL("A"), traffic.Decode, fastOptions(5), Handler[traffic.Snapshot]{})
	c.Start()
	defer c.Close()

	if !b.WaitActive("info/A", 1, time.Second) {
		t.Fatal("Timeout waiting for connection")
	}
	b.Drop("info/A")

	if !backendtest.Eventually(time.Second, func() bool { return b.Dials("info/A") == 2 && c.Connected() }) {
		t.Fatalf("Expected a reconnect, got %d dials, state %s", b.Dials("info/A"), c.State())
	}
	if c.Retries() != 0 {
		t.Errorf("Expected retries reset after open, got %d", c.Retries())
	}
	if c.Stats().Reconnects != 1 {
		t.Errorf("Expected 1 reconnect, got %d", c.Stats().Reconnects)
	}
}

func TestConn_StopsAfterMaxAttempts(t *testing.T) {
	b := backendtest.New("A")
	defer b.Close()
	b.Reject("info/A", true)

	c := New("A", b.StatsURL("A"), traffic.Decode, fastOptions(2), Handler[traffic.Snapshot]{})
	c.Start()
	defer c.Close()

	if !backendtest.Eventually(2*time.Second, func() bool { return c.State() == StateFailed }) {
		t.Fatalf("Expected failed state, got %s", c.State())
	}
	// 1 initial dial + 2 retries.
	if got := b.Dials("info/A"); got != 3 {
		t.Errorf("Expected 3 dials, got %d", got)
	}
	time.Sleep(100 * time.Millisecond)
	if got := b.Dials("info/A"); got != 3 {
		t.Errorf("Dialed again after giving up: %d", got)
	}
	if c.Connected() {
		t.Error("Failed connection reports connected")
	}
}

func TestConn_CloseCancelsPendingReconnect(t *testing.T) {
	b := backendtest.New("A")
	defer b.Close()
	b.Reject("info/A", true)

	opts := fastOptions(5)
	opts.Backoff = Backoff{RetryDelay: 200 * time.Millisecond, MaxRetryDelay: 200 * time.Millisecond}
	c := New("A", b.StatsURL("A"), traffic.Decode, opts, Handler[traffic.Snapshot]{})
	c.Start()

	if !backendtest.Eventually(time.Second, func() bool { return b.Dials("info/A") == 1 && c.State() == StateClosed }) {
		t.Fatal("Expected first dial to fail")
	}
	c.Close()

	time.Sleep(400 * time.Millisecond)
	if got := b.Dials("info/A"); got != 1 {
		t.Errorf("Reconnect fired after Close: %d dials", got)
	}
}

func TestConn_DeliberateCloseDoesNotReconnect(t *testing.T) {
	b := backendtest.New("A")
	defer b.Close()

	c := New("A", b.StatsURL("A"), traffic.Decode, fastOptions(5), Handler[traffic.Snapshot]{})
	c.Start()
	if !b.WaitActive("info/A", 1, time.Second) {
		t.Fatal("Timeout waiting for connection")
	}

	c.Close()
	if !b.WaitActive("info/A", 0, time.Second) {
		t.Fatal("Server still sees the socket after Close")
	}
	if !backendtest.Eventually(time.Second, func() bool { return b.CloseCode("info/A") == websocket.CloseNormalClosure }) {
		t.Errorf("Expected normal closure frame, server saw code %d", b.CloseCode("info/A"))
	}
	time.Sleep(100 * time.Millisecond)
	if got := b.Dials("info/A"); got != 1 {
		t.Errorf("Deliberate close triggered reconnect: %d dials", got)
	}
	if c.State() != StateClosed {
		t.Errorf("Expected closed state, got %s", c.State())
	}
}

func TestConn_CancelThenClose(t *testing.T) {
	b := backendtest.New("A")
	defer b.Close()

	c := New("A", b.StatsURL("A"), traffic.Decode, fastOptions(5), Handler[traffic.Snapshot]{})
	c.Start()
	if !b.WaitActive("info/A", 1, time.Second) {
		t.Fatal("Timeout waiting for connection")
	}

	c.Cancel()
	if !backendtest.Eventually(time.Second, func() bool { return c.State() == StateClosed }) {
		t.Fatal("Cancel did not stop the connection")
	}
	c.Close()
	if !backendtest.Eventually(time.Second, func() bool { return b.CloseCode("info/A") == websocket.CloseNormalClosure }) {
		t.Errorf("Expected normal closure after Cancel, server saw code %d", b.CloseCode("info/A"))
	}
	time.Sleep(100 * time.Millisecond)
	if got := b.Dials("info/A"); got != 1 {
		t.Errorf("Cancelled connection redialed: %d dials", got)
	}
}

func TestConn_SendsBearerToken(t *testing.T) {
	b := backendtest.New()
	defer b.Close()
	b.RequireToken("secret")

	opts := fastOptions(1)
	opts.Token = "secret"
	c := New("admin", b.AdminURL(), traffic.Decode, opts, Handler[traffic.Snapshot]{})
	c.Start()
	defer c.Close()

	if !b.WaitActive("admin", 1, time.Second) {
		t.Fatal("Authenticated handshake failed")
	}
	if got := b.Header("admin").Get("Authorization"); got != "Bearer secret" {
		t.Errorf("Unexpected Authorization header %q", got)
	}
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{RetryDelay: time.Second, MaxRetryDelay: 30 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second}
	for i, w := range want {
		if got := b.Delay(i + 1); got != w {
			t.Errorf("attempt %d: expected %s, got %s", i+1, w, got)
		}
	}
	if got := b.Delay(100); got != 30*time.Second {
		t.Errorf("Expected cap for large attempt, got %s", got)
	}
	if got := DefaultBackoff().Delay(7); got != 3*time.Second {
		t.Errorf("Expected fixed 3s default, got %s", got)
	}
}

func TestSlot_SwitchAndDeactivate(t *testing.T) {
	b := backendtest.New("A", "B")
	defer b.Close()

	rec := &recorder{}
	s := NewSlot("road", traffic.Decode, fastOptions(3), rec.handler())

	s.Set(b.StatsURL("A"))
	if !b.WaitActive("info/A", 1, time.Second) {
		t.Fatal("Slot did not connect to A")
	}

	s.Set(b.StatsURL("B"))
	if !b.WaitActive("info/A", 0, time.Second) || !b.WaitActive("info/B", 1, time.Second) {
		t.Fatal("Slot did not switch from A to B")
	}
	b.Send("info/B", `{"count_car":3,"count_motor":0}`)
	if !backendtest.Eventually(time.Second, func() bool { return rec.count() == 1 }) {
		t.Fatal("Message from B not delivered")
	}

	s.Set("")
	if !b.WaitActive("info/B", 0, time.Second) {
		t.Fatal("Inactive slot kept its socket")
	}
	if s.Current() != nil || s.Connected() {
		t.Error("Inactive slot still reports a connection")
	}
	time.Sleep(100 * time.Millisecond)
	if b.Dials("info/A") != 1 || b.Dials("info/B") != 1 {
		t.Errorf("Unexpected redials: A=%d B=%d", b.Dials("info/A"), b.Dials("info/B"))
	}
}
