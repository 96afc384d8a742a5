// Package wsconn maintains a single self-healing WebSocket to one backend endpoint.
package wsconn

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// State is the lifecycle state of a Conn.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed // lost with a retry pending, or closed deliberately
	StateFailed // reconnect attempts exhausted
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// DecodeFunc turns one WebSocket message into a payload. Returning an error marks
// the message as malformed; it is dropped and the connection stays up.
type DecodeFunc[T any] func(messageType int, data []byte) (T, error)

// DialFunc matches websocket.Dialer.DialContext.
type DialFunc func(ctx context.Context, url string, header http.Header) (*websocket.Conn, *http.Response, error)

// Options configure a Conn.
type Options struct {
	// Token is attached to the handshake as "Authorization: Bearer <token>".
	Token string
	// MaxReconnectAttempts is the number of consecutive retries after an unexpected
	// close. Zero disables automatic reconnects.
	MaxReconnectAttempts int
	Backoff              Backoff
	HandshakeTimeout     time.Duration
	ReadLimit            int64
	Dial                 DialFunc
}

// Handler receives events from a Conn. Callbacks run on the connection goroutine
// and must not call Close on the same Conn.
type Handler[T any] struct {
	OnMessage func(c *Conn[T], v T)
	OnState   func(c *Conn[T], s State)
}

// Stats is a point-in-time copy of a connection's counters.
type Stats struct {
	State         State
	Retries       int
	Reconnects    uint64
	Messages      uint64
	Malformed     uint64
	ConnectedAt   time.Time
	LastMessageAt time.Time
}

// Conn owns exactly one live socket for one endpoint identifier.
type Conn[T any] struct {
	key     string
	url     string
	decode  DecodeFunc[T]
	opts    Options
	handler Handler[T]

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started atomic.Bool

	mu            sync.RWMutex
	state         State
	retries       int
	latest        T
	hasLatest     bool
	reconnects    uint64
	messages      uint64
	malformed     uint64
	connectedAt   time.Time
	lastMessageAt time.Time
}

// New creates a Conn for key. It does not dial until Start is called.
func New[T any](key, url string, decode DecodeFunc[T], opts Options, handler Handler[T]) *Conn[T] {
	if opts.Dial == nil {
		opts.Dial = websocket.DefaultDialer.DialContext
	}
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn[T]{
		key:     key,
		url:     url,
		decode:  decode,
		opts:    opts,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		state:   StateConnecting,
	}
}

// Start launches the connection goroutine. Calling it more than once is a no-op.
func (c *Conn[T]) Start() {
	if c.started.CompareAndSwap(false, true) {
		go c.run()
	}
}

// Close deliberately shuts the connection down: any pending reconnect timer is
// cancelled, a normal-closure frame is sent and the socket is closed. Close blocks
// until the connection goroutine has exited, so no dial happens after it returns.
func (c *Conn[T]) Close() {
	c.cancel()
	if c.started.Load() {
		<-c.done
	}
}

// Cancel stops the connection without waiting for its goroutine. It is safe to
// call while holding locks the callbacks take; Close must still be called to wait.
func (c *Conn[T]) Cancel() { c.cancel() }

// Key is the endpoint id the connection was created for.
func (c *Conn[T]) Key() string { return c.key }

// URL is the socket address dialed on every attempt.
func (c *Conn[T]) URL() string { return c.url }

// Latest returns the most recently decoded payload.
func (c *Conn[T]) Latest() (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest, c.hasLatest
}

// State is the current lifecycle state.
func (c *Conn[T]) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Connected reports whether the socket is open.
func (c *Conn[T]) Connected() bool { return c.State() == StateOpen }

// Retries is the number of consecutive failed attempts since the last open.
func (c *Conn[T]) Retries() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.retries
}

// Stats returns a copy of the connection counters.
func (c *Conn[T]) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		State:         c.state,
		Retries:       c.retries,
		Reconnects:    c.reconnects,
		Messages:      c.messages,
		Malformed:     c.malformed,
		ConnectedAt:   c.connectedAt,
		LastMessageAt: c.lastMessageAt,
	}
}

func (c *Conn[T]) run() {
	defer close(c.done)

	for {
		if c.ctx.Err() != nil {
			c.setState(StateClosed)
			return
		}
		c.setState(StateConnecting)

		sock, err := c.dial()
		if err == nil {
			c.opened()
			err = c.serve(sock)
		}

		if c.ctx.Err() != nil {
			c.setState(StateClosed)
			slog.Debug("wsconn: closed deliberately", "key", c.key)
			return
		}
		c.setState(StateClosed)

		attempt, ok := c.nextAttempt()
		if !ok {
			slog.Error("wsconn: giving up after max reconnect attempts",
				"key", c.key,
				"max_attempts", c.opts.MaxReconnectAttempts,
				"error", err)
			c.setState(StateFailed)
			return
		}

		delay := c.opts.Backoff.Delay(attempt)
		slog.Warn("wsconn: connection lost, retrying",
			"key", c.key,
			"error", err,
			"attempt", attempt,
			"max_attempts", c.opts.MaxReconnectAttempts,
			"delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-c.ctx.Done():
			timer.Stop()
			c.setState(StateClosed)
			slog.Debug("wsconn: pending reconnect cancelled", "key", c.key)
			return
		}
	}
}

func (c *Conn[T]) dial() (*websocket.Conn, error) {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	ctx := c.ctx
	if c.opts.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.HandshakeTimeout)
		defer cancel()
	}

	sock, resp, err := c.opts.Dial(ctx, c.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("wsconn: dial %s: %w (status %d)", c.url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("wsconn: dial %s: %w", c.url, err)
	}
	return sock, nil
}

func (c *Conn[T]) opened() {
	c.mu.Lock()
	c.retries = 0
	c.connectedAt = time.Now()
	c.mu.Unlock()

	slog.Info("wsconn: connection established", "key", c.key, "url", c.url)
	c.setState(StateOpen)
}

// serve reads until the socket fails or the context is cancelled. On cancellation
// the watcher sends a normal-closure frame, which unblocks the read.
func (c *Conn[T]) serve(sock *websocket.Conn) error {
	if c.opts.ReadLimit > 0 {
		sock.SetReadLimit(c.opts.ReadLimit)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-c.ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if err := sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
				slog.Debug("wsconn: close frame not sent", "key", c.key, "error", err)
			}
			sock.Close()
		case <-stop:
		}
	}()

	err := c.readLoop(sock)
	close(stop)
	wg.Wait()
	sock.Close()
	return err
}

func (c *Conn[T]) readLoop(sock *websocket.Conn) error {
	for {
		messageType, data, err := sock.ReadMessage()
		if err != nil {
			return err
		}
		v, err := c.decode(messageType, data)
		if err != nil {
			c.mu.Lock()
			c.malformed++
			c.mu.Unlock()
			slog.Warn("wsconn: dropping malformed message", "key", c.key, "size", len(data), "error", err)
			continue
		}
		c.deliver(v)
	}
}

func (c *Conn[T]) deliver(v T) {
	c.mu.Lock()
	c.latest = v
	c.hasLatest = true
	c.messages++
	c.lastMessageAt = time.Now()
	c.mu.Unlock()

	if c.handler.OnMessage != nil {
		c.handler.OnMessage(c, v)
	}
}

func (c *Conn[T]) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	if c.handler.OnState != nil {
		c.handler.OnState(c, s)
	}
}

// nextAttempt bumps the retry counter unless the budget is spent.
func (c *Conn[T]) nextAttempt() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.retries >= c.opts.MaxReconnectAttempts {
		return c.retries, false
	}
	c.retries++
	c.reconnects++
	return c.retries, true
}
