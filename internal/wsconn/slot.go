package wsconn

import (
	"sync"
	"sync/atomic"
)

// Slot holds at most one Conn whose target can be switched at runtime. An empty
// URL means inactive: nothing is dialed.
type Slot[T any] struct {
	key     string
	decode  DecodeFunc[T]
	opts    Options
	handler Handler[T]

	mu  sync.Mutex // serializes Set
	url string
	cur atomic.Pointer[Conn[T]]
}

// NewSlot returns an inactive slot.
func NewSlot[T any](key string, decode DecodeFunc[T], opts Options, handler Handler[T]) *Slot[T] {
	return &Slot[T]{key: key, decode: decode, opts: opts, handler: handler}
}

// Set points the slot at url. The previous connection, if any, is closed
// deliberately before the new one starts; events it emits afterwards are dropped.
func (s *Slot[T]) Set(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if url == s.url {
		return
	}
	s.url = url
	if old := s.cur.Swap(nil); old != nil {
		old.Close()
	}
	if url == "" {
		return
	}

	c := New(s.key, url, s.decode, s.opts, Handler[T]{
		OnMessage: func(c *Conn[T], v T) {
			if s.cur.Load() == c && s.handler.OnMessage != nil {
				s.handler.OnMessage(c, v)
			}
		},
		OnState: func(c *Conn[T], st State) {
			if s.cur.Load() == c && s.handler.OnState != nil {
				s.handler.OnState(c, st)
			}
		},
	})
	s.cur.Store(c)
	c.Start()
}

// Close deactivates the slot.
func (s *Slot[T]) Close() { s.Set("") }

// Current returns the live connection, or nil while inactive.
func (s *Slot[T]) Current() *Conn[T] { return s.cur.Load() }

// Latest returns the live connection's latest payload.
func (s *Slot[T]) Latest() (T, bool) {
	if c := s.cur.Load(); c != nil {
		return c.Latest()
	}
	var zero T
	return zero, false
}

// Connected reports whether the slot is active and its socket is open.
func (s *Slot[T]) Connected() bool {
	c := s.cur.Load()
	return c != nil && c.Connected()
}
