// Package history keeps bounded rolling windows of time-stamped points.
package history

import "sync"

// Ring is a FIFO window of at most Cap items. Snapshot slices are never mutated
// after they are returned, so readers can keep them.
type Ring[T any] struct {
	mu    sync.RWMutex
	cap   int
	items []T
}

// NewRing returns an empty ring holding at most capacity items.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{cap: capacity, items: []T{}}
}

// Push appends v, evicting the oldest items beyond capacity, and returns the new
// snapshot.
func (r *Ring[T]) Push(v T) []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := 0
	if len(r.items)+1 > r.cap {
		start = len(r.items) + 1 - r.cap
	}
	next := make([]T, 0, len(r.items)-start+1)
	next = append(next, r.items[start:]...)
	next = append(next, v)
	r.items = next
	return next
}

// Items returns the current snapshot, oldest first.
func (r *Ring[T]) Items() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.items
}

func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

func (r *Ring[T]) Cap() int { return r.cap }
