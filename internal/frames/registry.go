// Package frames multiplexes per-camera binary video frames and manages the
// lifetime of the frame buffers it hands out.
package frames

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrRevoked is returned for a handle that was released or never existed.
var ErrRevoked = errors.New("frames: handle revoked")

// Registry owns frame buffers behind opaque handles. A handle stays valid until
// Revoke is called; nothing is reclaimed automatically.
type Registry struct {
	mu      sync.RWMutex
	buffers map[string][]byte
	created uint64
	revoked uint64
}

func NewRegistry() *Registry {
	return &Registry{buffers: make(map[string][]byte)}
}

// Register stores data and returns its handle.
func (r *Registry) Register(data []byte) string {
	h := uuid.NewString()
	r.mu.Lock()
	r.buffers[h] = data
	r.created++
	r.mu.Unlock()
	return h
}

// Lookup returns the buffer for h.
func (r *Registry) Lookup(h string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	data, ok := r.buffers[h]
	if !ok {
		return nil, ErrRevoked
	}
	return data, nil
}

// Revoke releases h. Revoking twice is harmless.
func (r *Registry) Revoke(h string) {
	r.mu.Lock()
	if _, ok := r.buffers[h]; ok {
		delete(r.buffers, h)
		r.revoked++
	}
	r.mu.Unlock()
}

// Len is the number of live handles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buffers)
}

// Counts returns how many handles were created and revoked in total.
func (r *Registry) Counts() (created, revoked uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.created, r.revoked
}
