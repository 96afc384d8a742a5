package frames

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"trafficwatch/internal/mux"
	"trafficwatch/internal/wsconn"
)

// Frame is the latest image for one camera. Its bytes live in the Registry under
// Handle until the frame is superseded.
type Frame struct {
	Handle      string
	Size        int
	ContentType string
	ReceivedAt  time.Time
}

var ErrNoFrame = errors.New("frames: no frame yet")

// Stream is the frame-channel multiplexer: one socket per camera, latest frame
// wins, previous buffers are revoked on replacement.
type Stream struct {
	reg *Registry
	mux *mux.Mux[*Frame]
}

// NewStream builds a stream dialing base+<escaped id> for every camera.
func NewStream(base string, opts wsconn.Options, reg *Registry) *Stream {
	if reg == nil {
		reg = NewRegistry()
	}
	s := &Stream{reg: reg}
	s.mux = mux.New(mux.Config[*Frame]{
		Name:    "frames",
		URLFor:  func(id string) string { return base + url.PathEscape(id) },
		Decode:  s.decode,
		Options: opts,
		Release: func(f *Frame) { reg.Revoke(f.Handle) },
	})
	return s
}

// decode accepts binary messages only; every one is treated as a new image.
func (s *Stream) decode(messageType int, data []byte) (*Frame, error) {
	if messageType != websocket.BinaryMessage {
		return nil, fmt.Errorf("frames: expected binary message, got type %d", messageType)
	}
	if len(data) == 0 {
		return nil, errors.New("frames: empty frame")
	}
	return &Frame{
		Handle:      s.reg.Register(data),
		Size:        len(data),
		ContentType: http.DetectContentType(data),
		ReceivedAt:  time.Now(),
	}, nil
}

// SetKeys reconciles the frame sockets with the road list.
func (s *Stream) SetKeys(ids []string) { s.mux.SetKeys(ids) }

// View returns the latest frame and health per road.
func (s *Stream) View() mux.View[*Frame] { return s.mux.View() }

// Stats returns per-road connection counters.
func (s *Stream) Stats() []mux.KeyStats { return s.mux.Stats() }

// Registry is the handle registry frames are registered in.
func (s *Stream) Registry() *Registry { return s.reg }

// Close shuts every frame socket and revokes the frames they held.
func (s *Stream) Close() { s.mux.Close() }

// Latest returns the current image bytes for id.
func (s *Stream) Latest(id string) (*Frame, []byte, error) {
	f, ok := s.mux.Get(id)
	if !ok {
		return nil, nil, ErrNoFrame
	}
	data, err := s.reg.Lookup(f.Handle)
	if err != nil {
		// Superseded between Get and Lookup; the caller can retry.
		return nil, nil, err
	}
	return f, data, nil
}
