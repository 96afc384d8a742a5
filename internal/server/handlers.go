package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	gmux "github.com/gorilla/mux"

	"trafficwatch/internal/admin"
	"trafficwatch/internal/frames"
	"trafficwatch/internal/mux"
)

// connectionsResponse is the health view of the stats channels.
type connectionsResponse struct {
	Connections  map[string]bool `json:"connections"`
	AnyConnected bool            `json:"is_any_connected"`
	AllConnected bool            `json:"are_all_connected"`
	Channels     []channelStats  `json:"channels"`
}

type channelStats struct {
	Channel    string `json:"channel"`
	Key        string `json:"key"`
	State      string `json:"state"`
	Retries    int    `json:"retries"`
	Reconnects uint64 `json:"reconnects"`
	Messages   uint64 `json:"messages"`
	Malformed  uint64 `json:"malformed"`
}

// handleRoot is a basic liveness banner.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "trafficwatch: %d roads\n", len(s.store.Roads()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok"))
}

func (s *Server) handleRoads(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string][]string{"road_names": s.store.Roads()})
}

// handleTraffic returns the latest snapshot per road.
func (s *Server) handleTraffic(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.store.State().Traffic)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.store.State().History)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.store.State())
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	st := s.store.State()
	resp := connectionsResponse{
		Connections:  st.Connections,
		AnyConnected: st.AnyConnected,
		AllConnected: st.AllConnected,
		Channels:     []channelStats{},
	}
	for _, ks := range s.store.ConnectionStats() {
		resp.Channels = append(resp.Channels, toChannelStats("stats", ks))
	}
	if f := s.store.Frames(); f != nil {
		for _, ks := range f.Stats() {
			resp.Channels = append(resp.Channels, toChannelStats("frames", ks))
		}
	}
	writeJSON(w, resp)
}

// handleFrame serves the latest image for a road.
func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	f := s.store.Frames()
	if f == nil {
		http.Error(w, "frames disabled", http.StatusServiceUnavailable)
		return
	}
	road := gmux.Vars(r)["road"]

	frame, data, err := f.Latest(road)
	if errors.Is(err, frames.ErrRevoked) {
		// Superseded while reading; the next one is already in place.
		frame, data, err = f.Latest(road)
	}
	if err != nil {
		http.Error(w, "no frame for "+road, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", frame.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Handle", frame.Handle)
	if _, err := w.Write(data); err != nil {
		slog.Debug("server: frame write failed", "road", road, "error", err)
	}
}

func (s *Server) handleAdminResources(w http.ResponseWriter, r *http.Request) {
	if s.admin == nil {
		writeJSON(w, admin.Snapshot{History: []admin.Sample{}})
		return
	}
	writeJSON(w, s.admin.Snapshot())
}

func toChannelStats(channel string, ks mux.KeyStats) channelStats {
	return channelStats{
		Channel:    channel,
		Key:        ks.Key,
		State:      ks.State.String(),
		Retries:    ks.Retries,
		Reconnects: ks.Reconnects,
		Messages:   ks.Messages,
		Malformed:  ks.Malformed,
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
