// Package server exposes the traffic store over HTTP, a browser WebSocket feed
// and Prometheus.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trafficwatch/internal/admin"
	"trafficwatch/internal/store"
)

// Server wires the store, the admin monitor and the metrics registry to routes.
type Server struct {
	store    *store.Store
	admin    *admin.Monitor
	gatherer prometheus.Gatherer
	hub      *Hub
	http     *http.Server
}

// New builds a server. mon may be nil; gatherer defaults to the global registry.
func New(addr string, st *store.Store, mon *admin.Monitor, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		store:    st,
		admin:    mon,
		gatherer: gatherer,
		hub:      NewHub(st),
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleRoot).Methods("GET")
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/roads", s.handleRoads).Methods("GET")
	api.HandleFunc("/traffic", s.handleTraffic).Methods("GET")
	api.HandleFunc("/history", s.handleHistory).Methods("GET")
	api.HandleFunc("/connections", s.handleConnections).Methods("GET")
	api.HandleFunc("/state", s.handleState).Methods("GET")
	api.HandleFunc("/frames/{road}", s.handleFrame).Methods("GET")
	api.HandleFunc("/admin/resources", s.handleAdminResources).Methods("GET")

	r.HandleFunc("/ws", s.hub.HandleWebSocket)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	return r
}

// Hub returns the browser WebSocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// Run starts the hub and serves until ctx is cancelled, then shuts down within
// five seconds.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server: listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("server: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.hub.CloseAll()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}
