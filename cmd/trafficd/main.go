package main

import (
	"context"
	"flag"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"trafficwatch/internal/admin"
	"trafficwatch/internal/config"
	"trafficwatch/internal/frames"
	"trafficwatch/internal/logging"
	"trafficwatch/internal/metrics"
	"trafficwatch/internal/mux"
	"trafficwatch/internal/roads"
	"trafficwatch/internal/server"
	"trafficwatch/internal/sink"
	"trafficwatch/internal/store"
	"trafficwatch/internal/traffic"
	"trafficwatch/internal/wsconn"
)

// main loads config, connects to the detection backend, starts the optional
// sinks and serves the dashboard API until SIGINT/SIGTERM.
func main() {
	var configFile string
	var listenAddr string
	flag.StringVar(&configFile, "config", "", "Path to YAML configuration file")
	flag.StringVar(&listenAddr, "listen", "", "Server listen address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(configFile)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if listenAddr != "" {
		cfg.ServerPort = listenAddr
	}
	logging.Setup(cfg.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connOpts := wsconn.Options{
		Token:                cfg.Backend.AuthToken,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts(),
		Backoff:              wsconn.Backoff{RetryDelay: cfg.RetryDelay(), MaxRetryDelay: cfg.MaxRetryDelay()},
		HandshakeTimeout:     cfg.BackendTimeout(),
	}

	statsBase := cfg.StatsBase()
	stats := mux.New(mux.Config[traffic.Snapshot]{
		Name:    "stats",
		URLFor:  func(road string) string { return statsBase + url.PathEscape(road) },
		Decode:  traffic.Decode,
		Options: connOpts,
	})

	st := store.New(store.Options{
		Lister:          roads.NewClient(cfg.RoadsURL(), cfg.BackendTimeout()),
		Stats:           stats,
		Frames:          frames.NewStream(cfg.FramesBase(), connOpts, nil),
		HistorySize:     cfg.History.Size,
		RefreshInterval: cfg.RoadsRefresh(),
		Threshold:       cfg.ThresholdFor,
		Sinks:           buildSinks(ctx, cfg),
	})
	st.Start(ctx)
	defer st.Close()

	adminOpts := connOpts
	adminOpts.Token = cfg.Admin.Token
	adminOpts.MaxReconnectAttempts = cfg.AdminMaxAttempts()
	mon := admin.NewMonitor(cfg.AdminURL(), cfg.History.Size, adminOpts)
	mon.Start()
	defer mon.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewExporter(st))

	srv := server.New(cfg.ServerPort, st, mon, reg)
	slog.Info("starting trafficwatch",
		"listen", cfg.ServerPort,
		"backend", cfg.Backend.HTTPURL,
		"debug", cfg.Debug)
	if err := srv.Run(ctx); err != nil {
		slog.Error("server stopped", "error", err)
	}
	slog.Info("shutting down")
}

// buildSinks connects every enabled sink. A sink that cannot connect is logged
// and skipped.
func buildSinks(ctx context.Context, cfg *config.Config) []store.Sink {
	var sinks []store.Sink
	if cfg.Redis.Enabled {
		if r, err := sink.NewRedis(ctx, cfg.Redis); err != nil {
			slog.Error("redis sink disabled", "error", err)
		} else {
			sinks = append(sinks, r)
		}
	}
	if cfg.NATS.Enabled {
		if n, err := sink.NewNATS(cfg.NATS); err != nil {
			slog.Error("nats sink disabled", "error", err)
		} else {
			sinks = append(sinks, n)
		}
	}
	if cfg.MQTT.Enabled {
		if m, err := sink.NewMQTT(cfg.MQTT); err != nil {
			slog.Error("mqtt sink disabled", "error", err)
		} else {
			sinks = append(sinks, m)
		}
	}
	return sinks
}
