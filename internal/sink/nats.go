package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"trafficwatch/internal/config"
	"trafficwatch/internal/store"
)

// NATS publishes every update as JSON to a subject.
type NATS struct {
	nc      *nats.Conn
	subject string
}

// NewNATS creates a new NATS publisher.
func NewNATS(cfg config.NATSConfig) (*NATS, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("trafficwatch"),
		nats.Timeout(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats: disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats: reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", cfg.URL, err)
	}
	slog.Info("nats: connected", "url", cfg.URL, "subject", cfg.Subject)
	return &NATS{nc: nc, subject: cfg.Subject}, nil
}

func (n *NATS) Name() string { return "nats" }

func (n *NATS) Publish(ctx context.Context, u store.Update) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("nats: encode update: %w", err)
	}
	return n.nc.Publish(n.subject, data)
}

// Close drains and closes the NATS connection.
func (n *NATS) Close() error {
	if n.nc == nil {
		return nil
	}
	if err := n.nc.Drain(); err != nil {
		return fmt.Errorf("nats: drain: %w", err)
	}
	slog.Info("nats: connection drained and closed")
	return nil
}
