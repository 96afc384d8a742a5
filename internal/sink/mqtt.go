package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"trafficwatch/internal/config"
	"trafficwatch/internal/store"
)

var ErrMQTTNotConnected = errors.New("mqtt not connected")

// MQTT publishes each road's snapshot retained on <topic>/<road> and the history
// point on <topic>/history.
type MQTT struct {
	client mqtt.Client
	topic  string
	qos    byte

	mu        sync.RWMutex
	connected bool
	published uint64
	errors    uint64
}

// NewMQTT connects to the broker with auto-reconnect enabled.
func NewMQTT(cfg config.MQTTConfig) (*MQTT, error) {
	m := &MQTT{topic: cfg.Topic, qos: cfg.QoS}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(c mqtt.Client) {
		m.setConnected(true)
		slog.Info("mqtt connection established", "broker", cfg.Broker, "client_id", cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		m.setConnected(false)
		slog.Warn("mqtt connection lost, will auto-reconnect", "error", err, "broker", cfg.Broker)
	}

	m.client = mqtt.NewClient(opts)
	token := m.client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	m.setConnected(true)
	return m, nil
}

func newMQTTWithClient(client mqtt.Client, topic string, qos byte) *MQTT {
	return &MQTT{client: client, topic: topic, qos: qos, connected: true}
}

func (m *MQTT) Name() string { return "mqtt" }

func (m *MQTT) Publish(ctx context.Context, u store.Update) error {
	if !m.isConnected() {
		m.countError()
		return ErrMQTTNotConnected
	}
	for road, snap := range u.Traffic {
		payload, err := json.Marshal(snap)
		if err != nil {
			m.countError()
			return fmt.Errorf("failed to marshal snapshot: %w", err)
		}
		if err := m.send(m.topic+"/"+road, true, payload); err != nil {
			return err
		}
	}
	payload, err := json.Marshal(u.Point)
	if err != nil {
		m.countError()
		return fmt.Errorf("failed to marshal point: %w", err)
	}
	return m.send(m.topic+"/history", false, payload)
}

func (m *MQTT) send(topic string, retained bool, payload []byte) error {
	token := m.client.Publish(topic, m.qos, retained, payload)
	if !token.WaitTimeout(2 * time.Second) {
		m.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		m.countError()
		return fmt.Errorf("publish failed: %w", err)
	}
	m.mu.Lock()
	m.published++
	m.mu.Unlock()
	slog.Debug("mqtt: published", "topic", topic, "size", len(payload))
	return nil
}

// Counts returns how many messages were published and how many attempts failed.
func (m *MQTT) Counts() (published, failed uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.published, m.errors
}

// Close disconnects with a 250ms grace period.
func (m *MQTT) Close() error {
	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250)
		slog.Info("mqtt disconnected")
	}
	m.setConnected(false)
	return nil
}

func (m *MQTT) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

func (m *MQTT) isConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

func (m *MQTT) countError() {
	m.mu.Lock()
	m.errors++
	m.mu.Unlock()
}
