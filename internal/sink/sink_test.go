package sink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"trafficwatch/internal/config"
	"trafficwatch/internal/history"
	"trafficwatch/internal/store"
	"trafficwatch/internal/traffic"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	topic    string
	retained bool
	payload  []byte
}

// fakeClient records publishes; unused mqtt.Client methods panic via the nil embed.
type fakeClient struct {
	mqtt.Client

	mu   sync.Mutex
	msgs []published
	err  error
	disc bool
}

func (c *fakeClient) IsConnected() bool { return true }

func (c *fakeClient) Disconnect(quiesce uint) {
	c.mu.Lock()
	c.disc = true
	c.mu.Unlock()
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return newFakeToken(c.err)
	}
	c.msgs = append(c.msgs, published{topic: topic, retained: retained, payload: payload.([]byte)})
	return newFakeToken(nil)
}

func testUpdate() store.Update {
	now := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	data := map[string]traffic.Snapshot{
		"A": {CountCar: 3, CountMotor: 1, SpeedCar: 20, SpeedMotor: 10, DensityStatus: traffic.DensityClear},
	}
	return store.Update{
		Time:    now,
		Roads:   []string{"A"},
		Traffic: data,
		Point:   history.NewPoint(now, []string{"A"}, data),
	}
}

func TestMQTT_PublishesRoadsAndHistory(t *testing.T) {
	client := &fakeClient{}
	m := newMQTTWithClient(client, "traffic/roads", 1)

	if err := m.Publish(context.Background(), testUpdate()); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if len(client.msgs) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(client.msgs))
	}

	road := client.msgs[0]
	if road.topic != "traffic/roads/A" || !road.retained {
		t.Errorf("Unexpected road message %s retained=%v", road.topic, road.retained)
	}
	var snap traffic.Snapshot
	if err := json.Unmarshal(road.payload, &snap); err != nil {
		t.Fatalf("Road payload is not JSON: %v", err)
	}
	if snap.CountCar != 3 || snap.DensityStatus != traffic.DensityClear {
		t.Errorf("Unexpected snapshot %+v", snap)
	}

	point := client.msgs[1]
	if point.topic != "traffic/roads/history" || point.retained {
		t.Errorf("Unexpected history message %s retained=%v", point.topic, point.retained)
	}
	var flat map[string]any
	json.Unmarshal(point.payload, &flat)
	if flat["time"] != "15:04:05" || flat["A_total"] != float64(4) {
		t.Errorf("Unexpected point payload %v", flat)
	}

	if pub, failed := m.Counts(); pub != 2 || failed != 0 {
		t.Errorf("Expected 2/0 counts, got %d/%d", pub, failed)
	}

	m.Close()
	if !client.disc {
		t.Error("Close did not disconnect")
	}
}

func TestMQTT_Errors(t *testing.T) {
	client := &fakeClient{err: errors.New("broker gone")}
	m := newMQTTWithClient(client, "traffic/roads", 0)

	if err := m.Publish(context.Background(), testUpdate()); err == nil {
		t.Error("Expected publish error")
	}
	m.setConnected(false)
	if err := m.Publish(context.Background(), testUpdate()); !errors.Is(err, ErrMQTTNotConnected) {
		t.Errorf("Expected ErrMQTTNotConnected, got %v", err)
	}
	if _, failed := m.Counts(); failed != 2 {
		t.Errorf("Expected 2 failures, got %d", failed)
	}
}

func TestNewNATS_Unreachable(t *testing.T) {
	if _, err := NewNATS(config.NATSConfig{URL: "nats://127.0.0.1:1", Subject: "x"}); err == nil {
		t.Error("Expected connect error")
	}
}

func TestNewRedis_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := NewRedis(ctx, config.RedisConfig{Addr: "127.0.0.1:1", Channel: "c", KeyPrefix: "road:"}); err == nil {
		t.Error("Expected ping error")
	}
}

func TestRoadFields(t *testing.T) {
	at := time.Unix(1700000000, 0)
	f := roadFields(traffic.Snapshot{CountCar: 2, CountMotor: 5, SpeedStatus: traffic.SpeedSlow}, at)
	if f["total"] != 7 || f["updated_at"] != int64(1700000000) || f["speed_status"] != traffic.SpeedSlow {
		t.Errorf("Unexpected fields %v", f)
	}
}
