// Package metrics exports the traffic store as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"trafficwatch/internal/mux"
	"trafficwatch/internal/store"
)

const namespace = "trafficwatch"

// Exporter collects on scrape; it holds no state of its own.
type Exporter struct {
	store *store.Store

	roadConnected *prometheus.Desc
	roadVehicles  *prometheus.Desc
	roadSpeed     *prometheus.Desc
	anyConnected  *prometheus.Desc
	allConnected  *prometheus.Desc
	historyPoints *prometheus.Desc
	messages      *prometheus.Desc
	malformed     *prometheus.Desc
	reconnects    *prometheus.Desc
	frameHandles  *prometheus.Desc
}

// NewExporter returns a collector reading s on every scrape.
func NewExporter(s *store.Store) *Exporter {
	return &Exporter{
		store: s,
		roadConnected: prometheus.NewDesc(namespace+"_road_connected",
			"Whether the stats channel for the road is open.", []string{"road"}, nil),
		roadVehicles: prometheus.NewDesc(namespace+"_road_vehicles",
			"Latest vehicle count per road and class.", []string{"road", "class"}, nil),
		roadSpeed: prometheus.NewDesc(namespace+"_road_speed",
			"Latest average speed per road and class.", []string{"road", "class"}, nil),
		anyConnected: prometheus.NewDesc(namespace+"_any_connected",
			"1 if at least one stats channel is open.", nil, nil),
		allConnected: prometheus.NewDesc(namespace+"_all_connected",
			"1 if every stats channel is open and at least one road is active.", nil, nil),
		historyPoints: prometheus.NewDesc(namespace+"_history_points",
			"Number of points in the rolling history.", nil, nil),
		messages: prometheus.NewDesc(namespace+"_messages_total",
			"Messages accepted per channel and key.", []string{"channel", "key"}, nil),
		malformed: prometheus.NewDesc(namespace+"_malformed_messages_total",
			"Messages dropped as malformed per channel and key.", []string{"channel", "key"}, nil),
		reconnects: prometheus.NewDesc(namespace+"_reconnects_total",
			"Reconnect attempts per channel and key.", []string{"channel", "key"}, nil),
		frameHandles: prometheus.NewDesc(namespace+"_frame_handles",
			"Live frame buffers.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.roadConnected
	ch <- e.roadVehicles
	ch <- e.roadSpeed
	ch <- e.anyConnected
	ch <- e.allConnected
	ch <- e.historyPoints
	ch <- e.messages
	ch <- e.malformed
	ch <- e.reconnects
	ch <- e.frameHandles
}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	st := e.store.State()

	for road, ok := range st.Connections {
		ch <- prometheus.MustNewConstMetric(e.roadConnected, prometheus.GaugeValue, boolValue(ok), road)
	}
	for road, s := range st.Traffic {
		ch <- prometheus.MustNewConstMetric(e.roadVehicles, prometheus.GaugeValue, float64(s.CountCar), road, "car")
		ch <- prometheus.MustNewConstMetric(e.roadVehicles, prometheus.GaugeValue, float64(s.CountMotor), road, "motor")
		ch <- prometheus.MustNewConstMetric(e.roadSpeed, prometheus.GaugeValue, s.SpeedCar, road, "car")
		ch <- prometheus.MustNewConstMetric(e.roadSpeed, prometheus.GaugeValue, s.SpeedMotor, road, "motor")
	}
	ch <- prometheus.MustNewConstMetric(e.anyConnected, prometheus.GaugeValue, boolValue(st.AnyConnected))
	ch <- prometheus.MustNewConstMetric(e.allConnected, prometheus.GaugeValue, boolValue(st.AllConnected))
	ch <- prometheus.MustNewConstMetric(e.historyPoints, prometheus.GaugeValue, float64(len(st.History)))

	e.collectConns(ch, "stats", e.store.ConnectionStats())
	if f := e.store.Frames(); f != nil {
		e.collectConns(ch, "frames", f.Stats())
		ch <- prometheus.MustNewConstMetric(e.frameHandles, prometheus.GaugeValue, float64(f.Registry().Len()))
	}
}

func (e *Exporter) collectConns(ch chan<- prometheus.Metric, channel string, stats []mux.KeyStats) {
	for _, ks := range stats {
		ch <- prometheus.MustNewConstMetric(e.messages, prometheus.CounterValue, float64(ks.Messages), channel, ks.Key)
		ch <- prometheus.MustNewConstMetric(e.malformed, prometheus.CounterValue, float64(ks.Malformed), channel, ks.Key)
		ch <- prometheus.MustNewConstMetric(e.reconnects, prometheus.CounterValue, float64(ks.Reconnects), channel, ks.Key)
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
