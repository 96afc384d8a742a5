package history

import (
	"bytes"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"trafficwatch/internal/traffic"
)

// TimeLayout is the wall-clock label stored on each point.
const TimeLayout = "15:04:05"

// Point is one flattened sample: a time label plus, per road, the keys
// <road>_cars, <road>_motors, <road>_car_speed, <road>_motor_speed and <road>_total.
type Point struct {
	Time   string
	Values map[string]float64
}

// MarshalJSON writes the point as one flat object: {"time": "...", "<road>_cars": 1, ...}.
func (p Point) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(p.Values)+1)
	for k, v := range p.Values {
		flat[k] = v
	}
	flat["time"] = p.Time
	return json.Marshal(flat)
}

// NewPoint flattens data for every active road. Roads without data yet count as zero.
func NewPoint(now time.Time, roads []string, data map[string]traffic.Snapshot) Point {
	p := Point{Time: now.Format(TimeLayout), Values: make(map[string]float64, len(roads)*5)}
	for _, road := range roads {
		s := data[road]
		p.Values[road+"_cars"] = float64(s.CountCar)
		p.Values[road+"_motors"] = float64(s.CountMotor)
		p.Values[road+"_car_speed"] = s.SpeedCar
		p.Values[road+"_motor_speed"] = s.SpeedMotor
		p.Values[road+"_total"] = float64(s.Total())
	}
	return p
}

// Recorder appends a point whenever the aggregated map differs from the last one
// it recorded. Equality is decided on the serialized map, so any field change on
// any road records a point and an unchanged map never does.
type Recorder struct {
	ring *Ring[Point]

	mu   sync.Mutex
	last []byte
}

func NewRecorder(capacity int) *Recorder {
	return &Recorder{ring: NewRing[Point](capacity)}
}

// Observe records a point for data if it changed. It returns the new history
// snapshot and true when a point was appended.
func (r *Recorder) Observe(now time.Time, roads []string, data map[string]traffic.Snapshot) ([]Point, bool) {
	if len(data) == 0 {
		return r.ring.Items(), false
	}
	key, err := json.Marshal(data)
	if err != nil {
		return r.ring.Items(), false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if bytes.Equal(key, r.last) {
		return r.ring.Items(), false
	}
	r.last = key

	sorted := append([]string(nil), roads...)
	sort.Strings(sorted)
	return r.ring.Push(NewPoint(now, sorted, data)), true
}

// Points returns the current history, oldest first.
func (r *Recorder) Points() []Point { return r.ring.Items() }

func (r *Recorder) Len() int { return r.ring.Len() }
