package traffic

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
)

// Snapshot is the latest stat frame pushed by the detection backend for one road.
type Snapshot struct {
	CountCar      int     `json:"count_car"`
	CountMotor    int     `json:"count_motor"`
	SpeedCar      float64 `json:"speed_car"`
	SpeedMotor    float64 `json:"speed_motor"`
	DensityStatus string  `json:"density_status,omitempty"`
	SpeedStatus   string  `json:"speed_status,omitempty"`
}

// Total returns cars plus motorcycles.
func (s Snapshot) Total() int {
	return s.CountCar + s.CountMotor
}

// rawSnapshot uses pointers so missing counters can be told apart from zeros.
type rawSnapshot struct {
	CountCar      *float64 `json:"count_car"`
	CountMotor    *float64 `json:"count_motor"`
	SpeedCar      *float64 `json:"speed_car"`
	SpeedMotor    *float64 `json:"speed_motor"`
	DensityStatus string   `json:"density_status"`
	SpeedStatus   string   `json:"speed_status"`
	Detail        string   `json:"detail"`
}

var (
	ErrNotJSON       = errors.New("traffic: payload is not a JSON object")
	ErrMissingCounts = errors.New("traffic: payload has no vehicle counters")
	ErrBackendDetail = errors.New("traffic: backend reported an error")
)

// Decode parses one stat frame. Both text and binary frames are accepted as long as
// they carry a JSON object with at least one counter. A backend error frame
// ({"detail": "..."}) is rejected.
func Decode(messageType int, data []byte) (Snapshot, error) {
	if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
		return Snapshot{}, fmt.Errorf("traffic: unexpected message type %d", messageType)
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Snapshot{}, ErrNotJSON
	}
	var raw rawSnapshot
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return Snapshot{}, fmt.Errorf("traffic: decode stat frame: %w", err)
	}
	if raw.CountCar == nil && raw.CountMotor == nil {
		if raw.Detail != "" {
			return Snapshot{}, fmt.Errorf("%w: %s", ErrBackendDetail, raw.Detail)
		}
		return Snapshot{}, ErrMissingCounts
	}
	return Snapshot{
		CountCar:      int(deref(raw.CountCar)),
		CountMotor:    int(deref(raw.CountMotor)),
		SpeedCar:      deref(raw.SpeedCar),
		SpeedMotor:    deref(raw.SpeedMotor),
		DensityStatus: raw.DensityStatus,
		SpeedStatus:   raw.SpeedStatus,
	}, nil
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
