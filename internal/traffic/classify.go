package traffic

import "trafficwatch/internal/config"

const (
	DensityClear     = "clear"
	DensityBusy      = "busy"
	DensityCongested = "congested"

	SpeedFast = "fast"
	SpeedSlow = "slow"
)

// Classify fills DensityStatus and SpeedStatus when the backend did not send them.
// Labels already present are kept as-is.
func Classify(s Snapshot, th config.Threshold) Snapshot {
	if s.DensityStatus == "" {
		switch total := s.Total(); {
		case total > th.C2:
			s.DensityStatus = DensityCongested
		case total > th.C1:
			s.DensityStatus = DensityBusy
		default:
			s.DensityStatus = DensityClear
		}
	}
	if s.SpeedStatus == "" {
		s.SpeedStatus = SpeedSlow
		if avg := averageSpeed(s); avg >= th.V {
			s.SpeedStatus = SpeedFast
		}
	}
	return s
}

// averageSpeed is the mean of both class speeds, or 0 when neither is moving.
func averageSpeed(s Snapshot) float64 {
	if s.SpeedCar == 0 && s.SpeedMotor == 0 {
		return 0
	}
	return (s.SpeedCar + s.SpeedMotor) / 2
}
