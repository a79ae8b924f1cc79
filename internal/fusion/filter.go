package fusion

import "github.com/roadsense/motiond/internal/sensors"

// State is a filter snapshot at a point in time.
type State struct {
	T          float64 `json:"t"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Speed      float64 `json:"v"`
	HeadingDeg float64 `json:"heading_deg"`
	// UncertaintyM is the 1-sigma horizontal position uncertainty.
	UncertaintyM float64 `json:"uncertainty_m"`
	Distance     float64 `json:"distance_m"`

	// EKF-only fields; zero for the complementary filter.
	Quat Quat       `json:"quat,omitempty"`
	Bias [3]float64 `json:"bias,omitempty"`
	Vel  [3]float64 `json:"vel,omitempty"`
	Pos  [3]float64 `json:"pos,omitempty"`
}

// Filter is the contract both filter variants satisfy. Advance consumes one
// sample; Snapshot returns the current estimate under a short critical
// section. The orchestrator runs a list of filters over the same stream.
type Filter interface {
	Name() string
	Advance(s sensors.Sample)
	Snapshot() State
}
