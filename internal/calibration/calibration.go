// Package calibration estimates gravity magnitude and gyroscope bias from
// stationary windows, and re-estimates them when the vehicle is parked.
package calibration

import (
	"sync"

	"github.com/montanaflynn/stats"
	"github.com/sirupsen/logrus"

	"github.com/roadsense/motiond/internal/config"
	"github.com/roadsense/motiond/internal/geo"
	"github.com/roadsense/motiond/internal/ringbuf"
	"github.com/roadsense/motiond/internal/sensors"
)

// accelStdStationary is the accel-norm standard deviation under which the
// device is considered inertially still.
const accelStdStationary = 0.3 // m/s^2

// DefaultGravity is used until the first calibration completes.
const DefaultGravity = 9.81

// Result is an adopted calibration estimate.
type Result struct {
	GravityMag float64
	Bias       [3]float64
	Samples    int
}

// Calibrator runs the initial stationary-window estimate and dynamic
// recalibration. Gravity is calibrated by magnitude only; device orientation
// is not fixed, so axis-wise gravity removal is not valid here.
type Calibrator struct {
	mu  sync.Mutex
	cfg config.CalibrationConfig
	log logrus.FieldLogger

	gravityMag float64
	bias       [3]float64
	calibrated bool

	// collection window
	collecting  bool
	windowStart float64
	accelNorms  []float64
	gyroSum     [3]float64
	gyroCount   int

	// stationary tracking
	recentNorms     *ringbuf.Ring[float64]
	lastSpeed       float64
	haveSpeed       bool
	stationarySince float64
	anchorFix       *sensors.GPSData

	recalibrations int
}

// New creates a calibrator. The initial collection window opens on the first
// accel sample.
func New(cfg config.CalibrationConfig, log logrus.FieldLogger) *Calibrator {
	return &Calibrator{
		cfg:             cfg,
		log:             log.WithField("component", "calibration"),
		gravityMag:      DefaultGravity,
		recentNorms:     ringbuf.New[float64](64),
		stationarySince: -1,
	}
}

// ObserveAccel feeds one accelerometer sample.
func (c *Calibrator) ObserveAccel(s sensors.Sample) {
	if s.Accel == nil {
		return
	}
	norm := s.Accel.Norm()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.recentNorms.Push(norm)

	if !c.collecting {
		if !c.calibrated || c.stationaryForLocked(s.Timestamp) {
			c.openWindowLocked(s.Timestamp)
		} else {
			return
		}
	}

	c.accelNorms = append(c.accelNorms, norm)
	c.maybeCloseWindowLocked(s.Timestamp)
}

// ObserveGyro feeds one gyroscope sample.
func (c *Calibrator) ObserveGyro(s sensors.Sample) {
	if s.Gyro == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.collecting {
		return
	}
	c.gyroSum[0] += s.Gyro.X
	c.gyroSum[1] += s.Gyro.Y
	c.gyroSum[2] += s.Gyro.Z
	c.gyroCount++
}

// ObserveGPS feeds one GPS fix, driving the stationary detector.
func (c *Calibrator) ObserveGPS(s sensors.Sample) {
	if s.GPS == nil {
		return
	}
	fix := s.GPS

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastSpeed = fix.Speed
	c.haveSpeed = true

	if fix.Speed >= c.cfg.SpeedThreshold {
		c.resetStationaryLocked()
		return
	}

	if c.anchorFix == nil {
		c.anchorFix = fix
		c.stationarySince = s.Timestamp
		return
	}

	moved := geo.Haversine(c.anchorFix.Latitude, c.anchorFix.Longitude,
		fix.Latitude, fix.Longitude)
	limit := 5.0
	if 1.5*fix.Accuracy > limit {
		limit = 1.5 * fix.Accuracy
	}
	if moved >= limit {
		c.resetStationaryLocked()
		c.anchorFix = fix
		c.stationarySince = s.Timestamp
	}
}

func (c *Calibrator) resetStationaryLocked() {
	c.stationarySince = -1
	c.anchorFix = nil
	if c.collecting && c.calibrated {
		// Movement interrupts a recalibration window; discard it.
		c.discardWindowLocked()
	}
}

// stationaryForLocked reports whether the vehicle has been stationary long
// enough to open a recalibration window.
func (c *Calibrator) stationaryForLocked(now float64) bool {
	return c.stationarySince >= 0 && now-c.stationarySince >= c.cfg.StationaryWindow.Seconds()
}

func (c *Calibrator) openWindowLocked(now float64) {
	c.collecting = true
	c.windowStart = now
	c.accelNorms = c.accelNorms[:0]
	c.gyroSum = [3]float64{}
	c.gyroCount = 0
}

func (c *Calibrator) discardWindowLocked() {
	c.collecting = false
	c.accelNorms = c.accelNorms[:0]
	c.gyroSum = [3]float64{}
	c.gyroCount = 0
}

// maybeCloseWindowLocked finishes a window once it spans the configured
// duration, adopting the estimate if it differs enough from the current one.
func (c *Calibrator) maybeCloseWindowLocked(now float64) {
	if now-c.windowStart < c.cfg.Window.Seconds() {
		return
	}
	if len(c.accelNorms) < 10 || c.gyroCount < 10 {
		// Starved window; keep collecting until both streams contribute.
		return
	}

	gravity, _ := stats.Mean(c.accelNorms)
	var bias [3]float64
	for i := 0; i < 3; i++ {
		bias[i] = c.gyroSum[i] / float64(c.gyroCount)
	}

	first := !c.calibrated
	if first || c.shouldAdoptLocked(gravity, bias) {
		c.gravityMag = gravity
		c.bias = bias
		c.calibrated = true
		if !first {
			c.recalibrations++
		}
		c.log.WithFields(logrus.Fields{
			"gravity_mag": gravity,
			"bias_x":      bias[0],
			"bias_y":      bias[1],
			"bias_z":      bias[2],
			"samples":     len(c.accelNorms),
			"initial":     first,
		}).Info("calibration adopted")
	}

	c.discardWindowLocked()
	// Re-anchor so the next recalibration needs a fresh stationary stretch.
	c.stationarySince = -1
	c.anchorFix = nil
}

// shouldAdoptLocked applies the adoption thresholds for recalibration.
func (c *Calibrator) shouldAdoptLocked(gravity float64, bias [3]float64) bool {
	if absf(gravity-c.gravityMag) > c.cfg.GravityDelta {
		return true
	}
	for i := 0; i < 3; i++ {
		if absf(bias[i]-c.bias[i]) > c.cfg.BiasDelta {
			return true
		}
	}
	return false
}

// Calibrated reports whether the initial estimate has completed.
func (c *Calibrator) Calibrated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calibrated
}

// GravityMag returns the current gravity magnitude estimate.
func (c *Calibrator) GravityMag() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gravityMag
}

// Bias returns the current gyro bias estimate.
func (c *Calibrator) Bias() [3]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bias
}

// Recalibrations returns how many dynamic recalibrations have been adopted.
func (c *Calibrator) Recalibrations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recalibrations
}

// IsStationary reports whether the device is inertially still: low accel-norm
// variance and, when GPS is available, low speed. Used to gate the EKF gyro
// bias update.
func (c *Calibrator) IsStationary() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.haveSpeed && c.lastSpeed >= c.cfg.SpeedThreshold {
		return false
	}
	norms := c.recentNorms.Snapshot()
	if len(norms) < 16 {
		return false
	}
	std, err := stats.StandardDeviation(norms)
	if err != nil {
		return false
	}
	return std < accelStdStationary
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
