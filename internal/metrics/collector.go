package metrics

import (
	"math"
	"os"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/sirupsen/logrus"

	"github.com/roadsense/motiond/internal/fusion"
	"github.com/roadsense/motiond/internal/geo"
	"github.com/roadsense/motiond/internal/ringbuf"
	"github.com/roadsense/motiond/internal/sensors"
)

// biasConvergedMag is the bias magnitude above which the estimate is
// considered to have locked on.
const biasConvergedMag = 0.001 // rad/s

// Probes pull live EKF internals on demand; Export calls them while it holds
// the collector's lock.
type Probes struct {
	GainNorm        func() float64
	CovTrace        func() float64
	DtRejects       func() uint64
	NumericalResets func() uint64
}

// Final is the end-of-session metrics export.
type Final struct {
	BiasMagnitude    float64 `json:"bias_magnitude_rads"`
	BiasSigma        float64 `json:"bias_sigma_rads"`
	BiasConvergenceS float64 `json:"bias_convergence_s"`
	QuatNormMin      float64 `json:"quat_norm_min"`
	QuatNormMax      float64 `json:"quat_norm_max"`
	QuatViolations   uint64  `json:"quat_violations"`
	QuatRateRads     float64 `json:"quat_rate_rads"`
	GyroResidual     float64 `json:"gyro_residual_rads"`
	HeadingErrorDeg  float64 `json:"heading_error_deg"`
	HeadingActive    bool    `json:"heading_active"`
	GPSDistanceM     float64 `json:"gps_distance_m"`
	EKFDistanceM     float64 `json:"ekf_distance_m"`
	CompDistanceM    float64 `json:"comp_distance_m"`
	EKFDistanceErr   float64 `json:"ekf_distance_error_pct"`
	CompDistanceErr  float64 `json:"comp_distance_error_pct"`
	GainNorm         float64 `json:"kalman_gain_norm"`
	CovTrace         float64 `json:"covariance_trace"`
	UpdateP50Us      float64 `json:"update_p50_us"`
	UpdateP95Us      float64 `json:"update_p95_us"`
	UpdateP99Us      float64 `json:"update_p99_us"`
	DtRejects        uint64  `json:"dt_rejects"`
	NumericalResets  uint64  `json:"numerical_resets"`
	PeakMemoryMB     float64 `json:"peak_memory_mb"`
}

// Collector aggregates validation metrics at sampling cadence.
type Collector struct {
	mu     sync.Mutex
	log    logrus.FieldLogger
	probes Probes

	startT float64
	haveT  bool

	// quaternion
	quatNormMin    float64
	quatNormMax    float64
	quatViolations uint64
	lastQuat       fusion.Quat
	lastQuatT      float64
	haveQuat       bool
	quatRate       float64

	// bias
	biasMag     float64
	convergedAt float64
	biasWindow  *ringbuf.Ring[float64]

	// gyro residual (EWMA over stationary windows)
	gyroResidual float64
	haveResidual bool

	// heading error vs GPS bearing
	headingErrSum float64
	headingN      int

	// distance
	gpsDistance float64
	lastFix     *sensors.GPSData
	ekfDistance float64
	compDist    float64

	// update latency, microseconds
	latencies *ringbuf.Ring[float64]

	peakMemoryMB float64
}

// NewCollector creates the collector.
func NewCollector(log logrus.FieldLogger) *Collector {
	return &Collector{
		log:         log.WithField("component", "metrics"),
		quatNormMin: 1,
		quatNormMax: 1,
		convergedAt: -1,
		biasWindow:  ringbuf.New[float64](1500),
		latencies:   ringbuf.New[float64](4096),
	}
}

// SetProbes attaches the EKF probes.
func (c *Collector) SetProbes(p Probes) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes = p
}

// ObserveState consumes one EKF snapshot at sampling cadence.
func (c *Collector) ObserveState(st fusion.State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.haveT {
		c.haveT = true
		c.startT = st.T
	}

	norm := st.Quat.Norm()
	if norm < c.quatNormMin {
		c.quatNormMin = norm
	}
	if norm > c.quatNormMax {
		c.quatNormMax = norm
	}
	if norm < 0.999 || norm > 1.001 {
		c.quatViolations++
	}
	GetProm().QuatNorm.Set(norm)

	if c.haveQuat && st.T > c.lastQuatT {
		// Rotation angle between consecutive snapshots, per second.
		dot := clampAbs(st.Quat[0]*c.lastQuat[0] + st.Quat[1]*c.lastQuat[1] +
			st.Quat[2]*c.lastQuat[2] + st.Quat[3]*c.lastQuat[3])
		angle := 2 * math.Acos(math.Abs(dot))
		c.quatRate = angle / (st.T - c.lastQuatT)
	}
	c.lastQuat = st.Quat
	c.lastQuatT = st.T
	c.haveQuat = true

	mag := math.Sqrt(st.Bias[0]*st.Bias[0] + st.Bias[1]*st.Bias[1] + st.Bias[2]*st.Bias[2])
	c.biasMag = mag
	c.biasWindow.Push(mag)
	if c.convergedAt < 0 && mag > biasConvergedMag {
		c.convergedAt = st.T - c.startT
		c.log.WithField("t", c.convergedAt).Info("gyro bias converged")
	}
	GetProm().BiasMagnitude.Set(mag)
}

// ObserveGyroResidual consumes one bias-corrected stationary gyro residual.
func (c *Collector) ObserveGyroResidual(residual float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.haveResidual {
		c.gyroResidual = residual
		c.haveResidual = true
		return
	}
	c.gyroResidual = 0.95*c.gyroResidual + 0.05*residual
}

// ObserveFix consumes one GPS fix with both filters' states at that instant.
func (c *Collector) ObserveFix(fix *sensors.GPSData, ekf fusion.State, comp *fusion.State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lastFix != nil {
		c.gpsDistance += geo.Haversine(c.lastFix.Latitude, c.lastFix.Longitude,
			fix.Latitude, fix.Longitude)
	}
	c.lastFix = fix

	if fix.Bearing != nil && fix.Speed > 1 {
		err := math.Abs(angleDiffDeg(*fix.Bearing, ekf.HeadingDeg))
		c.headingErrSum += err
		c.headingN++
	}

	c.ekfDistance = ekf.Distance
	if comp != nil {
		c.compDist = comp.Distance
	}
}

// ObserveUpdate consumes one filter-advance wall time.
func (c *Collector) ObserveUpdate(kind sensors.Kind, elapsed time.Duration) {
	c.mu.Lock()
	c.latencies.Push(float64(elapsed.Microseconds()))
	c.mu.Unlock()
	GetProm().UpdateDuration.WithLabelValues(kind.String()).Observe(elapsed.Seconds())
}

// ObserveMemory records the current resident set size.
func (c *Collector) ObserveMemory(mb float64) {
	c.mu.Lock()
	if mb > c.peakMemoryMB {
		c.peakMemoryMB = mb
	}
	c.mu.Unlock()
	GetProm().MemoryMB.Set(mb)
}

// Dashboard emits the periodic operator line.
func (c *Collector) Dashboard() {
	snap := c.Export()
	c.log.WithFields(logrus.Fields{
		"bias_mag":     snap.BiasMagnitude,
		"bias_sigma":   snap.BiasSigma,
		"quat_norm":    [2]float64{snap.QuatNormMin, snap.QuatNormMax},
		"gyro_resid":   snap.GyroResidual,
		"heading_err":  snap.HeadingErrorDeg,
		"gps_dist_m":   snap.GPSDistanceM,
		"ekf_dist_m":   snap.EKFDistanceM,
		"gain_norm":    snap.GainNorm,
		"cov_trace":    snap.CovTrace,
		"update_p95":   snap.UpdateP95Us,
		"memory_mb":    snap.PeakMemoryMB,
		"dt_rejects":   snap.DtRejects,
		"num_resets":   snap.NumericalResets,
	}).Info("validation dashboard")
}

// Export builds the final metrics snapshot.
func (c *Collector) Export() Final {
	c.mu.Lock()
	defer c.mu.Unlock()

	f := Final{
		BiasMagnitude:    c.biasMag,
		BiasConvergenceS: c.convergedAt,
		QuatNormMin:      c.quatNormMin,
		QuatNormMax:      c.quatNormMax,
		QuatViolations:   c.quatViolations,
		QuatRateRads:     c.quatRate,
		GyroResidual:     c.gyroResidual,
		HeadingActive:    c.headingN > 0,
		GPSDistanceM:     c.gpsDistance,
		EKFDistanceM:     c.ekfDistance,
		CompDistanceM:    c.compDist,
		PeakMemoryMB:     c.peakMemoryMB,
	}

	if window := c.biasWindow.Snapshot(); len(window) > 1 {
		if sigma, err := stats.StandardDeviation(window); err == nil {
			f.BiasSigma = sigma
		}
	}
	if c.headingN > 0 {
		f.HeadingErrorDeg = c.headingErrSum / float64(c.headingN)
	}
	if c.gpsDistance > 0 {
		f.EKFDistanceErr = 100 * math.Abs(c.ekfDistance-c.gpsDistance) / c.gpsDistance
		f.CompDistanceErr = 100 * math.Abs(c.compDist-c.gpsDistance) / c.gpsDistance
	}
	if lat := c.latencies.Snapshot(); len(lat) > 0 {
		f.UpdateP50Us, _ = stats.Percentile(lat, 50)
		f.UpdateP95Us, _ = stats.Percentile(lat, 95)
		f.UpdateP99Us, _ = stats.Percentile(lat, 99)
	}
	if c.probes.GainNorm != nil {
		f.GainNorm = c.probes.GainNorm()
		f.CovTrace = c.probes.CovTrace()
		f.DtRejects = c.probes.DtRejects()
		f.NumericalResets = c.probes.NumericalResets()
	}
	return f
}

// ResidentMemoryMB reads the process RSS.
func ResidentMemoryMB() float64 {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	mi, err := p.MemoryInfo()
	if err != nil || mi == nil {
		return 0
	}
	return float64(mi.RSS) / (1024 * 1024)
}

// angleDiffDeg returns the signed smallest difference between two bearings.
func angleDiffDeg(a, b float64) float64 {
	d := math.Mod(a-b+540, 360) - 180
	return d
}

func clampAbs(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
