package fusion

import (
	"math"
	"sync"

	"github.com/roadsense/motiond/internal/config"
	"github.com/roadsense/motiond/internal/geo"
	"github.com/roadsense/motiond/internal/sensors"
)

// Complementary is the reference filter kept for A/B metrics: a fixed-weight
// GPS+accel blend exposing position, speed and distance at the same cadence
// as the EKF.
type Complementary struct {
	mu  sync.Mutex
	cfg config.FilterConfig
	env Environment

	origin *geo.Origin

	x, y       float64
	speed      float64
	headingDeg float64
	distance   float64
	accuracy   float64

	lastAccelT float64
	hasAccel   bool
	lastT      float64
	hasFix     bool

	paused bool
}

// NewComplementary creates the reference filter sharing the session origin.
func NewComplementary(cfg config.FilterConfig, env Environment, origin *geo.Origin) *Complementary {
	return &Complementary{
		cfg:      cfg,
		env:      env,
		origin:   origin,
		accuracy: 50,
	}
}

// Name identifies the filter in trajectories and metrics.
func (c *Complementary) Name() string { return "comp" }

// SetPaused suspends advancing; the memory governor uses this when resident
// memory exceeds the ceiling.
func (c *Complementary) SetPaused(paused bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = paused
}

// Paused reports whether advancing is suspended.
func (c *Complementary) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Advance consumes one sample.
func (c *Complementary) Advance(s sensors.Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.paused {
		return
	}

	switch s.Kind {
	case sensors.KindAccel:
		c.advanceAccelLocked(s)
	case sensors.KindGPS:
		c.advanceGPSLocked(s)
	}
	c.lastT = s.Timestamp
}

// advanceAccelLocked integrates longitudinal specific force into speed
// between fixes. Orientation is unknown here, so only the magnitude residual
// against gravity contributes.
func (c *Complementary) advanceAccelLocked(s sensors.Sample) {
	if !c.hasAccel {
		c.hasAccel = true
		c.lastAccelT = s.Timestamp
		return
	}
	dt := s.Timestamp - c.lastAccelT
	c.lastAccelT = s.Timestamp
	if dt <= 0 || dt > 0.5 {
		return
	}

	longitudinal := s.Accel.Norm() - c.env.GravityMag()
	c.speed += longitudinal * dt
	if c.speed < 0 {
		c.speed = 0
	}

	// Dead-reckon along the current heading until the next fix corrects it.
	rad := c.headingDeg * math.Pi / 180
	dx := c.speed * dt * math.Sin(rad)
	dy := c.speed * dt * math.Cos(rad)
	c.x += dx
	c.y += dy
	c.distance += math.Hypot(dx, dy)
}

func (c *Complementary) advanceGPSLocked(s sensors.Sample) {
	fix := s.GPS
	if !c.origin.IsSet() {
		c.origin.Set(fix.Latitude, fix.Longitude)
	}
	east, north := c.origin.ToENU(fix.Latitude, fix.Longitude)

	w := c.cfg.CompWeight
	if !c.hasFix {
		c.x, c.y = east, north
		c.hasFix = true
	} else {
		px, py := c.x, c.y
		c.x = w*east + (1-w)*c.x
		c.y = w*north + (1-w)*c.y
		c.distance += math.Hypot(c.x-px, c.y-py)
	}

	c.speed = w*fix.Speed + (1-w)*c.speed
	if fix.Bearing != nil {
		c.headingDeg = *fix.Bearing
	}
	c.accuracy = fix.Accuracy
}

// Snapshot returns the current estimate.
func (c *Complementary) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return State{
		T:            c.lastT,
		X:            c.x,
		Y:            c.y,
		Speed:        c.speed,
		HeadingDeg:   c.headingDeg,
		UncertaintyM: c.accuracy,
		Distance:     c.distance,
	}
}
