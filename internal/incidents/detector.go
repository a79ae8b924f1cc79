// Package incidents detects driving incidents (hard braking, swerving,
// impact) from raw inertial data and filtered state, and emits contextual
// event records.
package incidents

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/roadsense/motiond/internal/config"
	"github.com/roadsense/motiond/internal/metrics"
	"github.com/roadsense/motiond/internal/ringbuf"
	"github.com/roadsense/motiond/internal/sensors"
)

const standardGravity = 9.80665

// Kind labels an incident type.
type Kind string

const (
	HardBrake Kind = "hard_brake"
	Swerve    Kind = "swerve"
	Impact    Kind = "impact"
)

// Window is the raw-data context around a trigger: 30 s before and 30 s
// after the trigger instant.
type Window struct {
	Accel []sensors.Sample `json:"accel"`
	Gyro  []sensors.Sample `json:"gyro"`
	GPS   []sensors.Sample `json:"gps"`
}

// Record is one emitted incident.
type Record struct {
	T         float64 `json:"t"`
	Kind      Kind    `json:"kind"`
	Magnitude float64 `json:"magnitude"`
	Threshold float64 `json:"threshold"`
	Window    Window  `json:"window"`
}

// pending is an incident whose post-trigger window is still recording.
type pending struct {
	record   Record
	deadline float64
}

// BiasProvider exposes the filter's current gyro z bias for yaw-rate
// correction.
type BiasProvider func() float64

// GravityProvider exposes the calibrated gravity magnitude.
type GravityProvider func() float64

// Detector maintains ring-buffered context windows and applies the incident
// thresholds. It is fed from the filter thread only.
type Detector struct {
	mu  sync.Mutex
	cfg config.IncidentConfig
	log logrus.FieldLogger

	gravity GravityProvider
	biasZ   BiasProvider

	accelRing *ringbuf.Ring[sensors.Sample]
	gyroRing  *ringbuf.Ring[sensors.Sample]
	gpsRing   *ringbuf.Ring[sensors.Sample]

	lastSpeed   float64
	lastTrigger map[Kind]float64
	inflight    []*pending

	emitted    []Record
	emittedCap int
	total      uint64
}

// NewDetector creates a detector. Ring capacities hold one context window at
// the sensors' native rates.
func NewDetector(cfg config.IncidentConfig, gravity GravityProvider, biasZ BiasProvider, log logrus.FieldLogger) *Detector {
	seconds := cfg.ContextWindow.Seconds()
	return &Detector{
		cfg:         cfg,
		log:         log.WithField("component", "incidents"),
		gravity:     gravity,
		biasZ:       biasZ,
		accelRing:   ringbuf.New[sensors.Sample](int(seconds * 50)),
		gyroRing:    ringbuf.New[sensors.Sample](int(seconds * 50)),
		gpsRing:     ringbuf.New[sensors.Sample](int(seconds)),
		lastTrigger: make(map[Kind]float64),
		emittedCap:  100,
	}
}

// Observe consumes one raw sample: it extends the context rings, feeds any
// in-flight post-windows, and evaluates the trigger thresholds.
func (d *Detector) Observe(s sensors.Sample) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch s.Kind {
	case sensors.KindAccel:
		d.accelRing.Push(s)
		d.appendInflightLocked(s)
		d.checkAccelLocked(s)
	case sensors.KindGyro:
		d.gyroRing.Push(s)
		d.appendInflightLocked(s)
		d.checkGyroLocked(s)
	case sensors.KindGPS:
		d.gpsRing.Push(s)
		d.lastSpeed = s.GPS.Speed
		d.appendInflightLocked(s)
	}

	d.finalizeDueLocked(s.Timestamp)
}

func (d *Detector) checkAccelLocked(s sensors.Sample) {
	norm := s.Accel.Norm()
	longitudinalG := (norm - d.gravity()) / standardGravity

	if -longitudinalG > d.cfg.HardBrakeG {
		d.triggerLocked(s.Timestamp, HardBrake, -longitudinalG, d.cfg.HardBrakeG)
	}
	if norm/standardGravity > d.cfg.ImpactG {
		d.triggerLocked(s.Timestamp, Impact, norm/standardGravity, d.cfg.ImpactG)
	}
}

func (d *Detector) checkGyroLocked(s sensors.Sample) {
	yawRate := math.Abs(s.Gyro.Z - d.biasZ())
	if yawRate > d.cfg.SwerveYawRate && d.lastSpeed > d.cfg.SwerveMinSpeed {
		d.triggerLocked(s.Timestamp, Swerve, yawRate, d.cfg.SwerveYawRate)
	}
}

// triggerLocked opens a new incident unless the same kind is in cooldown.
// The pre-window snapshot is taken now; the post-window records until the
// context deadline.
func (d *Detector) triggerLocked(t float64, kind Kind, magnitude, threshold float64) {
	if last, ok := d.lastTrigger[kind]; ok && t-last < d.cfg.Cooldown.Seconds() {
		return
	}
	d.lastTrigger[kind] = t

	p := &pending{
		record: Record{
			T:         t,
			Kind:      kind,
			Magnitude: magnitude,
			Threshold: threshold,
			Window: Window{
				Accel: d.accelRing.Snapshot(),
				Gyro:  d.gyroRing.Snapshot(),
				GPS:   d.gpsRing.Snapshot(),
			},
		},
		deadline: t + d.cfg.ContextWindow.Seconds(),
	}
	d.inflight = append(d.inflight, p)

	d.log.WithFields(logrus.Fields{
		"kind":      kind,
		"magnitude": magnitude,
		"threshold": threshold,
		"t":         t,
	}).Warn("incident triggered")
}

func (d *Detector) appendInflightLocked(s sensors.Sample) {
	for _, p := range d.inflight {
		switch s.Kind {
		case sensors.KindAccel:
			p.record.Window.Accel = append(p.record.Window.Accel, s)
		case sensors.KindGyro:
			p.record.Window.Gyro = append(p.record.Window.Gyro, s)
		case sensors.KindGPS:
			p.record.Window.GPS = append(p.record.Window.GPS, s)
		}
	}
}

// finalizeDueLocked emits incidents whose post-window has completed.
func (d *Detector) finalizeDueLocked(now float64) {
	remaining := d.inflight[:0]
	for _, p := range d.inflight {
		if now >= p.deadline {
			d.emitLocked(p.record)
		} else {
			remaining = append(remaining, p)
		}
	}
	d.inflight = remaining
}

func (d *Detector) emitLocked(rec Record) {
	d.total++
	metrics.GetProm().IncidentsTotal.WithLabelValues(string(rec.Kind)).Inc()
	d.emitted = append(d.emitted, rec)
	if len(d.emitted) > d.emittedCap {
		d.emitted = d.emitted[len(d.emitted)-d.emittedCap:]
	}

	if d.cfg.Dir != "" {
		if err := d.writeFile(rec); err != nil {
			d.log.Warnf("writing incident file: %v", err)
		}
	}
}

// writeFile persists one incident as incident_<tsec>_<frac>_<kind>.json.
func (d *Detector) writeFile(rec Record) error {
	if err := os.MkdirAll(d.cfg.Dir, 0o755); err != nil {
		return err
	}
	sec := int64(rec.T)
	frac := int64((rec.T - float64(sec)) * 1000)
	name := fmt.Sprintf("incident_%d_%03d_%s.json", sec, frac, rec.Kind)

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(d.cfg.Dir, name), data, 0o644)
}

// Flush finalizes all in-flight incidents immediately (shutdown path).
func (d *Detector) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.inflight {
		d.emitLocked(p.record)
	}
	d.inflight = nil
}

// Emitted returns a copy of the in-memory incident list.
func (d *Detector) Emitted() []Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Record, len(d.emitted))
	copy(out, d.emitted)
	return out
}

// ClearEmitted drops the in-memory list after a successful session save.
func (d *Detector) ClearEmitted() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.emitted = d.emitted[:0]
}

// Total returns the count of incidents emitted over the session.
func (d *Detector) Total() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.total
}
