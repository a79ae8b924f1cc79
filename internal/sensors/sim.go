package sensors

import (
	"context"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/roadsense/motiond/internal/queue"
)

// SimSource generates synthetic samples for simulation mode and the
// end-to-end scenario tests. The generator receives elapsed seconds since
// Start and returns the payload for one sample.
type SimSource struct {
	kind   Kind
	period time.Duration
	gen    func(elapsed float64) Sample

	out        *queue.Queue[Sample]
	clock      Clock
	cancel     context.CancelFunc
	alive      atomic.Bool
	lastSample atomic.Int64
}

// NewSimSource creates a synthetic source emitting one sample per period.
func NewSimSource(kind Kind, period time.Duration, gen func(elapsed float64) Sample) *SimSource {
	return &SimSource{
		kind:   kind,
		period: period,
		gen:    gen,
		out:    queue.New[Sample](100, queue.DropNewest),
		clock:  WallClock,
	}
}

// Kind returns the simulated sensor family.
func (s *SimSource) Kind() Kind { return s.kind }

// Queue returns the production queue endpoint.
func (s *SimSource) Queue() *queue.Queue[Sample] { return s.out }

// Start begins emitting samples.
func (s *SimSource) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.alive.Store(true)
	start := time.Now()

	go func() {
		defer s.alive.Store(false)
		ticker := time.NewTicker(s.period)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				sample := s.gen(time.Since(start).Seconds())
				sample.Timestamp = s.clock()
				sample.Kind = s.kind
				s.lastSample.Store(time.Now().UnixNano())
				s.out.Push(sample)
			}
		}
	}()
	return nil
}

// LastSampleInstant returns when the last sample was emitted.
func (s *SimSource) LastSampleInstant() (time.Time, bool) {
	ns := s.lastSample.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

// IsAlive reports whether the generator loop is running.
func (s *SimSource) IsAlive() bool { return s.alive.Load() }

// Stop cancels the generator loop.
func (s *SimSource) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.alive.Store(false)
}

// Canned simulation profiles.

// SimStationaryAccel emits gravity plus Gaussian noise.
func SimStationaryAccel(noise float64) func(float64) Sample {
	return func(float64) Sample {
		return Sample{Accel: &AccelData{
			X: rand.NormFloat64() * noise,
			Y: rand.NormFloat64() * noise,
			Z: 9.81 + rand.NormFloat64()*noise,
		}}
	}
}

// SimBiasedGyro emits a constant bias plus Gaussian noise.
func SimBiasedGyro(bx, by, bz, noise float64) func(float64) Sample {
	return func(float64) Sample {
		return Sample{Gyro: &GyroData{
			X: bx + rand.NormFloat64()*noise,
			Y: by + rand.NormFloat64()*noise,
			Z: bz + rand.NormFloat64()*noise,
		}}
	}
}

// SimStraightDriveGPS emits fixes along a constant bearing at constant speed
// from the given origin.
func SimStraightDriveGPS(lat0, lon0, speed, bearingDeg float64) func(float64) Sample {
	const earthRadius = 6371000.0
	rad := bearingDeg * math.Pi / 180
	return func(elapsed float64) Sample {
		dist := speed * elapsed
		north := dist * math.Cos(rad)
		east := dist * math.Sin(rad)
		lat := lat0 + (north/earthRadius)*180/math.Pi
		lon := lon0 + (east/(earthRadius*math.Cos(lat0*math.Pi/180)))*180/math.Pi
		bearing := bearingDeg
		return Sample{GPS: &GPSData{
			Latitude:  lat,
			Longitude: lon,
			Accuracy:  5.0,
			Speed:     speed,
			Bearing:   &bearing,
		}}
	}
}
