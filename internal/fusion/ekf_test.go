package fusion

import (
	"math"
	"math/rand"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roadsense/motiond/internal/config"
	"github.com/roadsense/motiond/internal/geo"
	"github.com/roadsense/motiond/internal/sensors"
)

type stubEnv struct {
	gravity    float64
	stationary bool
}

func (e *stubEnv) GravityMag() float64 { return e.gravity }
func (e *stubEnv) IsStationary() bool  { return e.stationary }

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func newTestEKF(env *stubEnv) *EKF {
	cfg := config.DefaultConfig().Filter
	return NewEKF(cfg, env, geo.NewOrigin(), testLogger())
}

func accelAt(t, x, y, z float64) sensors.Sample {
	return sensors.Sample{Timestamp: t, Kind: sensors.KindAccel,
		Accel: &sensors.AccelData{X: x, Y: y, Z: z}}
}

func gyroAt(t, x, y, z float64) sensors.Sample {
	return sensors.Sample{Timestamp: t, Kind: sensors.KindGyro,
		Gyro: &sensors.GyroData{X: x, Y: y, Z: z}}
}

func gpsAt(t, lat, lon, speed float64, bearing *float64) sensors.Sample {
	return sensors.Sample{Timestamp: t, Kind: sensors.KindGPS,
		GPS: &sensors.GPSData{Latitude: lat, Longitude: lon, Accuracy: 5,
			Speed: speed, Bearing: bearing}}
}

func TestEKF_QuatNormInvariant(t *testing.T) {
	env := &stubEnv{gravity: 9.81, stationary: true}
	f := newTestEKF(env)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		ts := float64(i) * 0.02
		f.Advance(gyroAt(ts, rng.NormFloat64()*0.05, rng.NormFloat64()*0.05, rng.NormFloat64()*0.05))
		f.Advance(accelAt(ts, rng.NormFloat64()*0.1, rng.NormFloat64()*0.1, 9.81+rng.NormFloat64()*0.1))

		norm := f.Snapshot().Quat.Norm()
		require.InDelta(t, 1.0, norm, 1e-3, "quaternion norm at step %d", i)
	}
}

func TestEKF_CovarianceSymmetricPSD(t *testing.T) {
	env := &stubEnv{gravity: 9.81, stationary: true}
	f := newTestEKF(env)

	for i := 0; i < 500; i++ {
		ts := float64(i) * 0.02
		f.Advance(gyroAt(ts, 0.003, -0.002, 0.001))
		f.Advance(accelAt(ts, 0, 0, 9.81))
		if i%50 == 0 {
			f.Advance(gpsAt(ts, 37.0+float64(i)*1e-7, -122.0, 0, nil))
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var asym float64
	for i := 0; i < stateDim; i++ {
		for j := 0; j < stateDim; j++ {
			d := f.p.At(i, j) - f.p.At(j, i)
			asym += d * d
		}
		assert.GreaterOrEqual(t, f.p.At(i, i), 0.0, "negative variance at %d", i)
	}
	assert.Less(t, math.Sqrt(asym), 1e-9, "covariance asymmetry")
}

func TestEKF_DtBoundariesRejected(t *testing.T) {
	env := &stubEnv{gravity: 9.81, stationary: false}
	f := newTestEKF(env)

	f.Advance(gyroAt(10.0, 0, 0, 0)) // establishes reference point
	before := f.DtRejects()

	f.Advance(gyroAt(10.0, 0, 0, 0)) // dt = 0
	f.Advance(gyroAt(9.5, 0, 0, 0))  // negative dt
	f.Advance(gyroAt(9.8, 0, 0, 0))  // still behind the reference
	f.Advance(gyroAt(10.5, 0, 0, 0)) // dt = 0.5 > MaxDt

	if got := f.DtRejects() - before; got != 4 {
		t.Fatalf("expected 4 rejected predictions, got %d", got)
	}
}

func TestEKF_StationaryBiasConvergence(t *testing.T) {
	// Scenario: stationary device, constant gyro bias (0.003, -0.002, 0.001).
	env := &stubEnv{gravity: 9.81, stationary: true}
	f := newTestEKF(env)

	trueBias := [3]float64{0.003, -0.002, 0.001}
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 1500; i++ { // 30 s at 50 Hz
		ts := float64(i) * 0.02
		f.Advance(gyroAt(ts,
			trueBias[0]+rng.NormFloat64()*0.001,
			trueBias[1]+rng.NormFloat64()*0.001,
			trueBias[2]+rng.NormFloat64()*0.001))
		f.Advance(accelAt(ts, 0, 0, 9.81))
	}

	bias := f.Snapshot().Bias
	mag := math.Sqrt(bias[0]*bias[0] + bias[1]*bias[1] + bias[2]*bias[2])
	assert.InDelta(t, 0.00374, mag, 0.0015, "bias magnitude after 30 s")

	// Bias-corrected stationary residual under 0.01 rad/s.
	res := math.Sqrt(
		(trueBias[0]-bias[0])*(trueBias[0]-bias[0]) +
			(trueBias[1]-bias[1])*(trueBias[1]-bias[1]) +
			(trueBias[2]-bias[2])*(trueBias[2]-bias[2]))
	assert.Less(t, res, 0.01, "bias-corrected residual")
}

func TestEKF_StraightDriveTracksGPS(t *testing.T) {
	// Scenario: constant 20 m/s drive north, GPS at 1 Hz, 120 s.
	env := &stubEnv{gravity: 9.81, stationary: false}
	f := newTestEKF(env)

	gen := sensors.SimStraightDriveGPS(37.0, -122.0, 20.0, 0.0)
	bearing := 0.0
	var lastFix *sensors.GPSData

	for sec := 0; sec < 120; sec++ {
		ts := float64(sec)
		for k := 0; k < 50; k++ {
			sub := ts + float64(k)*0.02
			f.Advance(gyroAt(sub, 0, 0, 0))
			f.Advance(accelAt(sub, 0, 0, 9.81))
		}
		fixSample := gen(ts)
		fix := fixSample.GPS
		f.Advance(gpsAt(ts, fix.Latitude, fix.Longitude, 20.0, &bearing))
		lastFix = fix
	}

	st := f.Snapshot()

	// Position within GPS accuracy scale of ground truth (~2380 m north).
	origin := geo.NewOrigin()
	origin.Set(37.0, -122.0)
	_, wantNorth := origin.ToENU(lastFix.Latitude, lastFix.Longitude)
	assert.InDelta(t, wantNorth, st.Y, 25, "north position")
	assert.InDelta(t, 0, st.X, 25, "east position")

	// Velocity within 1 m/s after convergence.
	assert.InDelta(t, 20.0, st.Speed, 1.0, "speed")

	// Distance within 5% of the haversine track length.
	want := 20.0 * 119
	assert.InEpsilon(t, want, st.Distance, 0.05, "distance")
}

func TestEKF_SaturatedAccelKeepsUnitQuat(t *testing.T) {
	env := &stubEnv{gravity: 9.81, stationary: false}
	f := newTestEKF(env)

	for i := 0; i < 200; i++ {
		ts := float64(i) * 0.02
		f.Advance(gyroAt(ts, 0, 0, 0))
		// ±2g bursts; the magnitude gate rejects them but the filter must
		// stay consistent either way.
		sign := 1.0
		if i%2 == 0 {
			sign = -1.0
		}
		f.Advance(accelAt(ts, sign*19.62, 0, 0))
	}

	norm := f.Snapshot().Quat.Norm()
	assert.InDelta(t, 1.0, norm, 1e-3)
}

func TestEKF_NumericalGuardRecovers(t *testing.T) {
	env := &stubEnv{gravity: 9.81, stationary: false}
	f := newTestEKF(env)

	f.Advance(gyroAt(0.0, 0, 0, 0))
	f.Advance(gyroAt(0.02, 0, 0, 0))

	// Poison the state directly; the next Advance must restore it.
	f.mu.Lock()
	f.x.SetVec(idxV, math.NaN())
	f.mu.Unlock()

	f.Advance(gyroAt(0.04, 0, 0, 0))

	st := f.Snapshot()
	if math.IsNaN(st.Vel[0]) {
		t.Fatal("NaN survived the numerical guard")
	}
	if f.NumericalResets() == 0 {
		t.Fatal("reset counter not incremented")
	}
}

func TestEKF_GyroDisabledAccelDrivesPrediction(t *testing.T) {
	env := &stubEnv{gravity: 9.81, stationary: false}
	cfg := config.DefaultConfig().Filter
	cfg.EnableGyro = false
	f := NewEKF(cfg, env, geo.NewOrigin(), testLogger())

	// Seed a northward velocity via GPS speed+bearing, then confirm accel
	// samples integrate position without any gyro stream.
	bearing := 0.0
	f.Advance(gpsAt(0, 37.0, -122.0, 10, &bearing))
	before := f.Snapshot().Pos

	for i := 1; i <= 100; i++ {
		f.Advance(accelAt(float64(i)*0.02, 0, 0, 9.81))
	}

	after := f.Snapshot().Pos
	if after[1] <= before[1] {
		t.Fatalf("position did not integrate without gyro: %v -> %v", before, after)
	}

	// Gyro samples must be ignored entirely.
	rejectsBefore := f.DtRejects()
	f.Advance(gyroAt(5.0, 1, 1, 1))
	if f.DtRejects() != rejectsBefore {
		t.Fatal("gyro sample touched the prediction path while disabled")
	}
}

func TestEKF_GPSUpdateSetsOriginOnce(t *testing.T) {
	env := &stubEnv{gravity: 9.81, stationary: false}
	origin := geo.NewOrigin()
	f := NewEKF(config.DefaultConfig().Filter, env, origin, testLogger())

	f.Advance(gpsAt(1.0, 37.0, -122.0, 0, nil))
	require.True(t, origin.IsSet())
	assert.Equal(t, 37.0, origin.Latitude)

	f.Advance(gpsAt(2.0, 38.0, -121.0, 0, nil))
	assert.Equal(t, 37.0, origin.Latitude, "origin must not move")
}
