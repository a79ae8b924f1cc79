package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roadsense/motiond/internal/config"
	"github.com/roadsense/motiond/internal/fusion"
	"github.com/roadsense/motiond/internal/incidents"
	"github.com/roadsense/motiond/internal/metrics"
	"github.com/roadsense/motiond/internal/sensors"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func testStore(t *testing.T, gz bool) *Store {
	t.Helper()
	cfg := config.DefaultConfig().Persistence
	cfg.DataDir = t.TempDir()
	cfg.Gzip = gz
	return NewStore(cfg, "testsession", 100.0, quietLogger())
}

func feedStore(st *Store) {
	for i := 0; i < 50; i++ {
		ts := 100.0 + float64(i)*0.02
		st.Record(sensors.Sample{Timestamp: ts, Kind: sensors.KindAccel,
			Accel: &sensors.AccelData{X: 0.1, Y: 0.2, Z: 9.81}})
		st.Record(sensors.Sample{Timestamp: ts, Kind: sensors.KindGyro,
			Gyro: &sensors.GyroData{X: 0.003, Y: -0.002, Z: 0.001}})
	}
	bearing := 45.0
	st.Record(sensors.Sample{Timestamp: 101.0, Kind: sensors.KindGPS,
		GPS: &sensors.GPSData{Latitude: 37.0, Longitude: -122.0, Accuracy: 5,
			Speed: 10, Bearing: &bearing}})

	st.PushTrajectory("ekf", fusion.State{T: 101.0, X: 1, Y: 2, Speed: 10,
		HeadingDeg: 45, UncertaintyM: 3})
	st.PushTrajectory("comp", fusion.State{T: 101.0, X: 1.1, Y: 2.1, Speed: 9.8})
	st.PushCovariance(101.0, []float64{1, 2, 3, 4, 5, 6, 7, 8}, 42.0)
}

func TestStore_RoundTrip(t *testing.T) {
	for _, gz := range []bool{false, true} {
		st := testStore(t, gz)
		feedStore(st)

		final := metrics.Final{BiasMagnitude: 0.0037, QuatNormMin: 0.9999, QuatNormMax: 1.0001}
		require.NoError(t, st.Save(160.0, final, nil, 88.5))

		doc, err := LoadSession(st.Path())
		require.NoError(t, err)

		assert.Equal(t, 100.0, doc.StartTime)
		assert.Equal(t, 60.0, doc.DurationSeconds)
		assert.Equal(t, uint64(1), doc.GPSFixes)
		assert.Len(t, doc.AccelSamples, 50)
		assert.Len(t, doc.GyroSamples, 50)
		assert.Len(t, doc.GPSSamples, 1)
		assert.Len(t, doc.EKFTrajectory, 1)
		assert.Len(t, doc.CompTrajectory, 1)
		assert.Len(t, doc.CovarianceSnapshots, 1)
		assert.Equal(t, 88.5, doc.PeakMemoryMB)
		assert.Equal(t, final, doc.FinalMetrics)

		require.NotNil(t, doc.GPSSamples[0].Bearing)
		assert.Equal(t, 45.0, *doc.GPSSamples[0].Bearing)
		assert.Equal(t, 42.0, doc.CovarianceSnapshots[0].Trace)

		// Canonicalised bit-equality: re-encoding the loaded document must
		// match re-encoding the saved content.
		again, err := LoadSession(st.Path())
		require.NoError(t, err)
		b1, _ := json.Marshal(doc)
		b2, _ := json.Marshal(again)
		assert.Equal(t, b1, b2)
	}
}

func TestStore_ClearAfterSave(t *testing.T) {
	st := testStore(t, false)
	feedStore(st)

	require.NoError(t, st.Save(130.0, metrics.Final{}, nil, 0))

	// Accumulators drained, totals retained, trajectory rings kept.
	doc, err := LoadSession(st.Path())
	require.NoError(t, err)
	assert.Len(t, doc.AccelSamples, 50)

	require.NoError(t, st.Save(131.0, metrics.Final{}, nil, 0))
	doc, err = LoadSession(st.Path())
	require.NoError(t, err)
	assert.Empty(t, doc.AccelSamples, "accumulator not cleared after save")
	assert.Empty(t, doc.GPSSamples)
	assert.Len(t, doc.EKFTrajectory, 1, "trajectory ring must survive saves")

	gps, accel, gyro := st.Counts()
	assert.Equal(t, uint64(1), gps)
	assert.Equal(t, uint64(50), accel)
	assert.Equal(t, uint64(50), gyro)
}

func TestStore_ClearsIncidentListAfterSave(t *testing.T) {
	st := testStore(t, false)

	icfg := config.DefaultConfig().Incidents
	icfg.Dir = ""
	det := incidents.NewDetector(icfg,
		func() float64 { return 9.81 }, func() float64 { return 0 }, quietLogger())
	det.Observe(sensors.Sample{Timestamp: 1.0, Kind: sensors.KindAccel,
		Accel: &sensors.AccelData{X: 2.0 * 9.80665}})
	det.Flush()
	require.Len(t, det.Emitted(), 1)

	require.NoError(t, st.Save(130.0, metrics.Final{}, det, 0))

	assert.Empty(t, det.Emitted(), "incident list must clear after save")
	doc, err := LoadSession(st.Path())
	require.NoError(t, err)
	assert.Len(t, doc.Incidents, 1, "saved document keeps the incidents")
}

func TestStore_SaveFailureClearsNothing(t *testing.T) {
	cfg := config.DefaultConfig().Persistence
	// Point the store at a path that cannot be a directory.
	blocker := filepath.Join(t.TempDir(), "blocked")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	cfg.DataDir = filepath.Join(blocker, "nested")
	cfg.Gzip = false

	st := NewStore(cfg, "s", 0, quietLogger())
	st.Record(sensors.Sample{Timestamp: 1, Kind: sensors.KindAccel,
		Accel: &sensors.AccelData{Z: 9.81}})

	err := st.Save(10.0, metrics.Final{}, nil, 0)
	require.Error(t, err)

	ok, failed := st.Saves()
	assert.Equal(t, uint64(0), ok)
	assert.Equal(t, uint64(1), failed)
}

func TestStatusPublisher_PublishAndDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "live_status.json")
	pub := NewStatusPublisher(path)

	status := LiveStatus{
		SessionID:    "abc",
		Status:       StatusActive,
		ElapsedS:     12.5,
		GPSFixes:     3,
		AccelSamples: 600,
	}
	require.NoError(t, pub.Publish(status))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var got LiveStatus
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, status, got)

	// Overwrite is atomic: a second publish replaces the document.
	status.ElapsedS = 14.5
	require.NoError(t, pub.Publish(status))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, 14.5, got.ElapsedS)

	pub.Delete()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "status file must be deleted on stop")
}
