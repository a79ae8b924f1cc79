package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roadsense/motiond/internal/config"
	"github.com/roadsense/motiond/internal/persistence"
	"github.com/roadsense/motiond/internal/sensors"
)

func fastTestConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Persistence.DataDir = t.TempDir()
	cfg.Persistence.SaveInterval = config.Duration(300 * time.Millisecond)
	cfg.Persistence.StatusInterval = config.Duration(100 * time.Millisecond)
	cfg.Persistence.Gzip = true
	cfg.Calibration.Window = config.Duration(500 * time.Millisecond)
	cfg.Incidents.Dir = filepath.Join(cfg.Persistence.DataDir, "incidents")
	cfg.Metrics.DashboardInterval = config.Duration(time.Second)
	return cfg
}

func simSet() SourceSet {
	return SourceSet{
		Accel: func() sensors.Source {
			return sensors.NewSimSource(sensors.KindAccel, 20*time.Millisecond,
				sensors.SimStationaryAccel(0.02))
		},
		Gyro: func() sensors.Source {
			return sensors.NewSimSource(sensors.KindGyro, 20*time.Millisecond,
				sensors.SimBiasedGyro(0.003, -0.002, 0.001, 0.0005))
		},
		GPS: func() sensors.Source {
			return sensors.NewSimSource(sensors.KindGPS, 200*time.Millisecond,
				func(elapsed float64) sensors.Sample {
					return sensors.Sample{GPS: &sensors.GPSData{
						Latitude: 37.7749, Longitude: -122.4194, Accuracy: 5,
					}}
				})
		},
	}
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func TestEngine_EndToEndSimSession(t *testing.T) {
	cfg := fastTestConfig(t)
	eng := NewWithSources(cfg, quietLogger(), simSet())

	done := make(chan error, 1)
	go func() {
		done <- eng.Run(context.Background(), 3*time.Second)
	}()

	// Mid-session the live status heartbeat must exist and look sane.
	time.Sleep(1500 * time.Millisecond)
	data, err := os.ReadFile(eng.StatusPath())
	require.NoError(t, err, "live status missing mid-session")

	var status persistence.LiveStatus
	require.NoError(t, json.Unmarshal(data, &status))
	assert.Equal(t, eng.SessionID(), status.SessionID)
	assert.Contains(t, []string{persistence.StatusInitialising, persistence.StatusActive}, status.Status)
	assert.Greater(t, status.AccelSamples, uint64(0))

	require.NoError(t, <-done)

	// Live status is deleted on normal shutdown.
	_, err = os.Stat(eng.StatusPath())
	assert.True(t, os.IsNotExist(err), "live status file must be deleted on stop")

	// The session file round-trips and carries the streams.
	doc, err := persistence.LoadSession(eng.Store().Path())
	require.NoError(t, err)
	assert.Greater(t, doc.GPSFixes, uint64(0))
	assert.NotEmpty(t, doc.EKFTrajectory)

	// Stationary drive: no incidents, unit quaternion throughout.
	assert.Empty(t, doc.Incidents)
	final := eng.FinalMetrics()
	assert.GreaterOrEqual(t, final.QuatNormMin, 0.999)
	assert.LessOrEqual(t, final.QuatNormMax, 1.001)

	// Final metrics export is written standalone.
	_, err = os.Stat(filepath.Join(cfg.Persistence.DataDir, "final_metrics.json"))
	assert.NoError(t, err)
}

func TestEngine_StartupFailurePropagates(t *testing.T) {
	cfg := fastTestConfig(t)
	set := simSet()
	set.Accel = func() sensors.Source {
		return sensors.NewDaemon(sensors.KindAccel, config.SensorConfig{
			Command: "definitely-no-such-binary-motiond",
		}, quietLogger())
	}

	eng := NewWithSources(cfg, quietLogger(), set)
	err := eng.Run(context.Background(), time.Second)
	require.Error(t, err, "sensor start failure must propagate")
}

func TestEngine_SignalStopsContinuousRun(t *testing.T) {
	cfg := fastTestConfig(t)
	eng := NewWithSources(cfg, quietLogger(), simSet())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- eng.Run(ctx, 0) // continuous
	}()

	time.Sleep(700 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop after cancellation")
	}
}
