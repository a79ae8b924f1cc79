// Package metrics tracks real-time filter validation metrics and exposes
// them as a periodic dashboard line, a final JSON export and Prometheus
// instruments.
package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PromMetrics holds all motiond Prometheus instruments.
type PromMetrics struct {
	SamplesTotal    *prometheus.CounterVec
	SampleDrops     *prometheus.CounterVec
	RestartsTotal   *prometheus.CounterVec
	RestartFailures *prometheus.CounterVec
	IncidentsTotal  *prometheus.CounterVec
	SavesTotal      *prometheus.CounterVec

	UpdateDuration *prometheus.HistogramVec

	QuatNorm        prometheus.Gauge
	BiasMagnitude   prometheus.Gauge
	CovarianceTrace prometheus.Gauge
	GainNorm        prometheus.Gauge
	MemoryMB        prometheus.Gauge
	GPSFixes        prometheus.Gauge
}

var (
	promMetrics *PromMetrics
	promOnce    sync.Once
)

// GetProm returns the global instrument set.
func GetProm() *PromMetrics {
	promOnce.Do(func() {
		promMetrics = initializeProm()
	})
	return promMetrics
}

func initializeProm() *PromMetrics {
	m := &PromMetrics{}

	m.SamplesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "motiond",
			Name:      "samples_total",
			Help:      "Total accepted sensor samples",
		},
		[]string{"sensor"},
	)

	m.SampleDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "motiond",
			Name:      "sample_drops_total",
			Help:      "Total samples dropped on queue overflow",
		},
		[]string{"sensor"},
	)

	m.RestartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "motiond",
			Name:      "sensor_restarts_total",
			Help:      "Total validated sensor daemon restarts",
		},
		[]string{"sensor"},
	)

	m.RestartFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "motiond",
			Name:      "sensor_restart_failures_total",
			Help:      "Total restart attempts that failed validation",
		},
		[]string{"sensor"},
	)

	m.IncidentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "motiond",
			Name:      "incidents_total",
			Help:      "Total driving incidents emitted",
		},
		[]string{"kind"},
	)

	m.SavesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "motiond",
			Name:      "session_saves_total",
			Help:      "Total session auto-saves by outcome",
		},
		[]string{"outcome"},
	)

	m.UpdateDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "motiond",
			Name:      "filter_update_duration_seconds",
			Help:      "Wall time of one filter advance",
			Buckets:   []float64{1e-5, 5e-5, 1e-4, 5e-4, 1e-3, 5e-3, 1e-2, 5e-2},
		},
		[]string{"sensor"},
	)

	m.QuatNorm = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "motiond",
			Name:      "quaternion_norm",
			Help:      "Current EKF quaternion norm",
		},
	)

	m.BiasMagnitude = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "motiond",
			Name:      "gyro_bias_magnitude_rads",
			Help:      "Current EKF gyro bias magnitude",
		},
	)

	m.CovarianceTrace = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "motiond",
			Name:      "covariance_trace",
			Help:      "Current EKF covariance trace",
		},
	)

	m.GainNorm = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "motiond",
			Name:      "kalman_gain_norm",
			Help:      "Frobenius norm of the latest Kalman gain",
		},
	)

	m.MemoryMB = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "motiond",
			Name:      "resident_memory_mb",
			Help:      "Resident set size in MB",
		},
	)

	m.GPSFixes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "motiond",
			Name:      "gps_fixes",
			Help:      "GPS fixes received this session",
		},
	)

	return m
}

// Serve starts a loopback Prometheus exposition listener when port > 0.
func Serve(port int) *http.Server {
	if port <= 0 {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 2 * time.Second,
	}
	go srv.ListenAndServe()
	return srv
}
