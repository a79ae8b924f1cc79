// Package persistence owns the session file protocol: bounded in-memory
// accumulation, atomic auto-save with clear-after-save, and the live status
// heartbeat consumed by external dashboards.
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"

	"github.com/roadsense/motiond/internal/config"
	"github.com/roadsense/motiond/internal/fusion"
	"github.com/roadsense/motiond/internal/incidents"
	"github.com/roadsense/motiond/internal/metrics"
	"github.com/roadsense/motiond/internal/ringbuf"
	"github.com/roadsense/motiond/internal/sensors"
)

// Accumulator ring capacities: sized for several save intervals of headroom
// at native rates so a failed save never grows memory.
const (
	accelAccumCap = 4096
	gyroAccumCap  = 4096
	gpsAccumCap   = 256
)

// AxisRecord is one persisted accel/gyro sample.
type AxisRecord struct {
	T float64 `json:"t"`
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// GPSRecord is one persisted GPS fix.
type GPSRecord struct {
	T         float64  `json:"t"`
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Altitude  *float64 `json:"altitude,omitempty"`
	Accuracy  float64  `json:"accuracy"`
	Speed     float64  `json:"speed"`
	Bearing   *float64 `json:"bearing,omitempty"`
}

// TrajectoryPoint is one filtered track point.
type TrajectoryPoint struct {
	T            float64 `json:"t"`
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	V            float64 `json:"v"`
	HeadingDeg   float64 `json:"heading_deg"`
	UncertaintyM float64 `json:"uncertainty_m"`
}

// CovSnapshot is one covariance health sample.
type CovSnapshot struct {
	T     float64    `json:"t"`
	Trace float64    `json:"trace"`
	Diag  [8]float64 `json:"diag"`
}

// SessionDoc is the on-disk session format.
type SessionDoc struct {
	StartTime           float64            `json:"start_time"`
	DurationSeconds     float64            `json:"duration_seconds"`
	GPSFixes            uint64             `json:"gps_fixes"`
	GPSSamples          []GPSRecord        `json:"gps_samples"`
	AccelSamples        []AxisRecord       `json:"accel_samples"`
	GyroSamples         []AxisRecord       `json:"gyro_samples"`
	Incidents           []incidents.Record `json:"incidents"`
	EKFTrajectory       []TrajectoryPoint  `json:"ekf_trajectory"`
	CompTrajectory      []TrajectoryPoint  `json:"comp_trajectory"`
	CovarianceSnapshots []CovSnapshot      `json:"covariance_snapshots"`
	FinalMetrics        metrics.Final      `json:"final_metrics"`
	PeakMemoryMB        float64            `json:"peak_memory_mb"`
}

// Store accumulates session data between saves. It also holds the trajectory
// and covariance rings: the orchestrator fills them through PushTrajectory and
// PushCovariance, and Save reads them.
type Store struct {
	cfg       config.PersistenceConfig
	log       logrus.FieldLogger
	sessionID string
	startTime float64

	mu          sync.Mutex
	accelAccum  *ringbuf.Ring[AxisRecord]
	gyroAccum   *ringbuf.Ring[AxisRecord]
	gpsAccum    *ringbuf.Ring[GPSRecord]
	gpsFixes    atomic.Uint64
	accelTotal  atomic.Uint64
	gyroTotal   atomic.Uint64

	ekfTrajectory  *ringbuf.Ring[TrajectoryPoint]
	compTrajectory *ringbuf.Ring[TrajectoryPoint]
	covSnapshots   *ringbuf.Ring[CovSnapshot]

	saves     atomic.Uint64
	saveFails atomic.Uint64
}

// NewStore creates the session store and its bounded rings.
func NewStore(cfg config.PersistenceConfig, sessionID string, startTime float64, log logrus.FieldLogger) *Store {
	return &Store{
		cfg:            cfg,
		log:            log.WithField("component", "persistence"),
		sessionID:      sessionID,
		startTime:      startTime,
		accelAccum:     ringbuf.New[AxisRecord](accelAccumCap),
		gyroAccum:      ringbuf.New[AxisRecord](gyroAccumCap),
		gpsAccum:       ringbuf.New[GPSRecord](gpsAccumCap),
		ekfTrajectory:  ringbuf.New[TrajectoryPoint](1000),
		compTrajectory: ringbuf.New[TrajectoryPoint](1000),
		covSnapshots:   ringbuf.New[CovSnapshot](2000),
	}
}

// Record appends one raw sample to the accumulators.
func (st *Store) Record(s sensors.Sample) {
	switch s.Kind {
	case sensors.KindAccel:
		st.accelTotal.Add(1)
		st.accelAccum.Push(AxisRecord{T: s.Timestamp, X: s.Accel.X, Y: s.Accel.Y, Z: s.Accel.Z})
	case sensors.KindGyro:
		st.gyroTotal.Add(1)
		st.gyroAccum.Push(AxisRecord{T: s.Timestamp, X: s.Gyro.X, Y: s.Gyro.Y, Z: s.Gyro.Z})
	case sensors.KindGPS:
		st.gpsFixes.Add(1)
		st.gpsAccum.Push(GPSRecord{
			T:         s.Timestamp,
			Latitude:  s.GPS.Latitude,
			Longitude: s.GPS.Longitude,
			Altitude:  s.GPS.Altitude,
			Accuracy:  s.GPS.Accuracy,
			Speed:     s.GPS.Speed,
			Bearing:   s.GPS.Bearing,
		})
	}
}

// PushTrajectory appends one track point for the named filter.
func (st *Store) PushTrajectory(filter string, state fusion.State) {
	point := TrajectoryPoint{
		T:            state.T,
		X:            state.X,
		Y:            state.Y,
		V:            state.Speed,
		HeadingDeg:   state.HeadingDeg,
		UncertaintyM: state.UncertaintyM,
	}
	if filter == "comp" {
		st.compTrajectory.Push(point)
		return
	}
	st.ekfTrajectory.Push(point)
}

// PushCovariance appends one covariance snapshot.
func (st *Store) PushCovariance(t float64, diag []float64, trace float64) {
	snap := CovSnapshot{T: t, Trace: trace}
	for i := 0; i < len(snap.Diag) && i < len(diag); i++ {
		snap.Diag[i] = diag[i]
	}
	st.covSnapshots.Push(snap)
}

// Counts returns the session totals.
func (st *Store) Counts() (gps, accel, gyro uint64) {
	return st.gpsFixes.Load(), st.accelTotal.Load(), st.gyroTotal.Load()
}

// Saves returns successful and failed save counts.
func (st *Store) Saves() (ok, failed uint64) {
	return st.saves.Load(), st.saveFails.Load()
}

// Path returns the session file path.
func (st *Store) Path() string {
	name := "session_" + st.sessionID + ".json"
	if st.cfg.Gzip {
		name += ".gz"
	}
	return filepath.Join(st.cfg.DataDir, name)
}

// Save materialises the current accumulators and rings atomically, then
// clears the accumulators and the incident list. Trajectory rings are
// already bounded and are not cleared. A failed save clears nothing; the
// next tick retries.
func (st *Store) Save(now float64, final metrics.Final, det *incidents.Detector, peakMemoryMB float64) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	doc := SessionDoc{
		StartTime:           st.startTime,
		DurationSeconds:     now - st.startTime,
		GPSFixes:            st.gpsFixes.Load(),
		GPSSamples:          st.gpsAccum.Snapshot(),
		AccelSamples:        st.accelAccum.Snapshot(),
		GyroSamples:         st.gyroAccum.Snapshot(),
		EKFTrajectory:       st.ekfTrajectory.Snapshot(),
		CompTrajectory:      st.compTrajectory.Snapshot(),
		CovarianceSnapshots: st.covSnapshots.Snapshot(),
		FinalMetrics:        final,
		PeakMemoryMB:        peakMemoryMB,
	}
	if det != nil {
		doc.Incidents = det.Emitted()
	}

	if err := st.writeAtomic(doc); err != nil {
		st.saveFails.Add(1)
		metrics.GetProm().SavesTotal.WithLabelValues("error").Inc()
		return err
	}

	// Clear-after-save: the sample accumulators and the incident list drain
	// only once the bytes are durable.
	st.accelAccum.Clear()
	st.gyroAccum.Clear()
	st.gpsAccum.Clear()
	if det != nil {
		det.ClearEmitted()
	}
	st.saves.Add(1)
	metrics.GetProm().SavesTotal.WithLabelValues("ok").Inc()
	return nil
}

// writeAtomic writes the document to a same-directory temp file, fsyncs and
// renames it over the session file.
func (st *Store) writeAtomic(doc SessionDoc) error {
	if err := os.MkdirAll(st.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	target := st.Path()
	tmp, err := os.CreateTemp(st.cfg.DataDir, ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	var encodeErr error
	if st.cfg.Gzip {
		gz := gzip.NewWriter(tmp)
		encodeErr = json.NewEncoder(gz).Encode(doc)
		if err := gz.Close(); err != nil && encodeErr == nil {
			encodeErr = err
		}
	} else {
		encodeErr = json.NewEncoder(tmp).Encode(doc)
	}
	if encodeErr != nil {
		tmp.Close()
		return fmt.Errorf("encoding session: %w", encodeErr)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing session: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("renaming session: %w", err)
	}
	return nil
}

// LoadSession reads a session file written by Save.
func LoadSession(path string) (*SessionDoc, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var doc SessionDoc
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		err = json.NewDecoder(gz).Decode(&doc)
		if err != nil {
			return nil, err
		}
		return &doc, nil
	}
	if err := json.NewDecoder(f).Decode(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// WriteFinalMetrics writes the standalone final metrics export.
func WriteFinalMetrics(dir string, final metrics.Final) error {
	data, err := json.MarshalIndent(final, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "final_metrics.json"), data, 0o644)
}
