// Package engine orchestrates the telemetry session: sensor fan-out, the
// filter thread, health monitoring, persistence timers and shutdown.
package engine

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/roadsense/motiond/internal/calibration"
	"github.com/roadsense/motiond/internal/config"
	"github.com/roadsense/motiond/internal/fusion"
	"github.com/roadsense/motiond/internal/geo"
	"github.com/roadsense/motiond/internal/incidents"
	"github.com/roadsense/motiond/internal/metrics"
	"github.com/roadsense/motiond/internal/persistence"
	"github.com/roadsense/motiond/internal/sensors"
	"github.com/roadsense/motiond/internal/supervisor"
)

// recvSlice is the filter thread's wait quantum on the accel feed; it paces
// the loop and bounds shutdown observation.
const recvSlice = 20 * time.Millisecond

// SourceSet supplies a source factory per sensor family.
type SourceSet struct {
	Accel sensors.Factory
	Gyro  sensors.Factory
	GPS   sensors.Factory
}

// Engine is the orchestrator. It owns every worker goroutine's lifetime and
// the trajectory/covariance rings via the store.
type Engine struct {
	cfg config.Config
	log *logrus.Logger

	sessionID string
	clock     sensors.Clock
	startT    float64

	factories SourceSet
	sources   map[sensors.Kind]sensors.Source
	feeds     map[sensors.Kind]*sensors.Feed

	sup       *supervisor.Supervisor
	calib     *calibration.Calibrator
	origin    *geo.Origin
	ekf       *fusion.EKF
	comp      *fusion.Complementary
	filters   []fusion.Filter
	det       *incidents.Detector
	collector *metrics.Collector
	store     *persistence.Store
	statusPub *persistence.StatusPublisher
	promSrv   *http.Server

	status        atomic.Value // string
	lastDrops     map[sensors.Kind]uint64
	gpsPending    []sensors.Sample
	biasSeeded    bool
	firstFix      atomic.Value // float64 latency, seconds
	latestGPS     atomic.Value // persistence.GPSRecord
	peakMemory    float64
	peakMemoryMu  sync.Mutex
	governorPause atomic.Bool

	wg sync.WaitGroup
}

// New builds an engine from configuration with subprocess-backed sensors.
func New(cfg config.Config, log *logrus.Logger) *Engine {
	e := newEngine(cfg, log)
	e.factories = SourceSet{
		Accel: func() sensors.Source { return sensors.NewDaemon(sensors.KindAccel, cfg.Sensors.Accel, log) },
		Gyro:  func() sensors.Source { return sensors.NewDaemon(sensors.KindGyro, cfg.Sensors.Gyro, log) },
		GPS:   e.gpsFactory(),
	}
	return e
}

// NewWithSources builds an engine over injected sources (simulation, tests).
func NewWithSources(cfg config.Config, log *logrus.Logger, set SourceSet) *Engine {
	e := newEngine(cfg, log)
	e.factories = set
	return e
}

func newEngine(cfg config.Config, log *logrus.Logger) *Engine {
	sessionID := uuid.New().String()[:8]
	clock := sensors.WallClock

	e := &Engine{
		cfg:       cfg,
		log:       log,
		sessionID: sessionID,
		clock:     clock,
		sources:   make(map[sensors.Kind]sensors.Source),
		feeds:     make(map[sensors.Kind]*sensors.Feed),
		lastDrops: make(map[sensors.Kind]uint64),
		origin:    geo.NewOrigin(),
		collector: metrics.NewCollector(log),
	}
	e.status.Store(persistence.StatusIdle)

	e.calib = calibration.New(cfg.Calibration, log)
	e.ekf = fusion.NewEKF(cfg.Filter, e.calib, e.origin, log)
	e.filters = []fusion.Filter{e.ekf}
	if cfg.Filter.EnableComp {
		e.comp = fusion.NewComplementary(cfg.Filter, e.calib, e.origin)
		e.filters = append(e.filters, e.comp)
	}

	if cfg.Incidents.Dir != "" && !filepath.IsAbs(cfg.Incidents.Dir) {
		cfg.Incidents.Dir = filepath.Join(cfg.Persistence.DataDir, cfg.Incidents.Dir)
	}
	e.det = incidents.NewDetector(cfg.Incidents,
		e.calib.GravityMag,
		func() float64 { return e.ekf.Snapshot().Bias[2] },
		log)

	e.collector.SetProbes(metrics.Probes{
		GainNorm: e.ekf.LastGainNorm,
		CovTrace: func() float64 {
			_, trace := e.ekf.CovarianceDiag(0)
			return trace
		},
		DtRejects:       e.ekf.DtRejects,
		NumericalResets: e.ekf.NumericalResets,
	})
	e.ekf.SetUpdateHook(e.collector.ObserveUpdate)

	return e
}

// gpsFactory selects the configured GPS backend.
func (e *Engine) gpsFactory() sensors.Factory {
	if e.cfg.Sensors.GPSSource == config.GPSSourceSerial {
		return func() sensors.Source {
			return sensors.NewSerialGPSSource(e.cfg.Sensors.Serial, e.log)
		}
	}
	return func() sensors.Source {
		return sensors.NewDaemon(sensors.KindGPS, e.cfg.Sensors.GPS, e.log)
	}
}

// SessionID returns the session identifier.
func (e *Engine) SessionID() string { return e.sessionID }

// Status returns the current lifecycle status string.
func (e *Engine) Status() string { return e.status.Load().(string) }

// StatusPath returns the live status file path.
func (e *Engine) StatusPath() string {
	return filepath.Join(e.cfg.Persistence.DataDir, "live_status.json")
}

// Run executes one session. duration <= 0 runs until ctx is cancelled.
// Startup errors (sensor not installed, permission denied) are returned;
// everything after startup is masked and recovered internally.
func (e *Engine) Run(ctx context.Context, duration time.Duration) error {
	e.status.Store(persistence.StatusInitialising)
	e.startT = e.clock()

	e.store = persistence.NewStore(e.cfg.Persistence, e.sessionID, e.startT, e.log)
	e.statusPub = persistence.NewStatusPublisher(e.StatusPath())
	e.promSrv = metrics.Serve(e.cfg.Metrics.ListenPort)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if duration > 0 {
		var durCancel context.CancelFunc
		runCtx, durCancel = context.WithTimeout(runCtx, duration)
		defer durCancel()
	}

	if err := e.startSources(runCtx); err != nil {
		return err
	}

	e.sup = supervisor.New(e.cfg.Supervisor, e.log)
	e.registerSlots()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.sup.Run(runCtx)
	}()

	e.spawn(runCtx, e.filterLoop)
	e.spawn(runCtx, e.persistLoop)
	e.spawn(runCtx, e.statusLoop)
	e.spawn(runCtx, e.dashboardLoop)

	e.log.WithFields(logrus.Fields{
		"session_id": e.sessionID,
		"gyro":       e.cfg.Filter.EnableGyro,
		"duration":   duration.String(),
	}).Info("session started")

	<-runCtx.Done()
	e.shutdown()
	return nil
}

func (e *Engine) spawn(ctx context.Context, loop func(ctx context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		loop(ctx)
	}()
}

// startSources spawns all sensor backends. Gyro is started only when gyro
// fusion is enabled. Start failures here are the fatal kind (not installed,
// permission denied); transient sensor trouble after startup is the
// supervisor's job.
func (e *Engine) startSources(ctx context.Context) error {
	type slot struct {
		kind    sensors.Kind
		factory sensors.Factory
	}
	slots := []slot{{sensors.KindAccel, e.factories.Accel}}
	if e.cfg.Filter.EnableGyro {
		slots = append(slots, slot{sensors.KindGyro, e.factories.Gyro})
	}
	slots = append(slots, slot{sensors.KindGPS, e.factories.GPS})

	for _, sl := range slots {
		src := sl.factory()
		if err := src.Start(ctx); err != nil {
			for _, started := range e.sources {
				started.Stop()
			}
			return fmt.Errorf("starting %s sensor: %w", sl.kind, err)
		}
		e.sources[sl.kind] = src
		e.feeds[sl.kind] = sensors.NewFeed(src.Queue())
	}
	return nil
}

func (e *Engine) registerSlots() {
	cfgFor := map[sensors.Kind]config.SensorConfig{
		sensors.KindAccel: e.cfg.Sensors.Accel,
		sensors.KindGyro:  e.cfg.Sensors.Gyro,
		sensors.KindGPS:   e.cfg.Sensors.GPS,
	}
	factoryFor := map[sensors.Kind]sensors.Factory{
		sensors.KindAccel: e.factories.Accel,
		sensors.KindGyro:  e.factories.Gyro,
		sensors.KindGPS:   e.factories.GPS,
	}
	for kind, src := range e.sources {
		e.sup.Register(kind, cfgFor[kind], factoryFor[kind], e.feeds[kind], src)
	}
}

// filterLoop is the single consumer of all sensor feeds: it routes samples
// through calibration, the filter list, the incident detector and the store.
func (e *Engine) filterLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		sample, ok := e.feeds[sensors.KindAccel].Recv(recvSlice)
		if ok {
			e.process(sample)
		}
		if feed, found := e.feeds[sensors.KindGyro]; found {
			for {
				s, got := feed.Recv(0)
				if !got {
					break
				}
				e.process(s)
			}
		}
		for {
			s, got := e.feeds[sensors.KindGPS].Recv(0)
			if !got {
				break
			}
			e.process(s)
		}
	}
}

// process routes one sample through the full pipeline.
func (e *Engine) process(s sensors.Sample) {
	e.store.Record(s)
	e.det.Observe(s)
	metrics.GetProm().SamplesTotal.WithLabelValues(s.Kind.String()).Inc()

	switch s.Kind {
	case sensors.KindAccel:
		e.calib.ObserveAccel(s)
	case sensors.KindGyro:
		e.calib.ObserveGyro(s)
	case sensors.KindGPS:
		e.calib.ObserveGPS(s)
	}

	if !e.calib.Calibrated() {
		// GPS fixes arriving before calibration are buffered; the ENU origin
		// is set on the first post-calibration fix.
		if s.Kind == sensors.KindGPS {
			e.gpsPending = append(e.gpsPending, s)
			if len(e.gpsPending) > 64 {
				e.gpsPending = e.gpsPending[1:]
			}
		}
		return
	}

	if !e.biasSeeded {
		e.biasSeeded = true
		e.ekf.InitBias(e.calib.Bias())
		e.status.Store(persistence.StatusActive)
		pending := e.gpsPending
		e.gpsPending = nil
		for _, fix := range pending {
			e.advance(fix)
		}
	}

	e.advance(s)
}

// advance feeds one sample to every filter and harvests per-sample metrics.
func (e *Engine) advance(s sensors.Sample) {
	for _, f := range e.filters {
		f.Advance(s)
	}

	switch s.Kind {
	case sensors.KindAccel:
		if !e.cfg.Filter.EnableGyro {
			e.collector.ObserveState(e.ekf.Snapshot())
		}
	case sensors.KindGyro:
		st := e.ekf.Snapshot()
		e.collector.ObserveState(st)
		if e.calib.IsStationary() {
			dx := s.Gyro.X - st.Bias[0]
			dy := s.Gyro.Y - st.Bias[1]
			dz := s.Gyro.Z - st.Bias[2]
			e.collector.ObserveGyroResidual(math.Sqrt(dx*dx + dy*dy + dz*dz))
		}
	case sensors.KindGPS:
		if e.firstFix.Load() == nil {
			e.firstFix.Store(s.Timestamp - e.startT)
		}
		e.latestGPS.Store(persistence.GPSRecord{
			T:         s.Timestamp,
			Latitude:  s.GPS.Latitude,
			Longitude: s.GPS.Longitude,
			Altitude:  s.GPS.Altitude,
			Accuracy:  s.GPS.Accuracy,
			Speed:     s.GPS.Speed,
			Bearing:   s.GPS.Bearing,
		})
		metrics.GetProm().GPSFixes.Set(float64(e.storeGPSFixes()))

		ekfState := e.ekf.Snapshot()
		var compState *fusion.State
		if e.comp != nil {
			snap := e.comp.Snapshot()
			compState = &snap
		}
		e.collector.ObserveFix(s.GPS, ekfState, compState)

		// Trajectory and covariance rings advance at fix cadence.
		e.store.PushTrajectory("ekf", ekfState)
		if compState != nil {
			e.store.PushTrajectory("comp", *compState)
		}
		diag, trace := e.ekf.CovarianceDiag(8)
		e.store.PushCovariance(s.Timestamp, diag, trace)
		metrics.GetProm().CovarianceTrace.Set(trace)
		metrics.GetProm().GainNorm.Set(e.ekf.LastGainNorm())
	}
}

func (e *Engine) storeGPSFixes() uint64 {
	gps, _, _ := e.store.Counts()
	return gps
}

// persistLoop drives the auto-save cycle.
func (e *Engine) persistLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Persistence.SaveInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.save()
		}
	}
}

func (e *Engine) save() {
	if err := e.store.Save(e.clock(), e.collector.Export(), e.det, e.peakMemoryMB()); err != nil {
		// Persist errors are masked: warn and let the next tick retry.
		e.log.Warnf("session save failed: %v", err)
	}
}

// statusLoop publishes the live status heartbeat and runs the memory
// governor.
func (e *Engine) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Persistence.StatusInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mem := metrics.ResidentMemoryMB()
			e.observeMemory(mem)
			e.governor(mem)
			e.syncDropCounters()
			if err := e.statusPub.Publish(e.buildStatus(mem)); err != nil {
				e.log.Debugf("status publish failed: %v", err)
			}
		}
	}
}

// syncDropCounters mirrors queue overflow deltas into the drop counters.
// A restart swaps in a fresh endpoint with zeroed counters, so regressions
// reset the baseline instead of underflowing.
func (e *Engine) syncDropCounters() {
	for kind, feed := range e.feeds {
		_, _, dropped := feed.Stats()
		last := e.lastDrops[kind]
		if dropped < last {
			e.lastDrops[kind] = dropped
			continue
		}
		if delta := dropped - last; delta > 0 {
			metrics.GetProm().SampleDrops.WithLabelValues(kind.String()).Add(float64(delta))
			e.lastDrops[kind] = dropped
		}
	}
}

func (e *Engine) observeMemory(mem float64) {
	e.collector.ObserveMemory(mem)
	e.peakMemoryMu.Lock()
	if mem > e.peakMemory {
		e.peakMemory = mem
	}
	e.peakMemoryMu.Unlock()
}

func (e *Engine) peakMemoryMB() float64 {
	e.peakMemoryMu.Lock()
	defer e.peakMemoryMu.Unlock()
	return e.peakMemory
}

// governor pauses the reference filter above the memory ceiling and resumes
// it below the floor. The hysteresis gap avoids oscillation.
func (e *Engine) governor(mem float64) {
	if e.comp == nil {
		return
	}
	if mem > e.cfg.Engine.MemoryCeilingMB && !e.governorPause.Load() {
		e.governorPause.Store(true)
		e.comp.SetPaused(true)
		e.log.WithField("memory_mb", mem).Warn("memory ceiling exceeded, pausing reference filter")
	} else if mem < e.cfg.Engine.MemoryFloorMB && e.governorPause.Load() {
		e.governorPause.Store(false)
		e.comp.SetPaused(false)
		e.log.WithField("memory_mb", mem).Info("memory recovered, resuming reference filter")
	}
}

func (e *Engine) buildStatus(mem float64) persistence.LiveStatus {
	now := e.clock()
	gps, accel, gyro := e.store.Counts()
	ekfState := e.ekf.Snapshot()

	filterKind := "ekf"
	if e.comp != nil && !e.governorPause.Load() {
		filterKind = "ekf+comp"
	}

	status := persistence.LiveStatus{
		SessionID:       e.sessionID,
		Status:          e.Status(),
		ElapsedS:        now - e.startT,
		LastUpdate:      now,
		GPSFixes:        gps,
		AccelSamples:    accel,
		GyroSamples:     gyro,
		CurrentVelocity: ekfState.Speed,
		CurrentHeading:  ekfState.HeadingDeg,
		TotalDistance:   ekfState.Distance,
		IncidentsCount:  e.det.Total(),
		MemoryMB:        mem,
		FilterKind:      filterKind,
	}
	if latency := e.firstFix.Load(); latency != nil {
		status.GPSFirstFixLatency = latency.(float64)
	}
	if latest := e.latestGPS.Load(); latest != nil {
		rec := latest.(persistence.GPSRecord)
		status.LatestGPS = &rec
	}
	if e.sup != nil {
		status.Sensors = e.sup.Stats()
	}
	return status
}

// dashboardLoop emits the periodic validation line.
func (e *Engine) dashboardLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Metrics.DashboardInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.collector.Dashboard()
		}
	}
}

// shutdown stops sensors, drains the queues through the pipeline, runs the
// final save, deletes the live status file and joins all workers.
func (e *Engine) shutdown() {
	e.log.Info("shutting down session")

	for _, src := range e.sources {
		src.Stop()
	}

	// Join workers first so the filter thread is quiescent before the final
	// drain; each loop observes cancellation within its wait quantum.
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.cfg.Engine.JoinTimeout.Std() + 2*time.Second):
		e.log.Warn("worker join timed out")
	}

	// Drain whatever is still buffered through the full pipeline.
	for _, feed := range e.feeds {
		for _, s := range feed.Drain() {
			e.process(s)
		}
	}
	e.det.Flush()

	e.save()
	if err := persistence.WriteFinalMetrics(e.cfg.Persistence.DataDir, e.collector.Export()); err != nil {
		e.log.Warnf("final metrics export failed: %v", err)
	}

	e.statusPub.Delete()
	if e.promSrv != nil {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), time.Second)
		e.promSrv.Shutdown(closeCtx)
		closeCancel()
	}

	e.status.Store(persistence.StatusIdle)
	e.log.Info("session stopped")
}

// FinalMetrics exposes the collector export (tests, CLI summary).
func (e *Engine) FinalMetrics() metrics.Final {
	return e.collector.Export()
}

// Store exposes the session store (tests).
func (e *Engine) Store() *persistence.Store {
	return e.store
}
