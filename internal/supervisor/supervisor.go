// Package supervisor keeps the sensor daemons producing data: silence and
// liveness detection, serialized restarts with validated handoff, and
// process-table cleanup so failures never leak processes or descriptors.
package supervisor

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/sirupsen/logrus"

	"github.com/roadsense/motiond/internal/config"
	"github.com/roadsense/motiond/internal/metrics"
	"github.com/roadsense/motiond/internal/sensors"
)

// validationPoll is how often LastSampleInstant is re-read while validating
// a restart.
const validationPoll = 500 * time.Millisecond

// ProcessEntry is one row of the process table, as matched during sweeps.
type ProcessEntry struct {
	PID     int32
	Cmdline string
}

// ProcessLister returns the current process table. Injectable for tests.
type ProcessLister func() []ProcessEntry

// ProcessKiller terminates one process by pid. Injectable for tests.
type ProcessKiller func(pid int32)

// SlotStats is the per-sensor health snapshot surfaced in the live status.
type SlotStats struct {
	Sensor        string  `json:"sensor"`
	Alive         bool    `json:"alive"`
	Dead          bool    `json:"dead"`
	Restarts      int     `json:"restarts"`
	LastSampleAge float64 `json:"last_sample_age_s"`
}

// slot tracks one supervised sensor family.
type slot struct {
	kind    sensors.Kind
	cfg     config.SensorConfig
	factory sensors.Factory
	feed    *sensors.Feed

	sourceMu sync.RWMutex
	source   sensors.Source

	// restartMu serializes the whole restart; TryLock keeps at most one
	// restart in flight per sensor.
	restartMu sync.Mutex

	restarts     atomic.Int32
	consecFails  int
	nextAttempt  time.Time
	dead         atomic.Bool
	registeredAt time.Time
}

func (sl *slot) current() sensors.Source {
	sl.sourceMu.RLock()
	defer sl.sourceMu.RUnlock()
	return sl.source
}

func (sl *slot) swap(next sensors.Source) {
	sl.sourceMu.Lock()
	sl.source = next
	sl.sourceMu.Unlock()
}

// healthy reports liveness and recency against the silence window.
func (sl *slot) healthy(now time.Time) bool {
	src := sl.current()
	if src == nil || !src.IsAlive() {
		return false
	}
	last, ok := src.LastSampleInstant()
	if !ok {
		// No sample yet; grade against registration so a slow first sample
		// does not trip the monitor immediately.
		last = sl.registeredAt
	}
	return now.Sub(last) <= sl.cfg.SilenceWindow.Std()
}

// Supervisor polls slot health and runs the restart protocol.
type Supervisor struct {
	cfg config.SupervisorConfig
	log logrus.FieldLogger

	mu    sync.Mutex
	slots []*slot

	listProcs ProcessLister
	killProc  ProcessKiller
}

// New creates a supervisor backed by the OS process table.
func New(cfg config.SupervisorConfig, log logrus.FieldLogger) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		log:       log.WithField("component", "supervisor"),
		listProcs: gopsutilLister,
		killProc:  gopsutilKiller,
	}
}

// SetProcessTable overrides process listing and killing (tests).
func (s *Supervisor) SetProcessTable(list ProcessLister, kill ProcessKiller) {
	s.listProcs = list
	s.killProc = kill
}

// Register adds one supervised sensor family with its running source.
func (s *Supervisor) Register(kind sensors.Kind, cfg config.SensorConfig,
	factory sensors.Factory, feed *sensors.Feed, src sensors.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots = append(s.slots, &slot{
		kind:         kind,
		cfg:          cfg,
		factory:      factory,
		feed:         feed,
		source:       src,
		registeredAt: time.Now(),
	})
}

// Run polls health until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.mu.Lock()
			slots := append([]*slot(nil), s.slots...)
			s.mu.Unlock()
			for _, sl := range slots {
				if sl.dead.Load() || sl.healthy(now) {
					continue
				}
				go s.restart(ctx, sl)
			}
		}
	}
}

// restart runs the full per-sensor restart protocol. It holds the slot's
// restart mutex for the whole procedure; producers keep flowing through the
// live queues of the other sensors meanwhile.
func (s *Supervisor) restart(ctx context.Context, sl *slot) {
	if !sl.restartMu.TryLock() {
		return // a restart is already in flight for this sensor
	}
	defer sl.restartMu.Unlock()

	log := s.log.WithField("sensor", sl.kind.String())

	if time.Now().Before(sl.nextAttempt) {
		return // backing off after failed validations
	}
	if sl.healthy(time.Now()) {
		return // recovered between the health tick and now
	}
	if int(sl.restarts.Load()) >= s.cfg.MaxRestarts {
		if sl.dead.CompareAndSwap(false, true) {
			sl.current().Stop()
			log.Error("restart limit exceeded, declaring sensor dead")
		}
		return
	}

	log.WithField("restarts", sl.restarts.Load()).Warn("sensor unhealthy, restarting")

	// Stop the old daemon and close its stdio.
	old := sl.current()
	old.Stop()

	// Sweep residual wrapper and backend processes of this family only.
	s.sweep(ctx, sl, log)

	// Fresh daemon, then let the OS sensor service re-initialise.
	fresh := sl.factory()
	restartInstant := time.Now()
	if !sleepCtx(ctx, s.cfg.RestartCooldown.Std()) {
		return
	}

	if err := fresh.Start(ctx); err != nil {
		log.Warnf("replacement daemon failed to start: %v", err)
		s.recordFailure(sl)
		return
	}

	// Validate on the daemon's own published instant, never the production
	// queue: wait for LastSampleInstant to advance past the restart instant.
	if !s.validate(ctx, fresh, restartInstant, s.cfg.ValidationWindow.Std()) {
		if !sleepCtx(ctx, 5*time.Second) {
			return
		}
		if !s.validate(ctx, fresh, restartInstant, s.cfg.RetryWindow.Std()) {
			// Leave the daemon running; the next health tick re-triggers.
			sl.swap(fresh)
			sl.feed.Swap(fresh.Queue())
			s.recordFailure(sl)
			metrics.GetProm().RestartFailures.WithLabelValues(sl.kind.String()).Inc()
			log.Warn("restart validation failed")
			return
		}
	}

	sl.swap(fresh)
	sl.feed.Swap(fresh.Queue())
	sl.restarts.Add(1)
	sl.consecFails = 0
	sl.nextAttempt = time.Time{}
	metrics.GetProm().RestartsTotal.WithLabelValues(sl.kind.String()).Inc()
	log.WithField("restarts", sl.restarts.Load()).Info("sensor restart validated")
}

// sweep kills residual processes matching this family's patterns, then polls
// the process table until none remain.
func (s *Supervisor) sweep(ctx context.Context, sl *slot, log logrus.FieldLogger) {
	if len(sl.cfg.MatchPatterns) == 0 {
		return
	}

	for _, entry := range s.matching(sl) {
		log.WithField("pid", entry.PID).Debug("killing residual sensor process")
		s.killProc(entry.PID)
	}

	deadline := time.Now().Add(s.cfg.ProcessSweepLimit.Std())
	for time.Now().Before(deadline) {
		if len(s.matching(sl)) == 0 {
			return
		}
		if !sleepCtx(ctx, s.cfg.ProcessSweepPoll.Std()) {
			return
		}
	}
	if remaining := s.matching(sl); len(remaining) > 0 {
		log.WithField("count", len(remaining)).Warn("residual sensor processes survived sweep")
		sleepCtx(ctx, 2*time.Second)
	}
}

func (s *Supervisor) matching(sl *slot) []ProcessEntry {
	var out []ProcessEntry
	for _, entry := range s.listProcs() {
		for _, pattern := range sl.cfg.MatchPatterns {
			if strings.Contains(entry.Cmdline, pattern) {
				out = append(out, entry)
				break
			}
		}
	}
	return out
}

// validate waits up to window for the source to publish a sample accepted
// after the restart instant.
func (s *Supervisor) validate(ctx context.Context, src sensors.Source, restartInstant time.Time, window time.Duration) bool {
	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		if last, ok := src.LastSampleInstant(); ok && last.After(restartInstant) {
			return true
		}
		if !sleepCtx(ctx, validationPoll) {
			return false
		}
	}
	return false
}

// recordFailure applies the exponential validation back-off.
func (s *Supervisor) recordFailure(sl *slot) {
	sl.consecFails++
	backoff := s.cfg.BackoffBase.Std()
	for i := 1; i < sl.consecFails; i++ {
		backoff *= 2
		if backoff >= s.cfg.BackoffMax.Std() {
			backoff = s.cfg.BackoffMax.Std()
			break
		}
	}
	sl.nextAttempt = time.Now().Add(backoff)
}

// Stats reports the per-sensor health snapshot.
func (s *Supervisor) Stats() []SlotStats {
	s.mu.Lock()
	slots := append([]*slot(nil), s.slots...)
	s.mu.Unlock()

	now := time.Now()
	out := make([]SlotStats, 0, len(slots))
	for _, sl := range slots {
		src := sl.current()
		st := SlotStats{
			Sensor:   sl.kind.String(),
			Alive:    src != nil && src.IsAlive(),
			Dead:     sl.dead.Load(),
			Restarts: int(sl.restarts.Load()),
		}
		if src != nil {
			if last, ok := src.LastSampleInstant(); ok {
				st.LastSampleAge = now.Sub(last).Seconds()
			}
		}
		out = append(out, st)
	}
	return out
}

// Restarts returns the validated restart count for one sensor family.
func (s *Supervisor) Restarts(kind sensors.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sl := range s.slots {
		if sl.kind == kind {
			return int(sl.restarts.Load())
		}
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func gopsutilLister() []ProcessEntry {
	procs, err := process.Processes()
	if err != nil {
		return nil
	}
	out := make([]ProcessEntry, 0, len(procs))
	for _, p := range procs {
		cmdline, err := p.Cmdline()
		if err != nil || cmdline == "" {
			continue
		}
		out = append(out, ProcessEntry{PID: p.Pid, Cmdline: cmdline})
	}
	return out
}

func gopsutilKiller(pid int32) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return
	}
	if err := p.Terminate(); err == nil {
		time.Sleep(200 * time.Millisecond)
		if running, _ := p.IsRunning(); !running {
			return
		}
	}
	p.Kill()
}
