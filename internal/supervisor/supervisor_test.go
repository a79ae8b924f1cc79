package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/roadsense/motiond/internal/config"
	"github.com/roadsense/motiond/internal/queue"
	"github.com/roadsense/motiond/internal/sensors"
)

type fakeSource struct {
	kind    sensors.Kind
	q       *queue.Queue[sensors.Sample]
	alive   atomic.Bool
	last    atomic.Int64
	started atomic.Int32

	// produceOnStart publishes a sample as soon as Start is called, so
	// restart validation succeeds.
	produceOnStart bool
}

func newFakeSource(kind sensors.Kind, produceOnStart bool) *fakeSource {
	return &fakeSource{
		kind:           kind,
		q:              queue.New[sensors.Sample](100, queue.DropNewest),
		produceOnStart: produceOnStart,
	}
}

func (f *fakeSource) Start(ctx context.Context) error {
	f.started.Add(1)
	f.alive.Store(true)
	if f.produceOnStart {
		f.markSample()
	}
	return nil
}

func (f *fakeSource) Stop() { f.alive.Store(false) }

func (f *fakeSource) IsAlive() bool { return f.alive.Load() }

func (f *fakeSource) Kind() sensors.Kind { return f.kind }

func (f *fakeSource) Queue() *queue.Queue[sensors.Sample] { return f.q }

func (f *fakeSource) markSample() {
	f.last.Store(time.Now().UnixNano())
	f.q.Push(sensors.Sample{Kind: f.kind})
}

func (f *fakeSource) LastSampleInstant() (time.Time, bool) {
	ns := f.last.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

func fastConfig() config.SupervisorConfig {
	cfg := config.DefaultConfig().Supervisor
	cfg.PollInterval = config.Duration(20 * time.Millisecond)
	cfg.RestartCooldown = config.Duration(10 * time.Millisecond)
	cfg.ValidationWindow = config.Duration(500 * time.Millisecond)
	cfg.RetryWindow = config.Duration(100 * time.Millisecond)
	cfg.ProcessSweepPoll = config.Duration(5 * time.Millisecond)
	cfg.ProcessSweepLimit = config.Duration(50 * time.Millisecond)
	return cfg
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func emptyTable(s *Supervisor) {
	s.SetProcessTable(
		func() []ProcessEntry { return nil },
		func(pid int32) {},
	)
}

func TestSupervisor_RestartsDeadSource(t *testing.T) {
	sup := New(fastConfig(), quietLogger())
	emptyTable(sup)

	var mu sync.Mutex
	var created []*fakeSource
	factory := func() sensors.Source {
		mu.Lock()
		defer mu.Unlock()
		src := newFakeSource(sensors.KindAccel, true)
		created = append(created, src)
		return src
	}

	initial := newFakeSource(sensors.KindAccel, false)
	initial.Start(context.Background())
	initial.markSample()

	sensorCfg := config.DefaultConfig().Sensors.Accel
	sensorCfg.SilenceWindow = config.Duration(50 * time.Millisecond)
	sensorCfg.MatchPatterns = nil

	feed := sensors.NewFeed(initial.Queue())
	sup.Register(sensors.KindAccel, sensorCfg, factory, feed, initial)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	// Kill the source; the supervisor must notice silence and restart.
	initial.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if sup.Restarts(sensors.KindAccel) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel() // freeze the supervisor before asserting

	if got := sup.Restarts(sensors.KindAccel); got != 1 {
		t.Fatalf("restart count = %d, want 1", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(created) != 1 {
		t.Fatalf("factory invoked %d times, want 1 (no duplicate restart in flight)", len(created))
	}

	// The feed must now deliver from the replacement's queue.
	created[0].markSample()
	if _, ok := feed.Recv(time.Second); !ok {
		t.Fatal("feed not swapped to the replacement queue")
	}
}

func TestSupervisor_NoIncrementOnFailedValidation(t *testing.T) {
	cfg := fastConfig()
	cfg.ValidationWindow = config.Duration(50 * time.Millisecond)
	cfg.RetryWindow = config.Duration(50 * time.Millisecond)
	sup := New(cfg, quietLogger())
	emptyTable(sup)

	factory := func() sensors.Source {
		// Replacement never produces: validation must fail.
		return newFakeSource(sensors.KindGyro, false)
	}

	initial := newFakeSource(sensors.KindGyro, false)
	initial.Start(context.Background())
	initial.markSample()

	sensorCfg := config.DefaultConfig().Sensors.Gyro
	sensorCfg.SilenceWindow = config.Duration(30 * time.Millisecond)
	sensorCfg.MatchPatterns = nil

	feed := sensors.NewFeed(initial.Queue())
	sup.Register(sensors.KindGyro, sensorCfg, factory, feed, initial)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	initial.Stop()
	time.Sleep(2 * time.Second)

	if got := sup.Restarts(sensors.KindGyro); got != 0 {
		t.Fatalf("restart count = %d after failed validation, want 0", got)
	}
}

func TestSupervisor_SweepKillsOnlyMatchingFamily(t *testing.T) {
	sup := New(fastConfig(), quietLogger())

	table := []ProcessEntry{
		{PID: 100, Cmdline: "termux-sensor -s accelerometer"},
		{PID: 101, Cmdline: "termux-api Sensor"},
		{PID: 200, Cmdline: "termux-location -p gps"},
		{PID: 300, Cmdline: "sshd"},
	}
	var killed []int32
	var mu sync.Mutex
	sup.SetProcessTable(
		func() []ProcessEntry {
			mu.Lock()
			defer mu.Unlock()
			var out []ProcessEntry
			for _, e := range table {
				found := false
				for _, k := range killed {
					if k == e.PID {
						found = true
					}
				}
				if !found {
					out = append(out, e)
				}
			}
			return out
		},
		func(pid int32) {
			mu.Lock()
			defer mu.Unlock()
			killed = append(killed, pid)
		},
	)

	sl := &slot{
		kind: sensors.KindAccel,
		cfg:  config.DefaultConfig().Sensors.Accel,
	}
	sup.sweep(context.Background(), sl, quietLogger().WithField("t", "t"))

	mu.Lock()
	defer mu.Unlock()
	if len(killed) != 2 {
		t.Fatalf("killed %v, want exactly the accel wrapper and backend", killed)
	}
	for _, pid := range killed {
		if pid == 200 || pid == 300 {
			t.Fatalf("killed unrelated process %d", pid)
		}
	}
}

func TestSupervisor_DeclaresDeadAtRestartCap(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRestarts = 0
	sup := New(cfg, quietLogger())
	emptyTable(sup)

	initial := newFakeSource(sensors.KindAccel, false)
	initial.Start(context.Background())

	sensorCfg := config.DefaultConfig().Sensors.Accel
	sensorCfg.SilenceWindow = config.Duration(20 * time.Millisecond)
	sensorCfg.MatchPatterns = nil

	feed := sensors.NewFeed(initial.Queue())
	sup.Register(sensors.KindAccel, sensorCfg, func() sensors.Source {
		return newFakeSource(sensors.KindAccel, true)
	}, feed, initial)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	initial.Stop()
	time.Sleep(500 * time.Millisecond)

	stats := sup.Stats()
	if len(stats) != 1 || !stats[0].Dead {
		t.Fatalf("sensor not declared dead at cap: %+v", stats)
	}
}
