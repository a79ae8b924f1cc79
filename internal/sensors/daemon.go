package sensors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/roadsense/motiond/internal/config"
	"github.com/roadsense/motiond/internal/queue"
	"github.com/roadsense/motiond/pkg/utils"
)

const (
	// startTimeout bounds the wait for the first line of subprocess output.
	startTimeout = 10 * time.Second
	// stopGrace is how long a daemon waits after SIGTERM before SIGKILL.
	stopGrace = 2 * time.Second
	// parseWarnInterval rate-limits malformed-object warnings.
	parseWarnInterval = 5 * time.Second
)

// Clock returns the current monotonic wall-clock time in seconds. All sensor
// timestamps come from one clock source.
type Clock func() float64

// WallClock is the default clock.
func WallClock() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// Daemon owns one sensor subprocess and delivers its timestamped samples into
// a bounded queue. It never restarts itself; failures surface through
// IsAlive and LastSampleInstant for the supervisor.
type Daemon struct {
	kind  Kind
	cfg   config.SensorConfig
	log   logrus.FieldLogger
	out   *queue.Queue[Sample]
	clock Clock

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdout   io.ReadCloser
	stderr   io.ReadCloser
	started  bool
	stopped  bool
	waitDone chan struct{}
	cancel   context.CancelFunc

	alive       atomic.Bool
	lastSample  atomic.Int64 // unix nanoseconds of the last accepted sample
	parsedTotal atomic.Uint64
	parseErrors atomic.Uint64

	parseWarn *utils.WarnGuard
}

// NewDaemon creates a daemon for one sensor family. The daemon owns a freshly
// created queue endpoint; the capacity matches the raw-feed bound.
func NewDaemon(kind Kind, cfg config.SensorConfig, log logrus.FieldLogger) *Daemon {
	return &Daemon{
		kind:      kind,
		cfg:       cfg,
		log:       log.WithField("sensor", kind.String()),
		out:       queue.New[Sample](100, queue.DropNewest),
		clock:     WallClock,
		parseWarn: utils.NewWarnGuard(parseWarnInterval),
	}
}

// SetClock overrides the timestamp source.
func (d *Daemon) SetClock(c Clock) { d.clock = c }

// Queue returns the daemon's production queue endpoint.
func (d *Daemon) Queue() *queue.Queue[Sample] { return d.out }

// Start spawns the subprocess and returns once the first line of output has
// been drained. Poll-mode daemons (GPS) validate with one synchronous
// invocation and then sample on a timer.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started && d.alive.Load() {
		d.mu.Unlock()
		return utils.ErrAlreadyRunning
	}
	d.started = true
	d.stopped = false
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.mu.Unlock()

	if d.cfg.PollInterval > 0 {
		return d.startPolling(loopCtx)
	}
	return d.startStreaming(loopCtx)
}

// startStreaming launches a long-running line-JSON process.
func (d *Daemon) startStreaming(ctx context.Context) error {
	cmd := exec.Command(d.cfg.Command, d.cfg.Args...)
	// Own process group so stop() can terminate the wrapper and anything it
	// spawned. Pipes are close-on-exec by default under os/exec.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return utils.WrapSensorError(err, "PIPE", "attaching stdout")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdout.Close()
		return utils.WrapSensorError(err, "PIPE", "attaching stderr")
	}

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		if errors.Is(err, exec.ErrNotFound) {
			return utils.WrapSensorError(err, "NOT_INSTALLED", d.cfg.Command+" not found")
		}
		return utils.WrapSensorError(err, "SPAWN", "starting "+d.cfg.Command)
	}

	waitDone := make(chan struct{})
	d.mu.Lock()
	d.cmd = cmd
	d.stdout = stdout
	d.stderr = stderr
	d.waitDone = waitDone
	d.mu.Unlock()
	d.alive.Store(true)

	// Collect stderr for the denied/not-installed diagnosis.
	errText := make(chan string, 1)
	go func() {
		data, _ := io.ReadAll(stderr)
		select {
		case errText <- string(data):
		default:
		}
	}()

	go func() {
		cmd.Wait()
		d.alive.Store(false)
		close(waitDone)
	}()

	firstLine := make(chan struct{}, 1)
	go d.readLoop(stdout, firstLine)

	select {
	case <-firstLine:
		return nil
	case <-waitDone:
		msg := ""
		select {
		case msg = <-errText:
		case <-time.After(200 * time.Millisecond):
		}
		return d.diagnoseExit(msg)
	case <-time.After(startTimeout):
		d.Stop()
		return utils.NewSensorError("TIMEOUT", d.kind.String()+" produced no output")
	case <-ctx.Done():
		d.Stop()
		return ctx.Err()
	}
}

// diagnoseExit maps an early subprocess death to a typed startup error.
func (d *Daemon) diagnoseExit(stderr string) error {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "permission") || strings.Contains(lower, "denied"):
		return utils.WrapSensorError(fmt.Errorf("%s", strings.TrimSpace(stderr)), "DENIED",
			d.kind.String()+" permission denied")
	case strings.Contains(lower, "not found") || strings.Contains(lower, "no such"):
		return utils.WrapSensorError(fmt.Errorf("%s", strings.TrimSpace(stderr)), "NOT_INSTALLED",
			d.kind.String()+" backend not installed")
	default:
		return utils.WrapSensorError(fmt.Errorf("%s", strings.TrimSpace(stderr)), "SENSOR_DIED",
			d.kind.String()+" exited during start")
	}
}

// readLoop reassembles objects from the subprocess stream and enqueues
// accepted samples. Parsing never propagates as failure; malformed objects
// are dropped with a rate-limited warning.
func (d *Daemon) readLoop(stdout io.Reader, firstLine chan<- struct{}) {
	reader := newObjectReader(stdout)
	signalled := false

	for {
		obj, err := reader.Next()
		if err != nil {
			d.alive.Store(false)
			return
		}
		if !signalled {
			signalled = true
			select {
			case firstLine <- struct{}{}:
			default:
			}
		}
		d.acceptObject(obj)
	}
}

// acceptObject parses one complete JSON object and enqueues the sample.
func (d *Daemon) acceptObject(obj []byte) {
	now := d.clock()
	var sample Sample

	switch d.kind {
	case KindAccel:
		x, y, z, err := parseAxisObject(obj)
		if err != nil {
			d.parseFailure(err)
			return
		}
		sample = Sample{Timestamp: now, Kind: KindAccel, Accel: &AccelData{X: x, Y: y, Z: z}}
	case KindGyro:
		x, y, z, err := parseAxisObject(obj)
		if err != nil {
			d.parseFailure(err)
			return
		}
		sample = Sample{Timestamp: now, Kind: KindGyro, Gyro: &GyroData{X: x, Y: y, Z: z}}
	case KindGPS:
		fix, err := parseGPSObject(obj)
		if err != nil {
			d.parseFailure(err)
			return
		}
		sample = Sample{Timestamp: now, Kind: KindGPS, GPS: fix}
	}

	d.parsedTotal.Add(1)
	d.lastSample.Store(time.Now().UnixNano())
	// Non-blocking enqueue; overflow drops are counted by the queue and must
	// not terminate the reader.
	d.out.Push(sample)
}

func (d *Daemon) parseFailure(err error) {
	d.parseErrors.Add(1)

	if d.parseWarn.Allow() {
		d.log.WithField("parse_errors", d.parseErrors.Load()).
			Warnf("dropping malformed %s object: %v", d.kind, err)
	}
}

// startPolling validates one invocation synchronously, then re-invokes the
// command at the configured interval. Each invocation emits a single object.
func (d *Daemon) startPolling(ctx context.Context) error {
	if err := d.pollOnce(ctx); err != nil {
		var serr *utils.SensorError
		if errors.As(err, &serr) && (serr.Code == "NOT_INSTALLED" || serr.Code == "DENIED") {
			return err
		}
		// A transient first failure is tolerated; the loop retries.
		d.log.Warnf("first %s poll failed: %v", d.kind, err)
	}

	d.alive.Store(true)
	go func() {
		ticker := time.NewTicker(d.cfg.PollInterval.Std())
		defer ticker.Stop()
		defer d.alive.Store(false)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := d.pollOnce(ctx); err != nil {
					d.parseFailure(err)
				}
			}
		}
	}()
	return nil
}

// pollOnce runs one invocation and enqueues its object.
func (d *Daemon) pollOnce(ctx context.Context) error {
	invCtx, cancel := context.WithTimeout(ctx, 2*d.cfg.PollInterval.Std()+startTimeout)
	defer cancel()

	cmd := exec.CommandContext(invCtx, d.cfg.Command, d.cfg.Args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	out, err := cmd.Output()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return utils.WrapSensorError(err, "NOT_INSTALLED", d.cfg.Command+" not found")
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return d.diagnoseExit(string(exitErr.Stderr))
		}
		return utils.WrapSensorError(err, "SENSOR_DIED", d.kind.String()+" invocation failed")
	}

	d.acceptObject(out)
	return nil
}

// TryRecv dequeues the next sample within timeout.
func (d *Daemon) TryRecv(timeout time.Duration) (Sample, bool) {
	return d.out.Pop(timeout)
}

// LastSampleInstant returns when the last sample was accepted, for silence
// detection and restart validation by the supervisor.
func (d *Daemon) LastSampleInstant() (time.Time, bool) {
	ns := d.lastSample.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

// IsAlive reports whether the underlying process (or poll loop) is running.
func (d *Daemon) IsAlive() bool {
	return d.alive.Load()
}

// Kind returns the daemon's sensor family.
func (d *Daemon) Kind() Kind { return d.kind }

// ParseErrors returns the count of dropped malformed objects.
func (d *Daemon) ParseErrors() uint64 { return d.parseErrors.Load() }

// Accepted returns the count of accepted samples.
func (d *Daemon) Accepted() uint64 { return d.parsedTotal.Load() }

// Stop terminates the subprocess: SIGTERM to the process group, a bounded
// wait, then SIGKILL, and explicit close of the stdio handles. Calling Stop
// twice is a no-op.
func (d *Daemon) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	cmd := d.cmd
	stdout := d.stdout
	stderr := d.stderr
	waitDone := d.waitDone
	cancel := d.cancel
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if cmd != nil && cmd.Process != nil {
		pid := cmd.Process.Pid
		// Negative pid signals the whole group.
		syscall.Kill(-pid, syscall.SIGTERM)

		if waitDone != nil {
			select {
			case <-waitDone:
			case <-time.After(stopGrace):
				syscall.Kill(-pid, syscall.SIGKILL)
				select {
				case <-waitDone:
				case <-time.After(stopGrace):
				}
			}
		}
	}

	if stdout != nil {
		stdout.Close()
	}
	if stderr != nil {
		stderr.Close()
	}
	d.alive.Store(false)
}
