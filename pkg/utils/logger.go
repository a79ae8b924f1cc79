// Package utils provides shared utility functions
package utils

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the engine's structured logger. The engine runs headless
// next to its sensor subprocesses, so output is JSON with millisecond
// timestamps, written to stdout/stderr or appended to a log file.
func NewLogger(level, output string) *logrus.Logger {
	logger := logrus.New()

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)

	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	logger.SetOutput(openLogOutput(logger, output))

	return logger
}

func openLogOutput(logger *logrus.Logger, output string) io.Writer {
	switch output {
	case "", "stdout":
		return os.Stdout
	case "stderr":
		return os.Stderr
	}
	file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger.Warnf("failed to open log file %s, using stdout", output)
		return os.Stdout
	}
	return file
}

// WarnGuard rate-limits a recurring warning. Sensor streams can produce the
// same fault at sample rate (malformed objects, failed polls); callers check
// Allow before logging so one bad stream does not flood the session log.
type WarnGuard struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
}

// NewWarnGuard creates a guard permitting one warning per interval.
func NewWarnGuard(interval time.Duration) *WarnGuard {
	return &WarnGuard{interval: interval}
}

// Allow reports whether a warning may be emitted now, consuming the slot
// when it is.
func (g *WarnGuard) Allow() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if time.Since(g.last) < g.interval {
		return false
	}
	g.last = time.Now()
	return true
}
