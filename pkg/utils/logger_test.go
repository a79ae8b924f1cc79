package utils

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestNewLogger_LevelParsing(t *testing.T) {
	if got := NewLogger("debug", "stdout").GetLevel(); got != logrus.DebugLevel {
		t.Fatalf("level = %v, want debug", got)
	}
	// Unknown levels fall back to info rather than failing startup.
	if got := NewLogger("chatty", "stdout").GetLevel(); got != logrus.InfoLevel {
		t.Fatalf("level = %v, want info fallback", got)
	}
}

func TestNewLogger_BadFileFallsBack(t *testing.T) {
	logger := NewLogger("info", "/nonexistent-dir/motiond.log")
	if logger == nil {
		t.Fatal("logger must be usable even when the log file cannot open")
	}
	logger.Info("still writable")
}

func TestWarnGuard_RateLimits(t *testing.T) {
	g := NewWarnGuard(50 * time.Millisecond)

	if !g.Allow() {
		t.Fatal("first warning must pass")
	}
	if g.Allow() {
		t.Fatal("second immediate warning must be suppressed")
	}

	time.Sleep(60 * time.Millisecond)
	if !g.Allow() {
		t.Fatal("warning must pass again after the interval")
	}
}
