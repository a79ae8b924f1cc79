package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file must not error: %v", err)
	}
	if cfg.Supervisor.MaxRestarts != 60 {
		t.Fatalf("defaults not applied: %+v", cfg.Supervisor)
	}
}

func TestLoad_OverlaysFileValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
log_level: debug
supervisor:
  poll_interval: 750ms
  max_restarts: 5
filter:
  enable_gyro: false
  accel_gate_ms2: 0.9
persistence:
  save_interval: 30s
  gzip: false
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.LogLevel != "debug" {
		t.Fatalf("log_level = %s", cfg.LogLevel)
	}
	if cfg.Supervisor.PollInterval.Std() != 750*time.Millisecond {
		t.Fatalf("poll_interval = %v", cfg.Supervisor.PollInterval.Std())
	}
	if cfg.Supervisor.MaxRestarts != 5 {
		t.Fatalf("max_restarts = %d", cfg.Supervisor.MaxRestarts)
	}
	if cfg.Filter.EnableGyro {
		t.Fatal("enable_gyro override lost")
	}
	if cfg.Filter.AccelGate != 0.9 {
		t.Fatalf("accel_gate = %f", cfg.Filter.AccelGate)
	}
	if cfg.Persistence.Gzip {
		t.Fatal("gzip override lost")
	}

	// Untouched sections keep their defaults.
	if cfg.Incidents.HardBrakeG != 0.8 {
		t.Fatalf("unrelated default changed: %f", cfg.Incidents.HardBrakeG)
	}
}

func TestLoad_RejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("supervisor:\n  poll_interval: soon\n"), 0o644)

	if _, err := Load(path); err == nil {
		t.Fatal("invalid duration must be rejected")
	}
}
