package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/roadsense/motiond/internal/supervisor"
)

// Engine status values surfaced in the live status file.
const (
	StatusIdle         = "IDLE"
	StatusInitialising = "INITIALISING"
	StatusActive       = "ACTIVE"
)

// LiveStatus is the heartbeat document written every status interval.
// Readers treat a missing file as INACTIVE and an mtime older than 10 s as
// STALE.
type LiveStatus struct {
	SessionID          string                 `json:"session_id"`
	Status             string                 `json:"status"`
	ElapsedS           float64                `json:"elapsed_s"`
	LastUpdate         float64                `json:"last_update"`
	GPSFixes           uint64                 `json:"gps_fixes"`
	AccelSamples       uint64                 `json:"accel_samples"`
	GyroSamples        uint64                 `json:"gyro_samples"`
	CurrentVelocity    float64                `json:"current_velocity"`
	CurrentHeading     float64                `json:"current_heading"`
	TotalDistance      float64                `json:"total_distance"`
	LatestGPS          *GPSRecord             `json:"latest_gps,omitempty"`
	IncidentsCount     uint64                 `json:"incidents_count"`
	MemoryMB           float64                `json:"memory_mb"`
	FilterKind         string                 `json:"filter_kind"`
	GPSFirstFixLatency float64                `json:"gps_first_fix_latency"`
	Sensors            []supervisor.SlotStats `json:"sensors,omitempty"`
}

// StatusPublisher owns the live status file: atomic overwrite on every
// publish, deletion on normal shutdown.
type StatusPublisher struct {
	path string
}

// NewStatusPublisher creates a publisher for the fixed status path.
func NewStatusPublisher(path string) *StatusPublisher {
	return &StatusPublisher{path: path}
}

// Publish writes the status via temp-file+rename.
func (p *StatusPublisher) Publish(status LiveStatus) error {
	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".status-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := json.NewEncoder(tmp).Encode(status); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, p.path)
}

// Delete removes the status file on normal shutdown.
func (p *StatusPublisher) Delete() {
	os.Remove(p.path)
}
