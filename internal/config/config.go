// Package config holds the engine configuration and its YAML loading.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config files can use "15s" notation.
type Duration time.Duration

// UnmarshalYAML accepts either a duration string or integer nanoseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Seconds returns the duration in seconds.
func (d Duration) Seconds() float64 { return time.Duration(d).Seconds() }

// GPSSource selects the GPS backend.
type GPSSource string

const (
	GPSSourceSubprocess GPSSource = "subprocess"
	GPSSourceSerial     GPSSource = "serial"
)

// SensorConfig describes one sensor subprocess family.
type SensorConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	// MatchPatterns are substrings matched against process command lines
	// when sweeping residual wrapper and backend processes during restart.
	MatchPatterns []string `yaml:"match_patterns"`
	SilenceWindow Duration `yaml:"silence_window"`
	// PollInterval > 0 means the command is re-invoked at this interval and
	// emits a single object per invocation (GPS). Zero means a long-running
	// streaming process (accel, gyro).
	PollInterval Duration `yaml:"poll_interval"`
}

// SerialConfig configures the optional serial NMEA GPS backend.
type SerialConfig struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
}

// SensorsConfig groups all sensor families.
type SensorsConfig struct {
	Accel     SensorConfig `yaml:"accel"`
	Gyro      SensorConfig `yaml:"gyro"`
	GPS       SensorConfig `yaml:"gps"`
	GPSSource GPSSource    `yaml:"gps_source"`
	Serial    SerialConfig `yaml:"serial"`
}

// SupervisorConfig tunes the daemon health monitor.
type SupervisorConfig struct {
	PollInterval      Duration `yaml:"poll_interval"`
	RestartCooldown   Duration `yaml:"restart_cooldown"`
	ValidationWindow  Duration `yaml:"validation_window"`
	RetryWindow       Duration `yaml:"retry_window"`
	ProcessSweepPoll  Duration `yaml:"process_sweep_poll"`
	ProcessSweepLimit Duration `yaml:"process_sweep_limit"`
	MaxRestarts       int      `yaml:"max_restarts"`
	BackoffBase       Duration `yaml:"backoff_base"`
	BackoffMax        Duration `yaml:"backoff_max"`
}

// FilterConfig tunes the EKF and the complementary reference filter.
type FilterConfig struct {
	EnableGyro bool `yaml:"enable_gyro"`
	EnableComp bool `yaml:"enable_complementary"`
	// Process noise densities, per axis.
	QuatProcessNoise float64 `yaml:"quat_process_noise"`
	BiasProcessNoise float64 `yaml:"bias_process_noise"`
	VelProcessNoise  float64 `yaml:"vel_process_noise"`
	PosProcessNoise  float64 `yaml:"pos_process_noise"`
	// Measurement noise.
	AccelNoise float64 `yaml:"accel_noise"`
	GyroNoise  float64 `yaml:"gyro_noise"`
	SpeedNoise float64 `yaml:"speed_noise"`
	// AccelGate is the residual gate for the accel-magnitude update, m/s^2.
	AccelGate float64 `yaml:"accel_gate_ms2"`
	// MaxDt: predictions with a larger or non-positive interval are skipped.
	MaxDt float64 `yaml:"max_dt_s"`
	// CompWeight is the GPS weight of the complementary filter blend.
	CompWeight float64 `yaml:"comp_weight"`
}

// CalibrationConfig tunes stationary calibration.
type CalibrationConfig struct {
	Window           Duration `yaml:"window"`
	StationaryWindow Duration `yaml:"stationary_window"`
	SpeedThreshold   float64  `yaml:"speed_threshold_mps"`
	GravityDelta     float64  `yaml:"gravity_delta_ms2"`
	BiasDelta        float64  `yaml:"bias_delta_rads"`
}

// IncidentConfig tunes the incident detector.
type IncidentConfig struct {
	HardBrakeG     float64  `yaml:"hard_brake_g"`
	SwerveYawRate  float64  `yaml:"swerve_yaw_rate_rads"`
	SwerveMinSpeed float64  `yaml:"swerve_min_speed_mps"`
	ImpactG        float64  `yaml:"impact_g"`
	ContextWindow  Duration `yaml:"context_window"`
	Cooldown       Duration `yaml:"cooldown"`
	Dir            string   `yaml:"dir"`
}

// PersistenceConfig tunes auto-save and the live status publisher.
type PersistenceConfig struct {
	DataDir        string   `yaml:"data_dir"`
	SaveInterval   Duration `yaml:"save_interval"`
	StatusInterval Duration `yaml:"status_interval"`
	Gzip           bool     `yaml:"gzip"`
}

// MetricsConfig tunes the metrics collector.
type MetricsConfig struct {
	DashboardInterval Duration `yaml:"dashboard_interval"`
	ListenPort        int      `yaml:"listen_port"`
}

// EngineConfig tunes the orchestrator.
type EngineConfig struct {
	MemoryCeilingMB float64  `yaml:"memory_ceiling_mb"`
	MemoryFloorMB   float64  `yaml:"memory_floor_mb"`
	JoinTimeout     Duration `yaml:"join_timeout"`
}

// Config is the root engine configuration.
type Config struct {
	LogLevel    string            `yaml:"log_level"`
	LogOutput   string            `yaml:"log_output"`
	Sensors     SensorsConfig     `yaml:"sensors"`
	Supervisor  SupervisorConfig  `yaml:"supervisor"`
	Filter      FilterConfig      `yaml:"filter"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Incidents   IncidentConfig    `yaml:"incidents"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Engine      EngineConfig      `yaml:"engine"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		LogLevel:  "info",
		LogOutput: "stdout",
		Sensors: SensorsConfig{
			Accel: SensorConfig{
				Command:       "termux-sensor",
				Args:          []string{"-s", "accelerometer", "-d", "50"},
				MatchPatterns: []string{"termux-sensor", "termux-api Sensor"},
				SilenceWindow: Duration(5 * time.Second),
			},
			Gyro: SensorConfig{
				Command:       "termux-sensor",
				Args:          []string{"-s", "gyroscope", "-d", "50"},
				MatchPatterns: []string{"termux-sensor", "termux-api Sensor"},
				SilenceWindow: Duration(5 * time.Second),
			},
			GPS: SensorConfig{
				Command:       "termux-location",
				Args:          []string{"-p", "gps"},
				MatchPatterns: []string{"termux-location", "termux-api Location"},
				SilenceWindow: Duration(30 * time.Second),
				PollInterval:  Duration(time.Second),
			},
			GPSSource: GPSSourceSubprocess,
			Serial: SerialConfig{
				Port:     "/dev/ttyUSB0",
				BaudRate: 9600,
			},
		},
		Supervisor: SupervisorConfig{
			PollInterval:      Duration(2 * time.Second),
			RestartCooldown:   Duration(12 * time.Second),
			ValidationWindow:  Duration(30 * time.Second),
			RetryWindow:       Duration(10 * time.Second),
			ProcessSweepPoll:  Duration(200 * time.Millisecond),
			ProcessSweepLimit: Duration(5 * time.Second),
			MaxRestarts:       60,
			BackoffBase:       Duration(5 * time.Second),
			BackoffMax:        Duration(40 * time.Second),
		},
		Filter: FilterConfig{
			EnableGyro:       true,
			EnableComp:       true,
			QuatProcessNoise: 1e-6,
			BiasProcessNoise: 1e-4,
			VelProcessNoise:  0.5,
			PosProcessNoise:  0.1,
			AccelNoise:       0.5,
			GyroNoise:        0.02,
			SpeedNoise:       2.0,
			AccelGate:        1.2,
			MaxDt:            0.1,
			CompWeight:       0.7,
		},
		Calibration: CalibrationConfig{
			Window:           Duration(3 * time.Second),
			StationaryWindow: Duration(30 * time.Second),
			SpeedThreshold:   0.1,
			GravityDelta:     0.5,
			BiasDelta:        0.005,
		},
		Incidents: IncidentConfig{
			HardBrakeG:     0.8,
			SwerveYawRate:  1.047,
			SwerveMinSpeed: 2.0,
			ImpactG:        1.5,
			ContextWindow:  Duration(30 * time.Second),
			Cooldown:       Duration(5 * time.Second),
			Dir:            "incidents",
		},
		Persistence: PersistenceConfig{
			DataDir:        "sessions",
			SaveInterval:   Duration(15 * time.Second),
			StatusInterval: Duration(2 * time.Second),
			Gzip:           true,
		},
		Metrics: MetricsConfig{
			DashboardInterval: Duration(30 * time.Second),
			ListenPort:        0,
		},
		Engine: EngineConfig{
			MemoryCeilingMB: 95,
			MemoryFloorMB:   90,
			JoinTimeout:     Duration(2 * time.Second),
		},
	}
}

// Load reads a YAML config file over the defaults. A missing file is not an
// error; the defaults are returned unchanged.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}
