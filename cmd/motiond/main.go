// MOTIOND - On-Device Motion Telemetry Engine
//
// Fuses accelerometer, gyroscope and GPS into a real-time vehicle state
// estimate and flags driving incidents.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/roadsense/motiond/internal/config"
	"github.com/roadsense/motiond/internal/engine"
	"github.com/roadsense/motiond/internal/sensors"
	"github.com/roadsense/motiond/pkg/utils"
)

var (
	version = "1.0.0"

	configFile  = flag.String("config", "configs/config.yaml", "Configuration file path")
	dataDir     = flag.String("data-dir", "", "Session data directory (overrides config)")
	logLevel    = flag.String("log-level", "", "Log level: debug, info, warn, error")
	metricsPort = flag.Int("metrics-port", -1, "Prometheus exposition port, 0 disables")

	enableGyro  = flag.Bool("enable-gyro", false, "Enable gyroscope fusion")
	gyroAlias   = flag.Bool("gyro", false, "Enable gyroscope fusion (alias)")
	disableGyro = flag.Bool("no-gyro", false, "Disable gyroscope fusion")
	enableMag   = flag.Bool("enable-mag", false, "Enable magnetometer fusion (not supported)")
	enableBaro  = flag.Bool("enable-baro", false, "Enable barometer fusion (not supported)")

	simMode = flag.Bool("sim", false, "Simulation mode (synthetic sensors, no subprocesses)")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	applyFlags(&cfg)

	log := utils.NewLogger(cfg.LogLevel, cfg.LogOutput)

	duration, err := parseDuration(flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "usage: motiond [flags] [duration_minutes]\n%v\n", err)
		os.Exit(1)
	}

	if *enableMag {
		log.Warn("magnetometer fusion requested but not supported, ignoring")
	}
	if *enableBaro {
		log.Warn("barometer fusion requested but not supported, ignoring")
	}

	printBanner(duration)

	var eng *engine.Engine
	if *simMode {
		eng = engine.NewWithSources(cfg, log, simSources())
	} else {
		eng = engine.New(cfg, log)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("shutdown signal received, gracefully stopping")
		cancel()
	}()

	if err := eng.Run(ctx, duration); err != nil {
		log.Errorf("session failed to start: %v", err)
		os.Exit(1)
	}
}

// applyFlags overlays CLI flags on the file configuration.
func applyFlags(cfg *config.Config) {
	if *dataDir != "" {
		cfg.Persistence.DataDir = *dataDir
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *metricsPort >= 0 {
		cfg.Metrics.ListenPort = *metricsPort
	}
	if *enableGyro || *gyroAlias {
		cfg.Filter.EnableGyro = true
	}
	if *disableGyro {
		cfg.Filter.EnableGyro = false
	}
}

// parseDuration reads the positional duration in minutes. No argument means
// continuous: run until signal.
func parseDuration(args []string) (time.Duration, error) {
	if len(args) == 0 {
		return 0, nil
	}
	minutes, err := strconv.ParseFloat(args[0], 64)
	if err != nil || minutes <= 0 {
		return 0, fmt.Errorf("invalid duration %q, expected minutes", args[0])
	}
	return time.Duration(minutes * float64(time.Minute)), nil
}

// simSources builds the synthetic drive used by simulation mode: stationary
// first, then a straight 15 m/s cruise.
func simSources() engine.SourceSet {
	return engine.SourceSet{
		Accel: func() sensors.Source {
			return sensors.NewSimSource(sensors.KindAccel, 20*time.Millisecond,
				sensors.SimStationaryAccel(0.05))
		},
		Gyro: func() sensors.Source {
			return sensors.NewSimSource(sensors.KindGyro, 20*time.Millisecond,
				sensors.SimBiasedGyro(0.003, -0.002, 0.001, 0.001))
		},
		GPS: func() sensors.Source {
			gen := sensors.SimStraightDriveGPS(37.7749, -122.4194, 15.0, 90.0)
			return sensors.NewSimSource(sensors.KindGPS, time.Second, func(elapsed float64) sensors.Sample {
				if elapsed < 10 {
					// Parked long enough to calibrate before moving off.
					return sensors.Sample{GPS: &sensors.GPSData{
						Latitude: 37.7749, Longitude: -122.4194, Accuracy: 5,
					}}
				}
				return gen(elapsed - 10)
			})
		},
	}
}

func printBanner(duration time.Duration) {
	mode := "continuous"
	if duration > 0 {
		mode = duration.String()
	}
	fmt.Printf("motiond v%s - motion telemetry engine (%s)\n", version, mode)
}
