package sensors

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/roadsense/motiond/internal/config"
	"github.com/roadsense/motiond/internal/queue"
	"github.com/roadsense/motiond/pkg/utils"
)

// knots to m/s
const knotsToMps = 0.514444

// SerialGPSSource reads NMEA sentences ($GPRMC, $GPGGA) from a serial GPS
// receiver as an alternative to the subprocess backend.
type SerialGPSSource struct {
	cfg   config.SerialConfig
	log   logrus.FieldLogger
	out   *queue.Queue[Sample]
	clock Clock

	port       serial.Port
	cancel     context.CancelFunc
	alive      atomic.Bool
	lastSample atomic.Int64

	// last GGA-derived values merged into the next RMC fix
	lastAlt  *float64
	lastHDOP float64
}

// NewSerialGPSSource creates a serial-backed GPS source.
func NewSerialGPSSource(cfg config.SerialConfig, log logrus.FieldLogger) *SerialGPSSource {
	return &SerialGPSSource{
		cfg:   cfg,
		log:   log.WithField("sensor", "gps-serial"),
		out:   queue.New[Sample](100, queue.DropNewest),
		clock: WallClock,
	}
}

// Kind returns KindGPS.
func (s *SerialGPSSource) Kind() Kind { return KindGPS }

// Queue returns the production queue endpoint.
func (s *SerialGPSSource) Queue() *queue.Queue[Sample] { return s.out }

// Start opens the port and begins reading sentences.
func (s *SerialGPSSource) Start(ctx context.Context) error {
	mode := &serial.Mode{BaudRate: s.cfg.BaudRate}
	port, err := serial.Open(s.cfg.Port, mode)
	if err != nil {
		return utils.WrapSensorError(err, "NOT_INSTALLED", "opening serial port "+s.cfg.Port)
	}
	s.port = port

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.alive.Store(true)

	go func() {
		defer s.alive.Store(false)
		scanner := bufio.NewScanner(port)
		for scanner.Scan() {
			if loopCtx.Err() != nil {
				return
			}
			s.handleSentence(scanner.Text())
		}
	}()
	return nil
}

// handleSentence parses one NMEA sentence and enqueues RMC fixes.
func (s *SerialGPSSource) handleSentence(line string) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return
	}
	if idx := strings.IndexByte(line, '*'); idx >= 0 {
		line = line[:idx]
	}
	fields := strings.Split(line, ",")
	if len(fields) == 0 {
		return
	}

	switch {
	case strings.HasSuffix(fields[0], "GGA"):
		s.parseGGA(fields)
	case strings.HasSuffix(fields[0], "RMC"):
		if fix, err := s.parseRMC(fields); err == nil {
			s.lastSample.Store(time.Now().UnixNano())
			s.out.Push(Sample{Timestamp: s.clock(), Kind: KindGPS, GPS: fix})
		}
	}
}

// parseGGA retains altitude and HDOP for the next fix.
func (s *SerialGPSSource) parseGGA(fields []string) {
	if len(fields) < 10 {
		return
	}
	if hdop, err := strconv.ParseFloat(fields[8], 64); err == nil {
		s.lastHDOP = hdop
	}
	if alt, err := strconv.ParseFloat(fields[9], 64); err == nil {
		s.lastAlt = &alt
	}
}

// parseRMC builds a GPS fix from an RMC sentence.
func (s *SerialGPSSource) parseRMC(fields []string) (*GPSData, error) {
	if len(fields) < 9 || fields[2] != "A" {
		return nil, fmt.Errorf("no valid RMC fix")
	}

	lat, err := parseNMEACoord(fields[3], fields[4])
	if err != nil {
		return nil, err
	}
	lon, err := parseNMEACoord(fields[5], fields[6])
	if err != nil {
		return nil, err
	}

	fix := &GPSData{
		Latitude:  lat,
		Longitude: lon,
		Altitude:  s.lastAlt,
		// NMEA carries no accuracy; approximate from HDOP against a nominal
		// 5 m user-equivalent range error.
		Accuracy: 5.0 * maxf(s.lastHDOP, 1.0),
	}

	if speed, err := strconv.ParseFloat(fields[7], 64); err == nil {
		fix.Speed = speed * knotsToMps
	}
	if bearing, err := strconv.ParseFloat(fields[8], 64); err == nil {
		fix.Bearing = &bearing
	}
	return fix, nil
}

// parseNMEACoord converts ddmm.mmmm + hemisphere into decimal degrees.
func parseNMEACoord(value, hemi string) (float64, error) {
	raw, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, err
	}
	degrees := float64(int(raw / 100))
	minutes := raw - degrees*100
	coord := degrees + minutes/60
	if hemi == "S" || hemi == "W" {
		coord = -coord
	}
	return coord, nil
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// LastSampleInstant returns when the last fix was accepted.
func (s *SerialGPSSource) LastSampleInstant() (time.Time, bool) {
	ns := s.lastSample.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

// IsAlive reports whether the read loop is running.
func (s *SerialGPSSource) IsAlive() bool { return s.alive.Load() }

// Stop cancels the read loop and closes the port.
func (s *SerialGPSSource) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.port != nil {
		s.port.Close()
	}
	s.alive.Store(false)
}
