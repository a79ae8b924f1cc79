// Package sensors provides the sensor daemons: subprocess lifecycle, the
// line-JSON reader protocol and the typed sample stream they produce.
package sensors

import (
	"encoding/json"
	"fmt"
	"math"
)

// Kind identifies a sensor family.
type Kind int

const (
	KindAccel Kind = iota
	KindGyro
	KindGPS
)

func (k Kind) String() string {
	switch k {
	case KindAccel:
		return "accel"
	case KindGyro:
		return "gyro"
	case KindGPS:
		return "gps"
	default:
		return "unknown"
	}
}

// AccelData is a 3-axis accelerometer reading in m/s^2, device frame.
type AccelData struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Norm returns the reading magnitude.
func (a AccelData) Norm() float64 {
	return math.Sqrt(a.X*a.X + a.Y*a.Y + a.Z*a.Z)
}

// GyroData is a 3-axis gyroscope reading in rad/s, device frame.
type GyroData struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Norm returns the reading magnitude.
func (g GyroData) Norm() float64 {
	return math.Sqrt(g.X*g.X + g.Y*g.Y + g.Z*g.Z)
}

// GPSData is one GPS fix. Altitude and Bearing may be absent.
type GPSData struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Altitude  *float64 `json:"altitude,omitempty"`
	Accuracy  float64  `json:"accuracy"`
	Speed     float64  `json:"speed"`
	Bearing   *float64 `json:"bearing,omitempty"`
}

// Sample is one timestamped sensor reading. Exactly one payload pointer is
// set, matching Kind. Timestamps are monotonic wall-clock seconds from a
// single clock source.
type Sample struct {
	Timestamp float64    `json:"timestamp_s"`
	Kind      Kind       `json:"kind"`
	Accel     *AccelData `json:"accel,omitempty"`
	Gyro      *GyroData  `json:"gyro,omitempty"`
	GPS       *GPSData   `json:"gps,omitempty"`
}

// axisReading matches the accel/gyro subprocess object shape:
// {"<sensor name>": {"values": [x, y, z]}}. The sensor name varies by device.
type axisReading struct {
	Values []float64 `json:"values"`
}

// parseAxisObject extracts (x, y, z) from an accel/gyro subprocess object.
func parseAxisObject(raw []byte) (x, y, z float64, err error) {
	var obj map[string]axisReading
	if err = json.Unmarshal(raw, &obj); err != nil {
		return 0, 0, 0, err
	}
	for _, reading := range obj {
		if len(reading.Values) >= 3 {
			return reading.Values[0], reading.Values[1], reading.Values[2], nil
		}
	}
	return 0, 0, 0, fmt.Errorf("no axis values in object")
}

// parseGPSObject extracts a fix from a GPS subprocess object.
func parseGPSObject(raw []byte) (*GPSData, error) {
	var fix GPSData
	if err := json.Unmarshal(raw, &fix); err != nil {
		return nil, err
	}
	if fix.Latitude == 0 && fix.Longitude == 0 {
		return nil, fmt.Errorf("empty GPS fix")
	}
	return &fix, nil
}
