// Package pkg holds the value types shared by the location and attendance
// engines.
package pkg

import (
	"fmt"
	"math"
	"time"
)

// PositionSource identifies how a fix was obtained
type PositionSource string

const (
	SourceGPS     PositionSource = "gps"
	SourceNetwork PositionSource = "network"
	SourceIP      PositionSource = "ip"
)

// AttendanceMethod is how the subject proves presence for an attendance event
type AttendanceMethod string

const (
	MethodGPS    AttendanceMethod = "gps"
	MethodQR     AttendanceMethod = "qr"
	MethodManual AttendanceMethod = "manual"
	MethodIP     AttendanceMethod = "ip"
)

// Valid reports whether m is one of the known methods
func (m AttendanceMethod) Valid() bool {
	switch m {
	case MethodGPS, MethodQR, MethodManual, MethodIP:
		return true
	}
	return false
}

// RequiresPosition reports whether events of this method must carry a position
func (m AttendanceMethod) RequiresPosition() bool {
	return m != MethodManual && m != MethodQR
}

// Position is an immutable location fix. A nil Accuracy means the precision
// radius is unknown. Positions are superseded, never mutated; the With*
// helpers return modified copies.
type Position struct {
	Latitude   float64        `json:"latitude"`
	Longitude  float64        `json:"longitude"`
	Accuracy   *float64       `json:"accuracy"`
	Source     PositionSource `json:"source"`
	CapturedAt time.Time      `json:"captured_at"`
	Address    string         `json:"address,omitempty"`
}

// NewPosition builds a fix with a known accuracy radius
func NewPosition(lat, lon, accuracyM float64, source PositionSource, capturedAt time.Time) Position {
	return Position{
		Latitude:   lat,
		Longitude:  lon,
		Accuracy:   Float(accuracyM),
		Source:     source,
		CapturedAt: capturedAt,
	}
}

// Float returns a pointer to v
func Float(v float64) *float64 {
	return &v
}

// HasAccuracy reports whether the accuracy radius is known
func (p Position) HasAccuracy() bool {
	return p.Accuracy != nil
}

// AccuracyOrInf returns the accuracy radius, +Inf when unknown. Lower is better.
func (p Position) AccuracyOrInf() float64 {
	if p.Accuracy == nil {
		return math.Inf(1)
	}
	return *p.Accuracy
}

// WithAccuracy returns a copy carrying a different accuracy radius
func (p Position) WithAccuracy(accuracyM float64) Position {
	p.Accuracy = Float(accuracyM)
	return p
}

// WithAddress returns a copy carrying a reverse-geocoded address
func (p Position) WithAddress(address string) Position {
	if p.Accuracy != nil {
		p.Accuracy = Float(*p.Accuracy)
	}
	p.Address = address
	return p
}

// BetterThan reports whether p is strictly more precise than other
func (p Position) BetterThan(other Position) bool {
	return p.AccuracyOrInf() < other.AccuracyOrInf()
}

// Validate checks the coordinate ranges and accuracy sign
func (p Position) Validate() error {
	if math.IsNaN(p.Latitude) || p.Latitude < -90 || p.Latitude > 90 {
		return fmt.Errorf("invalid latitude: %f", p.Latitude)
	}
	if math.IsNaN(p.Longitude) || p.Longitude < -180 || p.Longitude > 180 {
		return fmt.Errorf("invalid longitude: %f", p.Longitude)
	}
	if p.Accuracy != nil && (*p.Accuracy < 0 || math.IsNaN(*p.Accuracy)) {
		return fmt.Errorf("invalid accuracy: %f", *p.Accuracy)
	}
	return nil
}

// String renders the fix for logs
func (p Position) String() string {
	acc := "unknown"
	if p.Accuracy != nil {
		acc = fmt.Sprintf("%.0fm", *p.Accuracy)
	}
	return fmt.Sprintf("%.6f,%.6f (±%s, %s)", p.Latitude, p.Longitude, acc, p.Source)
}
