package positions

import (
	"context"
	"errors"
	"math"
	"time"
)

// ErrInvalidPosition is returned when a position fails validation.
var ErrInvalidPosition = errors.New("positions: invalid position")

// Position is one normalized location fix. Speed is stored in knots
// regardless of the unit used on the wire. A position is immutable once
// stored; one row per ingested fix.
type Position struct {
	ID              int64
	DeviceID        int64
	UnknownDeviceID int64
	Protocol        string
	ServerTime      time.Time
	DeviceTime      time.Time
	Valid           bool
	Latitude        float64
	Longitude       float64
	Altitude        float64
	Speed           float64
	Course          float64
	Attributes      *Attributes
}

// Validate checks the invariants required before persistence: the fix must
// reference a device or an unknown-device record, carry a device timestamp
// and finite in-range coordinates.
func (p *Position) Validate() error {
	if p == nil {
		return ErrInvalidPosition
	}
	if p.DeviceID == 0 && p.UnknownDeviceID == 0 {
		return errors.New("positions: position references no device")
	}
	if p.DeviceTime.IsZero() {
		return errors.New("positions: missing device time")
	}
	if math.IsNaN(p.Latitude) || math.IsInf(p.Latitude, 0) ||
		math.IsNaN(p.Longitude) || math.IsInf(p.Longitude, 0) {
		return errors.New("positions: non-finite coordinates")
	}
	if p.Latitude < -90 || p.Latitude > 90 {
		return errors.New("positions: latitude out of range")
	}
	if p.Longitude < -180 || p.Longitude > 180 {
		return errors.New("positions: longitude out of range")
	}
	return nil
}

// PositionRepository persists normalized positions.
type PositionRepository interface {
	Insert(ctx context.Context, position *Position) error
	ListByDevice(ctx context.Context, deviceID int64, from, to time.Time) ([]Position, error)
}

// LatestCache keeps the most recent fix per device for operator snapshots.
type LatestCache interface {
	SetLatest(ctx context.Context, position *Position) error
	GetLatest(ctx context.Context, deviceID int64) (*Position, error)
}
