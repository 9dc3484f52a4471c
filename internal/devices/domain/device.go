package devices

import (
	"context"
	"errors"
	"time"
)

// Device status values.
const (
	StatusUnknown = "unknown"
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// ErrNotFound is returned when a device does not exist.
var ErrNotFound = errors.New("devices: not found")

// Device is a registered tracked asset. MotionState and OverspeedState are
// derived flags owned by the rule engine; Status and LastUpdate are mutated
// only by the ingestion pipeline.
type Device struct {
	ID          int64
	Name        string
	ExternalID  string
	Protocol    string
	Status      string
	LastUpdate  time.Time
	MotionState bool
	Overspeed   bool
	SpeedLimit  float64
	Disabled    bool
}

// DeviceRepository provides access to registered devices.
type DeviceRepository interface {
	GetByID(ctx context.Context, id int64) (*Device, error)
	// FindByExternalID returns (nil, nil) when no device matches.
	FindByExternalID(ctx context.Context, externalID string) (*Device, error)
	UpdateStatus(ctx context.Context, id int64, status string, lastUpdate time.Time) error
	UpdateDerivedState(ctx context.Context, id int64, motion, overspeed bool) error
	ListByStatus(ctx context.Context, status string) ([]Device, error)
}
