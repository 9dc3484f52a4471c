package devices

import (
	"context"
	"time"
)

// UnknownDevice tracks traffic from an identifier that no registered device
// claims. Rows are created on first contact and updated on every subsequent
// one; deletion and promotion are administrative actions outside the core.
type UnknownDevice struct {
	ID              int64
	ExternalID      string
	Protocol        string
	Port            int
	ClientAddress   string
	FirstSeen       time.Time
	LastSeen        time.Time
	ConnectionCount int
	IsRegistered    bool
	LinkedDeviceID  int64
}

// UnknownDeviceRepository upserts and lists unknown-device records.
type UnknownDeviceRepository interface {
	// Upsert inserts the record on first contact or bumps
	// connection_count/last_seen/client_address on repeat contact,
	// returning the stored row.
	Upsert(ctx context.Context, record *UnknownDevice) (*UnknownDevice, error)
	List(ctx context.Context, limit int) ([]UnknownDevice, error)
}
