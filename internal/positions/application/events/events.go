// Package events defines the bus payloads published by the ingestion
// pipeline. Subscribers (broadcast hub, metrics, logging) are wired in main.
package events

import (
	"time"

	eventsdomain "github.com/vcsantana/rastreio-new-trac-sub000/internal/events/domain"
	positions "github.com/vcsantana/rastreio-new-trac-sub000/internal/positions/domain"
)

// PositionStored is published after a position and its derived events are
// persisted. DeviceID is zero for unknown-device traffic.
type PositionStored struct {
	DeviceID        int64
	UnknownDeviceID int64
	Position        positions.Position
}

// DeviceStatusChanged is published on any device status transition, whether
// driven by a position arrival or by the liveness sweep.
type DeviceStatusChanged struct {
	DeviceID int64
	Status   string
	At       time.Time
}

// EventRecorded is published after a derived event is persisted.
type EventRecorded struct {
	Event eventsdomain.Event
}
