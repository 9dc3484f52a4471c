package events

import (
	"context"
	"time"
)

// Type enumerates the closed vocabulary of derived events.
type Type string

const (
	TypeDeviceOnline   Type = "deviceOnline"
	TypeDeviceOffline  Type = "deviceOffline"
	TypeDeviceUnknown  Type = "deviceUnknown"
	TypeMotionStart    Type = "motionStart"
	TypeMotionStop     Type = "motionStop"
	TypeOverspeedStart Type = "overspeedStart"
	TypeOverspeedEnd   Type = "overspeedEnd"
	TypeIgnitionOn     Type = "ignitionOn"
	TypeIgnitionOff    Type = "ignitionOff"
	TypeAlarm          Type = "alarm"
	TypeGeofenceEnter  Type = "geofenceEnter"
	TypeGeofenceExit   Type = "geofenceExit"
	TypeCommandResult  Type = "commandResult"
)

// Valid reports whether the type belongs to the closed vocabulary.
func (t Type) Valid() bool {
	switch t {
	case TypeDeviceOnline, TypeDeviceOffline, TypeDeviceUnknown,
		TypeMotionStart, TypeMotionStop,
		TypeOverspeedStart, TypeOverspeedEnd,
		TypeIgnitionOn, TypeIgnitionOff,
		TypeAlarm, TypeGeofenceEnter, TypeGeofenceExit,
		TypeCommandResult:
		return true
	}
	return false
}

// Event is a derived occurrence. Immutable, created only by the rule engine
// and the command dispatcher (commandResult).
type Event struct {
	ID         int64
	DeviceID   int64
	PositionID int64
	Type       Type
	GeofenceID int64
	ServerTime time.Time
	Attributes map[string]string
}

// EventRepository persists derived events.
type EventRepository interface {
	Insert(ctx context.Context, event *Event) error
	ListByDevice(ctx context.Context, deviceID int64, from, to time.Time) ([]Event, error)
}
