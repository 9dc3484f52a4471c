package commands

import (
	"context"
	"errors"
	"time"
)

// Status is a command delivery state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSent      Status = "SENT"
	StatusDelivered Status = "DELIVERED"
	StatusExecuted  Status = "EXECUTED"
	StatusFailed    Status = "FAILED"
	StatusTimeout   Status = "TIMEOUT"
	StatusCancelled Status = "CANCELLED"
	StatusExpired   Status = "EXPIRED"
)

// Terminal reports whether the status ends the delivery state machine.
func (s Status) Terminal() bool {
	switch s {
	case StatusExecuted, StatusFailed, StatusTimeout, StatusCancelled, StatusExpired:
		return true
	case StatusPending, StatusSent, StatusDelivered:
		return false
	}
	return false
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		switch to {
		case StatusSent, StatusFailed, StatusCancelled, StatusExpired:
			return true
		}
	case StatusSent:
		switch to {
		case StatusDelivered, StatusFailed, StatusTimeout:
			return true
		}
	case StatusDelivered:
		return to == StatusExecuted
	case StatusExecuted, StatusFailed, StatusTimeout, StatusCancelled, StatusExpired:
		return false
	}
	return false
}

// Priority orders commands within a device queue.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// ParsePriority maps the wire form to a Priority, defaulting to NORMAL.
func ParsePriority(value string) Priority {
	switch value {
	case "LOW":
		return PriorityLow
	case "HIGH":
		return PriorityHigh
	case "CRITICAL":
		return PriorityCritical
	}
	return PriorityNormal
}

// String returns the wire form of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	}
	return "NORMAL"
}

// Type enumerates the closed command vocabulary. Codecs reject types their
// protocol cannot express.
type Type string

const (
	TypeCustom           Type = "custom"
	TypePositionSingle   Type = "positionSingle"
	TypePositionPeriodic Type = "positionPeriodic"
	TypeEngineStop       Type = "engineStop"
	TypeEngineResume     Type = "engineResume"
	TypeOutputControl    Type = "outputControl"
	TypeRebootDevice     Type = "rebootDevice"
	TypeAlarmArm         Type = "alarmArm"
	TypeAlarmDisarm      Type = "alarmDisarm"
)

// Valid reports whether the type belongs to the vocabulary.
func (t Type) Valid() bool {
	switch t {
	case TypeCustom, TypePositionSingle, TypePositionPeriodic,
		TypeEngineStop, TypeEngineResume, TypeOutputControl,
		TypeRebootDevice, TypeAlarmArm, TypeAlarmDisarm:
		return true
	}
	return false
}

// Domain errors.
var (
	ErrNotFound       = errors.New("commands: not found")
	ErrNotCancellable = errors.New("commands: only pending commands can be cancelled")
	ErrNotRetryable   = errors.New("commands: only failed, timed out or expired commands can be retried")
	ErrTransition     = errors.New("commands: illegal status transition")
)

// Command is an operator-issued instruction to a device, tracked through the
// delivery state machine. Mutated only by the queue and dispatcher.
type Command struct {
	ID           string
	DeviceID     int64
	UserID       string
	Type         Type
	Priority     Priority
	Status       Status
	Parameters   map[string]string
	RawCommand   string
	RetryCount   int
	MaxRetries   int
	ExpiresAt    time.Time
	CreatedAt    time.Time
	SentAt       time.Time
	DeliveredAt  time.Time
	ExecutedAt   time.Time
	FailedAt     time.Time
	Response     string
	ErrorMessage string
}

// Expired reports whether the command deadline has passed.
func (c *Command) Expired(now time.Time) bool {
	return c != nil && !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// QueueEntry tracks one in-flight command inside the dispatcher queue.
// A command has at most one active entry at a time; the entry is removed
// when the command reaches a terminal status.
type QueueEntry struct {
	CommandID     string
	DeviceID      int64
	Priority      Priority
	ScheduledAt   time.Time
	Attempts      int
	NextAttemptAt time.Time
	Active        bool
}

// Filter narrows ListCommands queries. Zero fields match everything.
type Filter struct {
	DeviceID int64
	Status   Status
	From     time.Time
	To       time.Time
	Limit    int
}

// CommandRepository persists commands.
type CommandRepository interface {
	Create(ctx context.Context, cmd *Command) error
	GetByID(ctx context.Context, id string) (*Command, error)
	Update(ctx context.Context, cmd *Command) error
	List(ctx context.Context, filter Filter) ([]Command, error)
}
