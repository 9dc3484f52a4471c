// Package audit records operator actions against devices and commands in an
// append-only trail.
package audit

import (
	"context"
	"encoding/json"
	"time"
)

// Entry is one recorded operator action. DeviceID is zero for actions that
// do not touch a specific device.
type Entry struct {
	ID            string
	DeviceID      int64
	Actor         string
	Role          string
	Action        string
	ResourceType  string
	ResourceID    string
	Metadata      json.RawMessage
	PayloadDigest string
	IP            string
	UserAgent     string
	CreatedAt     time.Time
}

// Logger writes audit entries.
type Logger interface {
	Log(ctx context.Context, entry Entry) error
}

// NopLogger discards entries. Used when auditing is disabled.
type NopLogger struct{}

// Log implements Logger.
func (NopLogger) Log(context.Context, Entry) error { return nil }
