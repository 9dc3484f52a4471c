package server

import (
	"context"
	"sync"

	cmdapp "github.com/vcsantana/rastreio-new-trac-sub000/internal/commands/application"
	"github.com/vcsantana/rastreio-new-trac-sub000/internal/observability/metrics"
)

// Channel is a writable path back to a connected device.
type Channel interface {
	Write(payload []byte) error
	Close() error
}

// ConnectionTable tracks the live channel per resolved device. At most one
// channel per device; a newer connection replaces and closes the older one.
type ConnectionTable struct {
	mu       sync.RWMutex
	channels map[int64]Channel
}

// NewConnectionTable constructs an empty table.
func NewConnectionTable() *ConnectionTable {
	return &ConnectionTable{channels: make(map[int64]Channel)}
}

// Register associates a device with its live channel, closing any previous
// channel for the same device.
func (t *ConnectionTable) Register(deviceID int64, ch Channel) {
	if deviceID == 0 || ch == nil {
		return
	}
	t.mu.Lock()
	previous := t.channels[deviceID]
	t.channels[deviceID] = ch
	count := len(t.channels)
	t.mu.Unlock()
	if previous != nil && previous != ch {
		_ = previous.Close()
	}
	metrics.SetLiveConnections(count)
}

// Unregister drops the device's channel if it is still the given one.
func (t *ConnectionTable) Unregister(deviceID int64, ch Channel) {
	if deviceID == 0 {
		return
	}
	t.mu.Lock()
	if current, ok := t.channels[deviceID]; ok && current == ch {
		delete(t.channels, deviceID)
	}
	count := len(t.channels)
	t.mu.Unlock()
	metrics.SetLiveConnections(count)
}

// Send writes a payload to the device's live channel. Returns
// ErrNoActiveChannel when the device is not connected.
func (t *ConnectionTable) Send(ctx context.Context, deviceID int64, payload []byte) error {
	t.mu.RLock()
	ch, ok := t.channels[deviceID]
	t.mu.RUnlock()
	if !ok {
		return cmdapp.ErrNoActiveChannel
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return ch.Write(payload)
}

// Count reports the number of live channels.
func (t *ConnectionTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.channels)
}

var _ cmdapp.Sender = (*ConnectionTable)(nil)
