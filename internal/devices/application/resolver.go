package application

import (
	"context"
	"errors"
	"time"

	devices "github.com/vcsantana/rastreio-new-trac-sub000/internal/devices/domain"
	"github.com/vcsantana/rastreio-new-trac-sub000/internal/observability/metrics"
	"github.com/vcsantana/rastreio-new-trac-sub000/internal/protocol"
)

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Resolution is the outcome of mapping a protocol identifier to a device.
// Exactly one of Device and Unknown is set. Device carries the snapshot
// BEFORE the online side effect so the rule engine sees the prior state.
type Resolution struct {
	Device  *devices.Device
	Unknown *devices.UnknownDevice
}

// Resolver maps protocol-supplied identifiers to registered devices, or
// tracks them as unknown devices until an operator registers them.
type Resolver struct {
	devices devices.DeviceRepository
	unknown devices.UnknownDeviceRepository
	clock   Clock
}

// ResolverOption customizes the resolver.
type ResolverOption func(*Resolver)

// WithClock assigns a clock.
func WithClock(clock Clock) ResolverOption {
	return func(r *Resolver) { r.clock = clock }
}

// NewResolver constructs a resolver.
func NewResolver(deviceRepo devices.DeviceRepository, unknownRepo devices.UnknownDeviceRepository, opts ...ResolverOption) (*Resolver, error) {
	if deviceRepo == nil {
		return nil, errors.New("resolver: nil device repo")
	}
	if unknownRepo == nil {
		return nil, errors.New("resolver: nil unknown device repo")
	}
	resolver := &Resolver{devices: deviceRepo, unknown: unknownRepo, clock: systemClock{}}
	for _, opt := range opts {
		opt(resolver)
	}
	return resolver, nil
}

// Resolve looks up a registered device by external id. On a hit the device
// is marked online as a side effect; on a miss the unknown-device record is
// upserted so operators can inspect the traffic before registering.
func (r *Resolver) Resolve(ctx context.Context, externalID string, client protocol.ClientInfo) (*Resolution, error) {
	if externalID == "" {
		return nil, errors.New("resolver: empty external id")
	}

	device, err := r.devices.FindByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	now := r.clock.Now().UTC()
	if device != nil {
		snapshot := *device
		if err := r.devices.UpdateStatus(ctx, device.ID, devices.StatusOnline, now); err != nil {
			return nil, err
		}
		return &Resolution{Device: &snapshot}, nil
	}

	record, err := r.unknown.Upsert(ctx, &devices.UnknownDevice{
		ExternalID:      externalID,
		Protocol:        client.Protocol,
		Port:            client.Port,
		ClientAddress:   client.RemoteAddr,
		FirstSeen:       now,
		LastSeen:        now,
		ConnectionCount: 1,
	})
	if err != nil {
		return nil, err
	}
	metrics.IncUnknownDeviceContact()
	return &Resolution{Unknown: record}, nil
}
