// Package application implements the ingestion pipeline: validate decoded
// drafts, persist positions, update device state, run the rule engine and
// publish results on the in-process bus.
package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	devapp "github.com/vcsantana/rastreio-new-trac-sub000/internal/devices/application"
	devices "github.com/vcsantana/rastreio-new-trac-sub000/internal/devices/domain"
	"github.com/vcsantana/rastreio-new-trac-sub000/internal/eventing"
	rules "github.com/vcsantana/rastreio-new-trac-sub000/internal/events/application"
	eventsdomain "github.com/vcsantana/rastreio-new-trac-sub000/internal/events/domain"
	"github.com/vcsantana/rastreio-new-trac-sub000/internal/observability/metrics"
	posevents "github.com/vcsantana/rastreio-new-trac-sub000/internal/positions/application/events"
	positions "github.com/vcsantana/rastreio-new-trac-sub000/internal/positions/domain"
	"github.com/vcsantana/rastreio-new-trac-sub000/internal/protocol"
)

const (
	repositoryAttempts = 3
	repositoryBackoff  = 100 * time.Millisecond
)

// ruleMemory keeps the per-device state that only lives in previous
// positions: the last ignition bit and the containment set.
type ruleMemory struct {
	ignition  *bool
	geofences []int64
}

// Pipeline processes decoded position drafts. Safe for concurrent use;
// work for a single device is serialized on its external id.
type Pipeline struct {
	resolver  *devapp.Resolver
	positions positions.PositionRepository
	devices   devices.DeviceRepository
	events    eventsdomain.EventRepository
	engine    *rules.Engine
	bus       eventing.Bus
	cache     positions.LatestCache
	logger    *log.Logger
	clock     devapp.Clock

	perDevice *keyedMutex

	memMu  sync.Mutex
	memory map[int64]*ruleMemory
}

// PipelineOption customizes the pipeline.
type PipelineOption func(*Pipeline)

// WithLatestCache assigns the optional latest-position cache.
func WithLatestCache(cache positions.LatestCache) PipelineOption {
	return func(p *Pipeline) { p.cache = cache }
}

// WithClock assigns a clock.
func WithClock(clock devapp.Clock) PipelineOption {
	return func(p *Pipeline) { p.clock = clock }
}

// NewPipeline constructs the ingestion pipeline.
func NewPipeline(
	resolver *devapp.Resolver,
	positionRepo positions.PositionRepository,
	deviceRepo devices.DeviceRepository,
	eventRepo eventsdomain.EventRepository,
	engine *rules.Engine,
	bus eventing.Bus,
	logger *log.Logger,
	opts ...PipelineOption,
) (*Pipeline, error) {
	if resolver == nil {
		return nil, errors.New("pipeline: nil resolver")
	}
	if positionRepo == nil || deviceRepo == nil || eventRepo == nil {
		return nil, errors.New("pipeline: nil repository")
	}
	if engine == nil {
		return nil, errors.New("pipeline: nil rule engine")
	}
	if bus == nil {
		return nil, errors.New("pipeline: nil bus")
	}
	if logger == nil {
		logger = log.Default()
	}
	pipeline := &Pipeline{
		resolver:  resolver,
		positions: positionRepo,
		devices:   deviceRepo,
		events:    eventRepo,
		engine:    engine,
		bus:       bus,
		logger:    logger,
		clock:     sysClock{},
		perDevice: newKeyedMutex(),
		memory:    make(map[int64]*ruleMemory),
	}
	for _, opt := range opts {
		opt(pipeline)
	}
	return pipeline, nil
}

type sysClock struct{}

func (sysClock) Now() time.Time { return time.Now().UTC() }

// Ingest processes a decoded batch from one wire unit. It returns the
// registered device id the batch resolved to (zero for unknown devices) so
// the listener can register the live connection for command delivery.
func (p *Pipeline) Ingest(ctx context.Context, protocolName string, drafts []protocol.PositionDraft, client protocol.ClientInfo) (int64, error) {
	var deviceID int64
	for i := range drafts {
		id, err := p.ingestOne(ctx, protocolName, &drafts[i], client)
		if err != nil {
			return deviceID, err
		}
		if id != 0 {
			deviceID = id
		}
	}
	return deviceID, nil
}

func (p *Pipeline) ingestOne(ctx context.Context, protocolName string, draft *protocol.PositionDraft, client protocol.ClientInfo) (int64, error) {
	p.perDevice.Lock(draft.ExternalID)
	defer p.perDevice.Unlock(draft.ExternalID)

	resolution, err := p.resolver.Resolve(ctx, draft.ExternalID, client)
	if err != nil {
		return 0, fmt.Errorf("pipeline: resolve %s: %w", draft.ExternalID, err)
	}

	position := &positions.Position{
		Protocol:   protocolName,
		ServerTime: p.clock.Now(),
		DeviceTime: draft.DeviceTime,
		Valid:      draft.Valid,
		Latitude:   draft.Latitude,
		Longitude:  draft.Longitude,
		Altitude:   draft.Altitude,
		Speed:      draft.Speed,
		Course:     draft.Course,
		Attributes: draft.Attributes,
	}
	if position.Attributes == nil {
		position.Attributes = positions.NewAttributes()
	}
	if resolution.Device != nil {
		position.DeviceID = resolution.Device.ID
	} else {
		position.UnknownDeviceID = resolution.Unknown.ID
	}
	if err := position.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %v", protocol.ErrValidation, err)
	}

	if err := p.withRetry(ctx, "insert position", func() error {
		return p.positions.Insert(ctx, position)
	}); err != nil {
		return 0, err
	}
	metrics.IncPositionsStored(protocolName)

	if resolution.Device == nil {
		// Unknown-device traffic is stored for inspection but derives no events.
		p.publish(ctx, posevents.PositionStored{
			UnknownDeviceID: resolution.Unknown.ID,
			Position:        *position,
		})
		return 0, nil
	}

	device := resolution.Device
	if err := p.deriveEvents(ctx, device, position); err != nil {
		return device.ID, err
	}
	if device.Status != devices.StatusOnline {
		p.publish(ctx, posevents.DeviceStatusChanged{
			DeviceID: device.ID,
			Status:   devices.StatusOnline,
			At:       position.ServerTime,
		})
	}
	p.publish(ctx, posevents.PositionStored{DeviceID: device.ID, Position: *position})

	if p.cache != nil {
		if err := p.cache.SetLatest(ctx, position); err != nil {
			p.logger.Printf("pipeline: latest cache update failed: %v", err)
		}
	}
	return device.ID, nil
}

// deriveEvents runs the rule engine on the pre-update device snapshot and
// persists the resulting events before the pipeline accepts the next
// position for this device.
func (p *Pipeline) deriveEvents(ctx context.Context, device *devices.Device, position *positions.Position) error {
	memory := p.deviceMemory(device.ID)
	state := rules.DeviceState{
		Status:      device.Status,
		MotionState: device.MotionState,
		Overspeed:   device.Overspeed,
		SpeedLimit:  device.SpeedLimit,
		Ignition:    memory.ignition,
		GeofenceIDs: memory.geofences,
	}

	drafts, next, err := p.engine.Evaluate(ctx, state, position)
	if err != nil {
		return err
	}

	for i := range drafts {
		event := &drafts[i]
		if err := p.withRetry(ctx, "insert event", func() error {
			return p.events.Insert(ctx, event)
		}); err != nil {
			return err
		}
		metrics.IncEventsRecorded(string(event.Type))
		p.publish(ctx, posevents.EventRecorded{Event: *event})
	}

	if next.MotionState != device.MotionState || next.Overspeed != device.Overspeed {
		if err := p.devices.UpdateDerivedState(ctx, device.ID, next.MotionState, next.Overspeed); err != nil {
			return err
		}
	}

	memory.ignition = next.Ignition
	memory.geofences = next.GeofenceIDs
	return nil
}

// SweepOffline marks devices silent for longer than the window as offline,
// recording the transition through the same event-then-broadcast path as
// position-driven transitions.
func (p *Pipeline) SweepOffline(ctx context.Context, silence time.Duration) (int, error) {
	online, err := p.devices.ListByStatus(ctx, devices.StatusOnline)
	if err != nil {
		return 0, err
	}
	now := p.clock.Now()
	cutoff := now.Add(-silence)

	swept := 0
	for i := range online {
		device := &online[i]
		if device.LastUpdate.After(cutoff) {
			continue
		}
		if err := p.devices.UpdateStatus(ctx, device.ID, devices.StatusOffline, device.LastUpdate); err != nil {
			return swept, err
		}
		event := &eventsdomain.Event{
			DeviceID:   device.ID,
			Type:       eventsdomain.TypeDeviceOffline,
			ServerTime: now,
		}
		if err := p.withRetry(ctx, "insert event", func() error {
			return p.events.Insert(ctx, event)
		}); err != nil {
			return swept, err
		}
		metrics.IncEventsRecorded(string(event.Type))
		p.publish(ctx, posevents.EventRecorded{Event: *event})
		p.publish(ctx, posevents.DeviceStatusChanged{
			DeviceID: device.ID,
			Status:   devices.StatusOffline,
			At:       now,
		})
		swept++
	}
	return swept, nil
}

func (p *Pipeline) deviceMemory(deviceID int64) *ruleMemory {
	p.memMu.Lock()
	defer p.memMu.Unlock()
	memory, ok := p.memory[deviceID]
	if !ok {
		memory = &ruleMemory{}
		p.memory[deviceID] = memory
	}
	return memory
}

// withRetry retries transient repository failures a bounded number of times.
// Delivery from the wire is at-most-once: after the last attempt the unit is
// reported lost to the caller, which logs and drops it.
func (p *Pipeline) withRetry(ctx context.Context, action string, fn func() error) error {
	var err error
	for attempt := 0; attempt < repositoryAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(repositoryBackoff << attempt):
		}
	}
	return fmt.Errorf("pipeline: %s failed after %d attempts: %w", action, repositoryAttempts, err)
}

func (p *Pipeline) publish(ctx context.Context, event any) {
	if err := p.bus.Publish(ctx, event); err != nil {
		p.logger.Printf("pipeline: publish %s: %v", eventing.EventType(event), err)
	}
}
