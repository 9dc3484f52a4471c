package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	cmdevents "github.com/vcsantana/rastreio-new-trac-sub000/internal/commands/application/events"
	commands "github.com/vcsantana/rastreio-new-trac-sub000/internal/commands/domain"
	devices "github.com/vcsantana/rastreio-new-trac-sub000/internal/devices/domain"
	"github.com/vcsantana/rastreio-new-trac-sub000/internal/eventing"
	eventsdomain "github.com/vcsantana/rastreio-new-trac-sub000/internal/events/domain"
	"github.com/vcsantana/rastreio-new-trac-sub000/internal/observability/metrics"
	"github.com/vcsantana/rastreio-new-trac-sub000/internal/protocol"
)

// ErrNoActiveChannel is returned by a Sender when the device has no
// addressable transport channel right now.
var ErrNoActiveChannel = errors.New("commands: no active channel to device")

// Sender transmits encoded command bytes over the device's live channel.
// Implemented by the listener manager.
type Sender interface {
	Send(ctx context.Context, deviceID int64, payload []byte) error
}

// DispatcherConfig tunes retry and timeout behavior.
type DispatcherConfig struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	AckTimeout     time.Duration
	MaxWorkers     int
}

// DefaultDispatcherConfig returns production defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     5 * time.Minute,
		AckTimeout:     30 * time.Second,
		MaxWorkers:     16,
	}
}

type inflightCommand struct {
	commandID string
	deadline  time.Time
}

// Dispatcher drives the command delivery state machine. A single logical
// dispatcher runs workers in parallel across devices, with strictly one
// in-flight command per device.
type Dispatcher struct {
	repo     commands.CommandRepository
	devices  devices.DeviceRepository
	registry *protocol.Registry
	sender   Sender
	bus      eventing.Bus
	events   eventsdomain.EventRepository
	logger   *log.Logger
	cfg      DispatcherConfig
	clock    func() time.Time

	queue *deviceQueues

	mu       sync.Mutex
	inflight map[int64]inflightCommand
}

// NewDispatcher constructs a dispatcher.
func NewDispatcher(
	repo commands.CommandRepository,
	deviceRepo devices.DeviceRepository,
	registry *protocol.Registry,
	sender Sender,
	bus eventing.Bus,
	eventRepo eventsdomain.EventRepository,
	logger *log.Logger,
	cfg DispatcherConfig,
) (*Dispatcher, error) {
	if repo == nil || deviceRepo == nil || eventRepo == nil {
		return nil, errors.New("dispatcher: nil repository")
	}
	if registry == nil {
		return nil, errors.New("dispatcher: nil codec registry")
	}
	if sender == nil {
		return nil, errors.New("dispatcher: nil sender")
	}
	if bus == nil {
		return nil, errors.New("dispatcher: nil bus")
	}
	if logger == nil {
		logger = log.Default()
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultDispatcherConfig().InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = DefaultDispatcherConfig().MaxBackoff
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultDispatcherConfig().AckTimeout
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultDispatcherConfig().MaxWorkers
	}
	return &Dispatcher{
		repo:     repo,
		devices:  deviceRepo,
		registry: registry,
		sender:   sender,
		bus:      bus,
		events:   eventRepo,
		logger:   logger,
		cfg:      cfg,
		clock:    func() time.Time { return time.Now().UTC() },
		queue:    newDeviceQueues(),
		inflight: make(map[int64]inflightCommand),
	}, nil
}

// Enqueue adds a pending command to its device queue.
func (d *Dispatcher) Enqueue(cmd *commands.Command) {
	if cmd == nil {
		return
	}
	d.queue.Push(commands.QueueEntry{
		CommandID:   cmd.ID,
		DeviceID:    cmd.DeviceID,
		Priority:    cmd.Priority,
		ScheduledAt: cmd.CreatedAt,
	})
}

// Remove drops the queue entry for a command, if any.
func (d *Dispatcher) Remove(commandID string) bool {
	return d.queue.Remove(commandID)
}

// Snapshot returns queued entries for a device, or all when deviceID is 0.
func (d *Dispatcher) Snapshot(deviceID int64) []commands.QueueEntry {
	return d.queue.Snapshot(deviceID)
}

// Restore reloads persisted PENDING commands into the device queues. Called
// at startup so commands issued before a restart are dispatched, retried or
// expired instead of stranding in storage.
func (d *Dispatcher) Restore(ctx context.Context) error {
	pending, err := d.repo.List(ctx, commands.Filter{Status: commands.StatusPending})
	if err != nil {
		return fmt.Errorf("dispatcher: restore pending: %w", err)
	}
	restored := 0
	for i := range pending {
		cmd := &pending[i]
		if d.queue.Contains(cmd.ID) {
			continue
		}
		restored++
		d.queue.Push(commands.QueueEntry{
			CommandID:   cmd.ID,
			DeviceID:    cmd.DeviceID,
			Priority:    cmd.Priority,
			ScheduledAt: cmd.CreatedAt,
			Attempts:    cmd.RetryCount,
		})
	}
	if restored > 0 {
		d.logger.Printf("dispatcher: restored %d pending commands", restored)
	}
	return nil
}

// Run restores persisted queue state and drives Tick on an interval until
// the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	if err := d.Restore(ctx); err != nil {
		d.logger.Printf("dispatcher: %v", err)
	}
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-ticker.C:
			if err := d.Tick(ctx, tick.UTC()); err != nil {
				d.logger.Printf("dispatcher: tick error: %v", err)
			}
		}
	}
}

// Tick performs one dispatcher pass: sweep ack timeouts, then dispatch one
// ready entry per device that has no command in flight. Devices are worked
// in parallel up to MaxWorkers; Tick returns when the pass completes.
func (d *Dispatcher) Tick(ctx context.Context, now time.Time) error {
	d.sweepTimeouts(ctx, now)

	var wg sync.WaitGroup
	sem := make(chan struct{}, d.cfg.MaxWorkers)
	for _, deviceID := range d.queue.Devices() {
		if d.hasInflight(deviceID) {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(id int64) {
			defer wg.Done()
			defer func() { <-sem }()
			d.dispatchDevice(ctx, id, now)
		}(deviceID)
	}
	wg.Wait()
	return nil
}

// HandleAck advances the in-flight command for a device on a decoded
// acknowledgment: SENT -> DELIVERED, and DELIVERED -> EXECUTED when the ack
// reports execution.
func (d *Dispatcher) HandleAck(ctx context.Context, ack protocol.CommandAck) {
	device, err := d.devices.FindByExternalID(ctx, ack.ExternalID)
	if err != nil || device == nil {
		return
	}

	d.mu.Lock()
	inflight, ok := d.inflight[device.ID]
	if ok {
		delete(d.inflight, device.ID)
	}
	d.mu.Unlock()
	if !ok {
		return
	}

	cmd, err := d.repo.GetByID(ctx, inflight.commandID)
	if err != nil || cmd == nil {
		return
	}
	now := d.clock()
	cmd.Response = ack.Response
	if err := d.transition(ctx, cmd, commands.StatusDelivered, now, ""); err != nil {
		d.logger.Printf("dispatcher: ack transition %s: %v", cmd.ID, err)
		return
	}
	if ack.Executed {
		if err := d.transition(ctx, cmd, commands.StatusExecuted, now, ""); err != nil {
			d.logger.Printf("dispatcher: ack transition %s: %v", cmd.ID, err)
		}
	}
}

// CancelCommand moves a pending command to CANCELLED. Commands already sent
// cannot be cancelled.
func (d *Dispatcher) CancelCommand(ctx context.Context, commandID string) (*commands.Command, error) {
	cmd, err := d.repo.GetByID(ctx, commandID)
	if err != nil {
		return nil, err
	}
	if cmd == nil {
		return nil, commands.ErrNotFound
	}
	if cmd.Status != commands.StatusPending {
		return nil, commands.ErrNotCancellable
	}
	d.queue.Remove(commandID)
	if err := d.transition(ctx, cmd, commands.StatusCancelled, d.clock(), "cancelled by operator"); err != nil {
		return nil, err
	}
	return cmd, nil
}

// RetryCommand re-arms a failed, timed out or expired command: the state
// machine restarts from PENDING with a fresh retry budget.
func (d *Dispatcher) RetryCommand(ctx context.Context, commandID string) (*commands.Command, error) {
	cmd, err := d.repo.GetByID(ctx, commandID)
	if err != nil {
		return nil, err
	}
	if cmd == nil {
		return nil, commands.ErrNotFound
	}
	switch cmd.Status {
	case commands.StatusFailed, commands.StatusTimeout, commands.StatusExpired:
	default:
		return nil, commands.ErrNotRetryable
	}

	from := cmd.Status
	now := d.clock()
	cmd.Status = commands.StatusPending
	cmd.RetryCount = 0
	cmd.ErrorMessage = ""
	cmd.SentAt = time.Time{}
	cmd.FailedAt = time.Time{}
	if err := d.repo.Update(ctx, cmd); err != nil {
		return nil, err
	}
	d.publishStatus(ctx, cmd, from, commands.StatusPending, now)
	d.queue.Push(commands.QueueEntry{
		CommandID:   cmd.ID,
		DeviceID:    cmd.DeviceID,
		Priority:    cmd.Priority,
		ScheduledAt: now,
	})
	return cmd, nil
}

func (d *Dispatcher) dispatchDevice(ctx context.Context, deviceID int64, now time.Time) {
	entry := d.queue.PopReady(deviceID, now)
	if entry == nil {
		return
	}
	started := d.clock()
	defer func() { metrics.ObserveDispatch(d.clock().Sub(started)) }()

	cmd, err := d.repo.GetByID(ctx, entry.CommandID)
	if err != nil {
		// Repository failure: leave the entry queued for the next pass.
		entry.NextAttemptAt = now.Add(d.cfg.InitialBackoff)
		d.queue.Push(*entry)
		d.logger.Printf("dispatcher: load command %s: %v", entry.CommandID, err)
		return
	}
	if cmd == nil || cmd.Status != commands.StatusPending {
		// Cancelled or already terminal; the entry is simply dropped.
		return
	}
	if cmd.Expired(now) {
		// Expiration wins over dispatch: the command is never encoded.
		if err := d.transition(ctx, cmd, commands.StatusExpired, now, "expired before dispatch"); err != nil {
			d.logger.Printf("dispatcher: expire %s: %v", cmd.ID, err)
		}
		return
	}

	device, err := d.devices.GetByID(ctx, cmd.DeviceID)
	if err != nil || device == nil {
		d.retryOrFail(ctx, cmd, entry, now, fmt.Errorf("device %d unavailable", cmd.DeviceID))
		return
	}
	codec, ok := d.registry.Get(device.Protocol)
	if !ok {
		d.fail(ctx, cmd, now, fmt.Sprintf("no codec for protocol %q", device.Protocol))
		return
	}

	payload, err := codec.Encode(cmd, device)
	if err != nil {
		if errors.Is(err, protocol.ErrUnsupportedCommand) {
			// Deterministic: no amount of retrying makes the type encodable.
			d.fail(ctx, cmd, now, err.Error())
			return
		}
		d.retryOrFail(ctx, cmd, entry, now, err)
		return
	}
	cmd.RawCommand = string(payload)

	if err := d.sender.Send(ctx, cmd.DeviceID, payload); err != nil {
		d.retryOrFail(ctx, cmd, entry, now, err)
		return
	}

	cmd.RetryCount = entry.Attempts + 1
	if err := d.transition(ctx, cmd, commands.StatusSent, now, ""); err != nil {
		d.logger.Printf("dispatcher: mark sent %s: %v", cmd.ID, err)
		return
	}

	if codec.SupportsAck() {
		d.mu.Lock()
		d.inflight[cmd.DeviceID] = inflightCommand{commandID: cmd.ID, deadline: now.Add(d.cfg.AckTimeout)}
		d.mu.Unlock()
		return
	}
	// Without an ack channel a successful transmission is the best evidence
	// of delivery the protocol can give.
	if err := d.transition(ctx, cmd, commands.StatusDelivered, now, ""); err != nil {
		d.logger.Printf("dispatcher: mark delivered %s: %v", cmd.ID, err)
	}
}

// retryOrFail applies the backoff policy: the command stays PENDING until
// attempts exceed MaxRetries, then fails terminally.
func (d *Dispatcher) retryOrFail(ctx context.Context, cmd *commands.Command, entry *commands.QueueEntry, now time.Time, cause error) {
	entry.Attempts++
	cmd.RetryCount = entry.Attempts
	if entry.Attempts > cmd.MaxRetries {
		d.fail(ctx, cmd, now, cause.Error())
		return
	}
	cmd.ErrorMessage = cause.Error()
	if err := d.repo.Update(ctx, cmd); err != nil {
		d.logger.Printf("dispatcher: update %s: %v", cmd.ID, err)
	}
	entry.NextAttemptAt = now.Add(d.backoff(entry.Attempts))
	d.queue.Push(*entry)
}

func (d *Dispatcher) fail(ctx context.Context, cmd *commands.Command, now time.Time, message string) {
	if err := d.transition(ctx, cmd, commands.StatusFailed, now, message); err != nil {
		d.logger.Printf("dispatcher: mark failed %s: %v", cmd.ID, err)
	}
}

func (d *Dispatcher) sweepTimeouts(ctx context.Context, now time.Time) {
	d.mu.Lock()
	var expired []inflightCommand
	for deviceID, inflight := range d.inflight {
		if now.After(inflight.deadline) {
			expired = append(expired, inflight)
			delete(d.inflight, deviceID)
		}
	}
	d.mu.Unlock()

	for _, inflight := range expired {
		cmd, err := d.repo.GetByID(ctx, inflight.commandID)
		if err != nil || cmd == nil || cmd.Status != commands.StatusSent {
			continue
		}
		if err := d.transition(ctx, cmd, commands.StatusTimeout, now, "no acknowledgment before timeout"); err != nil {
			d.logger.Printf("dispatcher: timeout %s: %v", cmd.ID, err)
		}
	}
}

func (d *Dispatcher) hasInflight(deviceID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inflight[deviceID]
	return ok
}

// transition applies one state machine step, persists it, broadcasts it and
// records a commandResult event on terminal states.
func (d *Dispatcher) transition(ctx context.Context, cmd *commands.Command, to commands.Status, now time.Time, message string) error {
	from := cmd.Status
	if !commands.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", commands.ErrTransition, from, to)
	}
	cmd.Status = to
	switch to {
	case commands.StatusSent:
		cmd.SentAt = now
	case commands.StatusDelivered:
		cmd.DeliveredAt = now
	case commands.StatusExecuted:
		cmd.ExecutedAt = now
	case commands.StatusFailed, commands.StatusTimeout, commands.StatusCancelled, commands.StatusExpired:
		cmd.FailedAt = now
		cmd.ErrorMessage = message
	}
	if err := d.repo.Update(ctx, cmd); err != nil {
		// Persistence failed: the command keeps its prior state and the
		// caller decides whether to retry.
		cmd.Status = from
		return err
	}

	d.publishStatus(ctx, cmd, from, to, now)

	if to.Terminal() {
		metrics.IncCommandResult(string(to))
		d.recordResultEvent(ctx, cmd, now)
	}
	return nil
}

func (d *Dispatcher) publishStatus(ctx context.Context, cmd *commands.Command, from, to commands.Status, now time.Time) {
	err := d.bus.Publish(ctx, cmdevents.CommandStatusChanged{
		Command: *cmd,
		From:    from,
		To:      to,
		At:      now,
	})
	if err != nil {
		d.logger.Printf("dispatcher: publish status %s: %v", cmd.ID, err)
	}
}

func (d *Dispatcher) recordResultEvent(ctx context.Context, cmd *commands.Command, now time.Time) {
	attrs := map[string]string{
		"commandId":   cmd.ID,
		"commandType": string(cmd.Type),
		"status":      string(cmd.Status),
		"retries":     strconv.Itoa(cmd.RetryCount),
	}
	if cmd.ErrorMessage != "" {
		attrs["error"] = cmd.ErrorMessage
	}
	event := &eventsdomain.Event{
		DeviceID:   cmd.DeviceID,
		Type:       eventsdomain.TypeCommandResult,
		ServerTime: now,
		Attributes: attrs,
	}
	if err := d.events.Insert(ctx, event); err != nil {
		d.logger.Printf("dispatcher: record result event %s: %v", cmd.ID, err)
		return
	}
	metrics.IncEventsRecorded(string(event.Type))
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.cfg.InitialBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= d.cfg.MaxBackoff {
			return d.cfg.MaxBackoff
		}
	}
	return delay
}

// WithClock overrides the dispatcher clock. Test hook.
func (d *Dispatcher) WithClock(clock func() time.Time) *Dispatcher {
	if clock != nil {
		d.clock = clock
	}
	return d
}
