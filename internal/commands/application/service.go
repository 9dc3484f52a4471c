package application

import (
	"context"
	"errors"
	"strconv"
	"time"

	cmdevents "github.com/vcsantana/rastreio-new-trac-sub000/internal/commands/application/events"
	commands "github.com/vcsantana/rastreio-new-trac-sub000/internal/commands/domain"
	devices "github.com/vcsantana/rastreio-new-trac-sub000/internal/devices/domain"
	"github.com/vcsantana/rastreio-new-trac-sub000/internal/eventing"
	"github.com/vcsantana/rastreio-new-trac-sub000/internal/observability/metrics"
)

// DefaultMaxRetries bounds redelivery attempts when the request leaves the
// budget unset.
const DefaultMaxRetries = 3

// IssueRequest represents a command issue request.
type IssueRequest struct {
	DeviceID   int64             `json:"device_id"`
	UserID     string            `json:"user_id"`
	Type       string            `json:"type"`
	Priority   string            `json:"priority"`
	Parameters map[string]string `json:"parameters"`
	MaxRetries *int              `json:"max_retries"`
	ExpiresAt  time.Time         `json:"expires_at"`
}

// Service handles command issuance and queries. Delivery itself is the
// dispatcher's job.
type Service struct {
	repo       commands.CommandRepository
	devices    devices.DeviceRepository
	dispatcher *Dispatcher
	bus        eventing.Bus
	clock      func() time.Time
}

// NewService constructs a command service.
func NewService(repo commands.CommandRepository, deviceRepo devices.DeviceRepository, dispatcher *Dispatcher, bus eventing.Bus) (*Service, error) {
	if repo == nil {
		return nil, errors.New("commands: nil repo")
	}
	if deviceRepo == nil {
		return nil, errors.New("commands: nil device repo")
	}
	if dispatcher == nil {
		return nil, errors.New("commands: nil dispatcher")
	}
	if bus == nil {
		return nil, errors.New("commands: nil bus")
	}
	return &Service{
		repo:       repo,
		devices:    deviceRepo,
		dispatcher: dispatcher,
		bus:        bus,
		clock:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// IssueCommand validates and persists a new command, places it on its device
// queue and announces the initial PENDING state.
func (s *Service) IssueCommand(ctx context.Context, req IssueRequest) (*commands.Command, error) {
	if err := validateIssue(req); err != nil {
		return nil, err
	}
	device, err := s.devices.GetByID(ctx, req.DeviceID)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, devices.ErrNotFound
	}

	now := s.clock()
	maxRetries := DefaultMaxRetries
	if req.MaxRetries != nil && *req.MaxRetries >= 0 {
		maxRetries = *req.MaxRetries
	}
	cmd := &commands.Command{
		ID:         "cmd-" + eventing.NewID(),
		DeviceID:   req.DeviceID,
		UserID:     req.UserID,
		Type:       commands.Type(req.Type),
		Priority:   commands.ParsePriority(req.Priority),
		Status:     commands.StatusPending,
		Parameters: req.Parameters,
		MaxRetries: maxRetries,
		ExpiresAt:  req.ExpiresAt,
		CreatedAt:  now,
	}
	if err := s.repo.Create(ctx, cmd); err != nil {
		return nil, err
	}
	metrics.IncCommandIssued()

	s.dispatcher.Enqueue(cmd)
	_ = s.bus.Publish(ctx, cmdevents.CommandStatusChanged{
		Command: *cmd,
		To:      commands.StatusPending,
		At:      now,
	})
	return cmd, nil
}

// GetCommand loads a single command.
func (s *Service) GetCommand(ctx context.Context, id string) (*commands.Command, error) {
	if id == "" {
		return nil, errors.New("commands: id required")
	}
	cmd, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if cmd == nil {
		return nil, commands.ErrNotFound
	}
	return cmd, nil
}

// ListCommands returns commands matching the filter.
func (s *Service) ListCommands(ctx context.Context, filter commands.Filter) ([]commands.Command, error) {
	return s.repo.List(ctx, filter)
}

// CancelCommand cancels a pending command.
func (s *Service) CancelCommand(ctx context.Context, id string) (*commands.Command, error) {
	if id == "" {
		return nil, errors.New("commands: id required")
	}
	return s.dispatcher.CancelCommand(ctx, id)
}

// RetryCommand re-arms a terminally failed command.
func (s *Service) RetryCommand(ctx context.Context, id string) (*commands.Command, error) {
	if id == "" {
		return nil, errors.New("commands: id required")
	}
	return s.dispatcher.RetryCommand(ctx, id)
}

// QueueSnapshot exposes pending queue entries for inspection. A zero
// deviceID returns entries across all devices.
func (s *Service) QueueSnapshot(deviceID int64) []commands.QueueEntry {
	return s.dispatcher.Snapshot(deviceID)
}

func validateIssue(req IssueRequest) error {
	if req.DeviceID <= 0 {
		return errors.New("commands: device_id required")
	}
	if req.Type == "" {
		return errors.New("commands: type required")
	}
	if !commands.Type(req.Type).Valid() {
		return errors.New("commands: unknown type " + strconv.Quote(req.Type))
	}
	return nil
}
