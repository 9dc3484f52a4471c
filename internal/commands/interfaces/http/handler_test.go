package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vcsantana/rastreio-new-trac-sub000/internal/audit"
	commandsapp "github.com/vcsantana/rastreio-new-trac-sub000/internal/commands/application"
	commands "github.com/vcsantana/rastreio-new-trac-sub000/internal/commands/domain"
	devices "github.com/vcsantana/rastreio-new-trac-sub000/internal/devices/domain"
	"github.com/vcsantana/rastreio-new-trac-sub000/internal/eventing"
	eventsdomain "github.com/vcsantana/rastreio-new-trac-sub000/internal/events/domain"
	"github.com/vcsantana/rastreio-new-trac-sub000/internal/protocol"
)

type memCommandRepo struct {
	mu   sync.Mutex
	byID map[string]commands.Command
}

func (r *memCommandRepo) Create(_ context.Context, cmd *commands.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[cmd.ID] = *cmd
	return nil
}

func (r *memCommandRepo) GetByID(_ context.Context, id string) (*commands.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.byID[id]
	if !ok {
		return nil, nil
	}
	out := stored
	return &out, nil
}

func (r *memCommandRepo) Update(_ context.Context, cmd *commands.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[cmd.ID] = *cmd
	return nil
}

func (r *memCommandRepo) List(_ context.Context, _ commands.Filter) ([]commands.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]commands.Command, 0, len(r.byID))
	for _, cmd := range r.byID {
		out = append(out, cmd)
	}
	return out, nil
}

type memDeviceRepo struct{ byID map[int64]devices.Device }

func (r memDeviceRepo) GetByID(_ context.Context, id int64) (*devices.Device, error) {
	device, ok := r.byID[id]
	if !ok {
		return nil, nil
	}
	return &device, nil
}

func (r memDeviceRepo) FindByExternalID(_ context.Context, externalID string) (*devices.Device, error) {
	for _, device := range r.byID {
		if device.ExternalID == externalID {
			out := device
			return &out, nil
		}
	}
	return nil, nil
}

func (r memDeviceRepo) UpdateStatus(context.Context, int64, string, time.Time) error { return nil }

func (r memDeviceRepo) UpdateDerivedState(context.Context, int64, bool, bool) error { return nil }

func (r memDeviceRepo) ListByStatus(context.Context, string) ([]devices.Device, error) {
	return nil, nil
}

type memEventRepo struct{}

func (memEventRepo) Insert(context.Context, *eventsdomain.Event) error { return nil }

func (memEventRepo) ListByDevice(context.Context, int64, time.Time, time.Time) ([]eventsdomain.Event, error) {
	return nil, nil
}

type nullSender struct{}

func (nullSender) Send(context.Context, int64, []byte) error {
	return commandsapp.ErrNoActiveChannel
}

type nullCodec struct{}

func (nullCodec) Name() string { return "stub" }

func (nullCodec) Decode([]byte, protocol.ClientInfo) ([]protocol.PositionDraft, error) {
	return nil, nil
}

func (nullCodec) Encode(*commands.Command, *devices.Device) ([]byte, error) {
	return nil, protocol.ErrUnsupportedCommand
}

func (nullCodec) SupportsAck() bool { return false }

type memAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (a *memAudit) Log(_ context.Context, entry audit.Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return nil
}

func newTestHandler(t *testing.T) (*Handler, *memCommandRepo, *memAudit) {
	t.Helper()
	repo := &memCommandRepo{byID: make(map[string]commands.Command)}
	deviceRepo := memDeviceRepo{byID: map[int64]devices.Device{
		1: {ID: 1, ExternalID: "907126119", Protocol: "stub"},
	}}
	registry := protocol.NewRegistry()
	if err := registry.Register(nullCodec{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	bus := eventing.NewInMemoryBus()
	dispatcher, err := commandsapp.NewDispatcher(
		repo, deviceRepo, registry, nullSender{}, bus, memEventRepo{}, nil,
		commandsapp.DefaultDispatcherConfig(),
	)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	service, err := commandsapp.NewService(repo, deviceRepo, dispatcher, bus)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	auditLog := &memAudit{}
	handler, err := NewHandler(service, auditLog)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return handler, repo, auditLog
}

func serve(handler *Handler, r *http.Request) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	handler.Register(mux)
	resp := httptest.NewRecorder()
	mux.ServeHTTP(resp, r)
	return resp
}

func TestIssueCommandEndpoint(t *testing.T) {
	handler, _, auditLog := newTestHandler(t)

	body := `{"device_id":1,"user_id":"user-7","type":"engineStop","priority":"HIGH"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/commands", strings.NewReader(body))
	resp := serve(handler, req)

	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	var view commandView
	if err := json.Unmarshal(resp.Body.Bytes(), &view); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !strings.HasPrefix(view.ID, "cmd-") {
		t.Fatalf("expected cmd- id, got %s", view.ID)
	}
	if view.Status != string(commands.StatusPending) {
		t.Fatalf("expected PENDING, got %s", view.Status)
	}
	if view.Priority != "HIGH" {
		t.Fatalf("expected HIGH, got %s", view.Priority)
	}

	auditLog.mu.Lock()
	defer auditLog.mu.Unlock()
	if len(auditLog.entries) != 1 || auditLog.entries[0].Action != "command.issue" {
		t.Fatalf("expected command.issue audit entry, got %+v", auditLog.entries)
	}
	if auditLog.entries[0].ResourceID != view.ID {
		t.Fatalf("expected audit entry bound to command, got %+v", auditLog.entries[0])
	}
}

func TestIssueCommandUnknownDevice(t *testing.T) {
	handler, _, _ := newTestHandler(t)
	body := `{"device_id":99,"type":"engineStop"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/commands", strings.NewReader(body))
	if resp := serve(handler, req); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestIssueCommandBadJSON(t *testing.T) {
	handler, _, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/commands", strings.NewReader("{"))
	if resp := serve(handler, req); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestGetCommandEndpoint(t *testing.T) {
	handler, repo, _ := newTestHandler(t)
	repo.byID["cmd-abc"] = commands.Command{
		ID:       "cmd-abc",
		DeviceID: 1,
		Type:     commands.TypeRebootDevice,
		Status:   commands.StatusDelivered,
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/commands/cmd-abc", nil)
	resp := serve(handler, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var view commandView
	if err := json.Unmarshal(resp.Body.Bytes(), &view); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if view.Status != string(commands.StatusDelivered) {
		t.Fatalf("expected DELIVERED, got %s", view.Status)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/commands/cmd-missing", nil)
	if resp := serve(handler, req); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestCancelCommandEndpoint(t *testing.T) {
	handler, repo, auditLog := newTestHandler(t)
	repo.byID["cmd-abc"] = commands.Command{
		ID:       "cmd-abc",
		DeviceID: 1,
		Type:     commands.TypeRebootDevice,
		Status:   commands.StatusPending,
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/commands/cmd-abc/cancel", nil)
	resp := serve(handler, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var view commandView
	if err := json.Unmarshal(resp.Body.Bytes(), &view); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if view.Status != string(commands.StatusCancelled) {
		t.Fatalf("expected CANCELLED, got %s", view.Status)
	}

	// A second cancel hits the already-terminal command.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/commands/cmd-abc/cancel", nil)
	if resp := serve(handler, req); resp.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.Code)
	}

	auditLog.mu.Lock()
	defer auditLog.mu.Unlock()
	if len(auditLog.entries) != 1 || auditLog.entries[0].Action != "command.cancel" {
		t.Fatalf("expected one command.cancel audit entry, got %+v", auditLog.entries)
	}
}

func TestRetryCommandEndpoint(t *testing.T) {
	handler, repo, _ := newTestHandler(t)
	repo.byID["cmd-abc"] = commands.Command{
		ID:       "cmd-abc",
		DeviceID: 1,
		Type:     commands.TypeRebootDevice,
		Status:   commands.StatusFailed,
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/commands/cmd-abc/retry", nil)
	resp := serve(handler, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var view commandView
	if err := json.Unmarshal(resp.Body.Bytes(), &view); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if view.Status != string(commands.StatusPending) {
		t.Fatalf("expected PENDING after retry, got %s", view.Status)
	}

	// Pending commands are not retryable.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/commands/cmd-abc/retry", nil)
	if resp := serve(handler, req); resp.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.Code)
	}
}

func TestQueueEndpoint(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	body := `{"device_id":1,"type":"engineStop"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/commands", strings.NewReader(body))
	if resp := serve(handler, req); resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/commands/queue", nil)
	resp := serve(handler, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var views []queueEntryView
	if err := json.Unmarshal(resp.Body.Bytes(), &views); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(views) != 1 || views[0].DeviceID != 1 {
		t.Fatalf("expected 1 queued entry for device 1, got %+v", views)
	}
}
