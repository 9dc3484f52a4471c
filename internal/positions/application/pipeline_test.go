package application

import (
	"context"
	"sync"
	"testing"
	"time"

	devapp "github.com/vcsantana/rastreio-new-trac-sub000/internal/devices/application"
	devices "github.com/vcsantana/rastreio-new-trac-sub000/internal/devices/domain"
	"github.com/vcsantana/rastreio-new-trac-sub000/internal/eventing"
	rules "github.com/vcsantana/rastreio-new-trac-sub000/internal/events/application"
	eventsdomain "github.com/vcsantana/rastreio-new-trac-sub000/internal/events/domain"
	posevents "github.com/vcsantana/rastreio-new-trac-sub000/internal/positions/application/events"
	positions "github.com/vcsantana/rastreio-new-trac-sub000/internal/positions/domain"
	"github.com/vcsantana/rastreio-new-trac-sub000/internal/protocol"
)

type fakeDeviceRepo struct {
	mu   sync.Mutex
	byID map[int64]devices.Device
}

func (r *fakeDeviceRepo) GetByID(_ context.Context, id int64) (*devices.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	device, ok := r.byID[id]
	if !ok {
		return nil, nil
	}
	out := device
	return &out, nil
}

func (r *fakeDeviceRepo) FindByExternalID(_ context.Context, externalID string) (*devices.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, device := range r.byID {
		if device.ExternalID == externalID {
			out := device
			return &out, nil
		}
	}
	return nil, nil
}

func (r *fakeDeviceRepo) UpdateStatus(_ context.Context, id int64, status string, lastUpdate time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	device := r.byID[id]
	device.Status = status
	device.LastUpdate = lastUpdate
	r.byID[id] = device
	return nil
}

func (r *fakeDeviceRepo) UpdateDerivedState(_ context.Context, id int64, motion, overspeed bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	device := r.byID[id]
	device.MotionState = motion
	device.Overspeed = overspeed
	r.byID[id] = device
	return nil
}

func (r *fakeDeviceRepo) ListByStatus(_ context.Context, status string) ([]devices.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []devices.Device
	for _, device := range r.byID {
		if device.Status == status {
			out = append(out, device)
		}
	}
	return out, nil
}

type fakeUnknownRepo struct {
	mu     sync.Mutex
	nextID int64
	count  int
}

func (r *fakeUnknownRepo) Upsert(_ context.Context, record *devices.UnknownDevice) (*devices.UnknownDevice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.count++
	stored := *record
	stored.ID = r.nextID
	return &stored, nil
}

func (r *fakeUnknownRepo) List(context.Context, int) ([]devices.UnknownDevice, error) {
	return nil, nil
}

type fakePositionRepo struct {
	mu     sync.Mutex
	nextID int64
	rows   []positions.Position
}

func (r *fakePositionRepo) Insert(_ context.Context, position *positions.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	position.ID = r.nextID
	r.rows = append(r.rows, *position)
	return nil
}

func (r *fakePositionRepo) ListByDevice(context.Context, int64, time.Time, time.Time) ([]positions.Position, error) {
	return nil, nil
}

func (r *fakePositionRepo) last(t *testing.T) positions.Position {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.rows) == 0 {
		t.Fatalf("no positions stored")
	}
	return r.rows[len(r.rows)-1]
}

type fakeEventRepo struct {
	mu     sync.Mutex
	events []eventsdomain.Event
}

func (r *fakeEventRepo) Insert(_ context.Context, event *eventsdomain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *event)
	return nil
}

func (r *fakeEventRepo) ListByDevice(context.Context, int64, time.Time, time.Time) ([]eventsdomain.Event, error) {
	return nil, nil
}

func (r *fakeEventRepo) types() []eventsdomain.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]eventsdomain.Type, 0, len(r.events))
	for _, event := range r.events {
		out = append(out, event.Type)
	}
	return out
}

type pipelineFixture struct {
	pipeline  *Pipeline
	devices   *fakeDeviceRepo
	unknown   *fakeUnknownRepo
	positions *fakePositionRepo
	events    *fakeEventRepo
	bus       *eventing.InMemoryBus
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	deviceRepo := &fakeDeviceRepo{byID: map[int64]devices.Device{
		1: {ID: 1, ExternalID: "907126119", Protocol: "suntech", Status: devices.StatusOffline},
	}}
	unknownRepo := &fakeUnknownRepo{}
	resolver, err := devapp.NewResolver(deviceRepo, unknownRepo)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	positionRepo := &fakePositionRepo{}
	eventRepo := &fakeEventRepo{}
	bus := eventing.NewInMemoryBus()
	pipeline, err := NewPipeline(resolver, positionRepo, deviceRepo, eventRepo, rules.NewEngine(nil), bus, nil)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return &pipelineFixture{
		pipeline:  pipeline,
		devices:   deviceRepo,
		unknown:   unknownRepo,
		positions: positionRepo,
		events:    eventRepo,
		bus:       bus,
	}
}

func draft(externalID string) protocol.PositionDraft {
	return protocol.PositionDraft{
		ExternalID: externalID,
		DeviceTime: time.Date(2025, 9, 8, 12, 44, 33, 0, time.UTC),
		Valid:      true,
		Latitude:   -3.843813,
		Longitude:  -38.615475,
		Attributes: positions.NewAttributes(),
	}
}

func TestIngestRegisteredDevice(t *testing.T) {
	f := newPipelineFixture(t)

	var published []posevents.PositionStored
	f.bus.Subscribe(eventing.EventTypeOf[posevents.PositionStored](), func(_ context.Context, event any) error {
		published = append(published, event.(posevents.PositionStored))
		return nil
	})

	deviceID, err := f.pipeline.Ingest(context.Background(), "suntech",
		[]protocol.PositionDraft{draft("907126119")}, protocol.ClientInfo{Protocol: "suntech"})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if deviceID != 1 {
		t.Fatalf("expected resolved device 1, got %d", deviceID)
	}

	stored := f.positions.last(t)
	if stored.DeviceID != 1 || stored.UnknownDeviceID != 0 {
		t.Fatalf("expected position bound to device 1, got %+v", stored)
	}
	if stored.Protocol != "suntech" {
		t.Fatalf("expected protocol stamped, got %s", stored.Protocol)
	}
	if stored.ServerTime.IsZero() {
		t.Fatalf("expected server time stamped")
	}

	// Offline snapshot plus first position must derive deviceOnline.
	found := false
	for _, eventType := range f.events.types() {
		if eventType == eventsdomain.TypeDeviceOnline {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected deviceOnline event, got %v", f.events.types())
	}
	if len(published) != 1 || published[0].DeviceID != 1 {
		t.Fatalf("expected 1 broadcast with device id, got %+v", published)
	}
}

func TestIngestUnknownDevice(t *testing.T) {
	f := newPipelineFixture(t)

	deviceID, err := f.pipeline.Ingest(context.Background(), "suntech",
		[]protocol.PositionDraft{draft("555000111")}, protocol.ClientInfo{Protocol: "suntech", Port: 5011})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if deviceID != 0 {
		t.Fatalf("expected no registered device, got %d", deviceID)
	}

	stored := f.positions.last(t)
	if stored.DeviceID != 0 || stored.UnknownDeviceID == 0 {
		t.Fatalf("expected position bound to unknown record, got %+v", stored)
	}
	if len(f.events.types()) != 0 {
		t.Fatalf("unknown-device traffic must derive no events, got %v", f.events.types())
	}
}

func TestIngestRejectsInvalidDraft(t *testing.T) {
	f := newPipelineFixture(t)
	bad := draft("907126119")
	bad.Latitude = 91

	if _, err := f.pipeline.Ingest(context.Background(), "suntech",
		[]protocol.PositionDraft{bad}, protocol.ClientInfo{}); err == nil {
		t.Fatalf("expected validation error")
	}
	if len(f.positions.rows) != 0 {
		t.Fatalf("invalid draft must not persist")
	}
}

func TestSweepOffline(t *testing.T) {
	f := newPipelineFixture(t)
	f.devices.byID[1] = devices.Device{
		ID:         1,
		ExternalID: "907126119",
		Protocol:   "suntech",
		Status:     devices.StatusOnline,
		LastUpdate: time.Now().UTC().Add(-time.Hour),
	}

	var statusChanges []posevents.DeviceStatusChanged
	f.bus.Subscribe(eventing.EventTypeOf[posevents.DeviceStatusChanged](), func(_ context.Context, event any) error {
		statusChanges = append(statusChanges, event.(posevents.DeviceStatusChanged))
		return nil
	})

	swept, err := f.pipeline.SweepOffline(context.Background(), 10*time.Minute)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 1 {
		t.Fatalf("expected 1 device swept, got %d", swept)
	}
	device, _ := f.devices.GetByID(context.Background(), 1)
	if device.Status != devices.StatusOffline {
		t.Fatalf("expected device offline, got %s", device.Status)
	}
	found := false
	for _, eventType := range f.events.types() {
		if eventType == eventsdomain.TypeDeviceOffline {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected deviceOffline event, got %v", f.events.types())
	}
	if len(statusChanges) != 1 || statusChanges[0].Status != devices.StatusOffline {
		t.Fatalf("expected offline broadcast, got %+v", statusChanges)
	}
}

func TestSweepOfflineKeepsRecentDevices(t *testing.T) {
	f := newPipelineFixture(t)
	f.devices.byID[1] = devices.Device{
		ID:         1,
		Status:     devices.StatusOnline,
		LastUpdate: time.Now().UTC(),
	}

	swept, err := f.pipeline.SweepOffline(context.Background(), 10*time.Minute)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 0 {
		t.Fatalf("expected no devices swept, got %d", swept)
	}
}
