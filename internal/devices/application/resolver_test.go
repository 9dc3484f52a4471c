package application

import (
	"context"
	"sync"
	"testing"
	"time"

	devices "github.com/vcsantana/rastreio-new-trac-sub000/internal/devices/domain"
	"github.com/vcsantana/rastreio-new-trac-sub000/internal/protocol"
)

type stubDeviceRepo struct {
	mu      sync.Mutex
	byExtID map[string]devices.Device
	updates []string
}

func (r *stubDeviceRepo) GetByID(_ context.Context, id int64) (*devices.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, device := range r.byExtID {
		if device.ID == id {
			out := device
			return &out, nil
		}
	}
	return nil, nil
}

func (r *stubDeviceRepo) FindByExternalID(_ context.Context, externalID string) (*devices.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	device, ok := r.byExtID[externalID]
	if !ok {
		return nil, nil
	}
	out := device
	return &out, nil
}

func (r *stubDeviceRepo) UpdateStatus(_ context.Context, id int64, status string, lastUpdate time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, device := range r.byExtID {
		if device.ID == id {
			device.Status = status
			device.LastUpdate = lastUpdate
			r.byExtID[key] = device
		}
	}
	r.updates = append(r.updates, status)
	return nil
}

func (r *stubDeviceRepo) UpdateDerivedState(context.Context, int64, bool, bool) error {
	return nil
}

func (r *stubDeviceRepo) ListByStatus(context.Context, string) ([]devices.Device, error) {
	return nil, nil
}

type stubUnknownRepo struct {
	mu      sync.Mutex
	records map[string]devices.UnknownDevice
	nextID  int64
}

func (r *stubUnknownRepo) Upsert(_ context.Context, record *devices.UnknownDevice) (*devices.UnknownDevice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.records == nil {
		r.records = make(map[string]devices.UnknownDevice)
	}
	key := record.ExternalID + "/" + record.Protocol
	existing, ok := r.records[key]
	if !ok {
		r.nextID++
		stored := *record
		stored.ID = r.nextID
		r.records[key] = stored
		out := stored
		return &out, nil
	}
	existing.LastSeen = record.LastSeen
	existing.ClientAddress = record.ClientAddress
	existing.ConnectionCount++
	r.records[key] = existing
	out := existing
	return &out, nil
}

func (r *stubUnknownRepo) List(context.Context, int) ([]devices.UnknownDevice, error) {
	return nil, nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func TestResolveRegisteredDevice(t *testing.T) {
	deviceRepo := &stubDeviceRepo{byExtID: map[string]devices.Device{
		"907126119": {ID: 1, ExternalID: "907126119", Protocol: "suntech", Status: devices.StatusOffline},
	}}
	unknownRepo := &stubUnknownRepo{}
	now := time.Date(2025, 9, 8, 12, 0, 0, 0, time.UTC)
	resolver, err := NewResolver(deviceRepo, unknownRepo, WithClock(fixedClock{now: now}))
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}

	resolution, err := resolver.Resolve(context.Background(), "907126119", protocol.ClientInfo{Protocol: "suntech"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolution.Device == nil || resolution.Unknown != nil {
		t.Fatalf("expected device resolution, got %+v", resolution)
	}
	// The snapshot must carry the state before the online side effect.
	if resolution.Device.Status != devices.StatusOffline {
		t.Fatalf("expected pre-update snapshot, got %s", resolution.Device.Status)
	}
	stored, _ := deviceRepo.FindByExternalID(context.Background(), "907126119")
	if stored.Status != devices.StatusOnline {
		t.Fatalf("expected device marked online, got %s", stored.Status)
	}
	if !stored.LastUpdate.Equal(now) {
		t.Fatalf("expected last update %v, got %v", now, stored.LastUpdate)
	}
}

func TestResolveUnknownDevice(t *testing.T) {
	deviceRepo := &stubDeviceRepo{byExtID: map[string]devices.Device{}}
	unknownRepo := &stubUnknownRepo{}
	resolver, err := NewResolver(deviceRepo, unknownRepo)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	client := protocol.ClientInfo{Protocol: "suntech", RemoteAddr: "10.0.0.9:41022", Port: 5011}

	first, err := resolver.Resolve(context.Background(), "555000111", client)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if first.Unknown == nil || first.Device != nil {
		t.Fatalf("expected unknown resolution, got %+v", first)
	}
	if first.Unknown.ConnectionCount != 1 {
		t.Fatalf("expected first contact, got %d", first.Unknown.ConnectionCount)
	}

	second, err := resolver.Resolve(context.Background(), "555000111", client)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if second.Unknown.ConnectionCount != 2 {
		t.Fatalf("expected repeat contact counted, got %d", second.Unknown.ConnectionCount)
	}
	if second.Unknown.ID != first.Unknown.ID {
		t.Fatalf("expected same record, got %d vs %d", second.Unknown.ID, first.Unknown.ID)
	}
}

func TestResolveEmptyID(t *testing.T) {
	resolver, err := NewResolver(&stubDeviceRepo{byExtID: map[string]devices.Device{}}, &stubUnknownRepo{})
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	if _, err := resolver.Resolve(context.Background(), "", protocol.ClientInfo{}); err == nil {
		t.Fatalf("expected error for empty external id")
	}
}
