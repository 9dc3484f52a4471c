package protocol

import (
	"strings"
	"testing"

	commands "github.com/vcsantana/rastreio-new-trac-sub000/internal/commands/domain"
	devices "github.com/vcsantana/rastreio-new-trac-sub000/internal/devices/domain"
)

type namedCodec struct{ name string }

func (c namedCodec) Name() string { return c.name }

func (c namedCodec) Decode([]byte, ClientInfo) ([]PositionDraft, error) { return nil, nil }

func (c namedCodec) Encode(*commands.Command, *devices.Device) ([]byte, error) {
	return nil, ErrUnsupportedCommand
}

func (c namedCodec) SupportsAck() bool { return false }

func TestRegistryLookup(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(namedCodec{name: "suntech"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	codec, ok := registry.Get("suntech")
	if !ok || codec.Name() != "suntech" {
		t.Fatalf("expected suntech codec, got %v %v", codec, ok)
	}
	if _, ok := registry.Get("gt06"); ok {
		t.Fatalf("unexpected codec for unregistered name")
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(namedCodec{name: "osmand"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := registry.Register(namedCodec{name: "osmand"})
	if err == nil || !strings.Contains(err.Error(), "already registered") {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestRegistryRejectsUnnamed(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(namedCodec{}); err == nil {
		t.Fatalf("expected error for unnamed codec")
	}
	if err := registry.Register(nil); err == nil {
		t.Fatalf("expected error for nil codec")
	}
}

func TestRegistryNamesSorted(t *testing.T) {
	registry := NewRegistry()
	for _, name := range []string{"suntech", "osmand", "owntracks"} {
		if err := registry.Register(namedCodec{name: name}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	names := registry.Names()
	want := []string{"osmand", "owntracks", "suntech"}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, names)
		}
	}
}
