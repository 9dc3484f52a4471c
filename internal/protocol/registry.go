package protocol

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is a lookup table of codecs keyed by protocol name. Codecs are
// registered at startup; lookups after that are read-only.
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{codecs: make(map[string]Codec)}
}

// Register adds a codec under its name. Registering the same name twice is a
// wiring mistake and returns an error.
func (r *Registry) Register(codec Codec) error {
	if codec == nil || codec.Name() == "" {
		return fmt.Errorf("protocol: cannot register unnamed codec")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.codecs[codec.Name()]; exists {
		return fmt.Errorf("protocol: codec %q already registered", codec.Name())
	}
	r.codecs[codec.Name()] = codec
	return nil
}

// Get returns the codec for a protocol name.
func (r *Registry) Get(name string) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	codec, ok := r.codecs[name]
	return codec, ok
}

// Names returns registered protocol names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.codecs))
	for name := range r.codecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
