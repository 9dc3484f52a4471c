package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
)

// Listener is one protocol binding with a lifecycle.
type Listener interface {
	Protocol() string
	Port() int
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Manager owns the set of protocol bindings and starts and stops them as a
// group. A binding that fails to start does not prevent the others from
// starting.
type Manager struct {
	logger *log.Logger

	mu        sync.Mutex
	listeners []Listener
	running   bool
}

// NewManager constructs an empty manager.
func NewManager(logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{logger: logger}
}

// Add registers a binding. Bindings added while running are started
// immediately.
func (m *Manager) Add(ctx context.Context, listener Listener) error {
	if listener == nil {
		return errors.New("server: nil listener")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
	if m.running {
		return listener.Start(ctx)
	}
	return nil
}

// StartAll starts every binding. Failures are collected; successfully
// started bindings keep running. Idempotent.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	var errs []error
	for _, listener := range m.listeners {
		if err := listener.Start(ctx); err != nil {
			m.logger.Printf("server: start %s on port %d: %v", listener.Protocol(), listener.Port(), err)
			errs = append(errs, fmt.Errorf("%s: %w", listener.Protocol(), err))
		}
	}
	m.running = true
	return errors.Join(errs...)
}

// StopAll stops every binding, waiting for in-flight work to drain within
// the context deadline. Idempotent.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return nil
	}
	m.running = false
	var errs []error
	for _, listener := range m.listeners {
		if err := listener.Stop(ctx); err != nil {
			m.logger.Printf("server: stop %s: %v", listener.Protocol(), err)
			errs = append(errs, fmt.Errorf("%s: %w", listener.Protocol(), err))
		}
	}
	return errors.Join(errs...)
}
