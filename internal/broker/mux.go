package broker

import (
	"context"
	"fmt"
	"sync"
)

// Mux routes requests to a Dispatcher by kind.
type Mux struct {
	mu       sync.RWMutex
	handlers map[Kind]Dispatcher
}

// NewMux returns an empty Mux.
func NewMux() *Mux {
	return &Mux{handlers: make(map[Kind]Dispatcher)}
}

// Handle registers d for kind, replacing any previous registration.
func (m *Mux) Handle(kind Kind, d Dispatcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[kind] = d
}

// HandleFunc registers f for kind.
func (m *Mux) HandleFunc(kind Kind, f func(ctx context.Context, req *Request) (any, error)) {
	m.Handle(kind, DispatcherFunc(f))
}

// Handles reports whether a dispatcher is registered for kind.
func (m *Mux) Handles(kind Kind) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.handlers[kind]
	return ok
}

// Dispatch implements Dispatcher.
func (m *Mux) Dispatch(ctx context.Context, req *Request) (any, error) {
	m.mu.RLock()
	d, ok := m.handlers[req.Kind]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoDispatcher, req.Kind)
	}
	return d.Dispatch(ctx, req)
}
