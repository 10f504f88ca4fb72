package sessions

import (
	"errors"
	"sync"
)

var (
	// ErrSessionExists reports an attempt to register an id twice. Overwriting
	// a live transport is a bug condition, not a supported operation.
	ErrSessionExists = errors.New("session already registered")
	// ErrSessionNotFound reports a lookup miss.
	ErrSessionNotFound = errors.New("session not found")
)

// Registry maps session identifiers to their open transports. At most one
// transport is registered per identifier at any time.
type Registry struct {
	mu         sync.RWMutex
	transports map[string]*Transport
}

func NewRegistry() *Registry {
	return &Registry{transports: make(map[string]*Transport)}
}

// Register binds id to t. It fails with ErrSessionExists if id is taken.
func (r *Registry) Register(id string, t *Transport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.transports[id]; ok {
		return ErrSessionExists
	}
	r.transports[id] = t
	return nil
}

// Lookup returns the transport bound to id.
func (r *Registry) Lookup(id string) (*Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transports[id]
	return t, ok
}

// Remove unbinds id. Removing an absent id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.transports, id)
}

// Len reports the number of active sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.transports)
}

// CloseAll closes every registered transport. Used during shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	transports := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.mu.Unlock()

	// Close outside the lock: each close callback re-enters Remove.
	for _, t := range transports {
		t.Close()
	}
}
