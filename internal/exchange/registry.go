package exchange

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrUnknownExchange   = errors.New("unknown exchange")
	ErrDuplicateExchange = errors.New("exchange already registered")
)

// Registry holds adapters keyed by exchange id
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its ID
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.adapters[a.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateExchange, a.ID())
	}
	r.adapters[a.ID()] = a
	return nil
}

// Adapter returns the adapter for an exchange id
func (r *Registry) Adapter(exchangeID string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[exchangeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExchange, exchangeID)
	}
	return a, nil
}

// IDs returns registered exchange ids, sorted
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Streamers returns adapters that push updates, keyed by exchange id
func (r *Registry) Streamers() map[string]Streamer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Streamer)
	for id, a := range r.adapters {
		if s, ok := a.(Streamer); ok {
			out[id] = s
		}
	}
	return out
}
