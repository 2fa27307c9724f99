package breaker

import (
	"sync"

	"go.uber.org/zap"
)

// Registry lazily creates one breaker per exchange
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	logger   *zap.Logger
	breakers map[string]*CircuitBreaker
}

// NewRegistry creates a registry sharing one config
func NewRegistry(cfg Config, logger *zap.Logger) *Registry {
	return &Registry{cfg: cfg, logger: logger, breakers: make(map[string]*CircuitBreaker)}
}

// Get returns the breaker for an exchange
func (r *Registry) Get(exchangeID string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.breakers[exchangeID]
	if !ok {
		cb = New(exchangeID, r.cfg, r.logger)
		r.breakers[exchangeID] = cb
	}
	return cb
}

// States returns a snapshot of every breaker created so far
func (r *Registry) States() []CircuitState {
	r.mu.Lock()
	list := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		list = append(list, cb)
	}
	r.mu.Unlock()

	out := make([]CircuitState, 0, len(list))
	for _, cb := range list {
		out = append(out, cb.State())
	}
	return out
}
