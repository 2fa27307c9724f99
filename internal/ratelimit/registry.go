package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Registry holds one limiter per (exchange, endpoint class)
type Registry struct {
	mu       sync.Mutex
	limits   map[string]map[string]Limit // exchange -> class -> limit
	fallback Limit
	limiters map[string]*Limiter
	onWait   func(exchangeID, class string, d time.Duration)
}

// NewRegistry creates a registry. fallback applies to classes without an explicit limit.
func NewRegistry(fallback Limit, onWait func(exchangeID, class string, d time.Duration)) *Registry {
	return &Registry{
		limits:   make(map[string]map[string]Limit),
		fallback: fallback,
		limiters: make(map[string]*Limiter),
		onWait:   onWait,
	}
}

// Configure sets the limit for an exchange endpoint class. Must be called before first use.
func (r *Registry) Configure(exchangeID, class string, limit Limit) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.limits[exchangeID]
	if !ok {
		m = make(map[string]Limit)
		r.limits[exchangeID] = m
	}
	m[class] = limit
}

// Get returns the limiter for an exchange endpoint class
func (r *Registry) Get(exchangeID, class string) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := exchangeID + "/" + class
	l, ok := r.limiters[key]
	if ok {
		return l
	}
	limit, ok := r.limits[exchangeID][class]
	if !ok {
		limit = r.fallback
	}
	l = NewLimiter(limit)
	if r.onWait != nil {
		l.OnWait = func(d time.Duration) { r.onWait(exchangeID, class, d) }
	}
	r.limiters[key] = l
	return l
}

// Acquire is shorthand for Get(exchangeID, class).Acquire(ctx, p)
func (r *Registry) Acquire(ctx context.Context, exchangeID, class string, p Priority) error {
	return r.Get(exchangeID, class).Acquire(ctx, p)
}
