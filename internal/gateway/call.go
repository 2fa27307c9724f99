package gateway

import (
	"context"

	"execution-gateway/internal/exchange"
	"execution-gateway/internal/ratelimit"
)

// call runs fn through the protective layers, retrying retryable failures.
// Each attempt takes a rate-limit token, passes the breaker and gets its own deadline.
func (g *Gateway) call(ctx context.Context, exchangeID, class string, prio ratelimit.Priority, op string, fn func(ctx context.Context) error) error {
	return g.retry.Do(ctx, exchangeID+"."+op, func(ctx context.Context, attempt int) error {
		return g.attempt(ctx, exchangeID, class, prio, op, fn)
	})
}

// attempt is one pass through limiter, breaker and adapter
func (g *Gateway) attempt(ctx context.Context, exchangeID, class string, prio ratelimit.Priority, op string, fn func(ctx context.Context) error) error {
	if err := g.limits.Acquire(ctx, exchangeID, class, prio); err != nil {
		return err
	}

	cb := g.breakers.Get(exchangeID)
	if err := cb.Allow(); err != nil {
		return err
	}

	actx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	err := exchange.Classify(exchangeID, op, fn(actx))
	cb.Record(err)
	g.metrics.AdapterCalls.WithLabelValues(exchangeID, op, resultLabel(err)).Inc()
	return err
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if kind, ok := exchange.KindOf(err); ok {
		return string(kind)
	}
	return "error"
}
