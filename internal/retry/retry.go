package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"execution-gateway/internal/exchange"
)

// Policy configures the controller.
type Policy struct {
	MaxRetries          int           // retries after the first attempt
	BaseDelay           time.Duration // first backoff
	MaxDelay            time.Duration // cap per backoff
	RandomizationFactor float64       // jitter, 0..1
	MaxMarketClosedWait time.Duration // longest venue "market opens in" hint worth waiting for
}

// DefaultPolicy returns the production policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:          3,
		BaseDelay:           200 * time.Millisecond,
		MaxDelay:            5 * time.Second,
		RandomizationFactor: 0.5,
		MaxMarketClosedWait: 10 * time.Second,
	}
}

// ExhaustedError is returned when the last attempt failed with a retryable error.
type ExhaustedError struct {
	Op       string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: retries exhausted after %d attempts: %v", e.Op, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Observer is notified before each retry
type Observer func(op string, attempt int, delay time.Duration, err error)

// Controller retries idempotent venue calls with exponential backoff and jitter.
type Controller struct {
	policy   Policy
	logger   *zap.Logger
	observer Observer
	sleep    func(ctx context.Context, d time.Duration) error
}

// New creates a controller.
func New(policy Policy, logger *zap.Logger, observer Observer) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		policy:   policy,
		logger:   logger.Named("retry"),
		observer: observer,
		sleep:    sleepCtx,
	}
}

// Do calls fn until it succeeds, fails with a non-retryable error, or attempts run out.
// fn must be safe to repeat: callers reuse the same client order id on every attempt.
func (c *Controller) Do(ctx context.Context, op string, fn func(ctx context.Context, attempt int) error) error {
	b := c.newBackOff()
	maxAttempts := c.policy.MaxRetries + 1

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryable(err) {
			return err
		}
		if attempt == maxAttempts {
			break
		}

		delay, ok := c.delayFor(err, b)
		if !ok {
			c.logger.Warn("venue hint exceeds wait budget, giving up",
				zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
			return &ExhaustedError{Op: op, Attempts: attempt, Last: err}
		}

		c.logger.Debug("retrying",
			zap.String("op", op), zap.Int("attempt", attempt),
			zap.Duration("delay", delay), zap.Error(err))
		if c.observer != nil {
			c.observer(op, attempt, delay, err)
		}

		if err := c.sleep(ctx, delay); err != nil {
			return fmt.Errorf("%s: retry interrupted: %w", op, errors.Join(err, lastErr))
		}
	}

	c.logger.Warn("retries exhausted",
		zap.String("op", op), zap.Int("attempts", maxAttempts), zap.Error(lastErr))
	return &ExhaustedError{Op: op, Attempts: maxAttempts, Last: lastErr}
}

func (c *Controller) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.policy.BaseDelay
	b.MaxInterval = c.policy.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = c.policy.RandomizationFactor
	b.Reset()
	return b
}

// delayFor combines the backoff schedule with the venue's own hint
func (c *Controller) delayFor(err error, b *backoff.ExponentialBackOff) (time.Duration, bool) {
	delay := b.NextBackOff()
	hint := exchange.RetryAfterOf(err)

	kind, _ := exchange.KindOf(err)
	switch kind {
	case exchange.KindRateLimited:
		if hint > delay {
			delay = hint
		}
	case exchange.KindMarketClosed:
		if hint > c.policy.MaxMarketClosedWait {
			return 0, false
		}
		if hint > delay {
			delay = hint
		}
	}
	return delay, true
}

func retryable(err error) bool {
	kind, ok := exchange.KindOf(err)
	return ok && kind.Retryable()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
