package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"execution-gateway/internal/exchange"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing, reject requests
	StateHalfOpen              // Testing recovery with a single trial
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is matched by every *OpenError
var ErrOpen = errors.New("circuit open")

// OpenError is returned without contacting the venue while the circuit is open
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open for %s, retry after %s", e.Name, e.RetryAfter)
}

func (e *OpenError) Is(target error) bool {
	return target == ErrOpen
}

// Config holds configuration for one breaker.
type Config struct {
	FailureThreshold  int           // consecutive failures before opening
	OpenTimeout       time.Duration // time in Open before a trial
	MaxOpenTimeout    time.Duration // cap for escalated open timeout; 0 disables escalation
	TripOnAuthFailure bool

	// OnStateChange is called outside the lock after each transition
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		MaxOpenTimeout:   5 * time.Minute,
	}
}

// CircuitState is a point-in-time view of a breaker
type CircuitState struct {
	Name         string    `json:"name"`
	State        string    `json:"state"`
	FailureCount int       `json:"failure_count"`
	OpenedAt     time.Time `json:"opened_at"`
	OpenTimeout  string    `json:"open_timeout"`
}

// CircuitBreaker isolates one exchange. Thread-safe for concurrent use.
type CircuitBreaker struct {
	name   string
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu            sync.Mutex
	state         State
	failureCount  int
	openedAt      time.Time
	openTimeout   time.Duration
	trialInFlight bool
}

// New creates a new circuit breaker.
func New(name string, cfg Config, logger *zap.Logger) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultConfig().OpenTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{
		name:        name,
		cfg:         cfg,
		logger:      logger.Named("breaker").With(zap.String("exchange", name)),
		now:         time.Now,
		state:       StateClosed,
		openTimeout: cfg.OpenTimeout,
	}
}

// Execute runs fn if the circuit admits it and records the result.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.Record(err)
	return err
}

// Allow reports whether a call may proceed. In HalfOpen only one trial is admitted at a time.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()

	switch cb.state {
	case StateClosed:
		cb.mu.Unlock()
		return nil

	case StateOpen:
		elapsed := cb.now().Sub(cb.openedAt)
		if elapsed < cb.openTimeout {
			retryAfter := cb.openTimeout - elapsed
			cb.mu.Unlock()
			return &OpenError{Name: cb.name, RetryAfter: retryAfter}
		}
		cb.trialInFlight = true
		cb.transition(StateHalfOpen)
		return nil

	default: // StateHalfOpen
		if cb.trialInFlight {
			cb.mu.Unlock()
			return &OpenError{Name: cb.name}
		}
		cb.trialInFlight = true
		cb.mu.Unlock()
		return nil
	}
}

// Record records the result of an admitted call.
func (cb *CircuitBreaker) Record(err error) {
	if errors.Is(err, context.Canceled) {
		cb.releaseTrial()
		return
	}

	cb.mu.Lock()
	if cb.countsAsFailure(err) {
		cb.onFailure()
		return
	}
	cb.onSuccess()
}

func (cb *CircuitBreaker) releaseTrial() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen {
		cb.trialInFlight = false
	}
}

// countsAsFailure: only transport-level conditions trip the circuit; venue answers prove it is reachable
func (cb *CircuitBreaker) countsAsFailure(err error) bool {
	kind, ok := exchange.KindOf(err)
	if !ok {
		return false
	}
	switch kind {
	case exchange.KindNetwork, exchange.KindRateLimited, exchange.KindMarketClosed:
		return true
	case exchange.KindAuthFailure:
		return cb.cfg.TripOnAuthFailure
	}
	return false
}

// onFailure must be called with mu held; it releases mu.
func (cb *CircuitBreaker) onFailure() {
	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.cfg.FailureThreshold {
			cb.openedAt = cb.now()
			cb.transition(StateOpen)
			return
		}
	case StateHalfOpen:
		cb.trialInFlight = false
		if cb.cfg.MaxOpenTimeout > 0 {
			cb.openTimeout *= 2
			if cb.openTimeout > cb.cfg.MaxOpenTimeout {
				cb.openTimeout = cb.cfg.MaxOpenTimeout
			}
		}
		cb.openedAt = cb.now()
		cb.transition(StateOpen)
		return
	}
	cb.mu.Unlock()
}

// onSuccess must be called with mu held; it releases mu.
func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.trialInFlight = false
		cb.failureCount = 0
		cb.openTimeout = cb.cfg.OpenTimeout
		cb.transition(StateClosed)
		return
	}
	cb.mu.Unlock()
}

// transition must be called with mu held; it releases mu before notifying.
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	cb.state = to
	failures := cb.failureCount
	timeout := cb.openTimeout
	cb.mu.Unlock()

	switch to {
	case StateOpen:
		cb.logger.Warn("circuit breaker opened",
			zap.String("from", from.String()),
			zap.Int("failures", failures),
			zap.Duration("open_timeout", timeout))
	case StateHalfOpen:
		cb.logger.Info("circuit breaker half-open, admitting trial call")
	case StateClosed:
		cb.logger.Info("circuit breaker closed")
	}
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.name, from, to)
	}
}

// State returns a snapshot of the breaker.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitState{
		Name:         cb.name,
		State:        cb.state.String(),
		FailureCount: cb.failureCount,
		OpenedAt:     cb.openedAt,
		OpenTimeout:  cb.openTimeout.String(),
	}
}

// Reset forces the breaker back to Closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.failureCount = 0
	cb.trialInFlight = false
	cb.openTimeout = cb.cfg.OpenTimeout
	if cb.state == StateClosed {
		cb.mu.Unlock()
		return
	}
	cb.transition(StateClosed)
}
