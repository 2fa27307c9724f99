// Package gateway is the execution gateway facade: it admits orders exactly once
// and drives them through rate limiting, circuit breaking and retries to the venue.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"execution-gateway/internal/breaker"
	"execution-gateway/internal/dispatch"
	"execution-gateway/internal/exchange"
	"execution-gateway/internal/idempotency"
	"execution-gateway/internal/lifecycle"
	"execution-gateway/internal/metrics"
	"execution-gateway/internal/order"
	"execution-gateway/internal/persistence"
	"execution-gateway/internal/ratelimit"
	"execution-gateway/internal/retry"
)

const (
	opSubmit = "submit"
	opCancel = "cancel"
	opStatus = "query_status"
	opFills  = "query_fills"
)

// Deps are the components a gateway composes. Archive and Metrics are optional.
type Deps struct {
	Adapters    *exchange.Registry
	Machine     *lifecycle.Machine
	Orders      lifecycle.Repository
	Idempotency idempotency.Store
	Breakers    *breaker.Registry
	Limits      *ratelimit.Registry
	Retry       *retry.Controller
	Archive     persistence.Archive
	Metrics     *metrics.Metrics
}

// Gateway is the public entry point for the orchestrator. Safe for concurrent use.
type Gateway struct {
	cfg      Config
	adapters *exchange.Registry
	machine  *lifecycle.Machine
	orders   lifecycle.Repository
	idem     idempotency.Store
	breakers *breaker.Registry
	limits   *ratelimit.Registry
	retry    *retry.Controller
	archive  persistence.Archive
	metrics  *metrics.Metrics
	recovery *persistence.RecoveryService
	dispatch *dispatch.Dispatcher
	active   sync.Map // idempotency keys with a submission running in this process
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a gateway
func New(cfg Config, deps Deps, logger *zap.Logger) *Gateway {
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(prometheus.NewRegistry())
	}
	if cfg.ReconcileConcurrency <= 0 {
		cfg.ReconcileConcurrency = 1
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig().CallTimeout
	}

	g := &Gateway{
		cfg:      cfg,
		adapters: deps.Adapters,
		machine:  deps.Machine,
		orders:   deps.Orders,
		idem:     deps.Idempotency,
		breakers: deps.Breakers,
		limits:   deps.Limits,
		retry:    deps.Retry,
		archive:  deps.Archive,
		metrics:  deps.Metrics,
		logger:   logger.Named("gateway"),
		now:      time.Now,
	}
	g.recovery = persistence.NewRecoveryService(g.idem, g.orders, g.resolvePending, logger)
	g.recovery.SkipActive(g.submitting)
	g.dispatch = dispatch.NewDispatcher(cfg.Dispatch, g, logger)
	return g
}

// PlaceOrder admits req exactly once per idempotency key and submits it.
// A repeated key returns the stored outcome, or InFlight while the first call is still running.
func (g *Gateway) PlaceOrder(ctx context.Context, req order.Request) (order.Outcome, error) {
	if err := req.Validate(); err != nil {
		return order.Outcome{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	adapter, err := g.adapters.Adapter(req.ExchangeID)
	if err != nil {
		return order.Outcome{}, err
	}
	if n, ok := adapter.(exchange.Normalizer); ok {
		// on error the request is left as is and the adapter rejects it without a network call
		if normalized, nerr := n.Normalize(req); nerr == nil {
			req = normalized
		}
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = g.now().UTC()
	}

	hash, err := order.PayloadHash(req)
	if err != nil {
		return order.Outcome{}, fmt.Errorf("failed to hash request: %w", err)
	}
	orderID := order.OrderIDFor(req.IdempotencyKey)
	clientOrderID := order.ClientOrderIDFor(req.IdempotencyKey)

	res, err := g.idem.Reserve(ctx, req.IdempotencyKey, orderID, hash)
	switch {
	case errors.Is(err, idempotency.ErrConflict):
		return order.Outcome{}, err
	case err != nil:
		// fail closed: without a reservation a resubmission could duplicate the order
		g.logger.Error("idempotency reserve failed", zap.String("key", req.IdempotencyKey), zap.Error(err))
		return order.Outcome{}, fmt.Errorf("%w: %w", ErrIdempotencyUnavailable, err)
	}

	switch res.Kind {
	case idempotency.Completed:
		return *res.Record.Outcome, nil
	case idempotency.InFlight:
		return g.inFlightOutcome(ctx, res.Record), nil
	}

	g.active.Store(req.IdempotencyKey, struct{}{})
	defer g.active.Delete(req.IdempotencyKey)

	// the submission outlives the caller: a disconnect must not strand a Pending order
	sctx := context.WithoutCancel(ctx)

	o, err := g.machine.Create(sctx, req, orderID, clientOrderID)
	if errors.Is(err, lifecycle.ErrOrderExists) {
		o, err = g.machine.Get(sctx, orderID)
	}
	if err != nil {
		return order.Outcome{}, fmt.Errorf("failed to create order: %w", err)
	}

	outcome := order.OutcomeOf(o)
	if o.Status == order.StatusPending {
		outcome = g.submit(sctx, adapter, o)
	}
	g.metrics.ObservePlacement(req.ExchangeID, outcome.Kind)

	if !outcome.IsFinal() {
		return outcome, nil
	}
	return g.complete(sctx, req.IdempotencyKey, outcome), nil
}

// submitting reports whether this process is still placing the order for key
func (g *Gateway) submitting(key string) bool {
	_, ok := g.active.Load(key)
	return ok
}

// complete caches the outcome. A record already completed by recovery keeps its outcome.
func (g *Gateway) complete(ctx context.Context, key string, outcome order.Outcome) order.Outcome {
	err := g.idem.Complete(ctx, key, outcome)
	if err == nil {
		return outcome
	}
	if errors.Is(err, idempotency.ErrOutcomeConflict) {
		if rec, gerr := g.idem.Get(ctx, key); gerr == nil && rec.Outcome != nil {
			return *rec.Outcome
		}
	}
	// the reservation stays InFlight; recovery completes it from the order state
	g.logger.Error("failed to complete idempotency record",
		zap.String("key", key), zap.String("order_id", outcome.OrderID), zap.Error(err))
	return outcome
}

func (g *Gateway) inFlightOutcome(ctx context.Context, rec idempotency.Record) order.Outcome {
	out := order.Outcome{Kind: order.OutcomeInFlight, OrderID: rec.OrderID}
	if o, err := g.machine.Get(ctx, rec.OrderID); err == nil {
		out.ClientOrderID = o.ClientOrderID
		out.ExchangeOrderID = o.ExchangeOrderID
		out.Status = o.Status
	}
	return out
}

// submit sends a Pending order and records the result on the state machine
func (g *Gateway) submit(ctx context.Context, adapter exchange.Adapter, o *order.Order) order.Outcome {
	exchangeID := adapter.ID()
	maybeSent := false

	var ack exchange.Ack
	err := g.call(ctx, exchangeID, exchange.ClassOrder, ratelimit.PriorityHigh, opSubmit, func(ctx context.Context) error {
		a, err := adapter.Submit(ctx, o)
		if exchange.IsKind(err, exchange.KindNetwork) {
			maybeSent = true
		}
		ack = a
		return err
	})

	var updated *order.Order
	switch {
	case err == nil:
		updated, err = g.machine.MarkSubmitted(ctx, o.OrderID, ack)

	case exchange.IsKind(err, exchange.KindDuplicate):
		// the venue already holds this client order id: an earlier attempt got through
		g.logger.Info("venue reports duplicate client order id, adopting existing order",
			zap.String("order_id", o.OrderID), zap.String("client_order_id", o.ClientOrderID))
		updated, err = g.adopt(ctx, o, err)

	case exchange.IsKind(err, exchange.KindRejected):
		updated, err = g.machine.MarkRejected(ctx, o.OrderID, err.Error())

	case maybeSent || isAmbiguous(err):
		updated, err = g.adopt(ctx, o, err)

	default:
		// nothing reached the venue: auth failure, open circuit, rate limit, market closed
		updated, err = g.machine.MarkSubmissionFailed(ctx, o.OrderID, err.Error(), false)
	}

	if err != nil {
		g.logger.Error("failed to record submission result", zap.String("order_id", o.OrderID), zap.Error(err))
		current, gerr := g.machine.Get(ctx, o.OrderID)
		if gerr != nil {
			return order.Outcome{Kind: order.OutcomeInFlight, OrderID: o.OrderID, ClientOrderID: o.ClientOrderID}
		}
		updated = current
	}
	return order.OutcomeOf(updated)
}

// adopt makes one status query by client order id after an ambiguous submission.
// Found means the order is live; not found means it never arrived; a failed query leaves it ambiguous.
func (g *Gateway) adopt(ctx context.Context, o *order.Order, cause error) (*order.Order, error) {
	snap, err := g.snapshot(ctx, o, ratelimit.PriorityHigh, false)
	if err != nil {
		g.logger.Warn("submission outcome unknown, order left for reconciliation",
			zap.String("order_id", o.OrderID), zap.NamedError("cause", cause), zap.Error(err))
		return g.machine.MarkSubmissionFailed(ctx, o.OrderID, cause.Error(), true)
	}
	if !snap.Found {
		return g.machine.MarkSubmissionFailed(ctx, o.OrderID, cause.Error(), false)
	}
	if _, err := g.machine.Reconcile(ctx, o.OrderID, snap); err != nil {
		return nil, err
	}
	return g.machine.Get(ctx, o.OrderID)
}

func isAmbiguous(err error) bool {
	kind, ok := exchange.KindOf(err)
	return ok && kind.Ambiguous()
}

// CancelOrder cancels a live order with high priority
func (g *Gateway) CancelOrder(ctx context.Context, orderID string) (order.CancelOutcome, error) {
	o, err := g.machine.Get(ctx, orderID)
	if err != nil {
		return order.CancelOutcome{}, err
	}
	adapter, err := g.adapters.Adapter(o.ExchangeID())
	if err != nil {
		return order.CancelOutcome{}, err
	}

	o, err = g.machine.MarkCancelRequested(ctx, orderID, 0)
	if err != nil {
		return order.CancelOutcome{}, err
	}

	var ack exchange.CancelAck
	err = g.call(ctx, adapter.ID(), exchange.ClassOrder, ratelimit.PriorityHigh, opCancel, func(ctx context.Context) error {
		a, err := adapter.Cancel(ctx, exchange.RefOf(o))
		ack = a
		return err
	})

	switch {
	case err == nil:
		o, err = g.machine.MarkCancelled(ctx, orderID, ack)
		if err != nil {
			return order.CancelOutcome{}, err
		}
		return cancelOutcome(o), nil

	case exchange.IsKind(err, exchange.KindNotFound), exchange.IsKind(err, exchange.KindRejected):
		// the venue disagrees about the order; learn its real state
		g.logger.Info("cancel refused by venue, reconciling order", zap.String("order_id", orderID), zap.Error(err))
		if _, rerr := g.reconcileOrder(ctx, o, ratelimit.PriorityHigh); rerr != nil {
			return order.CancelOutcome{}, fmt.Errorf("%w: %w", ErrCancelNotConfirmed, errors.Join(err, rerr))
		}
		o, gerr := g.machine.Get(ctx, orderID)
		if gerr != nil {
			return order.CancelOutcome{}, gerr
		}
		switch {
		case o.Status == order.StatusCancelled:
			return cancelOutcome(o), nil
		case o.Status.IsTerminal():
			return cancelOutcome(o), fmt.Errorf("%w: %s is %s", lifecycle.ErrAlreadyTerminal, orderID, o.Status)
		case o.Frozen:
			return cancelOutcome(o), lifecycle.ErrOrderFrozen
		}
		return cancelOutcome(o), fmt.Errorf("%w: %w", ErrCancelNotConfirmed, err)
	}
	return order.CancelOutcome{}, err
}

func cancelOutcome(o *order.Order) order.CancelOutcome {
	return order.CancelOutcome{
		OrderID:        o.OrderID,
		Status:         o.Status,
		FilledQuantity: o.FilledQuantity.String(),
		Remaining:      o.RemainingQuantity().String(),
	}
}

// GetStatus returns an order snapshot
func (g *Gateway) GetStatus(ctx context.Context, orderID string) (*order.Order, error) {
	return g.machine.Get(ctx, orderID)
}

// ClearAnomaly unfreezes an order after operator review
func (g *Gateway) ClearAnomaly(ctx context.Context, orderID string) (*order.Order, error) {
	o, err := g.machine.ClearAnomaly(ctx, orderID)
	if err != nil {
		return nil, err
	}
	g.logger.Info("operator cleared anomaly", zap.String("order_id", orderID))
	return o, nil
}

// CircuitState returns the breaker state of an exchange
func (g *Gateway) CircuitState(exchangeID string) (breaker.CircuitState, error) {
	if _, err := g.adapters.Adapter(exchangeID); err != nil {
		return breaker.CircuitState{}, err
	}
	return g.breakers.Get(exchangeID).State(), nil
}

// Exchanges lists the registered venue ids
func (g *Gateway) Exchanges() []string {
	return g.adapters.IDs()
}

// RecoverInFlight resolves reservations older than the submission timeout
func (g *Gateway) RecoverInFlight(ctx context.Context) (persistence.RecoveryReport, error) {
	return g.recovery.Recover(ctx, g.now().Add(-g.cfg.SubmissionTimeout))
}
