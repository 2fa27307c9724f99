package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"execution-gateway/internal/exchange"
	"execution-gateway/internal/lifecycle"
	"execution-gateway/internal/order"
	"execution-gateway/internal/ratelimit"
)

// ReconcileReport summarises one reconciliation pass over an exchange
type ReconcileReport struct {
	ExchangeID string                      `json:"exchange_id"`
	Checked    int                         `json:"checked"`
	Changed    int                         `json:"changed"`
	Anomalies  int                         `json:"anomalies"`
	Failed     int                         `json:"failed"`
	Results    []lifecycle.ReconcileResult `json:"results"`
	StartedAt  time.Time                   `json:"started_at"`
	Duration   string                      `json:"duration"`
}

// Reconcile checks every open or ambiguous order of an exchange against the venue.
// Failures on single orders are counted, not returned.
func (g *Gateway) Reconcile(ctx context.Context, exchangeID string) (ReconcileReport, error) {
	report := ReconcileReport{ExchangeID: exchangeID, StartedAt: g.now().UTC(), Results: []lifecycle.ReconcileResult{}}
	if _, err := g.adapters.Adapter(exchangeID); err != nil {
		return report, err
	}

	open, err := g.orders.ListOpen(ctx, exchangeID)
	if err != nil {
		return report, fmt.Errorf("failed to list open orders: %w", err)
	}

	var mu sync.Mutex
	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(g.cfg.ReconcileConcurrency)
	for _, o := range open {
		if o.Status == order.StatusPending && g.submitting(o.Request.IdempotencyKey) {
			// the submit call owns the order until it returns
			continue
		}
		eg.Go(func() error {
			res, err := g.reconcileOrder(ectx, o, ratelimit.PriorityLow)

			mu.Lock()
			defer mu.Unlock()
			report.Checked++
			if err != nil {
				report.Failed++
				g.metrics.ReconcileRuns.WithLabelValues(exchangeID, "failed").Inc()
				g.logger.Warn("failed to reconcile order",
					zap.String("exchange", exchangeID), zap.String("order_id", o.OrderID), zap.Error(err))
				return nil
			}
			if res.Changed {
				report.Changed++
			}
			if res.Anomaly != nil {
				report.Anomalies++
			}
			g.metrics.ReconcileRuns.WithLabelValues(exchangeID, resultOf(res)).Inc()
			report.Results = append(report.Results, res)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return report, err
	}

	report.Duration = g.now().UTC().Sub(report.StartedAt).String()
	if report.Checked > 0 {
		g.logger.Info("reconciliation finished",
			zap.String("exchange", exchangeID),
			zap.Int("checked", report.Checked),
			zap.Int("changed", report.Changed),
			zap.Int("anomalies", report.Anomalies),
			zap.Int("failed", report.Failed))
	}
	return report, ctx.Err()
}

func resultOf(res lifecycle.ReconcileResult) string {
	switch {
	case res.Anomaly != nil:
		return "anomaly"
	case res.Skipped:
		return "skipped"
	case res.Changed:
		return "changed"
	}
	return "unchanged"
}

// reconcileOrder fetches the venue view of one order and applies it
func (g *Gateway) reconcileOrder(ctx context.Context, o *order.Order, prio ratelimit.Priority) (lifecycle.ReconcileResult, error) {
	snap, err := g.snapshot(ctx, o, prio, true)
	if err != nil {
		return lifecycle.ReconcileResult{OrderID: o.OrderID, Status: o.Status}, err
	}
	return g.machine.Reconcile(ctx, o.OrderID, snap)
}

// snapshot queries status and fills. withRetry=false makes exactly one status attempt.
func (g *Gateway) snapshot(ctx context.Context, o *order.Order, prio ratelimit.Priority, withRetry bool) (lifecycle.VenueSnapshot, error) {
	exchangeID := o.ExchangeID()
	adapter, err := g.adapters.Adapter(exchangeID)
	if err != nil {
		return lifecycle.VenueSnapshot{}, err
	}
	ref := exchange.RefOf(o)

	query := func(op string, fn func(ctx context.Context) error) error {
		if withRetry {
			return g.call(ctx, exchangeID, exchange.ClassQuery, prio, op, fn)
		}
		return g.attempt(ctx, exchangeID, exchange.ClassQuery, prio, op, fn)
	}

	var view exchange.OrderView
	err = query(opStatus, func(ctx context.Context) error {
		v, err := adapter.QueryStatus(ctx, ref)
		view = v
		return err
	})
	if exchange.IsKind(err, exchange.KindNotFound) {
		return lifecycle.VenueSnapshot{Found: false}, nil
	}
	if err != nil {
		return lifecycle.VenueSnapshot{}, err
	}

	if ref.ExchangeOrderID == "" {
		ref.ExchangeOrderID = view.ExchangeOrderID
	}
	var fills []order.PartialFill
	err = g.call(ctx, exchangeID, exchange.ClassQuery, prio, opFills, func(ctx context.Context) error {
		f, err := adapter.QueryFills(ctx, ref)
		fills = f
		return err
	})
	if err != nil {
		return lifecycle.VenueSnapshot{}, err
	}
	return lifecycle.VenueSnapshot{Found: true, View: view, Fills: fills}, nil
}

// resolvePending is the recovery hook for orders still Pending after the submission timeout
func (g *Gateway) resolvePending(ctx context.Context, o *order.Order) (*order.Order, error) {
	if g.submitting(o.Request.IdempotencyKey) {
		return o, nil
	}
	if _, err := g.reconcileOrder(ctx, o, ratelimit.PriorityLow); err != nil {
		return nil, err
	}
	return g.machine.Get(ctx, o.OrderID)
}

// HandleUpdate applies one venue stream update. It runs on the order's dispatch shard.
func (g *Gateway) HandleUpdate(ctx context.Context, u exchange.StreamUpdate) error {
	if u.ClientOrderID == "" {
		g.logger.Debug("stream update without client order id ignored",
			zap.String("exchange", u.ExchangeID), zap.String("exchange_order_id", u.ExchangeOrderID))
		return nil
	}
	o, err := g.machine.GetByClientOrderID(ctx, u.ExchangeID, u.ClientOrderID)
	if errors.Is(err, lifecycle.ErrOrderNotFound) {
		// orders placed on the account outside the gateway
		g.logger.Debug("stream update for unknown order",
			zap.String("exchange", u.ExchangeID), zap.String("client_order_id", u.ClientOrderID))
		return nil
	}
	if err != nil {
		return err
	}

	if u.Fill != nil {
		f := *u.Fill
		f.OrderID = o.OrderID
		if _, err := g.machine.ApplyFill(ctx, o.OrderID, f); err != nil {
			return err
		}
	}

	switch {
	case u.Status == order.StatusCancelled, u.Status == order.StatusRejected:
		_, err = g.machine.ApplyStatus(ctx, o.OrderID, u.Status, u.ExchangeOrderID, u.Reason)
	case o.Status == order.StatusPending && u.Status != "":
		// stream proof that the venue holds the order; releases held fills
		_, err = g.machine.ApplyStatus(ctx, o.OrderID, u.Status, u.ExchangeOrderID, u.Reason)
	}
	return err
}

// HandleReconnect reconciles an exchange whose stream may have missed updates
func (g *Gateway) HandleReconnect(ctx context.Context, exchangeID string) {
	g.metrics.StreamReconnects.WithLabelValues(exchangeID).Inc()
	g.logger.Warn("stream reconnected, reconciling", zap.String("exchange", exchangeID))
	if _, err := g.Reconcile(ctx, exchangeID); err != nil && ctx.Err() == nil {
		g.logger.Error("reconnect reconciliation failed", zap.String("exchange", exchangeID), zap.Error(err))
	}
}
