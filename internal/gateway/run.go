package gateway

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"execution-gateway/internal/idempotency"
	"execution-gateway/internal/order"
	"execution-gateway/internal/ratelimit"
)

// Run drives the venue streams and background maintenance until ctx is done
func (g *Gateway) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return g.dispatch.Run(ctx, g.adapters.Streamers())
	})
	g.every(ctx, eg, "reconcile", g.cfg.ReconcileInterval, g.reconcileAll)
	g.every(ctx, eg, "gap_sweep", g.cfg.GapSweepInterval, g.sweepGaps)
	g.every(ctx, eg, "recovery", g.cfg.RecoveryInterval, func(ctx context.Context) error {
		_, err := g.RecoverInFlight(ctx)
		return err
	})
	g.every(ctx, eg, "purge", g.cfg.PurgeInterval, g.purge)
	if g.archive != nil {
		g.every(ctx, eg, "archive", g.cfg.ArchiveInterval, func(ctx context.Context) error {
			_, err := g.ArchiveTerminal(ctx)
			return err
		})
	}

	err := eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// every runs fn on a ticker. Errors are logged; the loop keeps going.
func (g *Gateway) every(ctx context.Context, eg *errgroup.Group, name string, interval time.Duration, fn func(ctx context.Context) error) {
	if interval <= 0 {
		return
	}
	eg.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := fn(ctx); err != nil && ctx.Err() == nil {
					g.logger.Error("background task failed", zap.String("task", name), zap.Error(err))
				}
			}
		}
	})
}

func (g *Gateway) reconcileAll(ctx context.Context) error {
	var errs []error
	for _, id := range g.adapters.IDs() {
		if _, err := g.Reconcile(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// sweepGaps flags stale fill gaps and reconciles the affected orders
func (g *Gateway) sweepGaps(ctx context.Context) error {
	for _, id := range g.machine.SweepGaps(ctx) {
		o, err := g.machine.Get(ctx, id)
		if err != nil {
			continue
		}
		if _, err := g.reconcileOrder(ctx, o, ratelimit.PriorityLow); err != nil {
			g.logger.Warn("failed to reconcile order with fill gap", zap.String("order_id", id), zap.Error(err))
		}
	}
	return nil
}

func (g *Gateway) purge(ctx context.Context) error {
	n, err := g.idem.Purge(ctx, g.now())
	if err != nil {
		return err
	}
	if n > 0 {
		g.logger.Debug("purged idempotency records", zap.Int("count", n))
	}
	return nil
}

// ArchiveTerminal moves terminal orders past the retention window out of the hot repository.
// An order whose idempotency key can still be replayed is kept.
func (g *Gateway) ArchiveTerminal(ctx context.Context) (int, error) {
	if g.archive == nil {
		return 0, nil
	}
	now := g.now()
	candidates, err := g.orders.ListTerminalBefore(ctx, now.Add(-g.cfg.RetentionWindow), g.cfg.ArchiveBatch)
	if err != nil {
		return 0, err
	}

	byExchange := make(map[string][]*order.Order)
	for _, o := range candidates {
		rec, err := g.idem.Get(ctx, o.Request.IdempotencyKey)
		switch {
		case errors.Is(err, idempotency.ErrNotFound):
		case err != nil:
			return 0, err
		case rec.State != idempotency.StateCompleted || now.Before(rec.ExpiresAt):
			continue
		}
		byExchange[o.ExchangeID()] = append(byExchange[o.ExchangeID()], o)
	}

	archived := 0
	for exchangeID, batch := range byExchange {
		if _, err := g.archive.Save(ctx, exchangeID, batch); err != nil {
			return archived, err
		}
		for _, o := range batch {
			if err := g.orders.Delete(ctx, o.OrderID); err != nil {
				return archived, err
			}
			archived++
		}
	}
	if archived > 0 {
		g.logger.Info("archived terminal orders", zap.Int("count", archived))
	}
	return archived, nil
}
