package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"execution-gateway/internal/idempotency"
	"execution-gateway/internal/lifecycle"
	"execution-gateway/internal/order"
)

// ResolveFunc checks a Pending order against its exchange and returns the updated order
type ResolveFunc func(ctx context.Context, o *order.Order) (*order.Order, error)

// RecoveryReport summarises one recovery pass
type RecoveryReport struct {
	Scanned   int `json:"scanned"`
	Completed int `json:"completed"`
	StillOpen int `json:"still_in_flight"`
	Orphaned  int `json:"orphaned"`
	Failed    int `json:"failed"`
}

// RecoveryService completes idempotency reservations left InFlight by a crash or a stuck submission
type RecoveryService struct {
	store   idempotency.Store
	repo    lifecycle.Repository
	resolve ResolveFunc
	active  func(key string) bool
	logger  *zap.Logger
}

// NewRecoveryService creates a recovery service. resolve may be nil, in which case
// Pending orders are left InFlight.
func NewRecoveryService(store idempotency.Store, repo lifecycle.Repository, resolve ResolveFunc, logger *zap.Logger) *RecoveryService {
	return &RecoveryService{
		store:   store,
		repo:    repo,
		resolve: resolve,
		logger:  logger.Named("recovery"),
	}
}

// SkipActive excludes keys whose placement is still running in this process
func (s *RecoveryService) SkipActive(active func(key string) bool) {
	s.active = active
}

// Recover resolves every InFlight record created before olderThan
func (s *RecoveryService) Recover(ctx context.Context, olderThan time.Time) (RecoveryReport, error) {
	var report RecoveryReport

	records, err := s.store.ListInFlight(ctx, olderThan)
	if err != nil {
		return report, fmt.Errorf("failed to list in-flight records: %w", err)
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++
		if s.active != nil && s.active(rec.Key) {
			report.StillOpen++
			continue
		}

		outcome, ok, err := s.resolveRecord(ctx, rec)
		if err != nil {
			report.Failed++
			s.logger.Error("failed to resolve in-flight record",
				zap.String("key", rec.Key), zap.String("order_id", rec.OrderID), zap.Error(err))
			continue
		}
		if !ok {
			report.StillOpen++
			continue
		}
		if outcome.Kind == order.OutcomeSubmissionFailed && outcome.Status == "" {
			report.Orphaned++
		}

		err = s.store.Complete(ctx, rec.Key, outcome)
		switch {
		case err == nil, errors.Is(err, idempotency.ErrOutcomeConflict):
			// a concurrent completion won; the stored outcome stands
			report.Completed++
		default:
			report.Failed++
			s.logger.Error("failed to complete recovered record",
				zap.String("key", rec.Key), zap.String("order_id", rec.OrderID), zap.Error(err))
		}
	}

	if report.Scanned > 0 {
		s.logger.Info("recovery pass finished",
			zap.Int("scanned", report.Scanned),
			zap.Int("completed", report.Completed),
			zap.Int("still_in_flight", report.StillOpen),
			zap.Int("failed", report.Failed))
	}
	return report, nil
}

// resolveRecord returns the outcome for rec, or ok=false when the order is still unresolved
func (s *RecoveryService) resolveRecord(ctx context.Context, rec idempotency.Record) (order.Outcome, bool, error) {
	o, err := s.repo.Get(ctx, rec.OrderID)
	if errors.Is(err, lifecycle.ErrOrderNotFound) {
		// reserved but never created, so nothing reached the exchange
		return order.Outcome{
			Kind:    order.OutcomeSubmissionFailed,
			OrderID: rec.OrderID,
			Reason:  "order was not created before the gateway stopped",
		}, true, nil
	}
	if err != nil {
		return order.Outcome{}, false, err
	}

	if o.Status == order.StatusPending {
		if s.resolve == nil {
			return order.Outcome{}, false, nil
		}
		if o, err = s.resolve(ctx, o); err != nil {
			return order.Outcome{}, false, err
		}
	}

	outcome := order.OutcomeOf(o)
	if !outcome.IsFinal() {
		return order.Outcome{}, false, nil
	}
	return outcome, true, nil
}
