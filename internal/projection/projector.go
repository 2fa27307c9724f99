package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"execution-gateway/internal/order"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultBatchSize    = 500
)

// JournalReader is the journal the projector follows
type JournalReader interface {
	ReadFrom(ctx context.Context, exchangeID string, fromSeq int64, limit int) ([]order.Event, error)
}

// Projector consumes journaled lifecycle events and updates the fill and position read models
type Projector struct {
	positions PositionRepository
	fills     FillRepository
	journal   JournalReader
	logger    *zap.Logger

	PollInterval time.Duration
	BatchSize    int
}

// NewProjector creates a new projector. journal is only needed by Follow.
func NewProjector(positions PositionRepository, fills FillRepository, journal JournalReader, logger *zap.Logger) *Projector {
	return &Projector{
		positions:    positions,
		fills:        fills,
		journal:      journal,
		logger:       logger.Named("projection"),
		PollInterval: defaultPollInterval,
		BatchSize:    defaultBatchSize,
	}
}

// Positions returns the projected positions of an exchange
func (p *Projector) Positions(ctx context.Context, exchangeID string) ([]*PositionView, error) {
	return p.positions.ListByExchange(ctx, exchangeID)
}

// Project applies a single journaled event to the read models.
// Events must arrive in journal order: sequence exactly last + 1 per exchange.
func (p *Projector) Project(ctx context.Context, evt order.Event) error {
	if evt.ExchangeID == "" {
		return fmt.Errorf("%w: event without exchange id", ErrInvalidArgument)
	}
	if err := p.validateSequence(ctx, evt.ExchangeID, evt.Sequence); err != nil {
		return err
	}

	if evt.Fill != nil && (evt.Type == order.EventPartialFill || evt.Type == order.EventFilled) {
		if err := p.projectFill(ctx, evt); err != nil {
			return fmt.Errorf("failed to project %s: %w", evt.Type, err)
		}
	}

	// Advance fills first, then positions. Validation reads positions as the
	// source of truth, so a failure between the two replays the event.
	if err := p.fills.SetLastSequence(ctx, evt.ExchangeID, evt.Sequence); err != nil {
		return fmt.Errorf("failed to advance fill sequence: %w", err)
	}
	if err := p.positions.SetLastSequence(ctx, evt.ExchangeID, evt.Sequence); err != nil {
		return fmt.Errorf("failed to advance position sequence: %w", err)
	}
	return nil
}

// validateSequence checks if the event sequence is valid (must be last + 1)
func (p *Projector) validateSequence(ctx context.Context, exchangeID string, sequence int64) error {
	lastSeq, err := p.positions.GetLastSequence(ctx, exchangeID)
	if err != nil {
		return fmt.Errorf("failed to get position last sequence: %w", err)
	}
	if sequence == lastSeq+1 {
		return nil
	}
	if sequence <= lastSeq {
		return fmt.Errorf("%w: exchange=%s last=%d event=%d", ErrSequenceRegression, exchangeID, lastSeq, sequence)
	}
	return fmt.Errorf("%w: exchange=%s last=%d event=%d", ErrSequenceGap, exchangeID, lastSeq, sequence)
}

func (p *Projector) projectFill(ctx context.Context, evt order.Event) error {
	f := evt.Fill
	fill := &FillView{
		ExchangeID:    evt.ExchangeID,
		OrderID:       evt.OrderID,
		Symbol:        evt.Symbol,
		Side:          evt.Side,
		FillSequence:  f.Sequence,
		FillID:        f.FillID,
		Quantity:      f.Quantity,
		Price:         f.Price,
		Fee:           f.Fee,
		FeeAsset:      f.FeeAsset,
		OccurredAt:    f.OccurredAt,
		EventSequence: evt.Sequence,
	}

	pos, err := p.positions.Get(ctx, evt.ExchangeID, evt.Symbol)
	if errors.Is(err, ErrPositionNotFound) {
		pos = &PositionView{ExchangeID: evt.ExchangeID, Symbol: evt.Symbol}
	} else if err != nil {
		return fmt.Errorf("failed to get position: %w", err)
	}
	// replayed after a crash between position save and cursor advance
	if pos.LastSequence >= evt.Sequence {
		return nil
	}

	if err := p.fills.Save(ctx, fill); err != nil {
		return err
	}

	notional := f.Quantity.Mul(f.Price)
	switch evt.Side {
	case order.SideBuy:
		pos.BoughtQuantity = pos.BoughtQuantity.Add(f.Quantity)
		pos.BuyNotional = pos.BuyNotional.Add(notional)
		pos.NetQuantity = pos.NetQuantity.Add(f.Quantity)
	case order.SideSell:
		pos.SoldQuantity = pos.SoldQuantity.Add(f.Quantity)
		pos.SellNotional = pos.SellNotional.Add(notional)
		pos.NetQuantity = pos.NetQuantity.Sub(f.Quantity)
	default:
		return fmt.Errorf("%w: unknown side %q", ErrInvalidArgument, evt.Side)
	}
	pos.Fees = pos.Fees.Add(f.Fee)
	pos.FillCount++
	pos.UpdatedAt = evt.OccurredAt
	pos.LastSequence = evt.Sequence
	return p.positions.Save(ctx, pos)
}

// CatchUp projects every journaled event of an exchange after the last applied one.
// It returns the number of events applied.
func (p *Projector) CatchUp(ctx context.Context, exchangeID string) (int, error) {
	applied := 0
	for {
		last, err := p.positions.GetLastSequence(ctx, exchangeID)
		if err != nil {
			return applied, err
		}
		events, err := p.journal.ReadFrom(ctx, exchangeID, last+1, p.BatchSize)
		if err != nil {
			return applied, fmt.Errorf("failed to read journal: %w", err)
		}
		for _, evt := range events {
			if err := p.Project(ctx, evt); err != nil {
				return applied, err
			}
			applied++
		}
		if p.BatchSize <= 0 || len(events) < p.BatchSize {
			return applied, nil
		}
	}
}

// Follow keeps the read models in step with the journal until ctx is done
func (p *Projector) Follow(ctx context.Context, exchangeIDs []string) error {
	ticker := time.NewTicker(p.PollInterval)
	defer ticker.Stop()

	for {
		for _, id := range exchangeIDs {
			if _, err := p.CatchUp(ctx, id); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				// a broken sequence needs an operator; keep serving what is projected
				p.logger.Error("projection stalled", zap.String("exchange", id), zap.Error(err))
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
