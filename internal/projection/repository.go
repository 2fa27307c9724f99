package projection

import (
	"context"
	"errors"
)

var (
	ErrPositionNotFound   = errors.New("position not found")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrSequenceRegression = errors.New("sequence regression")
	ErrSequenceGap        = errors.New("sequence gap")
	ErrFillConflict       = errors.New("fill conflict")
)

// PositionRepository defines the interface for position read model storage
type PositionRepository interface {
	// Save creates or updates a position view
	Save(ctx context.Context, p *PositionView) error

	// Get retrieves the position of a symbol on an exchange
	Get(ctx context.Context, exchangeID, symbol string) (*PositionView, error)

	// ListByExchange retrieves every position of an exchange ordered by symbol
	ListByExchange(ctx context.Context, exchangeID string) ([]*PositionView, error)

	// GetLastSequence returns the last applied journal sequence for an exchange
	GetLastSequence(ctx context.Context, exchangeID string) (int64, error)

	// SetLastSequence updates the last applied journal sequence for an exchange
	SetLastSequence(ctx context.Context, exchangeID string, sequence int64) error
}

// FillRepository defines the interface for fill read model storage
type FillRepository interface {
	// Save stores a fill. Saving the same fill again is a no-op; a different
	// fill under the same order and fill sequence is ErrFillConflict.
	Save(ctx context.Context, f *FillView) error

	// ListByOrder retrieves the fills of an order in fill sequence order
	ListByOrder(ctx context.Context, orderID string) ([]*FillView, error)

	// ListByExchange retrieves fills with event sequence >= fromSequence
	ListByExchange(ctx context.Context, exchangeID string, fromSequence int64, limit int) ([]*FillView, error)

	// GetLastSequence returns the last applied journal sequence for an exchange
	GetLastSequence(ctx context.Context, exchangeID string) (int64, error)

	// SetLastSequence updates the last applied journal sequence for an exchange
	SetLastSequence(ctx context.Context, exchangeID string, sequence int64) error
}
