package lifecycle

import (
	"context"
	"errors"
	"time"

	"execution-gateway/internal/order"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrOrderExists       = errors.New("order already exists")
	ErrVersionConflict   = errors.New("order version conflict")
	ErrAlreadyTerminal   = errors.New("order already terminal")
	ErrOrderFrozen       = errors.New("order frozen pending anomaly resolution")
	ErrInvalidTransition = errors.New("invalid order transition")
	ErrInvalidArgument   = errors.New("invalid argument")
)

// Repository is the owned order table. Updates are compare-and-swap on Version.
type Repository interface {
	// Insert stores a new order; fails with ErrOrderExists
	Insert(ctx context.Context, o *order.Order) error

	// Update replaces an order whose stored version equals expectedVersion
	Update(ctx context.Context, o *order.Order, expectedVersion int64) error

	// Get retrieves an order by order_id
	Get(ctx context.Context, orderID string) (*order.Order, error)

	// GetByClientOrderID retrieves an order by exchange and client order id
	GetByClientOrderID(ctx context.Context, exchangeID, clientOrderID string) (*order.Order, error)

	// ListOpen returns non-frozen orders of an exchange that still need venue checks:
	// non-terminal ones, and terminal ones flagged ambiguous
	ListOpen(ctx context.Context, exchangeID string) ([]*order.Order, error)

	// ListTerminalBefore returns terminal orders that became terminal before t
	ListTerminalBefore(ctx context.Context, t time.Time, limit int) ([]*order.Order, error)

	// Delete removes an order (after archival)
	Delete(ctx context.Context, orderID string) error
}

// NeedsVenueCheck reports whether reconciliation should query the venue for o
func NeedsVenueCheck(o *order.Order) bool {
	if o.Frozen {
		return false
	}
	return !o.Status.IsTerminal() || o.Ambiguous
}
