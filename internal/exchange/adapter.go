package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"execution-gateway/internal/order"
	"execution-gateway/internal/symbolspec"
)

// Endpoint classes used for rate limiting
const (
	ClassOrder      = "order"
	ClassQuery      = "query"
	ClassMarketData = "market_data"
)

// OrderRef identifies an order on a venue. Either id may be empty, but not both.
type OrderRef struct {
	Symbol          string // canonical symbol
	ClientOrderID   string
	ExchangeOrderID string
	AccountClass    order.AccountClass
}

// RefOf builds a reference from a gateway order
func RefOf(o *order.Order) OrderRef {
	return OrderRef{
		Symbol:          o.Request.Symbol,
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: o.ExchangeOrderID,
		AccountClass:    o.Request.AccountClass,
	}
}

// Ack is a venue acknowledgement of a new order
type Ack struct {
	ExchangeOrderID string
	ClientOrderID   string
	Status          order.Status
	Fills           []order.PartialFill
	AcceptedAt      time.Time
}

// CancelAck is a venue acknowledgement of a cancel
type CancelAck struct {
	ExchangeOrderID string
	Status          order.Status
	FilledQuantity  decimal.Decimal
}

// OrderView is the venue's view of an order
type OrderView struct {
	ExchangeOrderID  string
	ClientOrderID    string
	Status           order.Status
	Expired          bool
	FilledQuantity   decimal.Decimal
	AverageFillPrice decimal.Decimal
	UpdatedAt        time.Time
}

// Adapter translates canonical orders to one venue's protocol
type Adapter interface {
	ID() string
	Submit(ctx context.Context, o *order.Order) (Ack, error)
	Cancel(ctx context.Context, ref OrderRef) (CancelAck, error)
	QueryStatus(ctx context.Context, ref OrderRef) (OrderView, error)
	QueryFills(ctx context.Context, ref OrderRef) ([]order.PartialFill, error)
}

// Normalizer is implemented by adapters that trade in instrument increments.
// The gateway normalizes at admission so the stored order carries what the venue receives.
type Normalizer interface {
	Normalize(req order.Request) (order.Request, error)
}

// NormalizeRequest floors the quantity to the instrument step and rounds prices to the tick
func NormalizeRequest(catalog *symbolspec.Catalog, req order.Request) (order.Request, error) {
	spec, err := catalog.Get(req.Symbol)
	if err != nil {
		return req, err
	}
	qty, err := spec.NormalizeQuantity(req.Quantity)
	if err != nil {
		return req, err
	}
	req.Quantity = qty
	if req.Price.IsPositive() {
		req.Price = spec.NormalizePrice(req.Price)
	}
	if req.StopPrice.IsPositive() {
		req.StopPrice = spec.NormalizePrice(req.StopPrice)
	}
	return req, nil
}

// StreamUpdate is a push notification from a venue stream
type StreamUpdate struct {
	ExchangeID      string
	ClientOrderID   string
	ExchangeOrderID string
	Status          order.Status
	Fill            *order.PartialFill
	Reason          string

	// Reconnected signals that updates may have been missed
	Reconnected bool
}

// Streamer is implemented by adapters that can push order updates
type Streamer interface {
	Stream(ctx context.Context, out chan<- StreamUpdate) error
}
