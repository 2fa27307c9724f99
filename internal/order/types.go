package order

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Side represents order side (buy/sell)
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) IsValid() bool {
	return s == SideBuy || s == SideSell
}

// Type represents the order type accepted by the gateway
type Type string

const (
	TypeMarket    Type = "MARKET"
	TypeLimit     Type = "LIMIT"
	TypeStop      Type = "STOP"
	TypeStopLimit Type = "STOP_LIMIT"
)

func (t Type) IsValid() bool {
	switch t {
	case TypeMarket, TypeLimit, TypeStop, TypeStopLimit:
		return true
	}
	return false
}

// NeedsPrice reports whether a limit price is mandatory
func (t Type) NeedsPrice() bool {
	return t == TypeLimit || t == TypeStopLimit
}

// NeedsStopPrice reports whether a trigger price is mandatory
func (t Type) NeedsStopPrice() bool {
	return t == TypeStop || t == TypeStopLimit
}

// AccountClass selects the venue product family
type AccountClass string

const (
	AccountSpot    AccountClass = "SPOT"
	AccountFutures AccountClass = "FUTURES"
	AccountFX      AccountClass = "FX"
)

func (a AccountClass) IsValid() bool {
	return a == AccountSpot || a == AccountFutures || a == AccountFX
}

// TimeInForce controls how long an order rests on the venue
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
	TimeInForceDay TimeInForce = "DAY"
)

func (t TimeInForce) IsValid() bool {
	switch t {
	case TimeInForceGTC, TimeInForceIOC, TimeInForceFOK, TimeInForceDay:
		return true
	}
	return false
}

// Immediate reports whether unfilled remainder is expected to expire on the venue
func (t TimeInForce) Immediate() bool {
	return t == TimeInForceIOC || t == TimeInForceFOK
}

// Status is the lifecycle status of an order
type Status string

const (
	StatusPending          Status = "PENDING"
	StatusSubmitted        Status = "SUBMITTED"
	StatusPartiallyFilled  Status = "PARTIALLY_FILLED"
	StatusFilled           Status = "FILLED"
	StatusCancelled        Status = "CANCELLED"
	StatusRejected         Status = "REJECTED"
	StatusSubmissionFailed Status = "SUBMISSION_FAILED"
)

// IsTerminal reports whether no further transitions are permitted
func (s Status) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusSubmissionFailed:
		return true
	}
	return false
}

// IsOpen reports whether the order is live on the venue (acknowledged, not terminal)
func (s Status) IsOpen() bool {
	return s == StatusSubmitted || s == StatusPartiallyFilled
}

var (
	ErrMissingIdempotencyKey = errors.New("idempotency_key required")
	ErrMissingSymbol         = errors.New("symbol required")
	ErrMissingExchange       = errors.New("exchange_id required")
	ErrInvalidSide           = errors.New("invalid side")
	ErrInvalidType           = errors.New("invalid order type")
	ErrInvalidAccountClass   = errors.New("invalid account class")
	ErrInvalidTimeInForce    = errors.New("invalid time in force")
	ErrInvalidQuantity       = errors.New("quantity must be positive")
	ErrInvalidPrice          = errors.New("price must be positive for limit orders")
	ErrInvalidStopPrice      = errors.New("stop_price must be positive for stop orders")
	ErrInvalidLeverage       = errors.New("leverage only allowed for futures and fx, and must be >= 1")
	ErrReduceOnlyNotFutures  = errors.New("reduce_only only allowed for futures")
)

// Request is the canonical order intent received from the orchestrator
type Request struct {
	IdempotencyKey string          `json:"idempotency_key"`
	ExchangeID     string          `json:"exchange_id"`
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	Type           Type            `json:"type"`
	Quantity       decimal.Decimal `json:"quantity"`
	Price          decimal.Decimal `json:"price"`
	StopPrice      decimal.Decimal `json:"stop_price"`
	AccountClass   AccountClass    `json:"account_class"`
	TimeInForce    TimeInForce     `json:"time_in_force"`
	Leverage       int             `json:"leverage,omitempty"`
	ReduceOnly     bool            `json:"reduce_only,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Validate validates the request shape. Venue constraints (tick, step) are checked by adapters.
func (r *Request) Validate() error {
	if r.IdempotencyKey == "" {
		return ErrMissingIdempotencyKey
	}
	if r.ExchangeID == "" {
		return ErrMissingExchange
	}
	if r.Symbol == "" {
		return ErrMissingSymbol
	}
	if !r.Side.IsValid() {
		return ErrInvalidSide
	}
	if !r.Type.IsValid() {
		return ErrInvalidType
	}
	if !r.AccountClass.IsValid() {
		return ErrInvalidAccountClass
	}
	if !r.TimeInForce.IsValid() {
		return ErrInvalidTimeInForce
	}
	if !r.Quantity.IsPositive() {
		return ErrInvalidQuantity
	}
	if r.Type.NeedsPrice() && !r.Price.IsPositive() {
		return ErrInvalidPrice
	}
	if r.Type.NeedsStopPrice() && !r.StopPrice.IsPositive() {
		return ErrInvalidStopPrice
	}
	if r.Leverage != 0 && (r.Leverage < 1 || r.AccountClass == AccountSpot) {
		return ErrInvalidLeverage
	}
	if r.ReduceOnly && r.AccountClass != AccountFutures {
		return ErrReduceOnlyNotFutures
	}
	return nil
}

// PartialFill is one execution reported by the venue. Sequence starts at 1 per order.
type PartialFill struct {
	OrderID    string          `json:"order_id"`
	Sequence   int64           `json:"sequence"`
	FillID     string          `json:"fill_id,omitempty"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Fee        decimal.Decimal `json:"fee"`
	FeeAsset   string          `json:"fee_asset,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Anomaly describes a divergence that requires operator resolution
type Anomaly struct {
	Kind       AnomalyKind `json:"kind"`
	Detail     string      `json:"detail"`
	DetectedAt time.Time   `json:"detected_at"`
}

// AnomalyKind classifies anomalies
type AnomalyKind string

const (
	AnomalyStatusDivergence AnomalyKind = "STATUS_DIVERGENCE"
	AnomalyFillDivergence   AnomalyKind = "FILL_DIVERGENCE"
	AnomalyOverfill         AnomalyKind = "OVERFILL"
	AnomalyFillGap          AnomalyKind = "FILL_GAP"
	AnomalyLateEvent        AnomalyKind = "LATE_EVENT"
)

// Order is the gateway's record of one order
type Order struct {
	OrderID            string          `json:"order_id"`
	ClientOrderID      string          `json:"client_order_id"`
	ExchangeOrderID    string          `json:"exchange_order_id,omitempty"`
	Request            Request         `json:"request"`
	Status             Status          `json:"status"`
	FilledQuantity     decimal.Decimal `json:"filled_quantity"`
	AverageFillPrice   decimal.Decimal `json:"average_fill_price"`
	Fills              []PartialFill   `json:"fills,omitempty"`
	CancelRequested    bool            `json:"cancel_requested,omitempty"`
	Frozen             bool            `json:"frozen,omitempty"`
	Anomaly            *Anomaly        `json:"anomaly,omitempty"`
	Ambiguous          bool            `json:"ambiguous,omitempty"`
	LastError          string          `json:"last_error,omitempty"`
	LastExchangeSyncAt time.Time       `json:"last_exchange_sync_at"`
	Version            int64           `json:"version"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	TerminalAt         time.Time       `json:"terminal_at"`
}

// ExchangeID returns the venue the order was routed to
func (o *Order) ExchangeID() string {
	return o.Request.ExchangeID
}

// RemainingQuantity returns quantity not yet filled
func (o *Order) RemainingQuantity() decimal.Decimal {
	rem := o.Request.Quantity.Sub(o.FilledQuantity)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// LastFillSequence returns the highest applied fill sequence
func (o *Order) LastFillSequence() int64 {
	if len(o.Fills) == 0 {
		return 0
	}
	return o.Fills[len(o.Fills)-1].Sequence
}

// HasFill reports whether a fill with the given exchange fill id was already applied
func (o *Order) HasFill(fillID string) bool {
	if fillID == "" {
		return false
	}
	for _, f := range o.Fills {
		if f.FillID == fillID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	if o.Fills != nil {
		c.Fills = make([]PartialFill, len(o.Fills))
		copy(c.Fills, o.Fills)
	}
	if o.Anomaly != nil {
		a := *o.Anomaly
		c.Anomaly = &a
	}
	return &c
}
