package projection

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"execution-gateway/internal/order"
)

// PositionView is the net executed exposure of one symbol on one exchange
type PositionView struct {
	ExchangeID     string          `json:"exchange_id"`
	Symbol         string          `json:"symbol"`
	NetQuantity    decimal.Decimal `json:"net_quantity"` // bought minus sold
	BoughtQuantity decimal.Decimal `json:"bought_quantity"`
	SoldQuantity   decimal.Decimal `json:"sold_quantity"`
	BuyNotional    decimal.Decimal `json:"buy_notional"`
	SellNotional   decimal.Decimal `json:"sell_notional"`
	Fees           decimal.Decimal `json:"fees"`
	FillCount      int             `json:"fill_count"`
	UpdatedAt      time.Time       `json:"updated_at"`
	LastSequence   int64           `json:"last_sequence"` // journal sequence of the last fill applied
}

// AverageBuyPrice is the quantity-weighted buy price, zero without buys
func (p *PositionView) AverageBuyPrice() decimal.Decimal {
	if p.BoughtQuantity.IsZero() {
		return decimal.Zero
	}
	return p.BuyNotional.Div(p.BoughtQuantity)
}

// AverageSellPrice is the quantity-weighted sell price, zero without sells
func (p *PositionView) AverageSellPrice() decimal.Decimal {
	if p.SoldQuantity.IsZero() {
		return decimal.Zero
	}
	return p.SellNotional.Div(p.SoldQuantity)
}

// FillView is one execution as seen by the journal
type FillView struct {
	ExchangeID    string          `json:"exchange_id"`
	OrderID       string          `json:"order_id"`
	Symbol        string          `json:"symbol"`
	Side          order.Side      `json:"side"`
	FillSequence  int64           `json:"fill_sequence"` // per order
	FillID        string          `json:"fill_id,omitempty"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	Fee           decimal.Decimal `json:"fee"`
	FeeAsset      string          `json:"fee_asset,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
	EventSequence int64           `json:"event_sequence"` // per exchange journal sequence
}

func (f *FillView) key() string {
	return f.OrderID + "/" + strconv.FormatInt(f.FillSequence, 10)
}
