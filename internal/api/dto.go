package api

import (
	"time"

	"execution-gateway/internal/order"
	"execution-gateway/internal/projection"
)

// PlaceOrderRequest represents the request body for placing an order
type PlaceOrderRequest struct {
	IdempotencyKey string `json:"idempotency_key"` // Idempotency key for deduplication
	ExchangeID     string `json:"exchange_id"`     // Target venue
	Symbol         string `json:"symbol"`          // Venue-neutral symbol (e.g., "BTCUSDT")
	Side           string `json:"side"`            // "BUY" or "SELL"
	Type           string `json:"type"`            // MARKET, LIMIT, STOP, STOP_LIMIT
	Quantity       string `json:"quantity"`        // Quantity as decimal string
	Price          string `json:"price,omitempty"` // Price as decimal string
	StopPrice      string `json:"stop_price,omitempty"`
	AccountClass   string `json:"account_class"`
	TimeInForce    string `json:"time_in_force,omitempty"` // Defaults to GTC
	Leverage       int    `json:"leverage,omitempty"`
	ReduceOnly     bool   `json:"reduce_only,omitempty"`
}

// OrderResponse represents an order snapshot
type OrderResponse struct {
	OrderID          string         `json:"order_id"`
	ClientOrderID    string         `json:"client_order_id"`
	ExchangeOrderID  string         `json:"exchange_order_id,omitempty"`
	ExchangeID       string         `json:"exchange_id"`
	Symbol           string         `json:"symbol"`
	Side             string         `json:"side"`
	Type             string         `json:"type"`
	Quantity         string         `json:"quantity"`
	Price            string         `json:"price,omitempty"`
	Status           string         `json:"status"`
	FilledQty        string         `json:"filled_qty"`
	RemainingQty     string         `json:"remaining_qty"`
	AverageFillPrice string         `json:"average_fill_price"`
	Fills            []FillDTO      `json:"fills"`
	CancelRequested  bool           `json:"cancel_requested"`
	Frozen           bool           `json:"frozen"`
	Ambiguous        bool           `json:"ambiguous"`
	Anomaly          *order.Anomaly `json:"anomaly,omitempty"`
	LastError        string         `json:"last_error,omitempty"`
	Version          int64          `json:"version"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// FillDTO represents one partial fill
type FillDTO struct {
	Sequence   int64     `json:"sequence"`
	FillID     string    `json:"fill_id,omitempty"`
	Price      string    `json:"price"`
	Quantity   string    `json:"quantity"`
	Fee        string    `json:"fee"`
	FeeAsset   string    `json:"fee_asset,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// EventsResponse is one page of the exchange event journal
type EventsResponse struct {
	ExchangeID string        `json:"exchange_id"`
	Events     []order.Event `json:"events"`
	NextFrom   int64         `json:"next_from"` // sequence to poll from next
}

// PositionDTO is the projected net position of one symbol
type PositionDTO struct {
	Symbol           string    `json:"symbol"`
	NetQuantity      string    `json:"net_quantity"`
	BoughtQuantity   string    `json:"bought_quantity"`
	SoldQuantity     string    `json:"sold_quantity"`
	AverageBuyPrice  string    `json:"average_buy_price"`
	AverageSellPrice string    `json:"average_sell_price"`
	Fees             string    `json:"fees"`
	FillCount        int       `json:"fill_count"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// PositionsResponse lists the projected positions of an exchange
type PositionsResponse struct {
	ExchangeID string        `json:"exchange_id"`
	Positions  []PositionDTO `json:"positions"`
}

// HealthResponse is returned by /healthz
type HealthResponse struct {
	Status    string   `json:"status"`
	Exchanges []string `json:"exchanges"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Code    string `json:"code"`    // Error code
	Message string `json:"message"` // Error message
}

func toOrderResponse(o *order.Order) OrderResponse {
	resp := OrderResponse{
		OrderID:          o.OrderID,
		ClientOrderID:    o.ClientOrderID,
		ExchangeOrderID:  o.ExchangeOrderID,
		ExchangeID:       o.ExchangeID(),
		Symbol:           o.Request.Symbol,
		Side:             string(o.Request.Side),
		Type:             string(o.Request.Type),
		Quantity:         o.Request.Quantity.String(),
		Status:           string(o.Status),
		FilledQty:        o.FilledQuantity.String(),
		RemainingQty:     o.RemainingQuantity().String(),
		AverageFillPrice: o.AverageFillPrice.String(),
		Fills:            make([]FillDTO, 0, len(o.Fills)),
		CancelRequested:  o.CancelRequested,
		Frozen:           o.Frozen,
		Ambiguous:        o.Ambiguous,
		Anomaly:          o.Anomaly,
		LastError:        o.LastError,
		Version:          o.Version,
		CreatedAt:        o.CreatedAt,
		UpdatedAt:        o.UpdatedAt,
	}
	if !o.Request.Price.IsZero() {
		resp.Price = o.Request.Price.String()
	}
	for _, f := range o.Fills {
		resp.Fills = append(resp.Fills, FillDTO{
			Sequence:   f.Sequence,
			FillID:     f.FillID,
			Price:      f.Price.String(),
			Quantity:   f.Quantity.String(),
			Fee:        f.Fee.String(),
			FeeAsset:   f.FeeAsset,
			OccurredAt: f.OccurredAt,
		})
	}
	return resp
}

func toPositionDTO(p *projection.PositionView) PositionDTO {
	return PositionDTO{
		Symbol:           p.Symbol,
		NetQuantity:      p.NetQuantity.String(),
		BoughtQuantity:   p.BoughtQuantity.String(),
		SoldQuantity:     p.SoldQuantity.String(),
		AverageBuyPrice:  p.AverageBuyPrice().StringFixed(8),
		AverageSellPrice: p.AverageSellPrice().StringFixed(8),
		Fees:             p.Fees.String(),
		FillCount:        p.FillCount,
		UpdatedAt:        p.UpdatedAt,
	}
}
