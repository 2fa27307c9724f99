package order

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies a lifecycle event
type EventType string

const (
	EventSubmitted             EventType = "Submitted"
	EventPartialFill           EventType = "PartialFill"
	EventFilled                EventType = "Filled"
	EventCancelled             EventType = "Cancelled"
	EventRejected              EventType = "Rejected"
	EventSubmissionFailed      EventType = "SubmissionFailed"
	EventReconciliationAnomaly EventType = "ReconciliationAnomaly"
)

// Event is a lifecycle notification for downstream consumers
type Event struct {
	EventID         string       `json:"event_id"`
	Type            EventType    `json:"type"`
	OrderID         string       `json:"order_id"`
	ClientOrderID   string       `json:"client_order_id"`
	ExchangeID      string       `json:"exchange_id"`
	ExchangeOrderID string       `json:"exchange_order_id,omitempty"`
	Symbol          string       `json:"symbol"`
	Side            Side         `json:"side"`
	Status          Status       `json:"status"`
	OrderVersion    int64        `json:"order_version"`
	FilledQuantity  string       `json:"filled_quantity"`
	AveragePrice    string       `json:"average_price"`
	Fill            *PartialFill `json:"fill,omitempty"`
	Anomaly         *Anomaly     `json:"anomaly,omitempty"`
	Reason          string       `json:"reason,omitempty"`
	OccurredAt      time.Time    `json:"occurred_at"`

	// Sequence is assigned by the journal (per exchange) when the event is persisted
	Sequence int64 `json:"sequence,omitempty"`
}

// NewEvent builds an event from the order snapshot it describes
func NewEvent(t EventType, o *Order, at time.Time) Event {
	return Event{
		EventID:         uuid.NewString(),
		Type:            t,
		OrderID:         o.OrderID,
		ClientOrderID:   o.ClientOrderID,
		ExchangeID:      o.ExchangeID(),
		ExchangeOrderID: o.ExchangeOrderID,
		Symbol:          o.Request.Symbol,
		Side:            o.Request.Side,
		Status:          o.Status,
		OrderVersion:    o.Version,
		FilledQuantity:  o.FilledQuantity.String(),
		AveragePrice:    o.AverageFillPrice.String(),
		Reason:          o.LastError,
		OccurredAt:      at,
	}
}
