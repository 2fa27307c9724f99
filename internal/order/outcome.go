package order

// OutcomeKind is the result class of a placement
type OutcomeKind string

const (
	OutcomeSubmitted        OutcomeKind = "SUBMITTED"
	OutcomeInFlight         OutcomeKind = "IN_FLIGHT"
	OutcomeRejected         OutcomeKind = "REJECTED"
	OutcomeSubmissionFailed OutcomeKind = "SUBMISSION_FAILED"
)

// Outcome is what place_order returns, and what the idempotency store caches
type Outcome struct {
	Kind            OutcomeKind `json:"kind"`
	OrderID         string      `json:"order_id"`
	ClientOrderID   string      `json:"client_order_id,omitempty"`
	ExchangeOrderID string      `json:"exchange_order_id,omitempty"`
	Status          Status      `json:"status,omitempty"`
	ErrorKind       string      `json:"error_kind,omitempty"`
	Reason          string      `json:"reason,omitempty"`
}

// Equal reports whether two outcomes describe the same result
func (o Outcome) Equal(other Outcome) bool {
	return o == other
}

// IsFinal reports whether the outcome may be cached as the completion of a reservation
func (o Outcome) IsFinal() bool {
	return o.Kind != OutcomeInFlight && o.Kind != ""
}

// CancelOutcome is what cancel_order returns
type CancelOutcome struct {
	OrderID        string `json:"order_id"`
	Status         Status `json:"status"`
	FilledQuantity string `json:"filled_quantity"`
	Remaining      string `json:"remaining_quantity"`
}

// OutcomeOf derives the placement outcome from the order's current state
func OutcomeOf(o *Order) Outcome {
	out := Outcome{
		OrderID:         o.OrderID,
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: o.ExchangeOrderID,
		Status:          o.Status,
	}
	switch o.Status {
	case StatusPending:
		out.Kind = OutcomeInFlight
	case StatusRejected:
		out.Kind = OutcomeRejected
		out.Reason = o.LastError
	case StatusSubmissionFailed:
		out.Kind = OutcomeSubmissionFailed
		out.Reason = o.LastError
	default:
		out.Kind = OutcomeSubmitted
	}
	return out
}
