package idempotency

import (
	"context"
	"errors"
	"time"

	"execution-gateway/internal/order"
)

var (
	ErrConflict        = errors.New("idempotency key conflict: same key with different payload")
	ErrOutcomeConflict = errors.New("idempotency record already completed with a different outcome")
	ErrNotFound        = errors.New("idempotency record not found")
	ErrNotFinal        = errors.New("outcome is not final")
)

// State of a record
type State string

const (
	StateInFlight  State = "IN_FLIGHT"
	StateCompleted State = "COMPLETED"
)

// Record stores the reservation and, once completed, the cached outcome
type Record struct {
	Key         string         `json:"key"`
	OrderID     string         `json:"order_id"`
	PayloadHash string         `json:"payload_hash"`
	State       State          `json:"state"`
	Outcome     *order.Outcome `json:"outcome,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt time.Time      `json:"completed_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
}

// ReservationKind is the result of Reserve
type ReservationKind int

const (
	Fresh ReservationKind = iota
	InFlight
	Completed
)

func (k ReservationKind) String() string {
	switch k {
	case Fresh:
		return "FRESH"
	case InFlight:
		return "IN_FLIGHT"
	case Completed:
		return "COMPLETED"
	default:
		return "UNKNOWN"
	}
}

// Reservation is returned by Reserve. Record is the stored record in every case.
type Reservation struct {
	Kind   ReservationKind
	Record Record
}

// Store is the durable idempotency store. Any error must be treated as unavailable (fail closed).
type Store interface {
	// Reserve atomically creates an InFlight record, or reports the existing one.
	Reserve(ctx context.Context, key, orderID, payloadHash string) (Reservation, error)

	// Complete moves InFlight to Completed. Repeating with an equal outcome is a no-op.
	Complete(ctx context.Context, key string, outcome order.Outcome) error

	// Get returns the record for a key
	Get(ctx context.Context, key string) (*Record, error)

	// ListInFlight returns InFlight records created before olderThan
	ListInFlight(ctx context.Context, olderThan time.Time) ([]Record, error)

	// Purge removes expired records and returns how many were removed
	Purge(ctx context.Context, now time.Time) (int, error)
}

// classify resolves an existing record against a new reservation attempt
func classify(rec Record, payloadHash string) (Reservation, error) {
	if rec.PayloadHash != payloadHash {
		return Reservation{Record: rec}, ErrConflict
	}
	if rec.State == StateCompleted {
		return Reservation{Kind: Completed, Record: rec}, nil
	}
	return Reservation{Kind: InFlight, Record: rec}, nil
}
