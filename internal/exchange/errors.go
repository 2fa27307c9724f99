package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies adapter failures
type Kind string

const (
	KindNetwork      Kind = "NETWORK"
	KindRateLimited  Kind = "RATE_LIMITED"
	KindRejected     Kind = "REJECTED"
	KindAuthFailure  Kind = "AUTH_FAILURE"
	KindMarketClosed Kind = "MARKET_CLOSED"
	KindDuplicate    Kind = "DUPLICATE"
	KindNotFound     Kind = "NOT_FOUND"
)

// Retryable reports whether the same request may be sent again
func (k Kind) Retryable() bool {
	return k == KindNetwork || k == KindRateLimited || k == KindMarketClosed
}

// Ambiguous reports whether the request may have reached the venue despite the error
func (k Kind) Ambiguous() bool {
	return k == KindNetwork
}

// AdapterError is the single error type returned by adapters
type AdapterError struct {
	Kind       Kind
	Exchange   string
	Op         string
	Code       string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *AdapterError) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Exchange, e.Op, e.Kind)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// Is matches another *AdapterError by Kind, so errors.Is(err, &AdapterError{Kind: KindNetwork}) works
func (e *AdapterError) Is(target error) bool {
	t, ok := target.(*AdapterError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NewError builds an AdapterError
func NewError(kind Kind, exchange, op, code, message string) *AdapterError {
	return &AdapterError{Kind: kind, Exchange: exchange, Op: op, Code: code, Message: message}
}

// KindOf extracts the Kind of err. ok is false for non-adapter errors.
func KindOf(err error) (Kind, bool) {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	return "", false
}

// IsKind reports whether err is an AdapterError of kind k
func IsKind(err error, k Kind) bool {
	kind, ok := KindOf(err)
	return ok && kind == k
}

// RetryAfterOf returns the venue's retry hint, if any
func RetryAfterOf(err error) time.Duration {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.RetryAfter
	}
	return 0
}

// Classify converts transport-level failures into AdapterErrors. AdapterErrors pass through.
func Classify(exchange, op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *AdapterError
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	// deadlines, resets, DNS and TLS failures all leave the venue state unknown
	return &AdapterError{Kind: KindNetwork, Exchange: exchange, Op: op, Err: err}
}
