package api

import (
	"errors"
	"net/http"

	"execution-gateway/internal/breaker"
	"execution-gateway/internal/exchange"
	"execution-gateway/internal/gateway"
	"execution-gateway/internal/idempotency"
	"execution-gateway/internal/lifecycle"
	"execution-gateway/internal/ratelimit"
)

// ErrorCode represents unified API error codes
type ErrorCode string

const (
	ErrorCodeInvalidArgument        ErrorCode = "INVALID_ARGUMENT"
	ErrorCodeOrderNotFound          ErrorCode = "ORDER_NOT_FOUND"
	ErrorCodeExchangeNotFound       ErrorCode = "EXCHANGE_NOT_FOUND"
	ErrorCodeIdempotencyConflict    ErrorCode = "IDEMPOTENCY_CONFLICT"
	ErrorCodeIdempotencyUnavailable ErrorCode = "IDEMPOTENCY_UNAVAILABLE"
	ErrorCodeOrderAlreadyTerminal   ErrorCode = "ORDER_ALREADY_TERMINAL"
	ErrorCodeOrderFrozen            ErrorCode = "ORDER_FROZEN"
	ErrorCodeCancelNotConfirmed     ErrorCode = "CANCEL_NOT_CONFIRMED"
	ErrorCodeCircuitOpen            ErrorCode = "CIRCUIT_OPEN"
	ErrorCodeRateLimited            ErrorCode = "RATE_LIMITED"
	ErrorCodeExchangeError          ErrorCode = "EXCHANGE_ERROR"
	ErrorCodeInternalError          ErrorCode = "INTERNAL_ERROR"
)

// MapErrorToHTTP maps gateway errors to HTTP status codes and error responses
func MapErrorToHTTP(err error) (int, ErrorResponse) {
	if err == nil {
		return http.StatusOK, ErrorResponse{}
	}

	status, code := http.StatusInternalServerError, ErrorCodeInternalError
	switch {
	case errors.Is(err, gateway.ErrInvalidRequest), errors.Is(err, lifecycle.ErrInvalidArgument):
		status, code = http.StatusBadRequest, ErrorCodeInvalidArgument
	case errors.Is(err, idempotency.ErrConflict):
		status, code = http.StatusConflict, ErrorCodeIdempotencyConflict
	case errors.Is(err, gateway.ErrIdempotencyUnavailable):
		status, code = http.StatusServiceUnavailable, ErrorCodeIdempotencyUnavailable
	case errors.Is(err, lifecycle.ErrOrderNotFound):
		status, code = http.StatusNotFound, ErrorCodeOrderNotFound
	case errors.Is(err, exchange.ErrUnknownExchange):
		status, code = http.StatusNotFound, ErrorCodeExchangeNotFound
	case errors.Is(err, lifecycle.ErrAlreadyTerminal):
		status, code = http.StatusConflict, ErrorCodeOrderAlreadyTerminal
	case errors.Is(err, lifecycle.ErrOrderFrozen):
		status, code = http.StatusConflict, ErrorCodeOrderFrozen
	case errors.Is(err, gateway.ErrCancelNotConfirmed):
		status, code = http.StatusBadGateway, ErrorCodeCancelNotConfirmed
	case errors.Is(err, breaker.ErrOpen):
		status, code = http.StatusServiceUnavailable, ErrorCodeCircuitOpen
	case errors.Is(err, ratelimit.ErrRateLimitExceeded):
		status, code = http.StatusTooManyRequests, ErrorCodeRateLimited
	default:
		var adapterErr *exchange.AdapterError
		if errors.As(err, &adapterErr) {
			status, code = http.StatusBadGateway, ErrorCodeExchangeError
		}
	}
	return status, ErrorResponse{Code: string(code), Message: err.Error()}
}
