package gateway

import (
	"errors"
)

var (
	ErrInvalidRequest         = errors.New("invalid order request")
	ErrIdempotencyUnavailable = errors.New("idempotency store unavailable")
	ErrCancelNotConfirmed     = errors.New("cancel not confirmed by exchange")
)
