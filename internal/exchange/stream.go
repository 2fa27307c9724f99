package exchange

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

var (
	reconnectInitial = time.Second
	reconnectMax     = time.Minute
)

// Session runs one stream connection until it fails. connected must be called once
// the connection is established; it resets the reconnect backoff.
type Session func(ctx context.Context, reconnect bool, connected func()) error

// RunStream keeps a venue stream alive, reconnecting with exponential backoff until ctx is done.
// reconnect is false only for the first session.
func RunStream(ctx context.Context, logger *zap.Logger, session Session) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = reconnectInitial
	bo.MaxInterval = reconnectMax

	reconnect := false
	for {
		err := session(ctx, reconnect, bo.Reset)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		reconnect = true
		delay := bo.NextBackOff()
		logger.Warn("stream disconnected", zap.Error(err), zap.Duration("retry_in", delay))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// SendUpdate delivers u unless ctx is done first
func SendUpdate(ctx context.Context, out chan<- StreamUpdate, u StreamUpdate) error {
	select {
	case out <- u:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
