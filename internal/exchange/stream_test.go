package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestRunStream_ReconnectsUntilCancelled(t *testing.T) {
	reconnectInitial = time.Millisecond
	t.Cleanup(func() { reconnectInitial = time.Second })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var flags []bool
	err := RunStream(ctx, zaptest.NewLogger(t), func(ctx context.Context, reconnect bool, connected func()) error {
		flags = append(flags, reconnect)
		if len(flags) < 3 {
			return errors.New("connection reset")
		}
		connected()
		cancel()
		<-ctx.Done()
		return ctx.Err()
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []bool{false, true, true}, flags)
}

func TestSendUpdate_HonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := SendUpdate(ctx, make(chan StreamUpdate), StreamUpdate{})
	assert.ErrorIs(t, err, context.Canceled)
}
