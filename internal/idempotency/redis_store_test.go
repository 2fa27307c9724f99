package idempotency_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-gateway/internal/idempotency"
	"execution-gateway/internal/idempotency/idempotencytest"
	"execution-gateway/internal/order"
)

func newRedisStore(t *testing.T) (*idempotency.RedisStore, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return idempotency.NewRedisStore(client, "", time.Hour), mr
}

func TestRedisStore_Contract(t *testing.T) {
	idempotencytest.RunContract(t, func(t *testing.T) idempotency.Store {
		s, _ := newRedisStore(t)
		return s
	})
}

func TestRedisStore_CompletedRecordsExpire(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t)

	_, err := s.Reserve(ctx, "k", "ord-1", "h")
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, "k", order.Outcome{Kind: order.OutcomeSubmitted, OrderID: "ord-1"}))

	mr.FastForward(2 * time.Hour)

	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, idempotency.ErrNotFound)
}

func TestRedisStore_CompleteRestartsRetention(t *testing.T) {
	ctx := context.Background()
	s, _ := newRedisStore(t)

	_, err := s.Reserve(ctx, "k", "ord-1", "h")
	require.NoError(t, err)
	reserved, err := s.Get(ctx, "k")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.Complete(ctx, "k", order.Outcome{Kind: order.OutcomeSubmitted, OrderID: "ord-1"}))

	rec, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, idempotency.StateCompleted, rec.State)
	assert.True(t, rec.ExpiresAt.Equal(rec.CompletedAt.Add(time.Hour)), "expires_at %s completed_at %s", rec.ExpiresAt, rec.CompletedAt)
	assert.True(t, rec.ExpiresAt.After(reserved.ExpiresAt))
}

func TestRedisStore_FailsClosedWhenUnavailable(t *testing.T) {
	s, mr := newRedisStore(t)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := s.Reserve(ctx, "k", "ord-1", "h")
	assert.Error(t, err)
}
