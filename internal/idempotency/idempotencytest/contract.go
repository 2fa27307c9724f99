// Package idempotencytest provides a behavioural suite shared by all idempotency.Store backends.
package idempotencytest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-gateway/internal/idempotency"
	"execution-gateway/internal/order"
)

// RunContract runs the store suite. newStore must return an empty store.
func RunContract(t *testing.T, newStore func(t *testing.T) idempotency.Store) {
	ctx := context.Background()
	submitted := order.Outcome{Kind: order.OutcomeSubmitted, OrderID: "ord-1", ExchangeOrderID: "x-1", Status: order.StatusSubmitted}

	t.Run("fresh then in-flight then completed", func(t *testing.T) {
		s := newStore(t)

		res, err := s.Reserve(ctx, "k1", "ord-1", "h1")
		require.NoError(t, err)
		assert.Equal(t, idempotency.Fresh, res.Kind)

		res, err = s.Reserve(ctx, "k1", "ord-1", "h1")
		require.NoError(t, err)
		assert.Equal(t, idempotency.InFlight, res.Kind)
		assert.Equal(t, "ord-1", res.Record.OrderID)

		require.NoError(t, s.Complete(ctx, "k1", submitted))

		res, err = s.Reserve(ctx, "k1", "ord-1", "h1")
		require.NoError(t, err)
		assert.Equal(t, idempotency.Completed, res.Kind)
		require.NotNil(t, res.Record.Outcome)
		assert.True(t, res.Record.Outcome.Equal(submitted))
	})

	t.Run("payload conflict", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Reserve(ctx, "k1", "ord-1", "h1")
		require.NoError(t, err)

		_, err = s.Reserve(ctx, "k1", "ord-1", "h2")
		assert.ErrorIs(t, err, idempotency.ErrConflict)
	})

	t.Run("complete is idempotent for equal outcome and loud otherwise", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Reserve(ctx, "k1", "ord-1", "h1")
		require.NoError(t, err)

		require.NoError(t, s.Complete(ctx, "k1", submitted))
		require.NoError(t, s.Complete(ctx, "k1", submitted))

		failed := order.Outcome{Kind: order.OutcomeSubmissionFailed, OrderID: "ord-1", Reason: "network"}
		assert.ErrorIs(t, s.Complete(ctx, "k1", failed), idempotency.ErrOutcomeConflict)

		rec, err := s.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, idempotency.StateCompleted, rec.State)
		assert.True(t, rec.Outcome.Equal(submitted))
	})

	t.Run("complete unknown key", func(t *testing.T) {
		s := newStore(t)
		assert.ErrorIs(t, s.Complete(ctx, "missing", submitted), idempotency.ErrNotFound)
		_, err := s.Get(ctx, "missing")
		assert.ErrorIs(t, err, idempotency.ErrNotFound)
	})

	t.Run("in-flight outcome cannot complete", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Reserve(ctx, "k1", "ord-1", "h1")
		require.NoError(t, err)
		assert.ErrorIs(t, s.Complete(ctx, "k1", order.Outcome{Kind: order.OutcomeInFlight}), idempotency.ErrNotFinal)
	})

	t.Run("completion restarts retention", func(t *testing.T) {
		s := newStore(t)
		res, err := s.Reserve(ctx, "k1", "ord-1", "h1")
		require.NoError(t, err)

		time.Sleep(5 * time.Millisecond)
		require.NoError(t, s.Complete(ctx, "k1", submitted))

		rec, err := s.Get(ctx, "k1")
		require.NoError(t, err)
		assert.True(t, rec.ExpiresAt.After(rec.CompletedAt))
		assert.True(t, rec.ExpiresAt.After(res.Record.ExpiresAt), "expires_at was not moved on completion")
	})

	t.Run("list in-flight", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Reserve(ctx, "a", "ord-a", "h")
		require.NoError(t, err)
		_, err = s.Reserve(ctx, "b", "ord-b", "h")
		require.NoError(t, err)
		require.NoError(t, s.Complete(ctx, "b", order.Outcome{Kind: order.OutcomeRejected, OrderID: "ord-b"}))

		recs, err := s.ListInFlight(ctx, time.Now().Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, "a", recs[0].Key)

		recs, err = s.ListInFlight(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	t.Run("concurrent reserve yields exactly one fresh", func(t *testing.T) {
		s := newStore(t)
		const n = 20
		var wg sync.WaitGroup
		kinds := make(chan idempotency.ReservationKind, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := s.Reserve(ctx, "race", "ord-race", "h")
				if err == nil {
					kinds <- res.Kind
				}
			}()
		}
		wg.Wait()
		close(kinds)

		fresh := 0
		total := 0
		for k := range kinds {
			total++
			if k == idempotency.Fresh {
				fresh++
			}
		}
		assert.Equal(t, n, total)
		assert.Equal(t, 1, fresh)
	})
}
