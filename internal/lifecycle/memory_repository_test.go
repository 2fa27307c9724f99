package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-gateway/internal/order"
)

func repoOrder(id, exchangeID string, status order.Status) *order.Order {
	return &order.Order{
		OrderID:       id,
		ClientOrderID: "c-" + id,
		Request:       order.Request{ExchangeID: exchangeID, Symbol: "BTCUSDT"},
		Status:        status,
		Version:       1,
		CreatedAt:     time.Unix(1700000000, 0),
	}
}

func TestMemoryRepository_InsertUpdateCAS(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	o := repoOrder("o1", "binance-spot", order.StatusPending)

	require.NoError(t, r.Insert(ctx, o))
	assert.ErrorIs(t, r.Insert(ctx, o), ErrOrderExists)

	o.Status = order.StatusSubmitted
	o.Version = 2
	require.NoError(t, r.Update(ctx, o, 1))
	assert.ErrorIs(t, r.Update(ctx, o, 1), ErrVersionConflict)

	got, err := r.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusSubmitted, got.Status)

	got.Status = order.StatusFilled
	again, _ := r.Get(ctx, "o1")
	assert.Equal(t, order.StatusSubmitted, again.Status, "returned orders are copies")

	byClient, err := r.GetByClientOrderID(ctx, "binance-spot", "c-o1")
	require.NoError(t, err)
	assert.Equal(t, "o1", byClient.OrderID)

	_, err = r.GetByClientOrderID(ctx, "mt5", "c-o1")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestMemoryRepository_Listing(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()

	open := repoOrder("open", "binance-spot", order.StatusSubmitted)
	done := repoOrder("done", "binance-spot", order.StatusFilled)
	done.TerminalAt = time.Unix(1700000100, 0)
	ambiguous := repoOrder("amb", "binance-spot", order.StatusSubmissionFailed)
	ambiguous.Ambiguous = true
	frozen := repoOrder("frozen", "binance-spot", order.StatusSubmitted)
	frozen.Frozen = true
	other := repoOrder("other", "mt5", order.StatusSubmitted)

	for _, o := range []*order.Order{open, done, ambiguous, frozen, other} {
		require.NoError(t, r.Insert(ctx, o))
	}

	list, err := r.ListOpen(ctx, "binance-spot")
	require.NoError(t, err)
	ids := []string{}
	for _, o := range list {
		ids = append(ids, o.OrderID)
	}
	assert.ElementsMatch(t, []string{"open", "amb"}, ids)

	terminal, err := r.ListTerminalBefore(ctx, time.Unix(1700000200, 0), 10)
	require.NoError(t, err)
	require.Len(t, terminal, 1)
	assert.Equal(t, "done", terminal[0].OrderID)

	require.NoError(t, r.Delete(ctx, "done"))
	_, err = r.Get(ctx, "done")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}
