package mock

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-gateway/internal/exchange"
	"execution-gateway/internal/order"
)

func testOrder(cid string, typ order.Type) *order.Order {
	return &order.Order{
		OrderID:       "ord-" + cid,
		ClientOrderID: cid,
		Request: order.Request{
			ExchangeID: "mock",
			Symbol:     "BTCUSDT",
			Side:       order.SideBuy,
			Type:       typ,
			Quantity:   decimal.RequireFromString("2"),
			Price:      decimal.RequireFromString("100"),
		},
	}
}

func TestExchange_SubmitDuplicateAndQuery(t *testing.T) {
	ex := New("mock")
	ctx := context.Background()

	ack, err := ex.Submit(ctx, testOrder("c1", order.TypeLimit))
	require.NoError(t, err)
	assert.Equal(t, "m-1", ack.ExchangeOrderID)
	assert.Equal(t, order.StatusSubmitted, ack.Status)

	_, err = ex.Submit(ctx, testOrder("c1", order.TypeLimit))
	assert.True(t, exchange.IsKind(err, exchange.KindDuplicate))
	assert.Equal(t, 1, ex.Orders())

	view, err := ex.QueryStatus(ctx, exchange.OrderRef{ClientOrderID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "m-1", view.ExchangeOrderID)

	_, err = ex.QueryStatus(ctx, exchange.OrderRef{ClientOrderID: "nope"})
	assert.True(t, exchange.IsKind(err, exchange.KindNotFound))
}

func TestExchange_DroppedAckStillBooks(t *testing.T) {
	ex := New("mock")
	ctx := context.Background()
	ex.DropAcks(1)

	_, err := ex.Submit(ctx, testOrder("c1", order.TypeLimit))
	assert.True(t, exchange.IsKind(err, exchange.KindNetwork))
	assert.Equal(t, 1, ex.Orders())

	_, err = ex.Submit(ctx, testOrder("c1", order.TypeLimit))
	assert.True(t, exchange.IsKind(err, exchange.KindDuplicate))
}

func TestExchange_ScriptedFailures(t *testing.T) {
	ex := New("mock")
	ctx := context.Background()
	ex.FailNext(OpSubmit, exchange.KindRateLimited, 2)

	for i := 0; i < 2; i++ {
		_, err := ex.Submit(ctx, testOrder("c1", order.TypeLimit))
		assert.True(t, exchange.IsKind(err, exchange.KindRateLimited))
	}
	_, err := ex.Submit(ctx, testOrder("c1", order.TypeLimit))
	require.NoError(t, err)
	assert.Equal(t, 3, ex.Calls(OpSubmit))
}

func TestExchange_MarketOrderFillsOnSubmit(t *testing.T) {
	ex := New("mock")
	ex.MarketPrice = decimal.RequireFromString("50000")

	ack, err := ex.Submit(context.Background(), testOrder("c1", order.TypeMarket))
	require.NoError(t, err)
	assert.Equal(t, order.StatusFilled, ack.Status)
	require.Len(t, ack.Fills, 1)
	assert.True(t, ack.Fills[0].Quantity.Equal(decimal.RequireFromString("2")))
}

func TestExchange_FillsAndCancel(t *testing.T) {
	ex := New("mock")
	ctx := context.Background()
	_, err := ex.Submit(ctx, testOrder("c1", order.TypeLimit))
	require.NoError(t, err)

	_, err = ex.Fill("c1", decimal.RequireFromString("0.5"), decimal.RequireFromString("99"), false)
	require.NoError(t, err)
	_, err = ex.Fill("c1", decimal.RequireFromString("5"), decimal.RequireFromString("99"), false)
	assert.Error(t, err)

	ack, err := ex.Cancel(ctx, exchange.OrderRef{ExchangeOrderID: "m-1"})
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, ack.Status)
	assert.True(t, ack.FilledQuantity.Equal(decimal.RequireFromString("0.5")))

	_, err = ex.Cancel(ctx, exchange.OrderRef{ClientOrderID: "c1"})
	assert.True(t, exchange.IsKind(err, exchange.KindRejected))

	fills, err := ex.QueryFills(ctx, exchange.OrderRef{ClientOrderID: "c1"})
	require.NoError(t, err)
	assert.Len(t, fills, 1)
}

func TestExchange_LatencyHonoursDeadline(t *testing.T) {
	ex := New("mock")
	ex.SetLatency(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := ex.Submit(ctx, testOrder("c1", order.TypeLimit))
	assert.True(t, exchange.IsKind(err, exchange.KindNetwork))
	assert.Equal(t, 0, ex.Orders())
}

func TestExchange_StreamPushesFills(t *testing.T) {
	ex := New("mock")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := ex.Submit(ctx, testOrder("c1", order.TypeLimit))
	require.NoError(t, err)

	out := make(chan exchange.StreamUpdate, 4)
	done := make(chan error, 1)
	go func() { done <- ex.Stream(ctx, out) }()

	require.Eventually(t, func() bool {
		ex.mu.Lock()
		defer ex.mu.Unlock()
		return len(ex.subs) == 1
	}, time.Second, 5*time.Millisecond)

	_, err = ex.Fill("c1", decimal.RequireFromString("2"), decimal.RequireFromString("100"), true)
	require.NoError(t, err)

	select {
	case u := <-out:
		assert.Equal(t, "c1", u.ClientOrderID)
		assert.Equal(t, order.StatusFilled, u.Status)
		require.NotNil(t, u.Fill)
		assert.Equal(t, int64(1), u.Fill.Sequence)
	case <-time.After(time.Second):
		t.Fatal("no stream update")
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
