package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-gateway/internal/exchange"
	"execution-gateway/internal/order"
)

func view(status order.Status, filled string) exchange.OrderView {
	return exchange.OrderView{ExchangeOrderID: "x-1", Status: status, FilledQuantity: dec(filled)}
}

func TestReconcile_PendingNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.create(t, "1", order.TimeInForceGTC)

	res, err := f.m.Reconcile(ctx, o.OrderID, VenueSnapshot{Found: false})
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, res.Status, "still within submission timeout")

	f.clock = f.clock.Add(11 * time.Second)
	res, err = f.m.Reconcile(ctx, o.OrderID, VenueSnapshot{Found: false})
	require.NoError(t, err)
	assert.Equal(t, order.StatusSubmissionFailed, res.Status)
	assert.True(t, res.Changed)
}

func TestReconcile_PendingFoundCatchesUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.create(t, "2", order.TimeInForceGTC)

	res, err := f.m.Reconcile(ctx, o.OrderID, VenueSnapshot{
		Found: true,
		View:  view(order.StatusFilled, "2"),
		Fills: []order.PartialFill{fill(1, "1", "100"), fill(2, "1", "102")},
	})
	require.NoError(t, err)
	assert.Equal(t, order.StatusFilled, res.Status)
	assert.Nil(t, res.Anomaly)

	got, err := f.m.Get(ctx, o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "x-1", got.ExchangeOrderID)
	assert.True(t, got.AverageFillPrice.Equal(dec("101")))
	assert.False(t, got.LastExchangeSyncAt.IsZero())
}

func TestReconcile_CatchUpSupersedesBufferedGap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.submitted(t, "3")

	_, err := f.m.ApplyFill(ctx, o.OrderID, fill(2, "1", "100"))
	require.NoError(t, err)

	res, err := f.m.Reconcile(ctx, o.OrderID, VenueSnapshot{
		Found: true,
		View:  view(order.StatusPartiallyFilled, "2"),
		Fills: []order.PartialFill{fill(1, "1", "100"), fill(2, "1", "100")},
	})
	require.NoError(t, err)
	assert.Equal(t, order.StatusPartiallyFilled, res.Status)

	f.clock = f.clock.Add(time.Minute)
	assert.Empty(t, f.m.SweepGaps(ctx))
}

func TestReconcile_UnrequestedCancelIsAnomaly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.submitted(t, "2")
	_, err := f.m.ApplyFill(ctx, o.OrderID, fill(1, "1", "100"))
	require.NoError(t, err)

	res, err := f.m.Reconcile(ctx, o.OrderID, VenueSnapshot{
		Found: true,
		View:  view(order.StatusCancelled, "1"),
		Fills: []order.PartialFill{fill(1, "1", "100")},
	})
	require.NoError(t, err)
	require.NotNil(t, res.Anomaly)
	assert.Equal(t, order.AnomalyStatusDivergence, res.Anomaly.Kind)
	assert.Equal(t, order.StatusPartiallyFilled, res.Status)

	got, _ := f.m.Get(ctx, o.OrderID)
	assert.True(t, got.Frozen)

	res, err = f.m.Reconcile(ctx, o.OrderID, VenueSnapshot{Found: true, View: view(order.StatusCancelled, "1")})
	require.NoError(t, err)
	assert.True(t, res.Skipped, "frozen orders are left for the operator")
}

func TestReconcile_RequestedCancelApplies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.submitted(t, "2")
	_, err := f.m.MarkCancelRequested(ctx, o.OrderID, o.Version)
	require.NoError(t, err)

	res, err := f.m.Reconcile(ctx, o.OrderID, VenueSnapshot{
		Found: true,
		View:  view(order.StatusCancelled, "0.5"),
		Fills: []order.PartialFill{fill(1, "0.5", "100")},
	})
	require.NoError(t, err)
	assert.Nil(t, res.Anomaly)
	assert.Equal(t, order.StatusCancelled, res.Status)

	got, _ := f.m.Get(ctx, o.OrderID)
	assert.True(t, got.FilledQuantity.Equal(dec("0.5")))
}

func TestReconcile_IOCExpiryApplies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.create(t, "2", order.TimeInForceIOC)
	_, err := f.m.MarkSubmitted(ctx, o.OrderID, exchange.Ack{ExchangeOrderID: "x-1", Status: order.StatusSubmitted})
	require.NoError(t, err)

	res, err := f.m.Reconcile(ctx, o.OrderID, VenueSnapshot{Found: true, View: view(order.StatusCancelled, "0")})
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, res.Status)
	assert.Nil(t, res.Anomaly)
}

func TestReconcile_LocalAheadOfExchange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.submitted(t, "2")
	_, err := f.m.ApplyFill(ctx, o.OrderID, fill(1, "1", "100"))
	require.NoError(t, err)

	res, err := f.m.Reconcile(ctx, o.OrderID, VenueSnapshot{Found: true, View: view(order.StatusSubmitted, "0")})
	require.NoError(t, err)
	require.NotNil(t, res.Anomaly)
	assert.Equal(t, order.AnomalyFillDivergence, res.Anomaly.Kind)
}

func TestReconcile_AmbiguousFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o := f.create(t, "1", order.TimeInForceGTC)
	_, err := f.m.MarkSubmissionFailed(ctx, o.OrderID, "timeout", true)
	require.NoError(t, err)

	res, err := f.m.Reconcile(ctx, o.OrderID, VenueSnapshot{Found: false})
	require.NoError(t, err)
	assert.Nil(t, res.Anomaly)
	got, _ := f.m.Get(ctx, o.OrderID)
	assert.False(t, got.Ambiguous, "venue confirmed absence")

	o2 := f.create(t, "2", order.TimeInForceGTC)
	_, err = f.m.MarkSubmissionFailed(ctx, o2.OrderID, "timeout", true)
	require.NoError(t, err)
	res, err = f.m.Reconcile(ctx, o2.OrderID, VenueSnapshot{Found: true, View: view(order.StatusFilled, "2")})
	require.NoError(t, err)
	require.NotNil(t, res.Anomaly)
	assert.Equal(t, order.StatusSubmissionFailed, res.Status)
}

func TestReconcile_AcknowledgedOrderMissing(t *testing.T) {
	f := newFixture(t)
	o := f.submitted(t, "1")
	res, err := f.m.Reconcile(context.Background(), o.OrderID, VenueSnapshot{Found: false})
	require.NoError(t, err)
	require.NotNil(t, res.Anomaly)
	assert.Equal(t, order.AnomalyStatusDivergence, res.Anomaly.Kind)
}

func TestReconcile_VenueFilledOnLocallyCancelledOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.submitted(t, "2")
	_, err := f.m.MarkCancelled(ctx, o.OrderID, exchange.CancelAck{Status: order.StatusCancelled})
	require.NoError(t, err)

	res, err := f.m.Reconcile(ctx, o.OrderID, VenueSnapshot{
		Found: true,
		View:  view(order.StatusFilled, "2"),
		Fills: []order.PartialFill{fill(1, "2", "100")},
	})
	require.NoError(t, err)
	require.NotNil(t, res.Anomaly)
	assert.Equal(t, order.AnomalyStatusDivergence, res.Anomaly.Kind)

	got, err := f.m.Get(ctx, o.OrderID)
	require.NoError(t, err)
	assert.True(t, got.Frozen)
	assert.Equal(t, order.StatusCancelled, got.Status)
}

func TestReconcile_VenueFilledWithMatchingFillsCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.submitted(t, "0.0129")

	// the venue executed less than requested and reports the order done
	_, err := f.m.ApplyFill(ctx, o.OrderID, fill(1, "0.012", "100"))
	require.NoError(t, err)

	res, err := f.m.Reconcile(ctx, o.OrderID, VenueSnapshot{
		Found: true,
		View:  view(order.StatusFilled, "0.012"),
		Fills: []order.PartialFill{fill(1, "0.012", "100")},
	})
	require.NoError(t, err)
	assert.Equal(t, order.StatusFilled, res.Status)
	assert.Nil(t, res.Anomaly)
	assert.Equal(t, order.EventFilled, f.pub.last().Type)
}
