package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"execution-gateway/internal/exchange"
	"execution-gateway/internal/order"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []order.Event
}

func (p *recordingPublisher) Publish(_ context.Context, evt order.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}

func (p *recordingPublisher) types() []order.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]order.EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

func (p *recordingPublisher) last() order.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[len(p.events)-1]
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func fill(seq int64, qty, price string) order.PartialFill {
	return order.PartialFill{Sequence: seq, FillID: fmt.Sprintf("t-%d", seq), Quantity: dec(qty), Price: dec(price)}
}

type fixture struct {
	m     *Machine
	pub   *recordingPublisher
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{pub: &recordingPublisher{}, clock: time.Unix(1700000000, 0)}
	f.m = NewMachine(NewMemoryRepository(), f.pub, Config{GapTimeout: time.Second, SubmissionTimeout: 10 * time.Second}, zaptest.NewLogger(t))
	f.m.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) create(t *testing.T, qty string, tif order.TimeInForce) *order.Order {
	req := order.Request{
		IdempotencyKey: "k-" + qty,
		ExchangeID:     "binance-spot",
		Symbol:         "BTCUSDT",
		Side:           order.SideBuy,
		Type:           order.TypeLimit,
		Quantity:       dec(qty),
		Price:          dec("100"),
		AccountClass:   order.AccountSpot,
		TimeInForce:    tif,
	}
	o, err := f.m.Create(context.Background(), req, order.OrderIDFor(req.IdempotencyKey), order.ClientOrderIDFor(req.IdempotencyKey))
	require.NoError(t, err)
	return o
}

func (f *fixture) submitted(t *testing.T, qty string) *order.Order {
	o := f.create(t, qty, order.TimeInForceGTC)
	o, err := f.m.MarkSubmitted(context.Background(), o.OrderID, exchange.Ack{ExchangeOrderID: "x-1", Status: order.StatusSubmitted})
	require.NoError(t, err)
	return o
}

func TestMachine_SubmitAndFill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.create(t, "0.01", order.TimeInForceGTC)
	assert.Equal(t, order.StatusPending, o.Status)
	assert.Equal(t, int64(1), o.Version)

	o, err := f.m.MarkSubmitted(ctx, o.OrderID, exchange.Ack{ExchangeOrderID: "x-1", Status: order.StatusSubmitted})
	require.NoError(t, err)
	assert.Equal(t, order.StatusSubmitted, o.Status)
	assert.Equal(t, "x-1", o.ExchangeOrderID)
	assert.Equal(t, int64(2), o.Version)

	o, err = f.m.ApplyFill(ctx, o.OrderID, fill(1, "0.01", "50000"))
	require.NoError(t, err)
	assert.Equal(t, order.StatusFilled, o.Status)
	assert.True(t, o.AverageFillPrice.Equal(dec("50000")))
	assert.False(t, o.TerminalAt.IsZero())

	assert.Equal(t, []order.EventType{order.EventSubmitted, order.EventFilled}, f.pub.types())
	last := f.pub.last()
	assert.Equal(t, o.Version, last.OrderVersion)
	require.NotNil(t, last.Fill)
	assert.Equal(t, int64(1), last.Fill.Sequence)
}

func TestMachine_OutOfOrderFillsAppliedInSequence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.submitted(t, "3")

	o, err := f.m.ApplyFill(ctx, o.OrderID, fill(2, "2", "103"))
	require.NoError(t, err)
	assert.Equal(t, order.StatusSubmitted, o.Status, "seq 2 waits for seq 1")
	assert.True(t, o.FilledQuantity.IsZero())

	o, err = f.m.ApplyFill(ctx, o.OrderID, fill(1, "1", "100"))
	require.NoError(t, err)
	assert.Equal(t, order.StatusFilled, o.Status)
	assert.True(t, o.FilledQuantity.Equal(dec("3")))
	assert.True(t, o.AverageFillPrice.Equal(dec("102")), o.AverageFillPrice.String())
	require.Len(t, o.Fills, 2)
	assert.Equal(t, int64(1), o.Fills[0].Sequence)
	assert.Equal(t, int64(2), o.Fills[1].Sequence)

	assert.Equal(t, []order.EventType{order.EventSubmitted, order.EventPartialFill, order.EventFilled}, f.pub.types())
}

func TestMachine_DuplicateFillIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.submitted(t, "5")

	o, err := f.m.ApplyFill(ctx, o.OrderID, fill(1, "1", "100"))
	require.NoError(t, err)
	version := o.Version

	o, err = f.m.ApplyFill(ctx, o.OrderID, fill(1, "1", "100"))
	require.NoError(t, err)
	assert.Equal(t, version, o.Version)
	assert.True(t, o.FilledQuantity.Equal(dec("1")))
	assert.Equal(t, order.StatusPartiallyFilled, o.Status)
}

func TestMachine_FillsHeldUntilAck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.create(t, "2", order.TimeInForceGTC)

	o, err := f.m.ApplyFill(ctx, o.OrderID, fill(1, "1", "100"))
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, o.Status)

	o, err = f.m.MarkSubmitted(ctx, o.OrderID, exchange.Ack{ExchangeOrderID: "x-9", Status: order.StatusSubmitted})
	require.NoError(t, err)
	assert.Equal(t, order.StatusPartiallyFilled, o.Status)
	assert.True(t, o.FilledQuantity.Equal(dec("1")))
}

func TestMachine_AckWithFills(t *testing.T) {
	f := newFixture(t)
	o := f.create(t, "2", order.TimeInForceGTC)
	o, err := f.m.MarkSubmitted(context.Background(), o.OrderID, exchange.Ack{
		ExchangeOrderID: "x-1",
		Status:          order.StatusFilled,
		Fills:           []order.PartialFill{fill(1, "1.5", "100"), fill(2, "0.5", "104")},
	})
	require.NoError(t, err)
	assert.Equal(t, order.StatusFilled, o.Status)
	assert.True(t, o.AverageFillPrice.Equal(dec("101")))
}

func TestMachine_LateFillAfterTerminalIsAnomaly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.submitted(t, "2")

	o, err := f.m.MarkCancelRequested(ctx, o.OrderID, o.Version)
	require.NoError(t, err)
	o, err = f.m.MarkCancelled(ctx, o.OrderID, exchange.CancelAck{Status: order.StatusCancelled})
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, o.Status)

	cancelledVersion := o.Version
	cancelledAt := o.UpdatedAt

	f.clock = f.clock.Add(time.Second)
	o, err = f.m.ApplyFill(ctx, o.OrderID, fill(1, "1", "100"))
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, o.Status)
	assert.True(t, o.FilledQuantity.IsZero())
	assert.False(t, o.Frozen)

	stored, err := f.m.Get(ctx, o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, cancelledVersion, stored.Version, "a late event must not mutate the order")
	assert.Equal(t, cancelledAt, stored.UpdatedAt)

	evt := f.pub.last()
	assert.Equal(t, order.EventReconciliationAnomaly, evt.Type)
	require.NotNil(t, evt.Anomaly)
	assert.Equal(t, order.AnomalyLateEvent, evt.Anomaly.Kind)
	require.NotNil(t, evt.Fill)
}

func TestMachine_CancelTerminalFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.submitted(t, "1")
	o, err := f.m.ApplyFill(ctx, o.OrderID, fill(1, "1", "100"))
	require.NoError(t, err)

	_, err = f.m.MarkCancelRequested(ctx, o.OrderID, o.Version)
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestMachine_StaleVersionRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.submitted(t, "2")
	stale := o.Version

	_, err := f.m.ApplyFill(ctx, o.OrderID, fill(1, "1", "100"))
	require.NoError(t, err)

	_, err = f.m.MarkCancelRequested(ctx, o.OrderID, stale)
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.True(t, IsConflict(err))
}

func TestMachine_OverfillFreezes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.submitted(t, "1")

	o, err := f.m.ApplyFill(ctx, o.OrderID, fill(1, "2", "100"))
	require.NoError(t, err)
	assert.True(t, o.Frozen)
	require.NotNil(t, o.Anomaly)
	assert.Equal(t, order.AnomalyOverfill, o.Anomaly.Kind)
	assert.True(t, o.FilledQuantity.IsZero())

	_, err = f.m.ApplyFill(ctx, o.OrderID, fill(2, "1", "100"))
	assert.ErrorIs(t, err, ErrOrderFrozen)

	o, err = f.m.ClearAnomaly(ctx, o.OrderID)
	require.NoError(t, err)
	assert.False(t, o.Frozen)
	assert.Nil(t, o.Anomaly)
}

func TestMachine_SweepGapsFlagsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.submitted(t, "5")

	_, err := f.m.ApplyFill(ctx, o.OrderID, fill(3, "1", "100"))
	require.NoError(t, err)
	assert.Empty(t, f.m.SweepGaps(ctx))

	f.clock = f.clock.Add(2 * time.Second)
	assert.Equal(t, []string{o.OrderID}, f.m.SweepGaps(ctx))
	evt := f.pub.last()
	assert.Equal(t, order.EventReconciliationAnomaly, evt.Type)
	assert.Equal(t, order.AnomalyFillGap, evt.Anomaly.Kind)

	assert.Empty(t, f.m.SweepGaps(ctx), "already flagged")

	got, err := f.m.Get(ctx, o.OrderID)
	require.NoError(t, err)
	assert.False(t, got.Frozen, "gaps are resolved by reconciliation")
}

func TestMachine_ConcurrentFillsSingleWriter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.submitted(t, "50")

	var wg sync.WaitGroup
	for i := int64(50); i >= 1; i-- {
		wg.Add(1)
		go func(seq int64) {
			defer wg.Done()
			_, err := f.m.ApplyFill(ctx, o.OrderID, fill(seq, "1", "100"))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := f.m.Get(ctx, o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusFilled, got.Status)
	assert.True(t, got.FilledQuantity.Equal(dec("50")))
	for i, fl := range got.Fills {
		assert.Equal(t, int64(i+1), fl.Sequence)
	}
}

func TestMachine_StreamStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.create(t, "1", order.TimeInForceGTC)

	o, err := f.m.ApplyStatus(ctx, o.OrderID, order.StatusSubmitted, "x-7", "")
	require.NoError(t, err)
	assert.Equal(t, order.StatusSubmitted, o.Status)
	assert.Equal(t, "x-7", o.ExchangeOrderID)

	o, err = f.m.ApplyStatus(ctx, o.OrderID, order.StatusCancelled, "", "")
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, o.Status)
}

func TestMachine_SubmissionFailedAndRejectedOnlyFromPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.create(t, "1", order.TimeInForceGTC)

	o, err := f.m.MarkSubmissionFailed(ctx, o.OrderID, "network", true)
	require.NoError(t, err)
	assert.Equal(t, order.StatusSubmissionFailed, o.Status)
	assert.True(t, o.Ambiguous)

	_, err = f.m.MarkRejected(ctx, o.OrderID, "late")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestMachine_UnsequencedFillsNumberedOnArrival(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.submitted(t, "2")

	first := order.PartialFill{FillID: "tr-10", Quantity: dec("1"), Price: dec("100")}
	o, err := f.m.ApplyFill(ctx, o.OrderID, first)
	require.NoError(t, err)
	require.Len(t, o.Fills, 1)
	assert.Equal(t, int64(1), o.Fills[0].Sequence)

	o, err = f.m.ApplyFill(ctx, o.OrderID, first)
	require.NoError(t, err)
	assert.Len(t, o.Fills, 1, "same trade id is a duplicate")

	o, err = f.m.ApplyFill(ctx, o.OrderID, order.PartialFill{FillID: "tr-11", Quantity: dec("1"), Price: dec("100")})
	require.NoError(t, err)
	assert.Equal(t, order.StatusFilled, o.Status)
	assert.Equal(t, int64(2), o.Fills[1].Sequence)
}

// blockingPublisher holds every Publish until release is closed
type blockingPublisher struct {
	recordingPublisher
	entered chan struct{}
	release chan struct{}
}

func (p *blockingPublisher) Publish(ctx context.Context, evt order.Event) {
	p.entered <- struct{}{}
	<-p.release
	p.recordingPublisher.Publish(ctx, evt)
}

func TestMachine_SlowPublisherDoesNotHoldTransitions(t *testing.T) {
	f := newFixture(t)
	pub := &blockingPublisher{entered: make(chan struct{}, 16), release: make(chan struct{})}
	f.m = NewMachine(NewMemoryRepository(), pub, Config{GapTimeout: time.Second, SubmissionTimeout: 10 * time.Second}, zaptest.NewLogger(t))
	f.m.now = func() time.Time { return f.clock }
	ctx := context.Background()
	o := f.create(t, "2", order.TimeInForceGTC)

	done := make(chan error, 1)
	go func() {
		_, err := f.m.MarkSubmitted(ctx, o.OrderID, exchange.Ack{ExchangeOrderID: "x-1", Status: order.StatusSubmitted})
		done <- err
	}()
	<-pub.entered

	// same order, so same stripe, while the Submitted event is stuck in the publisher
	start := time.Now()
	got, err := f.m.ApplyFill(ctx, o.OrderID, fill(1, "1", "100"))
	require.NoError(t, err)
	assert.Equal(t, order.StatusPartiallyFilled, got.Status)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	close(pub.release)
	require.NoError(t, <-done)
	require.Eventually(t, func() bool { return len(pub.types()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []order.EventType{order.EventSubmitted, order.EventPartialFill}, pub.types())
}
