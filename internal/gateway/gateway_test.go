package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"execution-gateway/internal/breaker"
	"execution-gateway/internal/events"
	"execution-gateway/internal/exchange"
	"execution-gateway/internal/exchange/mock"
	"execution-gateway/internal/idempotency"
	"execution-gateway/internal/lifecycle"
	"execution-gateway/internal/metrics"
	"execution-gateway/internal/order"
	"execution-gateway/internal/persistence"
	"execution-gateway/internal/ratelimit"
	"execution-gateway/internal/retry"
	"execution-gateway/internal/symbolspec"
)

const venueID = "mock"

type fixture struct {
	gw      *Gateway
	venue   *mock.Exchange
	machine *lifecycle.Machine
	repo    *lifecycle.MemoryRepository
	idem    idempotency.Store
	events  *events.Subscription
}

type fixtureOption func(*fixtureSettings)

type fixtureSettings struct {
	cfg     Config
	breaker breaker.Config
	policy  retry.Policy
	idem    idempotency.Store
	archive persistence.Archive
}

func withBreaker(cfg breaker.Config) fixtureOption {
	return func(s *fixtureSettings) { s.breaker = cfg }
}

func withRetries(n int) fixtureOption {
	return func(s *fixtureSettings) { s.policy.MaxRetries = n }
}

func withStore(store idempotency.Store) fixtureOption {
	return func(s *fixtureSettings) { s.idem = store }
}

func withArchive(a persistence.Archive) fixtureOption {
	return func(s *fixtureSettings) { s.archive = a }
}

func withConfig(fn func(*Config)) fixtureOption {
	return func(s *fixtureSettings) { fn(&s.cfg) }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	cfg := DefaultConfig()
	cfg.CallTimeout = time.Second
	cfg.SubmissionTimeout = 0
	cfg.ReconcileInterval = 0
	cfg.GapSweepInterval = 0
	cfg.RecoveryInterval = 0
	cfg.PurgeInterval = 0
	cfg.ArchiveInterval = 0

	s := &fixtureSettings{
		cfg:     cfg,
		breaker: breaker.Config{FailureThreshold: 10, OpenTimeout: 50 * time.Millisecond},
		policy: retry.Policy{
			MaxRetries:          3,
			BaseDelay:           time.Millisecond,
			MaxDelay:            5 * time.Millisecond,
			MaxMarketClosedWait: 10 * time.Millisecond,
		},
		idem: idempotency.NewMemoryStore(time.Hour),
	}
	for _, opt := range opts {
		opt(s)
	}

	venue := mock.New(venueID)
	adapters := exchange.NewRegistry()
	require.NoError(t, adapters.Register(venue))

	bus := events.NewBus(nil, 50*time.Millisecond, logger)
	sub := bus.Subscribe(256)
	t.Cleanup(sub.Close)

	repo := lifecycle.NewMemoryRepository()
	mcfg := lifecycle.DefaultConfig()
	mcfg.SubmissionTimeout = 0
	machine := lifecycle.NewMachine(repo, bus, mcfg, logger)

	m := metrics.New(prometheus.NewRegistry())
	gw := New(s.cfg, Deps{
		Adapters:    adapters,
		Machine:     machine,
		Orders:      repo,
		Idempotency: s.idem,
		Breakers:    breaker.NewRegistry(s.breaker, logger),
		Limits:      ratelimit.NewRegistry(ratelimit.Limit{Requests: 1000, Window: time.Second, MaxWait: time.Second}, nil),
		Retry:       retry.New(s.policy, logger, m.ObserveRetry),
		Archive:     s.archive,
		Metrics:     m,
	}, logger)

	return &fixture{gw: gw, venue: venue, machine: machine, repo: repo, idem: s.idem, events: sub}
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func marketBuy(key string) order.Request {
	return order.Request{
		IdempotencyKey: key,
		ExchangeID:     venueID,
		Symbol:         "BTCUSDT",
		Side:           order.SideBuy,
		Type:           order.TypeMarket,
		Quantity:       d("0.01"),
		AccountClass:   order.AccountSpot,
		TimeInForce:    order.TimeInForceGTC,
	}
}

func limitBuy(key string) order.Request {
	r := marketBuy(key)
	r.Type = order.TypeLimit
	r.Quantity = d("3")
	r.Price = d("100")
	return r
}

func (f *fixture) drainEvents() []order.EventType {
	var out []order.EventType
	for {
		select {
		case evt := <-f.events.C:
			out = append(out, evt.Type)
		default:
			return out
		}
	}
}

func TestPlaceOrder_MarketOrderThenFill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.gw.PlaceOrder(ctx, marketBuy("k1"))
	require.NoError(t, err)
	assert.Equal(t, order.OutcomeSubmitted, out.Kind)
	assert.Equal(t, order.OrderIDFor("k1"), out.OrderID)
	assert.Equal(t, "m-1", out.ExchangeOrderID)

	fill, err := f.venue.Fill(out.ClientOrderID, d("0.01"), d("50000"), false)
	require.NoError(t, err)
	require.NoError(t, f.gw.HandleUpdate(ctx, exchange.StreamUpdate{
		ExchangeID:    venueID,
		ClientOrderID: out.ClientOrderID,
		Status:        order.StatusFilled,
		Fill:          &fill,
	}))

	o, err := f.gw.GetStatus(ctx, out.OrderID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusFilled, o.Status)
	assert.True(t, o.AverageFillPrice.Equal(d("50000")))
	assert.True(t, o.FilledQuantity.Equal(d("0.01")))
	assert.Equal(t, []order.EventType{order.EventSubmitted, order.EventFilled}, f.drainEvents())
}

func TestPlaceOrder_QuantityFlooredToVenueStepCompletesOnFill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cat, err := symbolspec.NewCatalog(symbolspec.Spec{
		Symbol:   "BTCUSDT",
		TickSize: d("0.01"),
		StepSize: d("0.001"),
		Venues:   map[string]string{venueID: "BTCUSDT"},
	})
	require.NoError(t, err)
	f.venue.SetCatalog(cat)

	req := limitBuy("k-step")
	req.Quantity = d("0.0129")
	out, err := f.gw.PlaceOrder(ctx, req)
	require.NoError(t, err)
	require.Equal(t, order.OutcomeSubmitted, out.Kind)

	o, err := f.gw.GetStatus(ctx, out.OrderID)
	require.NoError(t, err)
	assert.True(t, o.Request.Quantity.Equal(d("0.012")), "stored quantity %s", o.Request.Quantity)

	fill, err := f.venue.Fill(out.ClientOrderID, d("0.012"), d("100"), false)
	require.NoError(t, err)
	require.NoError(t, f.gw.HandleUpdate(ctx, exchange.StreamUpdate{
		ExchangeID:    venueID,
		ClientOrderID: out.ClientOrderID,
		Status:        order.StatusFilled,
		Fill:          &fill,
	}))

	o, err = f.gw.GetStatus(ctx, out.OrderID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusFilled, o.Status)
	assert.True(t, o.RemainingQuantity().IsZero())
	assert.Equal(t, []order.EventType{order.EventSubmitted, order.EventFilled}, f.drainEvents())
}

func TestPlaceOrder_ReplayReturnsSameOutcome(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.gw.PlaceOrder(ctx, marketBuy("k1"))
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		again, err := f.gw.PlaceOrder(ctx, marketBuy("k1"))
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, 1, f.venue.Calls(mock.OpSubmit))
	assert.Equal(t, 1, f.venue.Orders())
}

func TestPlaceOrder_ConcurrentDuplicatesSubmitOnce(t *testing.T) {
	f := newFixture(t)
	f.venue.SetLatency(30 * time.Millisecond)

	const n = 10
	var wg sync.WaitGroup
	outcomes := make(chan order.Outcome, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.gw.PlaceOrder(context.Background(), marketBuy("k1"))
			if assert.NoError(t, err) {
				outcomes <- out
			}
		}()
	}
	wg.Wait()
	close(outcomes)

	for out := range outcomes {
		assert.Contains(t, []order.OutcomeKind{order.OutcomeSubmitted, order.OutcomeInFlight}, out.Kind)
		assert.Equal(t, order.OrderIDFor("k1"), out.OrderID)
	}
	assert.Equal(t, 1, f.venue.Calls(mock.OpSubmit))
	assert.Equal(t, 1, f.venue.Orders())
}

func TestPlaceOrder_PayloadConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.gw.PlaceOrder(ctx, marketBuy("k1"))
	require.NoError(t, err)

	changed := marketBuy("k1")
	changed.Quantity = d("0.02")
	_, err = f.gw.PlaceOrder(ctx, changed)
	assert.ErrorIs(t, err, idempotency.ErrConflict)
	assert.Equal(t, 1, f.venue.Calls(mock.OpSubmit))
}

func TestPlaceOrder_InvalidRequest(t *testing.T) {
	f := newFixture(t)

	req := marketBuy("k1")
	req.Quantity = decimal.Zero
	_, err := f.gw.PlaceOrder(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.ErrorIs(t, err, order.ErrInvalidQuantity)

	req = marketBuy("k2")
	req.ExchangeID = "nowhere"
	_, err = f.gw.PlaceOrder(context.Background(), req)
	assert.ErrorIs(t, err, exchange.ErrUnknownExchange)
}

func TestPlaceOrder_LostAckResolvesToSingleOrder(t *testing.T) {
	f := newFixture(t)
	f.venue.DropAcks(1)

	out, err := f.gw.PlaceOrder(context.Background(), limitBuy("k1"))
	require.NoError(t, err)
	assert.Equal(t, order.OutcomeSubmitted, out.Kind)
	assert.Equal(t, "m-1", out.ExchangeOrderID)
	assert.Equal(t, 2, f.venue.Calls(mock.OpSubmit))
	assert.Equal(t, 1, f.venue.Orders())
}

func TestPlaceOrder_RejectedIsNotRetried(t *testing.T) {
	f := newFixture(t)
	f.venue.FailNext(mock.OpSubmit, exchange.KindRejected, 1)

	out, err := f.gw.PlaceOrder(context.Background(), limitBuy("k1"))
	require.NoError(t, err)
	assert.Equal(t, order.OutcomeRejected, out.Kind)
	assert.Equal(t, order.StatusRejected, out.Status)
	assert.NotEmpty(t, out.Reason)
	assert.Equal(t, 1, f.venue.Calls(mock.OpSubmit))

	state, err := f.gw.CircuitState(venueID)
	require.NoError(t, err)
	assert.Equal(t, "CLOSED", state.State)
	assert.Equal(t, 0, state.FailureCount)
}

func TestPlaceOrder_ExhaustedRetriesQueryOnce(t *testing.T) {
	f := newFixture(t)
	f.venue.FailNext(mock.OpSubmit, exchange.KindNetwork, 4)

	out, err := f.gw.PlaceOrder(context.Background(), limitBuy("k1"))
	require.NoError(t, err)
	assert.Equal(t, order.OutcomeSubmissionFailed, out.Kind)
	assert.Equal(t, 4, f.venue.Calls(mock.OpSubmit))
	assert.Equal(t, 1, f.venue.Calls(mock.OpStatus))

	o, err := f.gw.GetStatus(context.Background(), out.OrderID)
	require.NoError(t, err)
	assert.False(t, o.Ambiguous)

	// a failed outcome is cached, not retried
	again, err := f.gw.PlaceOrder(context.Background(), limitBuy("k1"))
	require.NoError(t, err)
	assert.Equal(t, out, again)
	assert.Equal(t, 4, f.venue.Calls(mock.OpSubmit))
}

func TestPlaceOrder_AmbiguousWhenStatusQueryFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.venue.FailNext(mock.OpSubmit, exchange.KindNetwork, 4)
	f.venue.FailNext(mock.OpStatus, exchange.KindNetwork, 1)

	out, err := f.gw.PlaceOrder(ctx, limitBuy("k1"))
	require.NoError(t, err)
	assert.Equal(t, order.OutcomeSubmissionFailed, out.Kind)

	o, err := f.gw.GetStatus(ctx, out.OrderID)
	require.NoError(t, err)
	assert.True(t, o.Ambiguous)

	// reconciliation confirms the venue never saw it
	report, err := f.gw.Reconcile(ctx, venueID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)

	o, err = f.gw.GetStatus(ctx, out.OrderID)
	require.NoError(t, err)
	assert.False(t, o.Ambiguous)
	assert.Equal(t, order.StatusSubmissionFailed, o.Status)
}

func TestPlaceOrder_BreakerTripsAndRecovers(t *testing.T) {
	f := newFixture(t,
		withBreaker(breaker.Config{FailureThreshold: 3, OpenTimeout: 50 * time.Millisecond}),
		withRetries(0))
	ctx := context.Background()
	f.venue.FailNext(mock.OpSubmit, exchange.KindNetwork, 2)
	f.venue.FailNext(mock.OpStatus, exchange.KindNetwork, 2)

	for _, key := range []string{"k1", "k2"} {
		out, err := f.gw.PlaceOrder(ctx, limitBuy(key))
		require.NoError(t, err)
		assert.Equal(t, order.OutcomeSubmissionFailed, out.Kind)
	}
	state, err := f.gw.CircuitState(venueID)
	require.NoError(t, err)
	assert.Equal(t, "OPEN", state.State)

	start := time.Now()
	out, err := f.gw.PlaceOrder(ctx, limitBuy("k3"))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, order.OutcomeSubmissionFailed, out.Kind)
	assert.Equal(t, 2, f.venue.Calls(mock.OpSubmit), "open circuit must not reach the venue")

	o, err := f.gw.GetStatus(ctx, out.OrderID)
	require.NoError(t, err)
	assert.False(t, o.Ambiguous, "nothing was sent")

	time.Sleep(60 * time.Millisecond)
	out, err = f.gw.PlaceOrder(ctx, limitBuy("k4"))
	require.NoError(t, err)
	assert.Equal(t, order.OutcomeSubmitted, out.Kind)

	state, err = f.gw.CircuitState(venueID)
	require.NoError(t, err)
	assert.Equal(t, "CLOSED", state.State)
}

type unavailableStore struct{ idempotency.Store }

func (unavailableStore) Reserve(ctx context.Context, key, orderID, payloadHash string) (idempotency.Reservation, error) {
	return idempotency.Reservation{}, errors.New("connection refused")
}

func TestPlaceOrder_FailsClosedWithoutIdempotencyStore(t *testing.T) {
	f := newFixture(t, withStore(unavailableStore{}))

	_, err := f.gw.PlaceOrder(context.Background(), marketBuy("k1"))
	assert.ErrorIs(t, err, ErrIdempotencyUnavailable)
	assert.Equal(t, 0, f.venue.Calls(mock.OpSubmit))
}

func TestCancelOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.gw.PlaceOrder(ctx, limitBuy("k1"))
	require.NoError(t, err)

	res, err := f.gw.CancelOrder(ctx, out.OrderID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, res.Status)
	assert.Equal(t, "3", res.Remaining)

	_, err = f.gw.CancelOrder(ctx, out.OrderID)
	assert.ErrorIs(t, err, lifecycle.ErrAlreadyTerminal)

	_, err = f.gw.CancelOrder(ctx, "ord_missing")
	assert.ErrorIs(t, err, lifecycle.ErrOrderNotFound)
}

func TestCancelOrder_VenueAlreadyFilled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.gw.PlaceOrder(ctx, limitBuy("k1"))
	require.NoError(t, err)
	_, err = f.venue.Fill(out.ClientOrderID, d("3"), d("100"), false)
	require.NoError(t, err)

	_, err = f.gw.CancelOrder(ctx, out.OrderID)
	assert.ErrorIs(t, err, lifecycle.ErrAlreadyTerminal)

	o, err := f.gw.GetStatus(ctx, out.OrderID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusFilled, o.Status)
	assert.False(t, o.Frozen)
}

func TestReconcile_CatchesUpMissedFills(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.gw.PlaceOrder(ctx, limitBuy("k1"))
	require.NoError(t, err)
	_, err = f.venue.Fill(out.ClientOrderID, d("1"), d("100"), false)
	require.NoError(t, err)
	_, err = f.venue.Fill(out.ClientOrderID, d("2"), d("103"), false)
	require.NoError(t, err)

	report, err := f.gw.Reconcile(ctx, venueID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 1, report.Changed)
	assert.Equal(t, 0, report.Anomalies)

	o, err := f.gw.GetStatus(ctx, out.OrderID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusFilled, o.Status)
	assert.True(t, o.AverageFillPrice.Equal(d("102")))
}

func TestReconcile_UnsolicitedCancelFreezesUntilCleared(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.gw.PlaceOrder(ctx, limitBuy("k1"))
	require.NoError(t, err)
	require.NoError(t, f.venue.CancelUnsolicited(out.ClientOrderID, false))

	report, err := f.gw.Reconcile(ctx, venueID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Anomalies)

	_, err = f.gw.CancelOrder(ctx, out.OrderID)
	assert.ErrorIs(t, err, lifecycle.ErrOrderFrozen)

	o, err := f.gw.ClearAnomaly(ctx, out.OrderID)
	require.NoError(t, err)
	assert.False(t, o.Frozen)
	assert.Nil(t, o.Anomaly)
}

func TestReconcile_UnknownExchange(t *testing.T) {
	f := newFixture(t)
	_, err := f.gw.Reconcile(context.Background(), "nowhere")
	assert.ErrorIs(t, err, exchange.ErrUnknownExchange)

	_, err = f.gw.CircuitState("nowhere")
	assert.ErrorIs(t, err, exchange.ErrUnknownExchange)
}

func TestRun_StreamFillsAndReconnect(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.gw.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	require.Eventually(t, func() bool { return f.venue.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	first, err := f.gw.PlaceOrder(ctx, limitBuy("k1"))
	require.NoError(t, err)
	_, err = f.venue.Fill(first.ClientOrderID, d("3"), d("100"), true)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		o, err := f.gw.GetStatus(ctx, first.OrderID)
		return err == nil && o.Status == order.StatusFilled
	}, time.Second, 5*time.Millisecond)

	// a fill missed while disconnected is recovered by the reconnect reconciliation
	second, err := f.gw.PlaceOrder(ctx, limitBuy("k2"))
	require.NoError(t, err)
	_, err = f.venue.Fill(second.ClientOrderID, d("1"), d("100"), false)
	require.NoError(t, err)
	f.venue.Disconnect()

	require.Eventually(t, func() bool {
		o, err := f.gw.GetStatus(ctx, second.OrderID)
		return err == nil && o.Status == order.StatusPartiallyFilled
	}, time.Second, 5*time.Millisecond)
}

func TestRecoverInFlight_ResolvesCrashedSubmission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// state left by a crash after the venue accepted the order but before completion
	req := limitBuy("k1")
	hash, err := order.PayloadHash(req)
	require.NoError(t, err)
	orderID, cid := order.OrderIDFor("k1"), order.ClientOrderIDFor("k1")
	_, err = f.idem.Reserve(ctx, "k1", orderID, hash)
	require.NoError(t, err)
	o, err := f.machine.Create(ctx, req, orderID, cid)
	require.NoError(t, err)
	_, err = f.venue.Submit(ctx, o)
	require.NoError(t, err)

	_, err = f.idem.Reserve(ctx, "orphan", order.OrderIDFor("orphan"), "h")
	require.NoError(t, err)

	report, err := f.gw.RecoverInFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Completed)
	assert.Equal(t, 1, report.Orphaned)

	out, err := f.gw.PlaceOrder(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, order.OutcomeSubmitted, out.Kind)
	assert.Equal(t, 1, f.venue.Calls(mock.OpSubmit))
}

func TestRecoverAndReconcile_SkipRunningSubmission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.venue.SetLatency(150 * time.Millisecond)

	done := make(chan order.Outcome, 1)
	go func() {
		out, err := f.gw.PlaceOrder(context.Background(), limitBuy("k1"))
		assert.NoError(t, err)
		done <- out
	}()

	orderID := order.OrderIDFor("k1")
	require.Eventually(t, func() bool {
		o, err := f.gw.GetStatus(ctx, orderID)
		return err == nil && o.Status == order.StatusPending
	}, time.Second, time.Millisecond)

	report, err := f.gw.RecoverInFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.StillOpen)
	assert.Equal(t, 0, report.Completed)

	rec, err := f.gw.Reconcile(ctx, venueID)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Checked)

	out := <-done
	assert.Equal(t, order.OutcomeSubmitted, out.Kind)
	o, err := f.gw.GetStatus(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusSubmitted, o.Status)
	assert.False(t, o.Frozen)
	assert.Equal(t, 1, f.venue.Calls(mock.OpSubmit))
}

func TestArchiveTerminal(t *testing.T) {
	archive, err := persistence.NewFileArchive(t.TempDir())
	require.NoError(t, err)
	f := newFixture(t,
		withStore(idempotency.NewMemoryStore(time.Millisecond)),
		withArchive(archive),
		withConfig(func(c *Config) { c.RetentionWindow = 0 }))
	ctx := context.Background()

	done, err := f.gw.PlaceOrder(ctx, limitBuy("k1"))
	require.NoError(t, err)
	_, err = f.gw.CancelOrder(ctx, done.OrderID)
	require.NoError(t, err)
	open, err := f.gw.PlaceOrder(ctx, limitBuy("k2"))
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	n, err := f.gw.ArchiveTerminal(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.gw.GetStatus(ctx, done.OrderID)
	assert.ErrorIs(t, err, lifecycle.ErrOrderNotFound)
	_, err = f.gw.GetStatus(ctx, open.OrderID)
	assert.NoError(t, err)

	list, err := archive.ListArchives(ctx, venueID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	orders, err := archive.Load(ctx, list[0])
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, order.StatusCancelled, orders[0].Status)
}
