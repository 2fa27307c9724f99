// Package mock is an in-process venue used by tests and the paper-trading profile.
// It keeps its own order book of submitted orders and can be scripted to fail,
// lose acknowledgements, fill and cancel orders.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"execution-gateway/internal/exchange"
	"execution-gateway/internal/order"
	"execution-gateway/internal/symbolspec"
)

// Operations that can be scripted to fail
const (
	OpSubmit = "submit"
	OpCancel = "cancel"
	OpStatus = "query_status"
	OpFills  = "query_fills"
)

type venueOrder struct {
	exchangeOrderID string
	clientOrderID   string
	symbol          string
	quantity        decimal.Decimal
	status          order.Status
	expired         bool
	fills           []order.PartialFill
	updatedAt       time.Time
}

func (v *venueOrder) filled() decimal.Decimal {
	total := decimal.Zero
	for _, f := range v.fills {
		total = total.Add(f.Quantity)
	}
	return total
}

// Exchange is a scripted in-memory venue implementing exchange.Adapter and exchange.Streamer
type Exchange struct {
	id string

	mu       sync.Mutex
	orders   map[string]*venueOrder // client order id -> order
	byVenue  map[string]string      // exchange order id -> client order id
	failures map[string][]error
	dropAcks int
	latency  time.Duration
	nextID   int64
	calls    map[string]int
	subs     []chan exchange.StreamUpdate
	catalog  *symbolspec.Catalog

	// MarketPrice fills market orders in full on submit when positive
	MarketPrice decimal.Decimal
	now         func() time.Time
}

// New creates a mock venue with the given exchange id
func New(id string) *Exchange {
	return &Exchange{
		id:       id,
		orders:   make(map[string]*venueOrder),
		byVenue:  make(map[string]string),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
		now:      time.Now,
	}
}

func (e *Exchange) ID() string { return e.id }

// FailNext makes the next n calls of op fail with an error of the given kind
func (e *Exchange) FailNext(op string, kind exchange.Kind, n int) {
	e.FailNextWith(op, n, exchange.NewError(kind, e.id, op, "", "scripted failure"))
}

// FailNextWith makes the next n calls of op return err
func (e *Exchange) FailNextWith(op string, n int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := 0; i < n; i++ {
		e.failures[op] = append(e.failures[op], err)
	}
}

// DropAcks makes the next n submits reach the book but answer with a network error
func (e *Exchange) DropAcks(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dropAcks += n
}

// SetLatency delays every call by d, honouring the caller's context
func (e *Exchange) SetLatency(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.latency = d
}

// Calls returns how many times op was invoked
func (e *Exchange) Calls(op string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[op]
}

// Orders returns the number of orders the venue holds
func (e *Exchange) Orders() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.orders)
}

// Subscribers returns the number of attached streams
func (e *Exchange) Subscribers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

func (e *Exchange) enter(ctx context.Context, op string) error {
	e.mu.Lock()
	e.calls[op]++
	latency := e.latency
	var scripted error
	if q := e.failures[op]; len(q) > 0 {
		scripted = q[0]
		e.failures[op] = q[1:]
	}
	e.mu.Unlock()

	if latency > 0 {
		t := time.NewTimer(latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return exchange.Classify(e.id, op, ctx.Err())
		case <-t.C:
		}
	}
	return scripted
}

// SetCatalog makes the venue trade in instrument increments: submitted quantities are floored to the step
func (e *Exchange) SetCatalog(c *symbolspec.Catalog) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.catalog = c
}

// Normalize applies the catalog increments, if any
func (e *Exchange) Normalize(req order.Request) (order.Request, error) {
	e.mu.Lock()
	c := e.catalog
	e.mu.Unlock()
	if c == nil {
		return req, nil
	}
	return exchange.NormalizeRequest(c, req)
}

func (e *Exchange) Submit(ctx context.Context, o *order.Order) (exchange.Ack, error) {
	if err := e.enter(ctx, OpSubmit); err != nil {
		return exchange.Ack{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.orders[o.ClientOrderID]; exists {
		return exchange.Ack{}, exchange.NewError(exchange.KindDuplicate, e.id, OpSubmit, "", "duplicate client order id "+o.ClientOrderID)
	}

	qty := o.Request.Quantity
	if e.catalog != nil {
		req, err := exchange.NormalizeRequest(e.catalog, o.Request)
		if err != nil {
			return exchange.Ack{}, exchange.NewError(exchange.KindRejected, e.id, OpSubmit, "local", err.Error())
		}
		qty = req.Quantity
	}

	e.nextID++
	v := &venueOrder{
		exchangeOrderID: fmt.Sprintf("m-%d", e.nextID),
		clientOrderID:   o.ClientOrderID,
		symbol:          o.Request.Symbol,
		quantity:        qty,
		status:          order.StatusSubmitted,
		updatedAt:       e.now(),
	}
	e.orders[v.clientOrderID] = v
	e.byVenue[v.exchangeOrderID] = v.clientOrderID

	if o.Request.Type == order.TypeMarket && e.MarketPrice.IsPositive() {
		v.fills = append(v.fills, order.PartialFill{
			Sequence:   1,
			FillID:     v.exchangeOrderID + "-1",
			Quantity:   v.quantity,
			Price:      e.MarketPrice,
			OccurredAt: v.updatedAt,
		})
		v.status = order.StatusFilled
	}

	if e.dropAcks > 0 {
		e.dropAcks--
		return exchange.Ack{}, exchange.NewError(exchange.KindNetwork, e.id, OpSubmit, "", "connection reset after send")
	}

	ack := exchange.Ack{
		ExchangeOrderID: v.exchangeOrderID,
		ClientOrderID:   v.clientOrderID,
		Status:          v.status,
		Fills:           append([]order.PartialFill(nil), v.fills...),
		AcceptedAt:      v.updatedAt,
	}
	return ack, nil
}

func (e *Exchange) Cancel(ctx context.Context, ref exchange.OrderRef) (exchange.CancelAck, error) {
	if err := e.enter(ctx, OpCancel); err != nil {
		return exchange.CancelAck{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	v, err := e.lookup(OpCancel, ref)
	if err != nil {
		return exchange.CancelAck{}, err
	}
	if v.status.IsTerminal() {
		return exchange.CancelAck{}, exchange.NewError(exchange.KindRejected, e.id, OpCancel, "", "order is "+string(v.status))
	}
	v.status = order.StatusCancelled
	v.updatedAt = e.now()
	return exchange.CancelAck{ExchangeOrderID: v.exchangeOrderID, Status: v.status, FilledQuantity: v.filled()}, nil
}

func (e *Exchange) QueryStatus(ctx context.Context, ref exchange.OrderRef) (exchange.OrderView, error) {
	if err := e.enter(ctx, OpStatus); err != nil {
		return exchange.OrderView{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	v, err := e.lookup(OpStatus, ref)
	if err != nil {
		return exchange.OrderView{}, err
	}
	return e.view(v), nil
}

func (e *Exchange) QueryFills(ctx context.Context, ref exchange.OrderRef) ([]order.PartialFill, error) {
	if err := e.enter(ctx, OpFills); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	v, err := e.lookup(OpFills, ref)
	if err != nil {
		return nil, err
	}
	return append([]order.PartialFill(nil), v.fills...), nil
}

// Stream pushes fills and venue-initiated status changes until ctx is done
func (e *Exchange) Stream(ctx context.Context, out chan<- exchange.StreamUpdate) error {
	ch := make(chan exchange.StreamUpdate, 64)
	e.mu.Lock()
	e.subs = append(e.subs, ch)
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		for i, s := range e.subs {
			if s == ch {
				e.subs = append(e.subs[:i], e.subs[i+1:]...)
				break
			}
		}
		e.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u := <-ch:
			select {
			case out <- u:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Fill executes qty at price against a resting order and returns the fill.
// When push is false the fill is only visible through QueryFills.
func (e *Exchange) Fill(clientOrderID string, qty, price decimal.Decimal, push bool) (order.PartialFill, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	v, ok := e.orders[clientOrderID]
	if !ok {
		return order.PartialFill{}, fmt.Errorf("mock: unknown order %s", clientOrderID)
	}
	if v.status.IsTerminal() {
		return order.PartialFill{}, fmt.Errorf("mock: order %s is %s", clientOrderID, v.status)
	}
	if v.filled().Add(qty).GreaterThan(v.quantity) {
		return order.PartialFill{}, fmt.Errorf("mock: fill exceeds order quantity")
	}

	seq := int64(len(v.fills) + 1)
	f := order.PartialFill{
		Sequence:   seq,
		FillID:     fmt.Sprintf("%s-%d", v.exchangeOrderID, seq),
		Quantity:   qty,
		Price:      price,
		OccurredAt: e.now(),
	}
	v.fills = append(v.fills, f)
	v.updatedAt = f.OccurredAt
	if v.filled().Equal(v.quantity) {
		v.status = order.StatusFilled
	} else {
		v.status = order.StatusPartiallyFilled
	}

	if push {
		fill := f
		e.broadcast(exchange.StreamUpdate{
			ExchangeID:      e.id,
			ClientOrderID:   v.clientOrderID,
			ExchangeOrderID: v.exchangeOrderID,
			Status:          v.status,
			Fill:            &fill,
		})
	}
	return f, nil
}

// Expire cancels a resting order on the venue side, as an IOC/DAY expiry would
func (e *Exchange) Expire(clientOrderID string, push bool) error {
	return e.venueStatus(clientOrderID, order.StatusCancelled, true, push)
}

// CancelUnsolicited cancels a resting order without a client request
func (e *Exchange) CancelUnsolicited(clientOrderID string, push bool) error {
	return e.venueStatus(clientOrderID, order.StatusCancelled, false, push)
}

// Forget drops an order from the book so that queries answer NotFound
func (e *Exchange) Forget(clientOrderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok := e.orders[clientOrderID]; ok {
		delete(e.byVenue, v.exchangeOrderID)
		delete(e.orders, clientOrderID)
	}
}

// Disconnect pushes a reconnect marker to stream subscribers
func (e *Exchange) Disconnect() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.broadcast(exchange.StreamUpdate{ExchangeID: e.id, Reconnected: true})
}

func (e *Exchange) venueStatus(clientOrderID string, status order.Status, expired, push bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	v, ok := e.orders[clientOrderID]
	if !ok {
		return fmt.Errorf("mock: unknown order %s", clientOrderID)
	}
	v.status = status
	v.expired = expired
	v.updatedAt = e.now()
	if push {
		e.broadcast(exchange.StreamUpdate{
			ExchangeID:      e.id,
			ClientOrderID:   v.clientOrderID,
			ExchangeOrderID: v.exchangeOrderID,
			Status:          status,
		})
	}
	return nil
}

// broadcast must be called with e.mu held
func (e *Exchange) broadcast(u exchange.StreamUpdate) {
	for _, s := range e.subs {
		select {
		case s <- u:
		default:
		}
	}
}

// lookup must be called with e.mu held
func (e *Exchange) lookup(op string, ref exchange.OrderRef) (*venueOrder, error) {
	if ref.ClientOrderID != "" {
		if v, ok := e.orders[ref.ClientOrderID]; ok {
			return v, nil
		}
	}
	if ref.ExchangeOrderID != "" {
		if cid, ok := e.byVenue[ref.ExchangeOrderID]; ok {
			return e.orders[cid], nil
		}
	}
	return nil, exchange.NewError(exchange.KindNotFound, e.id, op, "", "unknown order")
}

func (e *Exchange) view(v *venueOrder) exchange.OrderView {
	return exchange.OrderView{
		ExchangeOrderID:  v.exchangeOrderID,
		ClientOrderID:    v.clientOrderID,
		Status:           v.status,
		Expired:          v.expired,
		FilledQuantity:   v.filled(),
		AverageFillPrice: averagePrice(v.fills),
		UpdatedAt:        v.updatedAt,
	}
}

func averagePrice(fills []order.PartialFill) decimal.Decimal {
	notional, qty := decimal.Zero, decimal.Zero
	for _, f := range fills {
		notional = notional.Add(f.Price.Mul(f.Quantity))
		qty = qty.Add(f.Quantity)
	}
	if qty.IsZero() {
		return decimal.Zero
	}
	return notional.Div(qty)
}
