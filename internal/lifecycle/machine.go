package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"execution-gateway/internal/exchange"
	"execution-gateway/internal/order"
)

const stripeCount = 64

// Publisher receives lifecycle events in per-order order
type Publisher interface {
	Publish(ctx context.Context, evt order.Event)
}

// Config holds state machine timing
type Config struct {
	GapTimeout        time.Duration // how long out-of-order fills wait for the missing sequence
	SubmissionTimeout time.Duration // how long a Pending order may be unknown to the venue
}

// DefaultConfig returns default machine configuration
func DefaultConfig() Config {
	return Config{
		GapTimeout:        5 * time.Second,
		SubmissionTimeout: 30 * time.Second,
	}
}

// Machine owns every order transition. Each order has exactly one writer at a time:
// mutations for the same order serialize on its stripe and are committed with a version CAS.
type Machine struct {
	repo   Repository
	pub    Publisher
	logger *zap.Logger
	cfg    Config
	now    func() time.Time

	stripes [stripeCount]stripe

	// OnAnomaly is called for every anomaly raised (metrics hook)
	OnAnomaly func(exchangeID string, kind order.AnomalyKind)
}

type stripe struct {
	mu      sync.Mutex
	buffers map[string]*fillBuffer
	outbox  []order.Event // committed, not yet published; appended under mu

	publishing sync.Mutex // held by the goroutine draining outbox
}

// fillBuffer holds fills that arrived ahead of a missing sequence
type fillBuffer struct {
	fills   map[int64]order.PartialFill
	since   time.Time
	flagged bool
}

func (b *fillBuffer) hasFillID(id string) bool {
	if b == nil || id == "" {
		return false
	}
	for _, f := range b.fills {
		if f.FillID == id {
			return true
		}
	}
	return false
}

func (b *fillBuffer) maxSequence() int64 {
	var highest int64
	if b == nil {
		return 0
	}
	for seq := range b.fills {
		highest = max(highest, seq)
	}
	return highest
}

// NewMachine creates a state machine over repo
func NewMachine(repo Repository, pub Publisher, cfg Config, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.GapTimeout <= 0 {
		cfg.GapTimeout = DefaultConfig().GapTimeout
	}
	if cfg.SubmissionTimeout <= 0 {
		cfg.SubmissionTimeout = DefaultConfig().SubmissionTimeout
	}
	m := &Machine{
		repo:   repo,
		pub:    pub,
		logger: logger.Named("lifecycle"),
		cfg:    cfg,
		now:    time.Now,
	}
	for i := range m.stripes {
		m.stripes[i].buffers = make(map[string]*fillBuffer)
	}
	return m
}

func (m *Machine) stripeFor(orderID string) *stripe {
	h := fnv.New32a()
	h.Write([]byte(orderID))
	return &m.stripes[h.Sum32()%stripeCount]
}

// txn collects the mutation of one order and the events it produces
type txn struct {
	o       *order.Order
	buf     *fillBuffer
	st      *stripe
	events  []pendingEvent
	changed bool
	now     time.Time
}

type pendingEvent struct {
	typ     order.EventType
	snap    order.Order
	fill    *order.PartialFill
	anomaly *order.Anomaly
}

func (t *txn) emit(typ order.EventType, fill *order.PartialFill, anomaly *order.Anomaly) {
	t.notice(typ, fill, anomaly)
	t.changed = true
}

// notice records an event that does not change the order
func (t *txn) notice(typ order.EventType, fill *order.PartialFill, anomaly *order.Anomaly) {
	snap := *t.o
	snap.Fills = nil
	t.events = append(t.events, pendingEvent{typ: typ, snap: snap, fill: fill, anomaly: anomaly})
}

func (t *txn) buffer() *fillBuffer {
	if t.buf == nil {
		t.buf = &fillBuffer{fills: make(map[int64]order.PartialFill)}
		t.st.buffers[t.o.OrderID] = t.buf
	}
	return t.buf
}

// update loads the order, runs fn and commits if anything changed.
// expectedVersion 0 means "current". Events are published after the stripe is released.
func (m *Machine) update(ctx context.Context, orderID string, expectedVersion int64, fn func(t *txn) error) (*order.Order, error) {
	st := m.stripeFor(orderID)
	o, err := m.commit(ctx, st, orderID, expectedVersion, fn)
	m.flush(ctx, st)
	return o, err
}

func (m *Machine) commit(ctx context.Context, st *stripe, orderID string, expectedVersion int64, fn func(t *txn) error) (*order.Order, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	current, err := m.repo.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if expectedVersion > 0 && current.Version != expectedVersion {
		return nil, fmt.Errorf("%w: order=%s current=%d expected=%d", ErrVersionConflict, orderID, current.Version, expectedVersion)
	}

	t := &txn{o: current.Clone(), buf: st.buffers[orderID], st: st, now: m.now()}
	if err := fn(t); err != nil {
		return nil, err
	}
	if t.buf != nil && len(t.buf.fills) == 0 {
		delete(st.buffers, orderID)
	}
	if !t.changed {
		m.enqueue(st, t, current.Version)
		return current, nil
	}

	prev := current.Version
	t.o.Version = prev + 1
	t.o.UpdatedAt = t.now
	if t.o.Status.IsTerminal() && t.o.TerminalAt.IsZero() {
		t.o.TerminalAt = t.now
	}
	if err := m.repo.Update(ctx, t.o, prev); err != nil {
		return nil, fmt.Errorf("failed to persist order %s: %w", orderID, err)
	}
	m.enqueue(st, t, t.o.Version)
	return t.o.Clone(), nil
}

// enqueue appends the txn events to the stripe outbox. Must be called with st.mu held.
func (m *Machine) enqueue(st *stripe, t *txn, version int64) {
	if m.pub == nil {
		return
	}
	for _, pe := range t.events {
		pe.snap.Version = version
		evt := order.NewEvent(pe.typ, &pe.snap, t.now)
		evt.Fill = pe.fill
		evt.Anomaly = pe.anomaly
		st.outbox = append(st.outbox, evt)
	}
}

// flush publishes the stripe outbox in commit order. When another goroutine is already
// publishing, it takes over these events and flush returns without waiting.
func (m *Machine) flush(ctx context.Context, st *stripe) {
	if m.pub == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for {
		if !st.publishing.TryLock() {
			return
		}
		for {
			st.mu.Lock()
			batch := st.outbox
			st.outbox = nil
			st.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, evt := range batch {
				m.pub.Publish(ctx, evt)
			}
		}
		st.publishing.Unlock()

		// events queued while the lock was being released
		st.mu.Lock()
		pending := len(st.outbox) > 0
		st.mu.Unlock()
		if !pending {
			return
		}
	}
}

// Create inserts a new Pending order
func (m *Machine) Create(ctx context.Context, req order.Request, orderID, clientOrderID string) (*order.Order, error) {
	now := m.now()
	o := &order.Order{
		OrderID:          orderID,
		ClientOrderID:    clientOrderID,
		Request:          req,
		Status:           order.StatusPending,
		FilledQuantity:   decimal.Zero,
		AverageFillPrice: decimal.Zero,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := m.repo.Insert(ctx, o); err != nil {
		return nil, err
	}
	return o.Clone(), nil
}

// Get returns an order snapshot
func (m *Machine) Get(ctx context.Context, orderID string) (*order.Order, error) {
	return m.repo.Get(ctx, orderID)
}

// GetByClientOrderID returns an order snapshot by venue client order id
func (m *Machine) GetByClientOrderID(ctx context.Context, exchangeID, clientOrderID string) (*order.Order, error) {
	return m.repo.GetByClientOrderID(ctx, exchangeID, clientOrderID)
}

// MarkSubmitted applies a venue acknowledgement: Pending -> Submitted, then any fills in the ack.
func (m *Machine) MarkSubmitted(ctx context.Context, orderID string, ack exchange.Ack) (*order.Order, error) {
	return m.update(ctx, orderID, 0, func(t *txn) error {
		o := t.o
		if o.ExchangeOrderID == "" && ack.ExchangeOrderID != "" {
			o.ExchangeOrderID = ack.ExchangeOrderID
			t.changed = true
		}
		switch {
		case o.Status == order.StatusPending:
			o.Status = order.StatusSubmitted
			o.Ambiguous = false
			o.LastError = ""
			t.emit(order.EventSubmitted, nil, nil)
		case o.Status.IsTerminal() && o.Status != order.StatusFilled && o.Status != order.StatusCancelled:
			m.raise(t, order.AnomalyStatusDivergence,
				fmt.Sprintf("venue acknowledged order locally marked %s", o.Status), true)
			return nil
		}

		for _, f := range ack.Fills {
			m.applyFill(t, f)
		}
		m.drain(t)
		m.applyVenueStatus(t, ack.Status, false)
		return nil
	})
}

// ApplyFill applies one venue fill. Fills are applied strictly in sequence order;
// early ones are buffered, duplicates ignored, and late ones on terminal orders recorded as anomalies.
func (m *Machine) ApplyFill(ctx context.Context, orderID string, f order.PartialFill) (*order.Order, error) {
	return m.update(ctx, orderID, 0, func(t *txn) error {
		if t.o.Frozen {
			return ErrOrderFrozen
		}
		m.applyFill(t, f)
		m.drain(t)
		return nil
	})
}

// ApplyStatus applies a venue-pushed status change (stream path)
func (m *Machine) ApplyStatus(ctx context.Context, orderID string, status order.Status, exchangeOrderID, reason string) (*order.Order, error) {
	return m.update(ctx, orderID, 0, func(t *txn) error {
		o := t.o
		if o.Frozen {
			return ErrOrderFrozen
		}
		if o.ExchangeOrderID == "" && exchangeOrderID != "" {
			o.ExchangeOrderID = exchangeOrderID
			t.changed = true
		}
		if o.Status == order.StatusPending && status != order.StatusRejected {
			o.Status = order.StatusSubmitted
			t.emit(order.EventSubmitted, nil, nil)
			m.drain(t)
		}
		if reason != "" && status == order.StatusRejected {
			o.LastError = reason
		}
		m.applyVenueStatus(t, status, true)
		return nil
	})
}

// applyVenueStatus moves the order to a terminal status pushed by the venue.
// Filled is reached through fills only.
func (m *Machine) applyVenueStatus(t *txn, status order.Status, authoritative bool) {
	o := t.o
	switch status {
	case order.StatusCancelled:
		if o.Status.IsOpen() {
			o.Status = order.StatusCancelled
			t.emit(order.EventCancelled, nil, nil)
		} else if o.Status == order.StatusFilled && authoritative {
			m.late(t, "cancel reported for filled order")
		}
	case order.StatusRejected:
		switch {
		case o.Status == order.StatusPending || (o.Status == order.StatusSubmitted && o.FilledQuantity.IsZero()):
			o.Status = order.StatusRejected
			t.emit(order.EventRejected, nil, nil)
		case o.Status.IsTerminal():
			if authoritative && o.Status != order.StatusRejected {
				m.late(t, "reject reported for terminal order")
			}
		default:
			m.raise(t, order.AnomalyStatusDivergence, "venue rejected a partially filled order", true)
		}
	}
}

// MarkCancelRequested records the intent to cancel before the venue call
func (m *Machine) MarkCancelRequested(ctx context.Context, orderID string, expectedVersion int64) (*order.Order, error) {
	return m.update(ctx, orderID, expectedVersion, func(t *txn) error {
		if t.o.Status.IsTerminal() {
			return fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, orderID, t.o.Status)
		}
		if t.o.Frozen {
			return ErrOrderFrozen
		}
		if !t.o.CancelRequested {
			t.o.CancelRequested = true
			t.changed = true
		}
		return nil
	})
}

// MarkCancelled applies a venue cancel acknowledgement
func (m *Machine) MarkCancelled(ctx context.Context, orderID string, ack exchange.CancelAck) (*order.Order, error) {
	return m.update(ctx, orderID, 0, func(t *txn) error {
		o := t.o
		switch {
		case o.Status == order.StatusCancelled:
			return nil
		case o.Status.IsTerminal():
			m.raise(t, order.AnomalyStatusDivergence,
				fmt.Sprintf("venue cancelled order locally marked %s", o.Status), true)
			return nil
		}
		if o.ExchangeOrderID == "" && ack.ExchangeOrderID != "" {
			o.ExchangeOrderID = ack.ExchangeOrderID
		}
		if o.Status == order.StatusPending {
			// cancelled by client order id before the ack arrived
			o.Status = order.StatusSubmitted
			t.emit(order.EventSubmitted, nil, nil)
		}
		o.Status = order.StatusCancelled
		t.emit(order.EventCancelled, nil, nil)
		if ack.FilledQuantity.GreaterThan(o.FilledQuantity) {
			m.logger.Info("cancel ack reports fills not yet applied",
				zap.String("order_id", orderID),
				zap.String("venue_filled", ack.FilledQuantity.String()),
				zap.String("local_filled", o.FilledQuantity.String()))
		}
		return nil
	})
}

// MarkRejected records a definitive venue rejection of a Pending order
func (m *Machine) MarkRejected(ctx context.Context, orderID, reason string) (*order.Order, error) {
	return m.update(ctx, orderID, 0, func(t *txn) error {
		if t.o.Status != order.StatusPending {
			return fmt.Errorf("%w: reject from %s", ErrInvalidTransition, t.o.Status)
		}
		t.o.Status = order.StatusRejected
		t.o.LastError = reason
		t.emit(order.EventRejected, nil, nil)
		return nil
	})
}

// MarkSubmissionFailed records that submission could not be confirmed.
// ambiguous marks orders whose request may still have reached the venue.
func (m *Machine) MarkSubmissionFailed(ctx context.Context, orderID, reason string, ambiguous bool) (*order.Order, error) {
	return m.update(ctx, orderID, 0, func(t *txn) error {
		if t.o.Status != order.StatusPending {
			return fmt.Errorf("%w: submission failure from %s", ErrInvalidTransition, t.o.Status)
		}
		t.o.Status = order.StatusSubmissionFailed
		t.o.LastError = reason
		t.o.Ambiguous = ambiguous
		t.emit(order.EventSubmissionFailed, nil, nil)
		return nil
	})
}

// ClearAnomaly unfreezes an order after operator resolution
func (m *Machine) ClearAnomaly(ctx context.Context, orderID string) (*order.Order, error) {
	return m.update(ctx, orderID, 0, func(t *txn) error {
		if !t.o.Frozen {
			return nil
		}
		t.o.Frozen = false
		t.o.Anomaly = nil
		t.o.Ambiguous = false
		t.changed = true
		m.logger.Info("anomaly cleared", zap.String("order_id", orderID))
		return nil
	})
}

// SweepGaps raises an anomaly for every order whose fill gap is older than the gap timeout
// and returns their ids so the caller can reconcile them.
func (m *Machine) SweepGaps(ctx context.Context) []string {
	now := m.now()
	var stale []string
	for i := range m.stripes {
		st := &m.stripes[i]
		st.mu.Lock()
		for id, buf := range st.buffers {
			if !buf.flagged && len(buf.fills) > 0 && now.Sub(buf.since) >= m.cfg.GapTimeout {
				stale = append(stale, id)
			}
		}
		st.mu.Unlock()
	}

	var flagged []string
	for _, id := range stale {
		_, err := m.update(ctx, id, 0, func(t *txn) error {
			if t.buf == nil || t.buf.flagged || len(t.buf.fills) == 0 {
				return nil
			}
			t.buf.flagged = true
			m.raise(t, order.AnomalyFillGap,
				fmt.Sprintf("fill sequence %d missing for %s", t.o.LastFillSequence()+1, now.Sub(t.buf.since)), false)
			return nil
		})
		if err != nil {
			m.logger.Warn("failed to flag fill gap", zap.String("order_id", id), zap.Error(err))
			continue
		}
		flagged = append(flagged, id)
	}
	return flagged
}

// applyFill applies or buffers one fill
func (m *Machine) applyFill(t *txn, f order.PartialFill) {
	o := t.o
	f.OrderID = o.OrderID

	if f.Sequence == 0 {
		// unsequenced stream fill: venue delivery order is execution order
		if o.HasFill(f.FillID) || t.buf.hasFillID(f.FillID) {
			return
		}
		f.Sequence = max(o.LastFillSequence(), t.buf.maxSequence()) + 1
	}
	if f.Sequence <= o.LastFillSequence() || o.HasFill(f.FillID) {
		m.logger.Debug("duplicate fill ignored", zap.String("order_id", o.OrderID), zap.Int64("sequence", f.Sequence))
		return
	}
	if o.Status.IsTerminal() {
		fill := f
		m.late(t, fmt.Sprintf("fill %d arrived after %s", f.Sequence, o.Status))
		t.events[len(t.events)-1].fill = &fill
		return
	}
	if o.Status == order.StatusPending || f.Sequence != o.LastFillSequence()+1 {
		buf := t.buffer()
		if _, dup := buf.fills[f.Sequence]; !dup {
			buf.fills[f.Sequence] = f
		}
		if buf.since.IsZero() {
			buf.since = t.now
		}
		return
	}
	m.commitFill(t, f)
}

// drain applies buffered fills that became contiguous
func (m *Machine) drain(t *txn) {
	if t.buf == nil || t.o.Status == order.StatusPending {
		return
	}
	progressed := false
	for {
		next := t.o.LastFillSequence() + 1
		f, ok := t.buf.fills[next]
		if !ok || t.o.Status.IsTerminal() || t.o.Frozen {
			break
		}
		delete(t.buf.fills, next)
		m.commitFill(t, f)
		progressed = true
	}
	for seq := range t.buf.fills {
		if seq <= t.o.LastFillSequence() {
			delete(t.buf.fills, seq)
		}
	}
	switch {
	case len(t.buf.fills) == 0:
		t.buf.since = time.Time{}
		t.buf.flagged = false
	case progressed:
		// a new gap starts now
		t.buf.since = t.now
		t.buf.flagged = false
	}
}

// commitFill appends a contiguous fill and recomputes aggregates
func (m *Machine) commitFill(t *txn, f order.PartialFill) {
	o := t.o
	filled := o.FilledQuantity.Add(f.Quantity)
	if filled.GreaterThan(o.Request.Quantity) {
		m.raise(t, order.AnomalyOverfill,
			fmt.Sprintf("fill %d would bring filled to %s of %s", f.Sequence, filled, o.Request.Quantity), true)
		return
	}

	o.Fills = append(o.Fills, f)
	o.FilledQuantity = filled
	o.AverageFillPrice = AveragePrice(o.Fills)

	fill := f
	if o.Status == order.StatusCancelled {
		t.emit(order.EventPartialFill, &fill, nil)
		return
	}
	if filled.Equal(o.Request.Quantity) {
		o.Status = order.StatusFilled
		t.emit(order.EventFilled, &fill, nil)
		return
	}
	o.Status = order.StatusPartiallyFilled
	t.emit(order.EventPartialFill, &fill, nil)
}

// AveragePrice is the quantity-weighted mean price of fills
func AveragePrice(fills []order.PartialFill) decimal.Decimal {
	notional := decimal.Zero
	qty := decimal.Zero
	for _, f := range fills {
		notional = notional.Add(f.Price.Mul(f.Quantity))
		qty = qty.Add(f.Quantity)
	}
	if qty.IsZero() {
		return decimal.Zero
	}
	return notional.Div(qty)
}

// late records an event that arrived after the order became terminal.
// The anomaly is published but the order is not touched.
func (m *Machine) late(t *txn, detail string) {
	m.logger.Warn("event after terminal state",
		zap.String("order_id", t.o.OrderID),
		zap.String("status", string(t.o.Status)),
		zap.String("detail", detail))
	a := m.report(t, order.AnomalyLateEvent, detail, false)
	t.notice(order.EventReconciliationAnomaly, nil, a)
}

// raise emits a ReconciliationAnomaly. freeze stops further automated mutation.
func (m *Machine) raise(t *txn, kind order.AnomalyKind, detail string, freeze bool) {
	a := m.report(t, kind, detail, freeze)
	if freeze {
		t.o.Frozen = true
		t.o.Anomaly = a
	}
	t.emit(order.EventReconciliationAnomaly, nil, a)
}

func (m *Machine) report(t *txn, kind order.AnomalyKind, detail string, freeze bool) *order.Anomaly {
	m.logger.Error("order anomaly",
		zap.String("order_id", t.o.OrderID),
		zap.String("exchange", t.o.ExchangeID()),
		zap.String("kind", string(kind)),
		zap.String("detail", detail),
		zap.Bool("frozen", freeze))
	if m.OnAnomaly != nil {
		m.OnAnomaly(t.o.ExchangeID(), kind)
	}
	return &order.Anomaly{Kind: kind, Detail: detail, DetectedAt: t.now}
}

// IsConflict reports whether err is a version conflict worth retrying with a fresh read
func IsConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}
