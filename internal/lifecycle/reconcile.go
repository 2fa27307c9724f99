package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"execution-gateway/internal/exchange"
	"execution-gateway/internal/order"
)

// VenueSnapshot is what reconciliation learned from the venue about one order
type VenueSnapshot struct {
	Found bool // false when the venue reports the order unknown
	View  exchange.OrderView
	Fills []order.PartialFill
}

// ReconcileResult describes what reconciliation did to one order
type ReconcileResult struct {
	OrderID string         `json:"order_id"`
	Status  order.Status   `json:"status"`
	Changed bool           `json:"changed"`
	Skipped bool           `json:"skipped,omitempty"`
	Anomaly *order.Anomaly `json:"anomaly,omitempty"`
}

// Reconcile brings an order in line with the venue's view. Fill catch-up and
// explainable terminal transitions are applied; any other divergence freezes the order.
func (m *Machine) Reconcile(ctx context.Context, orderID string, snap VenueSnapshot) (ReconcileResult, error) {
	res := ReconcileResult{OrderID: orderID}
	o, err := m.update(ctx, orderID, 0, func(t *txn) error {
		o := t.o
		if o.Frozen {
			res.Skipped = true
			return nil
		}
		before := len(t.events)
		statusBefore := o.Status

		if !snap.Found {
			m.reconcileMissing(t)
		} else {
			m.reconcileFound(t, snap)
		}

		o.LastExchangeSyncAt = t.now
		t.changed = true
		res.Changed = o.Status != statusBefore || len(t.events) > before
		for _, pe := range t.events[before:] {
			if pe.anomaly != nil {
				res.Anomaly = pe.anomaly
			}
		}
		return nil
	})
	if err != nil {
		return res, err
	}
	res.Status = o.Status
	return res, nil
}

func (m *Machine) reconcileMissing(t *txn) {
	o := t.o
	switch {
	case o.Status == order.StatusPending:
		if age := t.now.Sub(o.CreatedAt); age >= m.cfg.SubmissionTimeout {
			o.Status = order.StatusSubmissionFailed
			o.LastError = fmt.Sprintf("not found at exchange %s after submission", age.Round(time.Millisecond))
			t.emit(order.EventSubmissionFailed, nil, nil)
		}
	case o.Status.IsOpen():
		m.raise(t, order.AnomalyStatusDivergence, "acknowledged order unknown to exchange", true)
	case o.Status == order.StatusSubmissionFailed && o.Ambiguous:
		// the venue confirms it never received the order
		o.Ambiguous = false
	}
}

func (m *Machine) reconcileFound(t *txn, snap VenueSnapshot) {
	o := t.o
	view := snap.View

	if o.ExchangeOrderID == "" && view.ExchangeOrderID != "" {
		o.ExchangeOrderID = view.ExchangeOrderID
	}

	switch o.Status {
	case order.StatusSubmissionFailed, order.StatusRejected:
		if view.Status == order.StatusRejected && view.FilledQuantity.IsZero() {
			o.Ambiguous = false
			return
		}
		m.raise(t, order.AnomalyStatusDivergence,
			fmt.Sprintf("local %s but exchange reports %s filled %s", o.Status, view.Status, view.FilledQuantity), true)
		return
	case order.StatusPending:
		if view.Status == order.StatusRejected {
			o.Status = order.StatusRejected
			t.emit(order.EventRejected, nil, nil)
			return
		}
		o.Status = order.StatusSubmitted
		t.emit(order.EventSubmitted, nil, nil)
	}

	m.catchUpFills(t, snap.Fills)
	if o.Frozen {
		return
	}

	if o.FilledQuantity.GreaterThan(view.FilledQuantity) {
		m.raise(t, order.AnomalyFillDivergence,
			fmt.Sprintf("local filled %s exceeds exchange filled %s", o.FilledQuantity, view.FilledQuantity), true)
		return
	}
	if o.FilledQuantity.LessThan(view.FilledQuantity) {
		m.logger.Info("exchange reports fills not yet listed",
			zap.String("order_id", o.OrderID),
			zap.String("exchange_filled", view.FilledQuantity.String()),
			zap.String("local_filled", o.FilledQuantity.String()))
		return
	}

	switch view.Status {
	case order.StatusFilled:
		switch {
		case o.Status.IsOpen():
			// fills agree with the venue, which owns the final quantity
			o.Status = order.StatusFilled
			t.emit(order.EventFilled, nil, nil)
		case o.Status == order.StatusCancelled:
			m.raise(t, order.AnomalyStatusDivergence, "exchange filled order locally cancelled", true)
		}
	case order.StatusCancelled:
		switch {
		case o.Status.IsOpen():
			if o.CancelRequested || view.Expired || o.Request.TimeInForce.Immediate() {
				o.Status = order.StatusCancelled
				t.emit(order.EventCancelled, nil, nil)
				return
			}
			m.raise(t, order.AnomalyStatusDivergence,
				fmt.Sprintf("exchange cancelled order locally %s without a cancel request", o.Status), true)
		case o.Status == order.StatusFilled:
			m.raise(t, order.AnomalyStatusDivergence, "exchange cancelled order locally filled", true)
		}
	case order.StatusRejected:
		if o.Status != order.StatusRejected {
			m.raise(t, order.AnomalyStatusDivergence,
				fmt.Sprintf("exchange rejected order locally %s", o.Status), true)
		}
	case order.StatusSubmitted, order.StatusPartiallyFilled:
		if o.Status == order.StatusCancelled {
			m.raise(t, order.AnomalyStatusDivergence, "order locally cancelled is still open on exchange", true)
		}
	}
}

// catchUpFills treats the venue fill list as authoritative: unseen fills are
// renumbered after the last applied sequence and any buffered fills are dropped.
// Fills executed before a cancel are still recorded on the cancelled order.
func (m *Machine) catchUpFills(t *txn, venueFills []order.PartialFill) {
	fills := make([]order.PartialFill, len(venueFills))
	copy(fills, venueFills)
	sort.SliceStable(fills, func(i, j int) bool { return fills[i].Sequence < fills[j].Sequence })

	known := len(t.o.Fills)
	for i, f := range fills {
		if t.o.HasFill(f.FillID) || (f.FillID == "" && i < known) {
			continue
		}
		if (t.o.Status.IsTerminal() && t.o.Status != order.StatusCancelled) || t.o.Frozen {
			break
		}
		f.Sequence = t.o.LastFillSequence() + 1
		m.commitFill(t, f)
	}

	if t.buf != nil {
		for seq := range t.buf.fills {
			delete(t.buf.fills, seq)
		}
		t.buf.flagged = false
	}
}
