package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"execution-gateway/internal/order"
)

func journalEvent(exchangeID, orderID string, typ order.EventType) order.Event {
	return order.Event{
		EventID:    "evt-" + orderID + "-" + string(typ),
		Type:       typ,
		OrderID:    orderID,
		ExchangeID: exchangeID,
		Symbol:     "BTCUSDT",
		OccurredAt: time.Now().UTC(),
	}
}

func TestFileJournal_AppendAndRead(t *testing.T) {
	tempDir := t.TempDir()
	store, err := NewFileJournal(filepath.Join(tempDir, "journal"))
	if err != nil {
		t.Fatalf("failed to create journal: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	types := []order.EventType{order.EventSubmitted, order.EventPartialFill, order.EventFilled}
	for i, typ := range types {
		evt, err := store.Append(ctx, journalEvent("binance-spot", "o1", typ))
		if err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
		if evt.Sequence != int64(i+1) {
			t.Errorf("expected sequence %d, got %d", i+1, evt.Sequence)
		}
	}

	events, err := store.ReadFrom(ctx, "binance-spot", 1, 0)
	if err != nil {
		t.Fatalf("failed to read events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, evt := range events {
		if evt.Type != types[i] {
			t.Errorf("event %d: expected type %s, got %s", i, types[i], evt.Type)
		}
	}
	if err := ValidateSequence(events); err != nil {
		t.Errorf("expected contiguous sequence: %v", err)
	}

	events, err = store.ReadFrom(ctx, "binance-spot", 2, 1)
	if err != nil {
		t.Fatalf("failed to read events: %v", err)
	}
	if len(events) != 1 || events[0].Sequence != 2 {
		t.Errorf("expected only sequence 2, got %+v", events)
	}
}

func TestFileJournal_SequencePerExchange(t *testing.T) {
	store, err := NewFileJournal(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create journal: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	for _, ex := range []string{"binance-spot", "mt5", "binance-spot"} {
		if _, err := store.Append(ctx, journalEvent(ex, "o1", order.EventSubmitted)); err != nil {
			t.Fatalf("failed to append: %v", err)
		}
	}

	if seq, _ := store.GetLastSequence(ctx, "binance-spot"); seq != 2 {
		t.Errorf("expected binance-spot at 2, got %d", seq)
	}
	if seq, _ := store.GetLastSequence(ctx, "mt5"); seq != 1 {
		t.Errorf("expected mt5 at 1, got %d", seq)
	}

	exchanges, err := store.ListExchanges(ctx)
	if err != nil {
		t.Fatalf("failed to list exchanges: %v", err)
	}
	if len(exchanges) != 2 {
		t.Errorf("expected 2 exchanges, got %v", exchanges)
	}
}

func TestFileJournal_ResumesAfterReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewFileJournal(dir)
	if err != nil {
		t.Fatalf("failed to create journal: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := store.Append(ctx, journalEvent("ctrader", "o1", order.EventPartialFill)); err != nil {
			t.Fatalf("failed to append: %v", err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}

	reopened, err := NewFileJournal(dir)
	if err != nil {
		t.Fatalf("failed to reopen journal: %v", err)
	}
	defer reopened.Close()

	if seq, _ := reopened.GetLastSequence(ctx, "ctrader"); seq != 3 {
		t.Errorf("expected last sequence 3 after reopen, got %d", seq)
	}
	evt, err := reopened.Append(ctx, journalEvent("ctrader", "o1", order.EventFilled))
	if err != nil {
		t.Fatalf("failed to append: %v", err)
	}
	if evt.Sequence != 4 {
		t.Errorf("expected sequence 4, got %d", evt.Sequence)
	}
}

func TestFileJournal_EmptyExchange(t *testing.T) {
	store, err := NewFileJournal(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create journal: %v", err)
	}
	defer store.Close()

	events, err := store.ReadFrom(context.Background(), "unknown", 1, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected no events, got %d", len(events))
	}
}

func TestValidateSequence_Gap(t *testing.T) {
	events := []order.Event{{Sequence: 1}, {Sequence: 2}, {Sequence: 4}}
	if err := ValidateSequence(events); err == nil {
		t.Error("expected gap to be detected")
	}
	if err := ValidateSequence(nil); err != nil {
		t.Errorf("empty sequence should be valid: %v", err)
	}
}
