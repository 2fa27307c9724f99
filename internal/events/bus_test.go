package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"execution-gateway/internal/order"
)

type countingJournal struct {
	mu  sync.Mutex
	seq map[string]int64
	err error
}

func (j *countingJournal) Append(ctx context.Context, evt order.Event) (order.Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return evt, j.err
	}
	if j.seq == nil {
		j.seq = make(map[string]int64)
	}
	j.seq[evt.ExchangeID]++
	evt.Sequence = j.seq[evt.ExchangeID]
	return evt, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []order.Event
	err    error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Write(ctx context.Context, evt order.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, evt)
	return nil
}

func testEvent(orderID string) order.Event {
	return order.Event{Type: order.EventSubmitted, OrderID: orderID, ExchangeID: "binance-spot"}
}

func TestBus_JournalSequencesBeforeFanOut(t *testing.T) {
	sink := &recordingSink{}
	bus := NewBus(&countingJournal{}, time.Second, zaptest.NewLogger(t), sink)
	sub := bus.Subscribe(4)
	defer sub.Close()

	bus.Publish(context.Background(), testEvent("o1"))
	bus.Publish(context.Background(), testEvent("o2"))

	first := <-sub.C
	second := <-sub.C
	assert.Equal(t, int64(1), first.Sequence)
	assert.Equal(t, int64(2), second.Sequence)
	assert.Equal(t, "o2", second.OrderID)

	require.Len(t, sink.events, 2)
	assert.Equal(t, int64(2), sink.events[1].Sequence)
}

func TestBus_SlowSubscriberDropsLoudly(t *testing.T) {
	bus := NewBus(nil, 10*time.Millisecond, zaptest.NewLogger(t))
	var drops []string
	bus.OnDrop = func(target string) { drops = append(drops, target) }

	slow := bus.Subscribe(1)
	defer slow.Close()
	fast := bus.Subscribe(8)
	defer fast.Close()

	bus.Publish(context.Background(), testEvent("o1"))
	bus.Publish(context.Background(), testEvent("o2"))

	assert.Equal(t, []string{"subscriber"}, drops)
	assert.Len(t, fast.C, 2)
	assert.Equal(t, "o1", (<-slow.C).OrderID)
}

func TestBus_FailuresAreCounted(t *testing.T) {
	sink := &recordingSink{err: errors.New("broker down")}
	bus := NewBus(&countingJournal{err: errors.New("disk full")}, time.Second, zaptest.NewLogger(t), sink)
	var drops []string
	bus.OnDrop = func(target string) { drops = append(drops, target) }

	sub := bus.Subscribe(1)
	defer sub.Close()
	bus.Publish(context.Background(), testEvent("o1"))

	assert.Equal(t, []string{"journal", "recording"}, drops)
	evt := <-sub.C
	assert.Equal(t, int64(0), evt.Sequence, "unjournaled events still reach subscribers")
}

func TestBus_CancelledCallerStillPublishes(t *testing.T) {
	sink := &recordingSink{}
	bus := NewBus(nil, time.Second, zaptest.NewLogger(t), sink)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	bus.Publish(ctx, testEvent("o1"))

	assert.Len(t, sink.events, 1)
}

func TestBus_CloseUnsubscribes(t *testing.T) {
	bus := NewBus(nil, time.Second, zaptest.NewLogger(t))
	sub := bus.Subscribe(1)
	sub.Close()

	_, ok := <-sub.C
	assert.False(t, ok)
	bus.Publish(context.Background(), testEvent("o1"))
	sub.Close()
}
