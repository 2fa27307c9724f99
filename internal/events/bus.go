// Package events fans lifecycle events out to the journal, external sinks and in-process subscribers.
package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"execution-gateway/internal/order"
)

const (
	defaultPublishTimeout = 100 * time.Millisecond
	sinkTimeout           = 5 * time.Second
)

// Journal assigns the per-exchange sequence and persists the event
type Journal interface {
	Append(ctx context.Context, evt order.Event) (order.Event, error)
}

// Sink is an external consumer of sequenced events
type Sink interface {
	Name() string
	Write(ctx context.Context, evt order.Event) error
}

// Subscription receives events published after it was created
type Subscription struct {
	C <-chan order.Event

	id  uint64
	ch  chan order.Event
	bus *Bus
}

// Close unsubscribes and closes C
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.id)
}

// Bus implements lifecycle.Publisher
type Bus struct {
	journal Journal
	sinks   []Sink
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64

	// OnDrop is called for every event a subscriber or sink did not get
	OnDrop func(target string)
}

// NewBus creates a bus. journal may be nil. publishTimeout bounds the wait per slow subscriber.
func NewBus(journal Journal, publishTimeout time.Duration, logger *zap.Logger, sinks ...Sink) *Bus {
	if publishTimeout <= 0 {
		publishTimeout = defaultPublishTimeout
	}
	return &Bus{
		journal: journal,
		sinks:   sinks,
		timeout: publishTimeout,
		logger:  logger.Named("events"),
		subs:    make(map[uint64]*Subscription),
	}
}

// Subscribe registers a subscriber with the given channel buffer
func (b *Bus) Subscribe(buffer int) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	ch := make(chan order.Event, buffer)
	sub := &Subscription{C: ch, id: b.nextID, ch: ch, bus: b}
	b.subs[sub.id] = sub
	return sub
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Publish journals evt, writes it to every sink, then delivers it to subscribers.
// Failures never block the caller beyond the publish timeout and are logged and counted.
func (b *Bus) Publish(ctx context.Context, evt order.Event) {
	// an event describes a committed transition; the caller going away must not lose it
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer cancel()

	if b.journal != nil {
		sequenced, err := b.journal.Append(ctx, evt)
		if err != nil {
			b.logger.Error("failed to journal event",
				zap.String("order_id", evt.OrderID), zap.String("type", string(evt.Type)), zap.Error(err))
			b.drop("journal")
		} else {
			evt = sequenced
		}
	}

	for _, sink := range b.sinks {
		if err := sink.Write(ctx, evt); err != nil {
			b.logger.Error("failed to write event to sink",
				zap.String("sink", sink.Name()), zap.String("order_id", evt.OrderID), zap.Error(err))
			b.drop(sink.Name())
		}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		select {
		case sub.ch <- evt:
			continue
		default:
		}

		timer := time.NewTimer(b.timeout)
		select {
		case sub.ch <- evt:
		case <-timer.C:
			b.logger.Warn("subscriber too slow, event dropped",
				zap.Uint64("subscriber", sub.id), zap.String("order_id", evt.OrderID), zap.String("type", string(evt.Type)))
			b.drop("subscriber")
		}
		timer.Stop()
	}
}

func (b *Bus) drop(target string) {
	if b.OnDrop != nil {
		b.OnDrop(target)
	}
}
