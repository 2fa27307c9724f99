// Package dispatch moves venue stream updates onto the single-writer update path.
package dispatch

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"execution-gateway/internal/exchange"
)

// Handler applies stream updates
type Handler interface {
	// HandleUpdate applies one order update. It runs on the order's shard.
	HandleUpdate(ctx context.Context, u exchange.StreamUpdate) error

	// HandleReconnect is called after a stream reconnect, when updates may have been missed
	HandleReconnect(ctx context.Context, exchangeID string)
}

// Config holds dispatcher sizing
type Config struct {
	ShardCount   int // shards draining order updates (default: 8)
	QueueSize    int // per-shard queue (default: 1000)
	StreamBuffer int // per-exchange stream channel (default: 256)
}

// DefaultConfig returns default dispatcher configuration
func DefaultConfig() Config {
	return Config{
		ShardCount:   8,
		QueueSize:    1000,
		StreamBuffer: 256,
	}
}

// Dispatcher pumps each exchange stream through a bounded channel into sharded serial queues
type Dispatcher struct {
	cfg     Config
	router  *Router
	shards  []*Shard
	handler Handler
	logger  *zap.Logger

	reconciling sync.Map // exchange id -> struct{}
}

// NewDispatcher creates a dispatcher. Shards start in Run.
func NewDispatcher(cfg Config, handler Handler, logger *zap.Logger) *Dispatcher {
	def := DefaultConfig()
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = def.ShardCount
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = def.StreamBuffer
	}

	shards := make([]*Shard, cfg.ShardCount)
	for i := range shards {
		shards[i] = NewShard(i, cfg.QueueSize)
	}
	return &Dispatcher{
		cfg:     cfg,
		router:  NewRouter(cfg.ShardCount),
		shards:  shards,
		handler: handler,
		logger:  logger.Named("dispatch"),
	}
}

// Run streams from every streamer until ctx is done. Queued updates are drained before it returns.
func (d *Dispatcher) Run(ctx context.Context, streamers map[string]exchange.Streamer) error {
	for _, s := range d.shards {
		s.Start()
	}
	defer func() {
		for _, s := range d.shards {
			s.Stop()
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	for id, streamer := range streamers {
		ch := make(chan exchange.StreamUpdate, d.cfg.StreamBuffer)
		g.Go(func() error {
			err := streamer.Stream(ctx, ch)
			if err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Error("stream stopped", zap.String("exchange", id), zap.Error(err))
				return err
			}
			return nil
		})
		g.Go(func() error {
			d.pump(ctx, id, ch)
			return nil
		})
	}
	return g.Wait()
}

// Dispatch routes one update to its order's shard
func (d *Dispatcher) Dispatch(ctx context.Context, u exchange.StreamUpdate) error {
	if u.Reconnected {
		d.reconnected(ctx, u.ExchangeID)
		return nil
	}

	key := u.ExchangeID + "/" + u.ClientOrderID
	if u.ClientOrderID == "" {
		key = u.ExchangeID + "/" + u.ExchangeOrderID
	}
	shard := d.shards[d.router.Route(key)]
	return shard.Enqueue(ctx, func() {
		// the job outlives a cancelled pump so queued updates are still applied on shutdown
		if err := d.handler.HandleUpdate(context.WithoutCancel(ctx), u); err != nil {
			d.logger.Warn("failed to apply stream update",
				zap.String("exchange", u.ExchangeID),
				zap.String("client_order_id", u.ClientOrderID),
				zap.String("exchange_order_id", u.ExchangeOrderID),
				zap.Error(err))
		}
	})
}

func (d *Dispatcher) pump(ctx context.Context, exchangeID string, ch <-chan exchange.StreamUpdate) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-ch:
			if u.ExchangeID == "" {
				u.ExchangeID = exchangeID
			}
			if err := d.Dispatch(ctx, u); err != nil && ctx.Err() == nil {
				d.logger.Error("failed to dispatch stream update", zap.String("exchange", exchangeID), zap.Error(err))
			}
		}
	}
}

// reconnected runs at most one reconnect reconciliation per exchange at a time
func (d *Dispatcher) reconnected(ctx context.Context, exchangeID string) {
	if _, busy := d.reconciling.LoadOrStore(exchangeID, struct{}{}); busy {
		return
	}
	go func() {
		defer d.reconciling.Delete(exchangeID)
		d.handler.HandleReconnect(ctx, exchangeID)
	}()
}
