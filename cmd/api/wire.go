package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"execution-gateway/internal/api"
	"execution-gateway/internal/breaker"
	"execution-gateway/internal/config"
	"execution-gateway/internal/dispatch"
	"execution-gateway/internal/events"
	"execution-gateway/internal/exchange"
	"execution-gateway/internal/exchange/binance"
	"execution-gateway/internal/exchange/ctrader"
	"execution-gateway/internal/exchange/mock"
	"execution-gateway/internal/exchange/mt5"
	"execution-gateway/internal/gateway"
	"execution-gateway/internal/idempotency"
	"execution-gateway/internal/lifecycle"
	"execution-gateway/internal/metrics"
	"execution-gateway/internal/persistence"
	"execution-gateway/internal/projection"
	"execution-gateway/internal/ratelimit"
	"execution-gateway/internal/retry"
	"execution-gateway/internal/symbolspec"
)

// app holds the wired process and everything that must be closed on exit
type app struct {
	gateway   *gateway.Gateway
	journal   *persistence.FileJournal
	projector *projection.Projector
	registry  *prometheus.Registry
	closers   []func() error
	logger    *zap.Logger
}

// apiOptions exposes only the collaborators that are configured
func (a *app) apiOptions() api.Options {
	opts := api.Options{Gatherer: a.registry}
	if a.journal != nil {
		opts.Journal = a.journal
	}
	if a.projector != nil {
		opts.Positions = a.projector
	}
	return opts
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
}

func build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{logger: logger, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(a.registry)

	idem, orders, err := a.openStores(ctx, cfg)
	if err != nil {
		return nil, err
	}

	catalog, err := loadCatalog(cfg.Catalog)
	if err != nil {
		return nil, err
	}
	adapters, err := buildAdapters(cfg, catalog, logger)
	if err != nil {
		return nil, err
	}

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold:  cfg.Breaker.FailureThreshold,
		OpenTimeout:       cfg.Breaker.OpenTimeout,
		MaxOpenTimeout:    cfg.Breaker.MaxOpenTimeout,
		TripOnAuthFailure: cfg.Breaker.TripOnAuthFailure,
		OnStateChange:     m.ObserveBreaker,
	}, logger.Named("breaker"))

	limits := ratelimit.NewRegistry(toLimit(cfg.RateLimit), m.ObserveRateLimitWait)
	for id, ex := range cfg.Exchanges {
		for class, l := range ex.RateLimits {
			limits.Configure(id, class, toLimit(l))
		}
	}

	retrier := retry.New(retry.Policy{
		MaxRetries:          cfg.Retry.MaxRetries,
		BaseDelay:           cfg.Retry.BaseDelay,
		MaxDelay:            cfg.Retry.MaxDelay,
		RandomizationFactor: cfg.Retry.RandomizationFactor,
		MaxMarketClosedWait: cfg.Retry.MaxMarketClosedWait,
	}, logger.Named("retry"), m.ObserveRetry)

	bus, err := a.buildBus(cfg, m, logger)
	if err != nil {
		return nil, err
	}

	machine := lifecycle.NewMachine(orders, bus, lifecycle.Config{
		GapTimeout:        cfg.Gateway.GapTimeout,
		SubmissionTimeout: cfg.Gateway.SubmissionTimeout,
	}, logger)
	machine.OnAnomaly = m.ObserveAnomaly

	var archive persistence.Archive
	if cfg.Archive.Dir != "" {
		fa, err := persistence.NewFileArchive(cfg.Archive.Dir)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, fa.Close)
		archive = fa
	}

	a.gateway = gateway.New(gateway.Config{
		CallTimeout:          cfg.Gateway.CallTimeout,
		SubmissionTimeout:    cfg.Gateway.SubmissionTimeout,
		ReconcileInterval:    cfg.Gateway.ReconcileInterval,
		ReconcileConcurrency: cfg.Gateway.ReconcileConcurrency,
		GapSweepInterval:     cfg.Gateway.GapSweepInterval,
		RecoveryInterval:     cfg.Gateway.RecoveryInterval,
		PurgeInterval:        cfg.Gateway.PurgeInterval,
		ArchiveInterval:      cfg.Gateway.ArchiveInterval,
		RetentionWindow:      cfg.Gateway.RetentionWindow,
		ArchiveBatch:         cfg.Gateway.ArchiveBatch,
		Dispatch: dispatch.Config{
			ShardCount:   cfg.Dispatch.ShardCount,
			QueueSize:    cfg.Dispatch.QueueSize,
			StreamBuffer: cfg.Dispatch.StreamBuffer,
		},
	}, gateway.Deps{
		Adapters:    adapters,
		Machine:     machine,
		Orders:      orders,
		Idempotency: idem,
		Breakers:    breakers,
		Limits:      limits,
		Retry:       retrier,
		Archive:     archive,
		Metrics:     m,
	}, logger)
	return a, nil
}

// openStores opens the order table (SQLite unless memory) and the idempotency store
func (a *app) openStores(ctx context.Context, cfg *config.Config) (idempotency.Store, lifecycle.Repository, error) {
	sc := cfg.Store
	if sc.Backend == config.BackendMemory {
		a.logger.Warn("using in-memory stores; idempotency does not survive restarts")
		return idempotency.NewMemoryStore(sc.IdempotencyTTL), lifecycle.NewMemoryRepository(), nil
	}

	db, err := persistence.Open(ctx, sc.SQLitePath)
	if err != nil {
		return nil, nil, err
	}
	a.closers = append(a.closers, db.Close)
	orders := persistence.NewOrderRepository(db)

	if sc.Backend == config.BackendRedis {
		client := redis.NewClient(&redis.Options{
			Addr:     sc.RedisAddr,
			Password: sc.RedisPassword,
			DB:       sc.RedisDB,
		})
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("failed to reach redis at %s: %w", sc.RedisAddr, err)
		}
		return idempotency.NewRedisStore(client, sc.RedisPrefix, sc.IdempotencyTTL), orders, nil
	}
	return persistence.NewIdempotencyStore(db, sc.IdempotencyTTL), orders, nil
}

func (a *app) buildBus(cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (*events.Bus, error) {
	var journal events.Journal
	if cfg.Journal.Dir != "" {
		fj, err := persistence.NewFileJournal(cfg.Journal.Dir)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, fj.Close)
		journal = fj
		a.journal = fj
		a.projector = projection.NewProjector(
			projection.NewMemoryPositionRepository(), projection.NewMemoryFillRepository(), fj, logger)
	}

	var sinks []events.Sink
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaLogger := logger.Named("kafka")
		writer := events.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic, func(msgs []kafka.Message, err error) {
			kafkaLogger.Error("kafka batch not delivered", zap.Int("messages", len(msgs)), zap.Error(err))
			m.DroppedEvents.WithLabelValues("kafka").Add(float64(len(msgs)))
		})
		sink := events.NewKafkaSink(writer)
		a.closers = append(a.closers, sink.Close)
		sinks = append(sinks, sink)
	}

	bus := events.NewBus(journal, cfg.Journal.PublishTimeout, logger, sinks...)
	bus.OnDrop = func(target string) { m.DroppedEvents.WithLabelValues(target).Inc() }
	return bus, nil
}

func loadCatalog(path string) (*symbolspec.Catalog, error) {
	if path == "" {
		return symbolspec.NewCatalog()
	}
	return symbolspec.LoadCatalog(path)
}

func buildAdapters(cfg *config.Config, catalog *symbolspec.Catalog, logger *zap.Logger) (*exchange.Registry, error) {
	reg := exchange.NewRegistry()
	for _, id := range cfg.ExchangeIDs() {
		ex := cfg.Exchanges[id]
		l := logger.With(zap.String("exchange", id))

		var adapter exchange.Adapter
		switch ex.Kind {
		case config.KindBinance:
			adapter = binance.NewAdapter(binance.Config{
				ID:         id,
				BaseURL:    ex.BaseURL,
				StreamURL:  ex.StreamURL,
				APIKey:     ex.APIKey,
				SecretKey:  ex.SecretKey,
				Futures:    ex.Futures,
				RecvWindow: ex.RecvWindow,
				Timeout:    ex.Timeout,
			}, catalog, l)
		case config.KindCTrader:
			adapter = ctrader.NewAdapter(ctrader.Config{
				ID:           id,
				BaseURL:      ex.BaseURL,
				StreamURL:    ex.StreamURL,
				TokenURL:     ex.TokenURL,
				ClientID:     ex.ClientID,
				ClientSecret: ex.ClientSecret,
				AccountID:    ex.AccountID,
				Timeout:      ex.Timeout,
			}, catalog, l)
		case config.KindMT5:
			adapter = mt5.NewAdapter(mt5.Config{
				ID:      id,
				URL:     ex.BaseURL,
				Token:   ex.Token,
				Magic:   ex.Magic,
				Timeout: ex.Timeout,
			}, catalog, l)
		case config.KindMock:
			adapter = mock.New(id)
		default:
			return nil, errors.New("unknown exchange kind " + ex.Kind)
		}
		if err := reg.Register(adapter); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func toLimit(l config.LimitConfig) ratelimit.Limit {
	return ratelimit.Limit{Requests: l.Requests, Window: l.Window, MaxWait: l.MaxWait}
}
