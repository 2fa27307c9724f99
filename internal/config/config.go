// Package config loads the gateway configuration from a YAML file and
// EXGW_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "EXGW"

// Adapter kinds
const (
	KindBinance = "binance"
	KindCTrader = "ctrader"
	KindMT5     = "mt5"
	KindMock    = "mock"
)

// Store backends for idempotency records
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the complete process configuration
type Config struct {
	Environment string                    `mapstructure:"environment"` // development or production
	Log         LogConfig                 `mapstructure:"log"`
	HTTP        HTTPConfig                `mapstructure:"http"`
	Store       StoreConfig               `mapstructure:"store"`
	Journal     JournalConfig             `mapstructure:"journal"`
	Archive     ArchiveConfig             `mapstructure:"archive"`
	Kafka       KafkaConfig               `mapstructure:"kafka"`
	Catalog     string                    `mapstructure:"catalog"` // instrument catalog YAML path
	Gateway     GatewayConfig             `mapstructure:"gateway"`
	Breaker     BreakerConfig             `mapstructure:"breaker"`
	Retry       RetryConfig               `mapstructure:"retry"`
	Dispatch    DispatchConfig            `mapstructure:"dispatch"`
	RateLimit   LimitConfig               `mapstructure:"rate_limit"` // fallback per endpoint class
	Exchanges   map[string]ExchangeConfig `mapstructure:"exchanges"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type StoreConfig struct {
	Backend        string        `mapstructure:"backend"`
	SQLitePath     string        `mapstructure:"sqlite_path"` // also holds the order table for every backend
	RedisAddr      string        `mapstructure:"redis_addr"`
	RedisPassword  string        `mapstructure:"-"`
	RedisDB        int           `mapstructure:"redis_db"`
	RedisPrefix    string        `mapstructure:"redis_prefix"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
}

type JournalConfig struct {
	Dir            string        `mapstructure:"dir"` // empty disables the journal
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

type ArchiveConfig struct {
	Dir string `mapstructure:"dir"` // empty disables archival
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"` // empty disables the sink
	Topic   string   `mapstructure:"topic"`
}

type GatewayConfig struct {
	CallTimeout          time.Duration `mapstructure:"call_timeout"`
	SubmissionTimeout    time.Duration `mapstructure:"submission_timeout"`
	GapTimeout           time.Duration `mapstructure:"gap_timeout"`
	ReconcileInterval    time.Duration `mapstructure:"reconcile_interval"`
	ReconcileConcurrency int           `mapstructure:"reconcile_concurrency"`
	GapSweepInterval     time.Duration `mapstructure:"gap_sweep_interval"`
	RecoveryInterval     time.Duration `mapstructure:"recovery_interval"`
	PurgeInterval        time.Duration `mapstructure:"purge_interval"`
	ArchiveInterval      time.Duration `mapstructure:"archive_interval"`
	RetentionWindow      time.Duration `mapstructure:"retention_window"`
	ArchiveBatch         int           `mapstructure:"archive_batch"`
}

type BreakerConfig struct {
	FailureThreshold  int           `mapstructure:"failure_threshold"`
	OpenTimeout       time.Duration `mapstructure:"open_timeout"`
	MaxOpenTimeout    time.Duration `mapstructure:"max_open_timeout"`
	TripOnAuthFailure bool          `mapstructure:"trip_on_auth_failure"`
}

type RetryConfig struct {
	MaxRetries          int           `mapstructure:"max_retries"`
	BaseDelay           time.Duration `mapstructure:"base_delay"`
	MaxDelay            time.Duration `mapstructure:"max_delay"`
	RandomizationFactor float64       `mapstructure:"randomization_factor"`
	MaxMarketClosedWait time.Duration `mapstructure:"max_market_closed_wait"`
}

type DispatchConfig struct {
	ShardCount   int `mapstructure:"shard_count"`
	QueueSize    int `mapstructure:"queue_size"`
	StreamBuffer int `mapstructure:"stream_buffer"`
}

// LimitConfig is a request budget per sliding window
type LimitConfig struct {
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
	MaxWait  time.Duration `mapstructure:"max_wait"`
}

// ExchangeConfig configures one venue adapter. Credentials are read from the
// environment only: EXGW_EXCHANGES_<ID>_<FIELD>, dashes in the id become underscores.
type ExchangeConfig struct {
	Kind       string                 `mapstructure:"kind"`
	BaseURL    string                 `mapstructure:"base_url"`
	StreamURL  string                 `mapstructure:"stream_url"`
	TokenURL   string                 `mapstructure:"token_url"`
	Futures    bool                   `mapstructure:"futures"`
	AccountID  int64                  `mapstructure:"account_id"`
	Magic      int64                  `mapstructure:"magic"`
	RecvWindow int64                  `mapstructure:"recv_window"`
	Timeout    time.Duration          `mapstructure:"timeout"`
	RateLimits map[string]LimitConfig `mapstructure:"rate_limits"` // endpoint class -> limit

	APIKey       string `mapstructure:"-"`
	SecretKey    string `mapstructure:"-"`
	ClientID     string `mapstructure:"-"`
	ClientSecret string `mapstructure:"-"`
	Token        string `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "production")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 60*time.Second)
	v.SetDefault("http.shutdown_timeout", 15*time.Second)

	v.SetDefault("store.backend", BackendSQLite)
	v.SetDefault("store.sqlite_path", "./data/gateway.db")
	v.SetDefault("store.redis_prefix", "exgw")
	v.SetDefault("store.idempotency_ttl", 24*time.Hour)

	v.SetDefault("journal.dir", "./data/journal")
	v.SetDefault("journal.publish_timeout", 5*time.Second)
	v.SetDefault("kafka.topic", "order-lifecycle")

	v.SetDefault("gateway.call_timeout", 5*time.Second)
	v.SetDefault("gateway.submission_timeout", 30*time.Second)
	v.SetDefault("gateway.gap_timeout", 5*time.Second)
	v.SetDefault("gateway.reconcile_interval", time.Minute)
	v.SetDefault("gateway.reconcile_concurrency", 4)
	v.SetDefault("gateway.gap_sweep_interval", time.Second)
	v.SetDefault("gateway.recovery_interval", 30*time.Second)
	v.SetDefault("gateway.purge_interval", 10*time.Minute)
	v.SetDefault("gateway.archive_interval", time.Hour)
	v.SetDefault("gateway.retention_window", 7*24*time.Hour)
	v.SetDefault("gateway.archive_batch", 500)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.open_timeout", 30*time.Second)
	v.SetDefault("breaker.max_open_timeout", 5*time.Minute)

	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay", 200*time.Millisecond)
	v.SetDefault("retry.max_delay", 5*time.Second)
	v.SetDefault("retry.randomization_factor", 0.5)
	v.SetDefault("retry.max_market_closed_wait", 10*time.Second)

	v.SetDefault("dispatch.shard_count", 8)
	v.SetDefault("dispatch.queue_size", 1000)
	v.SetDefault("dispatch.stream_buffer", 256)

	v.SetDefault("rate_limit.requests", 10)
	v.SetDefault("rate_limit.window", time.Second)
	v.SetDefault("rate_limit.max_wait", 2*time.Second)
}

// Load reads path (optional) and the environment into a validated Config
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Store.RedisPassword = os.Getenv(envPrefix + "_STORE_REDIS_PASSWORD")
	for id, ex := range cfg.Exchanges {
		ex.loadSecrets(id)
		cfg.Exchanges[id] = ex
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (e *ExchangeConfig) loadSecrets(id string) {
	prefix := fmt.Sprintf("%s_EXCHANGES_%s_", envPrefix, strings.ToUpper(strings.ReplaceAll(id, "-", "_")))
	e.APIKey = os.Getenv(prefix + "API_KEY")
	e.SecretKey = os.Getenv(prefix + "SECRET_KEY")
	e.ClientID = os.Getenv(prefix + "CLIENT_ID")
	e.ClientSecret = os.Getenv(prefix + "CLIENT_SECRET")
	e.Token = os.Getenv(prefix + "TOKEN")
}

// Validate fails fast on settings the process cannot run with
func (c *Config) Validate() error {
	var errs []error
	if len(c.Exchanges) == 0 {
		errs = append(errs, errors.New("at least one exchange is required"))
	}
	for _, id := range c.ExchangeIDs() {
		ex := c.Exchanges[id]
		switch ex.Kind {
		case KindBinance, KindMock:
		case KindCTrader:
			if ex.AccountID <= 0 {
				errs = append(errs, fmt.Errorf("exchange %s: account_id is required", id))
			}
		case KindMT5:
			if ex.BaseURL == "" {
				errs = append(errs, fmt.Errorf("exchange %s: base_url of the bridge is required", id))
			}
		default:
			errs = append(errs, fmt.Errorf("exchange %s: unknown kind %q", id, ex.Kind))
		}
		for class, l := range ex.RateLimits {
			if err := l.validate(); err != nil {
				errs = append(errs, fmt.Errorf("exchange %s rate limit %s: %w", id, class, err))
			}
		}
	}
	if err := c.RateLimit.validate(); err != nil {
		errs = append(errs, fmt.Errorf("rate_limit: %w", err))
	}

	switch c.Store.Backend {
	case BackendSQLite, BackendMemory:
	case BackendRedis:
		if c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("store.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}
	if c.Store.Backend != BackendMemory && c.Store.SQLitePath == "" {
		errs = append(errs, errors.New("store.sqlite_path is required"))
	}
	if c.Store.IdempotencyTTL <= 0 {
		errs = append(errs, errors.New("store.idempotency_ttl must be positive"))
	}
	if c.Gateway.CallTimeout <= 0 {
		errs = append(errs, errors.New("gateway.call_timeout must be positive"))
	}
	if c.Breaker.FailureThreshold <= 0 {
		errs = append(errs, errors.New("breaker.failure_threshold must be positive"))
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("retry.max_retries must not be negative"))
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka.topic is required when brokers are set"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// ExchangeIDs returns the configured exchange ids in sorted order
func (c *Config) ExchangeIDs() []string {
	ids := make([]string, 0, len(c.Exchanges))
	for id := range c.Exchanges {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (l LimitConfig) validate() error {
	if l.Requests <= 0 || l.Window <= 0 {
		return errors.New("requests and window must be positive")
	}
	if l.MaxWait < 0 {
		return errors.New("max_wait must not be negative")
	}
	return nil
}
