package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"execution-gateway/internal/exchange"
)

// Base URLs
const (
	SpotURL          = "https://api.binance.com"
	SpotStreamURL    = "wss://stream.binance.com:9443"
	FuturesURL       = "https://fapi.binance.com"
	FuturesStreamURL = "wss://fstream.binance.com"

	DefaultRecvWindow = 5000
)

// Config configures one Binance account (spot or USD-M futures)
type Config struct {
	ID         string
	BaseURL    string
	StreamURL  string
	APIKey     string
	SecretKey  string
	Futures    bool
	RecvWindow int64 // milliseconds
	Timeout    time.Duration
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = SpotURL
		if c.Futures {
			c.BaseURL = FuturesURL
		}
	}
	if c.StreamURL == "" {
		c.StreamURL = SpotStreamURL
		if c.Futures {
			c.StreamURL = FuturesStreamURL
		}
	}
	if c.RecvWindow <= 0 {
		c.RecvWindow = DefaultRecvWindow
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
}

// Client is the signed REST transport shared by the adapter and the user-data stream
type Client struct {
	cfg    Config
	http   *resty.Client
	signer *Signer
	logger *zap.Logger

	offsetMs atomic.Int64 // server time - local time
	now      func() time.Time
}

// NewClient creates a REST client
func NewClient(cfg Config, logger *zap.Logger) *Client {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		http:   resty.New().SetTimeout(cfg.Timeout),
		signer: NewSigner(cfg.APIKey, cfg.SecretKey),
		logger: logger,
		now:    time.Now,
	}
}

func (c *Client) path(spot, futures string) string {
	if c.cfg.Futures {
		return futures
	}
	return spot
}

// SyncTime measures the offset between local and server clock
func (c *Client) SyncTime(ctx context.Context) error {
	var out struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := c.call(ctx, "sync_time", http.MethodGet, c.path("/api/v3/time", "/fapi/v1/time"), nil, false, &out); err != nil {
		return err
	}
	offset := out.ServerTime - c.now().UnixMilli()
	c.offsetMs.Store(offset)
	c.logger.Debug("server time synced", zap.String("exchange", c.cfg.ID), zap.Int64("offset_ms", offset))
	return nil
}

// Signed calls a SIGNED endpoint. A timestamp rejection resyncs the clock and retries once.
func (c *Client) Signed(ctx context.Context, op, method, path string, params url.Values, out any) error {
	err := c.call(ctx, op, method, path, params, true, out)
	var ae *exchange.AdapterError
	if errors.As(err, &ae) && ae.Code == strconv.Itoa(codeTimestampOutsideWindow) {
		if syncErr := c.SyncTime(ctx); syncErr != nil {
			c.logger.Warn("time resync failed", zap.String("exchange", c.cfg.ID), zap.Error(syncErr))
			return err
		}
		return c.call(ctx, op, method, path, params, true, out)
	}
	return err
}

// Keyed calls an endpoint that needs the API key but no signature
func (c *Client) Keyed(ctx context.Context, op, method, path string, params url.Values, out any) error {
	return c.call(ctx, op, method, path, params, false, out)
}

func (c *Client) call(ctx context.Context, op, method, path string, params url.Values, signed bool, out any) error {
	query := ""
	if params != nil {
		query = params.Encode()
	}
	if signed {
		ts := c.now().UnixMilli() + c.offsetMs.Load()
		extra := "recvWindow=" + strconv.FormatInt(c.cfg.RecvWindow, 10) + "&timestamp=" + strconv.FormatInt(ts, 10)
		if query != "" {
			query += "&"
		}
		query += extra
		query += "&signature=" + c.signer.Sign(query)
	}

	// the query goes in the URL verbatim: re-encoding it would break the signature
	target := c.cfg.BaseURL + path
	if query != "" {
		target += "?" + query
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", c.signer.APIKey()).
		Execute(method, target)
	if err != nil {
		return exchange.Classify(c.cfg.ID, op, err)
	}
	if resp.StatusCode() >= 300 {
		return classifyResponse(c.cfg.ID, op, resp.StatusCode(), resp.Header(), resp.Body())
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		// the venue processed the request but the answer is unreadable
		return &exchange.AdapterError{Kind: exchange.KindNetwork, Exchange: c.cfg.ID, Op: op,
			Message: fmt.Sprintf("decode response: %s", resp.Status()), Err: err}
	}
	return nil
}
