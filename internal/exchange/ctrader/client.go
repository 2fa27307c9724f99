package ctrader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"execution-gateway/internal/exchange"
)

// Config configures one cTrader trading account
type Config struct {
	ID           string
	BaseURL      string
	StreamURL    string
	TokenURL     string
	ClientID     string
	ClientSecret string
	AccountID    int64
	Timeout      time.Duration
}

// Client is the OAuth2-authenticated REST transport. Tokens are fetched with the
// client-credentials grant and refreshed before expiry by the token source.
type Client struct {
	cfg    Config
	http   *resty.Client
	tokens oauth2.TokenSource
	logger *zap.Logger
}

// NewClient creates a REST client
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       []string{"trading"},
	}
	tokens := cc.TokenSource(context.Background())
	hc := oauth2.NewClient(context.Background(), tokens)
	hc.Timeout = cfg.Timeout

	return &Client{
		cfg:    cfg,
		http:   resty.NewWithClient(hc).SetBaseURL(cfg.BaseURL).SetHeader("Content-Type", "application/json"),
		tokens: tokens,
		logger: logger,
	}
}

func (c *Client) accountPath(format string, args ...any) string {
	return fmt.Sprintf("/v1/accounts/%d", c.cfg.AccountID) + fmt.Sprintf(format, args...)
}

type apiError struct {
	ErrorCode   string `json:"errorCode"`
	Description string `json:"description"`
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	req := c.http.R().SetContext(ctx)
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return c.classifyTransport(op, err)
	}
	if resp.StatusCode() >= 300 {
		return classifyResponse(c.cfg.ID, op, resp.StatusCode(), resp.Header(), resp.Body())
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return &exchange.AdapterError{Kind: exchange.KindNetwork, Exchange: c.cfg.ID, Op: op,
			Message: "decode response", Err: err}
	}
	return nil
}

// classifyTransport separates token endpoint refusals from transport failures
func (c *Client) classifyTransport(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode < 500 {
		return &exchange.AdapterError{Kind: exchange.KindAuthFailure, Exchange: c.cfg.ID, Op: op,
			Code: re.ErrorCode, Message: "token request refused", Err: err}
	}
	return exchange.Classify(c.cfg.ID, op, err)
}

// classifyResponse maps a non-2xx cTrader response to an AdapterError
func classifyResponse(exchangeID, op string, status int, header http.Header, body []byte) *exchange.AdapterError {
	var ae apiError
	_ = json.Unmarshal(body, &ae)
	code := strings.ToUpper(ae.ErrorCode)

	kind := exchange.KindRejected
	switch {
	case status == http.StatusTooManyRequests || code == "REQUEST_FREQUENCY_EXCEEDED":
		kind = exchange.KindRateLimited
	case status >= 500:
		kind = exchange.KindNetwork
	case status == http.StatusUnauthorized || status == http.StatusForbidden ||
		code == "CH_ACCESS_TOKEN_INVALID" || code == "CH_CLIENT_AUTH_FAILURE" || code == "ACCOUNT_NOT_AUTHORIZED":
		kind = exchange.KindAuthFailure
	case code == "MARKET_CLOSED" || code == "TRADING_DISABLED":
		kind = exchange.KindMarketClosed
	case code == "DUPLICATE_CLIENT_ORDER_ID":
		kind = exchange.KindDuplicate
	case status == http.StatusNotFound || code == "ORDER_NOT_FOUND" || code == "POSITION_NOT_FOUND":
		kind = exchange.KindNotFound
	}

	msg := ae.Description
	if msg == "" {
		msg = http.StatusText(status)
	}
	if code == "" {
		code = "HTTP " + strconv.Itoa(status)
	}
	err := exchange.NewError(kind, exchangeID, op, code, msg)
	if kind == exchange.KindRateLimited {
		if secs, convErr := strconv.Atoi(header.Get("Retry-After")); convErr == nil && secs > 0 {
			err.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return err
}
