package mt5

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"execution-gateway/internal/exchange"
)

// Config configures the local terminal bridge
type Config struct {
	ID      string
	URL     string // e.g. http://127.0.0.1:18812/rpc
	Token   string // shared secret checked by the bridge
	Magic   int64  // expert magic number stamped on every order
	Timeout time.Duration
}

// JSON-RPC error code the bridge uses for unknown tickets and comments
const rpcNotFound = 404

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// Client is a JSON-RPC 2.0 client for the terminal bridge
type Client struct {
	cfg  Config
	http *resty.Client
	seq  atomic.Int64
}

// NewClient creates a bridge client
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	hc := resty.New().SetTimeout(cfg.Timeout).SetHeader("Content-Type", "application/json")
	if cfg.Token != "" {
		hc.SetAuthToken(cfg.Token)
	}
	return &Client{cfg: cfg, http: hc}
}

// Call invokes method and decodes the result into out
func (c *Client) Call(ctx context.Context, op, method string, params, out any) error {
	req := rpcRequest{JSONRPC: "2.0", ID: c.seq.Add(1), Method: method, Params: params}

	var resp rpcResponse
	r, err := c.http.R().SetContext(ctx).SetBody(req).SetResult(&resp).Post(c.cfg.URL)
	if err != nil {
		return exchange.Classify(c.cfg.ID, op, err)
	}
	switch {
	case r.StatusCode() == http.StatusUnauthorized || r.StatusCode() == http.StatusForbidden:
		return exchange.NewError(exchange.KindAuthFailure, c.cfg.ID, op, fmt.Sprintf("HTTP %d", r.StatusCode()), "bridge refused token")
	case r.StatusCode() >= 300:
		// the bridge is local; any other HTTP failure means the terminal state is unknown
		return exchange.NewError(exchange.KindNetwork, c.cfg.ID, op, fmt.Sprintf("HTTP %d", r.StatusCode()), r.Status())
	}
	if resp.Error != nil {
		kind := exchange.KindRejected
		if resp.Error.Code == rpcNotFound {
			kind = exchange.KindNotFound
		}
		return exchange.NewError(kind, c.cfg.ID, op, fmt.Sprintf("rpc %d", resp.Error.Code), resp.Error.Message)
	}
	if out == nil || len(resp.Result) == 0 || string(resp.Result) == "null" {
		if out != nil {
			return exchange.NewError(exchange.KindNotFound, c.cfg.ID, op, "", "empty result")
		}
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return &exchange.AdapterError{Kind: exchange.KindNetwork, Exchange: c.cfg.ID, Op: op, Message: "decode result", Err: err}
	}
	return nil
}
