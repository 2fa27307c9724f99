package binance

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"execution-gateway/internal/exchange"
	"execution-gateway/internal/order"
	"execution-gateway/internal/symbolspec"
)

// Adapter implements exchange.Adapter for Binance spot or USD-M futures
type Adapter struct {
	client  *Client
	catalog *symbolspec.Catalog
	logger  *zap.Logger

	mu       sync.Mutex
	leverage map[string]int // venue symbol -> leverage last set
}

// NewAdapter creates a Binance adapter
func NewAdapter(cfg Config, catalog *symbolspec.Catalog, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("binance").With(zap.String("exchange", cfg.ID))
	return &Adapter{
		client:   NewClient(cfg, logger),
		catalog:  catalog,
		logger:   logger,
		leverage: make(map[string]int),
	}
}

func (a *Adapter) ID() string { return a.client.cfg.ID }

// Client exposes the REST transport (used by the user-data stream)
func (a *Adapter) Client() *Client { return a.client }

type orderFill struct {
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	TradeID         int64  `json:"tradeId"`
}

type orderResponse struct {
	OrderID       int64       `json:"orderId"`
	ClientOrderID string      `json:"clientOrderId"`
	Status        string      `json:"status"`
	ExecutedQty   string      `json:"executedQty"`
	AvgPrice      string      `json:"avgPrice"`
	CumQuote      string      `json:"cummulativeQuoteQty"`
	TransactTime  int64       `json:"transactTime"`
	UpdateTime    int64       `json:"updateTime"`
	Fills         []orderFill `json:"fills"`
}

type trade struct {
	ID              int64  `json:"id"`
	OrderID         int64  `json:"orderId"`
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	Time            int64  `json:"time"`
}

func (a *Adapter) rejectLocal(op, msg string) error {
	return exchange.NewError(exchange.KindRejected, a.ID(), op, "local", msg)
}

// Normalize reshapes req to the instrument step and tick
func (a *Adapter) Normalize(req order.Request) (order.Request, error) {
	return exchange.NormalizeRequest(a.catalog, req)
}

func (a *Adapter) Submit(ctx context.Context, o *order.Order) (exchange.Ack, error) {
	const op = "submit"
	req := o.Request

	spec, err := a.catalog.Get(req.Symbol)
	if err != nil {
		return exchange.Ack{}, a.rejectLocal(op, err.Error())
	}
	symbol, err := spec.VenueSymbol(a.ID())
	if err != nil {
		return exchange.Ack{}, a.rejectLocal(op, err.Error())
	}
	qty, err := spec.NormalizeQuantity(req.Quantity)
	if err != nil {
		return exchange.Ack{}, a.rejectLocal(op, err.Error())
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(req.Side))
	params.Set("quantity", symbolspec.FormatPlain(qty))
	params.Set("newClientOrderId", o.ClientOrderID)

	venueType, err := a.orderType(req.Type)
	if err != nil {
		return exchange.Ack{}, a.rejectLocal(op, err.Error())
	}
	params.Set("type", venueType)
	if req.Type.NeedsPrice() {
		params.Set("price", symbolspec.FormatPlain(spec.NormalizePrice(req.Price)))
		tif := req.TimeInForce
		if tif == "" {
			tif = order.TimeInForceGTC
		}
		if tif == order.TimeInForceDay {
			return exchange.Ack{}, a.rejectLocal(op, "time in force DAY not supported")
		}
		params.Set("timeInForce", string(tif))
	}
	if req.Type.NeedsStopPrice() {
		params.Set("stopPrice", symbolspec.FormatPlain(spec.NormalizePrice(req.StopPrice)))
	}

	if a.client.cfg.Futures {
		if req.ReduceOnly {
			params.Set("reduceOnly", "true")
		}
		params.Set("newOrderRespType", "RESULT")
		if req.Leverage > 0 {
			if err := a.ensureLeverage(ctx, symbol, req.Leverage); err != nil {
				return exchange.Ack{}, err
			}
		}
	} else {
		params.Set("newOrderRespType", "FULL")
	}

	var resp orderResponse
	if err := a.client.Signed(ctx, op, http.MethodPost, a.client.path("/api/v3/order", "/fapi/v1/order"), params, &resp); err != nil {
		return exchange.Ack{}, err
	}

	status, _ := mapStatus(resp.Status)
	ack := exchange.Ack{
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID:   resp.ClientOrderID,
		Status:          status,
		AcceptedAt:      msTime(firstNonZero(resp.TransactTime, resp.UpdateTime)),
	}
	for i, f := range resp.Fills {
		ack.Fills = append(ack.Fills, order.PartialFill{
			Sequence:   int64(i + 1),
			FillID:     strconv.FormatInt(f.TradeID, 10),
			Quantity:   parseDecimal(f.Qty),
			Price:      parseDecimal(f.Price),
			Fee:        parseDecimal(f.Commission),
			FeeAsset:   f.CommissionAsset,
			OccurredAt: ack.AcceptedAt,
		})
	}
	return ack, nil
}

func (a *Adapter) orderType(t order.Type) (string, error) {
	switch t {
	case order.TypeMarket:
		return "MARKET", nil
	case order.TypeLimit:
		return "LIMIT", nil
	case order.TypeStop:
		if a.client.cfg.Futures {
			return "STOP_MARKET", nil
		}
		return "STOP_LOSS", nil
	case order.TypeStopLimit:
		if a.client.cfg.Futures {
			return "STOP", nil
		}
		return "STOP_LOSS_LIMIT", nil
	}
	return "", order.ErrInvalidType
}

// ensureLeverage sets the symbol leverage before the first order that needs it
func (a *Adapter) ensureLeverage(ctx context.Context, symbol string, leverage int) error {
	a.mu.Lock()
	current := a.leverage[symbol]
	a.mu.Unlock()
	if current == leverage {
		return nil
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	if err := a.client.Signed(ctx, "set_leverage", http.MethodPost, "/fapi/v1/leverage", params, nil); err != nil {
		return err
	}

	a.mu.Lock()
	a.leverage[symbol] = leverage
	a.mu.Unlock()
	a.logger.Info("leverage set", zap.String("symbol", symbol), zap.Int("leverage", leverage))
	return nil
}

func (a *Adapter) refParams(op string, ref exchange.OrderRef) (url.Values, error) {
	spec, err := a.catalog.Get(ref.Symbol)
	if err != nil {
		return nil, a.rejectLocal(op, err.Error())
	}
	symbol, err := spec.VenueSymbol(a.ID())
	if err != nil {
		return nil, a.rejectLocal(op, err.Error())
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	switch {
	case ref.ExchangeOrderID != "":
		params.Set("orderId", ref.ExchangeOrderID)
	case ref.ClientOrderID != "":
		params.Set("origClientOrderId", ref.ClientOrderID)
	default:
		return nil, a.rejectLocal(op, "order reference has no id")
	}
	return params, nil
}

func (a *Adapter) Cancel(ctx context.Context, ref exchange.OrderRef) (exchange.CancelAck, error) {
	const op = "cancel"
	params, err := a.refParams(op, ref)
	if err != nil {
		return exchange.CancelAck{}, err
	}
	var resp orderResponse
	if err := a.client.Signed(ctx, op, http.MethodDelete, a.client.path("/api/v3/order", "/fapi/v1/order"), params, &resp); err != nil {
		return exchange.CancelAck{}, err
	}
	status, _ := mapStatus(resp.Status)
	return exchange.CancelAck{
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		Status:          status,
		FilledQuantity:  parseDecimal(resp.ExecutedQty),
	}, nil
}

func (a *Adapter) QueryStatus(ctx context.Context, ref exchange.OrderRef) (exchange.OrderView, error) {
	const op = "query_status"
	params, err := a.refParams(op, ref)
	if err != nil {
		return exchange.OrderView{}, err
	}
	var resp orderResponse
	if err := a.client.Signed(ctx, op, http.MethodGet, a.client.path("/api/v3/order", "/fapi/v1/order"), params, &resp); err != nil {
		return exchange.OrderView{}, err
	}

	status, expired := mapStatus(resp.Status)
	filled := parseDecimal(resp.ExecutedQty)
	avg := parseDecimal(resp.AvgPrice)
	if avg.IsZero() && filled.IsPositive() {
		avg = parseDecimal(resp.CumQuote).Div(filled)
	}
	return exchange.OrderView{
		ExchangeOrderID:  strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID:    resp.ClientOrderID,
		Status:           status,
		Expired:          expired,
		FilledQuantity:   filled,
		AverageFillPrice: avg,
		UpdatedAt:        msTime(resp.UpdateTime),
	}, nil
}

// QueryFills lists the order's trades in execution order. Binance trade queries
// need the exchange order id, so an order known only by client id is looked up first.
func (a *Adapter) QueryFills(ctx context.Context, ref exchange.OrderRef) ([]order.PartialFill, error) {
	const op = "query_fills"
	if ref.ExchangeOrderID == "" {
		view, err := a.QueryStatus(ctx, ref)
		if err != nil {
			return nil, err
		}
		ref.ExchangeOrderID = view.ExchangeOrderID
	}
	params, err := a.refParams(op, ref)
	if err != nil {
		return nil, err
	}

	var trades []trade
	if err := a.client.Signed(ctx, op, http.MethodGet, a.client.path("/api/v3/myTrades", "/fapi/v1/userTrades"), params, &trades); err != nil {
		return nil, err
	}
	sort.Slice(trades, func(i, j int) bool { return trades[i].ID < trades[j].ID })

	fills := make([]order.PartialFill, 0, len(trades))
	for i, tr := range trades {
		fills = append(fills, order.PartialFill{
			Sequence:   int64(i + 1),
			FillID:     strconv.FormatInt(tr.ID, 10),
			Quantity:   parseDecimal(tr.Qty),
			Price:      parseDecimal(tr.Price),
			Fee:        parseDecimal(tr.Commission),
			FeeAsset:   tr.CommissionAsset,
			OccurredAt: msTime(tr.Time),
		})
	}
	return fills, nil
}

// mapStatus maps a Binance order status. expired is true for venue-side expiry.
func mapStatus(s string) (order.Status, bool) {
	switch s {
	case "NEW", "PENDING_NEW", "PENDING_CANCEL":
		return order.StatusSubmitted, false
	case "PARTIALLY_FILLED":
		return order.StatusPartiallyFilled, false
	case "FILLED":
		return order.StatusFilled, false
	case "CANCELED":
		return order.StatusCancelled, false
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return order.StatusCancelled, true
	case "REJECTED":
		return order.StatusRejected, false
	}
	return order.StatusSubmitted, false
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func msTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func firstNonZero(vals ...int64) int64 {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}
