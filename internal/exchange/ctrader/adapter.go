package ctrader

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"execution-gateway/internal/exchange"
	"execution-gateway/internal/order"
	"execution-gateway/internal/symbolspec"
)

// cTrader volumes are expressed in hundredths of a base unit
var volumeScale = decimal.NewFromInt(100)

// Adapter implements exchange.Adapter for cTrader (Pepperstone) accounts
type Adapter struct {
	client  *Client
	catalog *symbolspec.Catalog
	logger  *zap.Logger
}

// NewAdapter creates a cTrader adapter
func NewAdapter(cfg Config, catalog *symbolspec.Catalog, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("ctrader").With(zap.String("exchange", cfg.ID))
	return &Adapter{client: NewClient(cfg, logger), catalog: catalog, logger: logger}
}

func (a *Adapter) ID() string { return a.client.cfg.ID }

type newOrderRequest struct {
	SymbolName    string      `json:"symbolName"`
	OrderType     string      `json:"orderType"`
	TradeSide     string      `json:"tradeSide"`
	Volume        int64       `json:"volume"`
	LimitPrice    json.Number `json:"limitPrice,omitempty"`
	StopPrice     json.Number `json:"stopPrice,omitempty"`
	TimeInForce   string      `json:"timeInForce,omitempty"`
	ClientOrderID string      `json:"clientOrderId"`
	Label         string      `json:"label,omitempty"`
}

type deal struct {
	DealID             int64           `json:"dealId"`
	OrderID            int64           `json:"orderId"`
	Volume             int64           `json:"filledVolume"`
	ExecutionPrice     decimal.Decimal `json:"executionPrice"`
	Commission         decimal.Decimal `json:"commission"`
	ExecutionTimestamp int64           `json:"executionTimestamp"`
}

type orderResponse struct {
	OrderID        int64           `json:"orderId"`
	ClientOrderID  string          `json:"clientOrderId"`
	SymbolName     string          `json:"symbolName"`
	OrderStatus    string          `json:"orderStatus"`
	ExecutedVolume int64           `json:"executedVolume"`
	ExecutionPrice decimal.Decimal `json:"executionPrice"`
	UtcLastUpdate  int64           `json:"utcLastUpdateTimestamp"`
	Deals          []deal          `json:"deals"`
	IsExpired      bool            `json:"isExpired"`
}

func (a *Adapter) rejectLocal(op, msg string) error {
	return exchange.NewError(exchange.KindRejected, a.ID(), op, "local", msg)
}

func (a *Adapter) spec(op, symbol string) (symbolspec.Spec, string, error) {
	spec, err := a.catalog.Get(symbol)
	if err != nil {
		return symbolspec.Spec{}, "", a.rejectLocal(op, err.Error())
	}
	venue, err := spec.VenueSymbol(a.ID())
	if err != nil {
		return symbolspec.Spec{}, "", a.rejectLocal(op, err.Error())
	}
	return spec, venue, nil
}

// toVolume converts lots to cTrader volume: lots x contract size x 100
func toVolume(spec symbolspec.Spec, lots decimal.Decimal) int64 {
	return spec.Units(lots).Mul(volumeScale).IntPart()
}

// fromVolume converts cTrader volume back to lots
func fromVolume(spec symbolspec.Spec, volume int64) decimal.Decimal {
	return spec.Lots(decimal.NewFromInt(volume).Div(volumeScale))
}

// Normalize reshapes req to the instrument step and tick
func (a *Adapter) Normalize(req order.Request) (order.Request, error) {
	return exchange.NormalizeRequest(a.catalog, req)
}

func (a *Adapter) Submit(ctx context.Context, o *order.Order) (exchange.Ack, error) {
	const op = "submit"
	req := o.Request

	spec, venueSymbol, err := a.spec(op, req.Symbol)
	if err != nil {
		return exchange.Ack{}, err
	}
	lots, err := spec.NormalizeQuantity(req.Quantity)
	if err != nil {
		return exchange.Ack{}, a.rejectLocal(op, err.Error())
	}
	volume := toVolume(spec, lots)
	if volume <= 0 {
		return exchange.Ack{}, a.rejectLocal(op, "volume rounds to zero")
	}

	body := newOrderRequest{
		SymbolName:    venueSymbol,
		OrderType:     string(req.Type),
		TradeSide:     string(req.Side),
		Volume:        volume,
		ClientOrderID: o.ClientOrderID,
		Label:         "exgw",
	}
	if req.Type.NeedsPrice() {
		body.LimitPrice = json.Number(spec.NormalizePrice(req.Price).String())
	}
	if req.Type.NeedsStopPrice() {
		body.StopPrice = json.Number(spec.NormalizePrice(req.StopPrice).String())
	}
	if req.Type != order.TypeMarket {
		body.TimeInForce = timeInForce(req.TimeInForce)
	}

	var resp orderResponse
	if err := a.client.do(ctx, op, http.MethodPost, a.client.accountPath("/orders"), body, &resp); err != nil {
		return exchange.Ack{}, err
	}
	status, _ := mapStatus(resp.OrderStatus, resp.ExecutedVolume, resp.IsExpired)
	return exchange.Ack{
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID:   resp.ClientOrderID,
		Status:          status,
		Fills:           a.fills(spec, resp.Deals),
		AcceptedAt:      msTime(resp.UtcLastUpdate),
	}, nil
}

func timeInForce(t order.TimeInForce) string {
	switch t {
	case order.TimeInForceIOC:
		return "IMMEDIATE_OR_CANCEL"
	case order.TimeInForceFOK:
		return "FILL_OR_KILL"
	case order.TimeInForceDay:
		return "GOOD_TILL_DATE"
	}
	return "GOOD_TILL_CANCEL"
}

// lookup resolves the venue order, by exchange id when known and by client id otherwise
func (a *Adapter) lookup(ctx context.Context, op string, ref exchange.OrderRef) (orderResponse, error) {
	var resp orderResponse
	var err error
	switch {
	case ref.ExchangeOrderID != "":
		err = a.client.do(ctx, op, http.MethodGet, a.client.accountPath("/orders/%s", url.PathEscape(ref.ExchangeOrderID)), nil, &resp)
	case ref.ClientOrderID != "":
		err = a.client.do(ctx, op, http.MethodGet, a.client.accountPath("/orders?clientOrderId=%s", url.QueryEscape(ref.ClientOrderID)), nil, &resp)
	default:
		err = a.rejectLocal(op, "order reference has no id")
	}
	return resp, err
}

func (a *Adapter) Cancel(ctx context.Context, ref exchange.OrderRef) (exchange.CancelAck, error) {
	const op = "cancel"
	spec, _, err := a.spec(op, ref.Symbol)
	if err != nil {
		return exchange.CancelAck{}, err
	}
	if ref.ExchangeOrderID == "" {
		found, err := a.lookup(ctx, op, ref)
		if err != nil {
			return exchange.CancelAck{}, err
		}
		ref.ExchangeOrderID = strconv.FormatInt(found.OrderID, 10)
	}

	var resp orderResponse
	if err := a.client.do(ctx, op, http.MethodDelete, a.client.accountPath("/orders/%s", url.PathEscape(ref.ExchangeOrderID)), nil, &resp); err != nil {
		return exchange.CancelAck{}, err
	}
	status, _ := mapStatus(resp.OrderStatus, resp.ExecutedVolume, resp.IsExpired)
	return exchange.CancelAck{
		ExchangeOrderID: ref.ExchangeOrderID,
		Status:          status,
		FilledQuantity:  fromVolume(spec, resp.ExecutedVolume),
	}, nil
}

func (a *Adapter) QueryStatus(ctx context.Context, ref exchange.OrderRef) (exchange.OrderView, error) {
	const op = "query_status"
	spec, _, err := a.spec(op, ref.Symbol)
	if err != nil {
		return exchange.OrderView{}, err
	}
	resp, err := a.lookup(ctx, op, ref)
	if err != nil {
		return exchange.OrderView{}, err
	}
	status, expired := mapStatus(resp.OrderStatus, resp.ExecutedVolume, resp.IsExpired)
	return exchange.OrderView{
		ExchangeOrderID:  strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID:    resp.ClientOrderID,
		Status:           status,
		Expired:          expired,
		FilledQuantity:   fromVolume(spec, resp.ExecutedVolume),
		AverageFillPrice: resp.ExecutionPrice,
		UpdatedAt:        msTime(resp.UtcLastUpdate),
	}, nil
}

func (a *Adapter) QueryFills(ctx context.Context, ref exchange.OrderRef) ([]order.PartialFill, error) {
	const op = "query_fills"
	spec, _, err := a.spec(op, ref.Symbol)
	if err != nil {
		return nil, err
	}
	if ref.ExchangeOrderID == "" {
		found, err := a.lookup(ctx, op, ref)
		if err != nil {
			return nil, err
		}
		ref.ExchangeOrderID = strconv.FormatInt(found.OrderID, 10)
	}

	var resp struct {
		Deals []deal `json:"deals"`
	}
	if err := a.client.do(ctx, op, http.MethodGet, a.client.accountPath("/orders/%s/deals", url.PathEscape(ref.ExchangeOrderID)), nil, &resp); err != nil {
		return nil, err
	}
	return a.fills(spec, resp.Deals), nil
}

func (a *Adapter) fills(spec symbolspec.Spec, deals []deal) []order.PartialFill {
	sorted := make([]deal, len(deals))
	copy(sorted, deals)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].ExecutionTimestamp == sorted[j].ExecutionTimestamp {
			return sorted[i].DealID < sorted[j].DealID
		}
		return sorted[i].ExecutionTimestamp < sorted[j].ExecutionTimestamp
	})

	out := make([]order.PartialFill, 0, len(sorted))
	for i, d := range sorted {
		out = append(out, fillOf(spec, d, int64(i+1)))
	}
	return out
}

func fillOf(spec symbolspec.Spec, d deal, seq int64) order.PartialFill {
	return order.PartialFill{
		Sequence:   seq,
		FillID:     strconv.FormatInt(d.DealID, 10),
		Quantity:   fromVolume(spec, d.Volume),
		Price:      d.ExecutionPrice,
		Fee:        d.Commission,
		OccurredAt: msTime(d.ExecutionTimestamp),
	}
}

// mapStatus maps a cTrader order status. expired is true for venue-side expiry.
func mapStatus(s string, executedVolume int64, isExpired bool) (order.Status, bool) {
	switch s {
	case "ORDER_STATUS_FILLED":
		return order.StatusFilled, false
	case "ORDER_STATUS_REJECTED":
		return order.StatusRejected, false
	case "ORDER_STATUS_EXPIRED":
		return order.StatusCancelled, true
	case "ORDER_STATUS_CANCELLED":
		return order.StatusCancelled, isExpired
	}
	if executedVolume > 0 {
		return order.StatusPartiallyFilled, false
	}
	return order.StatusSubmitted, false
}

func msTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
