// Package mt5 talks to a MetaTrader 5 terminal through a local JSON-RPC bridge.
// The bridge has no push channel, so order state is learned by polling.
package mt5

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"execution-gateway/internal/exchange"
	"execution-gateway/internal/order"
	"execution-gateway/internal/symbolspec"
)

// Adapter implements exchange.Adapter for the MT5 bridge
type Adapter struct {
	client  *Client
	catalog *symbolspec.Catalog
	logger  *zap.Logger
}

// NewAdapter creates an MT5 bridge adapter
func NewAdapter(cfg Config, catalog *symbolspec.Catalog, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		client:  NewClient(cfg),
		catalog: catalog,
		logger:  logger.Named("mt5").With(zap.String("exchange", cfg.ID)),
	}
}

func (a *Adapter) ID() string { return a.client.cfg.ID }

type tradeRequest struct {
	Action      string      `json:"action"`
	Symbol      string      `json:"symbol,omitempty"`
	Volume      json.Number `json:"volume,omitempty"`
	Type        string      `json:"type,omitempty"`
	Price       json.Number `json:"price,omitempty"`
	StopLimit   json.Number `json:"stoplimit,omitempty"`
	TypeFilling string      `json:"type_filling,omitempty"`
	TypeTime    string      `json:"type_time,omitempty"`
	Comment     string      `json:"comment,omitempty"`
	Magic       int64       `json:"magic,omitempty"`
	Order       int64       `json:"order,omitempty"`
}

type tradeResult struct {
	Retcode int             `json:"retcode"`
	Order   int64           `json:"order"`
	Deal    int64           `json:"deal"`
	Volume  decimal.Decimal `json:"volume"`
	Price   decimal.Decimal `json:"price"`
	Comment string          `json:"comment"`
}

type orderInfo struct {
	Ticket        int64           `json:"ticket"`
	Comment       string          `json:"comment"`
	State         string          `json:"state"`
	VolumeInitial decimal.Decimal `json:"volume_initial"`
	VolumeCurrent decimal.Decimal `json:"volume_current"`
	PriceCurrent  decimal.Decimal `json:"price_current"`
	TimeUpdateMsc int64           `json:"time_update_msc"`
}

type dealInfo struct {
	Ticket     int64           `json:"ticket"`
	Order      int64           `json:"order"`
	Volume     decimal.Decimal `json:"volume"`
	Price      decimal.Decimal `json:"price"`
	Commission decimal.Decimal `json:"commission"`
	TimeMsc    int64           `json:"time_msc"`
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
	lots, err := spec.NormalizeQuantity(req.Quantity)
	if err != nil {
		return exchange.Ack{}, a.rejectLocal(op, err.Error())
	}

	tr := tradeRequest{
		Action:  "TRADE_ACTION_PENDING",
		Symbol:  symbol,
		Volume:  json.Number(lots.String()),
		Type:    orderType(req.Side, req.Type),
		Comment: o.ClientOrderID,
		Magic:   a.client.cfg.Magic,
	}
	switch req.Type {
	case order.TypeMarket:
		tr.Action = "TRADE_ACTION_DEAL"
	case order.TypeLimit:
		tr.Price = json.Number(spec.NormalizePrice(req.Price).String())
	case order.TypeStop:
		tr.Price = json.Number(spec.NormalizePrice(req.StopPrice).String())
	case order.TypeStopLimit:
		tr.Price = json.Number(spec.NormalizePrice(req.StopPrice).String())
		tr.StopLimit = json.Number(spec.NormalizePrice(req.Price).String())
	}
	tr.TypeFilling, tr.TypeTime = filling(req.TimeInForce)

	var res tradeResult
	if err := a.client.Call(ctx, op, "order_send", tr, &res); err != nil {
		return exchange.Ack{}, err
	}
	if !retcodeOK(res.Retcode) {
		return exchange.Ack{}, retcodeError(a.ID(), op, res.Retcode, res.Comment)
	}

	ack := exchange.Ack{
		ExchangeOrderID: strconv.FormatInt(res.Order, 10),
		ClientOrderID:   o.ClientOrderID,
		Status:          order.StatusSubmitted,
		AcceptedAt:      time.Now().UTC(),
	}
	if res.Deal != 0 && res.Volume.IsPositive() {
		ack.Fills = []order.PartialFill{{
			Sequence:   1,
			FillID:     strconv.FormatInt(res.Deal, 10),
			Quantity:   res.Volume,
			Price:      res.Price,
			OccurredAt: ack.AcceptedAt,
		}}
		ack.Status = order.StatusPartiallyFilled
		if res.Volume.GreaterThanOrEqual(lots) {
			ack.Status = order.StatusFilled
		}
	}
	return ack, nil
}

func orderType(side order.Side, t order.Type) string {
	dir := "BUY"
	if side == order.SideSell {
		dir = "SELL"
	}
	switch t {
	case order.TypeLimit:
		return "ORDER_TYPE_" + dir + "_LIMIT"
	case order.TypeStop:
		return "ORDER_TYPE_" + dir + "_STOP"
	case order.TypeStopLimit:
		return "ORDER_TYPE_" + dir + "_STOP_LIMIT"
	}
	return "ORDER_TYPE_" + dir
}

func filling(tif order.TimeInForce) (fill, expiry string) {
	switch tif {
	case order.TimeInForceIOC:
		return "ORDER_FILLING_IOC", "ORDER_TIME_GTC"
	case order.TimeInForceFOK:
		return "ORDER_FILLING_FOK", "ORDER_TIME_GTC"
	case order.TimeInForceDay:
		return "ORDER_FILLING_RETURN", "ORDER_TIME_DAY"
	}
	return "ORDER_FILLING_RETURN", "ORDER_TIME_GTC"
}

// find resolves an order by ticket, or by the client order id carried in the comment
func (a *Adapter) find(ctx context.Context, op string, ref exchange.OrderRef) (orderInfo, error) {
	params := map[string]any{}
	switch {
	case ref.ExchangeOrderID != "":
		ticket, err := strconv.ParseInt(ref.ExchangeOrderID, 10, 64)
		if err != nil {
			return orderInfo{}, a.rejectLocal(op, "invalid ticket "+ref.ExchangeOrderID)
		}
		params["ticket"] = ticket
	case ref.ClientOrderID != "":
		params["comment"] = ref.ClientOrderID
	default:
		return orderInfo{}, a.rejectLocal(op, "order reference has no id")
	}

	var info orderInfo
	if err := a.client.Call(ctx, op, "order_get", params, &info); err != nil {
		return orderInfo{}, err
	}
	return info, nil
}

func (a *Adapter) Cancel(ctx context.Context, ref exchange.OrderRef) (exchange.CancelAck, error) {
	const op = "cancel"
	info, err := a.find(ctx, op, ref)
	if err != nil {
		return exchange.CancelAck{}, err
	}

	var res tradeResult
	if err := a.client.Call(ctx, op, "order_send", tradeRequest{Action: "TRADE_ACTION_REMOVE", Order: info.Ticket}, &res); err != nil {
		return exchange.CancelAck{}, err
	}
	if !retcodeOK(res.Retcode) {
		return exchange.CancelAck{}, retcodeError(a.ID(), op, res.Retcode, res.Comment)
	}
	return exchange.CancelAck{
		ExchangeOrderID: strconv.FormatInt(info.Ticket, 10),
		Status:          order.StatusCancelled,
		FilledQuantity:  info.VolumeInitial.Sub(info.VolumeCurrent),
	}, nil
}

func (a *Adapter) QueryStatus(ctx context.Context, ref exchange.OrderRef) (exchange.OrderView, error) {
	const op = "query_status"
	info, err := a.find(ctx, op, ref)
	if err != nil {
		return exchange.OrderView{}, err
	}
	filled := info.VolumeInitial.Sub(info.VolumeCurrent)
	status, expired := mapState(info.State, filled)
	return exchange.OrderView{
		ExchangeOrderID:  strconv.FormatInt(info.Ticket, 10),
		ClientOrderID:    info.Comment,
		Status:           status,
		Expired:          expired,
		FilledQuantity:   filled,
		AverageFillPrice: info.PriceCurrent,
		UpdatedAt:        msTime(info.TimeUpdateMsc),
	}, nil
}

func (a *Adapter) QueryFills(ctx context.Context, ref exchange.OrderRef) ([]order.PartialFill, error) {
	const op = "query_fills"
	info, err := a.find(ctx, op, ref)
	if err != nil {
		return nil, err
	}

	var deals []dealInfo
	if err := a.client.Call(ctx, op, "deals_get", map[string]any{"order": info.Ticket}, &deals); err != nil {
		if exchange.IsKind(err, exchange.KindNotFound) {
			return nil, nil
		}
		return nil, err
	}
	sort.Slice(deals, func(i, j int) bool { return deals[i].Ticket < deals[j].Ticket })

	fills := make([]order.PartialFill, 0, len(deals))
	for i, d := range deals {
		fills = append(fills, order.PartialFill{
			Sequence:   int64(i + 1),
			FillID:     strconv.FormatInt(d.Ticket, 10),
			Quantity:   d.Volume,
			Price:      d.Price,
			Fee:        d.Commission.Abs(),
			OccurredAt: msTime(d.TimeMsc),
		})
	}
	return fills, nil
}

// mapState maps an MT5 ENUM_ORDER_STATE value
func mapState(state string, filled decimal.Decimal) (order.Status, bool) {
	switch state {
	case "ORDER_STATE_FILLED":
		return order.StatusFilled, false
	case "ORDER_STATE_CANCELED":
		return order.StatusCancelled, false
	case "ORDER_STATE_EXPIRED":
		return order.StatusCancelled, true
	case "ORDER_STATE_REJECTED":
		return order.StatusRejected, false
	case "ORDER_STATE_PARTIAL":
		return order.StatusPartiallyFilled, false
	}
	if filled.IsPositive() {
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
