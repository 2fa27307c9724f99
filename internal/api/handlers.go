package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"execution-gateway/internal/breaker"
	"execution-gateway/internal/gateway"
	"execution-gateway/internal/order"
	"execution-gateway/internal/projection"
)

const defaultEventsLimit = 500

// Gateway is the execution surface the API exposes
type Gateway interface {
	PlaceOrder(ctx context.Context, req order.Request) (order.Outcome, error)
	CancelOrder(ctx context.Context, orderID string) (order.CancelOutcome, error)
	GetStatus(ctx context.Context, orderID string) (*order.Order, error)
	ClearAnomaly(ctx context.Context, orderID string) (*order.Order, error)
	Reconcile(ctx context.Context, exchangeID string) (gateway.ReconcileReport, error)
	CircuitState(exchangeID string) (breaker.CircuitState, error)
	Exchanges() []string
}

// EventReader serves journal polling
type EventReader interface {
	ReadFrom(ctx context.Context, exchangeID string, fromSeq int64, limit int) ([]order.Event, error)
}

// PositionReader serves the projected positions
type PositionReader interface {
	Positions(ctx context.Context, exchangeID string) ([]*projection.PositionView, error)
}

// Options holds the optional collaborators of the API
type Options struct {
	Journal   EventReader         // nil disables /events
	Positions PositionReader      // nil disables /positions
	Gatherer  prometheus.Gatherer // nil disables /metrics
}

// Handler handles HTTP requests for the order API
type Handler struct {
	gw        Gateway
	journal   EventReader
	positions PositionReader
	logger    *zap.Logger
}

// NewHandler creates a new API handler
func NewHandler(gw Gateway, opts Options, logger *zap.Logger) *Handler {
	return &Handler{gw: gw, journal: opts.Journal, positions: opts.Positions, logger: logger}
}

// PlaceOrder handles POST /v1/orders
func (h *Handler) PlaceOrder(c *gin.Context) {
	var body PlaceOrderRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, http.StatusBadRequest, ErrorCodeInvalidArgument, "invalid request body")
		return
	}

	req, err := toOrderRequest(&body)
	if err != nil {
		writeError(c, http.StatusBadRequest, ErrorCodeInvalidArgument, err.Error())
		return
	}

	outcome, err := h.gw.PlaceOrder(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}

	status := http.StatusOK
	if outcome.Kind == order.OutcomeInFlight {
		status = http.StatusAccepted
	}
	c.JSON(status, outcome)
}

// QueryOrder handles GET /v1/orders/:order_id
func (h *Handler) QueryOrder(c *gin.Context) {
	o, err := h.gw.GetStatus(c.Request.Context(), c.Param("order_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toOrderResponse(o))
}

// CancelOrder handles DELETE /v1/orders/:order_id
func (h *Handler) CancelOrder(c *gin.Context) {
	res, err := h.gw.CancelOrder(c.Request.Context(), c.Param("order_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ClearAnomaly handles POST /v1/orders/:order_id/clear-anomaly
func (h *Handler) ClearAnomaly(c *gin.Context) {
	orderID := c.Param("order_id")
	o, err := h.gw.ClearAnomaly(c.Request.Context(), orderID)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.logger.Info("operator cleared anomaly", zap.String("order_id", orderID), zap.String("remote", c.ClientIP()))
	c.JSON(http.StatusOK, toOrderResponse(o))
}

// Reconcile handles POST /v1/exchanges/:exchange_id/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	report, err := h.gw.Reconcile(c.Request.Context(), c.Param("exchange_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// CircuitState handles GET /v1/exchanges/:exchange_id/circuit
func (h *Handler) CircuitState(c *gin.Context) {
	state, err := h.gw.CircuitState(c.Param("exchange_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// Events handles GET /v1/exchanges/:exchange_id/events?from=N&limit=M
func (h *Handler) Events(c *gin.Context) {
	if h.journal == nil {
		writeError(c, http.StatusNotFound, ErrorCodeInvalidArgument, "event journal not configured")
		return
	}
	exchangeID := c.Param("exchange_id")
	if !h.knownExchange(exchangeID) {
		writeError(c, http.StatusNotFound, ErrorCodeExchangeNotFound, "unknown exchange "+exchangeID)
		return
	}

	from, err := queryInt(c, "from", 1)
	if err != nil || from < 1 {
		writeError(c, http.StatusBadRequest, ErrorCodeInvalidArgument, "from must be a positive sequence")
		return
	}
	limit, err := queryInt(c, "limit", defaultEventsLimit)
	if err != nil || limit < 1 {
		writeError(c, http.StatusBadRequest, ErrorCodeInvalidArgument, "limit must be positive")
		return
	}

	events, err := h.journal.ReadFrom(c.Request.Context(), exchangeID, from, int(limit))
	if err != nil {
		h.fail(c, err)
		return
	}
	next := from
	if n := len(events); n > 0 {
		next = events[n-1].Sequence + 1
	}
	if events == nil {
		events = []order.Event{}
	}
	c.JSON(http.StatusOK, EventsResponse{ExchangeID: exchangeID, Events: events, NextFrom: next})
}

// Positions handles GET /v1/exchanges/:exchange_id/positions
func (h *Handler) Positions(c *gin.Context) {
	if h.positions == nil {
		writeError(c, http.StatusNotFound, ErrorCodeInvalidArgument, "position projection not configured")
		return
	}
	exchangeID := c.Param("exchange_id")
	if !h.knownExchange(exchangeID) {
		writeError(c, http.StatusNotFound, ErrorCodeExchangeNotFound, "unknown exchange "+exchangeID)
		return
	}

	list, err := h.positions.Positions(c.Request.Context(), exchangeID)
	if err != nil {
		h.fail(c, err)
		return
	}
	resp := PositionsResponse{ExchangeID: exchangeID, Positions: make([]PositionDTO, 0, len(list))}
	for _, p := range list {
		resp.Positions = append(resp.Positions, toPositionDTO(p))
	}
	c.JSON(http.StatusOK, resp)
}

// Health handles GET /healthz
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "ok", Exchanges: h.gw.Exchanges()})
}

func (h *Handler) knownExchange(id string) bool {
	for _, ex := range h.gw.Exchanges() {
		if ex == id {
			return true
		}
	}
	return false
}

func (h *Handler) fail(c *gin.Context, err error) {
	status, resp := MapErrorToHTTP(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()), zap.Int("status", status), zap.Error(err))
	}
	c.JSON(status, resp)
}

// Utility functions

func toOrderRequest(body *PlaceOrderRequest) (order.Request, error) {
	req := order.Request{
		IdempotencyKey: strings.TrimSpace(body.IdempotencyKey),
		ExchangeID:     body.ExchangeID,
		Symbol:         body.Symbol,
		Side:           order.Side(strings.ToUpper(body.Side)),
		Type:           order.Type(strings.ToUpper(body.Type)),
		AccountClass:   order.AccountClass(strings.ToUpper(body.AccountClass)),
		TimeInForce:    order.TimeInForce(strings.ToUpper(body.TimeInForce)),
		Leverage:       body.Leverage,
		ReduceOnly:     body.ReduceOnly,
	}
	if req.TimeInForce == "" {
		req.TimeInForce = order.TimeInForceGTC
	}

	var err error
	if req.Quantity, err = parseDecimal("quantity", body.Quantity, true); err != nil {
		return req, err
	}
	if req.Price, err = parseDecimal("price", body.Price, false); err != nil {
		return req, err
	}
	if req.StopPrice, err = parseDecimal("stop_price", body.StopPrice, false); err != nil {
		return req, err
	}
	return req, nil
}

func parseDecimal(field, s string, required bool) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		if required {
			return decimal.Zero, fmt.Errorf("%s is required", field)
		}
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s: %w", field, err)
	}
	return d, nil
}

func queryInt(c *gin.Context, key string, def int64) (int64, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func writeError(c *gin.Context, status int, code ErrorCode, message string) {
	c.JSON(status, ErrorResponse{Code: string(code), Message: message})
}
