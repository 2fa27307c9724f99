package ctrader

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"execution-gateway/internal/exchange"
	"execution-gateway/internal/order"
)

const (
	heartbeatInterval = 10 * time.Second
	streamReadTimeout = 30 * time.Second
)

type executionEvent struct {
	Type          string         `json:"type"`
	ExecutionType string         `json:"executionType"`
	Order         *orderResponse `json:"order"`
	Deal          *deal          `json:"deal"`
	ErrorCode     string         `json:"errorCode"`
}

// Stream pushes execution events for the account until ctx is done
func (a *Adapter) Stream(ctx context.Context, out chan<- exchange.StreamUpdate) error {
	return exchange.RunStream(ctx, a.logger, func(ctx context.Context, reconnect bool, connected func()) error {
		return a.session(ctx, out, reconnect, connected)
	})
}

func (a *Adapter) session(ctx context.Context, out chan<- exchange.StreamUpdate, reconnect bool, connected func()) error {
	token, err := a.client.tokens.Token()
	if err != nil {
		return a.client.classifyTransport("stream", err)
	}

	header := make(http.Header)
	token.SetAuthHeader(&http.Request{Header: header})
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	target := fmt.Sprintf("%s/v1/accounts/%d/events", a.client.cfg.StreamURL, a.client.cfg.AccountID)
	conn, _, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()
	connected()
	a.logger.Info("execution stream connected", zap.Bool("reconnect", reconnect))

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// heartbeats are the only writer on the connection
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sessionCtx.Done():
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"HEARTBEAT_EVENT"}`)); err != nil {
					a.logger.Warn("heartbeat failed", zap.Error(err))
				}
			}
		}
	}()

	if reconnect {
		if err := exchange.SendUpdate(ctx, out, exchange.StreamUpdate{ExchangeID: a.ID(), Reconnected: true}); err != nil {
			return err
		}
	}

	for {
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		update, ok := a.parseEvent(message)
		if !ok {
			continue
		}
		if err := exchange.SendUpdate(ctx, out, update); err != nil {
			return err
		}
	}
}

// parseEvent converts an execution event. ok is false for heartbeats and unrelated events.
func (a *Adapter) parseEvent(message []byte) (exchange.StreamUpdate, bool) {
	var evt executionEvent
	if err := json.Unmarshal(message, &evt); err != nil || evt.Type != "EXECUTION_EVENT" || evt.Order == nil {
		return exchange.StreamUpdate{}, false
	}

	o := evt.Order
	status, _ := mapStatus(o.OrderStatus, o.ExecutedVolume, o.IsExpired)
	if evt.ExecutionType == "ORDER_REJECTED" {
		status = order.StatusRejected
	}
	u := exchange.StreamUpdate{
		ExchangeID:      a.ID(),
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: strconv.FormatInt(o.OrderID, 10),
		Status:          status,
		Reason:          evt.ErrorCode,
	}

	if evt.Deal != nil && (evt.ExecutionType == "ORDER_FILLED" || evt.ExecutionType == "ORDER_PARTIAL_FILL") {
		symbol, err := a.catalog.Canonical(a.ID(), o.SymbolName)
		if err != nil {
			a.logger.Warn("fill for unmapped symbol", zap.String("symbol", o.SymbolName), zap.Error(err))
			return u, true
		}
		spec, err := a.catalog.Get(symbol)
		if err != nil {
			return u, true
		}
		// the stream does not number deals per order; the state machine assigns the sequence
		f := fillOf(spec, *evt.Deal, 0)
		u.Fill = &f
	}
	return u, true
}
