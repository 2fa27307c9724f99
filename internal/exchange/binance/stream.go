package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"execution-gateway/internal/exchange"
	"execution-gateway/internal/order"
)

const (
	listenKeyKeepAlive = 30 * time.Minute
	streamReadTimeout  = 5 * time.Minute
	handshakeTimeout   = 10 * time.Second
)

var errListenKeyExpired = errors.New("listen key expired")

// executionReport covers the spot executionReport event and the "o" object of
// the futures ORDER_TRADE_UPDATE event, which share field names.
type executionReport struct {
	Symbol          string `json:"s"`
	ClientOrderID   string `json:"c"`
	OrigClientID    string `json:"C"`
	Status          string `json:"X"`
	ExecutionType   string `json:"x"`
	OrderID         int64  `json:"i"`
	LastQty         string `json:"l"`
	LastPrice       string `json:"L"`
	Commission      string `json:"n"`
	CommissionAsset string `json:"N"`
	TradeTime       int64  `json:"T"`
	TradeID         int64  `json:"t"`
	RejectReason    string `json:"r"`
}

type streamEvent struct {
	Type  string          `json:"e"`
	Order json.RawMessage `json:"o"` // order type string on spot, order object on futures
	executionReport
}

// Stream pushes order updates from the Binance user-data stream until ctx is done.
// Every reconnect after the first connection is signalled with Reconnected so the
// caller can reconcile what was missed.
func (a *Adapter) Stream(ctx context.Context, out chan<- exchange.StreamUpdate) error {
	return exchange.RunStream(ctx, a.logger, func(ctx context.Context, reconnect bool, connected func()) error {
		return a.session(ctx, out, reconnect, connected)
	})
}

func (a *Adapter) listenKeyPath() string {
	return a.client.path("/api/v3/userDataStream", "/fapi/v1/listenKey")
}

func (a *Adapter) session(ctx context.Context, out chan<- exchange.StreamUpdate, reconnect bool, connected func()) error {
	var lk struct {
		ListenKey string `json:"listenKey"`
	}
	if err := a.client.Keyed(ctx, "listen_key", http.MethodPost, a.listenKeyPath(), nil, &lk); err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, a.client.cfg.StreamURL+"/ws/"+lk.ListenKey, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()
	connected()
	a.logger.Info("user data stream connected", zap.Bool("reconnect", reconnect))

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessionCtx.Done()
		conn.Close()
	}()
	go a.keepAlive(sessionCtx, lk.ListenKey)

	if reconnect {
		if err := exchange.SendUpdate(ctx, out, exchange.StreamUpdate{ExchangeID: a.ID(), Reconnected: true}); err != nil {
			return err
		}
	}

	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	for {
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		update, ok, err := a.parseEvent(message)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := exchange.SendUpdate(ctx, out, update); err != nil {
			return err
		}
	}
}

func (a *Adapter) keepAlive(ctx context.Context, listenKey string) {
	ticker := time.NewTicker(listenKeyKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			params := url.Values{}
			if !a.client.cfg.Futures {
				params.Set("listenKey", listenKey)
			}
			if err := a.client.Keyed(ctx, "listen_key_keepalive", http.MethodPut, a.listenKeyPath(), params, nil); err != nil {
				a.logger.Warn("listen key keepalive failed", zap.Error(err))
			}
		}
	}
}

// parseEvent turns a stream message into an update. ok is false for events
// that carry no order information.
func (a *Adapter) parseEvent(message []byte) (exchange.StreamUpdate, bool, error) {
	var evt streamEvent
	if err := json.Unmarshal(message, &evt); err != nil {
		a.logger.Debug("unparsable stream message", zap.ByteString("message", message))
		return exchange.StreamUpdate{}, false, nil
	}

	var r executionReport
	switch evt.Type {
	case "executionReport":
		r = evt.executionReport
	case "ORDER_TRADE_UPDATE":
		if err := json.Unmarshal(evt.Order, &r); err != nil {
			a.logger.Debug("unparsable order update", zap.ByteString("message", message))
			return exchange.StreamUpdate{}, false, nil
		}
	case "listenKeyExpired":
		return exchange.StreamUpdate{}, false, errListenKeyExpired
	default:
		return exchange.StreamUpdate{}, false, nil
	}

	status, _ := mapStatus(r.Status)
	cid := r.ClientOrderID
	if r.Status == "CANCELED" && r.OrigClientID != "" {
		cid = r.OrigClientID
	}
	u := exchange.StreamUpdate{
		ExchangeID:      a.ID(),
		ClientOrderID:   cid,
		ExchangeOrderID: fmt.Sprintf("%d", r.OrderID),
		Status:          status,
	}
	if status == order.StatusRejected && r.RejectReason != "NONE" {
		u.Reason = r.RejectReason
	}
	if r.ExecutionType == "TRADE" {
		// the stream does not number fills per order; the state machine assigns the sequence
		u.Fill = &order.PartialFill{
			FillID:     fmt.Sprintf("%d", r.TradeID),
			Quantity:   parseDecimal(r.LastQty),
			Price:      parseDecimal(r.LastPrice),
			Fee:        parseDecimal(r.Commission),
			FeeAsset:   r.CommissionAsset,
			OccurredAt: msTime(r.TradeTime),
		}
	}
	return u, true, nil
}
