package order

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRequest() Request {
	return Request{
		IdempotencyKey: "k-1",
		ExchangeID:     "binance-spot",
		Symbol:         "BTCUSDT",
		Side:           SideBuy,
		Type:           TypeLimit,
		Quantity:       decimal.RequireFromString("0.01"),
		Price:          decimal.RequireFromString("50000"),
		AccountClass:   AccountSpot,
		TimeInForce:    TimeInForceGTC,
	}
}

func TestRequest_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *Request)
		want   error
	}{
		{"valid", func(r *Request) {}, nil},
		{"missing key", func(r *Request) { r.IdempotencyKey = "" }, ErrMissingIdempotencyKey},
		{"missing exchange", func(r *Request) { r.ExchangeID = "" }, ErrMissingExchange},
		{"bad side", func(r *Request) { r.Side = "HOLD" }, ErrInvalidSide},
		{"zero quantity", func(r *Request) { r.Quantity = decimal.Zero }, ErrInvalidQuantity},
		{"limit without price", func(r *Request) { r.Price = decimal.Zero }, ErrInvalidPrice},
		{"market without price", func(r *Request) { r.Type = TypeMarket; r.Price = decimal.Zero }, nil},
		{"stop without trigger", func(r *Request) { r.Type = TypeStop }, ErrInvalidStopPrice},
		{"leverage on spot", func(r *Request) { r.Leverage = 5 }, ErrInvalidLeverage},
		{"leverage on futures", func(r *Request) { r.AccountClass = AccountFutures; r.Leverage = 5 }, nil},
		{"reduce only on spot", func(r *Request) { r.ReduceOnly = true }, ErrReduceOnlyNotFutures},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRequest()
			tt.mutate(&r)
			err := r.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestPayloadHash_IgnoresReceiveTime(t *testing.T) {
	a := validRequest()
	b := validRequest()
	a.CreatedAt = time.Now()
	b.CreatedAt = time.Now().Add(time.Hour)

	ha, err := PayloadHash(a)
	require.NoError(t, err)
	hb, err := PayloadHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)

	b.Quantity = decimal.RequireFromString("0.02")
	hc, err := PayloadHash(b)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hc)
}

func TestPayloadHash_EqualDecimalsHashEqual(t *testing.T) {
	a := validRequest()
	b := validRequest()
	b.Quantity = decimal.RequireFromString("0.010")
	b.Price = decimal.New(5, 4)

	ha, err := PayloadHash(a)
	require.NoError(t, err)
	hb, err := PayloadHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestDeterministicIDs(t *testing.T) {
	assert.Equal(t, OrderIDFor("abc"), OrderIDFor("abc"))
	assert.NotEqual(t, OrderIDFor("abc"), OrderIDFor("abd"))

	cid := ClientOrderIDFor("abc")
	assert.Len(t, cid, 31)
	assert.Regexp(t, `^[a-z0-9]+$`, cid)
	assert.Equal(t, cid, ClientOrderIDFor("abc"))
}

func TestStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusPartiallyFilled.IsTerminal())
	for _, s := range []Status{StatusFilled, StatusCancelled, StatusRejected, StatusSubmissionFailed} {
		assert.True(t, s.IsTerminal(), s)
	}
}

func TestOrder_CloneIsDeep(t *testing.T) {
	o := &Order{OrderID: "o1", Fills: []PartialFill{{Sequence: 1}}, Anomaly: &Anomaly{Kind: AnomalyOverfill}}
	c := o.Clone()
	c.Fills[0].Sequence = 9
	c.Anomaly.Kind = AnomalyFillGap
	assert.Equal(t, int64(1), o.Fills[0].Sequence)
	assert.Equal(t, AnomalyOverfill, o.Anomaly.Kind)
}
