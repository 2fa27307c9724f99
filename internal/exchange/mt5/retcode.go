package mt5

import (
	"strconv"

	"execution-gateway/internal/exchange"
)

// Trade server return codes the adapter distinguishes
const (
	retcodeRequote       = 10004
	retcodePlaced        = 10008
	retcodeDone          = 10009
	retcodeDonePartial   = 10010
	retcodeMarketClosed  = 10018
	retcodeTooMany       = 10024
	retcodeAutoTrading   = 10027
	retcodeNoConnection  = 10031
	retcodeClientDisable = 10026
)

func retcodeOK(code int) bool {
	return code == retcodeDone || code == retcodePlaced || code == retcodeDonePartial
}

// retcodeError maps a failed trade request to an AdapterError
func retcodeError(exchangeID, op string, code int, comment string) *exchange.AdapterError {
	kind := exchange.KindRejected
	switch code {
	case retcodeMarketClosed:
		kind = exchange.KindMarketClosed
	case retcodeTooMany:
		kind = exchange.KindRateLimited
	case retcodeRequote, retcodeNoConnection:
		kind = exchange.KindNetwork
	case retcodeAutoTrading, retcodeClientDisable:
		kind = exchange.KindAuthFailure
	}
	return exchange.NewError(kind, exchangeID, op, strconv.Itoa(code), comment)
}
