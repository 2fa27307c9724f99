package binance

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"execution-gateway/internal/exchange"
)

// Binance error codes the adapter distinguishes
const (
	codeTimestampOutsideWindow = -1021
	codeInvalidSignature       = -1022
	codeTooManyRequests        = -1003
	codeMarketClosed           = -1013
	codeNoSuchOrder            = -2013
	codeCancelRejected         = -2011
	codeBadAPIKey              = -2014
	codeRejectedMBXKey         = -2015
	codeDuplicateClientID      = -4116
)

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// classifyResponse maps a non-2xx Binance response to an AdapterError
func classifyResponse(exchangeID, op string, status int, header http.Header, body []byte) *exchange.AdapterError {
	var ae apiError
	_ = json.Unmarshal(body, &ae)

	kind := exchange.KindRejected
	lower := strings.ToLower(ae.Msg)
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusTeapot || ae.Code == codeTooManyRequests:
		kind = exchange.KindRateLimited
	case status >= 500:
		kind = exchange.KindNetwork
	case ae.Code == codeTimestampOutsideWindow || ae.Code == codeInvalidSignature ||
		ae.Code == codeBadAPIKey || ae.Code == codeRejectedMBXKey ||
		status == http.StatusUnauthorized:
		kind = exchange.KindAuthFailure
	case ae.Code == codeDuplicateClientID || strings.Contains(lower, "duplicate order"):
		kind = exchange.KindDuplicate
	case ae.Code == codeNoSuchOrder || (ae.Code == codeCancelRejected && strings.Contains(lower, "unknown order")):
		kind = exchange.KindNotFound
	case strings.Contains(lower, "market is closed"):
		kind = exchange.KindMarketClosed
	}

	msg := ae.Msg
	if msg == "" {
		msg = http.StatusText(status)
	}
	err := exchange.NewError(kind, exchangeID, op, strconv.Itoa(ae.Code), msg)
	if ae.Code == 0 {
		err.Code = "HTTP " + strconv.Itoa(status)
	}
	if kind == exchange.KindRateLimited {
		err.RetryAfter = retryAfter(header)
	}
	return err
}

func retryAfter(header http.Header) time.Duration {
	v := header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
