package rpcgateway

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

// rpcError is the interface go-ethereum's JSON-RPC error values
// implement; duck-typing on it lets us recognize a 429 embedded in the
// response body without depending on a concrete error type.
type rpcError interface {
	Error() string
	ErrorCode() int
}

// RateLimitPredicate decides whether an upstream error should be
// treated as a rate-limit signal (and thus retried) rather than
// propagated to the caller. Exposed as a seam so a different
// upstream's quirks can be plugged in without touching the gateway's
// scheduling logic.
type RateLimitPredicate func(error) bool

// DefaultIsRateLimited recognizes, in order: an HTTP 429 surfaced by
// go-ethereum's rpc.HTTPError, a JSON-RPC error object carrying code
// 429, or a "Too Many Requests" substring in the error text — the
// three duck-typed signals named by the design.
func DefaultIsRateLimited(err error) bool {
	if err == nil {
		return false
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests {
		return true
	}

	var rpcErr rpcError
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == http.StatusTooManyRequests {
		return true
	}

	return strings.Contains(err.Error(), "Too Many Requests")
}
