package middleware

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"strims-rpc/message"
	"strims-rpc/rpc"
)

// ErrRateLimited is returned for calls rejected by RateLimit.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimit admits r calls per second with bursts of up to burst calls
// using a token bucket. Calls over the limit fail without reaching the
// handler.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next rpc.Handler) rpc.Handler {
		return func(ctx context.Context, call *message.Call, arg message.Message) (rpc.Result, error) {
			if !limiter.Allow() {
				return rpc.Result{}, ErrRateLimited
			}
			return next(ctx, call, arg)
		}
	}
}
