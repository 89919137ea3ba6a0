package middleware

import (
	"context"
	"time"

	"strims-rpc/message"
	"strims-rpc/rpc"
)

// Timeout bounds the context handed to the handler. The deadline covers
// the whole call, including deferred work and stream sends, and is
// released once the result is delivered.
func Timeout(d time.Duration) Middleware {
	return func(next rpc.Handler) rpc.Handler {
		return func(ctx context.Context, call *message.Call, arg message.Message) (rpc.Result, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			res, err := next(ctx, call, arg)
			if err != nil {
				cancel()
				return res, err
			}
			return res.Finally(cancel), nil
		}
	}
}
