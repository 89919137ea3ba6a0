package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"strims-rpc/message"
	"strims-rpc/rpc"
)

// Logging logs every call with its duration once the handler's result has
// been fully delivered.
func Logging(logger *zap.Logger) Middleware {
	return func(next rpc.Handler) rpc.Handler {
		return func(ctx context.Context, call *message.Call, arg message.Message) (rpc.Result, error) {
			start := time.Now()
			res, err := next(ctx, call, arg)
			if err != nil {
				logger.Info(
					"call failed",
					zap.Uint64("id", call.ID),
					zap.String("method", call.Method),
					zap.Duration("duration", time.Since(start)),
					zap.Error(err),
				)
				return res, err
			}
			return res.Finally(func() {
				logger.Debug(
					"call",
					zap.Uint64("id", call.ID),
					zap.String("method", call.Method),
					zap.Bool("stream", res.IsStream()),
					zap.Duration("duration", time.Since(start)),
				)
			}), nil
		}
	}
}
