package middleware

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"strims-rpc/message"
	"strims-rpc/rpc"
)

// Recover turns a panic in the synchronous part of a handler into an
// error. Panics in deferred and stream bodies are recovered by the host.
func Recover(logger *zap.Logger) Middleware {
	return func(next rpc.Handler) rpc.Handler {
		return func(ctx context.Context, call *message.Call, arg message.Message) (res rpc.Result, err error) {
			defer func() {
				if p := recover(); p != nil {
					err = fmt.Errorf("handler panicked: %v", p)
					logger.Error("recovered handler panic", zap.String("method", call.Method), zap.Any("panic", p), zap.Stack("stack"))
				}
			}()
			return next(ctx, call, arg)
		}
	}
}
