package middleware

import (
	"context"
	"fmt"

	"assistant-rpc/message"

	"github.com/charmbracelet/log"
)

// RecoverMiddleware turns a handler panic into an RPC error so one bad
// assistant method cannot take the worker pool down with it.
func RecoverMiddleware(logger *log.Logger) Middleware {
	if logger == nil {
		logger = log.Default()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) (resp *message.RPCMessage) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("handler panic", "method", req.ServiceMethod, "panic", r)
					resp = &message.RPCMessage{
						ServiceMethod: req.ServiceMethod,
						Error:         fmt.Sprintf("internal error: %v", r),
					}
				}
			}()
			return next(ctx, req)
		}
	}
}
