package middleware

import (
	"context"
	"time"

	"assistant-rpc/message"

	"github.com/charmbracelet/log"
)

// LoggingMiddleware logs every inbound call with its duration. Failed calls
// are logged at warn level.
func LoggingMiddleware(logger *log.Logger) Middleware {
	if logger == nil {
		logger = log.Default()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			start := time.Now()
			resp := next(ctx, req)
			duration := time.Since(start)
			if resp.Error != "" {
				logger.Warn("rpc failed", "method", req.ServiceMethod, "duration", duration, "err", resp.Error)
				return resp
			}
			logger.Debug("rpc", "method", req.ServiceMethod, "duration", duration)
			return resp
		}
	}
}
