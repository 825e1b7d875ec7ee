package middleware

import (
	"context"
	"time"

	"assistant-rpc/message"
)

// ErrTimedOut is the error string returned to the caller when a handler
// overruns its budget.
const ErrTimedOut = "request timed out"

func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.RPCMessage, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return &message.RPCMessage{
					ServiceMethod: req.ServiceMethod,
					Error:         ErrTimedOut,
				}
			}
		}
	}
}
