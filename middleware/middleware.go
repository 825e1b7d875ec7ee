// Package middleware wraps the server's business handler.
//
// Middlewares compose as an onion: Chain(A, B)(h) runs A.before, B.before,
// h, B.after, A.after.
package middleware

import (
	"context"

	"assistant-rpc/message"
)

type HandlerFunc func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件，第一个参数在最外层
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
