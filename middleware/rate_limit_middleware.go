package middleware

import (
	"context"

	"assistant-rpc/message"

	"golang.org/x/time/rate"
)

const ErrRateLimited = "rate limit exceeded"

// RateLimitMiddleware 创建一个基于令牌桶算法的限流中间件。
// 超过 r 次/秒（允许 burst 个突发）的请求直接拒绝，不排队。
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			if !limiter.Allow() {
				return &message.RPCMessage{
					ServiceMethod: req.ServiceMethod,
					Error:         ErrRateLimited,
				}
			}
			return next(ctx, req)
		}
	}
}
