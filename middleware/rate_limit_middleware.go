package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"remoting/message"
)

// RateLimitMiddleware rejects calls beyond r per second with bursts of up to burst,
// using a token bucket shared by all connections.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.MethodMessage) *message.MethodMessage {
			if !limiter.Allow() {
				return failure(req, "*middleware.RateLimitError rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
