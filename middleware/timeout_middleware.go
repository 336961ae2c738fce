package middleware

import (
	"context"
	"time"

	"remoting/message"
)

// TimeOutMiddleware answers with a timeout error when the call takes longer than timeout.
// The call keeps running with a canceled context; its late result is discarded.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.MethodMessage) *message.MethodMessage {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.MethodMessage, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return failure(req, "*middleware.TimeoutError request timed out")
			}
		}
	}
}
