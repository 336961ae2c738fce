package middleware

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"remoting/message"
)

// RecoverMiddleware turns a panic further down the chain into an error response so one bad
// call cannot take the server down.
func RecoverMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.MethodMessage) (resp *message.MethodMessage) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("call panicked", zap.String("method", req.Method), zap.Any("panic", r), zap.StackSkip("stack", 1))
					resp = failure(req, fmt.Sprintf("panic %v", r))
				}
			}()
			return next(ctx, req)
		}
	}
}
