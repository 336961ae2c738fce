package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"remoting/message"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.MethodMessage) *message.MethodMessage {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.Uint64("id", req.ID),
				zap.Duration("duration", time.Since(start)),
			}
			if req.TraceID != "" {
				fields = append(fields, zap.String("trace_id", req.TraceID))
			}
			if resp.ErrorMessage != "" {
				logger.Warn("call failed", append(fields, zap.String("error", resp.ErrorMessage))...)
				return resp
			}
			logger.Debug("call", fields...)
			return resp
		}
	}
}
