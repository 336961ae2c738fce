// Package middleware wraps the server's method invocation. Middlewares see the request
// MethodMessage and return the response one; an error is reported in ErrorMessage.
package middleware

import (
	"context"

	"remoting/message"
)

type HandlerFunc func(ctx context.Context, req *message.MethodMessage) *message.MethodMessage

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that the first one is the outermost:
// Chain(A, B, C)(h) == A(B(C(h))).
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// failure builds an error response for req.
func failure(req *message.MethodMessage, errorMessage string) *message.MethodMessage {
	return &message.MethodMessage{ID: req.ID, Method: req.Method, ErrorMessage: errorMessage}
}
