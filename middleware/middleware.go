// Package middleware wraps command handlers with cross-cutting behaviour:
// logging, timeouts, rate limiting, retries and panic recovery.
package middleware

import (
	"context"

	"blekit/message"
)

// HandlerFunc handles one decoded command. It must always return a non-nil
// Response.
type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

// Middleware decorates a HandlerFunc.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that Chain(A, B, C)(h) == A(B(C(h))).
// A runs first on the way in and last on the way out.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
