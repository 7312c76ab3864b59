package middleware

import (
	"context"
	"errors"
	"fmt"

	"blekit/message"
)

var ErrPanic = errors.New("middleware: handler panicked")

// RecoverMiddleware turns a handler panic into an error response so a
// misbehaving handler cannot take down the connection serving it.
func RecoverMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (resp *message.Response) {
			defer func() {
				if r := recover(); r != nil {
					resp = &message.Response{Err: fmt.Errorf("%w: %v", ErrPanic, r)}
				}
			}()
			return next(ctx, req)
		}
	}
}
