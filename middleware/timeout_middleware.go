package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"blekit/message"
)

var ErrTimeout = errors.New("middleware: command timed out")

// TimeoutMiddleware bounds how long a handler may run. The handler keeps
// running in its goroutine after the deadline; its late result is dropped.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Response, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return &message.Response{
					Err: fmt.Errorf("%w after %s", ErrTimeout, timeout),
				}
			}
		}
	}
}
