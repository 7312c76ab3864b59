package middleware

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"blekit/message"
)

var ErrRateLimited = errors.New("middleware: rate limit exceeded")

// RateLimitMiddleware admits r commands per second with the given burst,
// shared by every command that passes through it (token bucket).
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !limiter.Allow() {
				return &message.Response{Err: ErrRateLimited}
			}
			return next(ctx, req)
		}
	}
}
