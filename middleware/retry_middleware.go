package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"blekit/message"
)

// ErrTemporary marks a handler error as worth retrying. Handlers wrap it:
//
//	return nil, fmt.Errorf("sensor busy: %w", middleware.ErrTemporary)
var ErrTemporary = errors.New("temporary failure")

// RetryMiddleware re-runs a handler whose error wraps ErrTemporary up to
// maxRetries times with exponential backoff. Other errors return immediately.
// ErrTimeout is not retried: a timed-out handler may still be running, and a
// retry would execute the command a second time alongside it. Place
// TimeoutMiddleware outside RetryMiddleware to bound the attempts as a whole.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *logrus.Entry) Middleware {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			resp := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if !resp.Failed() || !retryable(resp.Err) {
					return resp
				}
				logger.WithFields(logrus.Fields{
					"protocol": req.Protocol,
					"command":  req.CommandName,
					"cmd_id":   req.CommandID,
					"attempt":  i + 1,
					"error":    resp.Err.Error(),
				}).Debug("retrying command")

				select {
				case <-time.After(baseDelay * time.Duration(1<<i)):
				case <-ctx.Done():
					return resp
				}
				resp = next(ctx, req)
			}
			return resp
		}
	}
}

func retryable(err error) bool {
	return errors.Is(err, ErrTemporary)
}
