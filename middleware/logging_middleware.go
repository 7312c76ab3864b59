package middleware

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"blekit/message"
)

// LoggingMiddleware logs every handled command with its duration. Failures
// are logged at warn level, successes at debug.
func LoggingMiddleware(logger *logrus.Entry) Middleware {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)

			entry := logger.WithFields(logrus.Fields{
				"protocol": req.Protocol,
				"command":  req.CommandName,
				"cmd_id":   req.CommandID,
				"duration": time.Since(start),
				"req_len":  len(req.Payload),
			})
			if resp.Failed() {
				entry.WithError(resp.Err).Warn("command failed")
				return resp
			}
			entry.WithField("reply", resp.Payload != nil).Debug("command handled")
			return resp
		}
	}
}
