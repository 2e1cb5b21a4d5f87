package middleware

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"vdesk-rpc/message"
)

// LoggingMiddleware logs every request with its duration and outcome.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request, out Sender) (*message.Response, error) {
			start := time.Now()
			resp, err := next(ctx, req, out)
			duration := time.Since(start)

			switch {
			case err == nil:
				logger.Debug("request served", "id", req.ID, "kind", req.Kind, "duration", duration)
			case errors.Is(err, context.Canceled):
				logger.Debug("request canceled", "id", req.ID, "kind", req.Kind, "duration", duration)
			default:
				logger.Info("request failed", "id", req.ID, "kind", req.Kind, "duration", duration, "error", err)
			}
			return resp, err
		}
	}
}
