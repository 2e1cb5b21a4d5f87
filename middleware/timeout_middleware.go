package middleware

import (
	"context"
	"errors"
	"time"

	"vdesk-rpc/message"
)

var ErrTimeout = errors.New("request timed out")

// TimeOutMiddleware gives handlers a deadline. Handlers are expected to honor
// their context; a handler that returns after the deadline with an error has
// that error replaced by ErrTimeout.
//
// Streaming kinds listed in exempt keep running without a deadline.
func TimeOutMiddleware(timeout time.Duration, exempt ...message.Kind) Middleware {
	skip := make(map[message.Kind]bool, len(exempt))
	for _, kind := range exempt {
		skip[kind] = true
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request, out Sender) (*message.Response, error) {
			if timeout <= 0 || skip[req.Kind] {
				return next(ctx, req, out)
			}

			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			resp, err := next(ctx, req, out)
			if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrTimeout
			}
			return resp, err
		}
	}
}
