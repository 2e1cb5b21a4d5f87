package middleware

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"vdesk-rpc/message"
)

var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitMiddleware rejects requests beyond a token bucket of r requests
// per second with the given burst.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request, out Sender) (*message.Response, error) {
			if !limiter.Allow() {
				return nil, ErrRateLimited
			}
			return next(ctx, req, out)
		}
	}
}
