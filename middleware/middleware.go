// Package middleware wraps request handlers of the server engine.
//
// Middlewares compose like an onion: Chain(A, B, C)(h) runs A.before,
// B.before, C.before, h, C.after, B.after, A.after. They see every dispatched
// request, including streaming ones, but not Cancel requests, which the
// engine handles itself.
package middleware

import (
	"context"

	"vdesk-rpc/message"
)

// Sender emits the partial responses of a streaming request. The engine fills
// in the id and clears Done. Send blocks while the outgoing queue is full and
// fails once the request is canceled.
type Sender interface {
	Send(resp *message.Response) error
}

// HandlerFunc serves one request. The returned response becomes the terminal
// response for the request: nil means an empty success, a non-nil error an
// error response carrying its message.
type HandlerFunc func(ctx context.Context, req *message.Request, out Sender) (*message.Response, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines middlewares into one, applied in the order given.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
