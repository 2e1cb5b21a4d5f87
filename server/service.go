package server

import (
	"context"
	"fmt"

	"vdesk-rpc/codec"
	"vdesk-rpc/message"
	"vdesk-rpc/middleware"
)

// HandleStream registers a handler that answers with partial responses
// through its Sender before returning. Such a request only ends when its
// handler returns or it is canceled, so it is canceled when the input of its
// connection ends.
func (svr *Server) HandleStream(kind message.Kind, h middleware.HandlerFunc) {
	svr.Handle(kind, h)
	svr.streams[kind] = true
}

// Unary adapts a typed function into a handler. The request body is decoded
// into Req (left zero when the body is empty) and the result is encoded as
// the body of the terminal response with the given kind. A nil result
// answers with an empty success.
func Unary[Req, Resp any](c codec.Codec, resultKind message.Kind, fn func(ctx context.Context, req *Req) (*Resp, error)) middleware.HandlerFunc {
	return func(ctx context.Context, req *message.Request, _ middleware.Sender) (*message.Response, error) {
		in, err := decode[Req](c, req)
		if err != nil {
			return nil, err
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		if out == nil {
			return nil, nil
		}
		return encode(c, resultKind, out)
	}
}

// Void adapts a typed function that has no result. It answers with an empty
// success.
func Void[Req any](c codec.Codec, fn func(ctx context.Context, req *Req) error) middleware.HandlerFunc {
	return func(ctx context.Context, req *message.Request, _ middleware.Sender) (*message.Response, error) {
		in, err := decode[Req](c, req)
		if err != nil {
			return nil, err
		}
		return nil, fn(ctx, in)
	}
}

// Streaming adapts a typed producer into a streaming handler. Every item
// passed to emit goes out as a partial response with itemKind; emit fails
// once the request is canceled, and the producer should return then.
func Streaming[Req, Item any](c codec.Codec, itemKind message.Kind, fn func(ctx context.Context, req *Req, emit func(*Item) error) error) middleware.HandlerFunc {
	return func(ctx context.Context, req *message.Request, out middleware.Sender) (*message.Response, error) {
		in, err := decode[Req](c, req)
		if err != nil {
			return nil, err
		}
		emit := func(item *Item) error {
			resp, err := encode(c, itemKind, item)
			if err != nil {
				return err
			}
			return out.Send(resp)
		}
		return nil, fn(ctx, in, emit)
	}
}

func decode[T any](c codec.Codec, req *message.Request) (*T, error) {
	v := new(T)
	if len(req.Body) == 0 {
		return v, nil
	}
	if err := c.Unmarshal(req.Body, v); err != nil {
		return nil, fmt.Errorf("decoding %s request: %w", req.Kind, err)
	}
	return v, nil
}

func encode(c codec.Codec, kind message.Kind, v any) (*message.Response, error) {
	body, err := c.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", kind, err)
	}
	return &message.Response{Kind: kind, Body: body}, nil
}
