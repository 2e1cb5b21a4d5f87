package transport

import (
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"

	"vdesk-rpc/codec"
	"vdesk-rpc/message"
	"vdesk-rpc/protocol"
)

const DefaultQueueSize = 64

// DefaultCanceledMemory is how many locally canceled ids are remembered by
// default.
const DefaultCanceledMemory = 1024

type options struct {
	codec           codec.Codec
	maxMessageSize  uint32
	queueSize       int
	abandonedMemory int
	keepAlive       time.Duration
	logger          *slog.Logger
	sink            metrics.MetricSink
	labels          []metrics.Label

	onUnknownResponse func(*message.Response)
	onDroppedRequest  func(*message.Response)
	onError           func(error)
	onClosed          func(error)
}

// Option configures a ClientTransport.
type Option func(*options)

func defaultOptions() options {
	return options{
		codec:           codec.CBOR{},
		maxMessageSize:  protocol.DefaultMaxFrameSize,
		queueSize:       DefaultQueueSize,
		abandonedMemory: DefaultCanceledMemory,
		logger:          slog.Default(),
	}
}

// WithCodec selects the payload encoding. Both peers must use the same one.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithMaxMessageSize bounds encoded requests and accepted responses. A
// response over the limit is reported through OnError and its call waits for
// its context, so the limit should not be below the server's response limit.
func WithMaxMessageSize(n uint32) Option {
	return func(o *options) {
		if n > 0 {
			o.maxMessageSize = n
		}
	}
}

// WithQueueSize bounds the outgoing request queue. Callers block once it is
// full.
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithCanceledMemory sets how many locally canceled request ids are
// remembered. Responses that arrive late for a remembered id are discarded
// quietly; older ones are reported as unknown.
func WithCanceledMemory(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.abandonedMemory = n
		}
	}
}

// WithKeepAlive makes the transport send a keepalive frame every interval.
// Zero disables keepalives.
func WithKeepAlive(interval time.Duration) Option {
	return func(o *options) {
		o.keepAlive = interval
	}
}

// WithLogger specifies which slog.Logger to use.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetricSink specifies where metrics go. Defaults to metrics.Default().
func WithMetricSink(sink metrics.MetricSink) Option {
	return func(o *options) {
		o.sink = sink
	}
}

// WithMetricLabels adds static labels to every metric of the transport.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(o *options) {
		o.labels = labels
	}
}

// OnUnknownResponse is called from the input loop for every response whose
// id matches no outstanding request.
func OnUnknownResponse(fn func(*message.Response)) Option {
	return func(o *options) {
		o.onUnknownResponse = fn
	}
}

// OnDroppedRequest is called from the input loop when the server reports a
// request it rejected before dispatch. An id of message.NotifyID means the
// server could not tell which request it was.
func OnDroppedRequest(fn func(*message.Response)) Option {
	return func(o *options) {
		o.onDroppedRequest = fn
	}
}

// OnError receives recoverable protocol errors: malformed or oversized
// responses and requests that could not be encoded.
func OnError(fn func(error)) Option {
	return func(o *options) {
		o.onError = fn
	}
}

// OnClosed is called once when the transport shuts down, with the cause or
// nil for a clean close.
func OnClosed(fn func(error)) Option {
	return func(o *options) {
		o.onClosed = fn
	}
}
