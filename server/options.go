package server

import (
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"

	"vdesk-rpc/codec"
	"vdesk-rpc/protocol"
	"vdesk-rpc/registry"
)

const DefaultQueueSize = 64

// DefaultDrainTimeout is how long a connection whose input ended keeps
// running its handlers so their answers can still go out.
const DefaultDrainTimeout = 5 * time.Second

// ServiceName is the name endpoints are advertised under in the registry.
const ServiceName = "vdesk"

type options struct {
	codec           codec.Codec
	maxRequestSize  uint32
	maxResponseSize uint32
	queueSize       int
	drainTimeout    time.Duration
	logger          *slog.Logger
	sink            metrics.MetricSink
	labels          []metrics.Label

	registry    registry.Registry
	advertise   registry.Endpoint
	registryTTL int64

	onInputClosed  func(error)
	onOutputClosed func(error)
	onError        func(error)
}

// Option configures a Server.
type Option func(*options)

func defaultOptions() options {
	return options{
		codec:           codec.CBOR{},
		maxRequestSize:  protocol.DefaultMaxFrameSize,
		maxResponseSize: protocol.DefaultMaxFrameSize,
		queueSize:       DefaultQueueSize,
		drainTimeout:    DefaultDrainTimeout,
		logger:          slog.Default(),
		registryTTL:     10,
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

// WithMaxRequestSize bounds inbound frames. Larger requests are discarded
// unparsed and reported to the client as dropped.
func WithMaxRequestSize(n uint32) Option {
	return func(o *options) {
		if n > 0 {
			o.maxRequestSize = n
		}
	}
}

// WithMaxResponseSize bounds outbound frames. Larger responses are replaced
// by an error response for the same request. Keep it within the clients'
// limit: a client cannot tell which call a response it rejected belonged to.
func WithMaxResponseSize(n uint32) Option {
	return func(o *options) {
		if n > 0 {
			o.maxResponseSize = n
		}
	}
}

// WithQueueSize bounds the outgoing response queue of each connection.
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithDrainTimeout bounds how long a connection whose input ended cleanly
// waits for running handlers to answer before it closes.
func WithDrainTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.drainTimeout = d
		}
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

// WithMetricLabels adds static labels to every metric of the server.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(o *options) {
		o.labels = labels
	}
}

// WithRegistry advertises the listening endpoint in reg while Serve runs.
// An empty endpoint address is replaced by the listener's address.
func WithRegistry(reg registry.Registry, endpoint registry.Endpoint, ttl int64) Option {
	return func(o *options) {
		o.registry = reg
		o.advertise = endpoint
		if ttl > 0 {
			o.registryTTL = ttl
		}
	}
}

// OnInputClosed is called when a connection's input stream ends, with nil
// for a clean EOF or a local close.
func OnInputClosed(fn func(error)) Option {
	return func(o *options) {
		o.onInputClosed = fn
	}
}

// OnOutputClosed is called when a connection stops writing, with the write
// error or nil when the connection was closed otherwise.
func OnOutputClosed(fn func(error)) Option {
	return func(o *options) {
		o.onOutputClosed = fn
	}
}

// OnError receives recoverable protocol errors: dropped requests, duplicate
// ids, substituted responses and handler panics.
func OnError(fn func(error)) Option {
	return func(o *options) {
		o.onError = fn
	}
}
