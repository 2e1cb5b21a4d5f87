// Package server implements the serving side of vdesk-rpc.
//
// Request processing pipeline, per connection:
//
//	readLoop (single goroutine reads frames)
//	  → Cancel: remove the target from the in-flight table, cancel it, answer "canceled"
//	  → otherwise: register in-flight record → go serve (one goroutine per request)
//	    → middleware chain → handler → partial responses via Sender → terminal response
//	writeLoop (single goroutine drains the bounded response queue)
//
// A request and a Cancel for it may finish at the same time. Both sides
// remove the id from the in-flight table and only the one that actually
// removed it answers, so every request gets exactly one terminal response.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"

	"vdesk-rpc/codec"
	"vdesk-rpc/message"
	"vdesk-rpc/middleware"
	"vdesk-rpc/telemetry"
)

// Server dispatches requests to registered handlers.
type Server struct {
	handlers    map[message.Kind]middleware.HandlerFunc // kind → handler, fixed once serving starts
	streams     map[message.Kind]bool                   // kinds registered with HandleStream
	middlewares []middleware.Middleware                 // applied in order
	handler     middleware.HandlerFunc                  // middleware(middleware(...(route)))
	buildOnce   sync.Once

	opts   options
	codec  codec.Codec
	logger *slog.Logger
	sink   metrics.MetricSink
	labels []metrics.Label

	mu       sync.Mutex // guards listener and cancel
	listener net.Listener
	cancel   context.CancelFunc
	conns    sync.WaitGroup // tracks served connections for graceful shutdown
	shutdown atomic.Bool    // set during shutdown to suppress Accept errors
}

// NewServer creates a server with no handlers.
func NewServer(opts ...Option) *Server {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Server{
		handlers: make(map[message.Kind]middleware.HandlerFunc),
		streams:  make(map[message.Kind]bool),
		opts:     o,
		codec:    o.codec,
		logger:   o.logger.With("side", "server"),
		sink:     telemetry.Sink(o.sink),
		labels:   telemetry.With(o.labels, telemetry.Side("server")),
	}
}

// Codec returns the payload encoding of the server.
func (svr *Server) Codec() codec.Codec {
	return svr.codec
}

// Handle registers the handler for kind. It panics on reserved kinds and on
// duplicates; register everything before serving.
func (svr *Server) Handle(kind message.Kind, h middleware.HandlerFunc) {
	if kind == "" || kind == message.KindCancel {
		panic(fmt.Sprintf("server: cannot register handler for kind %q", kind))
	}
	if _, exists := svr.handlers[kind]; exists {
		panic(fmt.Sprintf("server: duplicate handler for kind %q", kind))
	}
	svr.handlers[kind] = h
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// chain builds the middleware chain once, on first use.
func (svr *Server) chain() middleware.HandlerFunc {
	svr.buildOnce.Do(func() {
		svr.handler = middleware.Chain(svr.middlewares...)(svr.route)
	})
	return svr.handler
}

// route is the innermost handler: it finds the business handler for the kind.
func (svr *Server) route(ctx context.Context, req *message.Request, out middleware.Sender) (*message.Response, error) {
	h, ok := svr.handlers[req.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", message.ErrUnknownKind, req.Kind)
	}
	return h(ctx, req, out)
}

// ServeConn serves one peer over rw until the input ends, the output fails or
// ctx is canceled. After a clean end of input it first writes the answers of
// the handlers still running, waiting at most the drain timeout, and then
// returns nil. rw is closed once the connection ends.
func (svr *Server) ServeConn(ctx context.Context, rw io.ReadWriteCloser) error {
	return newConn(ctx, svr, rw).run()
}

// Serve listens on the given address, optionally advertises it in the
// registry, and serves every accepted connection as its own peer. It returns
// nil after Shutdown.
func (svr *Server) Serve(ctx context.Context, network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return svr.ServeListener(ctx, listener)
}

// ServeListener is Serve on an existing listener.
func (svr *Server) ServeListener(ctx context.Context, listener net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	svr.mu.Lock()
	svr.listener = listener
	svr.cancel = cancel
	svr.mu.Unlock()

	if reg := svr.opts.registry; reg != nil {
		endpoint := svr.opts.advertise
		if endpoint.Addr == "" {
			endpoint.Addr = listener.Addr().String()
		}
		if endpoint.Network == "" {
			endpoint.Network = listener.Addr().Network()
		}
		svr.opts.advertise = endpoint
		if err := reg.Register(ctx, ServiceName, endpoint, svr.opts.registryTTL); err != nil {
			listener.Close()
			return err
		}
	}

	svr.logger.Info("listening", "network", listener.Addr().Network(), "addr", listener.Addr().String())

	// Accept loop: one goroutine per connection
	for {
		conn, err := listener.Accept()
		if err != nil {
			// Shutdown closes the listener, which makes Accept fail.
			if svr.shutdown.Load() || ctx.Err() != nil {
				return nil
			}
			return err
		}

		svr.conns.Add(1)
		go func() {
			defer svr.conns.Done()
			if err := svr.ServeConn(ctx, conn); err != nil {
				svr.logger.Warn("connection ended", "remote", conn.RemoteAddr().String(), "error", err)
			}
		}()
	}
}

// Shutdown performs graceful shutdown:
//  1. Deregister from the registry (clients stop finding this host)
//  2. Set shutdown flag (so Accept error is recognized as intentional)
//  3. Close the listener and cancel every connection
//  4. Wait for connections and their handlers to finish (with timeout)
func (svr *Server) Shutdown(timeout time.Duration) error {
	if reg := svr.opts.registry; reg != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := reg.Deregister(ctx, ServiceName, svr.opts.advertise.Addr); err != nil {
			svr.logger.Warn("deregister failed", "error", err)
		}
		cancel()
	}

	svr.shutdown.Store(true)
	svr.mu.Lock()
	if svr.listener != nil {
		svr.listener.Close()
	}
	if svr.cancel != nil {
		svr.cancel()
	}
	svr.mu.Unlock()

	done := make(chan struct{})
	go func() {
		svr.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("server: timeout waiting for connections to finish")
	}
}

func (svr *Server) report(err error) {
	svr.logger.Warn("protocol error", "error", err)
	if svr.opts.onError != nil {
		svr.opts.onError(err)
	}
}
