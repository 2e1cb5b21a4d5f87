package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"golang.org/x/sync/errgroup"

	"vdesk-rpc/message"
	"vdesk-rpc/middleware"
	"vdesk-rpc/protocol"
	"vdesk-rpc/table"
	"vdesk-rpc/telemetry"
)

// conn is the engine serving one peer.
type conn struct {
	svr      *Server
	rw       io.ReadWriteCloser
	logger   *slog.Logger
	inflight *table.Table[*inflight]
	queue    chan outgoing // bounded: handlers block when the writer falls behind; closed once drained

	ctx    context.Context // canceled when the connection shuts down
	cancel context.CancelFunc
	group  errgroup.Group
	tasks  sync.WaitGroup // dispatched handlers
}

// inflight is the record of a dispatched request that can still be canceled.
type inflight struct {
	id     uint32
	stream bool // registered with HandleStream
	cancel context.CancelFunc

	mu     sync.Mutex // orders the responses of this request
	closed bool       // terminal response queued or suppressed

	// truncated is set by the writer when it had to replace a partial
	// response with a terminal error; later responses are suppressed.
	truncated atomic.Bool
}

// outgoing is one queued response. rec is nil for responses that belong to
// no dispatched request (dropped, canceled).
type outgoing struct {
	resp *message.Response
	rec  *inflight
}

func newConn(ctx context.Context, svr *Server, rw io.ReadWriteCloser) *conn {
	ctx, cancel := context.WithCancel(ctx)
	c := &conn{
		svr:      svr,
		rw:       rw,
		logger:   svr.logger,
		inflight: table.New[*inflight](),
		queue:    make(chan outgoing, svr.opts.queueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	// Closing the stream is what unblocks the reader.
	context.AfterFunc(ctx, func() {
		if err := rw.Close(); err != nil {
			c.logger.Debug("closing stream", "error", err)
		}
	})
	return c
}

func (c *conn) run() error {
	c.group.Go(func() error {
		err := c.readLoop()
		c.svr.sink.IncrCounterWithLabels(telemetry.MetricConnectionClosedCount, 1,
			telemetry.With(c.svr.labels, metrics.Label{Name: "direction", Value: "input"}))
		c.logger.Debug("input closed", "error", err)
		if c.svr.opts.onInputClosed != nil {
			c.svr.opts.onInputClosed(err)
		}
		if err != nil {
			c.cancel()
			return err
		}
		c.drain()
		return nil
	})
	c.group.Go(func() error {
		err := c.writeLoop()
		c.logger.Debug("output closed", "error", err)
		if c.svr.opts.onOutputClosed != nil {
			c.svr.opts.onOutputClosed(err)
		}
		c.cancel()
		return err
	})

	err := c.group.Wait()
	c.tasks.Wait()
	return err
}

// drain lets the handlers still running after a clean end of input finish,
// then has the writer flush what they queued and stop. Streaming requests can
// no longer be canceled by the peer, so they are canceled here; other
// handlers still running after the drain timeout are canceled too.
func (c *conn) drain() {
	for _, rec := range c.inflight.Values() {
		if rec.stream {
			rec.cancel()
		}
	}

	idle := make(chan struct{})
	go func() {
		// Only the reader spawns tasks, and it has returned.
		c.tasks.Wait()
		close(idle)
	}()

	timer := time.NewTimer(c.svr.opts.drainTimeout)
	defer timer.Stop()
	select {
	case <-idle:
		// No producer is left, so closing the queue is safe.
		close(c.queue)
	case <-timer.C:
		c.logger.Debug("drain timed out, canceling handlers", "inflight", c.inflight.Len())
		c.cancel()
	case <-c.ctx.Done():
	}
}

// readLoop is the only reader of the stream. Transport failures end the
// connection; a bad frame only costs that frame.
func (c *conn) readLoop() error {
	fr := protocol.NewFrameReader(c.rw, protocol.MaxSize(c.svr.opts.maxRequestSize))
	for {
		payload, err := fr.ReadFrame()
		if errors.Is(err, protocol.ErrFrameTooLarge) {
			c.svr.sink.IncrCounterWithLabels(telemetry.MetricFramesRejectedCount, 1, c.svr.labels)
			c.drop(message.DropTooLargeRequest, err)
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) || c.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("server: read: %w", err)
		}
		c.svr.sink.IncrCounterWithLabels(telemetry.MetricFramesInCount, 1, c.svr.labels)
		c.svr.sink.IncrCounterWithLabels(telemetry.MetricFramesInBytes, float32(len(payload)), c.svr.labels)

		var req message.Request
		if err := c.svr.codec.Unmarshal(payload, &req); err != nil {
			c.drop(message.DropParseError, err)
			continue
		}
		c.dispatch(&req)
	}
}

// drop reports a request rejected before dispatch. Its id is unknown, so the
// report goes out with NotifyID.
func (c *conn) drop(reason message.DropReason, cause error) {
	c.svr.sink.IncrCounterWithLabels(telemetry.MetricDroppedRequestCount, 1,
		telemetry.With(c.svr.labels, metrics.Label{Name: telemetry.LabelReason, Value: reason.String()}))
	c.svr.report(fmt.Errorf("server: dropped request (%s): %w", reason, cause))
	c.post(outgoing{resp: message.Dropped(message.NotifyID, reason)})
}

func (c *conn) dispatch(req *message.Request) {
	if req.IsCancel() {
		c.cancelRequest(req.Target)
		return
	}

	if req.ID == message.NotifyID {
		c.spawn(func() {
			if _, err := c.invoke(c.ctx, req, discard{}); err != nil {
				c.logger.Info("notification failed", "kind", req.Kind, "error", err)
			}
		})
		return
	}

	ctx, cancel := context.WithCancel(c.ctx)
	rec := &inflight{id: req.ID, stream: c.svr.streams[req.Kind], cancel: cancel}
	if err := c.inflight.Insert(req.ID, rec); err != nil {
		cancel()
		c.svr.report(fmt.Errorf("server: request %d (%s): %w", req.ID, req.Kind, err))
		return
	}
	c.svr.sink.SetGaugeWithLabels(telemetry.MetricInFlightRequests, float32(c.inflight.Len()), c.svr.labels)

	c.spawn(func() {
		c.serve(ctx, rec, req)
	})
}

func (c *conn) spawn(fn func()) {
	c.tasks.Add(1)
	go func() {
		defer c.tasks.Done()
		fn()
	}()
}

// serve runs the handler and, if the request was not canceled meanwhile,
// queues its terminal response.
func (c *conn) serve(ctx context.Context, rec *inflight, req *message.Request) {
	resp, err := c.invoke(ctx, req, &sender{conn: c, rec: rec, ctx: ctx})
	terminal := c.terminal(ctx, req.ID, resp, err)

	owned := c.inflight.CompareAndRemove(rec.id, rec)
	rec.cancel()
	if !owned {
		// A Cancel or a truncation got there first and answered already.
		return
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.closed {
		return
	}
	rec.closed = true
	c.enqueue(c.ctx, outgoing{resp: terminal, rec: rec})
}

// invoke runs the middleware chain, turning a handler panic into an error.
func (c *conn) invoke(ctx context.Context, req *message.Request, out middleware.Sender) (resp *message.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panicked", "id", req.ID, "kind", req.Kind, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("server: handler for %s panicked: %v", req.Kind, r)
			c.svr.report(err)
		}
	}()
	return c.svr.chain()(ctx, req, out)
}

func (c *conn) terminal(ctx context.Context, id uint32, resp *message.Response, err error) *message.Response {
	switch {
	case err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil:
		return message.Canceled(id)
	case err != nil:
		return message.Failure(id, err.Error())
	case resp == nil:
		return message.Success(id)
	}

	terminal := *resp
	terminal.ID = id
	terminal.Done = true
	if terminal.Kind == "" {
		terminal.Kind = message.KindSuccess
	}
	return &terminal
}

// cancelRequest handles a Cancel. Whoever removes the record owns the
// terminal response; a target that is gone already is a no-op.
func (c *conn) cancelRequest(target uint32) {
	rec, ok := c.inflight.Remove(target)
	if !ok {
		c.logger.Debug("cancel for inactive request", "id", target)
		return
	}
	rec.cancel()
	c.svr.sink.IncrCounterWithLabels(telemetry.MetricCanceledRequestCount, 1, c.svr.labels)

	rec.mu.Lock()
	closed := rec.closed
	rec.closed = true
	rec.mu.Unlock()
	if closed {
		return
	}

	c.logger.Debug("request canceled", "id", target)
	c.post(outgoing{resp: message.Canceled(target)})
}

// enqueue blocks until the writer has room or ctx ends.
func (c *conn) enqueue(ctx context.Context, o outgoing) error {
	select {
	case c.queue <- o:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues a response from the reading goroutine without stalling it:
// when the queue is full the response waits in its own goroutine.
func (c *conn) post(o outgoing) {
	select {
	case c.queue <- o:
	default:
		c.spawn(func() {
			c.enqueue(c.ctx, o)
		})
	}
}

// writeLoop is the only writer of the stream.
func (c *conn) writeLoop() error {
	fw := protocol.NewFrameWriter(c.rw)
	for {
		select {
		case <-c.ctx.Done():
			return nil
		case o, ok := <-c.queue:
			if !ok {
				return nil
			}
			if o.rec != nil && o.rec.truncated.Load() {
				continue
			}
			payload := c.encode(o)
			if payload == nil {
				continue
			}
			if err := fw.WriteFrame(payload, c.limit(o)); err != nil {
				if errors.Is(err, protocol.ErrWriteSkipped) {
					continue
				}
				if c.ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("server: write: %w", err)
			}
			c.svr.sink.IncrCounterWithLabels(telemetry.MetricFramesOutCount, 1, c.svr.labels)
			c.svr.sink.IncrCounterWithLabels(telemetry.MetricFramesOutBytes, float32(len(payload)), c.svr.labels)
		}
	}
}

func (c *conn) encode(o outgoing) []byte {
	payload, err := c.svr.codec.Marshal(o.resp)
	if err != nil {
		return c.replace(o, fmt.Sprintf("encoding %s response: %v", o.resp.Kind, err))
	}
	return payload
}

// limit swaps an oversized response for an error response, so the client
// still gets a terminal response for the id.
func (c *conn) limit(o outgoing) protocol.Substitute {
	limit := c.svr.opts.maxResponseSize
	return func(p []byte) ([]byte, bool) {
		if uint64(len(p)) <= uint64(limit) {
			return p, true
		}
		replacement := c.replace(o, fmt.Sprintf("response too large: %d bytes exceeds limit of %d", len(p), limit))
		return replacement, replacement != nil
	}
}

// replace builds the terminal error sent in place of o. A replaced partial
// response ends its request: the handler is canceled and whatever it still
// queues is suppressed.
func (c *conn) replace(o outgoing, msg string) []byte {
	c.svr.sink.IncrCounterWithLabels(telemetry.MetricSubstitutedWriteCount, 1, c.svr.labels)
	c.svr.report(fmt.Errorf("server: request %d: %s", o.resp.ID, msg))

	if o.resp.ID == message.NotifyID {
		return nil
	}
	if o.rec != nil {
		o.rec.truncated.Store(true)
		c.inflight.CompareAndRemove(o.rec.id, o.rec)
		o.rec.cancel()
	}

	payload, err := c.svr.codec.Marshal(message.Failure(o.resp.ID, msg))
	if err != nil {
		c.logger.Error("encoding error response", "id", o.resp.ID, "error", err)
		return nil
	}
	return payload
}

// sender emits the partial responses of one request.
type sender struct {
	conn *conn
	rec  *inflight
	ctx  context.Context
}

func (s *sender) Send(resp *message.Response) error {
	rec := s.rec
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.closed || rec.truncated.Load() {
		return message.ErrCanceled
	}
	if err := s.ctx.Err(); err != nil {
		return err
	}

	partial := *resp
	partial.ID = rec.id
	partial.Done = false
	return s.conn.enqueue(s.ctx, outgoing{resp: &partial, rec: rec})
}

// discard is the Sender of notifications, which get no responses at all.
type discard struct{}

func (discard) Send(*message.Response) error { return nil }
