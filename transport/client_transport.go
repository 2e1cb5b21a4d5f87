// Package transport implements the requesting side of vdesk-rpc.
//
// ClientTransport multiplexes concurrent calls over one duplex stream. Every
// call gets an even request id; a reading goroutine routes each response back
// to the call that owns its id, and a writing goroutine drains a bounded queue
// of outgoing requests.
//
//	goroutine-1 ──Call(id=2)──┐               ┌──→ readLoop ──→ pending[4] ──→ goroutine-2
//	goroutine-2 ──Call(id=4)──┼──→ queue ──→ writeLoop ──→ stream ──→ server
//	goroutine-3 ──Stream(id=6)┘
//
// Every call resolves exactly once: with its terminal response, with its
// caller's cancellation, or with a ClosedError when the stream goes away.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-metrics"
	"golang.org/x/sync/errgroup"

	"vdesk-rpc/codec"
	"vdesk-rpc/message"
	"vdesk-rpc/protocol"
	"vdesk-rpc/table"
	"vdesk-rpc/telemetry"
)

// ClientTransport manages a single multiplexed stream.
type ClientTransport struct {
	rw      io.ReadWriteCloser
	opts    options
	codec   codec.Codec
	logger  *slog.Logger
	sink    metrics.MetricSink
	labels  []metrics.Label
	pending *table.Table[*call] // outstanding requests by id
	seq     *table.Sequence     // even ids from 2, guarded by pending's lock
	recent  *table.Recent       // ids canceled locally, whose late responses are expected
	queue   chan outgoing       // bounded: callers block when the writer falls behind

	ctx    context.Context // canceled when the transport shuts down
	cancel context.CancelFunc
	group  errgroup.Group

	closeOnce sync.Once
	closed    chan struct{}
	mu        sync.Mutex
	closeErr  error
}

// outgoing is one queued request. A nil req is a keepalive.
type outgoing struct {
	req  *message.Request
	call *call // nil for notifications and cancels
}

// NewClientTransport starts the reading and writing goroutines over rw. The
// transport owns rw and closes it on shutdown.
func NewClientTransport(rw io.ReadWriteCloser, opts ...Option) *ClientTransport {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ct := &ClientTransport{
		rw:      rw,
		opts:    o,
		codec:   o.codec,
		logger:  o.logger.With("side", "client"),
		sink:    telemetry.Sink(o.sink),
		labels:  telemetry.With(o.labels, telemetry.Side("client")),
		pending: table.New[*call](),
		seq:     table.ClientSequence(),
		recent:  table.NewRecent(o.abandonedMemory),
		queue:   make(chan outgoing, o.queueSize),
		ctx:     ctx,
		cancel:  cancel,
		closed:  make(chan struct{}),
	}

	ct.group.Go(func() error {
		err := ct.readLoop()
		ct.shutdown(err)
		return err
	})
	ct.group.Go(func() error {
		err := ct.writeLoop()
		ct.shutdown(err)
		return err
	})
	return ct
}

// Call sends a request and waits for its single terminal response.
//
// A response carrying an error resolves to *message.RemoteError, a canceled
// one to message.ErrCanceled. When ctx ends first, a Cancel is sent to the
// server and the returned error matches both message.ErrCanceled and
// ctx.Err(); the server's late answer is discarded.
func (ct *ClientTransport) Call(ctx context.Context, kind message.Kind, body []byte) (*message.Response, error) {
	c := newCall(kind)
	id, err := ct.register(c)
	if err != nil {
		return nil, err
	}

	req := &message.Request{ID: id, Kind: kind, Body: body}
	if err := ct.enqueue(ctx, outgoing{req: req, call: c}); err != nil {
		ct.unregister(c, err)
		return c.result()
	}

	select {
	case <-c.done:
	case <-ctx.Done():
		ct.abandon(c, ctx.Err())
		<-c.done
	}
	return c.result()
}

// Stream sends a request whose answer is a sequence of responses. The stream
// lives until the server ends it, until ctx ends, or until Close.
func (ct *ClientTransport) Stream(ctx context.Context, kind message.Kind, body []byte) (*Stream, error) {
	c := newCall(kind)
	s := newStream(ct, c)
	c.stream = s

	id, err := ct.register(c)
	if err != nil {
		return nil, err
	}

	req := &message.Request{ID: id, Kind: kind, Body: body}
	if err := ct.enqueue(ctx, outgoing{req: req, call: c}); err != nil {
		ct.unregister(c, err)
		return nil, err
	}

	s.setStop(context.AfterFunc(ctx, func() {
		ct.abandon(c, ctx.Err())
	}))
	return s, nil
}

// Notify sends a fire-and-forget request. The server never answers it.
func (ct *ClientTransport) Notify(ctx context.Context, kind message.Kind, body []byte) error {
	return ct.enqueue(ctx, outgoing{req: &message.Request{ID: message.NotifyID, Kind: kind, Body: body}})
}

// Codec returns the payload encoding of the transport.
func (ct *ClientTransport) Codec() codec.Codec {
	return ct.codec
}

// Close shuts the transport down, resolves every outstanding call with a
// ClosedError and waits for both goroutines to exit.
func (ct *ClientTransport) Close() error {
	ct.shutdown(nil)
	ct.group.Wait()
	return nil
}

// Done is closed once the transport has shut down.
func (ct *ClientTransport) Done() <-chan struct{} {
	return ct.closed
}

// Err returns why the transport shut down: nil while running or after a
// clean close.
func (ct *ClientTransport) Err() error {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.closeErr
}

// Outstanding reports how many request ids are currently registered.
func (ct *ClientTransport) Outstanding() int {
	return ct.pending.Len()
}

// register allocates an id for c. A transport that shut down concurrently
// either drains c itself or has its context canceled before the check below,
// so c never stays behind in the table.
func (ct *ClientTransport) register(c *call) (uint32, error) {
	if ct.ctx.Err() != nil {
		return 0, ct.closedError()
	}

	id, err := ct.pending.Allocate(ct.seq, c)
	if err != nil {
		return 0, fmt.Errorf("transport: allocating request id: %w", err)
	}
	c.id = id

	if ct.ctx.Err() != nil {
		ct.unregister(c, ct.closedError())
		return 0, ct.closedError()
	}

	ct.sink.SetGaugeWithLabels(telemetry.MetricOutstandingRequests, float32(ct.pending.Len()), ct.labels)
	return id, nil
}

// unregister removes a call whose request never reached the wire.
func (ct *ClientTransport) unregister(c *call, err error) {
	if ct.pending.CompareAndRemove(c.id, c) {
		c.fail(err)
	}
}

// abandon resolves c as canceled on behalf of its caller, releases its id and
// tells the server. The id is remembered so the responses still on their way
// are discarded quietly; the server may never send them, for instance when it
// dropped the request.
func (ct *ClientTransport) abandon(c *call, cause error) {
	c.abandoned.Store(true)
	if !ct.pending.CompareAndRemove(c.id, c) {
		return
	}
	ct.recent.Add(c.id)
	c.fail(canceled(cause))

	ct.sink.IncrCounterWithLabels(telemetry.MetricCanceledRequestCount, 1, ct.labels)
	ct.logger.Debug("request canceled locally", "id", c.id, "kind", c.kind)

	// The caller is gone; the Cancel rides on the transport's lifetime and
	// must not hold the caller up when the queue is full.
	o := outgoing{req: message.NewCancel(c.id)}
	select {
	case ct.queue <- o:
	default:
		go ct.enqueue(ct.ctx, o)
	}
}

func canceled(cause error) error {
	if cause == nil || errors.Is(cause, message.ErrCanceled) {
		return message.ErrCanceled
	}
	return fmt.Errorf("%w: %w", message.ErrCanceled, cause)
}

// enqueue blocks until the writer has room, ctx ends or the transport closes.
func (ct *ClientTransport) enqueue(ctx context.Context, o outgoing) error {
	if ct.ctx.Err() != nil {
		return ct.closedError()
	}

	select {
	case ct.queue <- o:
		return nil
	case <-ctx.Done():
		return canceled(ctx.Err())
	case <-ct.ctx.Done():
		return ct.closedError()
	}
}

// readLoop runs in a dedicated goroutine. Reads must be sequential to keep
// frame boundaries, so this is the only reader of the stream.
func (ct *ClientTransport) readLoop() error {
	fr := protocol.NewFrameReader(ct.rw, protocol.MaxSize(ct.opts.maxMessageSize))
	for {
		payload, err := fr.ReadFrame()
		if errors.Is(err, protocol.ErrFrameTooLarge) {
			ct.sink.IncrCounterWithLabels(telemetry.MetricFramesRejectedCount, 1, ct.labels)
			ct.report(fmt.Errorf("transport: discarded response: %w", err))
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) || ct.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("transport: read: %w", err)
		}
		ct.sink.IncrCounterWithLabels(telemetry.MetricFramesInCount, 1, ct.labels)
		ct.sink.IncrCounterWithLabels(telemetry.MetricFramesInBytes, float32(len(payload)), ct.labels)

		var resp message.Response
		if err := ct.codec.Unmarshal(payload, &resp); err != nil {
			ct.report(fmt.Errorf("transport: malformed response: %w", err))
			continue
		}
		ct.route(&resp)
	}
}

// route hands a response to the call that owns its id. A single-response
// call leaves the table on its first response whatever Done says; a stream
// leaves it on its terminal response.
func (ct *ClientTransport) route(resp *message.Response) {
	if resp.Kind == message.KindDropped {
		ct.sink.IncrCounterWithLabels(telemetry.MetricDroppedRequestCount, 1,
			telemetry.With(ct.labels, metrics.Label{Name: telemetry.LabelReason, Value: resp.Reason.String()}))
		ct.logger.Warn("server dropped a request", "id", resp.ID, "reason", resp.Reason)
		if ct.opts.onDroppedRequest != nil {
			ct.opts.onDroppedRequest(resp)
		}
		if resp.ID != message.NotifyID {
			if c, ok := ct.pending.Remove(resp.ID); ok {
				c.fail(resp.Err())
			}
		}
		return
	}

	c, ok := ct.pending.Lookup(resp.ID)
	if !ok && ct.recent.Contains(resp.ID) {
		ct.logger.Debug("discarding response to canceled request", "id", resp.ID, "kind", resp.Kind)
		return
	}
	if !ok {
		ct.sink.IncrCounterWithLabels(telemetry.MetricUnknownResponseCount, 1, ct.labels)
		ct.logger.Debug("response to unknown request", "id", resp.ID, "kind", resp.Kind)
		if ct.opts.onUnknownResponse != nil {
			ct.opts.onUnknownResponse(resp)
		}
		return
	}

	if c.stream != nil && !resp.Done {
		c.stream.push(resp)
		return
	}
	if !ct.pending.CompareAndRemove(resp.ID, c) {
		return
	}
	c.complete(resp)
}

// writeLoop runs in a dedicated goroutine and is the only writer of the
// stream, so frames never interleave.
func (ct *ClientTransport) writeLoop() error {
	fw := protocol.NewFrameWriter(ct.rw)

	keepalive := newTicker(ct.opts.keepAlive)
	defer keepalive.stop()

	for {
		select {
		case <-ct.ctx.Done():
			return nil
		case <-keepalive.C:
			if err := fw.WriteKeepalive(); err != nil {
				return ct.writeError(err)
			}
			ct.sink.IncrCounterWithLabels(telemetry.MetricKeepaliveSentCount, 1, ct.labels)
		case o := <-ct.queue:
			if err := ct.write(fw, o); err != nil {
				return ct.writeError(err)
			}
		}
	}
}

func (ct *ClientTransport) write(fw *protocol.FrameWriter, o outgoing) error {
	if o.call != nil && o.call.abandoned.Load() {
		// Canceled before it reached the wire; the server will treat the
		// Cancel that follows as a no-op.
		return nil
	}

	payload, err := ct.codec.Marshal(o.req)
	if err != nil {
		err = fmt.Errorf("transport: encoding %s request: %w", o.req.Kind, err)
		ct.report(err)
		ct.failCall(o.call, err)
		return nil
	}

	err = fw.WriteFrame(payload, func(p []byte) ([]byte, bool) {
		return p, uint64(len(p)) <= uint64(ct.opts.maxMessageSize)
	})
	if errors.Is(err, protocol.ErrWriteSkipped) {
		ct.sink.IncrCounterWithLabels(telemetry.MetricSubstitutedWriteCount, 1, ct.labels)
		ct.logger.Warn("request too large", "id", o.req.ID, "kind", o.req.Kind, "size", len(payload))
		ct.failCall(o.call, fmt.Errorf("%w: %d bytes", message.ErrTooLarge, len(payload)))
		return nil
	}
	if err != nil {
		return err
	}

	ct.sink.IncrCounterWithLabels(telemetry.MetricFramesOutCount, 1, ct.labels)
	ct.sink.IncrCounterWithLabels(telemetry.MetricFramesOutBytes, float32(len(payload)), ct.labels)
	return nil
}

func (ct *ClientTransport) writeError(err error) error {
	if ct.ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("transport: write: %w", err)
}

func (ct *ClientTransport) failCall(c *call, err error) {
	if c != nil && ct.pending.CompareAndRemove(c.id, c) {
		c.fail(err)
	}
}

func (ct *ClientTransport) report(err error) {
	ct.logger.Warn("protocol error", "error", err)
	if ct.opts.onError != nil {
		ct.opts.onError(err)
	}
}

func (ct *ClientTransport) closedError() error {
	return &message.ClosedError{Cause: ct.Err()}
}

// shutdown is idempotent. It closes the stream, which unblocks the reader,
// and resolves every outstanding call.
func (ct *ClientTransport) shutdown(cause error) {
	ct.closeOnce.Do(func() {
		ct.mu.Lock()
		ct.closeErr = cause
		ct.mu.Unlock()

		ct.cancel()
		if err := ct.rw.Close(); err != nil {
			ct.logger.Debug("closing stream", "error", err)
		}

		drained := ct.pending.Drain()
		for _, c := range drained {
			c.fail(&message.ClosedError{Cause: cause})
		}

		ct.sink.IncrCounterWithLabels(telemetry.MetricConnectionClosedCount, 1, ct.labels)
		if cause != nil {
			ct.logger.Error("transport closed", "error", cause, "outstanding", len(drained))
		} else {
			ct.logger.Debug("transport closed", "outstanding", len(drained))
		}
		close(ct.closed)

		if ct.opts.onClosed != nil {
			ct.opts.onClosed(cause)
		}
	})
}

// call is the handle of one outstanding request: either a single-result slot
// or a stream sink.
type call struct {
	id     uint32
	kind   message.Kind
	stream *Stream // nil for single-response calls

	once sync.Once
	done chan struct{}
	resp *message.Response
	err  error

	abandoned atomic.Bool // canceled locally
}

func newCall(kind message.Kind) *call {
	return &call{kind: kind, done: make(chan struct{})}
}

// complete resolves c with its terminal response.
func (c *call) complete(resp *message.Response) bool {
	if c.stream != nil {
		if resp.HasPayload() {
			c.stream.push(resp)
		}
		err := resp.Err()
		if err == nil {
			err = io.EOF
		}
		return c.stream.finish(err, false)
	}
	return c.resolve(resp, resp.Err())
}

// fail resolves c with err. Local cancellation also drops the items a stream
// buffered but its reader never took.
func (c *call) fail(err error) bool {
	if c.stream != nil {
		return c.stream.finish(err, errors.Is(err, message.ErrCanceled))
	}
	return c.resolve(nil, err)
}

func (c *call) resolve(resp *message.Response, err error) bool {
	first := false
	c.once.Do(func() {
		if err == nil {
			c.resp = resp
		}
		c.err = err
		close(c.done)
		first = true
	})
	return first
}

func (c *call) result() (*message.Response, error) {
	<-c.done
	return c.resp, c.err
}
