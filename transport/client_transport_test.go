package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"

	"vdesk-rpc/codec"
	"vdesk-rpc/message"
	"vdesk-rpc/protocol"
)

// fakeServer plays the serving side of the protocol by hand.
type fakeServer struct {
	t     *testing.T
	conn  net.Conn
	codec codec.Codec
	fr    *protocol.FrameReader
	fw    *protocol.FrameWriter
}

func newPair(t *testing.T, opts ...Option) (*ClientTransport, *fakeServer) {
	t.Helper()
	client, server := net.Pipe()
	ct := NewClientTransport(client, opts...)
	t.Cleanup(func() {
		server.Close()
		ct.Close()
	})
	return ct, &fakeServer{
		t:     t,
		conn:  server,
		codec: codec.CBOR{},
		fr:    protocol.NewFrameReader(server, nil),
		fw:    protocol.NewFrameWriter(server),
	}
}

func (fs *fakeServer) recv() *message.Request {
	fs.t.Helper()
	require.NoError(fs.t, fs.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	payload, err := fs.fr.ReadFrame()
	require.NoError(fs.t, err)
	var req message.Request
	require.NoError(fs.t, fs.codec.Unmarshal(payload, &req))
	return &req
}

func (fs *fakeServer) send(resp *message.Response) {
	fs.t.Helper()
	payload, err := fs.codec.Marshal(resp)
	require.NoError(fs.t, err)
	require.NoError(fs.t, fs.fw.WriteFrame(payload, nil))
}

func item(id uint32, n byte) *message.Response {
	return &message.Response{ID: id, Kind: "item", Body: []byte{n}}
}

func TestCallSuccess(t *testing.T) {
	ct, fs := newPair(t)

	go func() {
		req := fs.recv()
		require.Equal(t, uint32(2), req.ID)
		require.Equal(t, message.Kind("desktops.current"), req.Kind)
		fs.send(&message.Response{ID: req.ID, Done: true, Kind: "desktop", Body: []byte("d1")})
	}()

	resp, err := ct.Call(context.Background(), "desktops.current", nil)
	require.NoError(t, err)
	require.Equal(t, message.Kind("desktop"), resp.Kind)
	require.Equal(t, []byte("d1"), resp.Body)
	require.Zero(t, ct.Outstanding())
}

func TestConcurrentCallsAnsweredOutOfOrder(t *testing.T) {
	ct, fs := newPair(t)

	go func() {
		first, second := fs.recv(), fs.recv()
		fs.send(&message.Response{ID: second.ID, Done: true, Kind: "answer", Body: second.Body})
		fs.send(&message.Response{ID: first.ID, Done: true, Kind: "answer", Body: first.Body})
	}()

	var wg sync.WaitGroup
	for _, body := range []string{"a", "b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := ct.Call(context.Background(), "echo", []byte(body))
			require.NoError(t, err)
			require.Equal(t, body, string(resp.Body))
		}()
	}
	wg.Wait()
	require.Zero(t, ct.Outstanding())
}

func TestRemoteErrors(t *testing.T) {
	ct, fs := newPair(t)

	go func() {
		req := fs.recv()
		fs.send(message.Failure(req.ID, "no such desktop"))
		req = fs.recv()
		fs.send(message.Canceled(req.ID))
		req = fs.recv()
		fs.send(message.Dropped(req.ID, message.DropParseError))
	}()

	_, err := ct.Call(context.Background(), "desktops.switch", nil)
	var remote *message.RemoteError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, "no such desktop", remote.Message)

	_, err = ct.Call(context.Background(), "desktops.switch", nil)
	require.ErrorIs(t, err, message.ErrCanceled)

	_, err = ct.Call(context.Background(), "desktops.switch", nil)
	var dropped *message.DroppedError
	require.ErrorAs(t, err, &dropped)
	require.Equal(t, message.DropParseError, dropped.Reason)
}

func TestCallContextCanceled(t *testing.T) {
	var unknown atomic.Int32
	ct, fs := newPair(t, OnUnknownResponse(func(*message.Response) { unknown.Add(1) }))

	ctx, cancel := context.WithCancel(context.Background())
	received := make(chan *message.Request, 1)
	go func() {
		received <- fs.recv()
	}()

	errc := make(chan error, 1)
	go func() {
		_, err := ct.Call(ctx, "windows.list", nil)
		errc <- err
	}()

	req := <-received
	cancel()
	err := <-errc
	require.ErrorIs(t, err, message.ErrCanceled)
	require.ErrorIs(t, err, context.Canceled)

	cancelReq := fs.recv()
	require.True(t, cancelReq.IsCancel())
	require.Equal(t, req.ID, cancelReq.Target)

	// The id is released at once; the server's late answer is discarded
	// without being reported as unknown.
	require.Zero(t, ct.Outstanding())
	fs.send(message.Canceled(req.ID))
	fs.send(message.Success(98))
	require.Eventually(t, func() bool { return unknown.Load() == 1 }, time.Second, time.Millisecond)
}

func TestAbandonedDroppedRequestReleasesID(t *testing.T) {
	unknown := make(chan uint32, 4)
	ct, fs := newPair(t, OnUnknownResponse(func(resp *message.Response) { unknown <- resp.ID }))

	go func() {
		req := fs.recv()
		// The request never reached dispatch, so no terminal response will
		// follow and the Cancel is ignored.
		fs.send(message.Dropped(message.NotifyID, message.DropTooLargeRequest))
		cancelReq := fs.recv()
		require.Equal(t, req.ID, cancelReq.Target)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := ct.Call(ctx, "desktops.rename", nil)
	require.ErrorIs(t, err, message.ErrCanceled)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Zero(t, ct.Outstanding())

	// A straggler for the released id is still recognised.
	fs.send(message.Success(2))
	fs.send(message.Success(98))
	require.Equal(t, uint32(98), <-unknown)
	require.Empty(t, unknown)
}

func TestCanceledMemoryIsBounded(t *testing.T) {
	unknown := make(chan uint32, 4)
	ct, fs := newPair(t, WithCanceledMemory(1), OnUnknownResponse(func(resp *message.Response) { unknown <- resp.ID }))

	go func() {
		for range 4 {
			fs.recv()
		}
	}()
	for range 2 {
		ctx, cancel := context.WithCancel(context.Background())
		s, err := ct.Stream(ctx, "desktops.watch", nil)
		require.NoError(t, err)
		cancel()
		_, err = s.Recv(context.Background())
		require.ErrorIs(t, err, message.ErrCanceled)
	}
	require.Zero(t, ct.Outstanding())

	// Only the latest canceled id (4) is remembered.
	fs.send(message.Canceled(4))
	fs.send(message.Canceled(2))
	require.Equal(t, uint32(2), <-unknown)
	require.Empty(t, unknown)
}

func TestStreamDeliversInOrder(t *testing.T) {
	ct, fs := newPair(t)

	go func() {
		req := fs.recv()
		for i := byte(1); i <= 3; i++ {
			fs.send(item(req.ID, i))
		}
		fs.send(message.Success(req.ID))
	}()

	s, err := ct.Stream(context.Background(), "desktops.watch", nil)
	require.NoError(t, err)
	for i := byte(1); i <= 3; i++ {
		resp, err := s.Recv(context.Background())
		require.NoError(t, err)
		require.Equal(t, []byte{i}, resp.Body)
	}
	_, err = s.Recv(context.Background())
	require.ErrorIs(t, err, io.EOF)
	require.Zero(t, ct.Outstanding())
}

func TestStreamTerminalWithPayloadIsLastItem(t *testing.T) {
	ct, fs := newPair(t)

	go func() {
		req := fs.recv()
		fs.send(item(req.ID, 1))
		last := item(req.ID, 2)
		last.Done = true
		fs.send(last)
	}()

	s, err := ct.Stream(context.Background(), "windows.list", nil)
	require.NoError(t, err)
	for i := byte(1); i <= 2; i++ {
		resp, err := s.Recv(context.Background())
		require.NoError(t, err)
		require.Equal(t, []byte{i}, resp.Body)
	}
	_, err = s.Recv(context.Background())
	require.ErrorIs(t, err, io.EOF)
}

func TestStreamCanceledMidway(t *testing.T) {
	var unknown atomic.Int32
	ct, fs := newPair(t, OnUnknownResponse(func(*message.Response) { unknown.Add(1) }))

	s, err := ct.Stream(context.Background(), "desktops.watch", nil)
	require.NoError(t, err)

	req := fs.recv()
	require.Equal(t, uint32(2), req.ID)
	fs.send(item(req.ID, 1))
	fs.send(item(req.ID, 2))

	for i := byte(1); i <= 2; i++ {
		resp, err := s.Recv(context.Background())
		require.NoError(t, err)
		require.Equal(t, []byte{i}, resp.Body)
	}
	require.NoError(t, s.Close())

	cancelReq := fs.recv()
	require.True(t, cancelReq.IsCancel())
	require.Equal(t, req.ID, cancelReq.Target)

	// Items already in flight are discarded, not delivered.
	fs.send(item(req.ID, 3))
	fs.send(message.Canceled(req.ID))

	_, err = s.Recv(context.Background())
	require.ErrorIs(t, err, message.ErrCanceled)
	require.Eventually(t, func() bool { return ct.Outstanding() == 0 }, time.Second, time.Millisecond)
	require.Zero(t, unknown.Load())
}

func TestStreamFollowsCallerContext(t *testing.T) {
	ct, fs := newPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := ct.Stream(ctx, "desktops.watch", nil)
	require.NoError(t, err)
	req := fs.recv()

	cancel()
	cancelReq := fs.recv()
	require.Equal(t, req.ID, cancelReq.Target)

	_, err = s.Recv(context.Background())
	require.ErrorIs(t, err, message.ErrCanceled)
	require.ErrorIs(t, err, context.Canceled)
}

func TestNotifyUsesReservedID(t *testing.T) {
	ct, fs := newPair(t)

	go func() {
		require.NoError(t, ct.Notify(context.Background(), "windows.flash", []byte("w1")))
	}()

	req := fs.recv()
	require.Equal(t, message.NotifyID, req.ID)
	require.Equal(t, message.Kind("windows.flash"), req.Kind)
	require.Zero(t, ct.Outstanding())
}

func TestUnknownAndDroppedResponses(t *testing.T) {
	unknown := make(chan *message.Response, 1)
	dropped := make(chan *message.Response, 1)
	_, fs := newPair(t,
		OnUnknownResponse(func(resp *message.Response) { unknown <- resp }),
		OnDroppedRequest(func(resp *message.Response) { dropped <- resp }),
	)

	fs.send(message.Success(98))
	require.Equal(t, uint32(98), (<-unknown).ID)

	fs.send(message.Dropped(message.NotifyID, message.DropTooLargeRequest))
	require.Equal(t, message.DropTooLargeRequest, (<-dropped).Reason)
}

func TestRequestTooLarge(t *testing.T) {
	ct, _ := newPair(t, WithMaxMessageSize(32))

	_, err := ct.Call(context.Background(), "desktops.rename", bytes.Repeat([]byte{'n'}, 128))
	require.ErrorIs(t, err, message.ErrTooLarge)
	require.Zero(t, ct.Outstanding())
}

func TestShutdownResolvesEveryCall(t *testing.T) {
	closed := make(chan error, 2)
	ct, fs := newPair(t, OnClosed(func(err error) { closed <- err }))

	const n = 3
	errs := make(chan error, n)
	for range n {
		go func() {
			_, err := ct.Call(context.Background(), "desktops.list", nil)
			errs <- err
		}()
	}
	for range n {
		fs.recv()
	}
	require.NoError(t, fs.conn.Close())

	for range n {
		err := <-errs
		require.ErrorIs(t, err, message.ErrClosed)
	}
	<-ct.Done()
	require.NoError(t, <-closed)
	require.Len(t, closed, 0)
	require.Zero(t, ct.Outstanding())

	_, err := ct.Call(context.Background(), "desktops.list", nil)
	require.ErrorIs(t, err, message.ErrClosed)
}

func TestKeepaliveFrames(t *testing.T) {
	inm := metrics.NewInmemSink(time.Minute, time.Minute)
	_, fs := newPair(t, WithKeepAlive(5*time.Millisecond), WithMetricSink(inm))

	require.NoError(t, fs.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	prefix := make([]byte, protocol.LengthSize)
	_, err := io.ReadFull(fs.conn, prefix)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0, 0}, prefix)
}

func TestReadErrorShutsDown(t *testing.T) {
	ct, fs := newPair(t)

	// A truncated frame is a transport failure.
	_, err := fs.conn.Write([]byte{10, 0, 0, 0, 1, 2})
	require.NoError(t, err)
	require.NoError(t, fs.conn.Close())

	<-ct.Done()
	require.Error(t, ct.Err())
	require.True(t, errors.Is(ct.Err(), io.ErrUnexpectedEOF))
}

func TestQueueFullBlocksCallerNotReader(t *testing.T) {
	ct, fs := newPair(t, WithQueueSize(1))

	first := make(chan error, 1)
	go func() {
		_, err := ct.Call(context.Background(), "desktops.current", nil)
		first <- err
	}()
	req := fs.recv()

	// The server stops reading: the writer stalls on the second request and
	// the third fills the queue.
	stalled := make(chan error, 2)
	for range 2 {
		go func() {
			_, err := ct.Call(context.Background(), "desktops.list", nil)
			stalled <- err
		}()
	}
	require.Eventually(t, func() bool {
		return ct.Outstanding() == 3 && len(ct.queue) == 1
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Len(t, ct.queue, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := ct.Call(ctx, "desktops.list", nil)
	require.ErrorIs(t, err, message.ErrCanceled)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	require.Equal(t, 3, ct.Outstanding())

	// Responses still get through while the caller side is blocked.
	fs.send(&message.Response{ID: req.ID, Done: true, Kind: "desktop"})
	require.NoError(t, <-first)
	require.Empty(t, stalled)
}
