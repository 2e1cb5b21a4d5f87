package transport

import (
	"context"
	"sync"

	"vdesk-rpc/message"
)

// Stream receives the responses of a streaming call in the order the server
// emitted them. Its buffer is unbounded: the reading goroutine of the
// transport never waits for a slow consumer.
//
// Recv must not be called concurrently.
type Stream struct {
	ct   *ClientTransport
	call *call

	mu     sync.Mutex
	items  []*message.Response
	err    error // terminal outcome, io.EOF for a clean end
	done   bool
	stop   func() bool // detaches the cancellation of the caller's context
	notify chan struct{}
}

func newStream(ct *ClientTransport, c *call) *Stream {
	return &Stream{
		ct:     ct,
		call:   c,
		notify: make(chan struct{}, 1),
	}
}

// ID returns the request id of the stream.
func (s *Stream) ID() uint32 {
	return s.call.id
}

// Recv returns the next response. After the last one it returns io.EOF when
// the stream ended normally, or the error that ended it. Cancelling ctx only
// abandons this wait, not the stream.
func (s *Stream) Recv(ctx context.Context) (*message.Response, error) {
	for {
		s.mu.Lock()
		if len(s.items) > 0 {
			item := s.items[0]
			s.items[0] = nil
			s.items = s.items[1:]
			s.mu.Unlock()
			return item, nil
		}
		if s.done {
			err := s.err
			s.mu.Unlock()
			return nil, err
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close cancels the stream if it is still running and discards whatever the
// reader has not taken yet.
func (s *Stream) Close() error {
	s.ct.abandon(s.call, nil)
	return nil
}

func (s *Stream) push(resp *message.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return
	}
	s.items = append(s.items, resp)
	s.signal()
}

// finish ends the stream once. discard drops buffered items so nothing is
// delivered after a local cancellation.
func (s *Stream) finish(err error, discard bool) bool {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return false
	}
	s.done = true
	s.err = err
	if discard {
		s.items = nil
	}
	stop := s.stop
	s.signal()
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	return true
}

func (s *Stream) setStop(stop func() bool) {
	s.mu.Lock()
	if !s.done {
		s.stop = stop
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	stop()
}

func (s *Stream) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
