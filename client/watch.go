package client

import (
	"context"
	"iter"

	"vdesk-rpc/transport"
	"vdesk-rpc/vdesk"
)

// Watcher receives desktop events from the host.
type Watcher struct {
	c      *Client
	stream *transport.Stream
}

// WatchDesktops subscribes to desktop events. The first event is always
// vdesk.EventCurrent. The subscription ends with ctx or Close.
func (c *Client) WatchDesktops(ctx context.Context) (*Watcher, error) {
	stream, err := c.ct.Stream(ctx, vdesk.KindWatchDesktops, nil)
	if err != nil {
		return nil, err
	}
	return &Watcher{c: c, stream: stream}, nil
}

// Next blocks for the next event. It returns io.EOF if the host ended the
// subscription, message.ErrCanceled after Close.
func (w *Watcher) Next(ctx context.Context) (vdesk.DesktopEvent, error) {
	resp, err := w.stream.Recv(ctx)
	if err != nil {
		return vdesk.DesktopEvent{}, err
	}
	ev, err := decode[vdesk.DesktopEvent](w.c.codec, resp, vdesk.KindDesktopEvent)
	if err != nil {
		return vdesk.DesktopEvent{}, err
	}
	return *ev, nil
}

// Events ranges over the subscription until it ends. A clean end yields
// nothing more; any other end is yielded as the final error.
func (w *Watcher) Events(ctx context.Context) iter.Seq2[vdesk.DesktopEvent, error] {
	return func(yield func(vdesk.DesktopEvent, error) bool) {
		for {
			ev, err := w.Next(ctx)
			if isEOF(err) {
				return
			}
			if !yield(ev, err) || err != nil {
				return
			}
		}
	}
}

// Close cancels the subscription.
func (w *Watcher) Close() error {
	return w.stream.Close()
}
