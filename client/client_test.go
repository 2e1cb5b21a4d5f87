package client

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"vdesk-rpc/codec"
	"vdesk-rpc/message"
	"vdesk-rpc/middleware"
	"vdesk-rpc/server"
	"vdesk-rpc/transport"
	"vdesk-rpc/vdesk"
)

// newHost serves a fresh in-memory desktop service over an in-process pipe.
func newHost(tb testing.TB, serverOpts []server.Option, clientOpts ...transport.Option) (*Client, *vdesk.Memory) {
	tb.Helper()
	mem := vdesk.NewMemory(nil, "Work", "Play")
	svr := server.NewServer(serverOpts...)
	svr.Use(middleware.TimeOutMiddleware(5*time.Second, vdesk.StreamingKinds...))
	vdesk.Register(svr, mem)

	clientSide, serverSide := net.Pipe()
	served := make(chan error, 1)
	go func() { served <- svr.ServeConn(context.Background(), serverSide) }()

	c := New(clientSide, clientOpts...)
	tb.Cleanup(func() {
		c.Close()
		<-served
	})
	return c, mem
}

func TestDesktopOperations(t *testing.T) {
	ctx := context.Background()
	c, _ := newHost(t, nil)

	desktops, err := c.ListDesktops(ctx)
	require.NoError(t, err)
	require.Len(t, desktops, 2)

	current, err := c.CurrentDesktop(ctx)
	require.NoError(t, err)
	require.Equal(t, "Work", current.Name)

	require.NoError(t, c.SwitchDesktop(ctx, desktops[1].ID))
	current, err = c.CurrentDesktop(ctx)
	require.NoError(t, err)
	require.Equal(t, desktops[1].ID, current.ID)

	created, err := c.CreateDesktop(ctx, "Chat")
	require.NoError(t, err)
	require.Equal(t, 2, created.Index)

	renamed, err := c.RenameDesktop(ctx, created.ID, "Mail")
	require.NoError(t, err)
	require.Equal(t, "Mail", renamed.Name)

	require.NoError(t, c.RemoveDesktop(ctx, created.ID, ""))
	desktops, err = c.ListDesktops(ctx)
	require.NoError(t, err)
	require.Len(t, desktops, 2)
}

func TestVoidOperationsAnswerBareSuccess(t *testing.T) {
	ctx := context.Background()
	c, _ := newHost(t, nil)

	desktops, err := c.ListDesktops(ctx)
	require.NoError(t, err)
	body, err := c.Transport().Codec().Marshal(&vdesk.DesktopRef{ID: desktops[1].ID})
	require.NoError(t, err)

	resp, err := c.Transport().Call(ctx, vdesk.KindSwitchDesktop, body)
	require.NoError(t, err)
	require.Equal(t, message.KindSuccess, resp.Kind)
	require.Empty(t, resp.Body)
}

func TestRemoteErrorCarriesMessage(t *testing.T) {
	c, _ := newHost(t, nil)

	err := c.SwitchDesktop(context.Background(), "no-such-desktop")
	var remote *message.RemoteError
	require.ErrorAs(t, err, &remote)
	require.Contains(t, remote.Message, vdesk.ErrDesktopNotFound.Error())
}

func TestWindowOperations(t *testing.T) {
	ctx := context.Background()
	c, mem := newHost(t, nil)
	desktops, err := c.ListDesktops(ctx)
	require.NoError(t, err)
	work, play := desktops[0], desktops[1]

	require.NoError(t, mem.AddWindow(vdesk.Window{Handle: 0x10, Title: "editor", DesktopID: work.ID}))
	require.NoError(t, mem.AddWindow(vdesk.Window{Handle: 0x20, Title: "player", DesktopID: play.ID}))

	windows, err := c.ListWindows(ctx, work.ID)
	require.NoError(t, err)
	require.Len(t, windows, 1)
	require.Equal(t, "editor", windows[0].Title)

	require.NoError(t, c.MoveWindow(ctx, 0x10, play.ID))
	windows, err = c.ListWindows(ctx, play.ID)
	require.NoError(t, err)
	require.Len(t, windows, 2)

	require.NoError(t, c.PinWindow(ctx, 0x20, true))
	windows, err = c.ListWindows(ctx, work.ID)
	require.NoError(t, err)
	require.Len(t, windows, 1)
	require.True(t, windows[0].Pinned)

	require.NoError(t, c.FlashWindow(ctx, 0x20))
	require.NoError(t, c.FlashWindow(ctx, 0x99)) // unknown handles go unanswered

	all, err := c.ListWindows(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Zero(t, c.Transport().Outstanding())
}

func TestWatchDesktops(t *testing.T) {
	ctx := context.Background()
	c, _ := newHost(t, nil)

	w, err := c.WatchDesktops(ctx)
	require.NoError(t, err)

	first, err := w.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, vdesk.EventCurrent, first.Type)
	require.Equal(t, "Work", first.Desktop.Name)

	desktops, err := c.ListDesktops(ctx)
	require.NoError(t, err)
	require.NoError(t, c.SwitchDesktop(ctx, desktops[1].ID))
	created, err := c.CreateDesktop(ctx, "New")
	require.NoError(t, err)

	ev, err := w.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, vdesk.EventChanged, ev.Type)
	require.Equal(t, desktops[1].ID, ev.Desktop.ID)

	ev, err = w.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, vdesk.EventCreated, ev.Type)
	require.Equal(t, created.ID, ev.Desktop.ID)

	require.NoError(t, w.Close())
	_, err = w.Next(ctx)
	require.ErrorIs(t, err, message.ErrCanceled)

	// The host confirms the cancel and the id is released.
	require.Eventually(t, func() bool { return c.Transport().Outstanding() == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestWatchEventsEndsWithContext(t *testing.T) {
	c, _ := newHost(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := c.WatchDesktops(ctx)
	require.NoError(t, err)

	var got []vdesk.EventType
	var last error
	for ev, err := range w.Events(context.Background()) {
		if err != nil {
			last = err
			break
		}
		got = append(got, ev.Type)
		cancel()
	}
	require.Equal(t, []vdesk.EventType{vdesk.EventCurrent}, got)
	require.ErrorIs(t, last, context.Canceled)
}

func TestConcurrentCalls(t *testing.T) {
	c, _ := newHost(t, nil, transport.WithQueueSize(4))

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			desktops, err := c.ListDesktops(context.Background())
			if err == nil && len(desktops) != 2 {
				err = errors.New("wrong desktop count")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Zero(t, c.Transport().Outstanding())
}

func TestJSONCodecEndToEnd(t *testing.T) {
	c, _ := newHost(t, []server.Option{server.WithCodec(codec.JSON{})}, transport.WithCodec(codec.JSON{}))

	current, err := c.CurrentDesktop(context.Background())
	require.NoError(t, err)
	require.Equal(t, "Work", current.Name)
}

func TestHostGone(t *testing.T) {
	mem := vdesk.NewMemory(nil)
	svr := server.NewServer()
	vdesk.Register(svr, mem)

	clientSide, serverSide := net.Pipe()
	ctx, stop := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- svr.ServeConn(ctx, serverSide) }()

	c := New(clientSide)
	defer c.Close()
	_, err := c.ListDesktops(context.Background())
	require.NoError(t, err)

	stop()
	require.NoError(t, <-served)
	<-c.Done()

	_, err = c.ListDesktops(context.Background())
	require.ErrorIs(t, err, message.ErrClosed)
	require.False(t, errors.Is(err, io.EOF))
}
