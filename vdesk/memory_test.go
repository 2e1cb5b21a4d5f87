package vdesk

import (
	"context"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryDesktops(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil, "Work", "Play")

	desktops, err := m.ListDesktops(ctx)
	require.NoError(t, err)
	require.Len(t, desktops, 2)
	require.Equal(t, "Work", desktops[0].Name)
	require.Equal(t, 1, desktops[1].Index)

	current, err := m.CurrentDesktop(ctx)
	require.NoError(t, err)
	require.Equal(t, desktops[0].ID, current.ID)

	require.NoError(t, m.SwitchDesktop(ctx, desktops[1].ID))
	current, _ = m.CurrentDesktop(ctx)
	require.Equal(t, "Play", current.Name)

	require.ErrorIs(t, m.SwitchDesktop(ctx, "missing"), ErrDesktopNotFound)

	created, err := m.CreateDesktop(ctx, "  ")
	require.NoError(t, err)
	require.Equal(t, "Desktop 3", created.Name)
	require.Equal(t, 2, created.Index)

	renamed, err := m.RenameDesktop(ctx, created.ID, "Chat")
	require.NoError(t, err)
	require.Equal(t, "Chat", renamed.Name)
	_, err = m.RenameDesktop(ctx, created.ID, "")
	require.ErrorIs(t, err, ErrInvalidName)
}

func TestMemoryRemoveDesktopMovesWindows(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil, "A", "B", "C")
	desktops, _ := m.ListDesktops(ctx)
	a, b, c := desktops[0], desktops[1], desktops[2]

	require.NoError(t, m.AddWindow(Window{Handle: 1, Title: "editor", DesktopID: b.ID}))
	require.NoError(t, m.AddWindow(Window{Handle: 2, Title: "clock"}))
	require.NoError(t, m.SwitchDesktop(ctx, b.ID))

	require.NoError(t, m.RemoveDesktop(ctx, b.ID, ""))

	current, _ := m.CurrentDesktop(ctx)
	require.Equal(t, a.ID, current.ID)
	windows, err := m.ListWindows(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, windows, 2)
	require.True(t, windows[1].Pinned)

	desktops, _ = m.ListDesktops(ctx)
	require.Equal(t, []string{a.ID, c.ID}, []string{desktops[0].ID, desktops[1].ID})
	require.Equal(t, 1, desktops[1].Index)

	require.NoError(t, m.RemoveDesktop(ctx, a.ID, c.ID))
	require.ErrorIs(t, m.RemoveDesktop(ctx, c.ID, ""), ErrLastDesktop)
}

func TestMemoryWindows(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil, "A", "B")
	desktops, _ := m.ListDesktops(ctx)
	a, b := desktops[0], desktops[1]

	require.NoError(t, m.AddWindow(Window{Handle: 7, Title: "term", DesktopID: a.ID}))
	require.ErrorIs(t, m.AddWindow(Window{Handle: 8, DesktopID: "nope"}), ErrDesktopNotFound)

	require.NoError(t, m.MoveWindow(ctx, 7, b.ID))
	windows, _ := m.ListWindows(ctx, b.ID)
	require.Len(t, windows, 1)
	require.ErrorIs(t, m.MoveWindow(ctx, 99, b.ID), ErrWindowNotFound)

	require.NoError(t, m.PinWindow(ctx, 7, true))
	windows, _ = m.ListWindows(ctx, a.ID)
	require.Len(t, windows, 1)

	require.NoError(t, m.PinWindow(ctx, 7, false))
	windows, _ = m.ListWindows(ctx, "")
	require.Equal(t, a.ID, windows[0].DesktopID)

	require.NoError(t, m.FlashWindow(ctx, 7))
	require.ErrorIs(t, m.FlashWindow(ctx, 8), ErrWindowNotFound)
}

func TestMemoryWatch(t *testing.T) {
	m := NewMemory(nil, "A", "B")
	desktops, _ := m.ListDesktops(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events := make(chan DesktopEvent)
	go func() {
		defer close(events)
		for ev, err := range m.WatchDesktops(ctx) {
			require.NoError(t, err)
			events <- ev
		}
	}()

	first := <-events
	require.Equal(t, EventCurrent, first.Type)
	require.Equal(t, desktops[0].ID, first.Desktop.ID)

	require.NoError(t, m.SwitchDesktop(ctx, desktops[1].ID))
	_, err := m.RenameDesktop(ctx, desktops[0].ID, "Renamed")
	require.NoError(t, err)

	changed := <-events
	require.Equal(t, EventChanged, changed.Type)
	require.Equal(t, desktops[1].ID, changed.Desktop.ID)
	require.Equal(t, desktops[0].ID, changed.Previous.ID)

	renamed := <-events
	require.Equal(t, EventRenamed, renamed.Type)
	require.Equal(t, "A", renamed.Previous.Name)

	cancel()
	for range events {
	}
	m.mu.Lock()
	require.Empty(t, m.watchers)
	m.mu.Unlock()
}

func TestMemoryWatchDoesNotBlockPublishers(t *testing.T) {
	m := NewMemory(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	next, stop := iterPull(m, ctx)
	defer stop()
	ev, ok := next()
	require.True(t, ok)
	require.Equal(t, EventCurrent, ev.Type)

	// Nobody reads while these are published.
	for range 1000 {
		_, err := m.CreateDesktop(ctx, "")
		require.NoError(t, err)
	}
	for i := range 1000 {
		ev, ok := next()
		require.True(t, ok)
		require.Equal(t, EventCreated, ev.Type)
		require.Equal(t, i+1, ev.Desktop.Index)
	}
}

func iterPull(m *Memory, ctx context.Context) (func() (DesktopEvent, bool), func()) {
	next, stop := iter.Pull2(m.WatchDesktops(ctx))
	return func() (DesktopEvent, bool) {
		ev, _, ok := next()
		return ev, ok
	}, stop
}
