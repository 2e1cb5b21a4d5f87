package vdesk

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Memory is a Service keeping desktops and windows in process. It backs the
// host when no window manager is attached and serves as the reference
// behaviour in tests.
type Memory struct {
	logger *slog.Logger

	mu       sync.Mutex
	desktops []Desktop // in display order; Index mirrors the position
	current  string
	windows  map[uint64]*Window
	watchers map[*watcher]struct{}
}

// NewMemory returns a service with one desktop per name, the first one
// current. Without names a single "Desktop 1" is created.
func NewMemory(logger *slog.Logger, names ...string) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	if len(names) == 0 {
		names = []string{"Desktop 1"}
	}
	m := &Memory{
		logger:   logger,
		windows:  make(map[uint64]*Window),
		watchers: make(map[*watcher]struct{}),
	}
	for _, name := range names {
		m.desktops = append(m.desktops, Desktop{ID: uuid.NewString(), Name: name})
	}
	m.reindexLocked()
	m.current = m.desktops[0].ID
	return m
}

// AddWindow places a window on a desktop, or pins it when desktopID is empty.
func (m *Memory) AddWindow(w Window) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w.DesktopID != "" {
		if _, ok := m.findLocked(w.DesktopID); !ok {
			return fmt.Errorf("%w: %s", ErrDesktopNotFound, w.DesktopID)
		}
	}
	w.Pinned = w.DesktopID == ""
	m.windows[w.Handle] = &w
	return nil
}

func (m *Memory) ListDesktops(context.Context) ([]Desktop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.desktops), nil
}

func (m *Memory) CurrentDesktop(context.Context) (Desktop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, _ := m.findLocked(m.current)
	return d, nil
}

func (m *Memory) SwitchDesktop(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	target, ok := m.findLocked(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrDesktopNotFound, id)
	}
	if id == m.current {
		return nil
	}
	previous, _ := m.findLocked(m.current)
	m.current = id
	m.publishLocked(DesktopEvent{Type: EventChanged, Desktop: target, Previous: &previous})
	return nil
}

func (m *Memory) CreateDesktop(_ context.Context, name string) (Desktop, error) {
	name = strings.TrimSpace(name)
	m.mu.Lock()
	defer m.mu.Unlock()

	if name == "" {
		name = fmt.Sprintf("Desktop %d", len(m.desktops)+1)
	}
	d := Desktop{ID: uuid.NewString(), Index: len(m.desktops), Name: name}
	m.desktops = append(m.desktops, d)
	m.publishLocked(DesktopEvent{Type: EventCreated, Desktop: d})
	return d, nil
}

// RemoveDesktop moves the windows of the removed desktop to fallback, or to
// its left neighbour (right for the first one). Removing the current desktop
// switches to the same fallback.
func (m *Memory) RemoveDesktop(_ context.Context, id, fallback string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed, ok := m.findLocked(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrDesktopNotFound, id)
	}
	if len(m.desktops) == 1 {
		return ErrLastDesktop
	}

	var target Desktop
	switch {
	case fallback == id:
		return fmt.Errorf("%w: fallback is the removed desktop", ErrDesktopNotFound)
	case fallback != "":
		if target, ok = m.findLocked(fallback); !ok {
			return fmt.Errorf("%w: %s", ErrDesktopNotFound, fallback)
		}
	case removed.Index == 0:
		target = m.desktops[1]
	default:
		target = m.desktops[removed.Index-1]
	}

	for _, w := range m.windows {
		if w.DesktopID == id {
			w.DesktopID = target.ID
		}
	}
	m.desktops = slices.Delete(m.desktops, removed.Index, removed.Index+1)
	m.reindexLocked()
	target, _ = m.findLocked(target.ID)

	m.publishLocked(DesktopEvent{Type: EventRemoved, Desktop: removed})
	if m.current == id {
		m.current = target.ID
		m.publishLocked(DesktopEvent{Type: EventChanged, Desktop: target, Previous: &removed})
	}
	return nil
}

func (m *Memory) RenameDesktop(_ context.Context, id, name string) (Desktop, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Desktop{}, ErrInvalidName
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.findLocked(id)
	if !ok {
		return Desktop{}, fmt.Errorf("%w: %s", ErrDesktopNotFound, id)
	}
	previous := d
	d.Name = name
	m.desktops[d.Index] = d
	m.publishLocked(DesktopEvent{Type: EventRenamed, Desktop: d, Previous: &previous})
	return d, nil
}

// ListWindows lists the windows of a desktop, pinned ones included, ordered
// by handle.
func (m *Memory) ListWindows(_ context.Context, desktopID string) ([]Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if desktopID != "" {
		if _, ok := m.findLocked(desktopID); !ok {
			return nil, fmt.Errorf("%w: %s", ErrDesktopNotFound, desktopID)
		}
	}

	windows := make([]Window, 0, len(m.windows))
	for _, w := range m.windows {
		if desktopID == "" || w.Pinned || w.DesktopID == desktopID {
			windows = append(windows, *w)
		}
	}
	slices.SortFunc(windows, func(a, b Window) int { return cmp.Compare(a.Handle, b.Handle) })
	return windows, nil
}

// MoveWindow moves a window to a desktop. A pinned window stays pinned.
func (m *Memory) MoveWindow(_ context.Context, handle uint64, desktopID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[handle]
	if !ok {
		return fmt.Errorf("%w: %d", ErrWindowNotFound, handle)
	}
	if _, ok := m.findLocked(desktopID); !ok {
		return fmt.Errorf("%w: %s", ErrDesktopNotFound, desktopID)
	}
	if !w.Pinned {
		w.DesktopID = desktopID
	}
	return nil
}

// PinWindow shows a window on every desktop, or unpins it onto the current one.
func (m *Memory) PinWindow(_ context.Context, handle uint64, pinned bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[handle]
	if !ok {
		return fmt.Errorf("%w: %d", ErrWindowNotFound, handle)
	}
	switch {
	case pinned:
		w.Pinned = true
		w.DesktopID = ""
	case w.Pinned:
		w.Pinned = false
		w.DesktopID = m.current
	}
	return nil
}

func (m *Memory) FlashWindow(_ context.Context, handle uint64) error {
	m.mu.Lock()
	w, ok := m.windows[handle]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrWindowNotFound, handle)
	}
	m.logger.Info("flashing window", "handle", handle, "title", w.Title)
	return nil
}

func (m *Memory) WatchDesktops(ctx context.Context) iter.Seq2[DesktopEvent, error] {
	return func(yield func(DesktopEvent, error) bool) {
		w := &watcher{notify: make(chan struct{}, 1)}

		m.mu.Lock()
		current, _ := m.findLocked(m.current)
		w.events = append(w.events, DesktopEvent{Type: EventCurrent, Desktop: current})
		m.watchers[w] = struct{}{}
		m.mu.Unlock()

		defer func() {
			m.mu.Lock()
			delete(m.watchers, w)
			m.mu.Unlock()
		}()

		for {
			for _, ev := range w.take() {
				if !yield(ev, nil) {
					return
				}
			}
			select {
			case <-w.notify:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (m *Memory) findLocked(id string) (Desktop, bool) {
	for _, d := range m.desktops {
		if d.ID == id {
			return d, true
		}
	}
	return Desktop{}, false
}

func (m *Memory) reindexLocked() {
	for i := range m.desktops {
		m.desktops[i].Index = i
	}
}

func (m *Memory) publishLocked(ev DesktopEvent) {
	m.logger.Debug("desktop event", "type", ev.Type, "desktop", ev.Desktop.ID)
	for w := range m.watchers {
		w.push(ev)
	}
}

// watcher is the queue of one subscription. It grows without bound so that
// publishing never waits for a consumer.
type watcher struct {
	mu     sync.Mutex
	events []DesktopEvent
	notify chan struct{}
}

func (w *watcher) push(ev DesktopEvent) {
	w.mu.Lock()
	w.events = append(w.events, ev)
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *watcher) take() []DesktopEvent {
	w.mu.Lock()
	defer w.mu.Unlock()
	events := w.events
	w.events = nil
	return events
}
