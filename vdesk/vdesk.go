// Package vdesk is the virtual-desktop business layer carried over the
// protocol: the kinds and payloads of every operation, the Service a host
// implements, and the glue registering a Service on a server.
package vdesk

import (
	"context"
	"errors"
	"iter"

	"vdesk-rpc/message"
)

// Request kinds.
const (
	KindListDesktops   message.Kind = "desktops.list"
	KindCurrentDesktop message.Kind = "desktops.current"
	KindSwitchDesktop  message.Kind = "desktops.switch"
	KindCreateDesktop  message.Kind = "desktops.create"
	KindRemoveDesktop  message.Kind = "desktops.remove"
	KindRenameDesktop  message.Kind = "desktops.rename"
	KindWatchDesktops  message.Kind = "desktops.watch"
	KindListWindows    message.Kind = "windows.list"
	KindMoveWindow     message.Kind = "windows.move"
	KindPinWindow      message.Kind = "windows.pin"
	KindFlashWindow    message.Kind = "windows.flash" // fire-and-forget
)

// Result kinds.
const (
	KindDesktop      message.Kind = "desktop"
	KindDesktopList  message.Kind = "desktop.list"
	KindWindowList   message.Kind = "window.list"
	KindDesktopEvent message.Kind = "desktop.event"
)

// StreamingKinds lists the kinds whose handlers run until the client cancels.
var StreamingKinds = []message.Kind{KindWatchDesktops}

var (
	ErrDesktopNotFound = errors.New("desktop not found")
	ErrWindowNotFound  = errors.New("window not found")
	ErrLastDesktop     = errors.New("cannot remove the last desktop")
	ErrInvalidName     = errors.New("invalid desktop name")
)

type Desktop struct {
	ID    string `json:"id"`
	Index int    `json:"index"`
	Name  string `json:"name"`
}

type Window struct {
	Handle    uint64 `json:"handle"`
	Title     string `json:"title"`
	Process   string `json:"process,omitempty"`
	DesktopID string `json:"desktop_id,omitempty"` // empty while pinned
	Pinned    bool   `json:"pinned,omitempty"`
}

type EventType string

const (
	// EventCurrent is the first event of every watch: the current desktop at
	// the moment the subscription became live.
	EventCurrent EventType = "current"
	EventChanged EventType = "changed"
	EventCreated EventType = "created"
	EventRemoved EventType = "removed"
	EventRenamed EventType = "renamed"
)

type DesktopEvent struct {
	Type    EventType `json:"type"`
	Desktop Desktop   `json:"desktop"`
	// Previous is the desktop switched away from (changed) or the old name
	// (renamed).
	Previous *Desktop `json:"previous,omitempty"`
}

// Request payloads.
type (
	DesktopRef struct {
		ID string `json:"id"`
	}
	CreateDesktopArgs struct {
		Name string `json:"name"`
	}
	RemoveDesktopArgs struct {
		ID string `json:"id"`
		// Fallback receives the windows of the removed desktop; empty picks
		// the neighbouring one.
		Fallback string `json:"fallback,omitempty"`
	}
	RenameDesktopArgs struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	ListWindowsArgs struct {
		DesktopID string `json:"desktop_id,omitempty"` // empty lists every window
	}
	WindowRef struct {
		Handle uint64 `json:"handle"`
	}
	MoveWindowArgs struct {
		Handle    uint64 `json:"handle"`
		DesktopID string `json:"desktop_id"`
	}
	PinWindowArgs struct {
		Handle uint64 `json:"handle"`
		Pinned bool   `json:"pinned"`
	}
	WatchArgs struct{}
)

// Result payloads.
type (
	DesktopList struct {
		Desktops []Desktop `json:"desktops"`
	}
	WindowList struct {
		Windows []Window `json:"windows"`
	}
)

// Service is what a desktop host implements. Every method may block and must
// honor ctx.
type Service interface {
	ListDesktops(ctx context.Context) ([]Desktop, error)
	CurrentDesktop(ctx context.Context) (Desktop, error)
	SwitchDesktop(ctx context.Context, id string) error
	CreateDesktop(ctx context.Context, name string) (Desktop, error)
	RemoveDesktop(ctx context.Context, id, fallback string) error
	RenameDesktop(ctx context.Context, id, name string) (Desktop, error)
	ListWindows(ctx context.Context, desktopID string) ([]Window, error)
	MoveWindow(ctx context.Context, handle uint64, desktopID string) error
	PinWindow(ctx context.Context, handle uint64, pinned bool) error
	FlashWindow(ctx context.Context, handle uint64) error

	// WatchDesktops yields desktop events until ctx ends or the consumer
	// stops. Events are buffered without bound at the source, so a slow
	// consumer never stalls the desktop it observes.
	WatchDesktops(ctx context.Context) iter.Seq2[DesktopEvent, error]
}
