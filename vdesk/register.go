package vdesk

import (
	"context"

	"vdesk-rpc/server"
)

// Register installs one handler per operation of svc on s.
func Register(s *server.Server, svc Service) {
	c := s.Codec()

	s.Handle(KindListDesktops, server.Unary(c, KindDesktopList, func(ctx context.Context, _ *struct{}) (*DesktopList, error) {
		desktops, err := svc.ListDesktops(ctx)
		if err != nil {
			return nil, err
		}
		return &DesktopList{Desktops: desktops}, nil
	}))
	s.Handle(KindCurrentDesktop, server.Unary(c, KindDesktop, func(ctx context.Context, _ *struct{}) (*Desktop, error) {
		d, err := svc.CurrentDesktop(ctx)
		if err != nil {
			return nil, err
		}
		return &d, nil
	}))
	s.Handle(KindSwitchDesktop, server.Void(c, func(ctx context.Context, ref *DesktopRef) error {
		return svc.SwitchDesktop(ctx, ref.ID)
	}))
	s.Handle(KindCreateDesktop, server.Unary(c, KindDesktop, func(ctx context.Context, args *CreateDesktopArgs) (*Desktop, error) {
		d, err := svc.CreateDesktop(ctx, args.Name)
		if err != nil {
			return nil, err
		}
		return &d, nil
	}))
	s.Handle(KindRemoveDesktop, server.Void(c, func(ctx context.Context, args *RemoveDesktopArgs) error {
		return svc.RemoveDesktop(ctx, args.ID, args.Fallback)
	}))
	s.Handle(KindRenameDesktop, server.Unary(c, KindDesktop, func(ctx context.Context, args *RenameDesktopArgs) (*Desktop, error) {
		d, err := svc.RenameDesktop(ctx, args.ID, args.Name)
		if err != nil {
			return nil, err
		}
		return &d, nil
	}))
	s.Handle(KindListWindows, server.Unary(c, KindWindowList, func(ctx context.Context, args *ListWindowsArgs) (*WindowList, error) {
		windows, err := svc.ListWindows(ctx, args.DesktopID)
		if err != nil {
			return nil, err
		}
		return &WindowList{Windows: windows}, nil
	}))
	s.Handle(KindMoveWindow, server.Void(c, func(ctx context.Context, args *MoveWindowArgs) error {
		return svc.MoveWindow(ctx, args.Handle, args.DesktopID)
	}))
	s.Handle(KindPinWindow, server.Void(c, func(ctx context.Context, args *PinWindowArgs) error {
		return svc.PinWindow(ctx, args.Handle, args.Pinned)
	}))
	s.Handle(KindFlashWindow, server.Void(c, func(ctx context.Context, ref *WindowRef) error {
		return svc.FlashWindow(ctx, ref.Handle)
	}))

	s.HandleStream(KindWatchDesktops, server.Streaming(c, KindDesktopEvent, func(ctx context.Context, _ *WatchArgs, emit func(*DesktopEvent) error) error {
		for ev, err := range svc.WatchDesktops(ctx) {
			if err != nil {
				return err
			}
			if err := emit(&ev); err != nil {
				return err
			}
		}
		return ctx.Err()
	}))
}
