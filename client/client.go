// Package client is the typed caller side of the virtual-desktop protocol:
// one method per operation, over a transport reaching a host by pipe,
// socket, registry lookup or child process.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"

	"vdesk-rpc/codec"
	"vdesk-rpc/loadbalance"
	"vdesk-rpc/message"
	"vdesk-rpc/protocol"
	"vdesk-rpc/registry"
	"vdesk-rpc/server"
	"vdesk-rpc/transport"
	"vdesk-rpc/vdesk"
)

// Client drives one desktop host. It is safe for concurrent use.
type Client struct {
	ct    *transport.ClientTransport
	codec codec.Codec
	wait  func() error // reaps a spawned host after the transport closed
}

// New runs the protocol over rw. The client owns rw.
func New(rw io.ReadWriteCloser, opts ...transport.Option) *Client {
	ct := transport.NewClientTransport(rw, opts...)
	return &Client{ct: ct, codec: ct.Codec()}
}

// Dial connects to a host serving on a socket.
func Dial(ctx context.Context, network, addr string, opts ...transport.Option) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return New(conn, opts...), nil
}

// Discover looks the advertised hosts up in reg and dials the one bal picks
// for key.
func Discover(ctx context.Context, reg registry.Registry, bal loadbalance.Balancer, key string, opts ...transport.Option) (*Client, error) {
	endpoints, err := reg.Discover(ctx, server.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("client: discovering hosts: %w", err)
	}
	endpoint, err := bal.Pick(endpoints, key)
	if err != nil {
		return nil, fmt.Errorf("client: picking host: %w", err)
	}
	network := endpoint.Network
	if network == "" {
		network = "tcp"
	}
	return Dial(ctx, network, endpoint.Addr, opts...)
}

// Spawn starts a host process speaking the protocol on its stdin and stdout.
// Its stderr is passed through. Close ends the process by closing its stdin.
func Spawn(ctx context.Context, name string, args []string, opts ...transport.Option) (*Client, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("client: starting %s: %w", name, err)
	}

	c := New(protocol.Duplex(stdout, stdin), opts...)
	c.wait = cmd.Wait
	return c, nil
}

// Close cancels every outstanding call, closes the stream and, for a spawned
// host, waits for the process to exit.
func (c *Client) Close() error {
	err := c.ct.Close()
	if c.wait != nil {
		err = errors.Join(err, c.wait())
	}
	return err
}

// Done is closed once the connection to the host is gone.
func (c *Client) Done() <-chan struct{} {
	return c.ct.Done()
}

// Transport exposes the underlying engine.
func (c *Client) Transport() *transport.ClientTransport {
	return c.ct
}

func (c *Client) ListDesktops(ctx context.Context) ([]vdesk.Desktop, error) {
	list, err := call[vdesk.DesktopList](ctx, c, vdesk.KindListDesktops, nil, vdesk.KindDesktopList)
	if err != nil {
		return nil, err
	}
	return list.Desktops, nil
}

func (c *Client) CurrentDesktop(ctx context.Context) (vdesk.Desktop, error) {
	d, err := call[vdesk.Desktop](ctx, c, vdesk.KindCurrentDesktop, nil, vdesk.KindDesktop)
	if err != nil {
		return vdesk.Desktop{}, err
	}
	return *d, nil
}

func (c *Client) SwitchDesktop(ctx context.Context, id string) error {
	_, err := call[struct{}](ctx, c, vdesk.KindSwitchDesktop, &vdesk.DesktopRef{ID: id}, "")
	return err
}

func (c *Client) CreateDesktop(ctx context.Context, name string) (vdesk.Desktop, error) {
	d, err := call[vdesk.Desktop](ctx, c, vdesk.KindCreateDesktop, &vdesk.CreateDesktopArgs{Name: name}, vdesk.KindDesktop)
	if err != nil {
		return vdesk.Desktop{}, err
	}
	return *d, nil
}

// RemoveDesktop removes a desktop, moving its windows to fallback (empty
// picks the neighbour).
func (c *Client) RemoveDesktop(ctx context.Context, id, fallback string) error {
	_, err := call[struct{}](ctx, c, vdesk.KindRemoveDesktop, &vdesk.RemoveDesktopArgs{ID: id, Fallback: fallback}, "")
	return err
}

func (c *Client) RenameDesktop(ctx context.Context, id, name string) (vdesk.Desktop, error) {
	d, err := call[vdesk.Desktop](ctx, c, vdesk.KindRenameDesktop, &vdesk.RenameDesktopArgs{ID: id, Name: name}, vdesk.KindDesktop)
	if err != nil {
		return vdesk.Desktop{}, err
	}
	return *d, nil
}

// ListWindows lists the windows of a desktop, or every window for an empty id.
func (c *Client) ListWindows(ctx context.Context, desktopID string) ([]vdesk.Window, error) {
	list, err := call[vdesk.WindowList](ctx, c, vdesk.KindListWindows, &vdesk.ListWindowsArgs{DesktopID: desktopID}, vdesk.KindWindowList)
	if err != nil {
		return nil, err
	}
	return list.Windows, nil
}

func (c *Client) MoveWindow(ctx context.Context, handle uint64, desktopID string) error {
	_, err := call[struct{}](ctx, c, vdesk.KindMoveWindow, &vdesk.MoveWindowArgs{Handle: handle, DesktopID: desktopID}, "")
	return err
}

func (c *Client) PinWindow(ctx context.Context, handle uint64, pinned bool) error {
	_, err := call[struct{}](ctx, c, vdesk.KindPinWindow, &vdesk.PinWindowArgs{Handle: handle, Pinned: pinned}, "")
	return err
}

// FlashWindow asks the host to flash a window. The host does not answer, so
// a nil error only means the request was queued.
func (c *Client) FlashWindow(ctx context.Context, handle uint64) error {
	body, err := c.codec.Marshal(&vdesk.WindowRef{Handle: handle})
	if err != nil {
		return err
	}
	return c.ct.Notify(ctx, vdesk.KindFlashWindow, body)
}

// call performs a unary operation. want is the result kind carrying the
// payload; an empty want expects a bare success.
func call[Resp any](ctx context.Context, c *Client, kind message.Kind, args any, want message.Kind) (*Resp, error) {
	var body []byte
	if args != nil {
		var err error
		if body, err = c.codec.Marshal(args); err != nil {
			return nil, fmt.Errorf("client: encoding %s: %w", kind, err)
		}
	}

	resp, err := c.ct.Call(ctx, kind, body)
	if err != nil {
		return nil, err
	}
	return decode[Resp](c.codec, resp, want)
}

func decode[T any](c codec.Codec, resp *message.Response, want message.Kind) (*T, error) {
	v := new(T)
	if want == "" {
		return v, nil
	}
	if resp.Kind != want {
		return nil, fmt.Errorf("client: unexpected %s response, want %s", resp.Kind, want)
	}
	if err := c.Unmarshal(resp.Body, v); err != nil {
		return nil, fmt.Errorf("client: decoding %s: %w", want, err)
	}
	return v, nil
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
