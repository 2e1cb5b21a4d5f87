// vdeskctl drives a virtual-desktop host from the command line.
//
//	vdeskctl [flags] desktops list|current|watch
//	vdeskctl [flags] desktops switch ID | create [NAME] | remove ID [FALLBACK] | rename ID NAME
//	vdeskctl [flags] windows list [DESKTOP] | move HANDLE DESKTOP | pin HANDLE | unpin HANDLE | flash HANDLE
//	vdeskctl --registry ENDPOINTS hosts list|watch
//
// Results are printed to stdout as JSON, one document per line.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"vdesk-rpc/client"
	"vdesk-rpc/config"
	"vdesk-rpc/loadbalance"
	"vdesk-rpc/message"
	"vdesk-rpc/registry"
	"vdesk-rpc/server"
	"vdesk-rpc/transport"
)

var errUsage = errors.New("usage: vdeskctl [flags] desktops|windows|hosts COMMAND [ARGS...]")

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "vdeskctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	flags := pflag.NewFlagSet("vdeskctl", pflag.ContinueOnError)
	path := flags.StringP("config", "c", "", "path to a YAML configuration file")
	host := flags.String("host", "", `host to drive: "spawn:/path/to/vdeskd", "tcp:host:port", "unix:/path" or "registry"`)
	codecName := flags.String("codec", "", "payload encoding: cbor or json")
	logLevel := flags.String("log-level", "", "debug, info, warn or error")
	timeout := flags.Duration("timeout", 0, "deadline for each call")
	etcd := flags.StringSlice("registry", nil, "etcd endpoints to discover hosts in")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg := config.Default()
	if *path != "" {
		var err error
		if cfg, err = config.LoadConfig(*path); err != nil {
			return err
		}
	}
	if flags.Changed("host") {
		cfg.Client.Host = *host
	}
	if flags.Changed("codec") {
		cfg.Codec = *codecName
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = *logLevel
	}
	if flags.Changed("timeout") {
		cfg.Client.CallTimeout = *timeout
	}
	if flags.Changed("registry") {
		cfg.Registry.Endpoints = *etcd
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	rest := flags.Args()
	if len(rest) < 2 {
		return errUsage
	}

	logger := cfg.Logger(os.Stderr)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if rest[0] == "hosts" {
		if len(cfg.Registry.Endpoints) == 0 {
			return errors.New("hosts: no registry endpoints configured")
		}
		reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, logger)
		if err != nil {
			return err
		}
		defer reg.Close()
		return hosts(ctx, reg, rest[1], json.NewEncoder(stdout))
	}

	c, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	cmd := &command{c: c, out: json.NewEncoder(stdout), timeout: cfg.Client.CallTimeout}
	switch rest[0] {
	case "desktops":
		return cmd.desktops(ctx, rest[1], rest[2:])
	case "windows":
		return cmd.windows(ctx, rest[1], rest[2:])
	default:
		return errUsage
	}
}

func connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*client.Client, error) {
	opts := append(cfg.TransportOptions(logger),
		transport.OnDroppedRequest(func(resp *message.Response) {
			logger.Warn("host dropped a request", "reason", resp.Reason)
		}),
	)

	if cfg.Client.Host == "registry" {
		reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, logger)
		if err != nil {
			return nil, err
		}
		defer reg.Close()
		bal, err := loadbalance.New(cfg.Client.Balancer)
		if err != nil {
			return nil, err
		}
		return client.Discover(ctx, reg, bal, cfg.Client.SessionKey, opts...)
	}

	network, address, err := config.ParseAddress(cfg.Client.Host)
	if err != nil {
		return nil, err
	}
	if network == "spawn" {
		return client.Spawn(ctx, address, []string{"--listen", "stdio", "--codec", cfg.Codec, "--log-level", cfg.Log.Level}, opts...)
	}
	return client.Dial(ctx, network, address, opts...)
}

type command struct {
	c       *client.Client
	out     *json.Encoder
	timeout time.Duration
}

func (cmd *command) call(ctx context.Context, fn func(ctx context.Context) (any, error)) error {
	if cmd.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.timeout)
		defer cancel()
	}
	v, err := fn(ctx)
	if err != nil {
		return err
	}
	if v == nil {
		v = map[string]bool{"ok": true}
	}
	return cmd.out.Encode(v)
}

func (cmd *command) desktops(ctx context.Context, op string, args []string) error {
	switch {
	case op == "list" && len(args) == 0:
		return cmd.call(ctx, func(ctx context.Context) (any, error) { return cmd.c.ListDesktops(ctx) })
	case op == "current" && len(args) == 0:
		return cmd.call(ctx, func(ctx context.Context) (any, error) { return cmd.c.CurrentDesktop(ctx) })
	case op == "switch" && len(args) == 1:
		return cmd.call(ctx, func(ctx context.Context) (any, error) { return nil, cmd.c.SwitchDesktop(ctx, args[0]) })
	case op == "create" && len(args) <= 1:
		name := ""
		if len(args) == 1 {
			name = args[0]
		}
		return cmd.call(ctx, func(ctx context.Context) (any, error) { return cmd.c.CreateDesktop(ctx, name) })
	case op == "remove" && (len(args) == 1 || len(args) == 2):
		fallback := ""
		if len(args) == 2 {
			fallback = args[1]
		}
		return cmd.call(ctx, func(ctx context.Context) (any, error) { return nil, cmd.c.RemoveDesktop(ctx, args[0], fallback) })
	case op == "rename" && len(args) == 2:
		return cmd.call(ctx, func(ctx context.Context) (any, error) { return cmd.c.RenameDesktop(ctx, args[0], args[1]) })
	case op == "watch" && len(args) == 0:
		return cmd.watch(ctx)
	default:
		return errUsage
	}
}

// watch prints events until interrupted.
func (cmd *command) watch(ctx context.Context) error {
	w, err := cmd.c.WatchDesktops(ctx)
	if err != nil {
		return err
	}
	defer w.Close()

	for ev, err := range w.Events(ctx) {
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := cmd.out.Encode(ev); err != nil {
			return err
		}
	}
	return nil
}

func (cmd *command) windows(ctx context.Context, op string, args []string) error {
	if op == "list" && len(args) <= 1 {
		desktop := ""
		if len(args) == 1 {
			desktop = args[0]
		}
		return cmd.call(ctx, func(ctx context.Context) (any, error) { return cmd.c.ListWindows(ctx, desktop) })
	}
	if len(args) == 0 {
		return errUsage
	}

	handle, err := strconv.ParseUint(args[0], 0, 64)
	if err != nil {
		return fmt.Errorf("window handle %q: %w", args[0], err)
	}
	switch {
	case op == "move" && len(args) == 2:
		return cmd.call(ctx, func(ctx context.Context) (any, error) { return nil, cmd.c.MoveWindow(ctx, handle, args[1]) })
	case op == "pin" && len(args) == 1:
		return cmd.call(ctx, func(ctx context.Context) (any, error) { return nil, cmd.c.PinWindow(ctx, handle, true) })
	case op == "unpin" && len(args) == 1:
		return cmd.call(ctx, func(ctx context.Context) (any, error) { return nil, cmd.c.PinWindow(ctx, handle, false) })
	case op == "flash" && len(args) == 1:
		return cmd.call(ctx, func(ctx context.Context) (any, error) { return nil, cmd.c.FlashWindow(ctx, handle) })
	default:
		return errUsage
	}
}

// hosts prints the endpoints advertised under the service name. watch keeps
// printing the list each time it changes, until interrupted.
func hosts(ctx context.Context, reg registry.Registry, op string, out *json.Encoder) error {
	switch op {
	case "list":
		endpoints, err := reg.Discover(ctx, server.ServiceName)
		if err != nil {
			return err
		}
		return out.Encode(endpoints)
	case "watch":
		updates := reg.Watch(ctx, server.ServiceName)
		endpoints, err := reg.Discover(ctx, server.ServiceName)
		if err != nil {
			return err
		}
		if err := out.Encode(endpoints); err != nil {
			return err
		}
		for endpoints := range updates {
			if err := out.Encode(endpoints); err != nil {
				return err
			}
		}
		return nil
	default:
		return errUsage
	}
}
