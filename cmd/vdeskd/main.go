// vdeskd is a virtual-desktop host. It serves the protocol on its own stdin
// and stdout when spawned by a client, or on a socket for remote clients,
// optionally advertising itself in etcd.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/spf13/pflag"

	"vdesk-rpc/config"
	"vdesk-rpc/middleware"
	"vdesk-rpc/protocol"
	"vdesk-rpc/registry"
	"vdesk-rpc/server"
	"vdesk-rpc/telemetry"
	"vdesk-rpc/vdesk"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "vdeskd: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	// stdout may be the protocol stream: logs always go to stderr.
	logger := cfg.Logger(os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	inm := metrics.NewInmemSink(10*time.Second, time.Minute)
	signalSink := metrics.NewInmemSignal(inm, metrics.DefaultSignal, os.Stderr)
	defer signalSink.Stop()

	opts := append(cfg.ServerOptions(logger),
		server.WithMetricSink(inm),
		server.OnInputClosed(func(err error) {
			logger.Debug("input closed", "error", err)
		}),
	)

	network, address, err := config.ParseAddress(cfg.Server.Listen)
	if err != nil {
		return err
	}

	if network != "stdio" && len(cfg.Registry.Endpoints) > 0 {
		reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, logger)
		if err != nil {
			return err
		}
		defer reg.Close()
		endpoint := registry.Endpoint{Network: network, Addr: cfg.Server.Advertise, Weight: cfg.Server.Weight}
		opts = append(opts, server.WithRegistry(reg, endpoint, cfg.Registry.TTL))
	}

	svr := server.NewServer(opts...)
	svr.Use(middleware.LoggingMiddleware(logger))
	svr.Use(middleware.MetricsMiddleware(inm, []metrics.Label{telemetry.Side("server")}))
	if cfg.Server.RateLimit > 0 {
		svr.Use(middleware.RateLimitMiddleware(cfg.Server.RateLimit, cfg.Server.RateBurst))
	}
	if cfg.Server.RequestTimeout > 0 {
		svr.Use(middleware.TimeOutMiddleware(cfg.Server.RequestTimeout, vdesk.StreamingKinds...))
	}
	vdesk.Register(svr, vdesk.NewMemory(logger, cfg.Server.Desktops...))

	if network == "stdio" {
		logger.Info("serving on stdio", "codec", cfg.Codec)
		return svr.ServeConn(ctx, protocol.Duplex(os.Stdin, os.Stdout))
	}

	if network == "unix" {
		if err := os.Remove(address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing stale socket: %w", err)
		}
	}

	served := make(chan error, 1)
	go func() {
		served <- svr.Serve(ctx, network, address)
	}()

	select {
	case err := <-served:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	if err := svr.Shutdown(cfg.Server.ShutdownTimeout); err != nil {
		return err
	}
	return <-served
}

// loadConfig reads the configuration file, if any, and applies the flags
// that were set on top of it.
func loadConfig(args []string) (*config.Config, error) {
	flags := pflag.NewFlagSet("vdeskd", pflag.ContinueOnError)
	path := flags.StringP("config", "c", "", "path to a YAML configuration file")
	listen := flags.StringP("listen", "l", "", `where to serve: "stdio", "tcp:host:port" or "unix:/path"`)
	codecName := flags.String("codec", "", "payload encoding: cbor or json")
	logLevel := flags.String("log-level", "", "debug, info, warn or error")
	desktops := flags.StringSlice("desktop", nil, "initial desktop names (repeatable)")
	etcd := flags.StringSlice("registry", nil, "etcd endpoints to advertise the host in")
	advertise := flags.String("advertise", "", "address to advertise instead of the listener's")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	cfg := config.Default()
	if *path != "" {
		var err error
		if cfg, err = config.LoadConfig(*path); err != nil {
			return nil, err
		}
	}

	if flags.Changed("listen") {
		cfg.Server.Listen = *listen
	}
	if flags.Changed("codec") {
		cfg.Codec = *codecName
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = *logLevel
	}
	if flags.Changed("desktop") {
		cfg.Server.Desktops = *desktops
	}
	if flags.Changed("registry") {
		cfg.Registry.Endpoints = *etcd
	}
	if flags.Changed("advertise") {
		cfg.Server.Advertise = *advertise
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
