// Package config loads the YAML configuration shared by vdeskd and vdeskctl.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"vdesk-rpc/codec"
	"vdesk-rpc/loadbalance"
	"vdesk-rpc/protocol"
	"vdesk-rpc/server"
	"vdesk-rpc/transport"
)

// Config is the top-level configuration. Both peers of a stream must agree
// on Codec.
type Config struct {
	// Codec is the payload encoding: "cbor" (default) or "json".
	Codec string `yaml:"codec"`

	// QueueSize bounds the outgoing queue of each engine.
	QueueSize int `yaml:"queue_size"`

	Log      LogConfig      `yaml:"log"`
	Server   ServerConfig   `yaml:"server"`
	Client   ClientConfig   `yaml:"client"`
	Registry RegistryConfig `yaml:"registry"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string `yaml:"level"`

	// Format is "text" (default) or "json".
	Format string `yaml:"format"`
}

type ServerConfig struct {
	// Listen is where the host serves: "stdio" (default), "tcp:host:port"
	// or "unix:/path/to.sock".
	Listen string `yaml:"listen"`

	MaxRequestSize uint32 `yaml:"max_request_size"`
	// MaxResponseSize must not exceed client.max_message_size: a response the
	// client discards as too large cannot be matched to its call, which then
	// waits for its deadline.
	MaxResponseSize uint32 `yaml:"max_response_size"`

	// RequestTimeout bounds every non-streaming request. Zero disables it.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// RateLimit is requests per second across the host, RateBurst its bucket.
	// Zero disables rate limiting.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// DrainTimeout bounds how long a connection whose input ended keeps
	// running its handlers so their answers still go out.
	DrainTimeout time.Duration `yaml:"drain_timeout"`

	// Desktops are the initial desktops of the in-memory service.
	Desktops []string `yaml:"desktops"`

	// Advertise is the address registered for socket hosts; empty uses the
	// listener's address.
	Advertise string `yaml:"advertise"`
	Weight    int    `yaml:"weight"`
}

type ClientConfig struct {
	// Host is how vdeskctl reaches a host: "spawn:/path/to/vdeskd",
	// "tcp:host:port", "unix:/path" or "registry".
	Host string `yaml:"host"`

	MaxMessageSize uint32        `yaml:"max_message_size"`
	KeepAlive      time.Duration `yaml:"keepalive"`
	CallTimeout    time.Duration `yaml:"call_timeout"`

	// Balancer picks among registry hosts: round_robin, weighted_random or
	// consistent_hash (keyed by SessionKey).
	Balancer   string `yaml:"balancer"`
	SessionKey string `yaml:"session_key"`
}

type RegistryConfig struct {
	// Endpoints of the etcd cluster. Empty disables the registry.
	Endpoints []string `yaml:"endpoints"`
	TTL       int64    `yaml:"ttl"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// LoadConfig loads a configuration from a YAML file and applies defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document. Unknown fields are rejected.
func Parse(data []byte) (*Config, error) {
	var config Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Codec == "" {
		c.Codec = "cbor"
	}
	if c.QueueSize == 0 {
		c.QueueSize = server.DefaultQueueSize
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Server.Listen == "" {
		c.Server.Listen = "stdio"
	}
	if c.Server.MaxRequestSize == 0 {
		c.Server.MaxRequestSize = protocol.DefaultMaxFrameSize
	}
	if c.Server.MaxResponseSize == 0 {
		c.Server.MaxResponseSize = protocol.DefaultMaxFrameSize
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 5 * time.Second
	}
	if c.Server.DrainTimeout == 0 {
		c.Server.DrainTimeout = server.DefaultDrainTimeout
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst == 0 {
		c.Server.RateBurst = int(c.Server.RateLimit) + 1
	}
	if len(c.Server.Desktops) == 0 {
		c.Server.Desktops = []string{"Desktop 1"}
	}
	if c.Server.Weight == 0 {
		c.Server.Weight = 10
	}
	if c.Client.Host == "" {
		c.Client.Host = "spawn:vdeskd"
	}
	if c.Client.MaxMessageSize == 0 {
		c.Client.MaxMessageSize = protocol.DefaultMaxFrameSize
	}
	if c.Client.CallTimeout == 0 {
		c.Client.CallTimeout = 10 * time.Second
	}
	if c.Client.Balancer == "" {
		c.Client.Balancer = "round_robin"
	}
	if c.Registry.TTL == 0 {
		c.Registry.TTL = 10
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	if _, err := codec.Lookup(c.Codec); err != nil {
		errs = append(errs, err)
	}
	if c.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("queue_size must not be negative"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if _, _, err := ParseAddress(c.Server.Listen); err != nil {
		errs = append(errs, fmt.Errorf("server.listen: %w", err))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("server.rate_limit must not be negative"))
	}
	if c.Server.MaxResponseSize > c.Client.MaxMessageSize {
		errs = append(errs, fmt.Errorf("server.max_response_size (%d) exceeds client.max_message_size (%d)",
			c.Server.MaxResponseSize, c.Client.MaxMessageSize))
	}
	if _, err := loadbalance.New(c.Client.Balancer); err != nil {
		errs = append(errs, fmt.Errorf("client.balancer: %w", err))
	}
	if c.Client.Host != "registry" {
		if _, _, err := ParseAddress(c.Client.Host); err != nil {
			errs = append(errs, fmt.Errorf("client.host: %w", err))
		}
	} else if len(c.Registry.Endpoints) == 0 {
		errs = append(errs, fmt.Errorf("client.host is registry but registry.endpoints is empty"))
	}
	return errors.Join(errs...)
}

// ParseAddress splits "network:address". "stdio" stands alone; "spawn"
// takes a command path.
func ParseAddress(s string) (network, address string, err error) {
	if s == "stdio" {
		return "stdio", "", nil
	}
	network, address, ok := strings.Cut(s, ":")
	if !ok || address == "" {
		return "", "", fmt.Errorf("address %q is not network:address", s)
	}
	switch network {
	case "tcp", "tcp4", "tcp6", "unix", "spawn":
		return network, address, nil
	default:
		return "", "", fmt.Errorf("unsupported network %q", network)
	}
}

// Logger builds the slog logger described by Log, writing to w.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// ServerOptions translates the configuration into server options.
func (c *Config) ServerOptions(logger *slog.Logger) []server.Option {
	cdc, _ := codec.Lookup(c.Codec)
	return []server.Option{
		server.WithCodec(cdc),
		server.WithQueueSize(c.QueueSize),
		server.WithMaxRequestSize(c.Server.MaxRequestSize),
		server.WithMaxResponseSize(c.Server.MaxResponseSize),
		server.WithDrainTimeout(c.Server.DrainTimeout),
		server.WithLogger(logger),
	}
}

// TransportOptions translates the configuration into client transport options.
func (c *Config) TransportOptions(logger *slog.Logger) []transport.Option {
	cdc, _ := codec.Lookup(c.Codec)
	return []transport.Option{
		transport.WithCodec(cdc),
		transport.WithQueueSize(c.QueueSize),
		transport.WithMaxMessageSize(c.Client.MaxMessageSize),
		transport.WithKeepAlive(c.Client.KeepAlive),
		transport.WithLogger(logger),
	}
}
