package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"vdesk-rpc/registry"
	"vdesk-rpc/server"
	"vdesk-rpc/vdesk"
)

func startHost(t *testing.T) string {
	t.Helper()
	svr := server.NewServer()
	vdesk.Register(svr, vdesk.NewMemory(nil, "Work", "Play"))

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- svr.ServeListener(context.Background(), listener) }()
	t.Cleanup(func() {
		require.NoError(t, svr.Shutdown(3*time.Second))
		<-served
	})
	return "tcp:" + listener.Addr().String()
}

func TestDesktopsCommands(t *testing.T) {
	host := startHost(t)

	var out bytes.Buffer
	require.NoError(t, run([]string{"--host", host, "desktops", "list"}, &out))
	var desktops []vdesk.Desktop
	require.NoError(t, json.Unmarshal(out.Bytes(), &desktops))
	require.Len(t, desktops, 2)

	out.Reset()
	require.NoError(t, run([]string{"--host", host, "desktops", "switch", desktops[1].ID}, &out))
	require.JSONEq(t, `{"ok":true}`, out.String())

	out.Reset()
	require.NoError(t, run([]string{"--host", host, "desktops", "current"}, &out))
	var current vdesk.Desktop
	require.NoError(t, json.Unmarshal(out.Bytes(), &current))
	require.Equal(t, "Play", current.Name)
}

func TestRemoteErrorIsReturned(t *testing.T) {
	host := startHost(t)
	err := run([]string{"--host", host, "windows", "move", "0x10", "nowhere"}, &bytes.Buffer{})
	require.ErrorContains(t, err, "not found")
}

func TestUsage(t *testing.T) {
	require.ErrorIs(t, run([]string{"--host", "tcp:127.0.0.1:1", "desktops"}, &bytes.Buffer{}), errUsage)
	require.Error(t, run([]string{"--host", "pigeon:coop", "desktops", "list"}, &bytes.Buffer{}))
}

func TestHosts(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, server.ServiceName, registry.Endpoint{Network: "tcp", Addr: "10.0.0.1:7000", Weight: 1}, 10))

	var out bytes.Buffer
	require.NoError(t, hosts(ctx, reg, "list", json.NewEncoder(&out)))
	var endpoints []registry.Endpoint
	require.NoError(t, json.Unmarshal(out.Bytes(), &endpoints))
	require.Equal(t, []registry.Endpoint{{Network: "tcp", Addr: "10.0.0.1:7000", Weight: 1}}, endpoints)

	require.ErrorIs(t, hosts(ctx, reg, "ping", json.NewEncoder(&out)), errUsage)
}

func TestHostsWatch(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- hosts(ctx, reg, "watch", json.NewEncoder(pw))
		pw.Close()
	}()

	dec := json.NewDecoder(pr)
	var endpoints []registry.Endpoint
	require.NoError(t, dec.Decode(&endpoints))
	require.Empty(t, endpoints)

	require.NoError(t, reg.Register(ctx, server.ServiceName, registry.Endpoint{Network: "unix", Addr: "/run/vdesk.sock"}, 10))
	require.NoError(t, dec.Decode(&endpoints))
	require.Len(t, endpoints, 1)
	require.Equal(t, "/run/vdesk.sock", endpoints[0].Addr)

	cancel()
	go io.Copy(io.Discard, pr)
	require.NoError(t, <-done)
}
