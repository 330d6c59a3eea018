package localvm

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"testing"

	"github.com/lobbyboy-ssh/lobbyboy/internal/provider"
	"github.com/lobbyboy-ssh/lobbyboy/internal/registry"
	"github.com/stretchr/testify/require"
)

func listenLoopback(t *testing.T) (host string, port int, closeFn func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port, func() { ln.Close() }
}

func TestCreateServerWaitsForPort(t *testing.T) {
	host, port, closeFn := listenLoopback(t)
	defer closeFn()

	p, err := Factory("local", provider.Config{
		ServerNamePrefix: "demo",
		Extra: map[string]string{
			"host":           host,
			"port":           strconv.Itoa(port),
			"user":           "root",
			"workspace_root": t.TempDir(),
		},
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	meta, err := p.CreateServer(context.Background(), &buf)
	require.NoError(t, err)
	require.Equal(t, host, meta.ServerHost)
	require.Equal(t, port, meta.ServerPort)
	require.True(t, meta.Manage)
	require.NotEmpty(t, meta.Workspace)
}

func TestFactoryRequiresHost(t *testing.T) {
	_, err := Factory("local", provider.Config{})
	require.Error(t, err)
}

func TestDestroyServerIdempotent(t *testing.T) {
	host, port, closeFn := listenLoopback(t)
	defer closeFn()

	p, err := Factory("local", provider.Config{
		Extra: map[string]string{
			"host":           host,
			"port":           strconv.Itoa(port),
			"workspace_root": t.TempDir(),
		},
	})
	require.NoError(t, err)

	meta, err := p.CreateServer(context.Background(), nil)
	require.NoError(t, err)

	ok, err := p.DestroyServer(context.Background(), meta, nil)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = p.DestroyServer(context.Background(), meta, nil)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSSHServerCommand(t *testing.T) {
	p := &Provider{name: "local"}
	meta := registry.ServerMeta{
		Workspace:  "/ws",
		ServerPort: 22,
		ServerUser: "root",
		ServerHost: "10.0.0.5",
	}
	argv := p.SSHServerCommand(meta)
	require.Equal(t, []string{
		"ssh", "-i", "/ws/id_rsa", "-o", "StrictHostKeyChecking=no",
		"-p", "22", "-l", "root", "10.0.0.5",
	}, argv)
}
