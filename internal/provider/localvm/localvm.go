// Package localvm is LobbyBoy's reference Provider adapter. It does not
// provision anything: it treats a pre-existing local SSH listener
// (typically the operator's own machine, or a VM started by hand) as the
// "backend", polling until it accepts TCP connections. It exists so the
// registry, orchestrator, and reaper are exercisable end to end without a
// cloud account.
package localvm

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gravitational/trace"

	"github.com/lobbyboy-ssh/lobbyboy/internal/lberrors"
	"github.com/lobbyboy-ssh/lobbyboy/internal/provider"
	"github.com/lobbyboy-ssh/lobbyboy/internal/registry"
)

const (
	pollInterval = 500 * time.Millisecond
	maxPolls     = 20
)

// Provider is the localvm adapter. It requires cfg.Extra to carry "host";
// "port" (default 22), "user" (default "root"), and "workspace_root"
// (default os.TempDir()) are optional, and "private_key" names the private
// key path passed to the child ssh command (default <workspace>/id_rsa).
type Provider struct {
	name string
	cfg  provider.Config
}

// Factory builds a localvm Provider, registrable against
// provider.Registry.Register.
func Factory(name string, cfg provider.Config) (provider.Provider, error) {
	if cfg.Extra["host"] == "" {
		return nil, lberrors.InvalidConfig("localvm provider %q: Extra[\"host\"] is required", name)
	}
	return &Provider{name: name, cfg: cfg}, nil
}

func (p *Provider) Name() string            { return p.name }
func (p *Provider) Config() provider.Config { return p.cfg }

func (p *Provider) port() int {
	if s := p.cfg.Extra["port"]; s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return 22
}

func (p *Provider) user() string {
	if u := p.cfg.Extra["user"]; u != "" {
		return u
	}
	return "root"
}

func (p *Provider) workspaceRoot() string {
	if r := p.cfg.Extra["workspace_root"]; r != "" {
		return r
	}
	return os.TempDir()
}

// CreateServer "provisions" a server by polling the configured host:port
// until it accepts a TCP connection, then records a ServerMeta.
func (p *Provider) CreateServer(ctx context.Context, ch io.ReadWriter) (registry.ServerMeta, error) {
	host := p.cfg.Extra["host"]
	port := p.port()

	prefix := p.cfg.ServerNamePrefix
	if prefix == "" {
		prefix = p.name
	}

	name, err := provider.GenerateDefaultServerName(prefix, time.Now(), func(string) bool { return false })
	if err != nil {
		return registry.ServerMeta{}, trace.Wrap(err)
	}

	workspace := filepath.Join(p.workspaceRoot(), p.name, name)
	if err := os.MkdirAll(workspace, 0o700); err != nil {
		return registry.ServerMeta{}, lberrors.ProviderError("creating workspace %v: %v", workspace, err)
	}

	if ch != nil {
		fmt.Fprintf(ch, "waiting for %s:%d to accept connections", host, port)
	}
	err = provider.PollAction(ctx, ch, pollInterval, maxPolls, func(ctx context.Context) (bool, error) {
		d := net.Dialer{Timeout: pollInterval}
		conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			return false, nil
		}
		conn.Close()
		return true, nil
	})
	if ch != nil {
		fmt.Fprintln(ch)
	}
	if err != nil {
		return registry.ServerMeta{}, lberrors.ProviderError("localvm %v never became reachable: %v", name, err)
	}

	meta := registry.ServerMeta{
		ProviderName:     p.name,
		ServerName:       name,
		Workspace:        workspace,
		ServerHost:       host,
		ServerUser:       p.user(),
		ServerPort:       port,
		CreatedTimestamp: time.Now().Unix(),
		Manage:           true,
	}

	if err := provider.SaveRawState(workspace, meta); err != nil {
		return registry.ServerMeta{}, trace.Wrap(err)
	}

	return meta, nil
}

// DestroyServer is a no-op on the backend (localvm never provisioned
// anything to tear down) but removes the server's workspace directory, and
// is idempotent: destroying an already-removed workspace returns false
// with no error.
func (p *Provider) DestroyServer(ctx context.Context, meta registry.ServerMeta, ch io.Writer) (bool, error) {
	if _, err := os.Stat(meta.Workspace); os.IsNotExist(err) {
		return false, nil
	}
	if err := os.RemoveAll(meta.Workspace); err != nil {
		return false, lberrors.ProviderError("removing workspace %v: %v", meta.Workspace, err)
	}
	if ch != nil {
		fmt.Fprintf(ch, "destroyed local workspace for %s\n", meta.ServerName)
	}
	return true, nil
}

// SSHServerCommand builds the child ssh argv.
func (p *Provider) SSHServerCommand(meta registry.ServerMeta) []string {
	keyPath := p.cfg.Extra["private_key"]
	if keyPath == "" {
		keyPath = filepath.Join(meta.Workspace, "id_rsa")
	}

	argv := []string{
		"ssh",
		"-i", keyPath,
		"-o", "StrictHostKeyChecking=no",
		"-p", strconv.Itoa(meta.ServerPort),
		"-l", meta.ServerUser,
	}
	argv = append(argv, meta.SSHExtraArgs...)
	argv = append(argv, meta.ServerHost)
	return argv
}
