// Package provider defines the capability set the lobby consumes from a
// backend-VM adapter, a name-keyed factory registry for wiring
// configured provider names to implementations at startup, and a handful
// of helpers (default-name generation, polling-with-progress, a raw JSON
// state sidecar) that any concrete adapter can reuse.
//
// The lobby never inspects a ServerMeta's Workspace contents or any
// provider-specific extension fields; providers are opaque collaborators.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gravitational/trace"

	"github.com/lobbyboy-ssh/lobbyboy/internal/lberrors"
	"github.com/lobbyboy-ssh/lobbyboy/internal/registry"
)

// Config is the per-provider configuration a Factory is built with. Callers
// rebuild it from the configuration file each time they resolve a provider.
type Config struct {
	Enable           bool
	MinLifeToLive    string
	BillTimeUnit     string
	DestroySafeTime  string
	ServerNamePrefix string
	APIToken         string
	ExtraSSHKeys     []string
	// Extra carries provider-specific extension fields THE CORE never
	// interprets; concrete adapters define their own keys.
	Extra map[string]string
}

// Provider is the capability set the lobby depends on. The lobby treats
// every implementation as opaque.
type Provider interface {
	Name() string
	Config() Config

	// CreateServer may block, may write prompts/progress to ch, and fails
	// with an lberrors.ErrProvider-classified error on any backend problem,
	// or lberrors.ErrUserCancelled if the user aborts input read from ch.
	CreateServer(ctx context.Context, ch io.ReadWriter) (registry.ServerMeta, error)

	// DestroyServer is idempotent where the backend allows it. ch may be
	// nil when invoked by the reaper (no interactive session exists).
	DestroyServer(ctx context.Context, meta registry.ServerMeta, ch io.Writer) (bool, error)

	// SSHServerCommand returns the argv the lobby execs to proxy toward meta.
	SSHServerCommand(meta registry.ServerMeta) []string
}

// Factory constructs a Provider for a configured name and Config.
type Factory func(name string, cfg Config) (Provider, error)

// Registry is a thread-safe name -> Factory map; the configuration
// selects providers by name at startup.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
}

// NewRegistry returns an empty provider factory registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name, overwriting any previous registration.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Build instantiates the provider registered under name with cfg. Fails
// with lberrors.ErrNoProvider if nothing is registered under that name.
func (r *Registry) Build(name string, cfg Config) (Provider, error) {
	r.mu.Lock()
	f, ok := r.factories[name]
	r.mu.Unlock()
	if !ok {
		return nil, lberrors.NoProvider(name)
	}
	p, err := f(name, cfg)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return p, nil
}

// Names returns the registered provider names, for presenting a
// provider-choice menu when more than one is configured.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	return names
}

// GenerateDefaultServerName builds "<prefix>-<unix-timestamp>" and, on
// collision (exists returns true), appends "a".."z" before giving up.
func GenerateDefaultServerName(prefix string, now time.Time, exists func(name string) bool) (string, error) {
	base := fmt.Sprintf("%s-%d", prefix, now.Unix())
	if !exists(base) {
		return base, nil
	}
	for c := 'a'; c <= 'z'; c++ {
		candidate := fmt.Sprintf("%s%c", base, c)
		if !exists(candidate) {
			return candidate, nil
		}
	}
	return "", lberrors.NoAvailableName(prefix)
}

// PollAction polls check on interval, writing one "." to progress for every
// unsuccessful attempt, until check reports ready, an error, or maxChecks
// attempts are exhausted. Used by localvm while waiting for a backend to
// come up; available to any other adapter with a slow create path.
func PollAction(ctx context.Context, progress io.Writer, interval time.Duration, maxChecks int, check func(context.Context) (bool, error)) error {
	for i := 0; i < maxChecks; i++ {
		ready, err := check(ctx)
		if err != nil {
			return trace.Wrap(err)
		}
		if ready {
			return nil
		}
		if progress != nil {
			io.WriteString(progress, ".")
		}
		select {
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		case <-time.After(interval):
		}
	}
	return lberrors.ProviderError("timed out after %d checks waiting for server to become ready", maxChecks)
}

// rawStateFile is the sidecar filename under a server's workspace.
const rawStateFile = "server.json"

// SaveRawState writes v as JSON to workspace/server.json. The lobby never
// reads this file; it exists purely for a provider's own bookkeeping.
func SaveRawState(workspace string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return trace.Wrap(err)
	}
	if err := os.MkdirAll(workspace, 0o700); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(os.WriteFile(filepath.Join(workspace, rawStateFile), data, 0o600))
}

// LoadRawState reads workspace/server.json into v. Returns a NotFound-
// classified trace error if absent.
func LoadRawState(workspace string, v interface{}) error {
	data, err := os.ReadFile(filepath.Join(workspace, rawStateFile))
	if err != nil {
		if os.IsNotExist(err) {
			return trace.NotFound("no raw state at %v", workspace)
		}
		return trace.Wrap(err)
	}
	return trace.Wrap(json.Unmarshal(data, v))
}
