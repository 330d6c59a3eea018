// Package orchestrator implements the per-connection session state machine:
// present the menu, resume or create a backend server, spawn a child ssh
// process bound to the client's PTY, proxy bytes until the child exits,
// then consult the reaper's destroy policy.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/lobbyboy-ssh/lobbyboy/internal/config"
	"github.com/lobbyboy-ssh/lobbyboy/internal/lberrors"
	"github.com/lobbyboy-ssh/lobbyboy/internal/lbutils"
	"github.com/lobbyboy-ssh/lobbyboy/internal/provider"
	"github.com/lobbyboy-ssh/lobbyboy/internal/prompt"
	"github.com/lobbyboy-ssh/lobbyboy/internal/reaper"
	"github.com/lobbyboy-ssh/lobbyboy/internal/registry"
	"github.com/lobbyboy-ssh/lobbyboy/internal/sessiontable"
	"github.com/lobbyboy-ssh/lobbyboy/internal/sshd"
	"github.com/lobbyboy-ssh/lobbyboy/internal/version"
)

const proxyBufSize = 10 * 1024 // 10 KiB per read, both directions

// proxyBuffers amortizes the per-direction copy buffers across sessions.
var proxyBuffers = lbutils.NewSliceSyncPool(proxyBufSize)

var (
	activeSessionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lobbyboy",
		Subsystem: "orchestrator",
		Name:      "active_sessions",
		Help:      "Number of sessions currently proxying.",
	})
	sessionsCreatedCount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lobbyboy",
		Subsystem: "orchestrator",
		Name:      "servers_created_total",
		Help:      "Number of backend servers created in response to a connection.",
	})
)

func init() {
	prometheus.MustRegister(activeSessionsGauge, sessionsCreatedCount)
}

// Deps are the collaborators a connection needs; one Orchestrator is built
// once at startup and its HandleConnection method is called per accepted
// connection.
type Deps struct {
	LoadConfig   func() (*config.Config, error)
	Registry     *registry.Registry
	Sessions     *sessiontable.Table
	ProviderRegy *provider.Registry
	Clock        clockwork.Clock
}

// Orchestrator drives one connection's state machine at a time via
// HandleConnection; it holds no per-connection state itself.
type Orchestrator struct {
	deps Deps
	log  *logrus.Entry
}

// New returns an Orchestrator. deps.Clock defaults to the real clock.
func New(deps Deps) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	return &Orchestrator{
		deps: deps,
		log:  logrus.WithField(trace.Component, "orchestrator"),
	}
}

type connTransport struct{ peerAddr string }

func (c connTransport) PeerAddr() string { return c.peerAddr }

// HandleConnection runs the full session state machine against an
// authenticated Session. It never returns an error to the caller: every
// exit path (success, cancellation, provider failure, panic) is converted
// into a logged message and a clean close, so the accept loop that calls
// this must not die.
func (o *Orchestrator) HandleConnection(ctx context.Context, sess *sshd.Session) {
	corrID := uuid.NewString()
	log := o.log.WithFields(logrus.Fields{
		"conn":   corrID,
		"remote": sess.ServerConn.RemoteAddr().String(),
	})

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("recovered panic in orchestrator: %v", r)
		}
		if err := sess.Close(); err != nil {
			log.WithError(err).Debug("closing session")
		}
	}()

	if err := sess.WaitShellReady(ctx); err != nil {
		log.WithError(err).Warn("no shell granted")
		return
	}

	fmt.Fprintf(sess.Channel, "%s\r\n", version.Banner())

	meta, created, err := o.resolveServer(ctx, sess, log)
	if err != nil {
		if lberrors.IsUserCancelled(err) {
			fmt.Fprint(sess.Channel, "Got EOF\r\n")
			log.Info("user cancelled menu/create")
			return
		}
		fmt.Fprintf(sess.Channel, "error: %v\r\n", err)
		log.WithError(err).Error("resolving server")
		return
	}

	transport := connTransport{peerAddr: sess.ServerConn.RemoteAddr().String()}
	o.deps.Sessions.Add(meta.ServerName, transport)
	activeSessionsGauge.Inc()
	defer func() {
		o.deps.Sessions.Remove(meta.ServerName, transport)
		activeSessionsGauge.Dec()
	}()

	if created {
		sessionsCreatedCount.Inc()
	}

	p, err := o.buildProvider(meta.ProviderName)
	if err != nil {
		fmt.Fprintf(sess.Channel, "error: %v\r\n", err)
		log.WithError(err).Error("resolving provider for spawn")
		return
	}

	if err := o.spawnAndProxy(ctx, sess, p, meta, log); err != nil {
		log.WithError(err).Warn("proxy session ended with error")
	}

	// Evict before the destroy decision so the predicate doesn't count this
	// session as still active. The deferred Remove above is then a no-op.
	o.deps.Sessions.Remove(meta.ServerName, transport)
	o.reapDecision(ctx, sess, p, meta, log)
}

// resolveServer presents the server menu and resumes an existing server or
// creates a new one. created reports whether a new server was provisioned
// during this call.
func (o *Orchestrator) resolveServer(ctx context.Context, sess *sshd.Session, log *logrus.Entry) (registry.ServerMeta, bool, error) {
	metas, err := o.deps.Registry.Load()
	if err != nil {
		return registry.ServerMeta{}, false, trace.Wrap(err)
	}

	if len(metas) == 0 {
		meta, err := o.createServer(ctx, sess, log)
		return meta, true, err
	}

	idx, err := prompt.ChooseOption(sess.Channel, menuOptions(metas, o.deps.Sessions), "Choose a server:", "> ")
	if err != nil {
		return registry.ServerMeta{}, false, trace.Wrap(err)
	}

	if idx == 0 {
		meta, err := o.createServer(ctx, sess, log)
		return meta, true, err
	}
	return metas[idx-1], false, nil
}

// menuOptions builds the server menu: "create new" first, then one row per
// registered server with its live session count.
func menuOptions(metas []registry.ServerMeta, sessions *sessiontable.Table) []string {
	options := make([]string, 0, len(metas)+1)
	options = append(options, "Create a new server...")
	for _, m := range metas {
		count := sessions.Count(m.ServerName)
		options = append(options, fmt.Sprintf("Enter %s %s %s (%d active sessions)", m.ProviderName, m.ServerName, m.ServerHost, count))
	}
	return options
}

func (o *Orchestrator) createServer(ctx context.Context, sess *sshd.Session, log *logrus.Entry) (registry.ServerMeta, error) {
	cfg, err := o.deps.LoadConfig()
	if err != nil {
		return registry.ServerMeta{}, trace.Wrap(err)
	}

	names := o.deps.ProviderRegy.Names()
	if len(names) == 0 {
		return registry.ServerMeta{}, lberrors.NoProvider("<none configured>")
	}

	providerName := names[0]
	if len(names) > 1 {
		idx, err := prompt.ChooseOption(sess.Channel, names, "Choose a provider:", "> ")
		if err != nil {
			return registry.ServerMeta{}, trace.Wrap(err)
		}
		providerName = names[idx]
	}

	providerCfg, ok := cfg.ProviderConfig(providerName)
	if !ok {
		return registry.ServerMeta{}, lberrors.NoProvider(providerName)
	}

	p, err := o.deps.ProviderRegy.Build(providerName, providerCfg)
	if err != nil {
		return registry.ServerMeta{}, trace.Wrap(err)
	}

	meta, err := p.CreateServer(ctx, sess.Channel)
	if err != nil {
		return registry.ServerMeta{}, trace.Wrap(err)
	}

	if err := o.deps.Registry.Update([]registry.ServerMeta{meta}, nil); err != nil {
		return registry.ServerMeta{}, trace.Wrap(err)
	}

	log.WithField("server", meta.ServerName).Info("created server")
	return meta, nil
}

func (o *Orchestrator) buildProvider(providerName string) (provider.Provider, error) {
	cfg, err := o.deps.LoadConfig()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	providerCfg, ok := cfg.ProviderConfig(providerName)
	if !ok {
		return nil, lberrors.NoProvider(providerName)
	}
	return o.deps.ProviderRegy.Build(providerName, providerCfg)
}

// spawnAndProxy handles the process-management half of a session:
// exec the child ssh in its own process group, publish its pid for
// window-change forwarding, and pump bytes full-duplex until it exits.
func (o *Orchestrator) spawnAndProxy(ctx context.Context, sess *sshd.Session, p provider.Provider, meta registry.ServerMeta, log *logrus.Entry) error {
	master := sess.PTYMaster()
	slave := sess.PTYSlave()
	if master == nil || slave == nil {
		return lberrors.NoTTY()
	}

	argv := p.SSHServerCommand(meta)
	if len(argv) == 0 {
		return lberrors.ProviderError("provider %v returned an empty ssh command", meta.ProviderName)
	}

	cmd := exec.CommandContext(context.Background(), argv[0], argv[1:]...) // not ctx: the orchestrator owns the child's lifetime explicitly
	cmd.Stdin = slave
	cmd.Stdout = slave
	cmd.Stderr = slave
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return lberrors.ProviderError("spawning child ssh: %v", err)
	}
	sess.SetChildPID(cmd.Process.Pid)
	log.WithField("pid", cmd.Process.Pid).WithField("argv", argv).Info("spawned child ssh")

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	proxyDone := make(chan struct{})
	go func() {
		defer close(proxyDone)
		buf := proxyBuffers.Get()
		defer proxyBuffers.Put(buf)
		io.CopyBuffer(sess.Channel, master, buf)
	}()
	go func() {
		buf := proxyBuffers.Get()
		defer proxyBuffers.Put(buf)
		io.CopyBuffer(master, sess.Channel, buf)
	}()

	select {
	case waitErr := <-done:
		if waitErr != nil {
			log.WithError(waitErr).Debug("child ssh exited with error")
		}
	case <-ctx.Done():
		syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
		<-done
	}

	// The Session still holds the slave open, so the master-side copy does
	// not see EOF when the child exits; give it a moment to flush trailing
	// output before the orchestrator tears the PTY down in CLOSE.
	select {
	case <-proxyDone:
	case <-time.After(200 * time.Millisecond):
	}

	return nil
}

// reapDecision consults the same predicate the background reaper uses,
// destroys synchronously if it says so, and tells the user either way.
func (o *Orchestrator) reapDecision(ctx context.Context, sess *sshd.Session, p provider.Provider, meta registry.ServerMeta, log *logrus.Entry) {
	now := o.deps.Clock.Now().Unix()
	decision := reaper.NeedDestroy(o.deps.Sessions, p.Config(), meta, now)

	if !decision.Destroy {
		fmt.Fprintf(sess.Channel, "Keeping %s: %s\r\n", meta.ServerName, decision.Reason)
		log.WithField("server", meta.ServerName).WithField("reason", decision.Reason).Info("keeping server after logout")
		return
	}

	fmt.Fprintf(sess.Channel, "Destroying %s: %s\r\n", meta.ServerName, decision.Reason)
	log.WithField("server", meta.ServerName).WithField("reason", decision.Reason).Info("destroying server after logout")
	if _, err := p.DestroyServer(ctx, meta, sess.Channel); err != nil {
		log.WithError(err).WithField("server", meta.ServerName).Error("destroying server")
		return
	}
	if err := o.deps.Registry.Update(nil, []string{meta.ServerName}); err != nil {
		log.WithError(err).WithField("server", meta.ServerName).Error("removing destroyed server from registry")
	}
}
