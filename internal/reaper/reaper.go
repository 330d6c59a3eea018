// Package reaper implements LobbyBoy's idle-VM destruction policy: a
// background loop that periodically decides, for every registered server,
// whether it may be destroyed, aligning destruction with the provider's
// billing cadence rather than a fixed idle timeout.
package reaper

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/lobbyboy-ssh/lobbyboy/internal/duration"
	"github.com/lobbyboy-ssh/lobbyboy/internal/provider"
	"github.com/lobbyboy-ssh/lobbyboy/internal/registry"
)

var destroyedCount = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "lobbyboy",
	Subsystem: "reaper",
	Name:      "destroyed_servers_total",
	Help:      "Number of backend servers destroyed by the reaper.",
})

func init() {
	prometheus.MustRegister(destroyedCount)
}

// Decision is the outcome of NeedDestroy: whether to destroy, and a
// human-readable explanation carrying the remaining time where relevant.
type Decision struct {
	Destroy bool
	Reason  string
}

// SessionCounter is the subset of *sessiontable.Table the reaper needs.
type SessionCounter interface {
	Count(serverName string) int
}

// NeedDestroy implements the destroy policy against a single
// ServerMeta. now is seconds since epoch, so callers can drive it with a
// clockwork.Clock in tests.
func NeedDestroy(sessions SessionCounter, providerCfg provider.Config, meta registry.ServerMeta, now int64) Decision {
	if n := sessions.Count(meta.ServerName); n > 0 {
		return Decision{Destroy: false, Reason: "still have active sessions"}
	}
	if !meta.Manage {
		return Decision{Destroy: false, Reason: "not managed"}
	}

	liveSec := meta.LiveSec(now)

	m, err := duration.ToSeconds(orDefault(providerCfg.MinLifeToLive, "0"))
	if err != nil {
		return Decision{Destroy: false, Reason: "invalid min_life_to_live, keeping server: " + err.Error()}
	}
	if m <= 0 {
		return Decision{Destroy: true, Reason: "min_life_to_live <= 0"}
	}
	if liveSec < m {
		return Decision{Destroy: false, Reason: "min life not reached, " + duration.Humanize(m-liveSec) + " remaining"}
	}

	b, err := duration.ToSeconds(orDefault(providerCfg.BillTimeUnit, "1h"))
	if err != nil {
		return Decision{Destroy: false, Reason: "invalid bill_time_unit, keeping server: " + err.Error()}
	}
	s, err := duration.ToSeconds(orDefault(providerCfg.DestroySafeTime, "0"))
	if err != nil {
		s = 0
	}

	r := liveSec % b
	remaining := b - r - s
	if remaining > 0 {
		return Decision{Destroy: false, Reason: duration.Humanize(remaining) + " remaining in billing cycle"}
	}
	return Decision{Destroy: true, Reason: "entering next billing cycle"}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// ProviderResolver fetches the live Provider and its Config for a server's
// provider_name, so the reaper never caches a provider instance past a
// config reload.
type ProviderResolver func(providerName string) (provider.Provider, provider.Config, error)

// Reaper is the single long-lived background task started once at boot.
// It is safe to call Run exactly once.
type Reaper struct {
	Registry    *registry.Registry
	Sessions    SessionCounter
	Providers   ProviderResolver
	Interval    time.Duration
	Clock       clockwork.Clock
	log         *logrus.Entry
}

// New returns a configured Reaper. Clock defaults to the real clock.
func New(reg *registry.Registry, sessions SessionCounter, providers ProviderResolver, interval time.Duration) *Reaper {
	return &Reaper{
		Registry:  reg,
		Sessions:  sessions,
		Providers: providers,
		Interval:  interval,
		Clock:     clockwork.NewRealClock(),
		log:       logrus.WithField(trace.Component, "reaper"),
	}
}

// Run loops until ctx is cancelled: sleep Interval, load the registry,
// evaluate NeedDestroy for every entry, and destroy+remove those that
// qualify. Per-server errors are logged and do not stop the loop.
func (r *Reaper) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.Clock.After(r.Interval):
		}
		r.sweepOnce(ctx)
	}
}

func (r *Reaper) sweepOnce(ctx context.Context) {
	metas, err := r.Registry.Load()
	if err != nil {
		r.log.WithError(err).Error("loading registry")
		return
	}

	now := r.Clock.Now().Unix()

	for _, meta := range metas {
		p, cfg, err := r.Providers(meta.ProviderName)
		if err != nil {
			r.log.WithError(err).WithField("server", meta.ServerName).Error("resolving provider")
			continue
		}

		decision := NeedDestroy(r.Sessions, cfg, meta, now)
		if !decision.Destroy {
			r.log.WithFields(logrus.Fields{"server": meta.ServerName, "reason": decision.Reason}).Debug("keeping server")
			continue
		}

		r.log.WithFields(logrus.Fields{"server": meta.ServerName, "reason": decision.Reason}).Info("destroying server")
		if _, err := p.DestroyServer(ctx, meta, nil); err != nil {
			r.log.WithError(err).WithField("server", meta.ServerName).Error("destroying server")
			continue
		}
		if err := r.Registry.Update(nil, []string{meta.ServerName}); err != nil {
			r.log.WithError(err).WithField("server", meta.ServerName).Error("removing destroyed server from registry")
			continue
		}
		destroyedCount.Inc()
	}
}
