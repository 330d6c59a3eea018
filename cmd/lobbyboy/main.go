// Command lobbyboy runs the SSH gateway: it loads the configuration,
// prepares the host key, starts the reaper, and hands every accepted TCP
// connection to its own orchestrator goroutine.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/lobbyboy-ssh/lobbyboy/internal/config"
	"github.com/lobbyboy-ssh/lobbyboy/internal/keys"
	"github.com/lobbyboy-ssh/lobbyboy/internal/lbutils"
	"github.com/lobbyboy-ssh/lobbyboy/internal/orchestrator"
	"github.com/lobbyboy-ssh/lobbyboy/internal/provider"
	"github.com/lobbyboy-ssh/lobbyboy/internal/provider/localvm"
	"github.com/lobbyboy-ssh/lobbyboy/internal/reaper"
	"github.com/lobbyboy-ssh/lobbyboy/internal/registry"
	"github.com/lobbyboy-ssh/lobbyboy/internal/sessiontable"
	"github.com/lobbyboy-ssh/lobbyboy/internal/sshd"
	"github.com/lobbyboy-ssh/lobbyboy/internal/version"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	app := lbutils.InitCLIParser("lobbyboy", "An SSH gateway that provisions backend servers on demand.")
	app.Version(version.Version)
	configPath := app.Flag("config", "Path to the TOML configuration file.").Short('c').Required().String()
	debug := app.Flag("debug", "Enable verbose logging.").Short('d').Bool()

	if _, err := app.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, lbutils.FormatErrorWithNewline(err))
		return 1
	}

	level := logrus.InfoLevel
	if *debug {
		level = logrus.DebugLevel
	}
	lbutils.InitLogger(lbutils.LoggingForDaemon, level)
	log := logrus.WithField(trace.Component, "main")

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprint(os.Stderr, lbutils.FormatErrorWithNewline(err))
		return 1
	}

	hostSigner, err := keys.LoadOrGenerateHostKey(filepath.Join(cfg.DataDir, ".ssh"))
	if err != nil {
		log.WithError(err).Error("preparing host key")
		return 1
	}

	reg := registry.New(filepath.Join(cfg.DataDir, cfg.ServersFile))
	sessions := sessiontable.New()

	providers := provider.NewRegistry()
	providers.Register("localvm", localvm.Factory)

	loadConfig := func() (*config.Config, error) {
		return config.Load(*configPath)
	}

	srv, err := sshd.NewServer(sshd.Config{
		Addr:        cfg.ListenAddress,
		HostSigners: []ssh.Signer{hostSigner},
		LoadConfig:  loadConfig,
	})
	if err != nil {
		log.WithError(err).Error("configuring ssh front-end")
		return 1
	}
	if err := srv.Listen(); err != nil {
		log.WithError(err).Errorf("listening on %v", cfg.ListenAddress)
		return 1
	}
	defer srv.Close()
	log.Infof("LobbyBoy %v listening on %v.", version.Version, srv.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	resolveProvider := func(name string) (provider.Provider, provider.Config, error) {
		c, err := loadConfig()
		if err != nil {
			return nil, provider.Config{}, trace.Wrap(err)
		}
		pc, ok := c.ProviderConfig(name)
		if !ok {
			return nil, provider.Config{}, trace.NotFound("provider %q is not configured", name)
		}
		p, err := providers.Build(name, pc)
		if err != nil {
			return nil, provider.Config{}, trace.Wrap(err)
		}
		return p, pc, nil
	}

	rp := reaper.New(reg, sessions, resolveProvider, cfg.MinDestroyIntervalDuration())
	go rp.Run(ctx)

	orch := orchestrator.New(orchestrator.Deps{
		LoadConfig:   loadConfig,
		Registry:     reg,
		Sessions:     sessions,
		ProviderRegy: providers,
	})

	// Unblock the accept loop on shutdown.
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	for {
		conn, err := srv.AcceptTCP()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				log.Info("shutting down")
				return 0
			}
			log.WithError(err).Warn("accepting connection")
			continue
		}

		go func(conn net.Conn) {
			sess, err := srv.Handshake(ctx, conn)
			if err != nil {
				log.WithError(err).Debug("connection did not reach a session channel")
				conn.Close()
				return
			}
			orch.HandleConnection(ctx, sess)
		}(conn)
	}
}
