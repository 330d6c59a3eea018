// Package sshd is LobbyBoy's SSH front-end: it accepts TCP
// connections, negotiates the SSH transport, authenticates against the
// freshly-reloaded configuration, accepts exactly one "session" channel,
// and handles pty-req/shell/window-change on it. Everything else (menu,
// proxying, destroy decisions) belongs to the orchestrator, which consumes
// the Session this package hands back.
package sshd

import (
	"context"
	"crypto/subtle"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/lobbyboy-ssh/lobbyboy/internal/config"
	"github.com/lobbyboy-ssh/lobbyboy/internal/keys"
	"github.com/lobbyboy-ssh/lobbyboy/internal/lberrors"
)

var (
	failedLoginCount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lobbyboy",
		Subsystem: "sshd",
		Name:      "failed_logins_total",
		Help:      "Number of failed SSH authentication attempts.",
	})
	acceptedConnCount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lobbyboy",
		Subsystem: "sshd",
		Name:      "accepted_connections_total",
		Help:      "Number of SSH connections that completed authentication.",
	})
)

func init() {
	prometheus.MustRegister(failedLoginCount, acceptedConnCount)
}

// Config configures the front-end.
type Config struct {
	Addr string
	// HostSigners are offered during every handshake.
	HostSigners []ssh.Signer
	// LoadConfig is called fresh on every authentication attempt so
	// operators can rotate users/keys without a restart.
	LoadConfig func() (*config.Config, error)
	// ChannelTimeout bounds how long Handshake waits for the client to open a
	// session channel after the handshake completes. Default 20s.
	ChannelTimeout time.Duration
	// ShellTimeout bounds how long a shell-req waits for a prior pty-req to
	// complete. Default 10s.
	ShellTimeout time.Duration
}

func (c *Config) checkAndSetDefaults() error {
	if c.Addr == "" {
		return trace.BadParameter("Addr is required")
	}
	if len(c.HostSigners) == 0 {
		return trace.BadParameter("at least one host signer is required")
	}
	if c.LoadConfig == nil {
		return trace.BadParameter("LoadConfig is required")
	}
	if c.ChannelTimeout == 0 {
		c.ChannelTimeout = 20 * time.Second
	}
	if c.ShellTimeout == 0 {
		c.ShellTimeout = 10 * time.Second
	}
	return nil
}

// Server is the SSH front-end listener.
type Server struct {
	cfg      Config
	listener net.Listener
	log      *logrus.Entry
}

// NewServer validates cfg and returns an unstarted Server.
func NewServer(cfg Config) (*Server, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Server{
		cfg: cfg,
		log: logrus.WithField(trace.Component, "sshd"),
	}, nil
}

// Listen binds the configured address.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return trace.Wrap(err, "binding %v", s.cfg.Addr)
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address (useful when Config.Addr used port 0).
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// AcceptTCP blocks for the next raw TCP connection. Splitting this from the
// rest of the handshake lets the entrypoint (J) run one accept loop that
// hands each connection to its own orchestrator goroutine.
func (s *Server) AcceptTCP() (net.Conn, error) {
	conn, err := s.listener.Accept()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return conn, nil
}

// Handshake runs the SSH server transport and authentication over conn and,
// on success, waits up to ChannelTimeout for the client to open exactly one
// "session" channel. Other channel types are rejected but do not fail the
// connection outright, matching "channel types accepted: session only"
// without tearing down a client that opens channels in an unexpected order.
func (s *Server) Handshake(ctx context.Context, conn net.Conn) (*Session, error) {
	serverConf := s.buildServerConfig()

	sconn, chans, reqs, err := ssh.NewServerConn(conn, serverConf)
	if err != nil {
		failedLoginCount.Inc()
		return nil, trace.Wrap(err, "ssh handshake")
	}
	go ssh.DiscardRequests(reqs)

	acceptedConnCount.Inc()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ChannelTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			sconn.Close()
			return nil, trace.ConnectionProblem(ctx.Err(), "timed out waiting for session channel")
		case nch, ok := <-chans:
			if !ok {
				sconn.Close()
				return nil, trace.ConnectionProblem(nil, "connection closed before a session channel was opened")
			}
			if nch.ChannelType() != "session" {
				nch.Reject(ssh.UnknownChannelType, "only session channels are accepted")
				continue
			}
			channel, requests, err := nch.Accept()
			if err != nil {
				sconn.Close()
				return nil, trace.Wrap(err, "accepting session channel")
			}
			return newSession(sconn, channel, requests, s.cfg.ShellTimeout, s.log), nil
		}
	}
}

// buildServerConfig wires the auth callbacks. The method list advertised in
// partial-failure responses follows from which callbacks are non-nil:
// password, publickey, and gssapi-with-mic. There is no user-auth-level hook
// for "gssapi-keyex" (it is negotiated during key exchange, which the SSH
// library does not expose), and "gssapi-with-mic" fails closed: without a
// real GSSAPI mechanism behind it, the method must never grant access.
func (s *Server) buildServerConfig() *ssh.ServerConfig {
	sc := &ssh.ServerConfig{
		PasswordCallback:  s.passwordCallback,
		PublicKeyCallback: s.publicKeyCallback,
		GSSAPIWithMICConfig: &ssh.GSSAPIWithMICConfig{
			Server: rejectingGSSAPIServer{},
			AllowLogin: func(conn ssh.ConnMetadata, srcName string) (*ssh.Permissions, error) {
				failedLoginCount.Inc()
				return nil, trace.AccessDenied("gssapi authentication is not available")
			},
		},
	}
	for _, signer := range s.cfg.HostSigners {
		sc.AddHostKey(signer)
	}
	return sc
}

// rejectingGSSAPIServer satisfies ssh.GSSAPIServer with no mechanism behind
// it: every token exchange fails, so the method is advertised on the wire
// but can never complete.
type rejectingGSSAPIServer struct{}

func (rejectingGSSAPIServer) AcceptSecContext(token []byte) (outputToken []byte, srcName string, needContinue bool, err error) {
	return nil, "", false, trace.AccessDenied("gssapi authentication is not available")
}

func (rejectingGSSAPIServer) VerifyMIC(micField, micToken []byte) error {
	return trace.AccessDenied("gssapi authentication is not available")
}

func (rejectingGSSAPIServer) DeleteSecContext() error { return nil }

func (s *Server) passwordCallback(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	cfg, err := s.cfg.LoadConfig()
	if err != nil {
		failedLoginCount.Inc()
		return nil, trace.Wrap(err, "reloading config during auth")
	}

	user, ok := cfg.Users[conn.User()]
	if !ok || user.Password == "" {
		failedLoginCount.Inc()
		return nil, trace.AccessDenied("password rejected for %q", conn.User())
	}

	if subtle.ConstantTimeCompare([]byte(user.Password), password) != 1 {
		failedLoginCount.Inc()
		return nil, trace.AccessDenied("password rejected for %q", conn.User())
	}
	return &ssh.Permissions{}, nil
}

func (s *Server) publicKeyCallback(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	cfg, err := s.cfg.LoadConfig()
	if err != nil {
		failedLoginCount.Inc()
		return nil, trace.Wrap(err, "reloading config during auth")
	}

	user, ok := cfg.Users[conn.User()]
	if !ok || user.AuthorizedKeys == "" {
		failedLoginCount.Inc()
		return nil, trace.AccessDenied("publickey rejected for %q", conn.User())
	}

	allowed, err := keys.ParseAuthorizedKeys([]byte(user.AuthorizedKeys))
	if err != nil {
		failedLoginCount.Inc()
		return nil, trace.Wrap(err)
	}

	marshaled := key.Marshal()
	for _, candidate := range allowed {
		if candidate.Type() != key.Type() {
			continue
		}
		if subtle.ConstantTimeCompare(candidate.Marshal(), marshaled) == 1 {
			return &ssh.Permissions{}, nil
		}
	}
	failedLoginCount.Inc()
	return nil, trace.AccessDenied("publickey rejected for %q", conn.User())
}

type ptyRequestPayload struct {
	Term      string
	Width     uint32
	Height    uint32
	PixWidth  uint32
	PixHeight uint32
	Modes     string
}

type windowChangePayload struct {
	Width     uint32
	Height    uint32
	PixWidth  uint32
	PixHeight uint32
}

// Session is one accepted, authenticated SSH connection with its single
// session channel, exposed to the orchestrator as: channel,
// PTY master/slave pair, current window size, and a setter for the child
// pid so window-change can forward SIGWINCH.
type Session struct {
	ServerConn *ssh.ServerConn
	Channel    ssh.Channel

	shellTimeout time.Duration
	log          *logrus.Entry

	mu        sync.Mutex
	width     uint32
	height    uint32
	ptyMaster *os.File
	ptySlave  *os.File

	childPID int32 // atomic

	ptyReadyOnce   sync.Once
	ptyReady       chan struct{}
	shellReadyOnce sync.Once
	shellReady     chan struct{}
}

func newSession(sconn *ssh.ServerConn, channel ssh.Channel, requests <-chan *ssh.Request, shellTimeout time.Duration, log *logrus.Entry) *Session {
	sess := &Session{
		ServerConn:   sconn,
		Channel:      channel,
		shellTimeout: shellTimeout,
		log:          log.WithField("remote", sconn.RemoteAddr().String()),
		ptyReady:     make(chan struct{}),
		shellReady:   make(chan struct{}),
	}
	go sess.serviceRequests(requests)
	return sess
}

func (s *Session) serviceRequests(requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "pty-req":
			s.handlePTYReq(req)
		case "shell":
			s.handleShellReq(req)
		case "window-change":
			s.handleWindowChange(req)
		default:
			// exec, subsystem, and anything else are refused; LobbyBoy
			// only drives interactive shells.
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *Session) handlePTYReq(req *ssh.Request) {
	var payload ptyRequestPayload
	if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
		s.log.WithError(err).Warn("malformed pty-req")
		if req.WantReply {
			req.Reply(false, nil)
		}
		return
	}

	master, slave, err := pty.Open()
	if err != nil {
		s.log.WithError(err).Error("allocating pty")
		if req.WantReply {
			req.Reply(false, nil)
		}
		return
	}

	if err := pty.Setsize(master, &pty.Winsize{
		Rows: uint16(payload.Height),
		Cols: uint16(payload.Width),
		X:    uint16(payload.PixWidth),
		Y:    uint16(payload.PixHeight),
	}); err != nil {
		s.log.WithError(err).Warn("setting initial window size")
	}

	s.mu.Lock()
	s.ptyMaster = master
	s.ptySlave = slave
	s.width = payload.Width
	s.height = payload.Height
	s.mu.Unlock()

	s.ptyReadyOnce.Do(func() { close(s.ptyReady) })

	if req.WantReply {
		req.Reply(true, nil)
	}
}

func (s *Session) handleShellReq(req *ssh.Request) {
	select {
	case <-s.ptyReady:
	case <-time.After(s.shellTimeout):
		if req.WantReply {
			req.Reply(false, nil)
		}
		return
	}

	s.shellReadyOnce.Do(func() { close(s.shellReady) })
	if req.WantReply {
		req.Reply(true, nil)
	}
}

func (s *Session) handleWindowChange(req *ssh.Request) {
	var payload windowChangePayload
	if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
		if req.WantReply {
			req.Reply(false, nil)
		}
		return
	}

	s.mu.Lock()
	master := s.ptyMaster
	s.width = payload.Width
	s.height = payload.Height
	s.mu.Unlock()

	if master != nil {
		pty.Setsize(master, &pty.Winsize{
			Rows: uint16(payload.Height),
			Cols: uint16(payload.Width),
			X:    uint16(payload.PixWidth),
			Y:    uint16(payload.PixHeight),
		})
	}

	// Negative pid targets the whole process group, so the child ssh
	// process and anything it forked receives SIGWINCH the way a
	// foreground shell would.
	if pid := atomic.LoadInt32(&s.childPID); pid != 0 {
		_ = syscall.Kill(-int(pid), syscall.SIGWINCH)
	}

	if req.WantReply {
		req.Reply(true, nil)
	}
}

// PTYMaster returns the PTY master end for the orchestrator to proxy
// against, or nil if no pty-req has completed yet.
func (s *Session) PTYMaster() *os.File {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ptyMaster
}

// PTYSlave returns the PTY slave end, inherited by the child SSH process's
// stdio.
func (s *Session) PTYSlave() *os.File {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ptySlave
}

// WindowSize returns the current (width, height) in character cells.
func (s *Session) WindowSize() (width, height uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height
}

// SetChildPID publishes the proxied child's pid so window-change requests
// can forward SIGWINCH to it.
func (s *Session) SetChildPID(pid int) {
	atomic.StoreInt32(&s.childPID, int32(pid))
}

// WaitShellReady blocks until a shell-req has been granted (i.e. a prior
// pty-req completed within ShellTimeout), or ctx is done.
func (s *Session) WaitShellReady(ctx context.Context) error {
	select {
	case <-s.shellReady:
		return nil
	case <-ctx.Done():
		return lberrors.NoTTY()
	}
}

// Close closes the channel, the underlying transport, and any allocated
// PTY file descriptors.
func (s *Session) Close() error {
	var firstErr error
	if m := s.PTYMaster(); m != nil {
		if err := m.Close(); err != nil {
			firstErr = err
		}
	}
	if sl := s.PTYSlave(); sl != nil {
		if err := sl.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.Channel.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.ServerConn.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
