package sshd

import (
	"bufio"
	"context"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	lbconfig "github.com/lobbyboy-ssh/lobbyboy/internal/config"
	"github.com/lobbyboy-ssh/lobbyboy/internal/keys"
)

func testHostSigner(t *testing.T) ssh.Signer {
	t.Helper()
	signer, err := keys.LoadOrGenerateHostKey(t.TempDir())
	require.NoError(t, err)
	return signer
}

func TestPasswordAuthAcceptsCorrectPassword(t *testing.T) {
	signer := testHostSigner(t)

	srv, err := NewServer(Config{
		Addr:        "127.0.0.1:0",
		HostSigners: []ssh.Signer{signer},
		LoadConfig: func() (*lbconfig.Config, error) {
			return &lbconfig.Config{
				Users: map[string]lbconfig.UserConfig{
					"alice": {Password: "hunter2"},
				},
			}, nil
		},
		ChannelTimeout: time.Second,
		ShellTimeout:   time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, srv.Listen())
	defer srv.Close()

	go func() {
		conn, err := srv.AcceptTCP()
		if err != nil {
			return
		}
		srv.Handshake(context.Background(), conn)
	}()

	client, err := ssh.Dial("tcp", srv.Addr(), &ssh.ClientConfig{
		User:            "alice",
		Auth:            []ssh.AuthMethod{ssh.Password("hunter2")},
		HostKeyCallback: ssh.FixedHostKey(signer.PublicKey()),
		Timeout:         2 * time.Second,
	})
	require.NoError(t, err)
	defer client.Close()
}

func TestPasswordAuthRejectsWrongPassword(t *testing.T) {
	signer := testHostSigner(t)

	srv, err := NewServer(Config{
		Addr:        "127.0.0.1:0",
		HostSigners: []ssh.Signer{signer},
		LoadConfig: func() (*lbconfig.Config, error) {
			return &lbconfig.Config{
				Users: map[string]lbconfig.UserConfig{
					"alice": {Password: "hunter2"},
				},
			}, nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, srv.Listen())
	defer srv.Close()

	go func() {
		conn, err := srv.AcceptTCP()
		if err != nil {
			return
		}
		srv.Handshake(context.Background(), conn)
	}()

	_, err = ssh.Dial("tcp", srv.Addr(), &ssh.ClientConfig{
		User:            "alice",
		Auth:            []ssh.AuthMethod{ssh.Password("wrong")},
		HostKeyCallback: ssh.FixedHostKey(signer.PublicKey()),
		Timeout:         2 * time.Second,
	})
	require.Error(t, err)
}

// A full pty-req -> shell -> window-change round trip: the PTY is allocated
// with the requested size, a later window-change resizes it, and SIGWINCH
// reaches the child's process group.
func TestPTYShellAndWindowChange(t *testing.T) {
	signer := testHostSigner(t)

	srv, err := NewServer(Config{
		Addr:        "127.0.0.1:0",
		HostSigners: []ssh.Signer{signer},
		LoadConfig: func() (*lbconfig.Config, error) {
			return &lbconfig.Config{
				Users: map[string]lbconfig.UserConfig{
					"alice": {Password: "hunter2"},
				},
			}, nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, srv.Listen())
	defer srv.Close()

	sessCh := make(chan *Session, 1)
	go func() {
		conn, err := srv.AcceptTCP()
		if err != nil {
			return
		}
		sess, err := srv.Handshake(context.Background(), conn)
		if err != nil {
			return
		}
		sessCh <- sess
	}()

	client, err := ssh.Dial("tcp", srv.Addr(), &ssh.ClientConfig{
		User:            "alice",
		Auth:            []ssh.AuthMethod{ssh.Password("hunter2")},
		HostKeyCallback: ssh.FixedHostKey(signer.PublicKey()),
		Timeout:         2 * time.Second,
	})
	require.NoError(t, err)
	defer client.Close()

	clientSess, err := client.NewSession()
	require.NoError(t, err)
	defer clientSess.Close()

	require.NoError(t, clientSess.RequestPty("xterm", 24, 80, ssh.TerminalModes{}))
	require.NoError(t, clientSess.Shell())

	var sess *Session
	select {
	case sess = <-sessCh:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the server-side session")
	}
	defer sess.Close()

	require.Eventually(t, func() bool { return sess.PTYMaster() != nil }, 3*time.Second, 10*time.Millisecond)
	width, height := sess.WindowSize()
	require.Equal(t, uint32(80), width)
	require.Equal(t, uint32(24), height)

	// A child in its own process group that exits 42 once SIGWINCH arrives.
	// It reports readiness first so the window-change can't race the trap.
	cmd := exec.Command("sh", "-c", "trap 'exit 42' WINCH; echo ready; while :; do sleep 0.1; done")
	stdout, err := cmd.StdoutPipe()
	require.NoError(t, err)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, cmd.Start())
	defer syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)

	ready, err := bufio.NewReader(stdout).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "ready\n", ready)

	sess.SetChildPID(cmd.Process.Pid)
	require.NoError(t, clientSess.WindowChange(40, 120))

	require.Eventually(t, func() bool {
		w, h := sess.WindowSize()
		return w == 120 && h == 40
	}, 3*time.Second, 10*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case waitErr := <-done:
		var exitErr *exec.ExitError
		require.ErrorAs(t, waitErr, &exitErr)
		require.Equal(t, 42, exitErr.ExitCode())
	case <-time.After(5 * time.Second):
		t.Fatal("child process group never received SIGWINCH")
	}
}
