// Package sshtest provides an in-process SSH server and a matching
// dialer for tests: every host name a test dials is aliased to the
// loopback server, so multi-node scenarios run against real SSH
// sessions without leaving the process.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/canopysh/canopy/pkg/sshconfig"
)

// Handler answers one exec request. It owns the session channel until
// it returns the exit status; the server then sends exit-status and
// closes the channel.
type Handler func(cmd string, ch ssh.Channel) uint32

// Server is a loopback SSH server accepting exec sessions.
type Server struct {
	listener net.Listener
	config   *ssh.ServerConfig
}

// NewServer starts a server answering every exec request with handle.
func NewServer(t *testing.T, handle Handler) *Server {
	s := NewUnstartedServer(t)
	s.Start(handle)
	return s
}

// NewUnstartedServer listens without accepting, so the port is known
// before the handler exists. Useful when the handler itself dials the
// server, as a relaying gateway does.
func NewUnstartedServer(t *testing.T) *Server {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	config := &ssh.ServerConfig{NoClientAuth: true}
	config.AddHostKey(signer)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	return &Server{listener: l, config: config}
}

// Start begins accepting connections.
func (s *Server) Start(handle Handler) {
	go func() {
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				return
			}
			go s.serveConn(conn, handle)
		}
	}()
}

// Port returns the server's TCP port.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *Server) serveConn(conn net.Conn, handle Handler) {
	defer conn.Close()
	_, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer channel.Close()
			for req := range requests {
				if req.Type != "exec" {
					req.Reply(false, nil)
					continue
				}
				cmd := string(req.Payload[4:])
				req.Reply(true, nil)
				status := handle(cmd, channel)
				channel.SendRequest("exit-status", false,
					ssh.Marshal(struct{ ExitStatus uint32 }{status}))
				return
			}
		}()
	}
}

// Shell is the Handler executing requests for real through /bin/sh,
// with the session channel as the three standard streams.
func Shell(cmd string, ch ssh.Channel) uint32 {
	c := exec.Command("/bin/sh", "-c", cmd)
	stdin, err := c.StdinPipe()
	if err != nil {
		return 255
	}
	c.Stdout = ch
	c.Stderr = ch.Stderr()
	if err := c.Start(); err != nil {
		return 255
	}
	// The copy is not tracked by Wait: the process decides when the
	// session is over, not its stdin.
	go func() {
		io.Copy(stdin, ch)
		stdin.Close()
	}()
	if err := c.Wait(); err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			return uint32(ee.ExitCode())
		}
		return 255
	}
	return 0
}

// Dialer aliases every host name to the loopback server on port, so
// node names from tests dial it no matter what they look like.
func Dialer(t *testing.T, port int) *sshconfig.Dialer {
	t.Helper()
	dir := t.TempDir()
	cfg := "Host *\n  HostName 127.0.0.1\n  Port " + strconv.Itoa(port) + "\n"
	cfgPath := filepath.Join(dir, "config")
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))

	d, err := sshconfig.NewDialer(sshconfig.Options{
		User:           "tester",
		ConfigPath:     cfgPath,
		KnownHostsPath: filepath.Join(dir, "known_hosts"),
	})
	require.NoError(t, err)
	return d
}

// ClosedPort returns a port nothing listens on, for connection-failure
// paths.
func ClosedPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}
