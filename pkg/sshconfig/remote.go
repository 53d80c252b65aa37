package sshconfig

import (
	"io"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
)

// Remote is one command running on a node, with its three standard
// streams exposed as pipes. The execution workers stream command output
// through it; the propagation layer runs the remote gateway process
// over it and speaks the channel protocol on Stdin and Stdout.
//
// The connection behind a Remote is private to it and torn down by
// Close.
type Remote struct {
	host    string
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	stderr  io.Reader

	closeOnce sync.Once
	closeErr  error
}

// Open dials the node named by spec and starts cmd on it. The returned
// Remote is live: its streams can be used immediately.
func (d *Dialer) Open(spec HostSpec, cmd string) (*Remote, error) {
	client, err := d.Dial(spec)
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "open session on %s", spec.Host)
	}
	r := &Remote{host: spec.Host, client: client, session: session}
	if err := r.start(cmd); err != nil {
		session.Close()
		client.Close()
		return nil, err
	}
	return r, nil
}

// start wires the three pipes and launches the command.
func (r *Remote) start(cmd string) error {
	var err error
	if r.stdin, err = r.session.StdinPipe(); err != nil {
		return errors.Wrap(err, "stdin pipe")
	}
	if r.stdout, err = r.session.StdoutPipe(); err != nil {
		return errors.Wrap(err, "stdout pipe")
	}
	if r.stderr, err = r.session.StderrPipe(); err != nil {
		return errors.Wrap(err, "stderr pipe")
	}
	if err := r.session.Start(cmd); err != nil {
		return errors.Wrapf(err, "start %q on %s", cmd, r.host)
	}
	return nil
}

// Host returns the node name the Remote was opened against.
func (r *Remote) Host() string { return r.host }

// Stdin is the write side of the remote command's standard input.
// Closing it delivers EOF to the command.
func (r *Remote) Stdin() io.WriteCloser { return r.stdin }

// Stdout streams the remote command's standard output. It reaches EOF
// when the command finishes.
func (r *Remote) Stdout() io.Reader { return r.stdout }

// Stderr streams the remote command's standard error.
func (r *Remote) Stderr() io.Reader { return r.stderr }

// Wait blocks until the command finishes and returns its exit code. A
// command ended by a signal, or one whose server reported no status,
// yields -1. The error is reserved for transport failures.
func (r *Remote) Wait() (int, error) {
	err := r.session.Wait()
	switch err := err.(type) {
	case nil:
		return 0, nil
	case *ssh.ExitError:
		return err.ExitStatus(), nil
	case *ssh.ExitMissingError:
		return -1, nil
	default:
		return -1, errors.Wrapf(err, "wait for %s", r.host)
	}
}

// Kill asks the remote side to stop and tears the transport down, which
// unblocks any pending Wait or stream read.
func (r *Remote) Kill() {
	_ = r.session.Signal(ssh.SIGKILL)
	_ = r.Close()
}

// Close releases the session and the connection. It is idempotent.
func (r *Remote) Close() error {
	r.closeOnce.Do(func() {
		r.session.Close()
		r.closeErr = r.client.Close()
	})
	return r.closeErr
}
