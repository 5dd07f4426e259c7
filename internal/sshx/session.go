// Package sshx owns the remote shell session to one cluster host: command
// execution and file transfer over a single authenticated connection. It
// knows nothing about Slurm; callers own retries and timeout budgets.
package sshx

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"slurmdeck/internal/config"
)

const dialTimeout = 10 * time.Second

// Output is the result of one remote command.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ConnectionError wraps auth/network failures while opening a session.
type ConnectionError struct {
	Host string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Session wraps one live SSH connection plus a lazily opened SFTP channel.
// A Session is exclusively owned by one caller at a time; it is not safe
// for concurrent use.
type Session struct {
	cluster config.Cluster

	mu     sync.Mutex
	client *ssh.Client
	sftpc  *sftp.Client
	closed bool
}

// New returns an unconnected session. The connection is established on
// Open or on first use.
func New(cluster config.Cluster) *Session {
	return &Session{cluster: cluster}
}

// With runs fn with a connected session and releases the connection on
// every exit path, including an error or panic inside fn.
func With(ctx context.Context, cluster config.Cluster, fn func(*Session) error) error {
	s := New(cluster)
	defer s.Close()

	if err := s.Open(ctx); err != nil {
		return err
	}
	return fn(s)
}

// Open establishes the connection. Failing to authenticate or reach the
// host yields a ConnectionError.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked(ctx)
}

func (s *Session) openLocked(ctx context.Context) error {
	if s.closed {
		return &ConnectionError{Host: s.cluster.Host, Err: errors.New("session closed")}
	}
	if s.client != nil {
		return nil
	}

	key, err := os.ReadFile(s.cluster.SSHKeyPath)
	if err != nil {
		return &ConnectionError{Host: s.cluster.Host, Err: errors.Wrap(err, "read ssh key")}
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return &ConnectionError{Host: s.cluster.Host, Err: errors.Wrap(err, "parse ssh key")}
	}

	// Host key policy: trust on first use.
	// TODO: enforce known_hosts once clusters publish stable keys
	sshCfg := &ssh.ClientConfig{
		User:            s.cluster.User(),
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
	}

	addr := net.JoinHostPort(s.cluster.Hostname(), fmt.Sprintf("%d", s.cluster.Port))

	// Dial with context so it won't hang forever.
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &ConnectionError{Host: s.cluster.Host, Err: err}
	}

	// The ssh handshake can still hang without a deadline; clear it again
	// once the client is up so long-lived commands are not cut off.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(dialTimeout))
	}

	cconn, chans, reqs, err := ssh.NewClientConn(conn, addr, sshCfg)
	if err != nil {
		_ = conn.Close()
		return &ConnectionError{Host: s.cluster.Host, Err: err}
	}
	_ = conn.SetDeadline(time.Time{})

	s.client = ssh.NewClient(cconn, chans, reqs)
	log.WithFields(log.Fields{"cluster": s.cluster.Name, "host": s.cluster.Host}).Debug("ssh session opened")
	return nil
}

// Run executes one command server-side and returns stdout, stderr and the
// exit code. A non-zero exit is not an error; transport failures are.
// useLoginShell wraps the command so the remote profile runs first, needed
// on clusters where the batch tools are only on a login-shell PATH.
func (s *Session) Run(ctx context.Context, cmd string, useLoginShell bool) (Output, error) {
	s.mu.Lock()
	if err := s.openLocked(ctx); err != nil {
		s.mu.Unlock()
		return Output{}, err
	}
	client := s.client
	s.mu.Unlock()

	if useLoginShell {
		cmd = loginShellWrap(cmd)
	}

	sess, err := client.NewSession()
	if err != nil {
		return Output{}, errors.Wrap(err, "new ssh channel")
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	select {
	case <-ctx.Done():
		// Best-effort terminate the remote process.
		_ = sess.Signal(ssh.SIGKILL)
		return Output{}, ctx.Err()
	case err := <-done:
		out := Output{Stdout: stdout.String(), Stderr: stderr.String()}
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				out.ExitCode = exitErr.ExitStatus()
				return out, nil
			}
			return out, errors.Wrap(err, "run remote command")
		}
		return out, nil
	}
}

// loginShellWrap wraps cmd in a bash login shell, single-quote safe.
func loginShellWrap(cmd string) string {
	return "bash -lc '" + strings.ReplaceAll(cmd, "'", `'\''`) + "'"
}

// Upload writes data to remotePath byte-for-byte over SFTP.
func (s *Session) Upload(ctx context.Context, data []byte, remotePath string) error {
	c, err := s.sftpClient(ctx)
	if err != nil {
		return err
	}

	f, err := c.Create(remotePath)
	if err != nil {
		return errors.Wrapf(err, "create remote file %s", remotePath)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "write remote file %s", remotePath)
	}
	return errors.Wrapf(f.Close(), "close remote file %s", remotePath)
}

// Download reads remotePath byte-for-byte over SFTP.
func (s *Session) Download(ctx context.Context, remotePath string) ([]byte, error) {
	c, err := s.sftpClient(ctx)
	if err != nil {
		return nil, err
	}

	f, err := c.Open(remotePath)
	if err != nil {
		return nil, errors.Wrapf(err, "open remote file %s", remotePath)
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, errors.Wrapf(err, "read remote file %s", remotePath)
	}
	return buf.Bytes(), nil
}

func (s *Session) sftpClient(ctx context.Context) (*sftp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.openLocked(ctx); err != nil {
		return nil, err
	}
	if s.sftpc == nil {
		c, err := sftp.NewClient(s.client)
		if err != nil {
			return nil, errors.Wrap(err, "open sftp channel")
		}
		s.sftpc = c
	}
	return s.sftpc, nil
}

// Close releases the connection. Safe to call multiple times and on a
// session that never connected.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.sftpc != nil {
		_ = s.sftpc.Close()
		s.sftpc = nil
	}
	if s.client != nil {
		err := s.client.Close()
		s.client = nil
		return err
	}
	return nil
}
