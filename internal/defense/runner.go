// Package defense executes privileged host-administration commands over an
// SSH channel distinct from the tool-provider session. Actions here are
// harder to reverse than scans, so the package carries its own dry-run mode
// and keeps operator-only power actions behind a separate interface.
package defense

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// CommandResult is the raw outcome of one remote command.
type CommandResult struct {
	Command  string `json:"command"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Runner executes a single command on the defense target host.
type Runner interface {
	Run(ctx context.Context, command string) (CommandResult, error)
}

// SSHConfig holds the privileged command channel settings.
type SSHConfig struct {
	Host     string
	Port     int
	User     string
	Password string // used when KeyFile is absent
	KeyFile  string // path to a PEM private key; preferred over Password
	Timeout  time.Duration
}

// SSHRunner is a Runner over a lazily established SSH connection. One
// session is opened per command; the client is reused across commands and
// re-dialed after a connection loss.
type SSHRunner struct {
	cfg SSHConfig

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHRunner creates an SSHRunner. No connection is made until the first
// command runs.
func NewSSHRunner(cfg SSHConfig) *SSHRunner {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &SSHRunner{cfg: cfg}
}

// connect dials the target if no live client exists. Caller holds r.mu.
func (r *SSHRunner) connect() error {
	if r.client != nil {
		return nil
	}

	var auth []ssh.AuthMethod
	if r.cfg.KeyFile != "" {
		keyPEM, err := os.ReadFile(r.cfg.KeyFile)
		if err != nil {
			return fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyPEM)
		if err != nil {
			return fmt.Errorf("parse ssh key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if r.cfg.Password != "" {
		auth = append(auth, ssh.Password(r.cfg.Password))
	}
	if len(auth) == 0 {
		return errors.New("ssh: no authentication method configured")
	}

	cfg := &ssh.ClientConfig{
		User:            r.cfg.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // lab hosts, no CA infrastructure
		Timeout:         r.cfg.Timeout,
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.Host, r.cfg.Port)
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	r.client = client
	return nil
}

// Run executes one command, honoring ctx for cancellation. A transport
// failure drops the cached client so the next command re-dials.
func (r *SSHRunner) Run(ctx context.Context, command string) (CommandResult, error) {
	res := CommandResult{Command: command, ExitCode: -1}

	r.mu.Lock()
	if err := r.connect(); err != nil {
		r.mu.Unlock()
		return res, err
	}
	client := r.client
	r.mu.Unlock()

	sess, err := client.NewSession()
	if err != nil {
		// Stale connection: drop it so the next call re-dials.
		r.mu.Lock()
		if r.client == client {
			r.client.Close() //nolint:errcheck
			r.client = nil
		}
		r.mu.Unlock()
		return res, fmt.Errorf("ssh session: %w", err)
	}
	defer sess.Close() //nolint:errcheck

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		sess.Close() //nolint:errcheck
		<-done
		return res, fmt.Errorf("ssh command cancelled: %w", ctx.Err())
	}

	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.ExitCode = 0

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, nil // non-zero exit is a result, not a transport error
	}
	if err != nil {
		return res, fmt.Errorf("ssh run: %w", err)
	}
	return res, nil
}

// Close shuts down the cached SSH client, if any.
func (r *SSHRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}
