package remote_ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/davarch/redeploy/internal/domain"
	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

type Config struct {
	Host            string
	Port            int
	User            string
	Workdir         string
	Auth            []ssh.AuthMethod
	HostKeyCallback ssh.HostKeyCallback
	DialTimeout     time.Duration
}

// Client is an Executor over one lazily dialed SSH connection. A new session
// is opened per command.
type Client struct {
	log  *zap.Logger
	cfg  Config
	addr string

	mu   sync.Mutex
	conn *ssh.Client
}

func New(l *zap.Logger, cfg Config) *Client {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Client{log: l, cfg: cfg, addr: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))}
}

func (c *Client) Run(ctx context.Context, cmd domain.Command, timeout time.Duration) (domain.Result, error) {
	if timeout <= 0 {
		return domain.Result{}, domain.ErrInvalidTimeout
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return domain.Result{}, &domain.TransportError{Host: c.cfg.Host, Op: "dial", Err: err}
	}

	sess, err := conn.NewSession()
	if err != nil {
		c.reset()
		return domain.Result{}, &domain.TransportError{Host: c.cfg.Host, Op: "session", Err: err}
	}
	defer func() { _ = sess.Close() }()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	if cmd.Dir == "" {
		cmd.Dir = c.cfg.Workdir
	}
	line := CommandLine(cmd)
	c.log.Debug("ssh exec", zap.String("host", c.cfg.Host), zap.String("cmd", line))

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- sess.Run(line) }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err = <-done:
	case <-timer.C:
		_ = sess.Signal(ssh.SIGKILL)
		return domain.Result{Duration: time.Since(start)}, &domain.TransportError{Host: c.cfg.Host, Op: cmd.Program, Timeout: true}
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return domain.Result{Duration: time.Since(start)}, &domain.TransportError{Host: c.cfg.Host, Op: cmd.Program, Err: ctx.Err()}
	}

	res := domain.Result{Stdout: stdout.String(), Stderr: stderr.String(), Duration: time.Since(start)}

	var ee *ssh.ExitError
	switch {
	case err == nil:
	case errors.As(err, &ee):
		res.ExitCode = ee.ExitStatus()
	default:
		c.reset()
		return res, &domain.TransportError{Host: c.cfg.Host, Op: cmd.Program, Err: err}
	}
	return res, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) dial(ctx context.Context) (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return c.conn, nil
	}

	cb := c.cfg.HostKeyCallback
	if cb == nil {
		return nil, errors.New("no host key callback configured")
	}

	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	nc, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, err
	}

	_ = nc.SetDeadline(time.Now().Add(c.cfg.DialTimeout))
	sc, chans, reqs, err := ssh.NewClientConn(nc, c.addr, &ssh.ClientConfig{
		User:            c.cfg.User,
		Auth:            c.cfg.Auth,
		HostKeyCallback: cb,
		Timeout:         c.cfg.DialTimeout,
	})
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	_ = nc.SetDeadline(time.Time{})

	c.conn = ssh.NewClient(sc, chans, reqs)
	c.log.Info("ssh connected", zap.String("addr", c.addr), zap.String("user", c.cfg.User))
	return c.conn, nil
}

func (c *Client) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// CommandLine serializes cmd for a remote POSIX shell. Every argument is
// quoted on its own, so values never become shell syntax.
func CommandLine(cmd domain.Command) string {
	var parts []string
	if cmd.Dir != "" {
		parts = append(parts, "cd", shellquote.Join(cmd.Dir), "&&")
	}
	if len(cmd.Env) > 0 {
		keys := make([]string, 0, len(cmd.Env))
		for k := range cmd.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		parts = append(parts, "env")
		for _, k := range keys {
			parts = append(parts, shellquote.Join(k+"="+cmd.Env[k]))
		}
	}
	parts = append(parts, shellquote.Join(append([]string{cmd.Program}, cmd.Args...)...))
	return strings.Join(parts, " ")
}

// HostKeys returns a known_hosts based callback, or one that accepts any key
// when insecure is set.
func HostKeys(knownHostsPath string, insecure bool) (ssh.HostKeyCallback, error) {
	if insecure {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("known_hosts %s: %w", knownHostsPath, err)
	}
	return cb, nil
}

// Auth resolves the configured secrets into SSH auth methods. Empty secret
// names are skipped.
func Auth(ctx context.Context, sp domain.SecretProvider, identitySecret, passwordSecret string) ([]ssh.AuthMethod, error) {
	var out []ssh.AuthMethod

	if identitySecret != "" {
		key, err := sp.Secret(ctx, identitySecret)
		if err != nil {
			return nil, fmt.Errorf("identity %s: %w", identitySecret, err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("identity %s: %w", identitySecret, err)
		}
		out = append(out, ssh.PublicKeys(signer))
	}

	if passwordSecret != "" {
		pw, err := sp.Secret(ctx, passwordSecret)
		if err != nil {
			return nil, fmt.Errorf("password %s: %w", passwordSecret, err)
		}
		out = append(out, ssh.Password(string(pw)))
	}

	if len(out) == 0 {
		return nil, errors.New("no ssh credentials configured")
	}
	return out, nil
}
