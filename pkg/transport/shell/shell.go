package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/sarwaaaar/pwn0gotchi/pkg/transport"
)

// Config controls how the shell transport dials and what it asks the
// server for.
type Config struct {
	DefaultPort  int
	ReadyTimeout time.Duration
	// KeepaliveInterval is the period between keepalive requests. Zero
	// disables keepalive.
	KeepaliveInterval time.Duration
	KeepaliveCountMax int
	Term              string
	Cols              int
	Rows              int
	// HostKeyCallback verifies the server's host key. Nil accepts any key.
	HostKeyCallback ssh.HostKeyCallback
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		DefaultPort:       22,
		ReadyTimeout:      20 * time.Second,
		KeepaliveInterval: 10 * time.Second,
		KeepaliveCountMax: 3,
		Term:              "xterm-256color",
		Cols:              100,
		Rows:              30,
	}
}

var errKeepaliveTimeout = errors.New("no reply")

// Opener opens interactive login shells over SSH.
type Opener struct {
	cfg    Config
	log    *slog.Logger
	dialer net.Dialer
}

var _ transport.Opener = (*Opener)(nil)

// NewOpener returns an Opener using cfg. Zero fields other than
// KeepaliveInterval fall back to DefaultConfig.
func NewOpener(cfg Config, log *slog.Logger) *Opener {
	def := DefaultConfig()
	if cfg.DefaultPort <= 0 {
		cfg.DefaultPort = def.DefaultPort
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = def.ReadyTimeout
	}
	if cfg.KeepaliveCountMax <= 0 {
		cfg.KeepaliveCountMax = def.KeepaliveCountMax
	}
	if cfg.Term == "" {
		cfg.Term = def.Term
	}
	if cfg.Cols <= 0 {
		cfg.Cols = def.Cols
	}
	if cfg.Rows <= 0 {
		cfg.Rows = def.Rows
	}
	if log == nil {
		log = slog.Default()
	}
	return &Opener{cfg: cfg, log: log.With("transport", string(transport.KindShell))}
}

// Open dials p.Host, authenticates with p.Credential as a password (and as
// the answer to any keyboard-interactive prompt), requests a PTY and starts
// a login shell. The whole sequence is bounded by the ready timeout and
// aborted when ctx is cancelled.
func (o *Opener) Open(ctx context.Context, p transport.Params) (transport.Transport, error) {
	if p.Host == "" {
		return nil, errors.New("shell: host is required")
	}
	if p.Username == "" {
		return nil, errors.New("shell: username is required")
	}
	port := p.Port
	if port <= 0 {
		port = o.cfg.DefaultPort
	}
	addr := net.JoinHostPort(p.Host, strconv.Itoa(port))

	ctx, cancel := context.WithTimeout(ctx, o.cfg.ReadyTimeout)
	defer cancel()

	conn, err := o.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("shell: dial %s: %w", addr, err)
	}
	// Closing the socket is the only way to interrupt the SSH handshake and
	// the session requests that follow it.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })

	client, sess, streams, err := o.start(conn, addr, p)
	if !stop() {
		if err == nil {
			_ = sess.Close()
			_ = client.Close()
		}
		return nil, fmt.Errorf("shell: open %s: %w", addr, context.Cause(ctx))
	}
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("shell: open %s: %w", addr, err)
	}

	link := transport.NewLink(transport.LinkConfig{
		Info: transport.Info{
			Kind:     transport.KindShell,
			Host:     p.Host,
			Port:     port,
			Username: p.Username,
		},
		Output:      streams.stdout,
		Diagnostics: streams.stderr,
		Input:       streams.stdin,
		Wait: func() error {
			err := sess.Wait()
			var exit *ssh.ExitError
			if errors.As(err, &exit) {
				o.log.Debug("remote shell exited", "host", p.Host, "status", exit.ExitStatus())
				return nil
			}
			return err
		},
		Close: func() error {
			_ = sess.Close()
			return client.Close()
		},
		Logger: o.log,
	})
	go o.keepalive(link, client)

	o.log.InfoContext(ctx, "shell session started", "host", p.Host, "port", port, "user", p.Username)
	return link, nil
}

type pipes struct {
	stdin  io.Writer
	stdout io.Reader
	stderr io.Reader
}

func (o *Opener) start(conn net.Conn, addr string, p transport.Params) (*ssh.Client, *ssh.Session, pipes, error) {
	hostKey := o.cfg.HostKeyCallback
	if hostKey == nil {
		hostKey = ssh.InsecureIgnoreHostKey() //nolint:gosec // host verification is opt-in through known_hosts
	}
	secret := p.Credential
	cc := &ssh.ClientConfig{
		User: p.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(secret),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = secret
				}
				return answers, nil
			}),
		},
		HostKeyCallback: hostKey,
		Timeout:         o.cfg.ReadyTimeout,
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cc)
	if err != nil {
		return nil, nil, pipes{}, fmt.Errorf("handshake: %w", err)
	}
	client := ssh.NewClient(c, chans, reqs)

	fail := func(step string, err error) (*ssh.Client, *ssh.Session, pipes, error) {
		_ = client.Close()
		return nil, nil, pipes{}, fmt.Errorf("%s: %w", step, err)
	}

	sess, err := client.NewSession()
	if err != nil {
		return fail("new session", err)
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty(o.cfg.Term, o.cfg.Rows, o.cfg.Cols, modes); err != nil {
		return fail("request pty", err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		return fail("stdin", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		return fail("stdout", err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		return fail("stderr", err)
	}
	if err := sess.Shell(); err != nil {
		return fail("start shell", err)
	}

	return client, sess, pipes{stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

// keepalive pings the server until the link ends. After KeepaliveCountMax
// consecutive unanswered pings the link fails.
func (o *Opener) keepalive(l *transport.Link, client *ssh.Client) {
	interval := o.cfg.KeepaliveInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-l.Done():
			return
		case <-ticker.C:
		}

		reply := make(chan error, 1)
		go func() {
			// Servers commonly answer this request with a failure; any
			// answer proves the connection is alive.
			_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
			reply <- err
		}()

		var err error
		select {
		case <-l.Done():
			return
		case err = <-reply:
		case <-time.After(interval):
			err = errKeepaliveTimeout
		}

		if err == nil {
			missed = 0
			continue
		}
		missed++
		o.log.Debug("shell keepalive missed", "missed", missed, "error", err)
		if missed >= o.cfg.KeepaliveCountMax {
			l.Fail(fmt.Errorf("shell: keepalive: %d unanswered: %w", missed, err))
			return
		}
	}
}
