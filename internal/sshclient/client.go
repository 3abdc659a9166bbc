// Package sshclient runs commands inside a build engine over SSH.
package sshclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/crypto/ssh"

	"github.com/jbweber/anvil/internal/errdefs"
)

// DefaultTimeout bounds the TCP dial and SSH handshake when none is set.
const DefaultTimeout = 30 * time.Second

// Options describes how to reach a build engine.
type Options struct {
	Host           string
	Port           uint16
	User           string
	PrivateKeyFile string

	// Timeout bounds connection setup. Zero means DefaultTimeout.
	Timeout time.Duration

	Logger logr.Logger
}

// Result is the outcome of a remote command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Client connects to one build engine. Each Run opens its own connection;
// build engine commands are infrequent and long-lived connections would
// outlast engine restarts.
type Client struct {
	addr    string
	config  *ssh.ClientConfig
	timeout time.Duration
	log     logr.Logger
}

// NewClient reads and parses the private key and prepares a client.
func NewClient(opts Options) (*Client, error) {
	if opts.Host == "" || opts.User == "" {
		return nil, fmt.Errorf("%w: SSH host and user are required", errdefs.ErrInvalidArgument)
	}
	if opts.Port == 0 {
		return nil, fmt.Errorf("%w: SSH port is not configured", errdefs.ErrInvalidArgument)
	}

	key, err := os.ReadFile(opts.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("%w: unable to read private key: %v", errdefs.ErrIO, err)
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: unable to parse private key %s: %v", errdefs.ErrInvalidArgument, opts.PrivateKeyFile, err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	return &Client{
		addr: net.JoinHostPort(opts.Host, strconv.Itoa(int(opts.Port))),
		config: &ssh.ClientConfig{
			User: opts.User,
			Auth: []ssh.AuthMethod{
				ssh.PublicKeys(signer),
			},
			// Engine host keys change on every reinstall.
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         timeout,
		},
		timeout: timeout,
		log:     log.WithName("ssh"),
	}, nil
}

// Addr returns host:port.
func (c *Client) Addr() string {
	return c.addr
}

// dial opens an SSH connection honouring ctx.
func (c *Client) dial(ctx context.Context) (*ssh.Client, error) {
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errdefs.FromContext(ctxErr)
		}
		return nil, fmt.Errorf("%w: unable to connect to %s: %v", errdefs.ErrBackendUnavailable, c.addr, err)
	}

	// The handshake has no context support; a deadline bounds it instead.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(c.timeout))
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, c.addr, c.config)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: SSH handshake with %s failed: %v", errdefs.ErrOperationFailed, c.addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(sshConn, chans, reqs), nil
}

// Check verifies the engine accepts the configured credentials.
func (c *Client) Check(ctx context.Context) error {
	client, err := c.dial(ctx)
	if err != nil {
		return err
	}
	return client.Close()
}

// Run executes command in the engine. A non-zero exit status is reported in
// Result.ExitCode, not as an error.
func (c *Client) Run(ctx context.Context, command string) (Result, error) {
	client, err := c.dial(ctx)
	if err != nil {
		return Result{}, err
	}
	defer closeAndLog(c.log, client.Close)

	session, err := client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("%w: unable to create SSH session: %v", errdefs.ErrOperationFailed, err)
	}
	defer closeAndLog(c.log, session.Close)

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	c.log.V(1).Info("running remote command", "addr", c.addr, "command", command)

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		_ = client.Close()
		return Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1}, errdefs.FromContext(ctx.Err())
	case err := <-done:
		res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
		var exitErr *ssh.ExitError
		switch {
		case err == nil:
			return res, nil
		case errors.As(err, &exitErr):
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		default:
			res.ExitCode = -1
			return res, fmt.Errorf("%w: remote command failed: %v", errdefs.ErrOperationFailed, err)
		}
	}
}

// Quote joins args into a POSIX shell command line.
func Quote(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = quoteArg(a)
	}
	return strings.Join(quoted, " ")
}

func quoteArg(a string) string {
	if a == "" {
		return "''"
	}
	safe := true
	for _, r := range a {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:,+@%", r)) {
			safe = false
			break
		}
	}
	if safe {
		return a
	}
	return "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
}

func closeAndLog(log logr.Logger, f func() error) {
	if err := f(); err != nil {
		log.V(1).Info("error closing ssh session or connection", "error", err.Error())
	}
}
