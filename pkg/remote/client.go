package remote

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/webfleet/webfleet/pkg/fleet"
	"github.com/webfleet/webfleet/pkg/telemetry"
)

// Client holds one SSH connection to a remote web server, with an SFTP
// subsystem for artifact transfer and a runner for engine commands.
type Client struct {
	cfg *Config
	log *telemetry.Logger

	mu        sync.Mutex
	ssh       *ssh.Client
	sftp      *sftp.Client
	connected bool
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger attaches a logger.
func WithClientLogger(log *telemetry.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient builds a Client for the given connection config. The
// connection is established lazily on first use or by Dial.
func NewClient(cfg *Config, opts ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fleet.NewPropagationError(fmt.Sprintf("invalid remote config for %s", cfg.Host), err)
	}
	c := &Client{cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		logger, _ := telemetry.NewLogger(telemetry.DefaultConfig().Logging)
		c.log = logger.NewComponentLogger("remote").WithField("host", cfg.Host)
	}
	return c, nil
}

// Dial establishes the SSH connection and opens the SFTP subsystem.
// Dialing an already-connected client is a no-op.
func (c *Client) Dial(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}

	clientConfig, err := c.cfg.clientConfig()
	if err != nil {
		return fleet.NewPropagationError(fmt.Sprintf("configure ssh for %s", c.cfg.Host), err)
	}

	// ssh.Dial has no context support, so the dial runs in a goroutine
	// and the select enforces the caller's deadline.
	type dialResult struct {
		client *ssh.Client
		err    error
	}
	resCh := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", c.cfg.Address(), clientConfig)
		resCh <- dialResult{client: client, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if res := <-resCh; res.client != nil {
				res.client.Close()
			}
		}()
		return fleet.NewTimeoutError(fmt.Sprintf("dial %s", c.cfg.Address()), ctx.Err())
	case res := <-resCh:
		if res.err != nil {
			return fleet.NewPropagationError(fmt.Sprintf("dial %s", c.cfg.Address()), res.err)
		}
		sftpClient, err := sftp.NewClient(res.client)
		if err != nil {
			res.client.Close()
			return fleet.NewPropagationError(fmt.Sprintf("open sftp to %s", c.cfg.Host), err)
		}
		c.ssh = res.client
		c.sftp = sftpClient
		c.connected = true
		c.log.Info("Connected to remote server")
		return nil
	}
}

// Close tears down the SFTP subsystem and the SSH connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	c.connected = false
	if c.sftp != nil {
		c.sftp.Close()
		c.sftp = nil
	}
	if c.ssh != nil {
		err := c.ssh.Close()
		c.ssh = nil
		return err
	}
	return nil
}

// Connected reports whether the client holds an open connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) conn(ctx context.Context) (*ssh.Client, *sftp.Client, error) {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		if err := c.Dial(ctx); err != nil {
			return nil, nil, err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ssh, c.sftp, nil
}

// Run executes a command on the remote host and returns its combined
// output. The signature matches the engine controllers' runner, so a
// Client can stand in for local process execution.
func (c *Client) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	sshClient, _, err := c.conn(ctx)
	if err != nil {
		return nil, err
	}
	session, err := sshClient.NewSession()
	if err != nil {
		return nil, fleet.NewPropagationError(fmt.Sprintf("open session to %s", c.cfg.Host), err)
	}
	defer session.Close()

	var output bytes.Buffer
	session.Stdout = &output
	session.Stderr = &output

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CommandTimeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Run(shellCommand(name, args...))
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		return output.Bytes(), ctx.Err()
	case err := <-done:
		return output.Bytes(), err
	}
}

// shellCommand renders a command and its arguments for the remote
// shell, single-quoting each argument.
func shellCommand(name string, args ...string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellQuote(name))
	for _, arg := range args {
		parts = append(parts, shellQuote(arg))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$&|;<>(){}[]*?~#") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
