package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/mqic/communicator/pkg/faults"
)

// ExecResult is the outcome of one remote command
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes shell commands on the remote host
type Runner interface {
	// Run executes cmd and captures its output. A non-zero exit code is
	// reported in the result, not as an error; errors mean the command
	// could not be executed at all.
	Run(ctx context.Context, cmd string) (*ExecResult, error)

	// RunStream executes cmd with the given stdin and stdout streams.
	// The result's Stdout field is empty when stdout is non-nil.
	RunStream(ctx context.Context, cmd string, stdin io.Reader, stdout io.Writer) (*ExecResult, error)
}

// ClientConfig describes the SSH connection to the HPC host
type ClientConfig struct {
	Addr           string // host:port
	User           string
	PrivateKeyPath string
	ConnectTimeout time.Duration
}

// Client is a Runner backed by a cached SSH connection
type Client struct {
	cfg ClientConfig

	mu   sync.Mutex
	conn *ssh.Client
}

// NewClient creates an SSH client. No connection is made until the first
// command runs.
func NewClient(cfg ClientConfig) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	return &Client{cfg: cfg}
}

func (c *Client) sshConfig() (*ssh.ClientConfig, error) {
	key, err := os.ReadFile(c.cfg.PrivateKeyPath)
	if err != nil {
		return nil, faults.New("remote.dial", faults.Configuration,
			fmt.Errorf("read private key: %w", err))
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, faults.New("remote.dial", faults.Configuration,
			fmt.Errorf("parse private key: %w", err))
	}
	return &ssh.ClientConfig{
		User:            c.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         c.cfg.ConnectTimeout,
	}, nil
}

// connection returns the cached connection, dialing if needed
func (c *Client) connection() (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return c.conn, nil
	}

	cfg, err := c.sshConfig()
	if err != nil {
		return nil, err
	}
	conn, err := ssh.Dial("tcp", c.cfg.Addr, cfg)
	if err != nil {
		return nil, faults.New("remote.dial", faults.Network, err)
	}
	c.conn = conn
	return conn, nil
}

// invalidate drops the cached connection after a transport failure
func (c *Client) invalidate(conn *ssh.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn.Close()
		c.conn = nil
	}
}

// Run implements Runner
func (c *Client) Run(ctx context.Context, cmd string) (*ExecResult, error) {
	return c.RunStream(ctx, cmd, nil, nil)
}

// RunStream implements Runner
func (c *Client) RunStream(ctx context.Context, cmd string, stdin io.Reader, stdout io.Writer) (*ExecResult, error) {
	conn, err := c.connection()
	if err != nil {
		return nil, err
	}

	session, err := conn.NewSession()
	if err != nil {
		c.invalidate(conn)
		return nil, faults.New("remote.session", faults.Network, err)
	}
	defer session.Close()

	var outBuf, errBuf bytes.Buffer
	if stdout != nil {
		session.Stdout = stdout
	} else {
		session.Stdout = &outBuf
	}
	session.Stderr = &errBuf
	if stdin != nil {
		session.Stdin = stdin
	}

	if err := session.Start(cmd); err != nil {
		c.invalidate(conn)
		return nil, faults.New("remote.exec", faults.Network, err)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- session.Wait() }()

	select {
	case <-ctx.Done():
		session.Close()
		<-waitCh
		c.invalidate(conn)
		return nil, faults.New("remote.exec", faults.Network,
			fmt.Errorf("%q: %w", cmd, ctx.Err()))
	case err = <-waitCh:
	}

	result := &ExecResult{
		Stdout: outBuf.String(),
		Stderr: errBuf.String(),
	}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		c.invalidate(conn)
		return nil, faults.New("remote.exec", faults.Network, err)
	}
	return result, nil
}

// Close closes the cached connection, if any
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

var _ Runner = (*Client)(nil)
