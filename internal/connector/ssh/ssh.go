// Package ssh provides a connector for deploying to hosts over SSH.
//
// All transport-touching calls (opening a channel, copying a file, starting
// the SFTP subsystem) hold a session-wide lock for their duration. Reading
// from an already opened channel does not.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/eugenetaranov/skiff/internal/connector"
)

// DefaultTimeout bounds connection establishment when Config.Timeout is unset.
const DefaultTimeout = 30 * time.Second

// Protocol selects how file bytes are pushed to the host.
type Protocol string

const (
	// ProtocolSCP streams files through the scp sink protocol (default).
	ProtocolSCP Protocol = "scp"
	// ProtocolSFTP writes files through the SFTP subsystem.
	ProtocolSFTP Protocol = "sftp"
)

// Config holds SSH connection configuration.
type Config struct {
	// Host is the target SSH server hostname or IP address.
	Host string

	// Port is the SSH port (default 22).
	Port int

	// User is the SSH username (default: the local user).
	User string

	// KeyPath is the path to a private key file. When empty the usual
	// ~/.ssh/id_* files are tried.
	KeyPath string

	// Password enables password authentication when set.
	Password string

	// KnownHostsFile is the known_hosts file used to verify the host key.
	KnownHostsFile string

	// InsecureIgnoreHostKey skips host key verification.
	InsecureIgnoreHostKey bool

	// Timeout bounds connection establishment.
	Timeout time.Duration

	// Protocol selects the file copy protocol.
	Protocol Protocol
}

// WithDefaults returns a copy of the config with default values applied.
func (c Config) WithDefaults() Config {
	if c.Port == 0 {
		c.Port = 22
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.User == "" {
		c.User = currentUser()
	}
	if c.Protocol == "" {
		c.Protocol = ProtocolSCP
	}
	return c
}

// Address returns the host:port dial address.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Connector holds one authenticated SSH connection.
type Connector struct {
	config Config

	mu     sync.Mutex
	client *ssh.Client
	sftp   *sftp.Client
	agent  net.Conn
}

// New creates a new SSH connector. Call Connect before use.
func New(config Config) *Connector {
	return &Connector{config: config.WithDefaults()}
}

// Connect dials and authenticates. The wait is bounded by Config.Timeout.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	addr := c.config.Address()

	authMethods, agentConn, err := buildAuthMethods(c.config)
	if err != nil {
		return &connector.AuthError{Host: addr, User: c.config.User, Err: err}
	}
	connected := false
	defer func() {
		if !connected && agentConn != nil {
			agentConn.Close()
		}
	}()

	hostKeyCallback, err := buildHostKeyCallback(c.config)
	if err != nil {
		return &connector.ConnectionError{Host: addr, Err: fmt.Errorf("failed to configure host key verification: %w", err)}
	}

	sshConfig := &ssh.ClientConfig{
		User:            c.config.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.config.Timeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	dialer := net.Dialer{Timeout: c.config.Timeout}
	conn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return &connector.ConnectionError{Host: addr, Err: err}
	}

	// The handshake itself is not context aware; bound it with a deadline.
	if deadline, ok := dialCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	ncc, chans, reqs, err := ssh.NewClientConn(conn, addr, sshConfig)
	if err != nil {
		conn.Close()
		if isAuthFailure(err) {
			return &connector.AuthError{Host: addr, User: c.config.User, Err: err}
		}
		return &connector.ConnectionError{Host: addr, Err: err}
	}
	_ = conn.SetDeadline(time.Time{})

	c.client = ssh.NewClient(ncc, chans, reqs)
	c.agent = agentConn
	connected = true

	log.WithFields(log.Fields{
		"host":    addr,
		"user":    c.config.User,
		"server":  string(ncc.ServerVersion()),
		"copying": c.config.Protocol,
	}).Debug("SSH connection established")

	return nil
}

func isAuthFailure(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate") ||
		strings.Contains(err.Error(), "no supported methods remain")
}

// Start opens a new SSH session channel and starts cmd on it.
func (c *Connector) Start(ctx context.Context, cmd string) (connector.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.client == nil {
		return nil, errNotConnected
	}

	session, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open session channel: %w", err)
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to open stderr: %w", err)
	}

	if err := session.Start(cmd); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to start command: %w", err)
	}

	return &channel{session: session, stdout: stdout, stderr: stderr}, nil
}

var errNotConnected = errors.New("ssh: not connected")

type channel struct {
	session *ssh.Session
	stdout  io.Reader
	stderr  io.Reader
}

func (ch *channel) Stdout() io.Reader { return ch.stdout }
func (ch *channel) Stderr() io.Reader { return ch.stderr }

func (ch *channel) Close() error {
	if err := ch.session.Close(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Upload pushes a file with the configured copy protocol.
func (c *Connector) Upload(ctx context.Context, src io.Reader, size int64, dst string, mode os.FileMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if c.client == nil {
		return errNotConnected
	}

	if c.config.Protocol == ProtocolSFTP {
		return c.uploadSFTP(src, dst, mode)
	}
	return c.uploadSCP(src, size, dst, mode)
}

// Download fetches a remote file over SFTP.
func (c *Connector) Download(ctx context.Context, src string, dst io.Writer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if c.client == nil {
		return errNotConnected
	}

	return c.downloadSFTP(src, dst)
}

// Close closes the SFTP subsystem, if started, the connection and the SSH
// agent connection.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	if c.sftp != nil {
		errs = append(errs, c.sftp.Close())
		c.sftp = nil
	}
	if c.client != nil {
		errs = append(errs, c.client.Close())
		c.client = nil
	}
	if c.agent != nil {
		errs = append(errs, c.agent.Close())
		c.agent = nil
	}
	return errors.Join(errs...)
}

// String returns a description of the connection.
func (c *Connector) String() string {
	return fmt.Sprintf("ssh://%s@%s", c.config.User, c.config.Address())
}

// Ensure Connector implements the connector.Session interface.
var _ connector.Session = (*Connector)(nil)
