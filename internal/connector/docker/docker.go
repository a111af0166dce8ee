// Package docker provides a connector for deploying into Docker containers.
package docker

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/eugenetaranov/skiff/internal/connector"
)

// Connector runs commands inside a Docker container.
type Connector struct {
	container string
	user      string
	mu        sync.Mutex
}

// Option configures the Docker connector.
type Option func(*Connector)

// WithUser sets the user for command execution.
func WithUser(user string) Option {
	return func(c *Connector) {
		c.user = user
	}
}

// New creates a new Docker connector for the specified container.
func New(container string, opts ...Option) *Connector {
	c := &Connector{
		container: container,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Connect verifies the container exists and is running.
func (c *Connector) Connect(ctx context.Context) error {
	if _, err := exec.LookPath("docker"); err != nil {
		return &connector.ConnectionError{Host: c.String(), Err: fmt.Errorf("docker command not found: %w", err)}
	}

	cmd := exec.CommandContext(ctx, "docker", "inspect", "-f", "{{.State.Running}}", c.container)
	output, err := cmd.Output()
	if err != nil {
		return &connector.ConnectionError{Host: c.String(), Err: fmt.Errorf("container not found or not accessible: %w", err)}
	}

	if strings.TrimSpace(string(output)) != "true" {
		return &connector.ConnectionError{Host: c.String(), Err: fmt.Errorf("container is not running")}
	}

	return nil
}

// Start runs cmd through /bin/sh inside the container.
func (c *Connector) Start(ctx context.Context, cmd string) (connector.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	execCmd := exec.Command("docker", c.buildExecArgs(cmd)...)

	stdout, err := execCmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr, err := execCmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr: %w", err)
	}

	if err := execCmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to execute command in container: %w", err)
	}

	return &channel{cmd: execCmd, stdout: stdout, stderr: stderr}, nil
}

// buildExecArgs builds the docker exec command arguments.
func (c *Connector) buildExecArgs(cmd string) []string {
	args := []string{"exec", "-i"}

	if c.user != "" {
		args = append(args, "-u", c.user)
	}

	return append(args, c.container, "/bin/sh", "-c", cmd)
}

type channel struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader
	once   sync.Once
}

func (ch *channel) Stdout() io.Reader { return ch.stdout }
func (ch *channel) Stderr() io.Reader { return ch.stderr }

func (ch *channel) Close() error {
	ch.once.Do(func() {
		_ = ch.cmd.Process.Kill()
		_ = ch.cmd.Wait()
	})
	return nil
}

// Upload copies content to a file inside the container.
func (c *Connector) Upload(ctx context.Context, src io.Reader, size int64, dst string, mode os.FileMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// docker cp does not read stdin, so stage through a temp file.
	tmpFile, err := os.CreateTemp("", "skiff-upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	n, err := io.Copy(tmpFile, src)
	tmpFile.Close()
	if err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if n != size {
		return fmt.Errorf("short read staging %s: got %d of %d bytes", dst, n, size)
	}

	cmd := exec.CommandContext(ctx, "docker", "cp", tmpPath, fmt.Sprintf("%s:%s", c.container, dst))
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to copy file to container: %s: %w", strings.TrimSpace(string(output)), err)
	}

	chmod := exec.CommandContext(ctx, "docker", "exec", c.container, "chmod", fmt.Sprintf("%o", mode.Perm()), dst)
	if output, err := chmod.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to set file permissions in container: %s: %w", strings.TrimSpace(string(output)), err)
	}

	return nil
}

// Download copies content from a file inside the container.
func (c *Connector) Download(ctx context.Context, src string, dst io.Writer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tmpFile, err := os.CreateTemp("", "skiff-download-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	cmd := exec.CommandContext(ctx, "docker", "cp", fmt.Sprintf("%s:%s", c.container, src), tmpPath)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to copy file from container: %s: %w", strings.TrimSpace(string(output)), err)
	}

	f, err := os.Open(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to open temp file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(dst, f); err != nil {
		return fmt.Errorf("failed to read downloaded file: %w", err)
	}

	return nil
}

// Close is a no-op for Docker connections.
func (c *Connector) Close() error {
	return nil
}

// String returns a description of the connection.
func (c *Connector) String() string {
	if c.user != "" {
		return fmt.Sprintf("docker://%s@%s", c.user, c.container)
	}
	return fmt.Sprintf("docker://%s", c.container)
}

// Ensure Connector implements the connector.Session interface.
var _ connector.Session = (*Connector)(nil)
