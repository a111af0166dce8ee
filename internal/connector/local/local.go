// Package local provides a connector for deploying to the local machine.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/eugenetaranov/skiff/internal/connector"
)

// Connector runs commands through /bin/sh on the local machine.
type Connector struct {
	mu sync.Mutex
}

// New creates a new local connector.
func New() *Connector {
	return &Connector{}
}

// Connect verifies the platform can run POSIX shell commands.
func (c *Connector) Connect(ctx context.Context) error {
	switch runtime.GOOS {
	case "darwin", "linux", "freebsd":
		return nil
	default:
		return &connector.ConnectionError{Host: "local", Err: fmt.Errorf("unsupported platform: %s", runtime.GOOS)}
	}
}

// Start runs cmd in a new shell process.
func (c *Connector) Start(ctx context.Context, cmd string) (connector.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	execCmd := exec.Command("/bin/sh", "-c", cmd)

	stdout, err := execCmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr, err := execCmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr: %w", err)
	}

	if err := execCmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to execute command: %w", err)
	}

	return &channel{cmd: execCmd, stdout: stdout, stderr: stderr}, nil
}

type channel struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader
	once   sync.Once
}

func (ch *channel) Stdout() io.Reader { return ch.stdout }
func (ch *channel) Stderr() io.Reader { return ch.stderr }

// Close kills the process if it is still running and reaps it.
func (ch *channel) Close() error {
	ch.once.Do(func() {
		_ = ch.cmd.Process.Kill()
		_ = ch.cmd.Wait()
	})
	return nil
}

// Upload writes content from src to a local file at dst.
func (c *Connector) Upload(ctx context.Context, src io.Reader, size int64, dst string, mode os.FileMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", dst, err)
	}
	defer f.Close()

	n, err := io.Copy(f, src)
	if err != nil {
		return fmt.Errorf("failed to write to %s: %w", dst, err)
	}
	if n != size {
		return fmt.Errorf("short write to %s: wrote %d of %d bytes", dst, n, size)
	}

	// OpenFile only applies mode on creation.
	return os.Chmod(dst, mode)
}

// Download reads content from a local file at src to dst.
func (c *Connector) Download(ctx context.Context, src string, dst io.Writer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	f, err := os.Open(filepath.Clean(src))
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", src, err)
	}
	defer f.Close()

	if _, err := io.Copy(dst, f); err != nil {
		return fmt.Errorf("failed to read from %s: %w", src, err)
	}

	return nil
}

// Close is a no-op for local connections.
func (c *Connector) Close() error {
	return nil
}

// String returns a description of the connection.
func (c *Connector) String() string {
	u, err := user.Current()
	if err != nil {
		return "local"
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	return fmt.Sprintf("local://%s@%s", u.Username, hostname)
}

// Ensure Connector implements the connector.Session interface.
var _ connector.Session = (*Connector)(nil)
