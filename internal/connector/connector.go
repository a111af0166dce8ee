// Package connector defines the interface for reaching a deploy target.
package connector

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
)

// Result holds the output from command execution.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Session is a connected, authenticated target. Implementations serialize
// every transport-touching call internally; callers never lock.
type Session interface {
	// Start launches a shell command line on a fresh channel. The returned
	// channel streams the command's output until the remote side closes it.
	Start(ctx context.Context, cmd string) (Channel, error)

	// Upload copies size bytes from src to dst on the target with the given
	// permission mode and returns once the target acknowledged the copy.
	Upload(ctx context.Context, src io.Reader, size int64, dst string, mode os.FileMode) error

	// Download copies the target file src into dst.
	Download(ctx context.Context, src string, dst io.Writer) error

	// Close terminates the session.
	Close() error

	// String returns a human-readable description of the connection.
	String() string
}

// Channel is one running command on a Session.
type Channel interface {
	// Stdout returns the command's standard output stream.
	Stdout() io.Reader

	// Stderr returns the command's standard error stream.
	Stderr() io.Reader

	// Close releases the channel. Reads after Close fail.
	Close() error
}

// ConnectionError reports a target that could not be reached.
type ConnectionError struct {
	Host string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to %s: %v", e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthError reports a target that refused our credentials.
type AuthError struct {
	Host string
	User string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %s@%s: %v", e.User, e.Host, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ShellQuote quotes a string for safe use in POSIX shell commands.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
