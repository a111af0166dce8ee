// Package remote turns a streaming shell channel into a run-to-completion
// primitive. Each command is wrapped so that, after it exits, the shell
// prints a marker carrying a per-invocation id and the exit status. The
// marker is found in stdout and stripped before the output is returned.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/eugenetaranov/skiff/internal/connector"
)

const (
	readChunkSize = 32 * 1024

	// stderrGrace bounds how long a completed invocation waits for stderr
	// to reach EOF before the channel is closed.
	stderrGrace = 500 * time.Millisecond
)

// Wrap returns the shell command line that runs command and then prints the
// completion marker for id.
func Wrap(id, command string) string {
	return fmt.Sprintf("sh -c %s; echo \"%s\"", connector.ShellQuote(command), markerEcho(id))
}

// Invocation is one remote command in flight. It moves from running to
// completed exactly once; the completed result never changes.
type Invocation struct {
	id      string
	command string
	channel connector.Channel

	once   sync.Once
	done   chan struct{}
	result *connector.Result
	err    error
}

// Start launches command on a new channel of session and returns without
// waiting. A background reader accumulates output until the marker arrives.
func Start(ctx context.Context, session connector.Session, command string) (*Invocation, error) {
	id := uuid.NewString()

	channel, err := session.Start(ctx, Wrap(id, command))
	if err != nil {
		return nil, fmt.Errorf("failed to start remote command: %w", err)
	}

	inv := &Invocation{
		id:      id,
		command: command,
		channel: channel,
		done:    make(chan struct{}),
	}

	log.WithFields(log.Fields{"id": id, "command": command}).Debug("Started remote command")

	stderr := &lockedBuffer{}
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		_, _ = io.Copy(stderr, channel.Stderr())
	}()
	go inv.read(newMarkerScanner(id), stderr, stderrDone)

	return inv, nil
}

// ID returns the invocation's unique id.
func (inv *Invocation) ID() string { return inv.id }

// Command returns the unwrapped command line.
func (inv *Invocation) Command() string { return inv.command }

// Done is closed once the invocation has completed.
func (inv *Invocation) Done() <-chan struct{} { return inv.done }

// Wait blocks until the invocation completes or ctx is done. When ctx ends
// first the channel is closed locally and a ProtocolError wrapping the
// context error is returned; the remote process is not signalled.
func (inv *Invocation) Wait(ctx context.Context) (*connector.Result, error) {
	select {
	case <-inv.done:
	case <-ctx.Done():
		inv.complete(nil, &ProtocolError{Command: inv.command, Reason: "wait abandoned", Err: ctx.Err()})
		<-inv.done
	}
	return inv.result, inv.err
}

func (inv *Invocation) read(scanner *markerScanner, stderr *lockedBuffer, stderrDone <-chan struct{}) {
	stdout := inv.channel.Stdout()
	buf := make([]byte, readChunkSize)

	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			matched, scanErr := scanner.Feed(buf[:n])
			if scanErr != nil {
				inv.complete(nil, &ProtocolError{Command: inv.command, Reason: "unusable completion marker", Err: scanErr})
				return
			}
			if matched {
				select {
				case <-stderrDone:
				case <-time.After(stderrGrace):
					log.WithField("id", inv.id).Debug("Stderr still open after completion marker")
				}
				inv.complete(&connector.Result{
					Stdout:   scanner.Output(),
					Stderr:   stderr.String(),
					ExitCode: scanner.ExitCode(),
				}, nil)
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			inv.complete(nil, &ProtocolError{Command: inv.command, Reason: "output ended before completion marker", Err: err})
			return
		}
	}
}

// complete records the terminal state. Only the first call has any effect.
func (inv *Invocation) complete(result *connector.Result, err error) {
	inv.once.Do(func() {
		inv.result = result
		inv.err = err
		if closeErr := inv.channel.Close(); closeErr != nil {
			log.WithError(closeErr).WithField("id", inv.id).Debug("Failed to close channel")
		}

		entry := log.WithField("id", inv.id)
		if err != nil {
			entry.WithError(err).Debug("Remote command failed")
		} else {
			entry.WithFields(log.Fields{
				"exit_code": result.ExitCode,
				"stdout":    len(result.Stdout),
				"stderr":    len(result.Stderr),
			}).Debug("Remote command completed")
		}
		close(inv.done)
	})
}

// Executor runs commands to completion on a shared session.
type Executor struct {
	session connector.Session
	timeout time.Duration
}

// Option configures an Executor.
type Option func(*Executor)

// WithTimeout bounds every command's wait. Zero means no bound.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		e.timeout = d
	}
}

// NewExecutor creates an Executor over session.
func NewExecutor(session connector.Session, opts ...Option) *Executor {
	e := &Executor{session: session}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Exec runs command and waits for its result. A non-zero exit status is not
// an error; it is reported in the result.
func (e *Executor) Exec(ctx context.Context, command string) (*connector.Result, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	inv, err := Start(ctx, e.session, command)
	if err != nil {
		return nil, err
	}
	return inv.Wait(ctx)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
