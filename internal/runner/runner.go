// Package runner executes an ordered list of remote steps, stopping at the
// first one that fails.
package runner

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/eugenetaranov/skiff/internal/connector"
)

// Execer runs one remote command to completion.
type Execer interface {
	Exec(ctx context.Context, command string) (*connector.Result, error)
}

// Step is one named remote command.
type Step struct {
	Name    string
	Command string
}

// StepResult is the outcome of a step that ran to completion.
type StepResult struct {
	Step     Step
	Result   *connector.Result
	Duration time.Duration
}

// OK reports whether the step exited zero.
func (r StepResult) OK() bool {
	return r.Result != nil && r.Result.ExitCode == 0
}

// TaskFailure is a step that exited non-zero. It ends the run.
type TaskFailure struct {
	Step     string
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *TaskFailure) Error() string {
	msg := fmt.Sprintf("step %q failed with exit code %d", e.Step, e.ExitCode)
	if e.Stderr != "" {
		msg += fmt.Sprintf("\nstderr: %s", strings.TrimSpace(e.Stderr))
	}
	return msg
}

// Runner runs steps in a fixed working directory.
type Runner struct {
	exec    Execer
	dir     string
	onStart func(Step)
	onDone  func(StepResult)
}

// Option configures a Runner.
type Option func(*Runner)

// OnStepStart registers fn to be called before each step starts.
func OnStepStart(fn func(Step)) Option {
	return func(r *Runner) {
		r.onStart = fn
	}
}

// OnStepDone registers fn to be called after each step completes, whatever
// its exit code.
func OnStepDone(fn func(StepResult)) Option {
	return func(r *Runner) {
		r.onDone = fn
	}
}

// New creates a Runner executing every step inside dir.
func New(exec Execer, dir string, opts ...Option) *Runner {
	r := &Runner{exec: exec, dir: dir}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Command returns the command line a step runs as.
func (r *Runner) Command(step Step) string {
	if r.dir == "" {
		return step.Command
	}
	return fmt.Sprintf("cd %s && %s", connector.ShellQuote(r.dir), step.Command)
}

// Run executes steps strictly in order. A step starts only after the previous
// one completed. The first non-zero exit returns a *TaskFailure and no later
// step runs; nothing already done is undone.
func (r *Runner) Run(ctx context.Context, steps []Step) ([]StepResult, error) {
	results := make([]StepResult, 0, len(steps))

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		if r.onStart != nil {
			r.onStart(step)
		}

		start := time.Now()
		result, err := r.exec.Exec(ctx, r.Command(step))
		if err != nil {
			return results, fmt.Errorf("failed to run step %q: %w", step.Name, err)
		}

		sr := StepResult{Step: step, Result: result, Duration: time.Since(start)}
		results = append(results, sr)

		log.WithFields(log.Fields{
			"step":      step.Name,
			"exit_code": result.ExitCode,
			"duration":  sr.Duration,
		}).Debug("Step completed")

		if r.onDone != nil {
			r.onDone(sr)
		}

		if result.ExitCode != 0 {
			return results, &TaskFailure{
				Step:     step.Name,
				Command:  step.Command,
				ExitCode: result.ExitCode,
				Stdout:   result.Stdout,
				Stderr:   result.Stderr,
			}
		}
	}

	return results, nil
}
