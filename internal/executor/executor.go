// Package executor runs jobs against target hosts.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/eugenetaranov/skiff/internal/config"
	"github.com/eugenetaranov/skiff/internal/connector"
	"github.com/eugenetaranov/skiff/internal/connector/docker"
	"github.com/eugenetaranov/skiff/internal/connector/local"
	"github.com/eugenetaranov/skiff/internal/connector/ssh"
	"github.com/eugenetaranov/skiff/internal/fileset"
	"github.com/eugenetaranov/skiff/internal/integrity"
	"github.com/eugenetaranov/skiff/internal/output"
	"github.com/eugenetaranov/skiff/internal/remote"
	"github.com/eugenetaranov/skiff/internal/runner"
	"github.com/eugenetaranov/skiff/internal/transfer"
	"github.com/eugenetaranov/skiff/pkg/facts"
)

// Executor runs jobs: sync the source tree, run the steps, fetch artifacts.
type Executor struct {
	// Output handles formatted output.
	Output *output.Output

	// DryRun computes what would be pushed without changing the target.
	DryRun bool

	// Full skips the diff and pushes every entry.
	Full bool

	// SkipSync skips enumeration and transfer.
	SkipSync bool

	// SkipTasks skips the run steps and artifacts.
	SkipTasks bool

	// CommandTimeout overrides the job's command_timeout when positive.
	CommandTimeout time.Duration

	// Debug enables detailed output.
	Debug bool
}

// New creates a new executor.
func New() *Executor {
	return &Executor{
		Output: output.New(os.Stdout),
	}
}

// RunResult holds the result of a job run.
type RunResult struct {
	// Success is true if every stage completed.
	Success bool

	// Pushed is the entry list the transfer stage realized (or, in dry-run
	// mode, would realize).
	Pushed []fileset.Entry

	// Steps holds the results of steps that ran to completion.
	Steps []runner.StepResult

	// Stats holds execution statistics.
	Stats *Stats
}

// Stats holds execution statistics.
type Stats struct {
	Entries   int
	Uploaded  int
	Unchanged int
	Bytes     int64
	Steps     int
	Failed    int
	Artifacts int
	StartTime time.Time
	EndTime   time.Time
}

// Duration returns the total execution time.
func (s *Stats) Duration() time.Duration {
	return s.EndTime.Sub(s.StartTime)
}

// GetOK returns the number of successful steps and fetched artifacts
// (implements output.Stats).
func (s *Stats) GetOK() int { return s.Steps + s.Artifacts }

// GetChanged returns the number of uploaded files (implements output.Stats).
func (s *Stats) GetChanged() int { return s.Uploaded }

// GetFailed returns the number of failed steps (implements output.Stats).
func (s *Stats) GetFailed() int { return s.Failed }

// GetSkipped returns the number of files left alone because they were
// unchanged (implements output.Stats).
func (s *Stats) GetSkipped() int { return s.Unchanged }

// GetDuration returns the total execution time (implements output.Stats).
func (s *Stats) GetDuration() time.Duration { return s.Duration() }

// Run executes a job. A failed stage stops the run; the returned error
// names the failing path or command and result.Success is false.
func (e *Executor) Run(ctx context.Context, job *config.Job) (*RunResult, error) {
	stats := &Stats{StartTime: time.Now()}
	result := &RunResult{Stats: stats}

	e.Output.JobStart(job.DisplayName(), job.Host.Name, job.Path)

	err := e.run(ctx, job, result)

	stats.EndTime = time.Now()
	if !e.DryRun {
		e.Output.Recap(stats)
	}

	if err != nil {
		e.Output.Error("%v", err)
		return result, err
	}
	result.Success = true
	return result, nil
}

func (e *Executor) run(ctx context.Context, job *config.Job, result *RunResult) error {
	stats := result.Stats

	var entries []fileset.Entry
	if !e.SkipSync {
		var err error
		entries, err = e.Enumerate(job)
		if err != nil {
			return err
		}
		stats.Entries = len(entries)
		e.Output.Debug("Enumerated %d entries under %s", len(entries), job.RemoteRoot())
	}

	if e.DryRun && (e.Full || e.SkipSync) {
		result.Pushed = entries
		e.printPlan(entries)
		return nil
	}

	session, err := e.connect(ctx, job)
	if err != nil {
		return err
	}
	defer session.Close()
	e.Output.Debug("Connected: %s", session)

	exec := remote.NewExecutor(session, remote.WithTimeout(e.commandTimeout(job)))

	if !e.SkipSync {
		push := entries
		if !e.Full {
			push, err = e.diff(ctx, job, exec, entries)
			if err != nil {
				return err
			}
		}
		result.Pushed = push
		stats.Unchanged = len(fileset.Files(entries)) - len(fileset.Files(push))

		if e.DryRun {
			stats.Uploaded = len(fileset.Files(push))
			e.printPlan(push)
			return nil
		}

		if err := e.push(ctx, exec, session, push, stats); err != nil {
			return err
		}
	}

	if e.SkipTasks {
		return nil
	}

	vars := NewVars(job.Vars)
	if job.GatherFacts {
		f, err := facts.Gather(ctx, exec)
		if err != nil {
			return err
		}
		vars.SetFacts(f)
		e.Output.Debug("Gathered facts: os_type=%v arch=%v", f["os_type"], f["arch"])
	}

	steps, err := e.steps(job, vars)
	if err != nil {
		return err
	}

	if len(steps) > 0 {
		e.Output.Stage("tasks")
		results, err := e.runSteps(ctx, job, exec, steps)
		result.Steps = results
		stats.Steps = len(results)
		var failure *runner.TaskFailure
		if errors.As(err, &failure) {
			stats.Steps--
			stats.Failed++
		}
		if err != nil {
			return err
		}
	}

	return e.fetchArtifacts(ctx, job, session, stats)
}

// Enumerate lists the job's source tree with its ignore rules applied.
func (e *Executor) Enumerate(job *config.Job) ([]fileset.Entry, error) {
	src, err := job.SourceDir()
	if err != nil {
		return nil, err
	}
	return fileset.Enumerate(src, job.RemoteRoot(), fileset.Options{
		Ignore:      job.Code.Ignore,
		TreeIgnores: job.Code.TreeIgnores(),
		Hidden:      job.Code.Hidden,
	})
}

func (e *Executor) diff(ctx context.Context, job *config.Job, exec integrity.Execer, entries []fileset.Entry) ([]fileset.Entry, error) {
	src, err := job.SourceDir()
	if err != nil {
		return nil, err
	}

	res, err := integrity.NewDiffer(exec, src, job.RemoteRoot()).Diff(ctx, entries)
	if err != nil {
		return nil, fmt.Errorf("failed to compare files: %w", err)
	}
	if res.FullResync {
		e.Output.Debug("Remote digests unavailable, pushing all %d files", res.Files)
	}
	return res.Entries, nil
}

func (e *Executor) push(ctx context.Context, exec transfer.Execer, session connector.Session, entries []fileset.Entry, stats *Stats) error {
	e.Output.Stage("sync")

	progress := make(chan transfer.Progress, 16)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for p := range progress {
			e.Output.Progress(p.Done, p.Total, p.Entry.String())
		}
	}()

	orch := transfer.New(exec, session, transfer.WithProgress(progress, transfer.DefaultProgressInterval))
	ts, err := orch.Push(ctx, entries)
	close(progress)
	<-drained
	e.Output.EndProgress()

	if ts != nil {
		stats.Uploaded = ts.Files
		stats.Bytes = ts.Bytes
	}
	if err != nil {
		e.Output.TaskResult("push", "failed", "")
		return err
	}

	if ts.Files == 0 {
		e.Output.TaskResult("up to date", "ok", "")
		return nil
	}
	e.Output.TaskResult(
		fmt.Sprintf("pushed %d files, %d dirs", ts.Files, ts.Dirs),
		"changed",
		fmt.Sprintf("%d bytes", ts.Bytes),
	)
	return nil
}

// steps interpolates every run step before any of them runs, so a bad
// reference fails the job without side effects.
func (e *Executor) steps(job *config.Job, vars Vars) ([]runner.Step, error) {
	steps := make([]runner.Step, 0, len(job.Run))
	for _, s := range job.Run {
		cmd, err := vars.Interpolate(s.Run)
		if err != nil {
			return nil, fmt.Errorf("step %q: %w", s.Name, err)
		}
		steps = append(steps, runner.Step{Name: s.Name, Command: cmd})
	}
	return steps, nil
}

func (e *Executor) runSteps(ctx context.Context, job *config.Job, exec runner.Execer, steps []runner.Step) ([]runner.StepResult, error) {
	r := runner.New(exec, job.Host.BaseDir,
		runner.OnStepStart(func(s runner.Step) {
			e.Output.Debug("Running %s: %s", s.Name, s.Command)
		}),
		runner.OnStepDone(func(sr runner.StepResult) {
			if sr.OK() {
				e.Output.TaskResult(sr.Step.Name, "ok", "")
			} else {
				e.Output.TaskResult(sr.Step.Name, "failed", fmt.Sprintf("exit code %d", sr.Result.ExitCode))
			}
			e.Output.CommandOutput(sr.Result.Stdout, sr.Result.Stderr, !sr.OK())
		}),
	)
	return r.Run(ctx, steps)
}

func (e *Executor) fetchArtifacts(ctx context.Context, job *config.Job, session connector.Session, stats *Stats) error {
	if len(job.Artifacts) == 0 {
		return nil
	}

	e.Output.Stage("artifacts")
	for _, a := range job.Artifacts {
		remotePath, localPath, err := job.ArtifactPaths(a)
		if err != nil {
			return err
		}
		if err := download(ctx, session, remotePath, localPath); err != nil {
			e.Output.TaskResult(remotePath, "failed", "")
			return err
		}
		stats.Artifacts++
		e.Output.TaskResult(remotePath, "ok", localPath)
	}
	return nil
}

// download copies a remote file into localPath, creating parent
// directories. A partial file is removed on failure.
func download(ctx context.Context, session connector.Session, remotePath, localPath string) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return &transfer.TransferError{Op: "download", Path: localPath, Err: err}
	}

	f, err := os.Create(localPath)
	if err != nil {
		return &transfer.TransferError{Op: "download", Path: localPath, Err: err}
	}

	err = session.Download(ctx, remotePath, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(localPath)
		return &transfer.TransferError{Op: "download", Path: remotePath, Err: err}
	}

	log.WithFields(log.Fields{"remote": remotePath, "local": localPath}).Debug("Downloaded artifact")
	return nil
}

func (e *Executor) printPlan(entries []fileset.Entry) {
	e.Output.Stage("plan")
	if len(entries) == 0 {
		e.Output.Info("Nothing to push")
		return
	}
	for _, en := range entries {
		e.Output.Entry(en.Kind.String(), en.RemotePath)
	}
	e.Output.Info("%d entries would be pushed", len(entries))
}

func (e *Executor) commandTimeout(job *config.Job) time.Duration {
	if e.CommandTimeout > 0 {
		return e.CommandTimeout
	}
	return job.CommandTimeout
}

// connectable is a session that still has to be connected.
type connectable interface {
	connector.Session
	Connect(ctx context.Context) error
}

// connect opens the session selected by the job's host name.
func (e *Executor) connect(ctx context.Context, job *config.Job) (connector.Session, error) {
	conn, err := e.getConnector(job)
	if err != nil {
		return nil, err
	}
	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}

func (e *Executor) getConnector(job *config.Job) (connectable, error) {
	target, err := job.Host.Target()
	if err != nil {
		return nil, err
	}

	switch target.Connection {
	case config.ConnectionLocal:
		return local.New(), nil

	case config.ConnectionDocker:
		var opts []docker.Option
		if target.User != "" {
			opts = append(opts, docker.WithUser(target.User))
		}
		return docker.New(target.Host, opts...), nil

	case config.ConnectionSSH:
		cfg := ssh.Config{
			Host:                  target.Host,
			Port:                  target.Port,
			User:                  target.User,
			KeyPath:               job.Host.KeyPath,
			KnownHostsFile:        job.Host.KnownHosts,
			InsecureIgnoreHostKey: job.Host.InsecureIgnoreHostKey,
			Timeout:               job.Host.ConnectTimeout,
			Protocol:              ssh.Protocol(job.Protocol()),
		}
		if job.Host.PasswordEnv != "" {
			cfg.Password = os.Getenv(job.Host.PasswordEnv)
		}
		return ssh.New(cfg), nil

	default:
		return nil, fmt.Errorf("unknown connection type: %s", target.Connection)
	}
}
