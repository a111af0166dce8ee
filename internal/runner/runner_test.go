package runner

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/eugenetaranov/skiff/internal/connector"
	"github.com/eugenetaranov/skiff/internal/connector/connectortest"
	"github.com/eugenetaranov/skiff/internal/remote"
)

// scriptedExec answers by the command after "&& ".
type scriptedExec struct {
	codes map[string]int
	ran   []string
	err   error
}

func (s *scriptedExec) Exec(_ context.Context, command string) (*connector.Result, error) {
	s.ran = append(s.ran, command)
	if s.err != nil {
		return nil, s.err
	}
	name := command[strings.LastIndex(command, "&& ")+3:]
	return &connector.Result{Stdout: name + " out\n", ExitCode: s.codes[name]}, nil
}

func TestRun_FailFast(t *testing.T) {
	exec := &scriptedExec{codes: map[string]int{"A": 0, "B": 3, "C": 0}}
	r := New(exec, "/work")

	results, err := r.Run(context.Background(), []Step{
		{Name: "a", Command: "A"},
		{Name: "b", Command: "B"},
		{Name: "c", Command: "C"},
	})

	var failure *TaskFailure
	if !errors.As(err, &failure) {
		t.Fatalf("expected TaskFailure, got %v", err)
	}
	if failure.Step != "b" || failure.ExitCode != 3 {
		t.Errorf("failure = (%s, %d), want (b, 3)", failure.Step, failure.ExitCode)
	}
	if failure.Stdout != "B out\n" {
		t.Errorf("failure stdout = %q", failure.Stdout)
	}

	want := []string{"cd '/work' && A", "cd '/work' && B"}
	if strings.Join(exec.ran, "|") != strings.Join(want, "|") {
		t.Errorf("ran %v, want %v", exec.ran, want)
	}
	if len(results) != 2 {
		t.Errorf("expected 2 results, got %d", len(results))
	}
}

func TestRun_AllSucceed(t *testing.T) {
	exec := &scriptedExec{codes: map[string]int{}}
	var started, done []string

	r := New(exec, "/srv/my app",
		OnStepStart(func(s Step) { started = append(started, s.Name) }),
		OnStepDone(func(sr StepResult) { done = append(done, sr.Step.Name) }),
	)

	results, err := r.Run(context.Background(), []Step{
		{Name: "build", Command: "make"},
		{Name: "test", Command: "make test"},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(results) != 2 || !results[0].OK() || !results[1].OK() {
		t.Errorf("unexpected results %+v", results)
	}
	if exec.ran[0] != "cd '/srv/my app' && make" {
		t.Errorf("unexpected command %q", exec.ran[0])
	}
	if strings.Join(started, ",") != "build,test" || strings.Join(done, ",") != "build,test" {
		t.Errorf("hooks: started=%v done=%v", started, done)
	}
}

func TestRun_ExecErrorStops(t *testing.T) {
	boom := errors.New("channel closed")
	exec := &scriptedExec{err: boom}

	_, err := New(exec, "/w").Run(context.Background(), []Step{{Name: "a", Command: "A"}, {Name: "b", Command: "B"}})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped exec error, got %v", err)
	}
	var failure *TaskFailure
	if errors.As(err, &failure) {
		t.Error("transport errors must not be reported as task failures")
	}
	if len(exec.ran) != 1 {
		t.Errorf("expected one attempt, got %d", len(exec.ran))
	}
}

func TestRun_NoSteps(t *testing.T) {
	results, err := New(&scriptedExec{}, "/w").Run(context.Background(), nil)
	if err != nil || len(results) != 0 {
		t.Errorf("Run(nil) = %v, %v", results, err)
	}
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	exec := &scriptedExec{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(exec, "/w").Run(ctx, []Step{{Name: "a", Command: "A"}})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if len(exec.ran) != 0 {
		t.Error("no step should run after cancellation")
	}
}

func TestCommand_NoDir(t *testing.T) {
	if got := New(nil, "").Command(Step{Command: "ls"}); got != "ls" {
		t.Errorf("Command() = %q, want ls", got)
	}
}

func TestRun_OverRemoteProtocol(t *testing.T) {
	session := connectortest.New()
	session.ChunkSize = 1
	session.Handler = func(command string) connectortest.Reply {
		switch {
		case strings.HasSuffix(command, "&& step-a"):
			return connectortest.Reply{Stdout: "a\n"}
		case strings.HasSuffix(command, "&& step-b"):
			return connectortest.Reply{Stderr: "boom\n", ExitCode: 3}
		default:
			return connectortest.Reply{Stdout: "c\n"}
		}
	}

	_, err := New(remote.NewExecutor(session), "/base").Run(context.Background(), []Step{
		{Name: "A", Command: "step-a"},
		{Name: "B", Command: "step-b"},
		{Name: "C", Command: "step-c"},
	})

	var failure *TaskFailure
	if !errors.As(err, &failure) {
		t.Fatalf("expected TaskFailure, got %v", err)
	}
	if failure.Step != "B" || failure.ExitCode != 3 || failure.Stderr != "boom\n" {
		t.Errorf("unexpected failure %+v", failure)
	}
	if !strings.Contains(failure.Error(), "stderr: boom") {
		t.Errorf("error message missing stderr: %s", failure.Error())
	}
	if cmds := session.Commands(); len(cmds) != 2 {
		t.Errorf("expected 2 commands, got %v", cmds)
	}
}
