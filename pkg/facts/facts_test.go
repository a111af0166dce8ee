package facts

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/eugenetaranov/skiff/internal/connector"
	"github.com/eugenetaranov/skiff/internal/connector/local"
	"github.com/eugenetaranov/skiff/internal/remote"
)

func TestParseFacts(t *testing.T) {
	output := strings.Join([]string{
		"os_type=Linux",
		"architecture=aarch64",
		"kernel=6.1.0",
		"hostname=build-box",
		"user=deploy",
		"home=/home/deploy",
		"env.PATH=/usr/bin:/bin",
		"env.SHELL=",
		`os_release.PRETTY_NAME="Ubuntu 24.04 LTS"`,
		"os_release.ID=ubuntu",
		`os_release.VERSION_ID="24.04"`,
		"garbage line",
		"",
	}, "\n")

	facts := parseFacts(output)

	tests := map[string]any{
		"os_type":              "Linux",
		"arch":                 "arm64",
		"architecture":         "aarch64",
		"kernel":               "6.1.0",
		"hostname":             "build-box",
		"user":                 "deploy",
		"home":                 "/home/deploy",
		"os_family":            "Debian",
		"distribution":         "ubuntu",
		"distribution_version": "24.04",
		"os_name":              "Ubuntu 24.04 LTS",
	}
	for key, want := range tests {
		if facts[key] != want {
			t.Errorf("facts[%q] = %v, want %v", key, facts[key], want)
		}
	}

	env, ok := facts["env"].(map[string]string)
	if !ok {
		t.Fatalf("env has type %T", facts["env"])
	}
	if env["PATH"] != "/usr/bin:/bin" {
		t.Errorf("env PATH = %q", env["PATH"])
	}
	if _, ok := env["SHELL"]; ok {
		t.Error("empty env values should be dropped")
	}
}

func TestNormalizeArch(t *testing.T) {
	tests := map[string]string{
		"x86_64":  "amd64",
		"amd64":   "amd64",
		"aarch64": "arm64",
		"armv7l":  "arm",
		"riscv64": "riscv64",
	}
	for in, want := range tests {
		if got := normalizeArch(in); got != want {
			t.Errorf("normalizeArch(%q) = %q, want %q", in, got, want)
		}
	}
}

type fixedExec struct{ result *connector.Result }

func (f fixedExec) Exec(context.Context, string) (*connector.Result, error) {
	return f.result, nil
}

func TestGather_CommandFails(t *testing.T) {
	_, err := Gather(context.Background(), fixedExec{&connector.Result{ExitCode: 2, Stderr: "sh: bad"}})
	if err == nil || !strings.Contains(err.Error(), "code 2") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestGather_Local(t *testing.T) {
	conn := local.New()
	if err := conn.Connect(context.Background()); err != nil {
		t.Skipf("local connector unavailable: %v", err)
	}

	facts, err := Gather(context.Background(), remote.NewExecutor(conn, remote.WithTimeout(10*time.Second)))
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	for _, key := range []string{"os_type", "arch", "kernel"} {
		if v, _ := facts[key].(string); v == "" {
			t.Errorf("expected non-empty fact %q", key)
		}
	}
}
