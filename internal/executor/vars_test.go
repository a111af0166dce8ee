package executor

import (
	"os"
	"strings"
	"testing"
)

func testVars() Vars {
	v := Vars{
		"name":     "world",
		"greeting": "hello",
		"count":    42,
		"profile":  "Release",
		"empty":    "",
		"dir":      "my dir",
		"targets":  []any{"x86", "arm"},
		"env": map[string]string{
			"HOME": "/home/user",
			"USER": "testuser",
		},
	}
	v.SetFacts(map[string]any{
		"os_type": "Linux",
		"arch":    "arm64",
	})
	return v
}

func TestInterpolate(t *testing.T) {
	vars := testVars()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"simple variable", "{{ name }}", "world"},
		{"variable in text", "Hello, {{ name }}!", "Hello, world!"},
		{"multiple variables", "{{ greeting }}, {{name}}!", "hello, world!"},
		{"integer variable", "make -j{{ count }}", "make -j42"},
		{"dotted path env", "ls {{ env.HOME }}", "ls /home/user"},
		{"dotted path facts", "GOARCH={{ facts.arch }}", "GOARCH=arm64"},
		{"no variables", "plain text", "plain text"},
		{"lower filter", "--{{ profile | lower }}", "--release"},
		{"upper filter", "{{ name | upper }}", "WORLD"},
		{"default on undefined", "{{ missing | default('debug') }}", "debug"},
		{"default on empty", "{{ empty | default(\"x\") }}", "x"},
		{"default keeps value", "{{ name | default('x') }}", "world"},
		{"chained filters", "{{ missing | default('ABC') | lower }}", "abc"},
		{"quote filter", "cd {{ dir | quote }}", "cd 'my dir'"},
		{"join filter", "{{ targets | join(' ') }}", "x86 arm"},
		{"join default separator", "{{ targets | join }}", "x86,arm"},
		{"empty value", "[{{ empty }}]", "[]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := vars.Interpolate(tt.input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Interpolate(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestInterpolateErrors(t *testing.T) {
	vars := testVars()

	tests := []struct {
		name   string
		input  string
		errMsg string
	}{
		{"undefined variable", "echo {{ undefined }}", "undefined variable 'undefined'"},
		{"undefined dotted path", "{{ env.NOPE_NOT_SET }}", "undefined variable 'env.NOPE_NOT_SET'"},
		{"path through scalar", "{{ name.first }}", "undefined variable"},
		{"unknown filter", "{{ name | reverse }}", "unknown filter: reverse"},
		{"filter on undefined", "{{ missing | upper }}", "undefined variable 'missing'"},
		{"empty expression", "{{ | lower }}", "empty variable expression"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := vars.Interpolate(tt.input)
			if err == nil {
				t.Fatalf("expected error containing %q", tt.errMsg)
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("expected error containing %q, got %q", tt.errMsg, err.Error())
			}
		})
	}
}

func TestNewVars(t *testing.T) {
	t.Setenv("SKIFF_TEST_VAR", "hello")

	vars := NewVars(map[string]any{"profile": "release"})

	got, err := vars.Interpolate("{{ profile }} {{ env.SKIFF_TEST_VAR }}")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "release hello" {
		t.Errorf("got %q", got)
	}

	if _, err := vars.Interpolate("{{ facts.os_type }}"); err == nil {
		t.Error("facts should be undefined before SetFacts")
	}
	vars.SetFacts(map[string]any{"os_type": "Linux"})
	if got, _ := vars.Interpolate("{{ facts.os_type }}"); got != "Linux" {
		t.Errorf("facts.os_type = %q", got)
	}
}

func TestGetEnvMap(t *testing.T) {
	env := getEnvMap()

	if path := os.Getenv("PATH"); path != "" && env["PATH"] != path {
		t.Errorf("PATH mismatch: got %q", env["PATH"])
	}
}
