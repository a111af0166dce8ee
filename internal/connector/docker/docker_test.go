package docker

import (
	"reflect"
	"testing"
)

func TestBuildExecArgs(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
		want []string
	}{
		{"default user", nil, []string{"exec", "-i", "web", "/bin/sh", "-c", "ls -la"}},
		{"with user", []Option{WithUser("deploy")}, []string{"exec", "-i", "-u", "deploy", "web", "/bin/sh", "-c", "ls -la"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := New("web", tt.opts...).buildExecArgs("ls -la")
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("buildExecArgs() = %v, want %v", got, tt.want)
			}
		})
	}
}
