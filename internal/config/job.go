// Package config defines the structure and parsing of skiff job files.
package config

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
)

// DefaultFile is the job file used when none is given.
const DefaultFile = "skiff.yaml"

// Transfer protocols accepted in code.use.
const (
	ProtocolSCP  = "scp"
	ProtocolSFTP = "sftp"
)

// Job is a complete job file: where to push a source tree and what to run
// once it is there.
type Job struct {
	// Path is the file path the job was loaded from.
	Path string `yaml:"-"`

	// Type is the job kind. Only "task" is supported.
	Type string `yaml:"type"`

	// Alias is an optional display name.
	Alias string `yaml:"as"`

	// Host is the deploy target.
	Host Host `yaml:"host"`

	// Code describes the source tree to push.
	Code Code `yaml:"code"`

	// Vars are available to step commands as {{ name }}.
	Vars map[string]any `yaml:"vars"`

	// GatherFacts collects remote system facts before the steps run.
	GatherFacts bool `yaml:"gather_facts"`

	// CommandTimeout bounds every remote command. Zero means no bound.
	CommandTimeout time.Duration `yaml:"command_timeout"`

	// Run is the ordered list of remote steps.
	Run []*Step `yaml:"run"`

	// Artifacts are fetched back after every step succeeded.
	Artifacts []*Artifact `yaml:"artifact"`
}

// Host describes the deploy target and how to reach it.
type Host struct {
	// Name is "local", "docker://<container>" or "[user@]host[:port]".
	Name string `yaml:"name"`

	// BaseDir is the remote working directory for steps.
	BaseDir string `yaml:"base_dir"`

	User                  string        `yaml:"user"`
	Port                  int           `yaml:"port"`
	KeyPath               string        `yaml:"key_path"`
	PasswordEnv           string        `yaml:"password_env"`
	KnownHosts            string        `yaml:"known_hosts"`
	InsecureIgnoreHostKey bool          `yaml:"insecure_ignore_host_key"`
	ConnectTimeout        time.Duration `yaml:"connect_timeout"`
}

// Code describes the local source tree.
type Code struct {
	// Location is the local directory, relative to the job file.
	Location string `yaml:"location"`

	// Dest is the remote directory, relative to host.base_dir.
	Dest string `yaml:"dest"`

	// Ignore holds gitignore-style patterns, one per line.
	Ignore string `yaml:"ignore"`

	// GitIgnore honors .gitignore and .ignore files inside Location.
	// Unset means true.
	GitIgnore *bool `yaml:"gitignore"`

	// Hidden includes dot-files and dot-directories such as .git.
	Hidden bool `yaml:"hidden"`

	// Use selects the file copy protocol: scp (default) or sftp.
	Use string `yaml:"use"`
}

// Step is one remote command.
type Step struct {
	Name     string `yaml:"name"`
	Run      string `yaml:"run"`
	Platform string `yaml:"platform"`
}

// Artifact is a remote file copied back to the local machine.
type Artifact struct {
	RemotePath string `yaml:"remote_path"`
	LocalPath  string `yaml:"local_path"`
}

// Validate checks the job for errors.
func (j *Job) Validate() error {
	switch j.Type {
	case "task":
	case "":
		return fmt.Errorf("job is missing required 'type' field")
	default:
		return fmt.Errorf("unsupported job type: %s (must be task)", j.Type)
	}

	if j.Host.Name == "" {
		return fmt.Errorf("host is missing required 'name' field")
	}
	if j.Host.BaseDir == "" {
		return fmt.Errorf("host is missing required 'base_dir' field")
	}
	if j.Host.Port < 0 || j.Host.Port > 65535 {
		return fmt.Errorf("host port %d is out of range", j.Host.Port)
	}
	if j.Host.ConnectTimeout < 0 {
		return fmt.Errorf("connect_timeout cannot be negative")
	}
	if _, err := ParseTarget(j.Host.Name); err != nil {
		return err
	}
	// Remote paths are quoted on the wire, so the remote shell never
	// expands a tilde.
	if strings.HasPrefix(j.Host.BaseDir, "~") {
		return fmt.Errorf("host base_dir %q must not start with ~ (use an absolute path or one relative to the login directory)", j.Host.BaseDir)
	}
	if strings.HasPrefix(j.Code.Dest, "~") {
		return fmt.Errorf("code dest %q must not start with ~", j.Code.Dest)
	}

	if j.Code.Location == "" {
		return fmt.Errorf("code is missing required 'location' field")
	}
	switch j.Code.Use {
	case "", "ssh", ProtocolSCP, ProtocolSFTP:
	default:
		return fmt.Errorf("invalid code.use: %s (must be scp or sftp)", j.Code.Use)
	}

	if j.CommandTimeout < 0 {
		return fmt.Errorf("command_timeout cannot be negative")
	}

	for i, step := range j.Run {
		if err := step.Validate(); err != nil {
			name := step.Name
			if name == "" {
				name = fmt.Sprintf("step %d", i+1)
			}
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	for i, a := range j.Artifacts {
		if a.RemotePath == "" || a.LocalPath == "" {
			return fmt.Errorf("artifact %d: both remote_path and local_path are required", i+1)
		}
		if strings.HasPrefix(a.RemotePath, "~") {
			return fmt.Errorf("artifact %d: remote_path %q must not start with ~", i+1, a.RemotePath)
		}
	}

	return nil
}

// Validate checks the step for errors.
func (s *Step) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("step is missing required 'name' field")
	}
	if strings.TrimSpace(s.Run) == "" {
		return fmt.Errorf("step is missing required 'run' field")
	}
	if s.Platform != "" && s.Platform != "remote" {
		return fmt.Errorf("invalid platform: %s (must be remote)", s.Platform)
	}
	return nil
}

// DisplayName returns the alias, falling back to the host name.
func (j *Job) DisplayName() string {
	if j.Alias != "" {
		return j.Alias
	}
	return j.Host.Name
}

// Dir returns the directory containing the job file.
func (j *Job) Dir() string {
	if j.Path == "" {
		return "."
	}
	return filepath.Dir(j.Path)
}

// SourceDir returns the local source directory, resolved against the job
// file's directory.
func (j *Job) SourceDir() (string, error) {
	return j.resolveLocal(j.Code.Location)
}

// RemoteRoot returns the remote directory the source tree is pushed to.
func (j *Job) RemoteRoot() string {
	return remoteJoin(j.Host.BaseDir, j.Code.Dest)
}

// TreeIgnores reports whether ignore files inside the source tree apply.
func (c *Code) TreeIgnores() bool {
	return c.GitIgnore == nil || *c.GitIgnore
}

// Protocol returns the file copy protocol.
func (j *Job) Protocol() string {
	if j.Code.Use == ProtocolSFTP {
		return ProtocolSFTP
	}
	return ProtocolSCP
}

// ArtifactPaths resolves an artifact to its remote and local paths.
func (j *Job) ArtifactPaths(a *Artifact) (remote, local string, err error) {
	local, err = j.resolveLocal(a.LocalPath)
	if err != nil {
		return "", "", err
	}
	return remoteJoin(j.Host.BaseDir, a.RemotePath), local, nil
}

func (j *Job) resolveLocal(p string) (string, error) {
	expanded, err := homedir.Expand(p)
	if err != nil {
		return "", fmt.Errorf("failed to expand %s: %w", p, err)
	}
	if filepath.IsAbs(expanded) {
		return filepath.Clean(expanded), nil
	}
	return filepath.Join(j.Dir(), expanded), nil
}

// remoteJoin joins rel onto base unless rel is already absolute.
func remoteJoin(base, rel string) string {
	if path.IsAbs(rel) {
		return path.Clean(rel)
	}
	return path.Join(base, rel)
}
