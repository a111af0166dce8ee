// Package facts gathers system information from target hosts.
package facts

import (
	"context"
	"fmt"
	"strings"

	"github.com/eugenetaranov/skiff/internal/connector"
)

// Execer runs one remote command to completion.
type Execer interface {
	Exec(ctx context.Context, command string) (*connector.Result, error)
}

// envVars are the environment variables reported under "env".
var envVars = []string{"PATH", "SHELL", "LANG"}

// factsCommand prints one key=value line per fact, then /etc/os-release
// with every line prefixed.
func factsCommand() string {
	lines := []string{
		`printf 'os_type=%s\n' "$(uname -s)"`,
		`printf 'architecture=%s\n' "$(uname -m)"`,
		`printf 'kernel=%s\n' "$(uname -r)"`,
		`printf 'hostname=%s\n' "$(hostname 2>/dev/null || uname -n)"`,
		`printf 'user=%s\n' "$(id -un 2>/dev/null || whoami)"`,
		`printf 'home=%s\n' "$HOME"`,
	}
	for _, v := range envVars {
		lines = append(lines, fmt.Sprintf(`printf 'env.%[1]s=%%s\n' "$%[1]s"`, v))
	}
	lines = append(lines, `sed 's/^/os_release./' /etc/os-release 2>/dev/null`, "true")
	return strings.Join(lines, "; ")
}

// Gather collects system facts from the target with a single command.
func Gather(ctx context.Context, exec Execer) (map[string]any, error) {
	result, err := exec.Exec(ctx, factsCommand())
	if err != nil {
		return nil, fmt.Errorf("failed to gather facts: %w", err)
	}
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("fact gathering exited with code %d: %s", result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	return parseFacts(result.Stdout), nil
}

func parseFacts(output string) map[string]any {
	facts := make(map[string]any)
	env := make(map[string]string)
	osRelease := make(map[string]string)

	for _, line := range strings.Split(output, "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok || key == "" {
			continue
		}

		switch {
		case strings.HasPrefix(key, "env."):
			if value != "" {
				env[strings.TrimPrefix(key, "env.")] = value
			}
		case strings.HasPrefix(key, "os_release."):
			osRelease[strings.TrimPrefix(key, "os_release.")] = strings.Trim(value, "\"'")
		default:
			facts[key] = strings.TrimSpace(value)
		}
	}

	facts["env"] = env

	if arch, ok := facts["architecture"].(string); ok {
		facts["arch"] = normalizeArch(arch)
	}

	switch facts["os_type"] {
	case "Darwin":
		facts["os_family"] = "Darwin"
	case "Linux":
		facts["os_family"] = "Linux"
		if id, ok := osRelease["ID"]; ok {
			facts["distribution"] = id
			if family := distributionFamily(id); family != "" {
				facts["os_family"] = family
			}
		}
		if version, ok := osRelease["VERSION_ID"]; ok {
			facts["distribution_version"] = version
		}
		if name, ok := osRelease["PRETTY_NAME"]; ok {
			facts["os_name"] = name
		}
	}

	return facts
}

func normalizeArch(arch string) string {
	switch arch {
	case "x86_64", "amd64":
		return "amd64"
	case "aarch64", "arm64":
		return "arm64"
	case "armv7l":
		return "arm"
	default:
		return arch
	}
}

func distributionFamily(id string) string {
	switch id {
	case "ubuntu", "debian", "linuxmint", "pop":
		return "Debian"
	case "fedora", "rhel", "centos", "rocky", "almalinux":
		return "RedHat"
	case "arch", "manjaro":
		return "Arch"
	case "alpine":
		return "Alpine"
	case "opensuse", "sles":
		return "Suse"
	default:
		return ""
	}
}
