package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Connection kinds a host name can select.
const (
	ConnectionLocal  = "local"
	ConnectionDocker = "docker"
	ConnectionSSH    = "ssh"
)

// Target is a parsed host name.
type Target struct {
	Connection string
	Host       string
	User       string
	Port       int
}

// ParseTarget parses "local", "docker://<container>" or "[user@]host[:port]".
func ParseTarget(name string) (Target, error) {
	switch {
	case name == "local":
		return Target{Connection: ConnectionLocal, Host: "local"}, nil
	case strings.HasPrefix(name, "docker://"):
		container := strings.TrimPrefix(name, "docker://")
		if container == "" {
			return Target{}, fmt.Errorf("docker host %q is missing a container name", name)
		}
		return Target{Connection: ConnectionDocker, Host: container}, nil
	}

	t := Target{Connection: ConnectionSSH}
	hostPort := name
	if user, rest, ok := strings.Cut(name, "@"); ok {
		if user == "" {
			return Target{}, fmt.Errorf("host %q has an empty user", name)
		}
		t.User = user
		hostPort = rest
	}

	if host, port, err := net.SplitHostPort(hostPort); err == nil {
		n, err := strconv.Atoi(port)
		if err != nil || n <= 0 || n > 65535 {
			return Target{}, fmt.Errorf("host %q has an invalid port", name)
		}
		t.Host = host
		t.Port = n
	} else {
		t.Host = strings.Trim(hostPort, "[]")
	}

	if t.Host == "" {
		return Target{}, fmt.Errorf("host %q is missing a host name", name)
	}
	return t, nil
}

// Target parses the host name and applies the explicit user and port
// settings, which take precedence.
func (h Host) Target() (Target, error) {
	t, err := ParseTarget(h.Name)
	if err != nil {
		return Target{}, err
	}
	if h.User != "" {
		t.User = h.User
	}
	if h.Port != 0 {
		t.Port = h.Port
	}
	return t, nil
}
