package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// defaultKeyFiles are tried, in order, when no key path is configured.
var defaultKeyFiles = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return os.Getenv("USER")
}

// buildAuthMethods collects every usable method: key file(s), the SSH agent,
// then password. The server picks whichever it accepts first. The returned
// agent connection, if any, must be closed by the caller.
func buildAuthMethods(config Config) ([]ssh.AuthMethod, net.Conn, error) {
	var methods []ssh.AuthMethod

	signers, err := loadSigners(config.KeyPath)
	if err != nil {
		return nil, nil, err
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	agentAuth, agentConn := agentAuthMethod()
	if agentAuth != nil {
		methods = append(methods, agentAuth)
	}

	if config.Password != "" {
		methods = append(methods, ssh.Password(config.Password))
	}

	if len(methods) == 0 {
		return nil, nil, fmt.Errorf("no SSH authentication method available (set key_path, password_env or run an ssh-agent)")
	}

	return methods, agentConn, nil
}

func loadSigners(keyPath string) ([]ssh.Signer, error) {
	if keyPath != "" {
		path, err := homedir.Expand(keyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to expand key path %s: %w", keyPath, err)
		}
		signer, err := readSigner(path)
		if err != nil {
			return nil, err
		}
		return []ssh.Signer{signer}, nil
	}

	home, err := homedir.Dir()
	if err != nil {
		return nil, nil
	}

	var signers []ssh.Signer
	for _, name := range defaultKeyFiles {
		path := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		signer, err := readSigner(path)
		if err != nil {
			log.WithError(err).WithField("key", path).Debug("Skipping unusable default key")
			continue
		}
		signers = append(signers, signer)
	}
	return signers, nil
}

func readSigner(path string) (ssh.Signer, error) {
	keyData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read SSH key file: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("SSH key %s is passphrase protected; load it into ssh-agent instead", path)
		}
		return nil, fmt.Errorf("failed to parse SSH private key %s: %w", path, err)
	}
	return signer, nil
}

func agentAuthMethod() (ssh.AuthMethod, net.Conn) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, nil
	}

	conn, err := net.Dial("unix", sock)
	if err != nil {
		log.WithError(err).Debug("SSH agent not reachable")
		return nil, nil
	}

	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), conn
}

func buildHostKeyCallback(config Config) (ssh.HostKeyCallback, error) {
	if config.InsecureIgnoreHostKey {
		log.Warnf("SSH host key verification disabled for %s - this is insecure!", config.Address())
		return ssh.InsecureIgnoreHostKey(), nil
	}

	if config.KnownHostsFile != "" {
		path, err := homedir.Expand(config.KnownHostsFile)
		if err != nil {
			return nil, err
		}
		callback, err := knownhosts.New(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts file %s: %w", path, err)
		}
		return callback, nil
	}

	if home, err := homedir.Dir(); err == nil {
		defaultKnownHosts := filepath.Join(home, ".ssh", "known_hosts")
		if _, err := os.Stat(defaultKnownHosts); err == nil {
			callback, err := knownhosts.New(defaultKnownHosts)
			if err == nil {
				return callback, nil
			}
			log.WithError(err).Warnf("Could not parse known_hosts file %s", defaultKnownHosts)
		}
	}

	return nil, fmt.Errorf("no known_hosts file found; set known_hosts or insecure_ignore_host_key")
}
