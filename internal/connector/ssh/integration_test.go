//go:build integration

package ssh_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/eugenetaranov/skiff/internal/connector"
	"github.com/eugenetaranov/skiff/internal/connector/ssh"
	"github.com/eugenetaranov/skiff/internal/fileset"
	"github.com/eugenetaranov/skiff/internal/remote"
	"github.com/eugenetaranov/skiff/internal/transfer"
)

const (
	sshUser     = "skiff"
	sshPassword = "skiff-secret"
	sshPort     = "2222/tcp"
	remoteHome  = "/config"
)

func setupSSHContainer(t *testing.T, ctx context.Context) testcontainers.Container {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        "lscr.io/linuxserver/openssh-server:latest",
		ExposedPorts: []string{sshPort},
		Env: map[string]string{
			"USER_NAME":       sshUser,
			"USER_PASSWORD":   sshPassword,
			"PASSWORD_ACCESS": "true",
		},
		WaitingFor: wait.ForListeningPort(sshPort).WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start ssh container")

	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	return container
}

func connect(t *testing.T, ctx context.Context, container testcontainers.Container, protocol ssh.Protocol) *ssh.Connector {
	t.Helper()

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, sshPort)
	require.NoError(t, err)

	conn := ssh.New(ssh.Config{
		Host:                  host,
		Port:                  port.Int(),
		User:                  sshUser,
		Password:              sshPassword,
		InsecureIgnoreHostKey: true,
		Timeout:               10 * time.Second,
		Protocol:              protocol,
	})

	// sshd may accept TCP before it is ready to authenticate.
	require.Eventually(t, func() bool {
		return conn.Connect(ctx) == nil
	}, 30*time.Second, time.Second, "ssh server never accepted the connection")

	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// execInContainer runs a command in the container and returns stdout.
func execInContainer(ctx context.Context, container testcontainers.Container, cmd []string) (int, string, error) {
	exitCode, reader, err := container.Exec(ctx, cmd)
	if err != nil {
		return exitCode, "", err
	}

	var stdout, stderr bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdout, &stderr, reader)

	return exitCode, stdout.String(), nil
}

func assertFileContent(t *testing.T, ctx context.Context, container testcontainers.Container, path, want string) {
	t.Helper()
	exitCode, content, err := execInContainer(ctx, container, []string{"cat", path})
	require.NoError(t, err)
	require.Equal(t, 0, exitCode, "failed to read file %s", path)
	assert.Equal(t, want, content)
}

func assertFileMode(t *testing.T, ctx context.Context, container testcontainers.Container, path, want string) {
	t.Helper()
	exitCode, mode, err := execInContainer(ctx, container, []string{"stat", "-c", "%a", path})
	require.NoError(t, err)
	require.Equal(t, 0, exitCode, "failed to stat file %s", path)
	assert.Equal(t, want, strings.TrimSpace(mode))
}

func TestSSH_Exec(t *testing.T) {
	ctx := context.Background()
	container := setupSSHContainer(t, ctx)
	conn := connect(t, ctx, container, ssh.ProtocolSCP)

	exec := remote.NewExecutor(conn, remote.WithTimeout(30*time.Second))

	result, err := exec.Exec(ctx, "echo hello; echo oops >&2; exit 7")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", result.Stdout)
	assert.Equal(t, "oops\n", result.Stderr)
	assert.Equal(t, 7, result.ExitCode)

	// Many invocations in a row on one connection keep their outputs apart.
	for i := 0; i < 20; i++ {
		result, err := exec.Exec(ctx, "seq 1 200")
		require.NoError(t, err)
		assert.Equal(t, 200, strings.Count(result.Stdout, "\n"))
	}
}

func TestSSH_Push(t *testing.T) {
	for _, protocol := range []ssh.Protocol{ssh.ProtocolSCP, ssh.ProtocolSFTP} {
		t.Run(string(protocol), func(t *testing.T) {
			ctx := context.Background()
			container := setupSSHContainer(t, ctx)
			conn := connect(t, ctx, container, protocol)

			src := t.TempDir()
			writeTree(t, src, map[string]string{
				"a.txt":          "alpha\n",
				"nested/b/c.txt": "charlie\n",
			})

			root := remoteHome + "/project"
			entries, err := fileset.Enumerate(src, root, fileset.Options{})
			require.NoError(t, err)

			exec := remote.NewExecutor(conn, remote.WithTimeout(30*time.Second))
			orch := transfer.New(exec, conn)

			stats, err := orch.Push(ctx, entries)
			require.NoError(t, err)
			assert.Equal(t, 2, stats.Files)

			assertFileContent(t, ctx, container, root+"/a.txt", "alpha\n")
			assertFileContent(t, ctx, container, root+"/nested/b/c.txt", "charlie\n")
			assertFileMode(t, ctx, container, root+"/a.txt", "644")

			// Directories that already exist are not an error.
			_, err = orch.Push(ctx, entries)
			require.NoError(t, err)
		})
	}
}

func TestSSH_Download(t *testing.T) {
	ctx := context.Background()
	container := setupSSHContainer(t, ctx)
	conn := connect(t, ctx, container, ssh.ProtocolSCP)

	exec := remote.NewExecutor(conn, remote.WithTimeout(30*time.Second))
	result, err := exec.Exec(ctx, "printf 'artifact' > "+remoteHome+"/out.bin")
	require.NoError(t, err)
	require.Equal(t, 0, result.ExitCode, result.Stderr)

	var buf bytes.Buffer
	require.NoError(t, conn.Download(ctx, remoteHome+"/out.bin", &buf))
	assert.Equal(t, "artifact", buf.String())

	err = conn.Download(ctx, remoteHome+"/missing.bin", &buf)
	assert.Error(t, err)
}

func TestSSH_AuthFailure(t *testing.T) {
	ctx := context.Background()
	container := setupSSHContainer(t, ctx)
	connect(t, ctx, container, ssh.ProtocolSCP)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, sshPort)
	require.NoError(t, err)

	conn := ssh.New(ssh.Config{
		Host:                  host,
		Port:                  port.Int(),
		User:                  sshUser,
		Password:              "wrong",
		InsecureIgnoreHostKey: true,
	})
	err = conn.Connect(ctx)

	var authErr *connector.AuthError
	require.True(t, errors.As(err, &authErr), "expected AuthError, got %v", err)
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}
