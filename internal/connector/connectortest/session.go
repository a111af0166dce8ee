// Package connectortest provides a scripted in-memory connector.Session for
// tests. It understands the completion-marker wrapping used by the remote
// package, emulates a few shell commands against an in-memory filesystem and
// can deliver output in arbitrarily small chunks.
package connectortest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/eugenetaranov/skiff/internal/connector"
)

var (
	wrappedPattern = regexp.MustCompile(`^sh -c (.*); echo " \[\[ END-OF-TASK ([0-9a-f-]{36}) \$\? \]\] "$`)
	fallbackPattern   = regexp.MustCompile(`^if command -v \S+ >/dev/null 2>&1; then (.*?); else .*; fi$`)
)

// Reply scripts the output of one command.
type Reply struct {
	Stdout   string
	Stderr   string
	ExitCode int

	// Status, when set, replaces the exit code printed in the marker.
	Status string
	// NoMarker ends stdout without printing the completion marker.
	NoMarker bool
	// Block keeps stdout open after the scripted output until the channel
	// is closed.
	Block bool
}

// Handler scripts replies by command. The command is the unwrapped line.
type Handler func(command string) Reply

// Session is a scripted connector.Session.
type Session struct {
	// ChunkSize is the largest read the stdout stream returns. Zero returns
	// everything in one read.
	ChunkSize int

	// Handler, when set, answers every command. Otherwise the built-in
	// emulation of mkdir, sha256sum and cat is used and everything else
	// succeeds silently.
	Handler Handler

	// StrictDirs makes uploads fail unless the parent directory exists.
	StrictDirs bool

	// UploadErr, when set, is consulted before every upload.
	UploadErr func(dst string) error

	mu       sync.Mutex
	files    map[string][]byte
	modes    map[string]os.FileMode
	dirs     map[string]bool
	ops      []string
	commands []string
	closed   bool
}

// New returns an empty session whose filesystem contains only "/".
func New() *Session {
	return &Session{
		files: make(map[string][]byte),
		modes: make(map[string]os.FileMode),
		dirs:  map[string]bool{"/": true},
	}
}

// Start parses a wrapped command, scripts its output and returns a channel
// streaming it.
func (s *Session) Start(ctx context.Context, cmd string) (connector.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.closed {
		return nil, fmt.Errorf("session closed")
	}

	m := wrappedPattern.FindStringSubmatch(cmd)
	if m == nil {
		return nil, fmt.Errorf("unrecognized command line: %s", cmd)
	}
	args := SplitQuoted(m[1])
	if len(args) != 1 {
		return nil, fmt.Errorf("expected one quoted command, got %d", len(args))
	}
	command, id := args[0], m[2]

	s.commands = append(s.commands, command)
	s.ops = append(s.ops, command)

	var reply Reply
	if s.Handler != nil {
		reply = s.Handler(command)
	} else {
		reply = s.emulate(command)
	}

	stdout := reply.Stdout
	if !reply.NoMarker {
		status := reply.Status
		if status == "" {
			status = fmt.Sprint(reply.ExitCode)
		}
		stdout += fmt.Sprintf(" [[ END-OF-TASK %s %s ]] \n", id, status)
	}

	return &channel{
		stdout: &chunkReader{data: []byte(stdout), size: s.ChunkSize, block: reply.Block},
		stderr: strings.NewReader(reply.Stderr),
	}, nil
}

// Upload stores the file in memory.
func (s *Session) Upload(ctx context.Context, src io.Reader, size int64, dst string, mode os.FileMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.UploadErr != nil {
		if err := s.UploadErr(dst); err != nil {
			return err
		}
	}
	if s.StrictDirs && !s.dirs[path.Dir(dst)] {
		return fmt.Errorf("scp: %s: No such file or directory", dst)
	}

	data, err := io.ReadAll(src)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return fmt.Errorf("declared %d bytes, got %d", size, len(data))
	}

	s.files[dst] = data
	s.modes[dst] = mode
	s.ops = append(s.ops, "upload "+dst)
	return nil
}

// Download copies an in-memory file to dst.
func (s *Session) Download(ctx context.Context, src string, dst io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.files[src]
	if !ok {
		return fmt.Errorf("%s: no such file", src)
	}
	s.ops = append(s.ops, "download "+src)
	_, err := dst.Write(data)
	return err
}

// Close marks the session closed.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Session) String() string { return "test://session" }

// PutFile seeds the in-memory filesystem, creating parent directories.
func (s *Session) PutFile(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mkdirAll(path.Dir(name))
	s.files[name] = data
	s.modes[name] = 0o644
}

// File returns an uploaded or seeded file.
func (s *Session) File(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[name]
	return data, ok
}

// Mode returns the mode a file was uploaded with.
func (s *Session) Mode(name string) os.FileMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modes[name]
}

// HasDir reports whether a directory exists.
func (s *Session) HasDir(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirs[name]
}

// Commands returns the unwrapped commands in the order they were started.
func (s *Session) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Ops returns commands, uploads and downloads in order. Uploads appear as
// "upload <dst>" and downloads as "download <src>".
func (s *Session) Ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// emulate answers a handful of commands against the in-memory filesystem.
// Caller holds s.mu.
func (s *Session) emulate(command string) Reply {
	// A "command -v" fallback takes its first branch.
	if m := fallbackPattern.FindStringSubmatch(command); m != nil {
		command = m[1]
	}

	args := SplitQuoted(command)
	if len(args) == 0 {
		return Reply{}
	}

	switch {
	case args[0] == "mkdir" && len(args) >= 3 && args[1] == "-p":
		for _, dir := range args[2:] {
			if _, isFile := s.files[dir]; isFile {
				return Reply{Stderr: fmt.Sprintf("mkdir: %s: File exists\n", dir), ExitCode: 1}
			}
			s.mkdirAll(dir)
		}
		return Reply{}

	case args[0] == "sha256sum":
		var out, errOut bytes.Buffer
		code := 0
		for _, name := range args[1:] {
			data, ok := s.files[name]
			if !ok {
				fmt.Fprintf(&errOut, "sha256sum: %s: No such file or directory\n", name)
				code = 1
				continue
			}
			sum := sha256.Sum256(data)
			fmt.Fprintf(&out, "%s  %s\n", hex.EncodeToString(sum[:]), name)
		}
		return Reply{Stdout: out.String(), Stderr: errOut.String(), ExitCode: code}

	case args[0] == "cat" && len(args) == 2:
		data, ok := s.files[args[1]]
		if !ok {
			return Reply{Stderr: fmt.Sprintf("cat: %s: No such file or directory\n", args[1]), ExitCode: 1}
		}
		return Reply{Stdout: string(data)}
	}

	return Reply{}
}

// mkdirAll records name and its ancestors. Caller holds s.mu.
func (s *Session) mkdirAll(name string) {
	for dir := path.Clean(name); ; dir = path.Dir(dir) {
		s.dirs[dir] = true
		if dir == "/" || dir == "." {
			return
		}
	}
}

// Dirs returns every known directory, sorted.
func (s *Session) Dirs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	dirs := make([]string, 0, len(s.dirs))
	for d := range s.dirs {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	return dirs
}

// SplitQuoted splits a POSIX shell word list that uses only whitespace,
// single quotes and double quotes. It is enough to undo connector.ShellQuote.
func SplitQuoted(s string) []string {
	var (
		words   []string
		current strings.Builder
		inWord  bool
		quote   rune
	)

	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inWord = true
		case r == ' ' || r == '\t' || r == '\n':
			if inWord {
				words = append(words, current.String())
				current.Reset()
				inWord = false
			}
		default:
			current.WriteRune(r)
			inWord = true
		}
	}
	if inWord {
		words = append(words, current.String())
	}
	return words
}

type channel struct {
	stdout *chunkReader
	stderr io.Reader
}

func (c *channel) Stdout() io.Reader { return c.stdout }
func (c *channel) Stderr() io.Reader { return c.stderr }

func (c *channel) Close() error {
	c.stdout.close()
	return nil
}

// chunkReader returns at most size bytes per Read.
type chunkReader struct {
	data  []byte
	size  int
	block bool

	once   sync.Once
	closed chan struct{}
	mu     sync.Mutex
}

func (r *chunkReader) init() {
	r.once.Do(func() { r.closed = make(chan struct{}) })
}

func (r *chunkReader) Read(p []byte) (int, error) {
	r.init()

	r.mu.Lock()
	if len(r.data) > 0 {
		n := len(p)
		if r.size > 0 && n > r.size {
			n = r.size
		}
		n = copy(p[:n], r.data)
		r.data = r.data[n:]
		r.mu.Unlock()
		return n, nil
	}
	r.mu.Unlock()

	select {
	case <-r.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	if r.block {
		<-r.closed
		return 0, io.ErrClosedPipe
	}
	return 0, io.EOF
}

func (r *chunkReader) close() {
	r.init()
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.closed:
	default:
		close(r.closed)
	}
}

var _ connector.Session = (*Session)(nil)
