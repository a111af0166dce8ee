// Package transfer realizes an entry list on the remote host: directories
// are created with mkdir -p and files are copied whole, one at a time.
package transfer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	log "github.com/sirupsen/logrus"

	"github.com/eugenetaranov/skiff/internal/connector"
	"github.com/eugenetaranov/skiff/internal/fileset"
)

// FileMode is the permission mode every pushed file is created with.
const FileMode os.FileMode = 0o644

// DefaultProgressInterval is the minimum gap between progress reports.
const DefaultProgressInterval = 100 * time.Millisecond

// Execer runs one remote command to completion.
type Execer interface {
	Exec(ctx context.Context, command string) (*connector.Result, error)
}

// Uploader copies a byte stream to a remote path.
type Uploader interface {
	Upload(ctx context.Context, src io.Reader, size int64, dst string, mode os.FileMode) error
}

// TransferError reports the entry that could not be pushed.
type TransferError struct {
	Op   string
	Path string
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("failed to %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Progress is a snapshot sent to the progress channel.
type Progress struct {
	Entry fileset.Entry
	Done  int
	Total int
	Bytes int64
}

// Stats summarizes a push.
type Stats struct {
	Dirs  int
	Files int
	Bytes int64
}

// Orchestrator pushes entries. Only one Push runs at a time.
type Orchestrator struct {
	exec     Execer
	uploader Uploader
	fs       billy.Filesystem

	progress chan<- Progress
	interval time.Duration
	last     time.Time

	mu sync.Mutex
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithFilesystem reads local files from fs instead of the OS filesystem.
func WithFilesystem(fs billy.Filesystem) Option {
	return func(o *Orchestrator) {
		o.fs = fs
	}
}

// WithProgress sends progress to ch at most once per interval. Sends never
// block; a report is dropped when ch is full.
func WithProgress(ch chan<- Progress, interval time.Duration) Option {
	return func(o *Orchestrator) {
		o.progress = ch
		o.interval = interval
	}
}

// New creates an Orchestrator that runs mkdir through exec and copies files
// through uploader.
func New(exec Execer, uploader Uploader, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		exec:     exec,
		uploader: uploader,
		interval: DefaultProgressInterval,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.fs == nil {
		// Entries carry absolute local paths.
		o.fs = osfs.New("/", osfs.WithBoundOS())
	}
	return o
}

// Push realizes entries in order. Each entry is finished before the next
// starts. The first failure aborts the push.
func (o *Orchestrator) Push(ctx context.Context, entries []fileset.Entry) (*Stats, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	stats := &Stats{}
	o.last = time.Time{}

	for i, e := range entries {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		switch e.Kind {
		case fileset.Dir:
			if err := o.mkdir(ctx, e); err != nil {
				return stats, err
			}
			stats.Dirs++
		case fileset.File:
			n, err := o.upload(ctx, e)
			if err != nil {
				return stats, err
			}
			stats.Files++
			stats.Bytes += n
		default:
			return stats, &TransferError{Op: "push", Path: e.LocalPath, Err: fmt.Errorf("unknown entry kind %s", e.Kind)}
		}

		o.report(Progress{Entry: e, Done: i + 1, Total: len(entries), Bytes: stats.Bytes})
	}

	return stats, nil
}

// mkdir creates the directory and any missing parents. An existing
// directory is not an error.
func (o *Orchestrator) mkdir(ctx context.Context, e fileset.Entry) error {
	result, err := o.exec.Exec(ctx, "mkdir -p "+connector.ShellQuote(e.RemotePath))
	if err != nil {
		return &TransferError{Op: "create directory", Path: e.RemotePath, Err: err}
	}
	if result.ExitCode != 0 {
		log.WithFields(log.Fields{
			"path":      e.RemotePath,
			"exit_code": result.ExitCode,
			"stderr":    result.Stderr,
		}).Warn("mkdir reported an error")
	}
	return nil
}

func (o *Orchestrator) upload(ctx context.Context, e fileset.Entry) (int64, error) {
	data, err := util.ReadFile(o.fs, e.LocalPath)
	if err != nil {
		return 0, &TransferError{Op: "read", Path: e.LocalPath, Err: err}
	}

	size := int64(len(data))
	if err := o.uploader.Upload(ctx, bytes.NewReader(data), size, e.RemotePath, FileMode); err != nil {
		return 0, &TransferError{Op: "upload", Path: e.RemotePath, Err: err}
	}

	log.WithFields(log.Fields{"path": e.RemotePath, "bytes": size}).Debug("Uploaded file")
	return size, nil
}

// report delivers p unless the previous report was too recent. The final
// report is always attempted.
func (o *Orchestrator) report(p Progress) {
	if o.progress == nil {
		return
	}

	now := time.Now()
	if p.Done < p.Total && !o.last.IsZero() && now.Sub(o.last) < o.interval {
		return
	}

	select {
	case o.progress <- p:
		o.last = now
	default:
	}
}
