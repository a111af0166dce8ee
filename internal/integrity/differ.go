package integrity

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	log "github.com/sirupsen/logrus"

	"github.com/eugenetaranov/skiff/internal/connector"
	"github.com/eugenetaranov/skiff/internal/fileset"
)

// Execer runs one remote command to completion.
type Execer interface {
	Exec(ctx context.Context, command string) (*connector.Result, error)
}

// Differ compares a local tree against its remote copy.
type Differ struct {
	exec       Execer
	fs         billy.Filesystem
	localRoot  string
	remoteRoot string
	workers    int
}

// Option configures a Differ.
type Option func(*Differ)

// WithFilesystem reads local files from fs instead of the OS filesystem
// rooted at the local root.
func WithFilesystem(fs billy.Filesystem) Option {
	return func(d *Differ) {
		d.fs = fs
	}
}

// WithWorkers sets how many local files are hashed in parallel.
func WithWorkers(n int) Option {
	return func(d *Differ) {
		if n > 0 {
			d.workers = n
		}
	}
}

// NewDiffer creates a Differ for the tree at localRoot mirrored at remoteRoot.
func NewDiffer(exec Execer, localRoot, remoteRoot string, opts ...Option) *Differ {
	d := &Differ{
		exec:       exec,
		localRoot:  localRoot,
		remoteRoot: remoteRoot,
		workers:    runtime.NumCPU(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.fs == nil {
		d.fs = osfs.New(localRoot)
	}
	return d
}

// Result is the outcome of a diff.
type Result struct {
	// Entries is the pruned entry list to transfer.
	Entries []fileset.Entry
	// Changed lists the root-relative paths that differ.
	Changed []string
	// Files is the number of files compared.
	Files int
	// FullResync is set when the remote side reported nothing usable and
	// every file is treated as changed.
	FullResync bool
}

// Diff hashes the File entries locally and remotely at the same time and
// prunes entries to what changed.
func (d *Differ) Diff(ctx context.Context, entries []fileset.Entry) (*Result, error) {
	files := fileset.Files(entries)

	var (
		wg                  sync.WaitGroup
		local, remote       DigestMap
		localErr, remoteErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		local, localErr = d.LocalDigests(ctx, files)
	}()
	go func() {
		defer wg.Done()
		remote, remoteErr = d.RemoteDigests(ctx, files)
	}()
	wg.Wait()

	if localErr != nil {
		return nil, localErr
	}
	if remoteErr != nil {
		return nil, remoteErr
	}

	result := &Result{Files: len(files)}
	if len(remote) == 0 && len(files) > 0 {
		log.WithField("files", len(files)).Debug("Remote returned no digests, resyncing everything")
		result.FullResync = true
	}

	result.Changed = Changed(local, remote)
	result.Entries = Prune(entries, result.Changed)

	log.WithFields(log.Fields{
		"files":   len(files),
		"changed": len(result.Changed),
	}).Debug("Computed changed set")

	return result, nil
}

// LocalDigests hashes files on the local filesystem using a bounded pool of
// workers.
func (d *Differ) LocalDigests(ctx context.Context, files []fileset.Entry) (DigestMap, error) {
	digests := make(DigestMap, len(files))
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		firstErr error
	)

	sem := make(chan struct{}, d.workers)
	for _, e := range files {
		if err := ctx.Err(); err != nil {
			wg.Wait()
			return nil, err
		}

		wg.Add(1)
		sem <- struct{}{} // Acquire semaphore

		go func(e fileset.Entry) {
			defer func() {
				<-sem // Release semaphore
				wg.Done()
			}()

			sum, err := d.hashFile(e.RelPath)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = &fileset.EnumerationError{Path: e.LocalPath, Err: err}
				}
				return
			}
			digests[e.RelPath] = sum
		}(e)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return digests, nil
}

func (d *Differ) hashFile(rel string) (string, error) {
	f, err := d.fs.Open(filepath.FromSlash(rel))
	if err != nil {
		return "", err
	}
	defer f.Close()
	return Sum(f)
}

// RemoteDigests hashes the remote copies of files, in as few commands as
// fit MaxHashCommandBytes, run one after another. Missing remote files are
// simply absent from the map. A batch that cannot be run contributes
// nothing, so its files count as changed; only the caller's context ending
// is an error.
func (d *Differ) RemoteDigests(ctx context.Context, files []fileset.Entry) (DigestMap, error) {
	digests := DigestMap{}
	if len(files) == 0 {
		return digests, nil
	}

	paths := make([]string, len(files))
	for i, e := range files {
		paths[i] = e.RemotePath
	}

	commands := HashCommands(paths, MaxHashCommandBytes)
	for i, cmd := range commands {
		result, err := d.exec.Exec(ctx, cmd)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("failed to hash remote files: %w", err)
			}
			log.WithError(err).WithFields(log.Fields{
				"batch":   i + 1,
				"batches": len(commands),
			}).Warn("Remote hashing failed, treating batch as changed")
			continue
		}

		// sha256sum exits non-zero when some files are missing, which is the
		// normal case for new files.
		if result.ExitCode != 0 {
			log.WithFields(log.Fields{
				"batch":     i + 1,
				"exit_code": result.ExitCode,
			}).Debug("Remote hashing reported missing files")
		}

		for rel, digest := range ParseDigests(result.Stdout, d.remoteRoot) {
			digests[rel] = digest
		}
	}

	return digests, nil
}
