package fileset

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	log "github.com/sirupsen/logrus"
)

// EnumerationError reports a local path that could not be read or whose
// type could not be handled.
type EnumerationError struct {
	Path string
	Err  error
}

func (e *EnumerationError) Error() string {
	return fmt.Sprintf("failed to enumerate %s: %v", e.Path, e.Err)
}

func (e *EnumerationError) Unwrap() error { return e.Err }

// Walker enumerates a source tree.
type Walker struct {
	// Hidden includes entries whose name starts with a dot. Without it
	// they are skipped unless a rule whitelists them.
	Hidden bool

	fs         billy.Filesystem
	localRoot  string
	remoteRoot string
	rules      *RuleSet
}

// NewWalker creates a Walker over fs, whose root corresponds to localRoot.
// Entries are mapped under remoteRoot.
func NewWalker(fs billy.Filesystem, localRoot, remoteRoot string, rules *RuleSet) *Walker {
	return &Walker{
		fs:         fs,
		localRoot:  localRoot,
		remoteRoot: remoteRoot,
		rules:      rules,
	}
}

// Walk calls fn for every included entry, top-down and in lexical order
// within each directory, starting with the root itself. Ignored and hidden
// directories are not descended into. Symbolic links are skipped. Any other
// included object that is neither a regular file nor a directory is an
// EnumerationError.
func (w *Walker) Walk(fn func(Entry) error) error {
	return util.Walk(w.fs, ".", func(p string, info os.FileInfo, err error) error {
		rel := filepath.ToSlash(p)
		if rel == "." {
			rel = ""
		}

		if err != nil {
			// An unreadable directory that is skipped anyway is not an error.
			if info != nil && info.IsDir() && w.skip(rel, true) {
				return filepath.SkipDir
			}
			return &EnumerationError{Path: filepath.Join(w.localRoot, p), Err: err}
		}

		if w.skip(rel, info.IsDir()) {
			log.WithField("path", rel).Debug("Ignoring path")
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		mode := info.Mode()
		var kind Kind
		switch {
		case mode&os.ModeSymlink != 0:
			log.WithField("path", rel).Debug("Skipping symbolic link")
			return nil
		case mode.IsDir():
			kind = Dir
		case mode.IsRegular():
			kind = File
		default:
			return &EnumerationError{
				Path: filepath.Join(w.localRoot, p),
				Err:  fmt.Errorf("unsupported file type %s", mode.Type()),
			}
		}

		return fn(NewEntry(kind, w.localRoot, w.remoteRoot, rel))
	})
}

// skip reports whether rel is left out, either by an ignore rule or because
// it is hidden and not whitelisted.
func (w *Walker) skip(rel string, isDir bool) bool {
	if rel == "" {
		return false
	}
	decision := w.rules.Decide(rel, isDir)
	if !decision.Included() {
		return true
	}
	return !w.Hidden && decision != Whitelisted && isHidden(rel)
}

func isHidden(rel string) bool {
	return strings.HasPrefix(path.Base(rel), ".")
}

// Entries collects Walk into a slice.
func (w *Walker) Entries() ([]Entry, error) {
	var entries []Entry
	err := w.Walk(func(e Entry) error {
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Options configures Enumerate.
type Options struct {
	// Ignore holds newline-separated ignore patterns.
	Ignore string
	// TreeIgnores also honors .gitignore and .ignore files inside the
	// source tree.
	TreeIgnores bool
	// Hidden includes dot-files and dot-directories.
	Hidden bool
}

// Enumerate lists the entries of the local directory localRoot mapped under
// remoteRoot.
func Enumerate(localRoot, remoteRoot string, opts Options) ([]Entry, error) {
	info, err := os.Stat(localRoot)
	if err != nil {
		return nil, &EnumerationError{Path: localRoot, Err: err}
	}
	if !info.IsDir() {
		return nil, &EnumerationError{Path: localRoot, Err: fmt.Errorf("not a directory")}
	}

	fs := osfs.New(localRoot)
	rules := NewRuleSet(localRoot, opts.Ignore)
	if opts.TreeIgnores {
		if rules, err = rules.WithTreeIgnores(fs); err != nil {
			return nil, err
		}
	}

	log.WithFields(log.Fields{
		"root":  localRoot,
		"rules": rules.Len(),
	}).Debug("Enumerating source tree")

	w := NewWalker(fs, localRoot, remoteRoot, rules)
	w.Hidden = opts.Hidden
	return w.Entries()
}
