// Package fileset enumerates a local source tree into the entries that are
// pushed to a remote root, applying gitignore-style rules.
package fileset

import (
	"fmt"
	"path"
	"path/filepath"
)

// Kind is the type of filesystem object an Entry describes.
type Kind int

const (
	// File is a regular file.
	File Kind = iota
	// Dir is a directory.
	Dir
)

func (k Kind) String() string {
	switch k {
	case File:
		return "file"
	case Dir:
		return "dir"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Entry is one file or directory with its resolved local and remote paths.
// RelPath uses forward slashes and is empty for the root itself.
type Entry struct {
	Kind       Kind
	RelPath    string
	LocalPath  string
	RemotePath string
}

// NewEntry builds an Entry whose paths are both derived from rel.
func NewEntry(kind Kind, localRoot, remoteRoot, rel string) Entry {
	rel = filepath.ToSlash(rel)
	if rel == "." {
		rel = ""
	}
	return Entry{
		Kind:       kind,
		RelPath:    rel,
		LocalPath:  filepath.Join(localRoot, filepath.FromSlash(rel)),
		RemotePath: path.Join(remoteRoot, rel),
	}
}

// IsRoot reports whether the entry is the source root.
func (e Entry) IsRoot() bool {
	return e.RelPath == ""
}

// String returns the relative path, with a trailing slash for directories.
// The root is "./".
func (e Entry) String() string {
	if e.IsRoot() {
		return "./"
	}
	if e.Kind == Dir {
		return e.RelPath + "/"
	}
	return e.RelPath
}

// Files returns only the File entries, in order.
func Files(entries []Entry) []Entry {
	var files []Entry
	for _, e := range entries {
		if e.Kind == File {
			files = append(files, e)
		}
	}
	return files
}
