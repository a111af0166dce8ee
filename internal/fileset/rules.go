package fileset

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// Decision is the outcome of matching a path against a RuleSet.
type Decision int

const (
	// Unmatched means no rule applies; the path is included.
	Unmatched Decision = iota
	// Ignored means the deciding rule excludes the path.
	Ignored
	// Whitelisted means the deciding rule is a "!" re-include.
	Whitelisted
)

func (d Decision) String() string {
	switch d {
	case Ignored:
		return "ignored"
	case Whitelisted:
		return "whitelisted"
	default:
		return "unmatched"
	}
}

// Included reports whether the path should be enumerated.
func (d Decision) Included() bool {
	return d != Ignored
}

// ignoreFile is the tool-neutral ignore file honored next to .gitignore.
const ignoreFile = ".ignore"

// RuleSet is an ordered list of ignore patterns resolved against a base
// directory. Later patterns override earlier ones.
type RuleSet struct {
	base     string
	patterns []gitignore.Pattern
}

// NewRuleSet parses newline-separated ignore patterns. Blank lines and
// comments are skipped.
func NewRuleSet(base, text string) *RuleSet {
	return &RuleSet{base: base, patterns: parsePatterns(text, nil)}
}

func parsePatterns(text string, domain []string) []gitignore.Pattern {
	var patterns []gitignore.Pattern
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, gitignore.ParsePattern(line, domain))
	}
	return patterns
}

// WithTreeIgnores returns a copy of rs with the .gitignore and .ignore files
// found under fs placed before its own patterns, so the explicit patterns
// win. .ignore files override .gitignore files.
func (rs *RuleSet) WithTreeIgnores(fs billy.Filesystem) (*RuleSet, error) {
	git, err := gitignore.ReadPatterns(fs, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read .gitignore files under %s: %w", rs.base, err)
	}
	plain, err := readIgnoreFiles(fs, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s files under %s: %w", ignoreFile, rs.base, err)
	}

	patterns := make([]gitignore.Pattern, 0, len(git)+len(plain)+len(rs.patterns))
	patterns = append(patterns, git...)
	patterns = append(patterns, plain...)
	patterns = append(patterns, rs.patterns...)
	return &RuleSet{base: rs.base, patterns: patterns}, nil
}

// readIgnoreFiles collects the patterns of every .ignore file at or below
// dir, scoped to the directory holding each file. Directories excluded by
// patterns read so far are not searched.
func readIgnoreFiles(fs billy.Filesystem, dir []string) ([]gitignore.Pattern, error) {
	dirPath := path.Join(dir...)
	data, err := util.ReadFile(fs, path.Join(dirPath, ignoreFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	patterns := parsePatterns(string(data), dir)

	if dirPath == "" {
		dirPath = "."
	}
	infos, err := fs.ReadDir(dirPath)
	if err != nil {
		return nil, err
	}
	matcher := gitignore.NewMatcher(patterns)
	for _, info := range infos {
		if !info.IsDir() || info.Name() == ".git" {
			continue
		}
		sub := append(append([]string{}, dir...), info.Name())
		if matcher.Match(sub, true) {
			continue
		}
		nested, err := readIgnoreFiles(fs, sub)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, nested...)
	}
	return patterns, nil
}

// Len returns the number of patterns.
func (rs *RuleSet) Len() int {
	return len(rs.patterns)
}

// Decide matches rel, a slash-separated path relative to the base. The last
// matching pattern decides.
func (rs *RuleSet) Decide(rel string, isDir bool) Decision {
	if rs == nil || rel == "" {
		return Unmatched
	}

	parts := strings.Split(filepath.ToSlash(rel), "/")
	for i := len(rs.patterns) - 1; i >= 0; i-- {
		switch rs.patterns[i].Match(parts, isDir) {
		case gitignore.Exclude:
			return Ignored
		case gitignore.Include:
			return Whitelisted
		}
	}
	return Unmatched
}

// DecidePath matches a path that is absolute or relative to the working
// directory by first making it relative to the base.
func (rs *RuleSet) DecidePath(p string, isDir bool) (Decision, error) {
	rel, err := filepath.Rel(rs.base, p)
	if err != nil {
		return Unmatched, fmt.Errorf("failed to relate %s to %s: %w", p, rs.base, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return Unmatched, nil
	}
	if rel == "." {
		rel = ""
	}
	return rs.Decide(rel, isDir), nil
}
