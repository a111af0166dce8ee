// Package integrity decides which files of a source tree differ from what
// is already on the remote host by comparing sha256 digests.
package integrity

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/eugenetaranov/skiff/internal/connector"
	"github.com/eugenetaranov/skiff/internal/fileset"
)

// DigestMap maps root-relative, slash-separated paths to hex digests.
type DigestMap map[string]string

// Sum returns the hex sha256 digest of everything read from r.
func Sum(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// MaxHashCommandBytes bounds one hash command line after the extra quoting
// it gets when wrapped for the remote shell. Linux rejects a single argument
// over 128 KiB.
const MaxHashCommandBytes = 64 * 1024

// HashCommands splits paths into hash commands of at most limit bytes each,
// keeping path order. A path too long to share a command gets its own.
func HashCommands(paths []string, limit int) []string {
	base := wrappedLen(HashCommand(nil))

	var (
		commands []string
		batch    []string
		size     = base
	)
	for _, p := range paths {
		// The path appears in both branches of the fallback, plus a space.
		cost := 2 * (wrappedLen(connector.ShellQuote(p)) - 2 + 1)
		if len(batch) > 0 && size+cost > limit {
			commands = append(commands, HashCommand(batch))
			batch, size = nil, base
		}
		batch = append(batch, p)
		size += cost
	}
	if len(batch) > 0 {
		commands = append(commands, HashCommand(batch))
	}
	return commands
}

// wrappedLen is the length of s once quoted again as a single shell word.
func wrappedLen(s string) int {
	return len(connector.ShellQuote(s))
}

// HashCommand builds one shell command printing "digest  path" for every
// path. It uses sha256sum and falls back to shasum where only that exists.
func HashCommand(paths []string) string {
	quoted := make([]string, len(paths))
	for i, p := range paths {
		quoted[i] = connector.ShellQuote(p)
	}
	args := strings.Join(quoted, " ")
	return fmt.Sprintf("if command -v sha256sum >/dev/null 2>&1; then sha256sum %[1]s; else shasum -a 256 %[1]s; fi", args)
}

// ParseDigests reads sha256sum output and keys it by path relative to root.
// Lines that are malformed or name a path outside root are skipped.
func ParseDigests(output, root string) DigestMap {
	root = path.Clean(root)
	digests := make(DigestMap)

	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		digest, name, ok := parseDigestLine(scanner.Text())
		if !ok {
			continue
		}
		rel, ok := relativeTo(root, name)
		if !ok {
			continue
		}
		digests[rel] = digest
	}
	return digests
}

// parseDigestLine splits one line of sha256sum or shasum output. A leading
// backslash marks a name with escaped backslashes or newlines; a '*' before
// the name marks binary mode.
func parseDigestLine(line string) (digest, name string, ok bool) {
	escaped := strings.HasPrefix(line, `\`)
	if escaped {
		line = line[1:]
	}

	i := strings.IndexAny(line, " \t")
	if i <= 0 {
		return "", "", false
	}
	digest = strings.ToLower(line[:i])
	if !isHexDigest(digest) {
		return "", "", false
	}

	name = strings.TrimLeft(line[i:], " \t")
	name = strings.TrimPrefix(name, "*")
	if name == "" {
		return "", "", false
	}
	if escaped {
		name = strings.NewReplacer(`\\`, `\`, `\n`, "\n").Replace(name)
	}
	return digest, name, true
}

func isHexDigest(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func relativeTo(root, name string) (string, bool) {
	name = path.Clean(name)
	if root == "." {
		return name, !strings.HasPrefix(name, "../") && name != ".." && !path.IsAbs(name)
	}
	if root == "/" {
		return strings.TrimPrefix(name, "/"), path.IsAbs(name)
	}
	rel, found := strings.CutPrefix(name, root+"/")
	if !found || rel == "" {
		return "", false
	}
	return rel, true
}

// Changed returns the sorted keys present on only one side or whose digests
// differ.
func Changed(local, remote DigestMap) []string {
	var changed []string
	for k, l := range local {
		if r, ok := remote[k]; !ok || r != l {
			changed = append(changed, k)
		}
	}
	for k := range remote {
		if _, ok := local[k]; !ok {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

// Prune keeps the File entries named in changed, every Dir entry that is an
// ancestor of a kept file, and the root, in their original order.
func Prune(entries []fileset.Entry, changed []string) []fileset.Entry {
	keep := make(map[string]bool, len(changed))
	for _, c := range changed {
		keep[c] = true
	}

	dirs := make(map[string]bool)
	for _, e := range entries {
		if e.Kind != fileset.File || !keep[e.RelPath] {
			continue
		}
		for dir := path.Dir(e.RelPath); dir != "." && !dirs[dir]; dir = path.Dir(dir) {
			dirs[dir] = true
		}
	}

	pruned := make([]fileset.Entry, 0, len(changed)+len(dirs)+1)
	for _, e := range entries {
		switch {
		case e.IsRoot():
			pruned = append(pruned, e)
		case e.Kind == fileset.Dir && dirs[e.RelPath]:
			pruned = append(pruned, e)
		case e.Kind == fileset.File && keep[e.RelPath]:
			pruned = append(pruned, e)
		}
	}
	return pruned
}
