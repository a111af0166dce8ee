package remote

import (
	"fmt"
	"regexp"
	"strconv"
	"sync"
)

const (
	markerOpen  = " [[ END-OF-TASK "
	markerClose = " ]] \n"

	// idLength is the length of a hyphenated UUID.
	idLength = 36
	// maxCodeLength caps the captured exit status so a partial marker never
	// needs more than maxMarkerLength bytes of lookbehind.
	maxCodeLength   = 16
	maxMarkerLength = len(markerOpen) + idLength + 1 + maxCodeLength + len(markerClose)
)

// markerPattern matches one complete completion marker, including the line
// terminator echo adds, so a match never depends on bytes not yet received.
var markerPattern = sync.OnceValue(func() *regexp.Regexp {
	return regexp.MustCompile(
		regexp.QuoteMeta(markerOpen) +
			`([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}) ` +
			`(\S{1,16})` +
			regexp.QuoteMeta(markerClose))
})

// markerEcho returns the shell text that prints the completion marker for id.
// It is meant to sit inside double quotes so $? expands.
func markerEcho(id string) string {
	return markerOpen + id + " $?" + markerClose[:len(markerClose)-1]
}

// markerScanner accumulates a stdout stream and finds the completion marker
// carrying its id. Bytes are never discarded, so a marker split across any
// number of chunks matches once the last byte arrives.
type markerScanner struct {
	id  string
	buf []byte

	// searchFrom is where the next search starts. Everything before it has
	// been searched and cannot begin an unseen marker.
	searchFrom int

	matched  bool
	start    int
	end      int
	exitCode int
}

func newMarkerScanner(id string) *markerScanner {
	return &markerScanner{id: id}
}

// Feed appends p and reports whether this scanner's marker is now complete.
// A marker carrying another id is skipped. A marker with an unusable exit
// status is an error.
func (s *markerScanner) Feed(p []byte) (bool, error) {
	if s.matched {
		s.buf = append(s.buf, p...)
		return true, nil
	}

	s.buf = append(s.buf, p...)

	re := markerPattern()
	offset := s.searchFrom
	for _, loc := range re.FindAllSubmatchIndex(s.buf[offset:], -1) {
		id := string(s.buf[offset+loc[2] : offset+loc[3]])
		if id != s.id {
			s.searchFrom = offset + loc[1]
			continue
		}

		code := string(s.buf[offset+loc[4] : offset+loc[5]])
		exitCode, err := strconv.ParseUint(code, 10, 8)
		if err != nil {
			return false, fmt.Errorf("invalid exit status %q in completion marker: %w", code, err)
		}

		s.matched = true
		s.start = offset + loc[0]
		s.end = offset + loc[1]
		s.exitCode = int(exitCode)
		return true, nil
	}

	if tail := len(s.buf) - maxMarkerLength + 1; tail > s.searchFrom {
		s.searchFrom = tail
	}
	return false, nil
}

// Output returns the accumulated stdout with the marker removed.
func (s *markerScanner) Output() string {
	if !s.matched {
		return string(s.buf)
	}
	return string(s.buf[:s.start]) + string(s.buf[s.end:])
}

// ExitCode returns the exit status carried by the marker.
func (s *markerScanner) ExitCode() int {
	return s.exitCode
}
