package remote

import (
	"strings"
	"testing"
)

const (
	testID  = "0b6c3f0e-6f1d-4c4e-9a55-5d8c1e7f2a10"
	otherID = "f47ac10b-58cc-4372-a567-0e02b2c3d479"
)

func marker(id, status string) string {
	return " [[ END-OF-TASK " + id + " " + status + " ]] \n"
}

// feedChunks delivers stream in pieces of size bytes and returns the
// scanner once it matched, or nil.
func feedChunks(t *testing.T, stream string, size int) *markerScanner {
	t.Helper()
	s := newMarkerScanner(testID)
	for len(stream) > 0 {
		n := size
		if n > len(stream) {
			n = len(stream)
		}
		matched, err := s.Feed([]byte(stream[:n]))
		if err != nil {
			t.Fatalf("Feed failed: %v", err)
		}
		stream = stream[n:]
		if matched {
			return s
		}
	}
	return nil
}

func TestMarkerScanner_SingleChunk(t *testing.T) {
	s := feedChunks(t, "hello\n"+marker(testID, "0"), 1<<20)
	if s == nil {
		t.Fatal("marker not matched")
	}
	if s.Output() != "hello\n" {
		t.Errorf("Output() = %q, want %q", s.Output(), "hello\n")
	}
	if s.ExitCode() != 0 {
		t.Errorf("ExitCode() = %d, want 0", s.ExitCode())
	}
}

func TestMarkerScanner_ChunkingDoesNotMatter(t *testing.T) {
	prefix := strings.Repeat("build output line\n", 20) + "no newline at end"
	stream := prefix + marker(testID, "42")

	whole := feedChunks(t, stream, len(stream))
	if whole == nil {
		t.Fatal("marker not matched in single chunk")
	}

	for _, size := range []int{1, 2, 3, 5, 7, 16, 63, 64, 100} {
		s := feedChunks(t, stream, size)
		if s == nil {
			t.Fatalf("chunk size %d: marker not matched", size)
		}
		if s.Output() != whole.Output() {
			t.Errorf("chunk size %d: Output() = %q, want %q", size, s.Output(), whole.Output())
		}
		if s.ExitCode() != 42 {
			t.Errorf("chunk size %d: ExitCode() = %d, want 42", size, s.ExitCode())
		}
	}
}

func TestMarkerScanner_IncompleteMarker(t *testing.T) {
	full := marker(testID, "0")
	s := newMarkerScanner(testID)

	matched, err := s.Feed([]byte(full[:len(full)-1]))
	if err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	if matched {
		t.Fatal("matched a marker missing its line terminator")
	}

	matched, err = s.Feed([]byte(full[len(full)-1:]))
	if err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	if !matched {
		t.Fatal("marker not matched after final byte")
	}
}

func TestMarkerScanner_RejectsOtherID(t *testing.T) {
	foreign := marker(otherID, "9")

	tests := []struct {
		name   string
		stream string
		size   int
	}{
		{"foreign then ours", "a\n" + foreign + "b\n" + marker(testID, "1"), 1 << 20},
		{"foreign then ours bytewise", "a\n" + foreign + "b\n" + marker(testID, "1"), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := feedChunks(t, tt.stream, tt.size)
			if s == nil {
				t.Fatal("own marker not matched")
			}
			if s.ExitCode() != 1 {
				t.Errorf("ExitCode() = %d, want 1 from own marker", s.ExitCode())
			}
			if want := "a\n" + foreign + "b\n"; s.Output() != want {
				t.Errorf("Output() = %q, want %q", s.Output(), want)
			}
		})
	}

	if s := feedChunks(t, "x"+foreign, 1); s != nil {
		t.Error("foreign marker accepted as completion")
	}
}

func TestMarkerScanner_BadStatus(t *testing.T) {
	for _, status := range []string{"256", "-1", "abc", "99999999999"} {
		t.Run(status, func(t *testing.T) {
			s := newMarkerScanner(testID)
			_, err := s.Feed([]byte(marker(testID, status)))
			if err == nil {
				t.Errorf("expected error for exit status %q", status)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	got := Wrap(testID, "echo 'hi'")
	want := `sh -c 'echo '"'"'hi'"'"''; echo " [[ END-OF-TASK ` + testID + ` $? ]] "`
	if got != want {
		t.Errorf("Wrap() = %s\nwant     %s", got, want)
	}
}
