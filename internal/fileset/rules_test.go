package fileset

import "testing"

func TestRuleSetDecide(t *testing.T) {
	tests := []struct {
		name  string
		rules string
		path  string
		isDir bool
		want  Decision
	}{
		{"no rules", "", "main.go", false, Unmatched},
		{"root is never matched", "*", "", true, Unmatched},
		{"dir-only pattern on dir", "target/", "target", true, Ignored},
		{"dir-only pattern on file", "target/", "target", false, Unmatched},
		{"glob at top level", "*.o", "a.o", false, Ignored},
		{"glob in subdirectory", "*.o", "src/lib/b.o", false, Ignored},
		{"glob not matching", "*.o", "a.go", false, Unmatched},
		{"whitelist after ignore", "*.o\n!keep.o", "keep.o", false, Whitelisted},
		{"ignore after whitelist", "!keep.o\n*.o", "keep.o", false, Ignored},
		{"whitelist leaves others ignored", "*.o\n!keep.o", "drop.o", false, Ignored},
		{"anchored pattern at root", "/build", "build", true, Ignored},
		{"anchored pattern below root", "/build", "src/build", true, Unmatched},
		{"double star", "**/gen/*.go", "a/b/gen/x.go", false, Ignored},
		{"double star at root", "**/gen/*.go", "gen/x.go", false, Ignored},
		{"nested path pattern", "docs/*.md", "docs/a.md", false, Ignored},
		{"nested path pattern elsewhere", "docs/*.md", "src/docs/a.md", false, Unmatched},
		{"comments and blanks", "# *.go\n\n   \n", "main.go", false, Unmatched},
		{"windows line endings", "*.log\r\n", "x.log", false, Ignored},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs := NewRuleSet("/src", tt.rules)
			got := rs.Decide(tt.path, tt.isDir)
			if got != tt.want {
				t.Errorf("Decide(%q, %v) = %s, want %s", tt.path, tt.isDir, got, tt.want)
			}
		})
	}
}

func TestDecisionIncluded(t *testing.T) {
	if !Unmatched.Included() {
		t.Error("unmatched paths must be included")
	}
	if !Whitelisted.Included() {
		t.Error("whitelisted paths must be included")
	}
	if Ignored.Included() {
		t.Error("ignored paths must not be included")
	}
}

func TestRuleSetDecidePath(t *testing.T) {
	rs := NewRuleSet("/src", "target/")

	got, err := rs.DecidePath("/src/target", true)
	if err != nil {
		t.Fatalf("DecidePath failed: %v", err)
	}
	if got != Ignored {
		t.Errorf("expected /src/target to be ignored, got %s", got)
	}

	got, err = rs.DecidePath("/elsewhere/target", true)
	if err != nil {
		t.Fatalf("DecidePath failed: %v", err)
	}
	if got != Unmatched {
		t.Errorf("expected path outside base to be unmatched, got %s", got)
	}

	got, err = rs.DecidePath("/src", true)
	if err != nil {
		t.Fatalf("DecidePath failed: %v", err)
	}
	if got != Unmatched {
		t.Errorf("expected base itself to be unmatched, got %s", got)
	}
}

func TestNilRuleSet(t *testing.T) {
	var rs *RuleSet
	if rs.Decide("anything", false) != Unmatched {
		t.Error("nil rule set must not match")
	}
}
