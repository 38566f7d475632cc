package version

import (
	"strings"
	"testing"
)

func TestString(t *testing.T) {
	old := Version
	Version = "1.2.3"
	defer func() { Version = old }()

	s := String()
	if !strings.Contains(s, "1.2.3") || !strings.Contains(s, GitSHA) {
		t.Errorf("String() = %q, want version and sha", s)
	}
}
