package version

import "testing"

func TestString(t *testing.T) {
	Version, Commit, Date = "v1.2.3", "abc1234", "2026-10-19T00:00:00Z"
	t.Cleanup(func() { Version, Commit, Date = "dev", "none", "unknown" })

	if got, want := String(), "v1.2.3 (commit abc1234, built 2026-10-19T00:00:00Z)"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
	if Short() != "v1.2.3" {
		t.Fatalf("Short() = %q", Short())
	}
}
