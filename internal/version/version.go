// Package version holds build information for the credstore binaries, set
// with -ldflags:
//
//	-X github.com/ferro-labs/credstore/internal/version.Version=v0.1.0
//	-X github.com/ferro-labs/credstore/internal/version.Commit=abc1234
//	-X github.com/ferro-labs/credstore/internal/version.Date=2026-10-19T00:00:00Z
package version

import "fmt"

// Link-time values. Unlinked builds report dev.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String returns e.g. "v0.1.0 (commit abc1234, built 2026-10-19T00:00:00Z)".
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, Date)
}

// Short returns just the version tag.
func Short() string {
	return Version
}
