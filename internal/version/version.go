// Package version holds build metadata for the docpipe binary, set with -ldflags:
//
//	go build -ldflags="-X github.com/54b3r/docpipe-go/internal/version.Version=v0.3.0 \
//	                    -X github.com/54b3r/docpipe-go/internal/version.Commit=abc1234 \
//	                    -X github.com/54b3r/docpipe-go/internal/version.BuildDate=2026-01-01"
package version

import "fmt"

var (
	// Version is the semantic version. "dev" for local builds.
	Version = "dev"
	// Commit is the short git SHA.
	Commit = "unknown"
	// BuildDate is the UTC build date.
	BuildDate = "unknown"
)

// String renders the one-line version banner printed by `docpipe version`.
func String() string {
	return fmt.Sprintf("docpipe %s (commit %s, built %s)", Version, Commit, BuildDate)
}
