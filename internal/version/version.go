// Package version holds build-time version information for the firestarter binary.
// The variables in this package are populated at build time via -ldflags:
//
//	go build -ldflags="-X github.com/54b3r/firestarter-go/internal/version.Version=v1.2.3 \
//	                    -X github.com/54b3r/firestarter-go/internal/version.Commit=abc1234 \
//	                    -X github.com/54b3r/firestarter-go/internal/version.BuildDate=2025-01-01"
package version

import "fmt"

// Version is the semantic version of the binary. Defaults to "dev" for local builds.
var Version = "dev"

// Commit is the short git SHA the binary was built from.
var Commit = "unknown"

// BuildDate is the UTC date the binary was built (RFC3339 format).
var BuildDate = "unknown"

// String renders the version line printed by `firestarter version` and
// reported as the User-Agent suffix on outbound API calls.
func String() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate)
}

// UserAgent returns the User-Agent header value for outbound HTTP requests.
func UserAgent() string {
	return "firestarter-go/" + Version
}
