package version

import "fmt"

// These variables are set at build time via -ldflags
// Example: go build -ldflags "-X github.com/pysugar/notedeck/internal/version.Version=v0.2.0"
var (
	// Version is the semantic version of the console
	Version = "dev"

	// Commit is the git commit hash
	Commit = "none"

	// BuildTime is the timestamp of the build
	BuildTime = "unknown"
)

// UserAgent is sent with every backend request.
func UserAgent() string {
	return "notedeck/" + Version
}

// String renders the build info for `notedeck version`.
func String() string {
	return fmt.Sprintf("notedeck %s (commit %s, built %s)", Version, Commit, BuildTime)
}
