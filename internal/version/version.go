package version

import "fmt"

// Build metadata, overridden with -ldflags "-X citypulse/internal/version.Version=..." at build time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// String renders the build metadata on one line.
func String() string {
	return fmt.Sprintf("citypulse %s (commit %s, built %s)", Version, Commit, BuildDate)
}
