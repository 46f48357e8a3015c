// Package version provides build version information for the lab node.
package version

import "fmt"

// Build information, injected at compile time via -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Get returns a human-readable version string.
func Get() string {
	return fmt.Sprintf("labnode %s (commit %s, built %s)", Version, GitCommit, BuildTime)
}
