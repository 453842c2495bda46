// Package version holds build information stamped in via ldflags.
package version

import "fmt"

var (
	// Version is the semantic version of the build.
	Version = "0.9.0"
	// Revision is the VCS revision, set at build time.
	Revision = "unknown"
	// BuildDate is the UTC build timestamp, set at build time.
	BuildDate = "unknown"
)

// Print returns a one-line version string for the named program.
func Print(program string) string {
	return fmt.Sprintf("%s, version %s (revision: %s, built: %s)",
		program, Version, Revision, BuildDate)
}
