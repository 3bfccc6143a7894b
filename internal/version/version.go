// Package version holds build metadata, set with -ldflags "-X" at link time.
package version

import "fmt"

var (
	Version   = "dev"
	GitSHA    = "unknown"
	BuildTime = "unknown"
)

// String formats the metadata for -version output and the run log.
func String() string {
	return fmt.Sprintf("timesplat %s (git %s, built %s)", Version, GitSHA, BuildTime)
}
