// Package version holds build metadata, set at link time with
// -ldflags "-X github.com/WiLGYSeF/stalk-sub000/internal/version.Version=...".
package version

import (
	"fmt"
	"runtime"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// GoVersion returns the Go runtime version string.
func GoVersion() string { return runtime.Version() }

// String renders a one-line summary, e.g. "v1.2.0 (abc1234, built 2026-01-02, go1.23.4)".
func String() string {
	return fmt.Sprintf("%s (%s, built %s, %s)", Version, GitCommit, BuildTime, GoVersion())
}
