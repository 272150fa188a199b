// Package version carries build metadata injected with -ldflags.
package version

import "runtime"

var (
	// Version is the semantic version of the binary. Overridden at build time.
	Version = "dev"
	// Commit is the git commit hash. Overridden at build time.
	Commit = "unknown"
	// BuildDate is the build timestamp. Overridden at build time.
	BuildDate = "unknown"
)

// GoVersion reports the toolchain the binary was built with.
func GoVersion() string {
	return runtime.Version()
}
