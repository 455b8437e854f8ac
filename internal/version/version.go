// Package version holds build-time identifiers injected via -ldflags.
package version

// Version and Commit default to "dev"/"unknown" and are overridden at build
// time, e.g. -ldflags "-X github.com/jewgo-app/core-platform/internal/version.Version=1.2.3".
var (
	Version = "dev"
	Commit  = "unknown"
)
