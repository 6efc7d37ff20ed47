// Package version provides version information for SweetLink.
package version

// These variables are set at build time via ldflags.
var (
	// Version is the semantic version of SweetLink.
	Version = "0.3.0"

	// Commit is the git commit hash.
	Commit = "unknown"

	// BuildDate is the build timestamp.
	BuildDate = "unknown"
)

// String returns a single-line description used by `sweetlink version`.
func String() string {
	return Version + " (" + Commit + ", built " + BuildDate + ")"
}
