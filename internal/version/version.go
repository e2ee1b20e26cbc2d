// Package version holds build-time identifiers, set via -ldflags at build.
package version

// Version, Commit, and BuildDate are overridden at build time with:
//
//	-ldflags "-X github.com/sbsmw/claimproc/internal/version.Version=... \
//	          -X github.com/sbsmw/claimproc/internal/version.Commit=... \
//	          -X github.com/sbsmw/claimproc/internal/version.BuildDate=..."
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// String returns a one-line identifier suitable for startup logs and the
// /healthz response.
func String() string {
	return Version + " (" + Commit + ", " + BuildDate + ")"
}
