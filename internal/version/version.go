// Package version holds build information for the kpmatch binary, set with
// -ldflags:
//
//	go build -ldflags="-X github.com/54b3r/kpmatch-go/internal/version.Version=v0.3.0 \
//	                    -X github.com/54b3r/kpmatch-go/internal/version.Commit=abc1234 \
//	                    -X github.com/54b3r/kpmatch-go/internal/version.BuildDate=2026-01-01"
package version

import "fmt"

var (
	// Version is the semantic version. "dev" for local builds.
	Version = "dev"
	// Commit is the short git SHA.
	Commit = "unknown"
	// BuildDate is the UTC build date.
	BuildDate = "unknown"
)

// Info is the JSON shape reported by `kpmatch version --json` and /api/health.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Get returns the current build info.
func Get() Info {
	return Info{Version: Version, Commit: Commit, BuildDate: BuildDate}
}

// String renders a single line for `kpmatch version`.
func (i Info) String() string {
	return fmt.Sprintf("kpmatch %s (commit %s, built %s)", i.Version, i.Commit, i.BuildDate)
}
