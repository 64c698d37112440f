package homer

import (
	"fmt"
	"runtime"
)

// Version is the release version. BuildDate and GitCommit default to
// "unknown" and are stamped at release time via
// -ldflags "-X github.com/homerhq/homer.GitCommit=...".
var (
	Version   = "0.1.0"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

// Info identifies the running build. The control server reports it on
// /health so UIs can detect mismatched versions.
type Info struct {
	Version   string `json:"version"`
	BuildDate string `json:"build_date"`
	GitCommit string `json:"git_commit"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// BuildInfo returns the running build's identification.
func BuildInfo() Info {
	return Info{
		Version:   Version,
		BuildDate: BuildDate,
		GitCommit: GitCommit,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// String renders the build as a one-line banner.
func (i Info) String() string {
	return fmt.Sprintf("homer %s (commit %s, %s, %s)",
		i.Version, i.GitCommit, i.GoVersion, i.Platform)
}
