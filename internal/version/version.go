// Package version provides build information for the lime-streamer tools
package version

import (
	"fmt"
	"runtime"
	"strings"
)

// Build-time variables that can be set via ldflags, e.g.
// -ldflags "-X lime-streamer/internal/version.GitCommit=$(git rev-parse HEAD)"
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildDate = "unknown"
	BuildUser = "unknown"

	// BuildTags lists the hardware backends compiled in
	BuildTags = "unknown"
)

// BuildInfo contains version and build information
type BuildInfo struct {
	Version   string
	GitCommit string
	GitBranch string
	BuildDate string
	BuildUser string
	BuildTags string
	GoVersion string
	Platform  string
}

// GetBuildInfo returns complete build information
func GetBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   Version,
		GitCommit: GitCommit,
		GitBranch: GitBranch,
		BuildDate: BuildDate,
		BuildUser: BuildUser,
		BuildTags: BuildTags,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

func shortCommit(commit string) string {
	if len(commit) > 7 {
		return commit[:7]
	}
	return commit
}

// GetFullVersion returns the version with the short commit appended
func GetFullVersion() string {
	if GitCommit != "unknown" {
		return fmt.Sprintf("%s-%s", Version, shortCommit(GitCommit))
	}
	return Version
}

// GetVersionInfo returns a multi-line description for --version output
func GetVersionInfo(appName string) string {
	info := GetBuildInfo()

	var b strings.Builder
	fmt.Fprintf(&b, "%s version %s", appName, info.Version)
	if info.GitCommit != "unknown" {
		fmt.Fprintf(&b, " (commit %s)", shortCommit(info.GitCommit))
	}
	if info.GitBranch != "unknown" {
		fmt.Fprintf(&b, " on branch %s", info.GitBranch)
	}
	if info.BuildDate != "unknown" {
		fmt.Fprintf(&b, "\nBuilt: %s", info.BuildDate)
		if info.BuildUser != "unknown" {
			fmt.Fprintf(&b, " by %s", info.BuildUser)
		}
	}
	if info.BuildTags != "unknown" {
		fmt.Fprintf(&b, "\nBackends: %s", info.BuildTags)
	}
	fmt.Fprintf(&b, "\nGo: %s", info.GoVersion)
	fmt.Fprintf(&b, "\nPlatform: %s", info.Platform)
	return b.String()
}
