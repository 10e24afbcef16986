// Package version exposes the build version, from -ldflags override or VCS
// build info, with a "dev" fallback.
package version

import "runtime/debug"

// AppName is used in version strings and log headers.
const AppName = "mirixd"

// gitCommitOverride is set via -ldflags for container builds where .git is
// unavailable.
var gitCommitOverride string

// GitCommit is the short git commit hash, or "dev" when build info is
// unavailable.
var GitCommit = initGitCommit()

func initGitCommit() string {
	if gitCommitOverride != "" {
		return short(gitCommitOverride)
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			return short(s.Value)
		}
	}
	return "dev"
}

func short(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full returns "mirixd/<commit>".
func Full() string {
	return AppName + "/" + GitCommit
}
