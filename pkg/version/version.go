// Package version resolves the running build's identity once at init.
// Resolution order: -ldflags override, then vcs.revision from the embedded
// build info, then "dev".
package version

import "runtime/debug"

// AppName is the process name used in version strings and the log banner.
const AppName = "unsgate"

// gitCommitOverride takes a -X ldflags value for builds without .git.
var gitCommitOverride string

// GitCommit is the short commit hash, or "dev" when no revision is known
// (plain `go test`, builds outside a checkout).
var GitCommit = resolve()

func resolve() string {
	if gitCommitOverride != "" {
		return short(gitCommitOverride)
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return short(s.Value)
			}
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

// Full returns the "unsgate/<commit>" form used in the startup banner and
// user-agent strings.
func Full() string { return AppName + "/" + GitCommit }
