// Package version derives the build identity reported in logs, the
// health endpoint, and outbound user-agent strings.
package version

import "runtime/debug"

// AppName identifies this service in version strings.
const AppName = "oversight"

// commitOverride is injected via -ldflags for container builds that
// strip the .git directory. It takes precedence over VCS build info.
var commitOverride string

// GitCommit is the short commit hash, suffixed with "-dirty" when the
// working tree had local modifications at build time. "dev" when no
// build metadata is available, as under go test.
var GitCommit = resolve()

// BuildTime is the commit timestamp in RFC 3339, or empty when unknown.
var BuildTime string

func resolve() string {
	if commitOverride != "" {
		return short(commitOverride)
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	var revision string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		case "vcs.time":
			BuildTime = s.Value
		}
	}
	if revision == "" {
		return "dev"
	}
	if dirty {
		return short(revision) + "-dirty"
	}
	return short(revision)
}

func short(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full returns "oversight/<commit>" for logging and user-agent strings.
func Full() string {
	return AppName + "/" + GitCommit
}
