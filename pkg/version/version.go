// Package version identifies the running build for logs, the health
// endpoint, and the upstream user agent.
package version

import (
	"runtime/debug"
	"sync"
)

const appName = "councild"

// commit is injected with -ldflags "-X ...pkg/version.commit=<sha>" for
// builds without VCS metadata; it takes priority over build info.
var commit string

var revision = sync.OnceValue(func() string {
	if commit != "" {
		return short(commit)
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return short(s.Value)
			}
		}
	}
	return "dev"
})

func short(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full returns the "councild/<revision>" build identifier.
func Full() string { return appName + "/" + revision() }
