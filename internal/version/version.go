// Package version reports the goremote build.
package version

import (
	"fmt"
	"runtime/debug"
)

// Version and Commit are set at build time via:
//
//	go build -ldflags "-X ...version.Version=0.1.0 -X ...version.Commit=abc123"
//
// When Commit is not set, the VCS revision embedded by the go tool is used.
var (
	Version = "dev"
	Commit  = "dev"
)

func init() {
	if Commit != "dev" {
		return
	}
	if rev, ok := vcsRevision(); ok {
		Commit = rev
	}
}

func vcsRevision() (string, bool) {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "", false
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			if len(s.Value) > 12 {
				return s.Value[:12], true
			}
			return s.Value, true
		}
	}
	return "", false
}

// String returns the one-line version banner.
func String() string {
	return fmt.Sprintf("goremote %s (commit %s)", Version, Commit)
}
