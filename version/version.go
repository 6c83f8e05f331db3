// Package version reports build information stamped in via ldflags:
//
//	go build -ldflags "-X github.com/teranos/episodic/version.Version=v0.4.0 \
//	  -X github.com/teranos/episodic/version.CommitHash=$(git rev-parse HEAD) \
//	  -X github.com/teranos/episodic/version.BuildTime=$(date -u +%FT%TZ)"
package version

import (
	"fmt"
	"runtime"
)

// Build information, set at build time via ldflags
var (
	CommitHash = "dev"
	BuildTime  = "unknown"
	Version    = "dev"
)

// Info contains version and build information
type Info struct {
	Version    string `json:"version"`
	CommitHash string `json:"commit_hash"`
	BuildTime  string `json:"build_time"`
	GoVersion  string `json:"go_version"`
	Platform   string `json:"platform"`
}

// Get returns the current version information
func Get() Info {
	return Info{
		Version:    Version,
		CommitHash: CommitHash,
		BuildTime:  BuildTime,
		GoVersion:  runtime.Version(),
		Platform:   fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// String returns e.g. "episodic v0.4.0 (commit 1a2b3c4, built 2025-03-31T06:00:00Z)"
func (i Info) String() string {
	return fmt.Sprintf("episodic %s (commit %s, built %s)", i.Version, i.Short(), i.BuildTime)
}

// Short returns the abbreviated commit hash
func (i Info) Short() string {
	if len(i.CommitHash) >= 7 {
		return i.CommitHash[:7]
	}
	return i.CommitHash
}
