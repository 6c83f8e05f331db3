package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet(t *testing.T) {
	defer func(v, c, b string) { Version, CommitHash, BuildTime = v, c, b }(Version, CommitHash, BuildTime)
	Version, CommitHash, BuildTime = "v0.4.0", "1a2b3c4d5e6f", "2025-03-31T06:00:00Z"

	info := Get()
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Equal(t, "1a2b3c4", info.Short())
	assert.Equal(t, "episodic v0.4.0 (commit 1a2b3c4, built 2025-03-31T06:00:00Z)", info.String())
}

func TestShortKeepsDevHash(t *testing.T) {
	assert.Equal(t, "dev", Info{CommitHash: "dev"}.Short())
}
