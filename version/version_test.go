package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfoString(t *testing.T) {
	assert.Equal(t, "tempo dev", Info{Version: "dev"}.String())
	assert.Equal(t, "tempo v1.2.0 (commit 0123456, built 2026-01-02T03:04:05Z)",
		Info{Version: "v1.2.0", CommitHash: "0123456789abcdef", BuildTime: "2026-01-02T03:04:05Z"}.String())
	assert.Equal(t, "tempo dev (commit abc-dirty)", Info{Version: "dev", CommitHash: "abc", Modified: true}.String())
}

func TestGet_LinkedValuesWin(t *testing.T) {
	defer func(v, c string) { Version, CommitHash = v, c }(Version, CommitHash)
	Version, CommitHash = "v9.9.9", "feedface00"

	info := Get()
	assert.Equal(t, "v9.9.9", info.Version)
	assert.Equal(t, "feedface00", info.CommitHash)
	assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, info.Platform)
}
