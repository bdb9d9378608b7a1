package version

import (
	"fmt"
	"runtime"
)

// Set via ldflags at build time.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// String is the one-line banner printed by "llmrelay version".
func String() string {
	return fmt.Sprintf("llmrelay %s (commit: %s, built: %s, %s/%s)", Version, GitCommit, BuildDate, runtime.GOOS, runtime.GOARCH)
}

// UserAgent identifies the relay to upstream providers.
func UserAgent() string {
	return "llmrelay/" + Version
}
