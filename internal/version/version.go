package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is set at build time with -ldflags "-X arbwatch/internal/version.Version=...".
	Version = "dev"
	// Commit is the git commit hash.
	Commit = "unknown"
	// BuildDate is the build timestamp.
	BuildDate = "unknown"
)

// String renders build information for the version command.
func String() string {
	return fmt.Sprintf("arbwatch %s\ncommit: %s\nbuilt: %s\ngo: %s\n", Version, Commit, BuildDate, runtime.Version())
}
