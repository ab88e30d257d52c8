package version

import (
	"fmt"

	"go.uber.org/zap"
)

// Set at link time, e.g. -ldflags "-X github.com/okserver/okserver/internal/version.Version=v1.0.0".
var (
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

// Info returns formatted version information.
func Info() string {
	return fmt.Sprintf("okserver %s (built %s, commit %s)", Version, BuildDate, GitCommit)
}

// Fields returns the build metadata as log fields.
func Fields() []zap.Field {
	return []zap.Field{
		zap.String("version", Version),
		zap.String("build_date", BuildDate),
		zap.String("git_commit", GitCommit),
	}
}
