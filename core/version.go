package core

import "fmt"

// Build metadata, injected with:
//
//	go build -ldflags "-X flux_backend/core.Version=$(git describe --tags --always) \
//	  -X flux_backend/core.GitCommit=$(git rev-parse --short HEAD) \
//	  -X flux_backend/core.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)" .
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// VersionString returns "<version> (<commit>, built <time>)".
func VersionString() string {
	return fmt.Sprintf("%s (%s, built %s)", Version, GitCommit, BuildTime)
}
