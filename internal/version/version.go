// Package version holds build metadata stamped via ldflags:
//
//	-X github.com/topfeed/topfeed/internal/version.Version=v1.2.3
package version

var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)
