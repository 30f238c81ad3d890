// Package version carries build metadata stamped in at link time, e.g.
//
//	go build -ldflags "-X github.com/banshee-data/taglocalizer/internal/version.GitSHA=$(git rev-parse --short HEAD)"
package version

import "fmt"

var (
	Version   = "dev"
	GitSHA    = "unknown"
	BuildTime = "unknown"
)

// Info is the JSON form served in /api/status.
type Info struct {
	Version   string `json:"version"`
	GitSHA    string `json:"git_sha"`
	BuildTime string `json:"build_time"`
}

func Current() Info {
	return Info{Version: Version, GitSHA: GitSHA, BuildTime: BuildTime}
}

func String() string {
	return fmt.Sprintf("%s (%s, built %s)", Version, GitSHA, BuildTime)
}
