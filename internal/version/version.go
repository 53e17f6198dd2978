// Package version carries the build identity stamped in by the release
// workflow via -ldflags.
package version

var (
	Name        = "courier"
	Description = "A client-side HTTP stack for Go"
	Version     = "v0.1.0"
	Commit      = "none"
	Date        = "nowish"
)

const (
	GithubHomeUri   = "https://github.com/thushan/courier"
	GithubLatestUri = "https://github.com/thushan/courier/releases/latest"
)
