package config

import (
	"os"
	"strings"
	"time"
)

const (
	projectVersionFile   = "PROJECT_VERSION"
	projectBuildDateFile = "PROJECT_BUILD_DATE"
	projectCommitFile    = "PROJECT_COMMIT_HASH"
)

// BuildConfig describes the running binary, as written next to it by the
// release pipeline. It is reported by the health endpoint.
type BuildConfig struct {
	GitTag    string    `json:"gitTag"`
	GitHash   string    `json:"gitHash"`
	BuildDate time.Time `json:"buildDate,omitempty"`
}

// ReadBuildVersion reads the build files from the working directory. Missing
// files leave their field as "unknown", local builds have none of them.
func ReadBuildVersion() BuildConfig {
	build := BuildConfig{
		GitTag:  readBuildFile(projectVersionFile),
		GitHash: readBuildFile(projectCommitFile),
	}

	if date, err := time.Parse(time.RFC3339, readBuildFile(projectBuildDateFile)); err == nil {
		build.BuildDate = date
	}

	return build
}

func readBuildFile(name string) string {
	b, err := os.ReadFile(name)
	if err != nil {
		return "unknown"
	}

	return strings.TrimSpace(string(b))
}
