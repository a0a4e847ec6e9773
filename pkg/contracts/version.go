package contracts

import (
	"fmt"
	"runtime"
)

const (
	// Version is the current version of the application
	Version = "1.2.0"

	VersionMajor = 1
	VersionMinor = 2
	VersionPatch = 0

	// DataFormatVersion is the version of the persisted license/code tables
	DataFormatVersion = "v2"

	// APIVersion is the version of the HTTP and event feed contracts
	APIVersion = "v1"
)

// BuildInfo describes the running binary.
type BuildInfo struct {
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetBuildInfo returns build information for health and version endpoints.
func GetBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   Version,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}
