package contracts

import (
	"fmt"
	"runtime"

	"fastdls/internal/config"
)

const (
	// ProtocolVersion is the licensing protocol spoken on /auth/v1 and
	// /leasing/v1.
	ProtocolVersion = config.ProtocolVersion

	// EventsVersion is the version of the /-/events message envelope.
	EventsVersion = "v1"
)

var (
	// BuildTime is set during build using ldflags
	BuildTime = "unknown"

	// GitCommit is set during build using ldflags
	GitCommit = "unknown"
)

// VersionInfo contains detailed version information
type VersionInfo struct {
	Version         string `json:"version"`
	BuildTime       string `json:"build_time"`
	GitCommit       string `json:"git_commit"`
	GoVersion       string `json:"go_version"`
	OS              string `json:"os"`
	Architecture    string `json:"architecture"`
	ProtocolVersion string `json:"protocol_version"`
	EventsVersion   string `json:"events_version"`
}

// GetVersionInfo returns detailed version information
func GetVersionInfo() VersionInfo {
	return VersionInfo{
		Version:         config.AppVersion,
		BuildTime:       BuildTime,
		GitCommit:       GitCommit,
		GoVersion:       runtime.Version(),
		OS:              runtime.GOOS,
		Architecture:    runtime.GOARCH,
		ProtocolVersion: ProtocolVersion,
		EventsVersion:   EventsVersion,
	}
}

// GetVersionString returns a formatted version string
func GetVersionString() string {
	return fmt.Sprintf("%s v%s", config.AppName, config.AppVersion)
}

// GetFullVersionString returns a detailed version string
func GetFullVersionString() string {
	info := GetVersionInfo()
	return fmt.Sprintf(
		"%s (built: %s, commit: %s, protocol: %s, go: %s, os: %s/%s)",
		GetVersionString(),
		info.BuildTime,
		info.GitCommit,
		info.ProtocolVersion,
		info.GoVersion,
		info.OS,
		info.Architecture,
	)
}
