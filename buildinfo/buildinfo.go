// Package buildinfo contains application metadata that can be set at build time.
//
// For release builds, use ldflags to set the version:
//
//	go build -ldflags "-X github.com/dotside-studios/storagecard-agent/buildinfo.Version=1.0.0"
package buildinfo

import (
	"fmt"
	"runtime"
)

// Application metadata - can be overridden at build time via ldflags
var (
	// Name is the technical application name
	Name = "storagecard-agent"

	// DisplayName is the user-friendly name (used for mDNS and logs)
	DisplayName = "Storage Card Agent"

	// Description is a short description of the application
	Description = "Multi-protocol contactless card agent with WebSocket broadcasting"

	// Version is the semantic version (set via ldflags for releases)
	Version = "dev"

	// Commit is the git commit hash (set via ldflags)
	Commit = ""

	// BuildTime is the build timestamp (set via ldflags)
	BuildTime = ""
)

// String returns a human-readable version line.
func String() string {
	s := fmt.Sprintf("%s %s (%s/%s)", Name, Version, runtime.GOOS, runtime.GOARCH)
	if Commit != "" {
		s += " commit " + Commit
	}
	if BuildTime != "" {
		s += " built " + BuildTime
	}
	return s
}
