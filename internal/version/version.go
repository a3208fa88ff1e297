// Package version holds the build version, set with
// -ldflags "-X lessonflow/internal/version.Version=...".
package version

// Version is the release of the running binary.
var Version = "0.1.0-dev"
