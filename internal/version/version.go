// Package version holds build metadata injected with -ldflags.
package version

import "fmt"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String renders the build metadata for the version command and logs.
func String() string {
	return fmt.Sprintf("llmevents %s (%s, %s)", Version, Commit, Date)
}

// UserAgent is sent on outbound requests to the event ingest endpoint.
func UserAgent() string {
	return "llmevents/" + Version
}
