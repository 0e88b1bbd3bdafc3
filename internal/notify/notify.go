// Package notify delivers operator notifications about advertising events.
// The manager lives in manager.go; webhook providers in chat.go.
package notify

import "strings"

// Severity classifies an event for level filtering.
type Severity int

const (
	// Info covers routine events such as a service being published.
	Info Severity = iota
	// Failure covers collisions, invalid snapshots and an unreachable daemon.
	Failure
)

// Level names accepted by ParseLevel.
const (
	LevelAll     = "all"
	LevelFailure = "failure"
	LevelNone    = "none"
)

// ParseLevel returns the lowest severity delivered for a level name and
// whether anything is delivered at all. Unknown names mean "all".
func ParseLevel(level string) (min Severity, enabled bool) {
	switch strings.ToLower(level) {
	case LevelNone:
		return Failure, false
	case LevelFailure:
		return Failure, true
	default:
		return Info, true
	}
}
