// Package session holds the call lifecycle rules.
//
// Providers report call status as free text ("in-progress", "completed",
// "no-answer", ...). [Canonicalize] folds those onto [models.CallStatus] and
// [Apply] decides whether the session moves. Lifecycle moves forward only:
// queued → ringing → live → {ended, failed}. Terminal states absorb, so a
// late or re-delivered callback can never resurrect a finished call.
package session

import (
	"fmt"
	"strings"

	"github.com/PratikDhanave/call-advice-service/internal/models"
)

var rank = map[models.CallStatus]int{
	models.StatusQueued:  0,
	models.StatusRinging: 1,
	models.StatusLive:    2,
	models.StatusEnded:   3,
	models.StatusFailed:  3,
}

// Failure markers are checked before normal completion so that a status like
// "completed-with-error" lands on failed.
var (
	failureMarkers  = []string{"fail", "error", "busy", "no-answer"}
	terminalMarkers = []string{"end", "complete", "cancel"}
)

// Canonicalize maps a provider status string onto a canonical status.
// ok is false when the string is not recognised.
func Canonicalize(raw string) (status models.CallStatus, ok bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return "", false
	}
	switch {
	case containsAny(s, failureMarkers):
		return models.StatusFailed, true
	case containsAny(s, terminalMarkers):
		return models.StatusEnded, true
	case strings.Contains(s, "queue"):
		return models.StatusQueued, true
	case strings.Contains(s, "ring"):
		return models.StatusRinging, true
	case containsAny(s, []string{"in-progress", "active", "answer"}):
		return models.StatusLive, true
	}
	return "", false
}

// IsTerminal reports whether s ends the call lifecycle.
func IsTerminal(s models.CallStatus) bool {
	return s == models.StatusEnded || s == models.StatusFailed
}

// Transition is the result of applying a provider status to a session.
type Transition struct {
	From models.CallStatus
	To   models.CallStatus

	// Recognized is false when the provider string mapped to nothing; To
	// then equals From.
	Recognized bool

	// Changed is true when To differs from From. A recognized repeat of the
	// current status is a no-op apart from refreshing last-seen.
	Changed bool

	// LastError is set only when the transition enters failed.
	LastError string
}

// Apply computes the transition caused by a provider status string. An empty
// current status is treated as queued.
func Apply(current models.CallStatus, raw string) Transition {
	if current == "" {
		current = models.StatusQueued
	}
	t := Transition{From: current, To: current}

	next, ok := Canonicalize(raw)
	if !ok {
		return t
	}
	t.Recognized = true

	if IsTerminal(current) || rank[next] <= rank[current] {
		return t
	}

	t.To = next
	t.Changed = true
	if next == models.StatusFailed {
		t.LastError = fmt.Sprintf("call failed: provider reported %q", strings.TrimSpace(raw))
	}
	return t
}

// ObserveTranscript returns the status a session should hold once speech has
// been transcribed: a call producing transcripts is live.
func ObserveTranscript(current models.CallStatus) (models.CallStatus, bool) {
	if current == "" || current == models.StatusQueued || current == models.StatusRinging {
		return models.StatusLive, true
	}
	return current, false
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
