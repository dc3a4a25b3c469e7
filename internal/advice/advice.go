// Package advice produces live risk advice for calls in progress.
//
// A [Scheduler] owns the per-call run state and makes sure at most one
// generation runs per call, coalescing bursts of transcript updates into a
// follow-up run. Generation itself is delegated to a [Generator]: the
// OpenAI-backed one when an API key is configured, a keyword heuristic
// otherwise.
package advice

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/PratikDhanave/call-advice-service/internal/models"
)

// DelayedNotice is stored as the session's last error when generation
// failed and the safe default advice was substituted.
const DelayedNotice = "Live advice is delayed; showing general guidance until analysis recovers."

// ErrNoContent is returned by generators that received an empty window or
// an unusable response.
var ErrNoContent = errors.New("advice: no content")

// Generator turns a transcript window into advice. Implementations must
// honour ctx cancellation.
type Generator interface {
	Generate(ctx context.Context, window []models.TranscriptChunk) (models.Advice, error)
}

// GeneratorFunc adapts a function to [Generator].
type GeneratorFunc func(ctx context.Context, window []models.TranscriptChunk) (models.Advice, error)

func (f GeneratorFunc) Generate(ctx context.Context, window []models.TranscriptChunk) (models.Advice, error) {
	return f(ctx, window)
}

// DefaultAdvice is the conservative guidance shown when generation fails.
func DefaultAdvice(now time.Time) models.Advice {
	return models.Advice{
		RiskScore:  50,
		RiskLevel:  models.RiskMedium,
		Feedback:   "We could not analyze the latest part of the conversation.",
		WhatToSay:  "I'd like to verify this independently before we continue.",
		WhatToDo:   "Do not share codes, passwords or payment details until the caller is verified.",
		NextSteps:  []string{"Ask for a call-back number", "Verify through an official channel", "Hang up if pressured"},
		Confidence: 0,
		UpdatedAt:  now.UTC(),
	}
}

// Sanitize clamps numeric fields into range, fills a missing level from the
// score and stamps UpdatedAt. Generators may return anything; the stored
// value is always well-formed.
func Sanitize(a models.Advice, now time.Time) models.Advice {
	a.RiskScore = min(max(a.RiskScore, 0), 100)
	a.Confidence = min(max(a.Confidence, 0), 1)

	switch models.RiskLevel(strings.ToLower(string(a.RiskLevel))) {
	case models.RiskLow, models.RiskMedium, models.RiskHigh:
		a.RiskLevel = models.RiskLevel(strings.ToLower(string(a.RiskLevel)))
	default:
		a.RiskLevel = models.LevelForScore(a.RiskScore)
	}

	a.Feedback = strings.TrimSpace(a.Feedback)
	a.WhatToSay = strings.TrimSpace(a.WhatToSay)
	a.WhatToDo = strings.TrimSpace(a.WhatToDo)

	steps := make([]string, 0, len(a.NextSteps))
	for _, s := range a.NextSteps {
		if s = strings.TrimSpace(s); s != "" {
			steps = append(steps, s)
		}
	}
	a.NextSteps = steps

	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = now.UTC()
	}
	return a
}

// renderWindow formats a window as "speaker: text" lines, oldest first.
func renderWindow(window []models.TranscriptChunk) string {
	var b strings.Builder
	for _, c := range window {
		text := strings.TrimSpace(c.Text)
		if text == "" {
			continue
		}
		b.WriteString(string(c.Speaker))
		b.WriteString(": ")
		b.WriteString(text)
		b.WriteByte('\n')
	}
	return b.String()
}
