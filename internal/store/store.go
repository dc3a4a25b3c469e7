// Package store persists call sessions and transcripts.
//
// Two implementations share one contract: [PostgresStore] for production
// and [MemoryStore] for local runs and tests. Transcript appends are
// idempotent on (call id, source event id) and use
// [transcript.Options.Reconcile] to decide between inserting a chunk,
// revising one, or doing nothing.
package store

import (
	"context"
	"errors"

	"github.com/PratikDhanave/call-advice-service/internal/models"
)

var (
	// ErrNotFound is returned by mutations addressed to an unknown call.
	ErrNotFound = errors.New("store: call not found")

	// ErrStatusConflict is returned by SetStatus when the stored status is
	// no longer the one the caller decided from.
	ErrStatusConflict = errors.New("store: call status changed concurrently")
)

// Store is the full storage contract used by the service.
type Store interface {
	// UpsertSession creates the session on first sight and otherwise only
	// refreshes its last-seen time.
	UpsertSession(ctx context.Context, callID, slug string, status models.CallStatus) error
	// SetStatus moves the call from status from to status to, failing with
	// ErrStatusConflict when the stored status is no longer from. A
	// non-empty lastError replaces the stored one; an empty one leaves it
	// alone.
	SetStatus(ctx context.Context, callID string, from, to models.CallStatus, lastError string) error
	SetAdvice(ctx context.Context, callID string, advice models.Advice, notice string) error
	SetAnalyzing(ctx context.Context, callID string, analyzing bool) error
	SetMuted(ctx context.Context, callID string, muted bool) error
	AppendTranscriptChunk(ctx context.Context, ev models.TranscriptEvent) (models.AppendOutcome, error)
	// GetSummary returns nil, nil for an unknown call.
	GetSummary(ctx context.Context, callID string) (*models.CallSession, error)
	// GetRecentTranscript returns up to limit of the newest chunks, oldest
	// first.
	GetRecentTranscript(ctx context.Context, callID string, limit int) ([]models.TranscriptChunk, error)
	Ping(ctx context.Context) error
	Close()
}

// adviceError picks the last_error value written alongside new advice: a
// failed call keeps its failure reason, otherwise the notice wins.
func adviceError(status models.CallStatus, current, notice string) string {
	if status == models.StatusFailed && current != "" {
		return current
	}
	return notice
}
