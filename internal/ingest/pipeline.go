// Package ingest applies normalized webhook events to storage and the
// advice scheduler.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/PratikDhanave/call-advice-service/internal/advice"
	"github.com/PratikDhanave/call-advice-service/internal/models"
	"github.com/PratikDhanave/call-advice-service/internal/observe"
	"github.com/PratikDhanave/call-advice-service/internal/session"
	"github.com/PratikDhanave/call-advice-service/internal/store"
	"github.com/PratikDhanave/call-advice-service/internal/webhook"
)

// Store is the storage the pipeline writes through.
type Store interface {
	UpsertSession(ctx context.Context, callID, slug string, status models.CallStatus) error
	SetStatus(ctx context.Context, callID string, from, to models.CallStatus, lastError string) error
	AppendTranscriptChunk(ctx context.Context, ev models.TranscriptEvent) (models.AppendOutcome, error)
	GetSummary(ctx context.Context, callID string) (*models.CallSession, error)
}

// Scheduler receives advice triggers. Both methods must return promptly.
type Scheduler interface {
	Trigger(callID string, force bool) advice.Disposition
	Evict(callID string) bool
}

// Result describes what Handle did. It is used for metrics and tests.
type Result struct {
	// Ignored is set for events without a call id.
	Ignored bool

	Status     models.CallStatus
	Transition *session.Transition
	Append     models.AppendOutcome
	Trigger    advice.Disposition
	Evicted    bool
}

// Pipeline routes events: status to the state machine, transcript to
// storage and then to the scheduler.
type Pipeline struct {
	store     Store
	scheduler Scheduler
	metrics   *observe.Metrics
}

// New builds a pipeline. A nil metrics uses [observe.DefaultMetrics].
func New(store Store, scheduler Scheduler, metrics *observe.Metrics) *Pipeline {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Pipeline{store: store, scheduler: scheduler, metrics: metrics}
}

// Handle records ev. An error means the event was not durably recorded and
// the provider should retry; advice generation never causes one.
func (p *Pipeline) Handle(ctx context.Context, ev webhook.NormalizedEvent) (Result, error) {
	if ev.CallID == "" {
		return Result{Ignored: true}, nil
	}
	log := observe.Logger(ctx).With("call_id", ev.CallID)

	// New sessions start queued and reach their first status through the
	// state machine, so a call first seen as failed still records why.
	if err := p.store.UpsertSession(ctx, ev.CallID, ev.Slug, models.StatusQueued); err != nil {
		return Result{}, fmt.Errorf("ingest: upsert session: %w", err)
	}

	var (
		res     Result
		current models.CallStatus
	)
	if ev.Status != "" {
		tr, err := p.advance(ctx, ev.CallID, func(cur models.CallStatus) session.Transition {
			return session.Apply(cur, ev.Status)
		})
		if err != nil {
			return Result{}, fmt.Errorf("ingest: %w", err)
		}
		res.Transition = &tr
		switch {
		case tr.Changed:
			log.Info("call status changed", "from", tr.From, "to", tr.To, "raw", ev.Status)
		case !tr.Recognized:
			log.Debug("ignoring unrecognized call status", "raw", ev.Status)
		}
		current = tr.To
	}

	if ev.Transcript != nil {
		outcome, err := p.store.AppendTranscriptChunk(ctx, *ev.Transcript)
		if err != nil {
			return Result{}, fmt.Errorf("ingest: append transcript: %w", err)
		}
		res.Append = outcome
		p.metrics.RecordAppend(ctx, string(outcome))

		tr, err := p.advance(ctx, ev.CallID, promoteOnSpeech)
		if err != nil {
			return Result{}, fmt.Errorf("ingest: promote to live: %w", err)
		}
		current = tr.To

		if outcome != models.AppendDuplicate {
			res.Trigger = p.scheduler.Trigger(ev.CallID, ev.Transcript.IsFinal)
		}
	}

	if current == "" {
		sum, err := p.store.GetSummary(ctx, ev.CallID)
		if err != nil {
			return Result{}, fmt.Errorf("ingest: load session: %w", err)
		}
		if sum != nil {
			current = sum.Status
		}
	}

	if session.IsTerminal(current) && ev.Transcript == nil {
		res.Evicted = p.scheduler.Evict(ev.CallID)
	}

	res.Status = current
	return res, nil
}

// maxStatusConflicts bounds how often one delivery re-decides after losing
// a status race. Each conflict means another delivery moved the call
// forward, and statuses only move forward a handful of times.
const maxStatusConflicts = 8

// advance reads the stored status, lets decide pick the transition and
// writes it with compare-and-set. When a concurrent delivery got there
// first, the decision is made again from the status it left behind.
func (p *Pipeline) advance(ctx context.Context, callID string, decide func(models.CallStatus) session.Transition) (session.Transition, error) {
	for conflicts := 0; ; conflicts++ {
		sum, err := p.store.GetSummary(ctx, callID)
		if err != nil {
			return session.Transition{}, fmt.Errorf("load session: %w", err)
		}
		current := models.StatusQueued
		if sum != nil {
			current = sum.Status
		}

		tr := decide(current)
		if !tr.Changed {
			return tr, nil
		}
		err = p.store.SetStatus(ctx, callID, tr.From, tr.To, tr.LastError)
		if err == nil {
			return tr, nil
		}
		if !errors.Is(err, store.ErrStatusConflict) || conflicts >= maxStatusConflicts {
			return session.Transition{}, fmt.Errorf("set status: %w", err)
		}
	}
}

func promoteOnSpeech(current models.CallStatus) session.Transition {
	next, ok := session.ObserveTranscript(current)
	return session.Transition{From: current, To: next, Changed: ok, Recognized: true}
}

// Refresh forces an advice run for callID, bypassing debounce and freshness.
func (p *Pipeline) Refresh(callID string) advice.Disposition {
	d := p.scheduler.Trigger(callID, true)
	slog.Debug("manual advice refresh", "call_id", callID, "disposition", d)
	return d
}
