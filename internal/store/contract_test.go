package store

import (
	"context"
	"errors"
	"testing"

	"github.com/PratikDhanave/call-advice-service/internal/models"
)

// runContract exercises behaviour every Store must share. newStore must
// return an empty store; callID is unique per run so a shared database can
// be reused.
func runContract(t *testing.T, newStore func(t *testing.T) Store, callID func(t *testing.T) string) {
	ctx := context.Background()

	t.Run("session lifecycle", func(t *testing.T) {
		st, id := newStore(t), callID(t)

		if s, err := st.GetSummary(ctx, id); err != nil || s != nil {
			t.Fatalf("unknown call: %v, %v", s, err)
		}
		if err := st.UpsertSession(ctx, id, "acme", models.StatusRinging); err != nil {
			t.Fatal(err)
		}
		// A second upsert must not overwrite status or tenant.
		if err := st.UpsertSession(ctx, id, "other", models.StatusQueued); err != nil {
			t.Fatal(err)
		}
		s, err := st.GetSummary(ctx, id)
		if err != nil || s == nil {
			t.Fatalf("summary: %v, %v", s, err)
		}
		if s.Status != models.StatusRinging || s.TenantSlug != "acme" {
			t.Fatalf("session = %+v", s)
		}

		if err := st.SetStatus(ctx, id, models.StatusRinging, models.StatusFailed, "call failed: busy"); err != nil {
			t.Fatal(err)
		}
		if err := st.SetStatus(ctx, id, models.StatusFailed, models.StatusFailed, ""); err != nil {
			t.Fatal(err)
		}
		s, _ = st.GetSummary(ctx, id)
		if s.LastError != "call failed: busy" {
			t.Fatalf("empty error must not clear: %q", s.LastError)
		}

		if err := st.SetMuted(ctx, id, true); err != nil {
			t.Fatal(err)
		}
		if err := st.SetAnalyzing(ctx, id, true); err != nil {
			t.Fatal(err)
		}
		s, _ = st.GetSummary(ctx, id)
		if !s.AssistantMuted || !s.Analyzing {
			t.Fatalf("flags = %+v", s)
		}
	})

	t.Run("mutations on unknown call", func(t *testing.T) {
		st, id := newStore(t), callID(t)
		if err := st.SetMuted(ctx, id, true); !errors.Is(err, ErrNotFound) {
			t.Fatalf("SetMuted err = %v", err)
		}
		if err := st.SetStatus(ctx, id, models.StatusQueued, models.StatusLive, ""); !errors.Is(err, ErrNotFound) {
			t.Fatalf("SetStatus err = %v", err)
		}
	})

	t.Run("status write is compare-and-set", func(t *testing.T) {
		st, id := newStore(t), callID(t)
		_ = st.UpsertSession(ctx, id, "acme", models.StatusQueued)

		if err := st.SetStatus(ctx, id, models.StatusQueued, models.StatusEnded, ""); err != nil {
			t.Fatal(err)
		}
		// A writer that decided from the old status must not win.
		if err := st.SetStatus(ctx, id, models.StatusQueued, models.StatusLive, ""); !errors.Is(err, ErrStatusConflict) {
			t.Fatalf("stale write err = %v", err)
		}
		if s, _ := st.GetSummary(ctx, id); s.Status != models.StatusEnded {
			t.Fatalf("status = %q, want ended", s.Status)
		}
	})

	t.Run("advice notice", func(t *testing.T) {
		st, id := newStore(t), callID(t)
		_ = st.UpsertSession(ctx, id, "acme", models.StatusLive)

		adv := models.Advice{RiskScore: 80, RiskLevel: models.RiskHigh, Feedback: "x", NextSteps: []string{"hang up"}}
		if err := st.SetAdvice(ctx, id, adv, "delayed"); err != nil {
			t.Fatal(err)
		}
		s, _ := st.GetSummary(ctx, id)
		if s.LastError != "delayed" || s.LastAdviceAt == nil || s.Advice.RiskScore != 80 {
			t.Fatalf("after failed run: %+v", s)
		}
		if len(s.Advice.NextSteps) != 1 || s.Advice.NextSteps[0] != "hang up" {
			t.Fatalf("next steps = %v", s.Advice.NextSteps)
		}

		if err := st.SetAdvice(ctx, id, adv, ""); err != nil {
			t.Fatal(err)
		}
		s, _ = st.GetSummary(ctx, id)
		if s.LastError != "" {
			t.Fatalf("success must clear notice, got %q", s.LastError)
		}

		_ = st.SetStatus(ctx, id, models.StatusLive, models.StatusFailed, "call failed: no-answer")
		_ = st.SetAdvice(ctx, id, adv, "delayed")
		s, _ = st.GetSummary(ctx, id)
		if s.LastError != "call failed: no-answer" {
			t.Fatalf("failure reason overwritten: %q", s.LastError)
		}
	})

	t.Run("append is idempotent and ordered", func(t *testing.T) {
		st, id := newStore(t), callID(t)
		_ = st.UpsertSession(ctx, id, "acme", models.StatusLive)

		partial := models.TranscriptEvent{CallID: id, SourceEventID: "k1", Speaker: models.SpeakerOther,
			Text: "this is your bank", TimestampMs: 1000}
		final := partial
		final.Text = "this is your bank calling about fraud"
		final.IsFinal = true
		final.TimestampMs = 1200
		reply := models.TranscriptEvent{CallID: id, SourceEventID: "k2", Speaker: models.SpeakerCaller,
			Text: "oh no", IsFinal: true, TimestampMs: 900}

		steps := []struct {
			ev   models.TranscriptEvent
			want models.AppendOutcome
		}{
			{partial, models.AppendInserted},
			{partial, models.AppendDuplicate},
			{final, models.AppendRevised},
			{final, models.AppendDuplicate},
			{reply, models.AppendInserted},
			{reply, models.AppendDuplicate},
			{partial, models.AppendDuplicate},
		}
		for i, s := range steps {
			got, err := st.AppendTranscriptChunk(ctx, s.ev)
			if err != nil {
				t.Fatalf("step %d: %v", i, err)
			}
			if got != s.want {
				t.Fatalf("step %d: outcome = %q, want %q", i, got, s.want)
			}
		}

		chunks, err := st.GetRecentTranscript(ctx, id, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(chunks) != 2 {
			t.Fatalf("chunks = %+v, want 2", chunks)
		}
		if chunks[0].Text != "this is your bank calling about fraud" || !chunks[0].IsFinal {
			t.Fatalf("first chunk = %+v", chunks[0])
		}
		if chunks[1].Speaker != models.SpeakerCaller || chunks[1].TimestampMs < chunks[0].TimestampMs {
			t.Fatalf("second chunk = %+v", chunks[1])
		}
	})

	t.Run("open chunk absorbs new key", func(t *testing.T) {
		st, id := newStore(t), callID(t)

		a := models.TranscriptEvent{CallID: id, SourceEventID: "a", Speaker: models.SpeakerOther, Text: "please buy", TimestampMs: 10}
		b := models.TranscriptEvent{CallID: id, SourceEventID: "b", Speaker: models.SpeakerOther, Text: "please buy gift cards", TimestampMs: 20}
		if got, _ := st.AppendTranscriptChunk(ctx, a); got != models.AppendInserted {
			t.Fatalf("a = %q", got)
		}
		if got, _ := st.AppendTranscriptChunk(ctx, b); got != models.AppendRevised {
			t.Fatalf("b = %q", got)
		}
		if got, _ := st.AppendTranscriptChunk(ctx, b); got != models.AppendDuplicate {
			t.Fatalf("b again = %q", got)
		}
		chunks, _ := st.GetRecentTranscript(ctx, id, 10)
		if len(chunks) != 1 || chunks[0].Text != "please buy gift cards" {
			t.Fatalf("chunks = %+v", chunks)
		}
	})

	t.Run("named segments keep their own chunks", func(t *testing.T) {
		st, id := newStore(t), callID(t)

		first := models.TranscriptEvent{CallID: id, SourceEventID: "seg-1", Speaker: models.SpeakerCaller,
			Text: "I need a refund for my order", TimestampMs: 10, SegmentKeyed: true}
		second := models.TranscriptEvent{CallID: id, SourceEventID: "seg-2", Speaker: models.SpeakerCaller,
			Text: "I want to speak to a manager", TimestampMs: 20, SegmentKeyed: true}
		for _, ev := range []models.TranscriptEvent{first, second} {
			if got, err := st.AppendTranscriptChunk(ctx, ev); err != nil || got != models.AppendInserted {
				t.Fatalf("%s: outcome %q err %v", ev.SourceEventID, got, err)
			}
		}

		chunks, _ := st.GetRecentTranscript(ctx, id, 10)
		if len(chunks) != 2 || chunks[0].Text != first.Text || chunks[1].Text != second.Text {
			t.Fatalf("chunks = %+v", chunks)
		}
	})

	t.Run("recent window", func(t *testing.T) {
		st, id := newStore(t), callID(t)
		speakers := []models.Speaker{models.SpeakerCaller, models.SpeakerOther}
		for i := 0; i < 5; i++ {
			_, err := st.AppendTranscriptChunk(ctx, models.TranscriptEvent{
				CallID: id, SourceEventID: string(rune('a' + i)), Speaker: speakers[i%2],
				Text: "line " + string(rune('a'+i)), IsFinal: true, TimestampMs: int64(100 * i),
			})
			if err != nil {
				t.Fatal(err)
			}
		}
		chunks, _ := st.GetRecentTranscript(ctx, id, 3)
		if len(chunks) != 3 || chunks[0].Text != "line c" || chunks[2].Text != "line e" {
			t.Fatalf("window = %+v", chunks)
		}
		if chunks, _ := st.GetRecentTranscript(ctx, "missing-"+id, 3); len(chunks) != 0 {
			t.Fatalf("unknown call window = %+v", chunks)
		}
	})
}
