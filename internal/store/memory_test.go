package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/PratikDhanave/call-advice-service/internal/models"
	"github.com/PratikDhanave/call-advice-service/internal/transcript"
)

func TestMemoryStore_Contract(t *testing.T) {
	runContract(t,
		func(*testing.T) Store { return NewMemoryStore(transcript.DefaultOptions) },
		func(*testing.T) string { return "CA1" },
	)
}

func TestMemoryStore_SummaryIsACopy(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore(transcript.Options{})
	_ = st.UpsertSession(ctx, "CA1", "acme", models.StatusLive)
	_ = st.SetAdvice(ctx, "CA1", models.Advice{NextSteps: []string{"a"}}, "")

	s, _ := st.GetSummary(ctx, "CA1")
	s.Advice.NextSteps[0] = "mutated"
	s.Status = models.StatusEnded

	again, _ := st.GetSummary(ctx, "CA1")
	if again.Advice.NextSteps[0] != "a" || again.Status != models.StatusLive {
		t.Fatalf("store state leaked through summary: %+v", again)
	}
}

func TestMemoryStore_ConcurrentRedelivery(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore(transcript.DefaultOptions)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[models.AppendOutcome]int{}
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := st.AppendTranscriptChunk(ctx, models.TranscriptEvent{
				CallID: "CA1", SourceEventID: "k", Speaker: models.SpeakerOther, Text: "hello", IsFinal: true,
			})
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			outcomes[got]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if outcomes[models.AppendInserted] != 1 || outcomes[models.AppendDuplicate] != 49 {
		t.Fatalf("outcomes = %v", outcomes)
	}
	chunks, _ := st.GetRecentTranscript(ctx, "CA1", 100)
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want 1", len(chunks))
	}
}

func TestMemoryStore_CallsAreIsolated(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore(transcript.DefaultOptions)
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("CA%d", i)
		_, _ = st.AppendTranscriptChunk(ctx, models.TranscriptEvent{
			CallID: id, SourceEventID: "same-key", Speaker: models.SpeakerCaller, Text: "hi", IsFinal: true,
		})
	}
	for i := 0; i < 3; i++ {
		chunks, _ := st.GetRecentTranscript(ctx, fmt.Sprintf("CA%d", i), 10)
		if len(chunks) != 1 {
			t.Fatalf("CA%d chunks = %d", i, len(chunks))
		}
	}
}
