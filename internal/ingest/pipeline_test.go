package ingest

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/PratikDhanave/call-advice-service/internal/advice"
	"github.com/PratikDhanave/call-advice-service/internal/models"
	"github.com/PratikDhanave/call-advice-service/internal/observe"
	"github.com/PratikDhanave/call-advice-service/internal/store"
	"github.com/PratikDhanave/call-advice-service/internal/transcript"
	"github.com/PratikDhanave/call-advice-service/internal/webhook"
)

type trigger struct {
	callID string
	force  bool
}

type fakeScheduler struct {
	mu       sync.Mutex
	triggers []trigger
	evicted  []string
}

func (f *fakeScheduler) Trigger(callID string, force bool) advice.Disposition {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = append(f.triggers, trigger{callID, force})
	return advice.Started
}

func (f *fakeScheduler) Evict(callID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evicted = append(f.evicted, callID)
	return true
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func form(kv ...string) url.Values {
	v := url.Values{}
	for i := 0; i+1 < len(kv); i += 2 {
		v.Set(kv[i], kv[i+1])
	}
	return v
}

func newPipeline(t *testing.T) (*Pipeline, *store.MemoryStore, *fakeScheduler) {
	st := store.NewMemoryStore(transcript.DefaultOptions)
	sch := &fakeScheduler{}
	return New(st, sch, testMetrics(t)), st, sch
}

func TestHandle_IgnoresEventWithoutCallID(t *testing.T) {
	p, _, sch := newPipeline(t)
	res, err := p.Handle(context.Background(), webhook.Normalize("acme", form("CallStatus", "ringing"), now))
	if err != nil || !res.Ignored {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	if len(sch.triggers) != 0 {
		t.Fatal("scheduler must not be touched")
	}
}

func TestHandle_StatusLifecycle(t *testing.T) {
	p, st, sch := newPipeline(t)
	ctx := context.Background()

	steps := []struct {
		raw  string
		want models.CallStatus
	}{
		{"queued", models.StatusQueued},
		{"ringing", models.StatusRinging},
		{"in-progress", models.StatusLive},
		{"ringing", models.StatusLive}, // late delivery cannot regress
		{"something-new", models.StatusLive},
		{"completed", models.StatusEnded},
		{"failed", models.StatusEnded}, // terminal absorbs
	}
	for _, s := range steps {
		res, err := p.Handle(ctx, webhook.Normalize("acme", form("CallSid", "CA1", "CallStatus", s.raw), now))
		if err != nil {
			t.Fatalf("%s: %v", s.raw, err)
		}
		if res.Status != s.want {
			t.Fatalf("%s: status = %q, want %q", s.raw, res.Status, s.want)
		}
	}

	sum, _ := st.GetSummary(ctx, "CA1")
	if sum.Status != models.StatusEnded || sum.TenantSlug != "acme" {
		t.Fatalf("session = %+v", sum)
	}
	if len(sch.evicted) == 0 {
		t.Fatal("terminal status should evict scheduler state")
	}
}

func TestHandle_FailureRecordsReason(t *testing.T) {
	p, st, _ := newPipeline(t)
	ctx := context.Background()

	if _, err := p.Handle(ctx, webhook.Normalize("acme", form("CallSid", "CA1", "CallStatus", "busy"), now)); err != nil {
		t.Fatal(err)
	}
	sum, _ := st.GetSummary(ctx, "CA1")
	if sum.Status != models.StatusFailed || sum.LastError == "" {
		t.Fatalf("session = %+v", sum)
	}
}

func TestHandle_TranscriptPromotesAndTriggers(t *testing.T) {
	p, st, sch := newPipeline(t)
	ctx := context.Background()

	ev := webhook.Normalize("acme", form(
		"CallSid", "CA1", "TranscriptionText", "hello there", "Track", "outbound_track",
		"SegmentSid", "SG1", "Final", "false",
	), now)
	res, err := p.Handle(ctx, ev)
	if err != nil {
		t.Fatal(err)
	}
	if res.Append != models.AppendInserted || res.Status != models.StatusLive {
		t.Fatalf("res = %+v", res)
	}

	// Redelivery is a duplicate and must not trigger again.
	res, err = p.Handle(ctx, ev)
	if err != nil {
		t.Fatal(err)
	}
	if res.Append != models.AppendDuplicate || res.Trigger != "" {
		t.Fatalf("redelivery res = %+v", res)
	}

	if len(sch.triggers) != 1 || sch.triggers[0].force {
		t.Fatalf("triggers = %+v, want one unforced", sch.triggers)
	}
	sum, _ := st.GetSummary(ctx, "CA1")
	if sum.Status != models.StatusLive {
		t.Fatalf("status = %q", sum.Status)
	}
}

type failingStore struct{ *store.MemoryStore }

func (failingStore) AppendTranscriptChunk(context.Context, models.TranscriptEvent) (models.AppendOutcome, error) {
	return "", errors.New("disk full")
}

func TestHandle_StorageErrorIsReturned(t *testing.T) {
	sch := &fakeScheduler{}
	p := New(failingStore{store.NewMemoryStore(transcript.Options{})}, sch, testMetrics(t))

	_, err := p.Handle(context.Background(), webhook.Normalize("acme",
		form("CallSid", "CA1", "TranscriptionText", "hi"), now))
	if err == nil {
		t.Fatal("expected storage error")
	}
	if len(sch.triggers) != 0 {
		t.Fatal("unrecorded event must not trigger advice")
	}
}

// A partial and then the final result of one segment, followed by the other
// party speaking, leave exactly two ordered entries and analyzed advice.
func TestHandle_EndToEndPartialFinalThenReply(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(transcript.DefaultOptions)

	var calls atomic.Int32
	gen := advice.GeneratorFunc(func(ctx context.Context, window []models.TranscriptChunk) (models.Advice, error) {
		calls.Add(1)
		return advice.HeuristicGenerator{}.Generate(ctx, window)
	})
	sch := advice.NewScheduler(st, gen, advice.Config{MinInterval: time.Millisecond},
		advice.WithMetrics(testMetrics(t)), advice.WithBreaker(nil))
	p := New(st, sch, testMetrics(t))

	deliveries := []url.Values{
		form("CallSid", "CA1", "CallStatus", "ringing"),
		form("CallSid", "CA1", "TranscriptionText", "this is your bank", "Track", "outbound_track",
			"SegmentSid", "SG1", "Final", "false", "Timestamp", "1772366400000"),
		form("CallSid", "CA1", "TranscriptionText", "this is your bank please buy a gift card", "Track", "outbound_track",
			"SegmentSid", "SG1", "Final", "true", "Timestamp", "1772366401000"),
		form("CallSid", "CA1", "TranscriptionText", "why would I do that", "Track", "inbound_track",
			"SegmentSid", "SG2", "Final", "true", "Timestamp", "1772366402000"),
	}
	for i, d := range deliveries {
		if _, err := p.Handle(ctx, webhook.Normalize("acme", d, now)); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}

	closeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sch.Close(closeCtx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	chunks, _ := st.GetRecentTranscript(ctx, "CA1", 10)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %+v, want 2", chunks)
	}
	if chunks[0].Speaker != models.SpeakerOther || chunks[0].Text != "this is your bank please buy a gift card" || !chunks[0].IsFinal {
		t.Fatalf("first = %+v", chunks[0])
	}
	if chunks[1].Speaker != models.SpeakerCaller || chunks[1].TimestampMs < chunks[0].TimestampMs {
		t.Fatalf("second = %+v", chunks[1])
	}

	sum, _ := st.GetSummary(ctx, "CA1")
	if sum.Status != models.StatusLive || sum.Analyzing {
		t.Fatalf("session = %+v", sum)
	}
	if sum.Advice.IsZero() || sum.LastAdviceAt == nil {
		t.Fatalf("no advice stored: %+v", sum)
	}
	if n := calls.Load(); n < 1 || n > 3 {
		t.Fatalf("generator calls = %d", n)
	}
}

// pausingStore holds the first GetSummary after arm until release is closed,
// so a delivery can be made to decide from a status that is about to change.
type pausingStore struct {
	*store.MemoryStore
	armed   atomic.Bool
	paused  chan struct{}
	release chan struct{}
}

func (s *pausingStore) GetSummary(ctx context.Context, callID string) (*models.CallSession, error) {
	sum, err := s.MemoryStore.GetSummary(ctx, callID)
	if s.armed.CompareAndSwap(true, false) {
		close(s.paused)
		<-s.release
	}
	return sum, err
}

func TestHandle_ConcurrentStatusCannotLeaveTerminal(t *testing.T) {
	st := &pausingStore{
		MemoryStore: store.NewMemoryStore(transcript.DefaultOptions),
		paused:      make(chan struct{}),
		release:     make(chan struct{}),
	}
	p := New(st, &fakeScheduler{}, testMetrics(t))
	ctx := context.Background()

	st.armed.Store(true)
	type outcome struct {
		res Result
		err error
	}
	slow := make(chan outcome, 1)
	go func() {
		res, err := p.Handle(ctx, webhook.Normalize("acme", form("CallSid", "CA1", "CallStatus", "in-progress"), now))
		slow <- outcome{res, err}
	}()

	// The in-progress delivery has read "queued" and is about to write.
	<-st.paused
	res, err := p.Handle(ctx, webhook.Normalize("acme", form("CallSid", "CA1", "CallStatus", "completed"), now))
	if err != nil || res.Status != models.StatusEnded {
		t.Fatalf("completed: res=%+v err=%v", res, err)
	}
	close(st.release)

	got := <-slow
	if got.err != nil {
		t.Fatalf("in-progress: %v", got.err)
	}
	if got.res.Transition == nil || got.res.Transition.Changed || got.res.Status != models.StatusEnded {
		t.Fatalf("in-progress result = %+v", got.res)
	}
	if sum, _ := st.GetSummary(ctx, "CA1"); sum.Status != models.StatusEnded {
		t.Fatalf("status = %q, want ended", sum.Status)
	}
}
