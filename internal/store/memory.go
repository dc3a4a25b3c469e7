package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/PratikDhanave/call-advice-service/internal/models"
	"github.com/PratikDhanave/call-advice-service/internal/transcript"
)

type memoryCall struct {
	session models.CallSession
	chunks  []models.TranscriptChunk
	// keys maps a source event id to the index of the chunk holding it.
	keys map[string]int
}

// MemoryStore keeps everything in process memory. It is used when no
// database is configured.
type MemoryStore struct {
	merge transcript.Options
	now   func() time.Time

	mu     sync.Mutex
	calls  map[string]*memoryCall
	nextID int64
}

// NewMemoryStore returns an empty store.
func NewMemoryStore(merge transcript.Options) *MemoryStore {
	return &MemoryStore{
		merge: merge.WithDefaults(),
		now:   time.Now,
		calls: make(map[string]*memoryCall),
	}
}

func (m *MemoryStore) call(callID string) *memoryCall {
	c, ok := m.calls[callID]
	if !ok {
		c = &memoryCall{keys: make(map[string]int)}
		m.calls[callID] = c
	}
	return c
}

func (m *MemoryStore) UpsertSession(_ context.Context, callID, slug string, status models.CallStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	c := m.call(callID)
	if c.session.CallID == "" {
		c.session = models.CallSession{
			CallID:     callID,
			TenantSlug: slug,
			Status:     status,
			CreatedAt:  now,
		}
	}
	c.session.LastSeenAt = now
	return nil
}

// session returns the session for callID. Must be called with m.mu held.
func (m *MemoryStore) session(callID string) (*models.CallSession, error) {
	c, ok := m.calls[callID]
	if !ok || c.session.CallID == "" {
		return nil, ErrNotFound
	}
	return &c.session, nil
}

func (m *MemoryStore) SetStatus(_ context.Context, callID string, from, to models.CallStatus, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.session(callID)
	if err != nil {
		return err
	}
	if s.Status != from {
		return ErrStatusConflict
	}
	s.Status = to
	if lastError != "" {
		s.LastError = lastError
	}
	s.LastSeenAt = m.now().UTC()
	return nil
}

func (m *MemoryStore) SetAdvice(_ context.Context, callID string, advice models.Advice, notice string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.session(callID)
	if err != nil {
		return err
	}
	now := m.now().UTC()
	advice.NextSteps = append([]string(nil), advice.NextSteps...)
	s.Advice = advice
	s.LastAdviceAt = &now
	s.LastError = adviceError(s.Status, s.LastError, notice)
	return nil
}

func (m *MemoryStore) SetAnalyzing(_ context.Context, callID string, analyzing bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.session(callID)
	if err != nil {
		return err
	}
	s.Analyzing = analyzing
	return nil
}

func (m *MemoryStore) SetMuted(_ context.Context, callID string, muted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.session(callID)
	if err != nil {
		return err
	}
	s.AssistantMuted = muted
	return nil
}

func (m *MemoryStore) AppendTranscriptChunk(_ context.Context, ev models.TranscriptEvent) (models.AppendOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.call(ev.CallID)

	var byKey, last *models.TranscriptChunk
	if i, ok := c.keys[ev.SourceEventID]; ok {
		byKey = &c.chunks[i]
	}
	if n := len(c.chunks); n > 0 {
		last = &c.chunks[n-1]
	}

	d := m.merge.Reconcile(byKey, last, ev)
	switch d.Action {
	case transcript.ActionInsert:
		m.nextID++
		c.chunks = append(c.chunks, models.TranscriptChunk{
			ID:            m.nextID,
			CallID:        ev.CallID,
			SourceEventID: ev.SourceEventID,
			Speaker:       ev.Speaker,
			Text:          d.Text,
			IsFinal:       d.IsFinal,
			TimestampMs:   d.TimestampMs,
		})
		c.keys[ev.SourceEventID] = len(c.chunks) - 1
	default:
		i := c.indexOf(d.ChunkID)
		if d.Action == transcript.ActionRevise {
			c.chunks[i].Text = d.Text
			c.chunks[i].IsFinal = d.IsFinal
		}
		c.keys[ev.SourceEventID] = i
	}
	return d.Outcome(), nil
}

func (c *memoryCall) indexOf(id int64) int {
	return sort.Search(len(c.chunks), func(i int) bool { return c.chunks[i].ID >= id })
}

func (m *MemoryStore) GetSummary(_ context.Context, callID string) (*models.CallSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.session(callID)
	if err != nil {
		return nil, nil
	}
	cp := *s
	cp.Advice.NextSteps = append([]string(nil), s.Advice.NextSteps...)
	if s.LastAdviceAt != nil {
		t := *s.LastAdviceAt
		cp.LastAdviceAt = &t
	}
	return &cp, nil
}

func (m *MemoryStore) GetRecentTranscript(_ context.Context, callID string, limit int) ([]models.TranscriptChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.calls[callID]
	if !ok || limit <= 0 {
		return []models.TranscriptChunk{}, nil
	}
	chunks := c.chunks
	if len(chunks) > limit {
		chunks = chunks[len(chunks)-limit:]
	}
	return append([]models.TranscriptChunk{}, chunks...), nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() {}

var _ Store = (*MemoryStore)(nil)
