package advice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/PratikDhanave/call-advice-service/internal/models"
	"github.com/PratikDhanave/call-advice-service/internal/observe"
	"github.com/PratikDhanave/call-advice-service/internal/resilience"
)

// Store is the slice of storage the scheduler reads and writes.
type Store interface {
	GetRecentTranscript(ctx context.Context, callID string, limit int) ([]models.TranscriptChunk, error)
	// GetSummary returns nil, nil for an unknown call.
	GetSummary(ctx context.Context, callID string) (*models.CallSession, error)
	SetAnalyzing(ctx context.Context, callID string, analyzing bool) error
	// SetAdvice replaces the advice wholesale. A non-empty notice is shown to
	// the user as the session's last error; an empty one clears it.
	SetAdvice(ctx context.Context, callID string, advice models.Advice, notice string) error
}

// Config tunes a [Scheduler]. Zero fields take defaults.
type Config struct {
	// MinInterval is both the trigger debounce and the advice freshness
	// window. Default: 900ms.
	MinInterval time.Duration

	// Timeout bounds one generation attempt. Default: 12s.
	Timeout time.Duration

	// Window is the number of most recent chunks sent to the generator.
	// Default: 40.
	Window int

	// MaxAttempts is the number of generation attempts per run before the
	// default advice is stored. Default: 2.
	MaxAttempts int

	// RetryBackoff is the wait before the second attempt, doubled for each
	// further one. Default: 250ms.
	RetryBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinInterval <= 0 {
		c.MinInterval = 900 * time.Millisecond
	}
	if c.Timeout <= 0 {
		c.Timeout = 12 * time.Second
	}
	if c.Window <= 0 {
		c.Window = 40
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 2
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 250 * time.Millisecond
	}
	return c
}

// Disposition reports what [Scheduler.Trigger] did with a request.
type Disposition string

const (
	// Started means a new run loop was spawned for the call.
	Started Disposition = "started"
	// Coalesced means a run was in flight; it will re-run once it finishes.
	Coalesced Disposition = "coalesced"
	// Debounced means the previous run ended less than MinInterval ago.
	Debounced Disposition = "debounced"
	// Rejected means the call id was empty or the scheduler is closed.
	Rejected Disposition = "rejected"
)

// runState is the per-call coalescing state. Its fields are guarded by mu;
// the registry lock only guards the map.
type runState struct {
	mu        sync.Mutex
	running   bool
	pending   bool
	force     bool
	lastRunAt time.Time
}

// Option customises a [Scheduler].
type Option func(*Scheduler)

// WithMetrics records scheduler metrics on m instead of the defaults.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithBreaker guards the generator with b. Pass nil to disable.
func WithBreaker(b *resilience.Breaker) Option {
	return func(s *Scheduler) { s.breaker = b }
}

// Scheduler coalesces advice generation per call. At most one run loop
// exists per call id; triggers that arrive while it runs collapse into a
// single follow-up iteration. Triggering never blocks on generation.
type Scheduler struct {
	store   Store
	gen     Generator
	cfg     Config
	breaker *resilience.Breaker
	metrics *observe.Metrics
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	runs   map[string]*runState
	closed bool
}

// NewScheduler builds a scheduler over store and gen.
func NewScheduler(store Store, gen Generator, cfg Config, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		store: store,
		gen:   gen,
		cfg:   cfg.withDefaults(),
		breaker: resilience.NewBreaker(resilience.BreakerConfig{
			Name:        "advice-generator",
			MaxFailures: 5,
			Cooldown:    30 * time.Second,
		}),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		runs:   make(map[string]*runState),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Trigger asks for advice on callID. force bypasses both the debounce and
// the freshness check; it is set for final transcript segments and manual
// refreshes.
func (s *Scheduler) Trigger(callID string, force bool) Disposition {
	d := s.trigger(callID, force)
	s.metrics.RecordTrigger(context.Background(), string(d))
	return d
}

func (s *Scheduler) trigger(callID string, force bool) Disposition {
	if callID == "" {
		return Rejected
	}

	// Lock order: registry, then entry. wg.Add happens under the registry
	// lock so Close never races a late spawn.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Rejected
	}
	st, ok := s.runs[callID]
	if !ok {
		st = &runState{}
		s.runs[callID] = st
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.running {
		st.pending = true
		st.force = st.force || force
		return Coalesced
	}
	if !force && !st.lastRunAt.IsZero() && s.now().Sub(st.lastRunAt) < s.cfg.MinInterval {
		return Debounced
	}

	st.running = true
	st.pending = false
	st.force = force
	s.wg.Add(1)
	go s.loop(callID, st)
	return Started
}

// Evict drops the run state of an idle call. It reports false when a run is
// in flight; the state is then kept so the loop's follow-up is not lost.
func (s *Scheduler) Evict(callID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.runs[callID]
	if !ok {
		return true
	}
	st.mu.Lock()
	busy := st.running
	st.mu.Unlock()
	if busy {
		return false
	}
	delete(s.runs, callID)
	return true
}

// Running reports whether a run loop is active for callID.
func (s *Scheduler) Running(callID string) bool {
	s.mu.Lock()
	st, ok := s.runs[callID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.running
}

// Close stops accepting triggers and waits for in-flight runs. If ctx ends
// first the remaining runs are cancelled and ctx's error is returned.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

// loop runs generation until no trigger arrived during the last iteration.
func (s *Scheduler) loop(callID string, st *runState) {
	defer s.wg.Done()

	s.metrics.ActiveAdviceRuns.Add(s.ctx, 1)
	defer s.metrics.ActiveAdviceRuns.Add(s.ctx, -1)

	for {
		st.mu.Lock()
		force := st.force
		st.pending = false
		st.force = false
		st.mu.Unlock()

		completed := s.runSafely(callID, force)

		st.mu.Lock()
		if completed {
			st.lastRunAt = s.now()
		}
		if !st.pending || s.ctx.Err() != nil {
			st.running = false
			st.mu.Unlock()
			return
		}
		st.mu.Unlock()
	}
}

// runSafely is the error boundary of a background run: a panic is logged
// and counted, never propagated.
func (s *Scheduler) runSafely(callID string, force bool) (completed bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("advice run panicked", "call_id", callID, "panic", r)
			s.metrics.RecordGeneration(s.ctx, "panic", 0)
			completed = false
		}
	}()
	return s.runOnce(callID, force)
}

// runOnce performs one iteration. It returns false when there was nothing
// to analyze, so the debounce clock is not advanced.
func (s *Scheduler) runOnce(callID string, force bool) bool {
	ctx, span := observe.StartSpan(s.ctx, "advice.run", trace.WithAttributes(
		attribute.String("call.id", callID),
		attribute.Bool("advice.force", force),
	))
	defer span.End()
	log := observe.Logger(ctx).With("call_id", callID)

	var (
		window  []models.TranscriptChunk
		summary *models.CallSession
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		w, err := s.store.GetRecentTranscript(gctx, callID, s.cfg.Window)
		if err != nil {
			return fmt.Errorf("advice: load transcript: %w", err)
		}
		window = w
		return nil
	})
	g.Go(func() error {
		sum, err := s.store.GetSummary(gctx, callID)
		if err != nil {
			return fmt.Errorf("advice: load summary: %w", err)
		}
		summary = sum
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Warn("advice run aborted", "err", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		s.metrics.RecordGeneration(ctx, "error", 0)
		return false
	}

	if len(window) == 0 {
		span.SetAttributes(attribute.String("advice.result", "no_transcript"))
		return false
	}
	if summary != nil && summary.AssistantMuted {
		span.SetAttributes(attribute.String("advice.result", "muted"))
		s.metrics.RecordGeneration(ctx, "skipped", 0)
		return false
	}
	if !force && summary != nil && summary.LastAdviceAt != nil &&
		s.now().Sub(*summary.LastAdviceAt) < s.cfg.MinInterval {
		span.SetAttributes(attribute.String("advice.result", "fresh"))
		s.metrics.RecordGeneration(ctx, "skipped", 0)
		return true
	}

	if err := s.store.SetAnalyzing(ctx, callID, true); err != nil {
		log.Warn("set analyzing failed", "err", err)
	}
	defer func() {
		// Cleared even when the run was cancelled during shutdown.
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := s.store.SetAnalyzing(cctx, callID, false); err != nil {
			log.Warn("clear analyzing failed", "err", err)
		}
	}()

	start := s.now()
	adv, err := s.generate(ctx, window)
	elapsed := s.now().Sub(start).Seconds()

	notice := ""
	if err != nil {
		log.Warn("advice generation failed, storing default", "err", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		s.metrics.RecordGeneration(ctx, "error", elapsed)
		adv = DefaultAdvice(s.now())
		notice = DelayedNotice
	} else {
		adv = Sanitize(adv, s.now())
		s.metrics.RecordGeneration(ctx, "ok", elapsed)
		span.SetAttributes(
			attribute.Int("advice.risk_score", adv.RiskScore),
			attribute.String("advice.risk_level", string(adv.RiskLevel)),
		)
	}

	if err := s.store.SetAdvice(ctx, callID, adv, notice); err != nil {
		log.Warn("store advice failed", "err", err)
	}
	return true
}

// generate calls the generator up to MaxAttempts times, each bounded by
// Timeout and guarded by the breaker.
func (s *Scheduler) generate(ctx context.Context, window []models.TranscriptChunk) (models.Advice, error) {
	var lastErr error
	backoff := s.cfg.RetryBackoff
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return models.Advice{}, ctx.Err()
			}
		}

		var adv models.Advice
		call := func(ctx context.Context) error {
			a, err := s.attempt(ctx, window)
			if err != nil {
				return err
			}
			adv = a
			return nil
		}

		var err error
		if s.breaker != nil {
			err = s.breaker.Do(ctx, call)
		} else {
			err = call(ctx)
		}
		if err == nil {
			return adv, nil
		}
		lastErr = err
		if errors.Is(err, resilience.ErrCircuitOpen) || ctx.Err() != nil {
			break
		}
	}
	return models.Advice{}, lastErr
}

// attempt bounds a single generator call by Timeout even if the generator
// ignores its context.
func (s *Scheduler) attempt(ctx context.Context, window []models.TranscriptChunk) (models.Advice, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	type result struct {
		adv models.Advice
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("advice: generator panic: %v", r)}
			}
		}()
		adv, err := s.gen.Generate(ctx, window)
		ch <- result{adv: adv, err: err}
	}()

	select {
	case r := <-ch:
		return r.adv, r.err
	case <-ctx.Done():
		return models.Advice{}, fmt.Errorf("advice: generate: %w", ctx.Err())
	}
}
