package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/PratikDhanave/call-advice-service/internal/models"
	"github.com/PratikDhanave/call-advice-service/internal/transcript"
)

// schemaSQL is embedded so the service can self-bootstrap its database schema.
//
//go:embed schema.sql
var schemaSQL string

// PostgresStore is the durable persistence layer for calls and transcripts.
type PostgresStore struct {
	pool  *pgxpool.Pool
	merge transcript.Options
}

// NewPostgresStore creates a connection pool and fails fast if DB is unreachable.
func NewPostgresStore(ctx context.Context, dbURL string, merge transcript.Options) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("store: open pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &PostgresStore{pool: pool, merge: merge.WithDefaults()}, nil
}

// EnsureSchema applies schema.sql. Safe to run multiple times.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("store: apply schema: %w", err)
	}
	return nil
}

// Ping is used by readiness endpoint to validate DB connectivity.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (p *PostgresStore) Close() {
	p.pool.Close()
}

// UpsertSession inserts the session or, on conflict, only bumps last_seen_at.
// Status changes go through SetStatus so the state machine stays in charge.
func (p *PostgresStore) UpsertSession(ctx context.Context, callID, slug string, status models.CallStatus) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO call_sessions (call_id, tenant_slug, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (call_id) DO UPDATE SET last_seen_at = now()
	`, callID, slug, string(status))
	if err != nil {
		return fmt.Errorf("store: upsert session: %w", err)
	}
	return nil
}

// SetStatus is a compare-and-set on status. When no row matches it tells an
// unknown call apart from one another delivery already moved.
func (p *PostgresStore) SetStatus(ctx context.Context, callID string, from, to models.CallStatus, lastError string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE call_sessions
		SET status = $3,
		    last_error = CASE WHEN $4 = '' THEN last_error ELSE $4 END,
		    last_seen_at = now()
		WHERE call_id = $1 AND status = $2
	`, callID, string(from), string(to), lastError)
	if err != nil {
		return fmt.Errorf("store: set status: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM call_sessions WHERE call_id = $1)`, callID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("store: set status: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStatusConflict
}

// SetAdvice replaces the advice. A failed call keeps its failure reason in
// last_error; otherwise the notice (possibly empty) is written.
func (p *PostgresStore) SetAdvice(ctx context.Context, callID string, advice models.Advice, notice string) error {
	if advice.NextSteps == nil {
		advice.NextSteps = []string{}
	}
	body, err := json.Marshal(advice)
	if err != nil {
		return fmt.Errorf("store: encode advice: %w", err)
	}
	return p.execOne(ctx, "set advice", `
		UPDATE call_sessions
		SET advice = $2,
		    last_advice_at = now(),
		    last_error = CASE WHEN status = $4 AND last_error <> '' THEN last_error ELSE $3 END
		WHERE call_id = $1
	`, callID, body, notice, string(models.StatusFailed))
}

func (p *PostgresStore) SetAnalyzing(ctx context.Context, callID string, analyzing bool) error {
	return p.execOne(ctx, "set analyzing",
		`UPDATE call_sessions SET analyzing = $2 WHERE call_id = $1`, callID, analyzing)
}

func (p *PostgresStore) SetMuted(ctx context.Context, callID string, muted bool) error {
	return p.execOne(ctx, "set muted",
		`UPDATE call_sessions SET assistant_muted = $2 WHERE call_id = $1`, callID, muted)
}

func (p *PostgresStore) execOne(ctx context.Context, op, sql string, args ...any) error {
	tag, err := p.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("store: %s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const chunkColumns = `c.id, c.call_id, c.source_event_id, c.speaker, c.text, c.is_final, c.timestamp_ms`

func scanChunk(row pgx.Row) (*models.TranscriptChunk, error) {
	var (
		c       models.TranscriptChunk
		speaker string
	)
	if err := row.Scan(&c.ID, &c.CallID, &c.SourceEventID, &speaker, &c.Text, &c.IsFinal, &c.TimestampMs); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	c.Speaker = models.Speaker(speaker)
	return &c, nil
}

// AppendTranscriptChunk records one delivery.
//
// Appends for the same call are serialized with a transaction-scoped
// advisory lock so the read-decide-write sequence sees a stable last chunk.
// Every key is recorded in transcript_event_keys, which makes redelivery a
// no-op even when the original was absorbed into another chunk.
func (p *PostgresStore) AppendTranscriptChunk(ctx context.Context, ev models.TranscriptEvent) (models.AppendOutcome, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", fmt.Errorf("store: begin append: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ev.CallID); err != nil {
		return "", fmt.Errorf("store: lock call: %w", err)
	}

	byKey, err := scanChunk(tx.QueryRow(ctx, `
		SELECT `+chunkColumns+`
		FROM transcript_event_keys k
		JOIN transcript_chunks c ON c.id = k.chunk_id
		WHERE k.call_id = $1 AND k.source_event_id = $2
	`, ev.CallID, ev.SourceEventID))
	if err != nil {
		return "", fmt.Errorf("store: find key: %w", err)
	}

	last, err := scanChunk(tx.QueryRow(ctx, `
		SELECT `+chunkColumns+`
		FROM transcript_chunks c
		WHERE c.call_id = $1
		ORDER BY c.timestamp_ms DESC, c.id DESC
		LIMIT 1
	`, ev.CallID))
	if err != nil {
		return "", fmt.Errorf("store: find last chunk: %w", err)
	}

	d := p.merge.Reconcile(byKey, last, ev)
	chunkID := d.ChunkID

	switch d.Action {
	case transcript.ActionInsert:
		err = tx.QueryRow(ctx, `
			INSERT INTO transcript_chunks (call_id, source_event_id, speaker, text, is_final, timestamp_ms)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id
		`, ev.CallID, ev.SourceEventID, string(ev.Speaker), d.Text, d.IsFinal, d.TimestampMs).Scan(&chunkID)
		if err != nil {
			return "", fmt.Errorf("store: insert chunk: %w", err)
		}
	case transcript.ActionRevise:
		if _, err := tx.Exec(ctx, `
			UPDATE transcript_chunks SET text = $2, is_final = $3, updated_at = now() WHERE id = $1
		`, d.ChunkID, d.Text, d.IsFinal); err != nil {
			return "", fmt.Errorf("store: revise chunk: %w", err)
		}
	}

	if byKey == nil {
		if _, err := tx.Exec(ctx, `
			INSERT INTO transcript_event_keys (call_id, source_event_id, chunk_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (call_id, source_event_id) DO NOTHING
		`, ev.CallID, ev.SourceEventID, chunkID); err != nil {
			return "", fmt.Errorf("store: record key: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("store: commit append: %w", err)
	}
	return d.Outcome(), nil
}

func (p *PostgresStore) GetSummary(ctx context.Context, callID string) (*models.CallSession, error) {
	var (
		s      models.CallSession
		status string
		advice []byte
	)
	err := p.pool.QueryRow(ctx, `
		SELECT call_id, tenant_slug, status, assistant_muted, analyzing, last_error,
		       advice, last_advice_at, last_seen_at, created_at
		FROM call_sessions
		WHERE call_id = $1
	`, callID).Scan(&s.CallID, &s.TenantSlug, &status, &s.AssistantMuted, &s.Analyzing, &s.LastError,
		&advice, &s.LastAdviceAt, &s.LastSeenAt, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get summary: %w", err)
	}
	s.Status = models.CallStatus(status)
	if len(advice) > 0 {
		if err := json.Unmarshal(advice, &s.Advice); err != nil {
			return nil, fmt.Errorf("store: decode advice: %w", err)
		}
	}
	return &s, nil
}

func (p *PostgresStore) GetRecentTranscript(ctx context.Context, callID string, limit int) ([]models.TranscriptChunk, error) {
	out := []models.TranscriptChunk{}
	if limit <= 0 {
		return out, nil
	}

	rows, err := p.pool.Query(ctx, `
		SELECT * FROM (
			SELECT `+chunkColumns+`
			FROM transcript_chunks c
			WHERE c.call_id = $1
			ORDER BY c.timestamp_ms DESC, c.id DESC
			LIMIT $2
		) recent
		ORDER BY timestamp_ms ASC, id ASC
	`, callID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent transcript: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan chunk: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: recent transcript: %w", err)
	}
	return out, nil
}

var _ Store = (*PostgresStore)(nil)
