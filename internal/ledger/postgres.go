package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists session history in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS relay_sessions (
			id TEXT PRIMARY KEY,
			remote_addr TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			ended_at TIMESTAMPTZ,
			end_reason TEXT NOT NULL DEFAULT '',
			dropped_frames BIGINT NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS relay_turns (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES relay_sessions(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			kind TEXT NOT NULL,
			input_bytes INTEGER NOT NULL DEFAULT 0,
			output_chunks INTEGER NOT NULL DEFAULT 0,
			output_bytes INTEGER NOT NULL DEFAULT 0,
			text TEXT NOT NULL DEFAULT '',
			pii_redacted BOOLEAN NOT NULL DEFAULT FALSE,
			outcome TEXT NOT NULL,
			first_chunk_ms BIGINT NOT NULL DEFAULT 0,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			committed_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_relay_sessions_started ON relay_sessions (started_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_relay_turns_session_seq ON relay_turns (session_id, seq);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) StartSession(ctx context.Context, record SessionRecord) error {
	if record.StartedAt.IsZero() {
		record.StartedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO relay_sessions (id, remote_addr, provider, started_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING`,
		record.ID,
		record.RemoteAddr,
		record.Provider,
		record.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	return nil
}

func (s *PostgresStore) EndSession(ctx context.Context, id string, endedAt time.Time, reason string, droppedFrames uint64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE relay_sessions SET ended_at=$2, end_reason=$3, dropped_frames=$4 WHERE id=$1`,
		id,
		endedAt.UTC(),
		reason,
		int64(droppedFrames),
	)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SaveTurn(ctx context.Context, record TurnRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CommittedAt.IsZero() {
		record.CommittedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO relay_turns (id, session_id, seq, kind, input_bytes, output_chunks, output_bytes,
			text, pii_redacted, outcome, first_chunk_ms, duration_ms, committed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		record.ID,
		record.SessionID,
		record.Seq,
		record.Kind,
		record.InputBytes,
		record.OutputChunks,
		record.OutputBytes,
		record.Text,
		record.PIIRedacted,
		record.Outcome,
		record.FirstChunkMS,
		record.DurationMS,
		record.CommittedAt,
	)
	if err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx,
		`SELECT s.id, s.remote_addr, s.provider, s.started_at, s.ended_at, s.end_reason, s.dropped_frames,
			(SELECT count(*) FROM relay_turns t WHERE t.session_id = s.id)
		 FROM relay_sessions s ORDER BY s.started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	items := make([]SessionRecord, 0, limit)
	for rows.Next() {
		var (
			r       SessionRecord
			endedAt *time.Time
			dropped int64
		)
		if err := rows.Scan(&r.ID, &r.RemoteAddr, &r.Provider, &r.StartedAt, &endedAt, &r.EndReason, &dropped, &r.Turns); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		if endedAt != nil {
			r.EndedAt = *endedAt
		}
		r.DroppedFrames = uint64(dropped)
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) SessionTurns(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT true FROM relay_sessions WHERE id=$1`, sessionID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup session: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, seq, kind, input_bytes, output_chunks, output_bytes, text, pii_redacted,
			outcome, first_chunk_ms, duration_ms, committed_at
		 FROM relay_turns WHERE session_id=$1 ORDER BY seq DESC LIMIT $2`,
		sessionID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	items := make([]TurnRecord, 0, limit)
	for rows.Next() {
		var r TurnRecord
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Seq, &r.Kind, &r.InputBytes, &r.OutputChunks, &r.OutputBytes,
			&r.Text, &r.PIIRedacted, &r.Outcome, &r.FirstChunkMS, &r.DurationMS, &r.CommittedAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}

	// Reverse into chronological order.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

// Ping reports whether the database is reachable; used by readiness checks.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
