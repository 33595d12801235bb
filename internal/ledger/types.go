// Package ledger records finished sessions and their turns for the admin
// history endpoints.
package ledger

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("ledger record not found")

// SessionRecord describes one client connection from accept to teardown.
type SessionRecord struct {
	ID            string    `json:"id"`
	RemoteAddr    string    `json:"remote_addr"`
	Provider      string    `json:"provider"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at,omitempty"`
	EndReason     string    `json:"end_reason,omitempty"`
	Turns         int       `json:"turns"`
	DroppedFrames uint64    `json:"dropped_frames"`
}

// Turn outcomes.
const (
	OutcomeCompleted   = "completed"
	OutcomeAbandoned   = "abandoned"
	OutcomeInterrupted = "interrupted"
	OutcomeNoAudio     = "no_audio"
	OutcomeCanceled    = "canceled"
)

// TurnRecord stores one committed turn.
type TurnRecord struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	Seq          int       `json:"seq"`
	Kind         string    `json:"kind"`
	InputBytes   int       `json:"input_bytes"`
	OutputChunks int       `json:"output_chunks"`
	OutputBytes  int       `json:"output_bytes"`
	Text         string    `json:"text,omitempty"`
	PIIRedacted  bool      `json:"pii_redacted"`
	Outcome      string    `json:"outcome"`
	FirstChunkMS int64     `json:"first_chunk_ms"`
	DurationMS   int64     `json:"duration_ms"`
	CommittedAt  time.Time `json:"committed_at"`
}

// Store persists session and turn history.
type Store interface {
	StartSession(ctx context.Context, record SessionRecord) error
	EndSession(ctx context.Context, id string, endedAt time.Time, reason string, droppedFrames uint64) error
	SaveTurn(ctx context.Context, record TurnRecord) error
	RecentSessions(ctx context.Context, limit int) ([]SessionRecord, error)
	SessionTurns(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error)
	Close() error
}
