package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultMaxSessions = 1024

// InMemoryStore keeps the most recent sessions in process memory.
type InMemoryStore struct {
	maxSessions int

	mu       sync.RWMutex
	order    []string
	sessions map[string]*SessionRecord
	turns    map[string][]TurnRecord
}

func NewInMemoryStore(maxSessions int) *InMemoryStore {
	if maxSessions <= 0 {
		maxSessions = defaultMaxSessions
	}
	return &InMemoryStore{
		maxSessions: maxSessions,
		sessions:    make(map[string]*SessionRecord),
		turns:       make(map[string][]TurnRecord),
	}
}

func (s *InMemoryStore) StartSession(_ context.Context, record SessionRecord) error {
	if record.StartedAt.IsZero() {
		record.StartedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[record.ID]; !ok {
		s.order = append(s.order, record.ID)
	}
	s.sessions[record.ID] = &record
	for len(s.order) > s.maxSessions {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.sessions, oldest)
		delete(s.turns, oldest)
	}
	return nil
}

func (s *InMemoryStore) EndSession(_ context.Context, id string, endedAt time.Time, reason string, droppedFrames uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	rec.EndedAt = endedAt.UTC()
	rec.EndReason = reason
	rec.DroppedFrames = droppedFrames
	return nil
}

func (s *InMemoryStore) SaveTurn(_ context.Context, record TurnRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CommittedAt.IsZero() {
		record.CommittedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[record.SessionID]
	if !ok {
		return ErrNotFound
	}
	rec.Turns++
	s.turns[record.SessionID] = append(s.turns[record.SessionID], record)
	return nil
}

// RecentSessions returns up to limit sessions, newest first.
func (s *InMemoryStore) RecentSessions(_ context.Context, limit int) ([]SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.order) {
		limit = len(s.order)
	}
	out := make([]SessionRecord, 0, limit)
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *s.sessions[s.order[i]])
	}
	return out, nil
}

// SessionTurns returns up to the last limit turns of a session in order.
func (s *InMemoryStore) SessionTurns(_ context.Context, sessionID string, limit int) ([]TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, ErrNotFound
	}
	arr := s.turns[sessionID]
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]TurnRecord, limit)
	copy(out, arr[len(arr)-limit:])
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
