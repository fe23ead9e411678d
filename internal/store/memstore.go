package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/pte-agent/internal/domain"
)

// MemoryStore is an in-process SessionStore used by the CLI and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session
	turns    map[string][]*domain.TurnRecord
	now      func() time.Time
}

var _ SessionStore = (*MemoryStore)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*domain.Session),
		turns:    make(map[string][]*domain.TurnRecord),
		now:      time.Now,
	}
}

func copySession(s *domain.Session) *domain.Session {
	c := *s
	c.Memory = *s.Memory.Clone()
	return &c
}

// GetSession returns a copy of the stored session.
func (m *MemoryStore) GetSession(_ context.Context, sessionID string) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return copySession(s), nil
}

// SaveSession stores a copy of the session.
func (m *MemoryStore) SaveSession(_ context.Context, s *domain.Session) error {
	c := copySession(s)
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = m.now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.sessions[s.ID]; ok {
		c.CreatedAt = prev.CreatedAt
	}
	m.sessions[s.ID] = c
	return nil
}

// DeleteSession removes a session and its turns.
func (m *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	delete(m.turns, sessionID)
	return nil
}

// SessionExists reports whether a session is stored.
func (m *MemoryStore) SessionExists(_ context.Context, sessionID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[sessionID]
	return ok, nil
}

// SaveTurn appends a turn record.
func (m *MemoryStore) SaveTurn(_ context.Context, t *domain.TurnRecord) error {
	c := *t
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns[t.SessionID] = append(m.turns[t.SessionID], &c)
	return nil
}

// ListTurns returns the latest turns, oldest first.
func (m *MemoryStore) ListTurns(_ context.Context, sessionID string, limit int) ([]*domain.TurnRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.turns[sessionID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]*domain.TurnRecord, len(all))
	for i, t := range all {
		c := *t
		out[i] = &c
	}
	return out, nil
}

// ExpiredSessions returns sessions idle for longer than ttl, oldest first.
func (m *MemoryStore) ExpiredSessions(_ context.Context, ttl time.Duration) ([]string, error) {
	threshold := m.now().Add(-ttl)
	m.mu.RLock()
	defer m.mu.RUnlock()

	var expired []*domain.Session
	for _, s := range m.sessions {
		if s.UpdatedAt.Before(threshold) {
			expired = append(expired, s)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].UpdatedAt.Before(expired[j].UpdatedAt) })
	ids := make([]string, len(expired))
	for i, s := range expired {
		ids[i] = s.ID
	}
	return ids, nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
