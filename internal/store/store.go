// Package store provides session persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/pte-agent/internal/domain"
)

// SessionStore persists session memory and turn audit records. Every method
// is atomic per call. Lookups of missing records return nil, nil.
type SessionStore interface {
	// GetSession retrieves a session by id.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// SaveSession creates or replaces a session.
	SaveSession(ctx context.Context, session *domain.Session) error

	// DeleteSession removes a session and its turn records.
	DeleteSession(ctx context.Context, sessionID string) error

	// SessionExists reports whether a session is stored.
	SessionExists(ctx context.Context, sessionID string) (bool, error)

	// SaveTurn appends a turn audit record.
	SaveTurn(ctx context.Context, turn *domain.TurnRecord) error

	// ListTurns returns the most recent turn records of a session, oldest first.
	// A limit of zero or less returns all of them.
	ListTurns(ctx context.Context, sessionID string, limit int) ([]*domain.TurnRecord, error)

	// ExpiredSessions returns the ids of sessions not updated within ttl.
	ExpiredSessions(ctx context.Context, ttl time.Duration) ([]string, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend.
	Close() error
}
