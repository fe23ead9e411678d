// Package domain holds the records persisted by the store.
package domain

import (
	"time"

	"github.com/ashureev/pte-agent/internal/memory"
)

// Session is the persisted state of one conversation.
type Session struct {
	ID        string
	UserID    string
	Memory    memory.Session
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewSession returns an empty session owned by userID.
func NewSession(id, userID string, now time.Time) *Session {
	return &Session{
		ID:        id,
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
