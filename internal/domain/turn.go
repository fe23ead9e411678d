package domain

import (
	"time"

	"github.com/ashureev/pte-agent/internal/plan"
)

// TurnRecord is the audit record of a finished turn.
type TurnRecord struct {
	TurnID         string          `json:"turn_id"`
	SessionID      string          `json:"session_id"`
	UserID         string          `json:"-"`
	Message        string          `json:"message"`
	Status         string          `json:"status"`
	Result         string          `json:"result"`
	Intent         string          `json:"intent,omitempty"`
	RewrittenQuery string          `json:"rewritten_query,omitempty"`
	ReplanCount    int             `json:"replan_count"`
	HaltKind       string          `json:"halt_kind,omitempty"`
	HaltReason     string          `json:"halt_reason,omitempty"`
	Steps          []plan.PastStep `json:"steps"`
	StartedAt      time.Time       `json:"started_at"`
	DurationMS     int64           `json:"duration_ms"`
}
