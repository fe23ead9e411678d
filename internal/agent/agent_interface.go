package agent

import (
	"context"
	"iter"

	"github.com/ashureev/pte-agent/internal/domain"
	"github.com/ashureev/pte-agent/internal/tools"
)

// Runner is the agent surface used by transports.
type Runner interface {
	// RunTurn runs one turn, delivering events to emit.
	RunTurn(ctx context.Context, req TurnRequest, emit Emitter) (*TurnResult, error)

	// Stream runs one turn and yields its events.
	Stream(ctx context.Context, req TurnRequest) iter.Seq2[Event, error]

	// Session returns the stored session, or nil.
	Session(ctx context.Context, userID, sessionID string) (*domain.Session, error)

	// Turns returns the latest turn audit records of a session.
	Turns(ctx context.Context, userID, sessionID string, limit int) ([]*domain.TurnRecord, error)

	// ResetSession clears memory and records of a session.
	ResetSession(ctx context.Context, userID, sessionID string) error

	// Manifest returns the tools the planner may use.
	Manifest() *tools.Manifest
}

// Ensure Service implements Runner.
var _ Runner = (*Service)(nil)
