package agent

import (
	"time"
)

// EventType names a turn lifecycle event.
type EventType string

const (
	EventSessionStarted EventType = "session_started"
	EventNodeCompleted  EventType = "node_completed"
	EventStepCompleted  EventType = "step_completed"
	EventFinalResult    EventType = "final_result"
	EventError          EventType = "error"
	EventDone           EventType = "done"
)

// Error codes carried by error events besides the halt kinds.
const (
	CodeCanceled = "canceled"
	CodeBusy     = "busy"
	CodeInternal = "internal"
)

const previewLength = 200

// Event is one ordered turn lifecycle event. Only the fields relevant to
// the event type are set.
type Event struct {
	Type      EventType `json:"type"`
	Seq       int64     `json:"seq"`
	SessionID string    `json:"session_id,omitempty"`
	TurnID    string    `json:"turn_id,omitempty"`
	Time      time.Time `json:"ts"`

	Node    Node   `json:"node,omitempty"`
	Summary string `json:"summary,omitempty"`

	StepID  int    `json:"step_id,omitempty"`
	Tool    string `json:"tool,omitempty"`
	Status  string `json:"status,omitempty"`
	Preview string `json:"preview,omitempty"`

	Result string `json:"result,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Emitter receives events in emission order.
type Emitter func(Event)

func (e Emitter) emit(ev Event) {
	if e != nil {
		e(ev)
	}
}

// sequencer stamps events of one turn with a sequence number and ids.
type sequencer struct {
	next      Emitter
	seq       int64
	sessionID string
	turnID    string
	now       func() time.Time
}

func (s *sequencer) emit(ev Event) {
	s.seq++
	ev.Seq = s.seq
	ev.SessionID = s.sessionID
	ev.TurnID = s.turnID
	if ev.Time.IsZero() {
		ev.Time = s.now()
	}
	s.next.emit(ev)
}
