package agent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/pte-agent/internal/domain"
	"github.com/ashureev/pte-agent/internal/memory"
	"github.com/ashureev/pte-agent/internal/metrics"
	"github.com/ashureev/pte-agent/internal/store"
	"github.com/ashureev/pte-agent/internal/tools"
)

const (
	defaultUserID  = "anonymous"
	persistTimeout = 10 * time.Second
)

var (
	// ErrEmptyMessage is returned for a turn without text.
	ErrEmptyMessage = errors.New("message is required")
	// ErrSessionNotOwned is returned when a session belongs to another user.
	ErrSessionNotOwned = errors.New("session belongs to another user")
)

// Service runs turns against persisted sessions. Turns of one session are
// serialized; turns of different sessions run concurrently.
type Service struct {
	graph      *Graph
	store      store.SessionStore
	summarizer *memory.Summarizer
	convlog    ConversationLogger
	logger     *slog.Logger
	locks      *sessionLocks
	now        func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithConversationLogger records user messages and results.
func WithConversationLogger(l ConversationLogger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.convlog = l
		}
	}
}

// WithServiceLogger sets the service logger.
func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the turn reference time.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService creates a service. A nil summarizer disables memory compaction.
func NewService(graph *Graph, st store.SessionStore, summarizer *memory.Summarizer, opts ...ServiceOption) *Service {
	s := &Service{
		graph:      graph,
		store:      st,
		summarizer: summarizer,
		convlog:    noopConversationLogger{},
		logger:     slog.Default(),
		locks:      newSessionLocks(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Manifest returns the tool manifest.
func (s *Service) Manifest() *tools.Manifest {
	return s.graph.Manifest()
}

// RunTurn runs one turn and delivers its events to emit in order. The
// returned error is non-nil only when the turn could not start or its
// session could not be loaded; halted and canceled turns return a result.
func (s *Service) RunTurn(ctx context.Context, req TurnRequest, emit Emitter) (*TurnResult, error) {
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		return nil, ErrEmptyMessage
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if req.UserID == "" {
		req.UserID = defaultUserID
	}

	release, err := s.locks.acquire(ctx, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionBusy, err)
	}
	defer release()

	sess, err := s.loadSession(ctx, req)
	if err != nil {
		return nil, err
	}

	started := s.now()
	turnID := uuid.NewString()
	seq := &sequencer{next: emit, sessionID: req.SessionID, turnID: turnID, now: s.now}
	logger := s.logger.With("session_id", req.SessionID, "turn_id", turnID)

	seq.emit(Event{Type: EventSessionStarted})
	s.logConversation(req, "inbound", "user_message", req.Message, map[string]any{"turn_id": turnID})
	logger.Info("Turn started", "user_id", req.UserID, "message_length", len(req.Message), "channel", req.Channel)

	metrics.ActiveTurns.Inc()
	state := s.graph.WithLogger(logger).Run(ctx, TurnInput{
		Message:            req.Message,
		History:            sess.Memory.Render(),
		Now:                started,
		PrevRewrittenQuery: sess.Memory.LastRewrittenQuery,
	}, seq.emit)
	metrics.ActiveTurns.Dec()
	metrics.TurnsTotal.WithLabelValues(string(state.Status)).Inc()

	result := &TurnResult{
		TurnID:         turnID,
		Status:         state.Status,
		Result:         state.Result,
		Intent:         state.Intent,
		RewrittenQuery: state.RewrittenQuery,
		ReplanCount:    state.ReplanCount,
		Steps:          state.Trail.Len(),
		Duration:       time.Since(started),
	}
	if state.Err != nil {
		result.HaltKind = state.Err.Kind
		result.HaltReason = state.Err.Reason
	}

	if state.Status != StatusCanceled {
		sess.Memory.Append(memory.Turn{User: req.Message, Assistant: state.Result, At: started})
		if state.RewrittenQuery != "" {
			sess.Memory.LastRewrittenQuery = state.RewrittenQuery
		}
	}
	s.persist(ctx, logger, sess, req, state, result, started)

	switch state.Status {
	case StatusCompleted:
		s.logConversation(req, "outbound", "final_result", state.Result, map[string]any{"turn_id": turnID, "steps": result.Steps, "replans": result.ReplanCount})
	case StatusHalted:
		s.logConversation(req, "outbound", "turn_halted", state.Result, map[string]any{"turn_id": turnID, "halt_kind": result.HaltKind, "halt_reason": result.HaltReason})
	case StatusCanceled:
		s.logConversation(req, "outbound", "turn_canceled", "", map[string]any{"turn_id": turnID})
	}
	logger.Info("Turn finished",
		"status", result.Status,
		"steps", result.Steps,
		"replans", result.ReplanCount,
		"halt_reason", result.HaltReason,
		"duration", result.Duration,
	)

	seq.emit(Event{Type: EventDone, Status: string(state.Status)})

	// The result is already delivered; compaction only affects later turns.
	if state.Status != StatusCanceled {
		s.compact(ctx, logger, sess)
	}
	return result, nil
}

// Stream runs a turn and yields its events. Stopping the iteration early
// cancels the turn. A turn that cannot start yields a single error.
func (s *Service) Stream(ctx context.Context, req TurnRequest) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		events := make(chan Event, 32)
		errc := make(chan error, 1)
		go func() {
			defer close(events)
			_, err := s.RunTurn(ctx, req, func(ev Event) { events <- ev })
			errc <- err
		}()

		stopped := false
		for ev := range events {
			if stopped {
				continue
			}
			if !yield(ev, nil) {
				stopped = true
				cancel()
			}
		}
		if err := <-errc; err != nil && !stopped {
			yield(Event{}, err)
		}
	}
}

// Session returns the stored session, or nil if it does not exist.
func (s *Service) Session(ctx context.Context, userID, sessionID string) (*domain.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if sess != nil && userID != "" && sess.UserID != userID {
		return nil, ErrSessionNotOwned
	}
	return sess, nil
}

// Turns returns the latest turn records of a session.
func (s *Service) Turns(ctx context.Context, userID, sessionID string, limit int) ([]*domain.TurnRecord, error) {
	if _, err := s.Session(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	turns, err := s.store.ListTurns(ctx, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	return turns, nil
}

// ResetSession clears a session's memory and turn records. It waits for a
// running turn of the session to finish.
func (s *Service) ResetSession(ctx context.Context, userID, sessionID string) error {
	release, err := s.locks.acquire(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSessionBusy, err)
	}
	defer release()

	if _, err := s.Session(ctx, userID, sessionID); err != nil {
		return err
	}
	if err := s.store.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	s.logger.Info("Session reset", "session_id", sessionID, "user_id", userID)
	return nil
}

// Close releases the conversation logger.
func (s *Service) Close() {
	if err := s.convlog.Close(); err != nil {
		s.logger.Warn("failed to close conversation logger", "error", err)
	}
}

func (s *Service) loadSession(ctx context.Context, req TurnRequest) (*domain.Session, error) {
	sess, err := s.Session(ctx, req.UserID, req.SessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		sess = domain.NewSession(req.SessionID, req.UserID, s.now())
	}
	return sess, nil
}

// persist saves memory and the audit record. It runs detached from the turn
// context so that a canceled turn is still recorded.
func (s *Service) persist(ctx context.Context, logger *slog.Logger, sess *domain.Session, req TurnRequest, state *State, result *TurnResult, started time.Time) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	sess.UpdatedAt = s.now()
	if err := s.store.SaveSession(ctx, sess); err != nil {
		logger.Error("Failed to save session", "error", err)
		return
	}
	rec := &domain.TurnRecord{
		TurnID:         result.TurnID,
		SessionID:      req.SessionID,
		UserID:         req.UserID,
		Message:        req.Message,
		Status:         string(result.Status),
		Result:         result.Result,
		Intent:         result.Intent,
		RewrittenQuery: result.RewrittenQuery,
		ReplanCount:    result.ReplanCount,
		HaltKind:       string(result.HaltKind),
		HaltReason:     result.HaltReason,
		Steps:          state.Trail.Snapshot(),
		StartedAt:      started,
		DurationMS:     result.Duration.Milliseconds(),
	}
	if err := s.store.SaveTurn(ctx, rec); err != nil {
		logger.Error("Failed to save turn record", "error", err)
	}
}

func (s *Service) compact(ctx context.Context, logger *slog.Logger, sess *domain.Session) {
	if s.summarizer == nil || !sess.Memory.NeedsSummary(s.summarizer.Config()) {
		return
	}
	folded, err := s.summarizer.Compact(ctx, &sess.Memory)
	if err != nil {
		logger.Warn("Memory summarization failed, memory left unchanged", "error", err)
		return
	}
	if !folded {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	sess.UpdatedAt = s.now()
	if err := s.store.SaveSession(saveCtx, sess); err != nil {
		logger.Error("Failed to save compacted session", "error", err)
	}
}

func (s *Service) logConversation(req TurnRequest, direction, eventType, content string, meta map[string]any) {
	s.convlog.Log(ConversationLogEvent{
		Timestamp:  s.now().UTC().Format(time.RFC3339Nano),
		UserID:     req.UserID,
		SessionID:  req.SessionID,
		Channel:    req.Channel,
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: content,
		Content:    cleanForReadability(content),
		Meta:       meta,
	})
}

// sessionLocks hands out one lock per session id. Entries are dropped when
// nobody holds or waits for them.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	ch   chan struct{}
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sessionLock)}
}

// acquire blocks until the session's lock is free or ctx is done.
func (l *sessionLocks) acquire(ctx context.Context, id string) (func(), error) {
	l.mu.Lock()
	lk, ok := l.locks[id]
	if !ok {
		lk = &sessionLock{ch: make(chan struct{}, 1)}
		l.locks[id] = lk
	}
	lk.refs++
	l.mu.Unlock()

	select {
	case lk.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-lk.ch
				l.unref(id, lk)
			})
		}, nil
	case <-ctx.Done():
		l.unref(id, lk)
		return nil, ctx.Err()
	}
}

func (l *sessionLocks) unref(id string, lk *sessionLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, id)
	}
}
