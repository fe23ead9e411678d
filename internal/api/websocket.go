package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/pte-agent/internal/agent"
)

const wsWriteTimeout = 10 * time.Second

// wsMessage is a client frame.
type wsMessage struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// wsSession is one websocket connection and its running turn, if any.
type wsSession struct {
	h         *Handler
	ws        *websocket.Conn
	userID    string
	sessionID string
	logger    *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

// HandleWebSocket upgrades to a websocket that accepts turn, cancel and ping
// frames and pushes turn events as JSON text frames.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, sessionID, ok := requestIdentity(w, r)
	if !ok {
		return
	}
	logger := h.logger.With("user_id", userID, "session_id", sessionID)
	logger.Info("WebSocket connection request", "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		Error(w, http.StatusForbidden, "origin not allowed")
		return
	}
	if _, err := h.runner.Session(r.Context(), userID, sessionID); err != nil {
		status, msg := statusFor(err)
		Error(w, status, msg)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	h.conns.Register(sessionID, ws)
	defer h.conns.Unregister(sessionID, ws)

	s := &wsSession{h: h, ws: ws, userID: userID, sessionID: sessionID, logger: logger}
	s.readLoop(r.Context())
	s.stop()
	logger.Info("WebSocket session ended")
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.cfg.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.cfg.AllowedOrigin == "" || h.cfg.AllowedOrigin == "*" {
		return true
	}
	if origin == h.cfg.AllowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.cfg.AllowedOrigin)
	return false
}

func (s *wsSession) readLoop(ctx context.Context) {
	for {
		_, data, err := s.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				s.logger.Debug("WebSocket closed by client")
			} else {
				s.logger.Warn("WebSocket read error", "error", err)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.writeError(agent.Event{Code: "invalid_request", Message: "malformed frame"})
			continue
		}

		switch msg.Type {
		case "turn":
			s.startTurn(ctx, msg.Message)
		case "cancel":
			if s.cancelTurn() {
				s.logger.Info("Turn cancel requested")
			}
		case "ping":
			if err := s.writeJSON(map[string]string{"type": "pong"}); err != nil {
				s.logger.Debug("Failed to send pong", "error", err)
			}
		default:
			s.writeError(agent.Event{Code: "invalid_request", Message: "unknown frame type " + msg.Type})
		}
	}
}

// startTurn runs a turn in the background. One turn runs per connection.
func (s *wsSession) startTurn(parent context.Context, message string) {
	if !s.h.limiter.Allow(s.userID) {
		s.writeError(agent.Event{Code: "rate_limited", Message: "rate limit exceeded"})
		return
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.writeError(agent.Event{Code: agent.CodeBusy, Message: "a turn is already running"})
		return
	}
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.running = true
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			s.running = false
			s.cancel = nil
			s.mu.Unlock()
			cancel()
		}()

		_, err := s.h.runner.RunTurn(ctx, agent.TurnRequest{
			UserID:    s.userID,
			SessionID: s.sessionID,
			Message:   message,
			Channel:   "websocket",
		}, func(ev agent.Event) {
			if err := s.writeJSON(ev); err != nil {
				s.logger.Debug("Failed to push event", "type", ev.Type, "error", err)
			}
		})
		if err != nil {
			s.logger.Warn("Turn could not start", "error", err)
			s.writeError(agent.Event{Code: codeFor(err), Message: err.Error()})
		}
	}()
}

func (s *wsSession) cancelTurn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return false
	}
	s.cancel()
	return true
}

// stop cancels a running turn and waits for it to record itself.
func (s *wsSession) stop() {
	s.cancelTurn()
	s.wg.Wait()
}

func (s *wsSession) writeError(ev agent.Event) {
	ev.Type = agent.EventError
	if err := s.writeJSON(ev); err != nil {
		s.logger.Debug("Failed to send error frame", "error", err)
	}
}

func (s *wsSession) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
	defer cancel()
	return s.ws.Write(ctx, websocket.MessageText, data)
}
