// Package api provides the HTTP surface of the agent: streamed turns over SSE
// and websocket, session views and the tool manifest.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/pte-agent/internal/agent"
	"github.com/ashureev/pte-agent/internal/identity"
)

const (
	// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
	defaultMaxRequestBodySize = 1 << 20
	defaultKeepalive          = 10 * time.Second
	defaultRateLimit          = 10
	defaultRateWindow         = time.Minute
	defaultTurnsLimit         = 20
)

// Config configures the handlers.
type Config struct {
	RateLimitRequests  int
	RateLimitWindow    time.Duration
	KeepaliveInterval  time.Duration
	MaxRequestBodySize int64
	AllowedOrigin      string
	IsDev              bool
}

func (c Config) withDefaults() Config {
	if c.RateLimitRequests <= 0 {
		c.RateLimitRequests = defaultRateLimit
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = defaultRateWindow
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = defaultKeepalive
	}
	if c.MaxRequestBodySize <= 0 {
		c.MaxRequestBodySize = defaultMaxRequestBodySize
	}
	return c
}

// Handler serves the agent routes.
type Handler struct {
	runner  agent.Runner
	limiter *RateLimiter
	conns   *ConnectionManager
	cfg     Config
	logger  *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(runner agent.Runner, cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Handler{
		runner:  runner,
		limiter: NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow),
		conns:   NewConnectionManager(),
		cfg:     cfg,
		logger:  logger,
	}
}

// RegisterRoutes registers the agent routes. Identity middleware must run first.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/tools", h.ListTools)
		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Delete("/", h.DeleteSession)
			r.Post("/turns", h.HandleTurn)
			r.Get("/turns", h.ListTurns)
			r.Get("/ws", h.HandleWebSocket)
		})
	})
}

// Connections returns the live websocket registry.
func (h *Handler) Connections() *ConnectionManager {
	return h.conns
}

// Close releases handler resources.
func (h *Handler) Close() {
	h.limiter.Close()
	h.conns.CloseAll()
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// requestIdentity returns the caller and the path session id, writing an
// error response when either is missing or invalid.
func requestIdentity(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return "", "", false
	}
	sessionID := strings.TrimSpace(chi.URLParam(r, "sessionID"))
	if !identity.ValidSessionID(sessionID) {
		Error(w, http.StatusBadRequest, "invalid session id")
		return "", "", false
	}
	return userID, sessionID, true
}

// statusFor maps service errors to HTTP statuses.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, agent.ErrEmptyMessage):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, agent.ErrSessionNotOwned):
		return http.StatusForbidden, "session belongs to another user"
	case errors.Is(err, agent.ErrSessionBusy):
		return http.StatusConflict, "session is busy"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// codeFor maps service errors to stream error codes.
func codeFor(err error) string {
	switch {
	case errors.Is(err, agent.ErrSessionBusy):
		return agent.CodeBusy
	case errors.Is(err, agent.ErrSessionNotOwned):
		return "forbidden"
	case errors.Is(err, agent.ErrEmptyMessage):
		return "invalid_request"
	default:
		return agent.CodeInternal
	}
}
