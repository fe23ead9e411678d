package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/pte-agent/internal/memory"
	"github.com/ashureev/pte-agent/internal/tools"
)

// SessionView is the public shape of a stored session.
type SessionView struct {
	SessionID          string           `json:"session_id"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
	Recent             []memory.Turn    `json:"recent"`
	Summaries          []memory.Segment `json:"summaries"`
	LastRewrittenQuery string           `json:"last_rewritten_query,omitempty"`
}

// GetSession handles GET /api/sessions/{sessionID}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	userID, sessionID, ok := requestIdentity(w, r)
	if !ok {
		return
	}
	sess, err := h.runner.Session(r.Context(), userID, sessionID)
	if err != nil {
		status, msg := statusFor(err)
		Error(w, status, msg)
		return
	}
	if sess == nil {
		Error(w, http.StatusNotFound, "session not found")
		return
	}

	view := SessionView{
		SessionID:          sess.ID,
		CreatedAt:          sess.CreatedAt,
		UpdatedAt:          sess.UpdatedAt,
		Recent:             sess.Memory.Recent,
		Summaries:          sess.Memory.Summaries,
		LastRewrittenQuery: sess.Memory.LastRewrittenQuery,
	}
	if view.Recent == nil {
		view.Recent = []memory.Turn{}
	}
	if view.Summaries == nil {
		view.Summaries = []memory.Segment{}
	}
	JSON(w, http.StatusOK, view)
}

// DeleteSession handles DELETE /api/sessions/{sessionID}. It waits for a
// running turn of the session to finish.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	userID, sessionID, ok := requestIdentity(w, r)
	if !ok {
		return
	}
	if err := h.runner.ResetSession(r.Context(), userID, sessionID); err != nil {
		status, msg := statusFor(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("Failed to reset session", "session_id", sessionID, "error", err)
		}
		Error(w, status, msg)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListTurns handles GET /api/sessions/{sessionID}/turns?limit=N.
func (h *Handler) ListTurns(w http.ResponseWriter, r *http.Request) {
	userID, sessionID, ok := requestIdentity(w, r)
	if !ok {
		return
	}
	limit := defaultTurnsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	turns, err := h.runner.Turns(r.Context(), userID, sessionID, limit)
	if err != nil {
		status, msg := statusFor(err)
		Error(w, status, msg)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"turns":      turns,
	})
}

// ListTools handles GET /api/tools.
func (h *Handler) ListTools(w http.ResponseWriter, _ *http.Request) {
	m := h.runner.Manifest()
	specs := m.Specs()
	if specs == nil {
		specs = []tools.Spec{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"tools":    specs,
		"manifest": m.Text(),
	})
}
