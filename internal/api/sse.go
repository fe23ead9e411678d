package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/pte-agent/internal/agent"
)

// TurnRequest is the body of POST /api/sessions/{sessionID}/turns.
type TurnRequest struct {
	Message string `json:"message"`
}

// HandleTurn runs one turn and streams its events as SSE frames.
//
//nolint:gocyclo // Validation and streaming branches are kept inline to preserve request flow.
func (h *Handler) HandleTurn(w http.ResponseWriter, r *http.Request) {
	userID, sessionID, ok := requestIdentity(w, r)
	if !ok {
		return
	}

	if !h.limiter.Allow(userID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxRequestBodySize)
	var body TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// Ownership is checked before the stream starts so it can be a plain 403.
	if _, err := h.runner.Session(r.Context(), userID, sessionID); err != nil {
		status, msg := statusFor(err)
		Error(w, status, msg)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	reqID := chiMiddleware.GetReqID(r.Context())
	logger := h.logger.With("user_id", userID, "session_id", sessionID, "request_id", reqID)
	logger.Info("Turn request", "message_length", len(body.Message))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events := make(chan agent.Event, 16)
	errc := make(chan error, 1)
	go func() {
		defer close(events)
		_, err := h.runner.RunTurn(ctx, agent.TurnRequest{
			UserID:    userID,
			SessionID: sessionID,
			Message:   body.Message,
			Channel:   "sse",
		}, func(ev agent.Event) {
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		})
		errc <- err
	}()

	keepalive := time.NewTicker(h.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case ev, open := <-events:
			if !open {
				if err := <-errc; err != nil {
					logger.Warn("Turn could not start", "error", err)
					if writeErr := writeSSE(w, string(agent.EventError), errorPayload(err)); writeErr != nil {
						logger.Debug("Failed to write SSE error event", "error", writeErr)
					}
					flusher.Flush()
				}
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				logger.Warn("Failed to marshal event", "error", err)
				continue
			}
			if err := writeSSEWithID(w, ev.Seq, string(ev.Type), string(data)); err != nil {
				// Client is gone; canceling lets the turn record itself as canceled.
				logger.Info("SSE client disconnected mid-turn", "error", err)
				cancel()
				drain(events)
				<-errc
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				cancel()
				drain(events)
				<-errc
				return
			}
			flusher.Flush()
		}
	}
}

func drain(events <-chan agent.Event) {
	for range events {
	}
}

func errorPayload(err error) string {
	data, _ := json.Marshal(map[string]string{"code": codeFor(err), "message": err.Error()})
	return string(data)
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
