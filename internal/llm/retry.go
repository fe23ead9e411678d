package llm

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/pte-agent/internal/metrics"
)

// RetryConfig controls retries of failed model calls.
type RetryConfig struct {
	MaxAttempts int
	// Backoff is the delay before the second attempt; it doubles afterwards.
	Backoff     time.Duration
	ShouldRetry func(error) bool
}

// WithRetry wraps a model with error-only retries.
func WithRetry(m Model, cfg RetryConfig) Model {
	if m == nil {
		return nil
	}
	return &retryModel{next: m, cfg: cfg}
}

type retryModel struct {
	next Model
	cfg  RetryConfig
}

func (w *retryModel) Complete(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	attempts := w.cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := w.cfg.Backoff

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		out, err := w.next.Complete(ctx, req)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if attempt == attempts || !w.shouldRetry(ctx, err) {
			break
		}
		if delay > 0 {
			select {
			case <-ctx.Done():
				return "", Classify(req.Role, lastErr)
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return "", lastErr
}

func (w *retryModel) shouldRetry(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if w.cfg.ShouldRetry != nil {
		return w.cfg.ShouldRetry(err)
	}
	return Retryable(err)
}

// Retryable reports whether a failure is worth another attempt: upstream
// errors without a status, 429 and 5xx responses.
func Retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ce *CallError
	if !errors.As(err, &ce) {
		return true
	}
	if ce.Kind != KindUpstream {
		return false
	}
	return ce.StatusCode == 0 || ce.StatusCode == http.StatusTooManyRequests || ce.StatusCode >= 500
}

// Instrument records call outcomes in metrics and logs failures.
func Instrument(m Model, logger *slog.Logger) Model {
	if logger == nil {
		logger = slog.Default()
	}
	return &instrumented{next: m, logger: logger}
}

type instrumented struct {
	next   Model
	logger *slog.Logger
}

func (i *instrumented) Complete(ctx context.Context, req Request) (string, error) {
	start := time.Now()
	out, err := i.next.Complete(ctx, req)
	if err != nil {
		err = Classify(req.Role, err)
		metrics.LLMCallsTotal.WithLabelValues(req.Role, string(KindOf(err))).Inc()
		i.logger.Warn("LLM call failed", "role", req.Role, "model", req.Model, "duration", time.Since(start), "error", err)
		return "", err
	}
	metrics.LLMCallsTotal.WithLabelValues(req.Role, "ok").Inc()
	return out, nil
}
