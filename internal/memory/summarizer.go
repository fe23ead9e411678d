package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/pte-agent/internal/llm"
	"github.com/ashureev/pte-agent/internal/metrics"
)

const summarizerPrompt = `You compress chat history for an assistant.
Summarize the conversation below in a few short sentences. Keep names, places,
numbers, dates, user preferences and open questions. Do not add anything that
was not said. Answer in the language of the conversation. Output only the summary.`

// Summarizer folds overflowing turns into summary segments with an LLM call.
type Summarizer struct {
	model       llm.Model
	modelName   string
	cfg         Config
	callTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// SummarizerConfig configures a Summarizer.
type SummarizerConfig struct {
	Memory      Config
	Model       string
	CallTimeout time.Duration
}

// NewSummarizer creates a Summarizer.
func NewSummarizer(model llm.Model, cfg SummarizerConfig, logger *slog.Logger) *Summarizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Summarizer{
		model:       model,
		modelName:   cfg.Model,
		cfg:         cfg.Memory.Normalize(),
		callTimeout: cfg.CallTimeout,
		logger:      logger,
		now:         time.Now,
	}
}

// Config returns the memory bounds in use.
func (s *Summarizer) Config() Config { return s.cfg }

// Compact summarizes the session when its recent buffer is over capacity.
// It reports whether a segment was added. On failure the session is left
// unchanged.
func (s *Summarizer) Compact(ctx context.Context, sess *Session) (bool, error) {
	overflow := sess.Overflow(s.cfg)
	if len(overflow) == 0 {
		return false, nil
	}

	var prompt strings.Builder
	if prev := sess.RenderSummaries(); prev != "" {
		prompt.WriteString("Earlier summaries, for reference only:\n")
		prompt.WriteString(prev)
		prompt.WriteString("\n\n")
	}
	prompt.WriteString("Conversation to summarize:\n")
	prompt.WriteString(RenderTurns(overflow))

	callCtx := context.WithoutCancel(ctx)
	if s.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, s.callTimeout)
		defer cancel()
	}

	text, err := s.model.Complete(callCtx, llm.Request{
		Role:     llm.RoleSummarizer,
		Model:    s.modelName,
		System:   summarizerPrompt,
		Messages: []llm.Message{{Role: llm.MessageUser, Content: prompt.String()}},
	})
	if err != nil {
		return false, fmt.Errorf("summarize %d turns: %w", len(overflow), llm.Classify(llm.RoleSummarizer, err))
	}
	if strings.TrimSpace(text) == "" {
		return false, fmt.Errorf("summarize %d turns: %w", len(overflow), llm.Malformed(llm.RoleSummarizer, errors.New("empty summary")))
	}

	folded := sess.Fold(s.cfg, text, s.now())
	if folded {
		metrics.MemorySummariesTotal.Inc()
		s.logger.Debug("Session memory compacted", "folded_turns", len(overflow), "segment", sess.LastSeq, "segments", len(sess.Summaries))
	}
	return folded, nil
}
