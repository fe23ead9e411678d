// Package memory keeps bounded cross-turn context for a session: a buffer of
// recent turns and a sliding window of rolling summaries.
package memory

import (
	"fmt"
	"strings"
	"time"
)

// Separator joins rendered summary segments.
const Separator = "\n---\n"

// Defaults.
const (
	DefaultRecentCapacity = 10
	DefaultRecentRetain   = 5
	DefaultSummaryWindow  = 3
)

// Config bounds session memory.
type Config struct {
	// RecentCapacity is N: summarization triggers when the buffer holds more turns.
	RecentCapacity int
	// RecentRetain is K: turns kept verbatim after summarization.
	RecentRetain int
	// SummaryWindow is M: maximum number of summary segments.
	SummaryWindow int
}

// Normalize fills zero values with defaults and clamps K below N.
func (c Config) Normalize() Config {
	if c.RecentCapacity <= 0 {
		c.RecentCapacity = DefaultRecentCapacity
	}
	if c.RecentRetain <= 0 {
		c.RecentRetain = DefaultRecentRetain
	}
	if c.RecentRetain > c.RecentCapacity {
		c.RecentRetain = c.RecentCapacity
	}
	if c.SummaryWindow <= 0 {
		c.SummaryWindow = DefaultSummaryWindow
	}
	return c
}

// Turn is one user message and the assistant's final result.
type Turn struct {
	User      string    `json:"user"`
	Assistant string    `json:"assistant"`
	At        time.Time `json:"at"`
}

// Segment is one rolling summary.
type Segment struct {
	Seq       int       `json:"seq"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is the memory of one conversation. It is not safe for concurrent
// use; callers serialize access per session.
type Session struct {
	Recent    []Turn    `json:"recent"`
	Summaries []Segment `json:"summaries"`
	// LastSeq is the sequence number of the most recent segment ever produced.
	LastSeq int `json:"last_seq"`
	// LastRewrittenQuery is the previous turn's context-resolved query.
	LastRewrittenQuery string `json:"last_rewritten_query,omitempty"`
}

// Append adds a finished turn.
func (s *Session) Append(t Turn) {
	if t.At.IsZero() {
		t.At = time.Now()
	}
	s.Recent = append(s.Recent, t)
}

// NeedsSummary reports whether the recent buffer is over capacity.
func (s *Session) NeedsSummary(cfg Config) bool {
	return len(s.Recent) > cfg.Normalize().RecentCapacity
}

// Overflow returns the turns that summarization would fold away: everything
// except the most recent K. It is empty at or below capacity.
func (s *Session) Overflow(cfg Config) []Turn {
	cfg = cfg.Normalize()
	if len(s.Recent) <= cfg.RecentCapacity {
		return nil
	}
	return append([]Turn(nil), s.Recent[:len(s.Recent)-cfg.RecentRetain]...)
}

// Fold records a summary of the overflow turns: the segment is appended with
// the next sequence number, the oldest segments are evicted beyond M, and the
// recent buffer is truncated to its last K turns. Folding at or below
// capacity does nothing.
func (s *Session) Fold(cfg Config, summary string, now time.Time) bool {
	cfg = cfg.Normalize()
	if len(s.Recent) <= cfg.RecentCapacity {
		return false
	}

	s.LastSeq++
	s.Summaries = append(s.Summaries, Segment{Seq: s.LastSeq, Text: strings.TrimSpace(summary), CreatedAt: now})
	if over := len(s.Summaries) - cfg.SummaryWindow; over > 0 {
		s.Summaries = append([]Segment(nil), s.Summaries[over:]...)
	}
	s.Recent = append([]Turn(nil), s.Recent[len(s.Recent)-cfg.RecentRetain:]...)
	return true
}

// Reset clears all memory.
func (s *Session) Reset() {
	*s = Session{}
}

// RenderSummaries renders segments oldest first.
func (s *Session) RenderSummaries() string {
	parts := make([]string, 0, len(s.Summaries))
	for _, seg := range s.Summaries {
		parts = append(parts, fmt.Sprintf("[summary #%d]\n%s", seg.Seq, seg.Text))
	}
	return strings.Join(parts, Separator)
}

// RenderRecent renders the recent turns as a transcript.
func (s *Session) RenderRecent() string {
	return RenderTurns(s.Recent)
}

// Render renders summaries followed by recent turns, or "" for an empty session.
func (s *Session) Render() string {
	var b strings.Builder
	if sum := s.RenderSummaries(); sum != "" {
		b.WriteString("Earlier conversation (summarized):\n")
		b.WriteString(sum)
	}
	if recent := s.RenderRecent(); recent != "" {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("Recent conversation:\n")
		b.WriteString(recent)
	}
	return b.String()
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	c := *s
	c.Recent = append([]Turn(nil), s.Recent...)
	c.Summaries = append([]Segment(nil), s.Summaries...)
	return &c
}

// RenderTurns renders turns as "User:"/"Assistant:" lines.
func RenderTurns(turns []Turn) string {
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "User: %s\nAssistant: %s", t.User, t.Assistant)
	}
	return b.String()
}
