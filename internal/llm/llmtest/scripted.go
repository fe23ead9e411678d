// Package llmtest provides scripted models for tests.
package llmtest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ashureev/pte-agent/internal/llm"
)

// ErrUnscripted is returned for a call with no queued reply.
var ErrUnscripted = errors.New("unscripted llm call")

// Reply is one queued response.
type Reply struct {
	Text string
	Err  error
}

// Text queues a successful completion.
func Text(s string) Reply { return Reply{Text: s} }

// Fail queues a failure. Plain errors are classified as upstream failures.
func Fail(err error) Reply { return Reply{Err: err} }

// Timeout queues a timeout failure.
func Timeout() Reply {
	return Reply{Err: &llm.CallError{Kind: llm.KindTimeout, Err: context.DeadlineExceeded}}
}

// Scripted replays queued replies per call role and records every request.
// A role whose queue is empty repeats its last reply when Sticky is set,
// otherwise the call fails with ErrUnscripted.
type Scripted struct {
	mu      sync.Mutex
	replies map[string][]Reply
	last    map[string]Reply
	sticky  map[string]bool
	calls   []llm.Request
}

// NewScripted creates an empty script.
func NewScripted() *Scripted {
	return &Scripted{
		replies: make(map[string][]Reply),
		last:    make(map[string]Reply),
		sticky:  make(map[string]bool),
	}
}

// On appends replies for role.
func (s *Scripted) On(role string, replies ...Reply) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[role] = append(s.replies[role], replies...)
	return s
}

// Always makes role answer with reply on every call.
func (s *Scripted) Always(role string, reply Reply) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last[role] = reply
	s.sticky[role] = true
	return s
}

// Complete implements llm.Model.
func (s *Scripted) Complete(ctx context.Context, req llm.Request) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	var (
		r  Reply
		ok bool
	)
	if q := s.replies[req.Role]; len(q) > 0 {
		r, ok = q[0], true
		s.replies[req.Role] = q[1:]
		s.last[req.Role] = r
	} else if s.sticky[req.Role] {
		r, ok = s.last[req.Role], true
	}
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", llm.Classify(req.Role, err)
	}
	if !ok {
		return "", llm.Classify(req.Role, fmt.Errorf("%w: role %q", ErrUnscripted, req.Role))
	}
	if r.Err != nil {
		return "", llm.Classify(req.Role, r.Err)
	}
	return r.Text, nil
}

// Calls returns every request seen, in order.
func (s *Scripted) Calls() []llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Request(nil), s.calls...)
}

// CallCount returns the number of requests made with role, or all requests when role is "".
func (s *Scripted) CallCount(role string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if role == "" {
		return len(s.calls)
	}
	n := 0
	for _, c := range s.calls {
		if c.Role == role {
			n++
		}
	}
	return n
}

// Pending returns how many queued replies are left for role.
func (s *Scripted) Pending(role string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.replies[role])
}
