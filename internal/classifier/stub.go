package classifier

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// StubClassifier is a deterministic classifier for tests and dry runs.
// Pre-loaded replies are returned in order, cycling back to the start when
// all have been consumed. With no replies it falls back to matching $TICKER
// cashtags and a fixed watch list against the text.
type StubClassifier struct {
	mu      sync.Mutex
	replies [][]Speculation
	idx     int
	watch   []string
	healthy bool
	calls   int
}

// NewStubClassifier creates a stub that matches cashtags and the given
// watch list.
func NewStubClassifier(watch []string, replies ...[]Speculation) *StubClassifier {
	return &StubClassifier{
		replies: replies,
		watch:   watch,
		healthy: true,
	}
}

func (s *StubClassifier) Name() string { return "stub" }

var cashtag = regexp.MustCompile(`\$([A-Za-z][A-Za-z0-9]{1,14})\b`)

// Classify returns the next pre-loaded reply, or the cashtag/watch-list
// matches found in text.
func (s *StubClassifier) Classify(_ context.Context, text string) ([]Speculation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if !s.healthy {
		return nil, fmt.Errorf("classifier %s is unhealthy", s.Name())
	}

	if len(s.replies) > 0 {
		r := s.replies[s.idx]
		s.idx = (s.idx + 1) % len(s.replies)
		return r, nil
	}

	var out []Speculation
	seen := make(map[string]bool)
	add := func(sym, reason string) {
		key := strings.ToUpper(sym)
		if seen[key] || len(out) == MaxSpeculations {
			return
		}
		seen[key] = true
		out = append(out, Speculation{TokenName: key, Reason: reason, KeyElements: []string{sym}})
	}
	for _, m := range cashtag.FindAllStringSubmatch(text, -1) {
		add(m[1], "cashtag in text")
	}
	lower := strings.ToLower(text)
	for _, w := range s.watch {
		if w != "" && strings.Contains(lower, strings.ToLower(w)) {
			add(w, "watch list match")
		}
	}
	return out, nil
}

// SetHealthy sets whether the stub answers.
func (s *StubClassifier) SetHealthy(healthy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = healthy
}

// Calls returns the total number of Classify invocations.
func (s *StubClassifier) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
