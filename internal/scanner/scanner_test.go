package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simons-freedom/X-monitor/internal/token"
)

// ---------------------------------------------------------------------------
// Search Service Tests
// ---------------------------------------------------------------------------

// stubSearcher answers from a table keyed by chain. Chains listed in fail
// return an error.
type stubSearcher struct {
	mu      sync.Mutex
	results map[string]*ChainResult
	fail    map[string]bool
	delay   time.Duration
	calls   map[string]int // symbol -> chain calls

	// Concurrency tracking per distinct symbol.
	active     map[string]int
	inFlight   atomic.Int64
	peakActive atomic.Int64
}

func newStubSearcher() *stubSearcher {
	return &stubSearcher{
		results: make(map[string]*ChainResult),
		fail:    make(map[string]bool),
		calls:   make(map[string]int),
		active:  make(map[string]int),
	}
}

func (s *stubSearcher) Search(ctx context.Context, chain, symbol string) (*ChainResult, error) {
	s.mu.Lock()
	s.calls[symbol]++
	s.active[symbol]++
	if s.active[symbol] == 1 {
		n := s.inFlight.Add(1)
		if n > s.peakActive.Load() {
			s.peakActive.Store(n)
		}
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.active[symbol]--
		if s.active[symbol] == 0 {
			s.inFlight.Add(-1)
		}
		s.mu.Unlock()
	}()

	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.fail[chain] {
		return nil, fmt.Errorf("%s timed out: %w", chain, ErrDiscovery)
	}
	s.mu.Lock()
	res, ok := s.results[chain]
	s.mu.Unlock()
	if !ok {
		return &ChainResult{Chain: chain}, nil
	}
	cp := *res
	return &cp, nil
}

func (s *stubSearcher) callCount(symbol string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[symbol]
}

func chainCandidate(chain, symbol string, volume float64) token.Candidate {
	c := candidate(symbol, volume)
	c.Chain = chain
	return c
}

func newTestService(searcher Searcher, cfg ServiceConfig) *Service {
	return NewService(cfg, searcher, NewSanitizer(DefaultSanitizerConfig()))
}

func TestSearchToken_PartialFailure(t *testing.T) {
	searcher := newStubSearcher()
	hp := chainCandidate("sol", "PEPE", 500000)
	hp.IsHoneypot = token.FlagTrue
	searcher.results["sol"] = &ChainResult{
		Chain:     "sol",
		Tokens:    []token.Candidate{chainCandidate("sol", "PEPE", 8000), hp, chainCandidate("sol", "PEPE", 70000)},
		TimeTaken: 120,
	}
	searcher.fail["bsc"] = true

	svc := newTestService(searcher, DefaultServiceConfig())
	res, err := svc.SearchToken(context.Background(), "Pepe")
	require.NoError(t, err)

	require.Len(t, res.Tokens, 2)
	assert.True(t, res.Tokens[0].Volume24h.Equal(token.NewNumber(70000).Decimal))
	assert.True(t, res.Tokens[1].Volume24h.Equal(token.NewNumber(8000).Decimal))
	assert.Equal(t, int64(120), res.TimeTaken)
	assert.Equal(t, []string{"sol"}, res.Chains)

	top, ok := res.Top()
	require.True(t, ok)
	assert.Equal(t, "sol", top.Chain)

	assert.Equal(t, int64(1), svc.Stats().ChainErrors)
}

func TestSearchToken_AllChainsFail(t *testing.T) {
	searcher := newStubSearcher()
	searcher.fail["sol"] = true
	searcher.fail["bsc"] = true

	svc := newTestService(searcher, DefaultServiceConfig())
	res, err := svc.SearchToken(context.Background(), "PEPE")
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, ErrNoResult))
	assert.Equal(t, int64(1), svc.Stats().NoResults)
}

func TestSearchToken_UnionAndAverageLatency(t *testing.T) {
	searcher := newStubSearcher()
	// Same address on both chains is kept twice: no cross-chain dedup.
	searcher.results["sol"] = &ChainResult{
		Chain:     "sol",
		Tokens:    []token.Candidate{chainCandidate("sol", "DOGE", 10000)},
		TimeTaken: 100,
	}
	searcher.results["bsc"] = &ChainResult{
		Chain:     "bsc",
		Tokens:    []token.Candidate{chainCandidate("bsc", "DOGE", 30000), chainCandidate("bsc", "DOGE", 10000)},
		TimeTaken: 51,
	}

	svc := newTestService(searcher, DefaultServiceConfig())
	res, err := svc.SearchToken(context.Background(), "DOGE")
	require.NoError(t, err)

	require.Len(t, res.Tokens, 3)
	assert.Equal(t, "bsc", res.Tokens[0].Chain)
	// (100 + 51) / 2 floors to 75.
	assert.Equal(t, int64(75), res.TimeTaken)
	assert.ElementsMatch(t, []string{"sol", "bsc"}, res.Chains)
}

func TestSearchToken_EmptyResultIsNotFailure(t *testing.T) {
	svc := newTestService(newStubSearcher(), DefaultServiceConfig())

	res, err := svc.SearchToken(context.Background(), "NOPE")
	require.NoError(t, err)
	assert.Empty(t, res.Tokens)
	_, ok := res.Top()
	assert.False(t, ok)
}

func TestSearchToken_EmptySymbol(t *testing.T) {
	svc := newTestService(newStubSearcher(), DefaultServiceConfig())
	_, err := svc.SearchToken(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrNoResult)
}

func TestSearchToken_Cache(t *testing.T) {
	searcher := newStubSearcher()
	cfg := DefaultServiceConfig()
	cfg.CacheTTL = time.Minute
	svc := newTestService(searcher, cfg)

	_, err := svc.SearchToken(context.Background(), "WIF")
	require.NoError(t, err)
	_, err = svc.SearchToken(context.Background(), "wif")
	require.NoError(t, err)

	assert.Equal(t, 2, searcher.callCount("WIF"))
	assert.Zero(t, searcher.callCount("wif"))
	assert.Equal(t, int64(1), svc.Stats().CacheHits)
}

func TestBatchSearch_ConcurrencyBound(t *testing.T) {
	searcher := newStubSearcher()
	searcher.delay = 20 * time.Millisecond
	svc := newTestService(searcher, DefaultServiceConfig())

	var syms []string
	for i := 0; i < 10; i++ {
		syms = append(syms, fmt.Sprintf("SYM%d", i))
	}

	out := svc.BatchSearch(context.Background(), syms, 2)
	assert.Len(t, out, 10)
	assert.LessOrEqual(t, searcher.peakActive.Load(), int64(2))
	assert.LessOrEqual(t, svc.Stats().PeakInFlight, int64(2))
	assert.Equal(t, int64(2), svc.Stats().PeakInFlight)
}

func TestBatchSearch_DefaultConcurrency(t *testing.T) {
	searcher := newStubSearcher()
	searcher.delay = 10 * time.Millisecond
	svc := newTestService(searcher, DefaultServiceConfig())

	syms := []string{"A", "B", "C", "D", "E", "F", "G"}
	out := svc.BatchSearch(context.Background(), syms, 0)
	assert.Len(t, out, len(syms))
	assert.LessOrEqual(t, svc.Stats().PeakInFlight, int64(3))
}

func TestBatchSearch_SkipsFailuresAndDuplicates(t *testing.T) {
	searcher := newStubSearcher()
	searcher.fail["sol"] = true
	searcher.fail["bsc"] = true
	svc := newTestService(searcher, DefaultServiceConfig())

	out := svc.BatchSearch(context.Background(), []string{"A", "A", "", "B"}, 3)
	assert.Empty(t, out)
	assert.Equal(t, 2, searcher.callCount("A"))
	assert.Equal(t, 2, searcher.callCount("B"))
}

func TestBatchSearch_CancelledContext(t *testing.T) {
	searcher := newStubSearcher()
	searcher.delay = 50 * time.Millisecond
	svc := newTestService(searcher, DefaultServiceConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := svc.BatchSearch(ctx, []string{"A", "B", "C", "D", "E"}, 1)
	assert.Empty(t, out)
	assert.Zero(t, searcher.callCount("A"))
}
