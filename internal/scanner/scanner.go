package scanner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"github.com/simons-freedom/X-monitor/internal/token"
)

// ---------------------------------------------------------------------------
// Candidate Search Service: fans a symbol out to every chain, merges,
// filters and ranks
// ---------------------------------------------------------------------------

// ErrNoResult is returned when every chain query for a symbol failed.
var ErrNoResult = errors.New("no chain returned a result")

// ServiceConfig configures the search service.
type ServiceConfig struct {
	// Chains queried for every symbol.
	Chains []string `yaml:"chains"`

	// Default bound on concurrent symbol searches in BatchSearch.
	Concurrency int `yaml:"concurrency"`

	// Result cache TTL. Zero disables caching.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// DefaultServiceConfig returns sensible defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Chains:      []string{"sol", "bsc"},
		Concurrency: 3,
	}
}

// SearchResult is the merged, filtered and ranked answer for one symbol.
type SearchResult struct {
	Symbol string            `json:"symbol"`
	Tokens []token.Candidate `json:"tokens"`
	// TimeTaken is the floor average of the succeeding chains' reported latency.
	TimeTaken int64    `json:"time_taken"`
	Chains    []string `json:"chains"` // chains that answered
}

// Top returns the highest ranked candidate.
func (r *SearchResult) Top() (token.Candidate, bool) {
	if r == nil || len(r.Tokens) == 0 {
		return token.Candidate{}, false
	}
	return r.Tokens[0], true
}

// Service searches symbols across chains. Safe for concurrent use.
type Service struct {
	config    ServiceConfig
	searcher  Searcher
	sanitizer *Sanitizer
	cache     *cache.Cache

	// Stats.
	searches     atomic.Int64
	noResults    atomic.Int64
	chainErrors  atomic.Int64
	cacheHits    atomic.Int64
	inFlight     atomic.Int64
	peakInFlight atomic.Int64
}

// NewService creates a search service.
func NewService(config ServiceConfig, searcher Searcher, sanitizer *Sanitizer) *Service {
	if len(config.Chains) == 0 {
		config.Chains = DefaultServiceConfig().Chains
	}
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultServiceConfig().Concurrency
	}
	s := &Service{
		config:    config,
		searcher:  searcher,
		sanitizer: sanitizer,
	}
	if config.CacheTTL > 0 {
		s.cache = cache.New(config.CacheTTL, 2*config.CacheTTL)
	}
	return s
}

// SearchToken queries every configured chain concurrently. A failing chain is
// logged and skipped; only when all chains fail is ErrNoResult returned.
// Candidates are unioned without cross-chain de-duplication, then filtered
// and ranked.
func (s *Service) SearchToken(ctx context.Context, symbol string) (*SearchResult, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return nil, fmt.Errorf("scanner: empty symbol: %w", ErrNoResult)
	}
	if s.cache != nil {
		if v, ok := s.cache.Get(cacheKey(symbol)); ok {
			s.cacheHits.Add(1)
			return v.(*SearchResult), nil
		}
	}

	s.searches.Add(1)
	start := time.Now()

	results := make([]*ChainResult, len(s.config.Chains))
	errs := make([]error, len(s.config.Chains))

	var wg sync.WaitGroup
	for i, chain := range s.config.Chains {
		wg.Add(1)
		go func(i int, chain string) {
			defer wg.Done()
			results[i], errs[i] = s.searcher.Search(ctx, chain, symbol)
		}(i, chain)
	}
	wg.Wait()

	var (
		all       []token.Candidate
		totalTime int64
		answered  []string
	)
	for i, chain := range s.config.Chains {
		if errs[i] != nil || results[i] == nil {
			s.chainErrors.Add(1)
			log.Warn().Err(errs[i]).Str("chain", chain).Str("symbol", symbol).Msg("scanner: chain search failed")
			continue
		}
		all = append(all, results[i].Tokens...)
		totalTime += results[i].TimeTaken
		answered = append(answered, chain)
	}

	if len(answered) == 0 {
		s.noResults.Add(1)
		return nil, fmt.Errorf("scanner: search %q: %w", symbol, ErrNoResult)
	}

	res := &SearchResult{
		Symbol:    symbol,
		Tokens:    s.sanitizer.Filter(all),
		TimeTaken: totalTime / int64(len(answered)),
		Chains:    answered,
	}

	log.Info().
		Str("symbol", symbol).
		Strs("chains", answered).
		Int("raw", len(all)).
		Int("kept", len(res.Tokens)).
		Dur("took", time.Since(start)).
		Msg("scanner: search complete")

	if s.cache != nil {
		s.cache.SetDefault(cacheKey(symbol), res)
	}
	return res, nil
}

// BatchSearch runs SearchToken for every distinct symbol with at most
// concurrency searches in flight (the configured default when <= 0).
// Symbols that produced no result are absent from the map.
func (s *Service) BatchSearch(ctx context.Context, symbols []string, concurrency int) map[string]*SearchResult {
	if concurrency <= 0 {
		concurrency = s.config.Concurrency
	}

	seen := make(map[string]bool, len(symbols))
	sem := make(chan struct{}, concurrency)

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[string]*SearchResult)
	)
	for _, sym := range symbols {
		sym = strings.TrimSpace(sym)
		if sym == "" || seen[sym] {
			continue
		}
		seen[sym] = true

		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()
			if ctx.Err() != nil {
				return
			}

			s.trackInFlight(1)
			defer s.trackInFlight(-1)

			res, err := s.SearchToken(ctx, sym)
			if err != nil {
				log.Warn().Err(err).Str("symbol", sym).Msg("scanner: symbol search failed")
				return
			}
			mu.Lock()
			out[sym] = res
			mu.Unlock()
		}(sym)
	}
	wg.Wait()
	return out
}

func (s *Service) trackInFlight(delta int64) {
	n := s.inFlight.Add(delta)
	for {
		peak := s.peakInFlight.Load()
		if n <= peak || s.peakInFlight.CompareAndSwap(peak, n) {
			return
		}
	}
}

func cacheKey(symbol string) string {
	return strings.ToLower(symbol)
}

// ServiceStats returns search statistics.
type ServiceStats struct {
	Searches     int64          `json:"searches"`
	NoResults    int64          `json:"no_results"`
	ChainErrors  int64          `json:"chain_errors"`
	CacheHits    int64          `json:"cache_hits"`
	PeakInFlight int64          `json:"peak_in_flight"`
	Sanitizer    SanitizerStats `json:"sanitizer"`
}

func (s *Service) Stats() ServiceStats {
	return ServiceStats{
		Searches:     s.searches.Load(),
		NoResults:    s.noResults.Load(),
		ChainErrors:  s.chainErrors.Load(),
		CacheHits:    s.cacheHits.Load(),
		PeakInFlight: s.peakInFlight.Load(),
		Sanitizer:    s.sanitizer.Stats(),
	}
}
