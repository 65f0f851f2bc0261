package scanner

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/simons-freedom/X-monitor/internal/token"
)

// ---------------------------------------------------------------------------
// Safety Sanitizer: drops unsafe candidates and ranks the rest by volume.
// Pure and in-memory, no external calls.
// ---------------------------------------------------------------------------

// SanitizerConfig configures the safety filter.
type SanitizerConfig struct {
	// Minimum 24h volume in quote currency.
	MinVolumeUSD float64 `yaml:"min_volume_usd"`

	// Maximum share of supply held by the top 10 holders (0.30 = 30%).
	MaxTop10HolderRate float64 `yaml:"max_top10_holder_rate"`
}

// DefaultSanitizerConfig returns production defaults.
func DefaultSanitizerConfig() SanitizerConfig {
	return SanitizerConfig{
		MinVolumeUSD:       5000,
		MaxTop10HolderRate: 0.30,
	}
}

// Filter names used in drop counters and logs.
const (
	FilterAlert     = "alert"
	FilterHoneypot  = "honeypot"
	FilterOwnership = "ownership"
	FilterHolders   = "holder_concentration"
	FilterVolume    = "volume"
)

// Sanitizer applies the safety filter. Safe for concurrent use.
type Sanitizer struct {
	config SanitizerConfig

	// Stats.
	totalChecked atomic.Int64
	totalPassed  atomic.Int64
	totalDropped atomic.Int64
	filterCounts sync.Map // filter_name -> *atomic.Int64
}

// NewSanitizer creates a new sanitizer.
func NewSanitizer(config SanitizerConfig) *Sanitizer {
	if config.MaxTop10HolderRate <= 0 {
		config.MaxTop10HolderRate = DefaultSanitizerConfig().MaxTop10HolderRate
	}
	return &Sanitizer{config: config}
}

// Check returns the name of the first filter that rejects c, or "" if c passes.
func (s *Sanitizer) Check(c token.Candidate) string {
	if c.IsShowAlert.IsTrue() {
		return FilterAlert
	}
	if c.IsHoneypot.IsTrue() {
		return FilterHoneypot
	}
	// Unknown ownership passes; only an explicit false is dropped.
	if c.Renounced.IsFalse() {
		return FilterOwnership
	}
	if c.Top10HolderRate.Valid && c.Top10HolderRate.GreaterThan(decimal.NewFromFloat(s.config.MaxTop10HolderRate)) {
		return FilterHolders
	}
	if !c.Volume24h.Valid || c.Volume24h.LessThan(decimal.NewFromFloat(s.config.MinVolumeUSD)) {
		return FilterVolume
	}
	return ""
}

// Filter drops unsafe candidates and returns the survivors sorted by
// descending 24h volume. Equal volumes keep their input order. The input
// slice is not modified.
func (s *Sanitizer) Filter(candidates []token.Candidate) []token.Candidate {
	safe := make([]token.Candidate, 0, len(candidates))
	for _, c := range candidates {
		s.totalChecked.Add(1)
		if filter := s.Check(c); filter != "" {
			s.recordDrop(filter, c)
			continue
		}
		s.totalPassed.Add(1)
		safe = append(safe, c)
	}

	Rank(safe)

	if len(candidates) > 0 {
		log.Debug().Int("in", len(candidates)).Int("out", len(safe)).Msg("sanitizer: filtered candidates")
	}
	return safe
}

// Rank sorts candidates in place by descending 24h volume. Stable.
func Rank(candidates []token.Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Volume24h.GreaterThan(candidates[j].Volume24h.Decimal)
	})
}

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

func (s *Sanitizer) recordDrop(filterName string, c token.Candidate) {
	s.totalDropped.Add(1)
	val, _ := s.filterCounts.LoadOrStore(filterName, &atomic.Int64{})
	val.(*atomic.Int64).Add(1)
	log.Debug().
		Str("filter", filterName).
		Str("symbol", c.Symbol).
		Str("chain", c.Chain).
		Str("address", c.Address).
		Msg("sanitizer: token dropped")
}

// SanitizerStats returns sanitizer statistics.
type SanitizerStats struct {
	TotalChecked int64            `json:"total_checked"`
	TotalPassed  int64            `json:"total_passed"`
	TotalDropped int64            `json:"total_dropped"`
	PassRate     float64          `json:"pass_rate_pct"`
	FilterCounts map[string]int64 `json:"filter_counts"`
}

func (s *Sanitizer) Stats() SanitizerStats {
	checked := s.totalChecked.Load()
	passed := s.totalPassed.Load()
	passRate := 0.0
	if checked > 0 {
		passRate = float64(passed) / float64(checked) * 100
	}

	counts := make(map[string]int64)
	s.filterCounts.Range(func(key, value any) bool {
		counts[key.(string)] = value.(*atomic.Int64).Load()
		return true
	})

	return SanitizerStats{
		TotalChecked: checked,
		TotalPassed:  passed,
		TotalDropped: s.totalDropped.Load(),
		PassRate:     passRate,
		FilterCounts: counts,
	}
}
