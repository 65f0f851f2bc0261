package risk

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/simons-freedom/X-monitor/internal/token"
)

// Reason codes carried in a Decision. Details follow the code after a colon.
const (
	ReasonPaused          = "TRADING_PAUSED"
	ReasonLiquidity       = "LIQUIDITY_BELOW_MIN"
	ReasonPriceChange     = "PRICE_CHANGE_1H"
	ReasonEvaluationError = "EVALUATION_ERROR"
)

// Policy decides whether a ranked candidate may be bought.
// Any failure while evaluating rejects the candidate.
//
// Pause is atomic and checked first, so the control plane can stop buys
// without taking the lock.
type Policy struct {
	config Config
	mu     sync.RWMutex

	paused      atomic.Bool
	pauseReason atomic.Value // string

	// Metrics
	allowed atomic.Int64
	denied  atomic.Int64
	errors  atomic.Int64
	pauses  atomic.Int64
}

// Config holds policy thresholds.
type Config struct {
	MinLiquidityUSD  float64 `yaml:"min_liquidity_usd"`
	MaxPriceChange1h float64 `yaml:"max_price_change_1h"` // percent
}

// DefaultConfig returns production thresholds.
func DefaultConfig() Config {
	return Config{
		MinLiquidityUSD:  10000,
		MaxPriceChange1h: 20,
	}
}

// Decision is the verdict for one candidate. Derived, never persisted.
type Decision struct {
	Chain       string   `json:"chain"`
	Address     string   `json:"address"`
	Symbol      string   `json:"symbol"`
	Allowed     bool     `json:"allowed"`
	ReasonCodes []string `json:"reason_codes,omitempty"`
	Timestamp   int64    `json:"ts"`
}

// New creates a policy.
func New(cfg Config) *Policy {
	return &Policy{config: cfg}
}

// ShouldTrade evaluates c against the thresholds.
func (p *Policy) ShouldTrade(c token.Candidate) (d Decision) {
	d = Decision{
		Chain:     c.Chain,
		Address:   c.Address,
		Symbol:    c.Symbol,
		Allowed:   true,
		Timestamp: time.Now().UnixMicro(),
	}

	defer func() {
		if r := recover(); r != nil {
			p.errors.Add(1)
			d.Allowed = false
			d.ReasonCodes = []string{fmt.Sprintf("%s:%v", ReasonEvaluationError, r)}
		}
		p.record(d)
	}()

	if p.paused.Load() {
		d.Allowed = false
		d.ReasonCodes = append(d.ReasonCodes, ReasonPaused)
		return d
	}

	p.mu.RLock()
	cfg := p.config
	p.mu.RUnlock()

	minLiq := decimal.NewFromFloat(cfg.MinLiquidityUSD)
	if !c.Liquidity.Valid {
		d.Allowed = false
		d.ReasonCodes = append(d.ReasonCodes, ReasonLiquidity+":liquidity=unknown")
	} else if c.Liquidity.LessThan(minLiq) {
		d.Allowed = false
		d.ReasonCodes = append(d.ReasonCodes,
			fmt.Sprintf("%s:liquidity=%s,min=%s", ReasonLiquidity, c.Liquidity.StringFixed(2), minLiq.StringFixed(2)))
	}

	// Only checked when a 1h reference price exists.
	if c.Price1h.Valid && !c.Price1h.IsZero() {
		change, ok := c.PriceChange(c.Price1h)
		if !ok {
			p.errors.Add(1)
			d.Allowed = false
			d.ReasonCodes = []string{ReasonEvaluationError + ":current price missing"}
			return d
		}
		limit := decimal.NewFromFloat(cfg.MaxPriceChange1h)
		if change.Abs().GreaterThan(limit) {
			d.Allowed = false
			d.ReasonCodes = append(d.ReasonCodes,
				fmt.Sprintf("%s:change=%s%%,limit=%s%%", ReasonPriceChange, change.StringFixed(2), limit.String()))
		}
	}

	return d
}

func (p *Policy) record(d Decision) {
	if d.Allowed {
		p.allowed.Add(1)
		log.Debug().Str("symbol", d.Symbol).Str("chain", d.Chain).Msg("policy: ALLOW")
		return
	}
	p.denied.Add(1)
	log.Info().Str("symbol", d.Symbol).Str("chain", d.Chain).Strs("reasons", d.ReasonCodes).Msg("policy: DENY")
}

// SetConfig replaces the thresholds.
func (p *Policy) SetConfig(cfg Config) {
	p.mu.Lock()
	p.config = cfg
	p.mu.Unlock()
}

// Pause rejects every candidate until Resume.
func (p *Policy) Pause(reason string) {
	p.pauseReason.Store(reason)
	if !p.paused.Swap(true) {
		p.pauses.Add(1)
	}
	log.Warn().Str("reason", reason).Msg("policy: trading paused")
}

// Resume lifts a pause.
func (p *Policy) Resume() {
	p.paused.Store(false)
	p.pauseReason.Store("")
	log.Info().Msg("policy: trading resumed")
}

// IsActive reports whether buys are currently permitted.
func (p *Policy) IsActive() bool {
	return !p.paused.Load()
}

// Stats is the policy snapshot exposed on /stats.
type Stats struct {
	Paused      bool    `json:"paused"`
	PauseReason string  `json:"pause_reason,omitempty"`
	Allowed     int64   `json:"allowed_total"`
	Denied      int64   `json:"denied_total"`
	Errors      int64   `json:"evaluation_errors_total"`
	Pauses      int64   `json:"pauses_total"`
	MinLiqUSD   float64 `json:"min_liquidity_usd"`
	MaxChange1h float64 `json:"max_price_change_1h"`
}

func (p *Policy) Stats() Stats {
	p.mu.RLock()
	cfg := p.config
	p.mu.RUnlock()
	reason, _ := p.pauseReason.Load().(string)
	return Stats{
		Paused:      p.paused.Load(),
		PauseReason: reason,
		Allowed:     p.allowed.Load(),
		Denied:      p.denied.Load(),
		Errors:      p.errors.Load(),
		Pauses:      p.pauses.Load(),
		MinLiqUSD:   cfg.MinLiquidityUSD,
		MaxChange1h: cfg.MaxPriceChange1h,
	}
}
