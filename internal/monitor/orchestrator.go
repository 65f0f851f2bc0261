package monitor

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/simons-freedom/X-monitor/internal/adapters"
	"github.com/simons-freedom/X-monitor/internal/audit"
	"github.com/simons-freedom/X-monitor/internal/classifier"
	"github.com/simons-freedom/X-monitor/internal/observability"
	"github.com/simons-freedom/X-monitor/internal/risk"
	"github.com/simons-freedom/X-monitor/internal/scanner"
	"github.com/simons-freedom/X-monitor/internal/token"
)

// ---------------------------------------------------------------------------
// Trade Orchestrator: message -> symbols -> candidates -> decision -> trade
// ---------------------------------------------------------------------------

// Searcher resolves symbols to ranked candidates.
type Searcher interface {
	BatchSearch(ctx context.Context, symbols []string, concurrency int) map[string]*scanner.SearchResult
}

// Trader executes a buy and reports the outcome. Trade never fails; errors
// are carried in the outcome.
type Trader interface {
	Trade(ctx context.Context, chain, token, symbol string, amountUSD decimal.Decimal) adapters.TradeOutcome
}

// Config configures the orchestrator.
type Config struct {
	// TradingEnabled gates every buy. Disabled runs still notify.
	TradingEnabled bool `yaml:"trading_enabled"`

	// Symbol searches in flight per message.
	SearchConcurrency int `yaml:"search_concurrency"`

	// Notional per buy. Zero uses the trader's default.
	TradeAmountUSD float64 `yaml:"trade_amount_usd"`
}

// DefaultConfig returns safe defaults: trading off.
func DefaultConfig() Config {
	return Config{SearchConcurrency: 3}
}

// Orchestrator runs the per-message pipeline. Safe for concurrent use.
type Orchestrator struct {
	config     Config
	classifier classifier.Classifier
	searcher   Searcher
	policy     *risk.Policy
	trader     Trader
	notifier   Notifier
	journal    *audit.Journal
	metrics    *observability.MonitorMetrics

	// Stats.
	processed      atomic.Int64
	failed         atomic.Int64
	withSymbols    atomic.Int64
	notified       atomic.Int64
	notifyFailures atomic.Int64
	tradesExecuted atomic.Int64
	tradesFailed   atomic.Int64
}

// Deps groups the orchestrator's collaborators. Trader may be nil when
// trading is disabled; Journal, Metrics and Notifier are optional.
type Deps struct {
	Classifier classifier.Classifier
	Searcher   Searcher
	Policy     *risk.Policy
	Trader     Trader
	Notifier   Notifier
	Journal    *audit.Journal
	Metrics    *observability.MonitorMetrics
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(config Config, deps Deps) *Orchestrator {
	if config.SearchConcurrency <= 0 {
		config.SearchConcurrency = DefaultConfig().SearchConcurrency
	}
	if deps.Policy == nil {
		deps.Policy = risk.New(risk.DefaultConfig())
	}
	if deps.Notifier == nil {
		deps.Notifier = LogNotifier{}
	}
	if config.TradingEnabled && deps.Trader == nil {
		log.Warn().Msg("monitor: trading enabled without a trader, buys disabled")
		config.TradingEnabled = false
	}
	return &Orchestrator{
		config:     config,
		classifier: deps.Classifier,
		searcher:   deps.Searcher,
		policy:     deps.Policy,
		trader:     deps.Trader,
		notifier:   deps.Notifier,
		journal:    deps.Journal,
		metrics:    deps.Metrics,
	}
}

// Policy returns the trade policy so callers can pause or resume trading.
func (o *Orchestrator) Policy() *risk.Policy { return o.policy }

// Process classifies msg, looks up every symbol it yields, trades the top
// candidate of each symbol when allowed and hands the artifact to the
// notifier. A message without symbols yields a nil artifact and no error.
func (o *Orchestrator) Process(ctx context.Context, msg Message) (*Artifact, error) {
	if err := msg.Validate(); err != nil {
		o.failed.Add(1)
		return nil, err
	}
	o.processed.Add(1)
	if o.metrics != nil {
		o.metrics.MessageReceived()
	}

	traceID := uuid.NewString()
	logger := log.With().Str("trace_id", traceID).Str("author", msg.Author()).Logger()
	logger.Info().Str("push_type", msg.PushType).Str("content", excerpt(msg.Content, 100)).Msg("monitor: processing message")

	specs, err := o.classifier.Classify(ctx, msg.Text())
	if err != nil {
		o.failed.Add(1)
		o.classified("error")
		return nil, fmt.Errorf("monitor: classify with %s: %w", o.classifier.Name(), err)
	}
	symbols := classifier.Symbols(specs)
	if o.journal != nil {
		o.journal.RecordMessage(traceID, msg, symbols)
	}
	if len(symbols) == 0 {
		o.classified("empty")
		logger.Info().Msg("monitor: no tokens in message")
		return nil, nil
	}
	o.classified("ok")
	o.withSymbols.Add(1)
	logger.Info().Strs("symbols", symbols).Msg("monitor: tokens spotted")

	start := time.Now()
	results := o.searcher.BatchSearch(ctx, symbols, o.config.SearchConcurrency)
	o.recordSearches(symbols, results, time.Since(start))

	art := &Artifact{
		TraceID:   traceID,
		Title:     "Trade notification",
		Symbols:   symbols,
		CreatedAt: time.Now().UTC(),
	}

	found := make(map[string]token.Candidate, len(symbols))
	traded := make(map[string]bool)
	for _, sym := range symbols {
		// Only the top-ranked entry per symbol is considered.
		top, ok := results[sym].Top()
		if !ok {
			continue
		}
		found[sym] = top
		art.Tokens = append(art.Tokens, top)
		art.Buttons = append(art.Buttons, BuyButton(top))

		key := strings.ToLower(top.Chain) + ":" + top.Address
		if !o.config.TradingEnabled || traded[key] {
			continue
		}
		traded[key] = true

		outcome, decision, attempted := o.maybeTrade(ctx, traceID, top)
		art.Decisions = append(art.Decisions, decision)
		if !attempted {
			continue
		}
		art.Outcomes = append(art.Outcomes, outcome)
		if btn, ok := TxButton(outcome); ok {
			art.Buttons = append(art.Buttons, btn)
		}
	}

	art.Text = renderSummary(msg, symbols, found, classifier.Reasons(specs), art.Outcomes)

	if err := o.notifier.Notify(ctx, art); err != nil {
		o.notifyFailures.Add(1)
		logger.Error().Err(err).Msg("monitor: notification failed")
	} else {
		o.notified.Add(1)
	}
	return art, nil
}

// maybeTrade consults the policy and, when allowed, buys c with the
// configured notional.
func (o *Orchestrator) maybeTrade(ctx context.Context, traceID string, c token.Candidate) (adapters.TradeOutcome, risk.Decision, bool) {
	decision := o.policy.ShouldTrade(c)
	if o.journal != nil {
		o.journal.RecordDecision(traceID, decision)
	}
	if o.metrics != nil {
		o.metrics.Decided(c.Chain, decision.Allowed)
	}
	if !decision.Allowed {
		log.Info().
			Str("trace_id", traceID).
			Str("symbol", c.Symbol).
			Str("chain", c.Chain).
			Strs("reasons", decision.ReasonCodes).
			Msg("monitor: trade denied")
		return adapters.TradeOutcome{}, decision, false
	}

	chain := strings.ToLower(c.Chain)
	outcome := o.trader.Trade(ctx, chain, c.Address, c.Symbol, decimal.NewFromFloat(o.config.TradeAmountUSD))
	if outcome.Executed() {
		o.tradesExecuted.Add(1)
	} else {
		o.tradesFailed.Add(1)
	}
	if o.journal != nil {
		o.journal.RecordTrade(traceID, outcome)
	}
	if o.metrics != nil {
		o.metrics.Traded(chain, outcome.Executed(), time.Duration(outcome.LatencyMs)*time.Millisecond)
	}
	return outcome, decision, true
}

func (o *Orchestrator) classified(outcome string) {
	if o.metrics != nil {
		o.metrics.Classified(outcome)
	}
}

func (o *Orchestrator) recordSearches(symbols []string, results map[string]*scanner.SearchResult, took time.Duration) {
	if o.metrics == nil {
		return
	}
	for _, sym := range symbols {
		var err error
		if results[sym] == nil {
			err = scanner.ErrNoResult
		}
		o.metrics.Searched(took, err)
	}
}

// Stats is the orchestrator snapshot exposed on /stats.
type Stats struct {
	Processed      int64      `json:"processed"`
	Failed         int64      `json:"failed"`
	WithSymbols    int64      `json:"with_symbols"`
	Notified       int64      `json:"notified"`
	NotifyFailures int64      `json:"notify_failures"`
	TradesExecuted int64      `json:"trades_executed"`
	TradesFailed   int64      `json:"trades_failed"`
	TradingEnabled bool       `json:"trading_enabled"`
	Policy         risk.Stats `json:"policy"`
}

func (o *Orchestrator) Stats() Stats {
	return Stats{
		Processed:      o.processed.Load(),
		Failed:         o.failed.Load(),
		WithSymbols:    o.withSymbols.Load(),
		Notified:       o.notified.Load(),
		NotifyFailures: o.notifyFailures.Load(),
		TradesExecuted: o.tradesExecuted.Load(),
		TradesFailed:   o.tradesFailed.Load(),
		TradingEnabled: o.config.TradingEnabled,
		Policy:         o.policy.Stats(),
	}
}
