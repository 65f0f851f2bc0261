package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/simons-freedom/X-monitor/internal/adapters"
	"github.com/simons-freedom/X-monitor/internal/adapters/evm"
	"github.com/simons-freedom/X-monitor/internal/adapters/jupiter"
	"github.com/simons-freedom/X-monitor/internal/attest"
	"github.com/simons-freedom/X-monitor/internal/config"
	"github.com/simons-freedom/X-monitor/internal/solana"
)

// ---------------------------------------------------------------------------
// Chain Registry: owns one adapter per configured chain and routes buys
// ---------------------------------------------------------------------------

// Factory builds the adapter for a chain. Construction must not do I/O.
type Factory func(chain adapters.ChainConfig) (adapters.SwapAdapter, error)

// Option customizes a Registry.
type Option func(*Registry)

// WithFactory replaces the default evm/jupiter adapter construction.
func WithFactory(f Factory) Option {
	return func(r *Registry) { r.factory = f }
}

// Registry maps chain ids to adapters. Safe for concurrent use.
type Registry struct {
	chains  map[string]adapters.ChainConfig
	trader  config.TraderConfig
	keys    map[string]string
	factory Factory

	mu       sync.RWMutex
	adapters map[string]adapters.SwapAdapter
	ready    map[string]bool
	initMu   map[string]*sync.Mutex

	buysAttempted atomic.Int64
	buysSucceeded atomic.Int64
	buysFailed    atomic.Int64
}

// New builds the registry from configuration. Adapters are constructed but
// not initialized; call InitializeChains.
func New(cfg *config.Config, prices adapters.PriceSource, attestor *attest.Attestor, opts ...Option) *Registry {
	r := &Registry{
		chains:   MergeChains(BaseChains(), cfg.Chains),
		trader:   cfg.Trader,
		keys:     make(map[string]string),
		adapters: make(map[string]adapters.SwapAdapter),
		ready:    make(map[string]bool),
		initMu:   make(map[string]*sync.Mutex),
	}
	r.factory = defaultFactory(cfg, prices, attestor)
	for _, opt := range opts {
		opt(r)
	}

	for _, id := range sortedKeys(r.chains) {
		r.keys[id] = cfg.PrivateKey(id)
		r.initMu[id] = &sync.Mutex{}

		a, err := r.factory(r.chains[id])
		if err != nil {
			log.Error().Err(err).Str("chain", id).Msg("registry: adapter construction failed")
			continue
		}
		r.adapters[id] = a
	}

	log.Info().Strs("chains", sortedKeys(r.adapters)).Msg("registry: chains configured")
	return r
}

func defaultFactory(cfg *config.Config, prices adapters.PriceSource, attestor *attest.Attestor) Factory {
	t := cfg.Trader
	return func(chain adapters.ChainConfig) (adapters.SwapAdapter, error) {
		switch chain.Kind {
		case adapters.KindEVM:
			return evm.New(evm.Config{
				Chain:              chain,
				GasPriceMultiplier: t.GasPriceMultiplier,
				SlippageTolerance:  t.SlippageTolerance,
				EnforceMinOut:      t.EnforceMinOut,
				IdentityKey:        cfg.PrivateKey(chain.ID),
			}, prices, attestor), nil

		case adapters.KindSolana:
			rpc := solana.NewLiveRPCClient(solana.RPCConfig{
				Endpoint:   chain.RPCURL,
				WSEndpoint: chain.WSURL,
				Timeout:    t.RequestTimeout,
			})
			api := jupiter.NewAPIClient(jupiter.APIConfig{
				BaseURL: chain.Router,
				Timeout: t.RequestTimeout,
			})
			confirmer := solana.NewConfirmer(rpc, solana.ConfirmConfig{
				WSEndpoint: chain.WSURL,
				Commitment: solana.CommitmentConfirmed,
				Timeout:    t.ConfirmTimeout,
			})
			return jupiter.New(jupiter.Config{
				Chain:       chain,
				SlippageBps: SlippageBps(t.SlippageTolerance),
				IdentityKey: cfg.PrivateKey(chain.ID),
			}, rpc, api, prices, attestor, confirmer), nil
		}
		return nil, fmt.Errorf("registry: chain %s has unsupported kind %q: %w", chain.ID, chain.Kind, adapters.ErrConfiguration)
	}
}

// SlippageBps converts a percent tolerance to basis points, truncating.
func SlippageBps(tolerancePct float64) int {
	return int(decimal.NewFromFloat(tolerancePct).Mul(decimal.NewFromInt(100)).IntPart())
}

// InitializeChains initializes every configured chain concurrently and
// returns the ids that became ready. Failures are logged, not returned.
func (r *Registry) InitializeChains(ctx context.Context) []string {
	var wg sync.WaitGroup
	for _, id := range sortedKeys(r.adapters) {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := r.ensureReady(ctx, id); err != nil {
				log.Warn().Err(err).Str("chain", id).Str("kind", adapters.ErrorKind(err)).Msg("registry: chain not ready")
			}
		}(id)
	}
	wg.Wait()

	ready := r.Ready()
	log.Info().Strs("ready", ready).Int("configured", len(r.adapters)).Msg("registry: chains initialized")
	return ready
}

// ensureReady initializes a chain once. Concurrent callers for the same
// chain wait on its init lock instead of initializing twice.
func (r *Registry) ensureReady(ctx context.Context, chain string) error {
	r.mu.RLock()
	a, ok := r.adapters[chain]
	ready := r.ready[chain]
	lock := r.initMu[chain]
	r.mu.RUnlock()
	if !ok {
		if _, configured := r.chains[chain]; configured {
			return fmt.Errorf("registry: chain %q has no adapter: %w", chain, adapters.ErrConfiguration)
		}
		return fmt.Errorf("registry: chain %q: %w", chain, adapters.ErrUnknownChain)
	}
	if ready {
		return nil
	}

	lock.Lock()
	defer lock.Unlock()

	r.mu.RLock()
	ready = r.ready[chain]
	r.mu.RUnlock()
	if ready {
		return nil
	}

	start := time.Now()
	if err := a.Initialize(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	r.ready[chain] = true
	r.mu.Unlock()
	log.Info().Str("chain", chain).Dur("took", time.Since(start)).Msg("registry: chain ready")
	return nil
}

// Buy spends amountUSD of chain's native asset on token. A non-positive
// amount uses the configured default; amounts above the configured maximum
// are capped.
func (r *Registry) Buy(ctx context.Context, chain, token string, amountUSD decimal.Decimal) (string, error) {
	if _, ok := r.chains[chain]; !ok {
		return "", fmt.Errorf("registry: chain %q: %w", chain, adapters.ErrUnknownChain)
	}
	if err := r.ensureReady(ctx, chain); err != nil {
		return "", err
	}

	key := r.keys[chain]
	if key == "" {
		return "", fmt.Errorf("registry: no private key for %s: %w", chain, adapters.ErrConfiguration)
	}

	r.mu.RLock()
	a := r.adapters[chain]
	r.mu.RUnlock()
	return a.BuildAndSubmitSwap(ctx, token, r.TradeAmount(amountUSD), key)
}

// TradeAmount applies the default and the cap to a requested notional.
func (r *Registry) TradeAmount(amountUSD decimal.Decimal) decimal.Decimal {
	if !amountUSD.IsPositive() {
		amountUSD = decimal.NewFromFloat(r.trader.DefaultTradeAmountUSD)
	}
	if r.trader.MaxTradeAmountUSD > 0 {
		limit := decimal.NewFromFloat(r.trader.MaxTradeAmountUSD)
		if amountUSD.GreaterThan(limit) {
			log.Warn().Str("requested", amountUSD.String()).Str("max", limit.String()).Msg("registry: trade amount capped")
			amountUSD = limit
		}
	}
	return amountUSD
}

// Trade runs Buy and records the result. It never fails: errors are
// captured in the outcome.
func (r *Registry) Trade(ctx context.Context, chain, token, symbol string, amountUSD decimal.Decimal) adapters.TradeOutcome {
	start := time.Now()
	r.buysAttempted.Add(1)

	outcome := adapters.TradeOutcome{
		TraceID:   uuid.NewString(),
		Chain:     chain,
		Token:     token,
		Symbol:    symbol,
		AmountUSD: r.TradeAmount(amountUSD),
		At:        start.UTC(),
	}

	hash, err := r.Buy(ctx, chain, token, amountUSD)
	outcome.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		r.buysFailed.Add(1)
		outcome.Error = err.Error()
		log.Warn().
			Err(err).
			Str("trace_id", outcome.TraceID).
			Str("chain", chain).
			Str("symbol", symbol).
			Str("kind", adapters.ErrorKind(err)).
			Msg("registry: trade failed")
		return outcome
	}

	r.buysSucceeded.Add(1)
	outcome.TxHash = hash
	outcome.ExplorerURL = r.ExplorerURL(chain, hash)
	log.Info().
		Str("trace_id", outcome.TraceID).
		Str("chain", chain).
		Str("symbol", symbol).
		Str("tx", hash).
		Int64("latency_ms", outcome.LatencyMs).
		Msg("registry: trade executed")
	return outcome
}

// ExplorerURL formats a transaction link for chain. Unknown chains and empty
// hashes yield "".
func (r *Registry) ExplorerURL(chain, txHash string) string {
	cc, ok := r.chains[chain]
	if !ok {
		if base, ok := BaseChains()[chain]; ok {
			return base.ExplorerURL(txHash)
		}
		return ""
	}
	return cc.ExplorerURL(txHash)
}

// Configured returns the configured chain ids, sorted.
func (r *Registry) Configured() []string {
	return sortedKeys(r.chains)
}

// Ready returns the initialized chain ids, sorted.
func (r *Registry) Ready() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.ready))
	for _, id := range sortedKeys(r.ready) {
		if r.ready[id] {
			out = append(out, id)
		}
	}
	return out
}

// Close releases adapter resources.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.adapters {
		if c, ok := a.(interface{ Close() }); ok {
			c.Close()
		}
	}
}

// Stats is the registry snapshot exposed on /stats.
type Stats struct {
	Configured    []string         `json:"configured"`
	Ready         []string         `json:"ready"`
	BuysAttempted int64            `json:"buys_attempted"`
	BuysSucceeded int64            `json:"buys_succeeded"`
	BuysFailed    int64            `json:"buys_failed"`
	Adapters      []adapters.Stats `json:"adapters"`
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	var per []adapters.Stats
	for _, id := range sortedKeys(r.adapters) {
		if sr, ok := r.adapters[id].(adapters.StatsReporter); ok {
			per = append(per, sr.Stats())
		}
	}
	r.mu.RUnlock()

	return Stats{
		Configured:    r.Configured(),
		Ready:         r.Ready(),
		BuysAttempted: r.buysAttempted.Load(),
		BuysSucceeded: r.buysSucceeded.Load(),
		BuysFailed:    r.buysFailed.Load(),
		Adapters:      per,
	}
}
