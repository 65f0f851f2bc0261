package jupiter

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/simons-freedom/X-monitor/internal/adapters"
	"github.com/simons-freedom/X-monitor/internal/attest"
	"github.com/simons-freedom/X-monitor/internal/solana"
)

// ---------------------------------------------------------------------------
// Jupiter DEX Adapter: SOL -> token buys on Solana via the Jupiter aggregator
// ---------------------------------------------------------------------------

// Config configures the Jupiter adapter.
type Config struct {
	Chain       adapters.ChainConfig
	SlippageBps int
	// IdentityKey is the wallet used for endpoint attestation. Buys sign
	// with the key passed to BuildAndSubmitSwap.
	IdentityKey string
	SendOptions solana.SendOptions
}

// Adapter implements adapters.SwapAdapter for Solana.
type Adapter struct {
	config    Config
	rpc       solana.RPCClient
	api       *APIClient
	prices    adapters.PriceSource
	attestor  *attest.Attestor
	confirmer *solana.Confirmer

	mu          sync.RWMutex
	initialized bool

	// Stats.
	swapsExecuted atomic.Int64
	swapsFailed   atomic.Int64
	lastSwapTime  atomic.Int64
}

var _ adapters.SwapAdapter = (*Adapter)(nil)

// New creates a Solana adapter. attestor and confirmer may be nil.
func New(config Config, rpc solana.RPCClient, api *APIClient, prices adapters.PriceSource,
	attestor *attest.Attestor, confirmer *solana.Confirmer) *Adapter {
	if config.SendOptions.PreflightCommitment == "" {
		config.SendOptions = solana.DefaultSendOptions()
	}
	return &Adapter{
		config:    config,
		rpc:       rpc,
		api:       api,
		prices:    prices,
		attestor:  attestor,
		confirmer: confirmer,
	}
}

func (a *Adapter) Chain() string { return a.config.Chain.ID }

// Initialize checks RPC liveness and runs endpoint attestation.
func (a *Adapter) Initialize(ctx context.Context) error {
	if err := a.rpc.Health(ctx); err != nil {
		return fmt.Errorf("jupiter: RPC health check failed: %v: %w", err, adapters.ErrConnectivity)
	}

	if a.attestor.Enabled() {
		if err := a.attest(ctx); err != nil {
			return err
		}
	}

	a.mu.Lock()
	a.initialized = true
	a.mu.Unlock()
	log.Info().Str("chain", a.Chain()).Str("rpc", a.config.Chain.RPCURL).Msg("jupiter: initialized")
	return nil
}

func (a *Adapter) attest(ctx context.Context) error {
	if a.config.IdentityKey == "" {
		log.Warn().Str("chain", a.Chain()).Msg("jupiter: no wallet configured, skipping attestation")
		return nil
	}
	key, err := ParsePrivateKey(a.config.IdentityKey)
	if err != nil {
		return fmt.Errorf("jupiter: %v: %w", err, adapters.ErrConfiguration)
	}
	bh, err := a.rpc.GetLatestBlockhash(ctx, solana.CommitmentFinalized)
	if err != nil {
		return fmt.Errorf("jupiter: blockhash for attestation: %v: %w", err, adapters.ErrConnectivity)
	}

	return a.attestor.Check(ctx, attest.Identity{
		Chain:     a.Chain(),
		PublicKey: key.PublicKey().String(),
		Nonce:     bh.Hash,
		Sign: func(msg []byte) (string, error) {
			sig, err := key.Sign(msg)
			if err != nil {
				return "", err
			}
			return sig.String(), nil
		},
	})
}

// BuildAndSubmitSwap spends amountUSD worth of SOL on token.
func (a *Adapter) BuildAndSubmitSwap(ctx context.Context, token string, amountUSD decimal.Decimal, key string) (string, error) {
	start := time.Now()
	sig, err := a.swap(ctx, token, amountUSD, key)
	if err != nil {
		a.swapsFailed.Add(1)
		log.Warn().
			Err(err).
			Str("chain", a.Chain()).
			Str("token", short(token)).
			Str("kind", adapters.ErrorKind(err)).
			Msg("jupiter: swap failed")
		return "", err
	}

	a.swapsExecuted.Add(1)
	a.lastSwapTime.Store(time.Now().UnixMilli())
	log.Info().
		Str("chain", a.Chain()).
		Str("token", short(token)).
		Str("sig", string(sig)).
		Str("amount_usd", amountUSD.StringFixed(2)).
		Int64("latency_ms", time.Since(start).Milliseconds()).
		Msg("jupiter: swap submitted")
	return string(sig), nil
}

func (a *Adapter) swap(ctx context.Context, token string, amountUSD decimal.Decimal, key string) (solana.Signature, error) {
	wallet, err := ParsePrivateKey(key)
	if err != nil {
		return "", fmt.Errorf("jupiter: %v: %w", err, adapters.ErrConfiguration)
	}

	// 1. Size the buy in lamports.
	price, err := a.prices.NativePrice(ctx, a.Chain())
	if err != nil {
		return "", err
	}
	lamports, err := Lamports(amountUSD, price)
	if err != nil {
		return "", err
	}

	// 2. Quote.
	quote, err := a.api.GetQuote(ctx, solana.SOLMint, solana.Pubkey(token), lamports, a.config.SlippageBps)
	if err != nil {
		return "", fmt.Errorf("%v: %w", err, adapters.ErrQuoteUnavailable)
	}

	// 3. Serialized swap.
	swapResp, err := a.api.BuildSwapTx(ctx, quote, wallet.PublicKey().String())
	if err != nil {
		return "", fmt.Errorf("%v: %w", err, adapters.ErrSwapBuild)
	}

	// 4. Decode and sign locally.
	txBase64, err := SignSwapTransaction(swapResp.SwapTransaction, wallet)
	if err != nil {
		return "", err
	}

	// 5. Submit.
	sig, err := a.rpc.SendTransaction(ctx, txBase64, a.config.SendOptions)
	if err != nil {
		return "", fmt.Errorf("jupiter: send: %v: %w", err, adapters.ErrSubmission)
	}

	// 6. Optional confirmation.
	if a.confirmer.Enabled() {
		st, err := a.confirmer.Await(ctx, sig)
		switch {
		case err != nil:
			log.Warn().Err(err).Str("sig", string(sig)).Msg("jupiter: confirmation not observed, returning signature")
		case st.Failed():
			return "", fmt.Errorf("jupiter: transaction %s failed on chain: %s: %w", sig, st.Err, adapters.ErrSubmission)
		}
	}

	return sig, nil
}

// ExplorerURL formats a Solscan link.
func (a *Adapter) ExplorerURL(txHash string) string {
	return a.config.Chain.ExplorerURL(txHash)
}

// Close releases the RPC client.
func (a *Adapter) Close() {
	if c, ok := a.rpc.(interface{ Close() }); ok {
		c.Close()
	}
}

// Lamports converts a USD notional to lamports at price, truncating.
func Lamports(amountUSD, price decimal.Decimal) (uint64, error) {
	if !price.IsPositive() {
		return 0, fmt.Errorf("jupiter: non-positive SOL price %s: %w", price, adapters.ErrPriceUnavailable)
	}
	lamports := amountUSD.Mul(decimal.NewFromInt(solana.LamportsPerSOL)).Div(price).Floor()
	if !lamports.IsPositive() {
		return 0, fmt.Errorf("jupiter: amount %s USD rounds to zero lamports: %w", amountUSD, adapters.ErrSwapBuild)
	}
	return uint64(lamports.IntPart()), nil
}

// SignSwapTransaction decodes a base64 transaction from the aggregator, signs
// every slot that belongs to wallet and re-encodes it.
func SignSwapTransaction(txBase64 string, wallet solanago.PrivateKey) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(txBase64)
	if err != nil {
		return "", fmt.Errorf("jupiter: decode swap transaction: %v: %w", err, adapters.ErrSwapBuild)
	}
	tx, err := solanago.TransactionFromBytes(raw)
	if err != nil {
		return "", fmt.Errorf("jupiter: parse swap transaction: %v: %w", err, adapters.ErrSwapBuild)
	}

	// The aggregator ships zeroed placeholder signatures; the wallet is the
	// only signer.
	tx.Signatures = nil

	pub := wallet.PublicKey()
	if _, err := tx.Sign(func(key solanago.PublicKey) *solanago.PrivateKey {
		if key.Equals(pub) {
			return &wallet
		}
		return nil
	}); err != nil {
		return "", fmt.Errorf("jupiter: sign swap transaction: %v: %w", err, adapters.ErrSigning)
	}

	signed, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("jupiter: encode signed transaction: %v: %w", err, adapters.ErrSigning)
	}
	return base64.StdEncoding.EncodeToString(signed), nil
}

// ParsePrivateKey accepts a base58 64-byte keypair or 32-byte seed. Errors
// never echo the input.
func ParsePrivateKey(s string) (solanago.PrivateKey, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty solana private key")
	}
	raw, err := base58.Decode(s)
	if err != nil {
		return nil, errors.New("solana private key is not valid base58")
	}
	switch len(raw) {
	case ed25519.PrivateKeySize:
		return solanago.PrivateKey(raw), nil
	case ed25519.SeedSize:
		return solanago.PrivateKey(ed25519.NewKeyFromSeed(raw)), nil
	}
	return nil, fmt.Errorf("solana private key has %d bytes, want 32 or 64", len(raw))
}

// Stats returns adapter statistics.
func (a *Adapter) Stats() adapters.Stats {
	a.mu.RLock()
	initialized := a.initialized
	a.mu.RUnlock()

	transport := map[string]any{"jupiter": a.api.APIStats()}
	if rs, ok := a.rpc.(interface{ Stats() solana.RPCStats }); ok {
		transport["rpc"] = rs.Stats()
	}
	return adapters.Stats{
		Chain:         a.Chain(),
		Initialized:   initialized,
		SwapsExecuted: a.swapsExecuted.Load(),
		SwapsFailed:   a.swapsFailed.Load(),
		LastSwapAt:    a.lastSwapTime.Load(),
		Transport:     transport,
	}
}
