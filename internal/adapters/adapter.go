package adapters

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// SwapAdapter is the uniform capability every chain connector offers.
// The registry never knows whether a buy lands on an EVM router or a
// Solana aggregator.
type SwapAdapter interface {
	// Chain returns the chain identifier (e.g. "eth", "bsc", "sol").
	Chain() string

	// Initialize connects to the chain and verifies the endpoint. It may be
	// called again after a failure.
	Initialize(ctx context.Context) error

	// BuildAndSubmitSwap spends amountUSD of the native asset on token and
	// returns the transaction hash or signature.
	BuildAndSubmitSwap(ctx context.Context, token string, amountUSD decimal.Decimal, key string) (string, error)

	// ExplorerURL formats a block-explorer link. No network access.
	ExplorerURL(txHash string) string
}

// PriceSource quotes the USD price of a chain's native asset.
type PriceSource interface {
	NativePrice(ctx context.Context, chain string) (decimal.Decimal, error)
}

// Kind selects the adapter variant for a chain.
type Kind string

const (
	KindEVM    Kind = "evm"
	KindSolana Kind = "solana"
)

// ChainConfig is the static description of one chain. Immutable after load.
type ChainConfig struct {
	ID            string `json:"id"`
	Kind          Kind   `json:"kind"`
	RPCURL        string `json:"rpc_url"`
	WSURL         string `json:"ws_url,omitempty"`
	Router        string `json:"router,omitempty"` // router address (EVM) or aggregator base URL (Solana)
	NativeWrapper string `json:"native_wrapper,omitempty"`
	ExplorerTx    string `json:"explorer_tx"`
	NativeAsset   string `json:"native_asset"` // price oracle id
	POA           bool   `json:"poa,omitempty"`
}

// ExplorerURL joins the explorer prefix and a hash.
func (c ChainConfig) ExplorerURL(txHash string) string {
	if txHash == "" || c.ExplorerTx == "" {
		return ""
	}
	return c.ExplorerTx + txHash
}

// TradeOutcome is the record of one attempted buy. TxHash and Error are
// mutually exclusive; an empty TxHash means no trade executed.
type TradeOutcome struct {
	TraceID     string          `json:"trace_id"`
	Chain       string          `json:"chain"`
	Token       string          `json:"token"`
	Symbol      string          `json:"symbol,omitempty"`
	AmountUSD   decimal.Decimal `json:"amount_usd"`
	TxHash      string          `json:"tx_hash,omitempty"`
	ExplorerURL string          `json:"explorer_url,omitempty"`
	Error       string          `json:"error,omitempty"`
	LatencyMs   int64           `json:"latency_ms"`
	At          time.Time       `json:"at"`
}

// Executed reports whether a transaction was submitted.
func (o TradeOutcome) Executed() bool {
	return o.TxHash != ""
}

// Stats is the per-adapter counter snapshot exposed on /stats.
type Stats struct {
	Chain         string `json:"chain"`
	Initialized   bool   `json:"initialized"`
	SwapsExecuted int64  `json:"swaps_executed"`
	SwapsFailed   int64  `json:"swaps_failed"`
	LastSwapAt    int64  `json:"last_swap_at"`

	// Transport holds client-level counters (RPC, aggregator API).
	Transport map[string]any `json:"transport,omitempty"`
}

// StatsReporter is implemented by adapters that expose counters.
type StatsReporter interface {
	Stats() Stats
}
