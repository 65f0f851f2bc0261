package registry

import (
	"sort"

	"github.com/simons-freedom/X-monitor/internal/adapters"
	"github.com/simons-freedom/X-monitor/internal/config"
)

// BaseChains is the built-in chain table. Configuration supplies endpoints
// and may override the router.
func BaseChains() map[string]adapters.ChainConfig {
	return map[string]adapters.ChainConfig{
		"eth": {
			ID:            "eth",
			Kind:          adapters.KindEVM,
			Router:        "0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D", // Uniswap V2
			NativeWrapper: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
			ExplorerTx:    "https://etherscan.io/tx/",
			NativeAsset:   "ethereum",
		},
		"bsc": {
			ID:            "bsc",
			Kind:          adapters.KindEVM,
			Router:        "0x10ED43C718714eb63d5aA57B78B54704E256024E", // PancakeSwap V2
			NativeWrapper: "0xbb4CdB9CBd36B01bD1cBaEBF2De08d9173bc095c",
			ExplorerTx:    "https://bscscan.com/tx/",
			NativeAsset:   "binancecoin",
			POA:           true,
		},
		"sol": {
			ID:          "sol",
			Kind:        adapters.KindSolana,
			Router:      "https://lite-api.jup.ag/swap/v1",
			ExplorerTx:  "https://solscan.io/tx/",
			NativeAsset: "solana",
		},
	}
}

// MergeChains overlays configured endpoints onto the base table. Only chains
// with an RPC URL are returned; ids outside the base table are ignored.
func MergeChains(base map[string]adapters.ChainConfig, overrides map[string]config.ChainConfig) map[string]adapters.ChainConfig {
	out := make(map[string]adapters.ChainConfig)
	for id, cc := range base {
		o, ok := overrides[id]
		if !ok || o.RPCURL == "" {
			continue
		}
		cc.RPCURL = o.RPCURL
		if o.WSURL != "" {
			cc.WSURL = o.WSURL
		}
		if o.Router != "" {
			cc.Router = o.Router
		}
		out[id] = cc
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
