package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/simons-freedom/X-monitor/internal/adapters"
	"github.com/simons-freedom/X-monitor/internal/attest"
)

// ---------------------------------------------------------------------------
// EVM Adapter: native -> token buys through a Uniswap-V2 style router
// ---------------------------------------------------------------------------

const (
	DefaultGasLimit        = 250_000
	DefaultDeadlineSeconds = 1200
)

var weiPerEther = decimal.New(1, 18)

// Config configures an EVM adapter.
type Config struct {
	Chain              adapters.ChainConfig
	GasPriceMultiplier float64
	SlippageTolerance  float64 // percent, used when EnforceMinOut is set
	EnforceMinOut      bool
	GasLimit           uint64
	DeadlineSeconds    int64
	// IdentityKey is the wallet used for endpoint attestation only.
	IdentityKey string
	// ABIs holds abi/router.json and abi/erc20.json. Nil uses the embedded set.
	ABIs fs.FS
}

// Adapter implements adapters.SwapAdapter for EVM chains.
type Adapter struct {
	config   Config
	prices   adapters.PriceSource
	attestor *attest.Attestor

	mu        sync.RWMutex
	client    *ethclient.Client
	chainID   *big.Int
	routerABI *abi.ABI
	erc20ABI  *abi.ABI
	router    common.Address
	wrapper   common.Address

	// Held from nonce lookup through submission; nextNonce covers nodes
	// whose pending count lags a just-sent transaction.
	sendMu    sync.Mutex
	nextNonce map[common.Address]uint64

	// Stats.
	swapsExecuted atomic.Int64
	swapsFailed   atomic.Int64
	lastSwapTime  atomic.Int64
}

var _ adapters.SwapAdapter = (*Adapter)(nil)

// New creates an EVM adapter. attestor may be nil.
func New(config Config, prices adapters.PriceSource, attestor *attest.Attestor) *Adapter {
	if config.GasPriceMultiplier <= 0 {
		config.GasPriceMultiplier = 1.1
	}
	if config.GasLimit == 0 {
		config.GasLimit = DefaultGasLimit
	}
	if config.DeadlineSeconds == 0 {
		config.DeadlineSeconds = DefaultDeadlineSeconds
	}
	if config.ABIs == nil {
		config.ABIs = DefaultABIs()
	}
	return &Adapter{
		config:    config,
		prices:    prices,
		attestor:  attestor,
		nextNonce: make(map[common.Address]uint64),
	}
}

func (a *Adapter) Chain() string { return a.config.Chain.ID }

// Initialize validates configuration, dials the node and probes it.
func (a *Adapter) Initialize(ctx context.Context) error {
	cfg := a.config.Chain
	if !common.IsHexAddress(cfg.Router) {
		return fmt.Errorf("evm %s: invalid router address %q: %w", cfg.ID, cfg.Router, adapters.ErrConfiguration)
	}
	if !common.IsHexAddress(cfg.NativeWrapper) {
		return fmt.Errorf("evm %s: invalid native wrapper %q: %w", cfg.ID, cfg.NativeWrapper, adapters.ErrConfiguration)
	}

	routerABI, err := loadABI(a.config.ABIs, routerABIPath, requiredRouterMethods)
	if err != nil {
		return fmt.Errorf("evm %s: %v: %w", cfg.ID, err, adapters.ErrConfiguration)
	}
	erc20ABI, err := loadABI(a.config.ABIs, erc20ABIPath, requiredERC20Methods)
	if err != nil {
		return fmt.Errorf("evm %s: %v: %w", cfg.ID, err, adapters.ErrConfiguration)
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("evm %s: dial: %v: %w", cfg.ID, err, adapters.ErrConnectivity)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return fmt.Errorf("evm %s: chain id probe: %v: %w", cfg.ID, err, adapters.ErrConnectivity)
	}

	if a.attestor.Enabled() && a.config.IdentityKey != "" {
		if err := a.attest(ctx, client); err != nil {
			client.Close()
			return err
		}
	}

	a.mu.Lock()
	if a.client != nil {
		a.client.Close()
	}
	a.client = client
	a.chainID = chainID
	a.routerABI = routerABI
	a.erc20ABI = erc20ABI
	a.router = common.HexToAddress(cfg.Router)
	a.wrapper = common.HexToAddress(cfg.NativeWrapper)
	a.mu.Unlock()

	log.Info().
		Str("chain", cfg.ID).
		Str("chain_id", chainID.String()).
		Str("router", cfg.Router).
		Bool("poa", cfg.POA).
		Msg("evm: initialized")
	return nil
}

func (a *Adapter) attest(ctx context.Context, client *ethclient.Client) error {
	key, err := ParsePrivateKey(a.config.IdentityKey)
	if err != nil {
		return fmt.Errorf("evm %s: %v: %w", a.Chain(), err, adapters.ErrConfiguration)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	nonce, err := client.PendingNonceAt(ctx, from)
	if err != nil {
		return fmt.Errorf("evm %s: nonce for attestation: %v: %w", a.Chain(), err, adapters.ErrConnectivity)
	}

	return a.attestor.Check(ctx, attest.Identity{
		Chain:     a.Chain(),
		PublicKey: from.Hex(),
		Nonce:     fmt.Sprintf("%d", nonce),
		Sign: func(msg []byte) (string, error) {
			return SignPersonalMessage(msg, key)
		},
	})
}

// session is a consistent snapshot of the dialed state.
type session struct {
	client    *ethclient.Client
	chainID   *big.Int
	routerABI *abi.ABI
	erc20ABI  *abi.ABI
	router    common.Address
	wrapper   common.Address
}

func (a *Adapter) session() (session, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.client == nil {
		return session{}, fmt.Errorf("evm %s: not initialized: %w", a.Chain(), adapters.ErrConnectivity)
	}
	return session{
		client:    a.client,
		chainID:   a.chainID,
		routerABI: a.routerABI,
		erc20ABI:  a.erc20ABI,
		router:    a.router,
		wrapper:   a.wrapper,
	}, nil
}

// BuildAndSubmitSwap spends amountUSD of the native asset on token via
// swapExactETHForTokens and returns the transaction hash.
func (a *Adapter) BuildAndSubmitSwap(ctx context.Context, token string, amountUSD decimal.Decimal, key string) (string, error) {
	start := time.Now()
	hash, err := a.swap(ctx, token, amountUSD, key)
	if err != nil {
		a.swapsFailed.Add(1)
		log.Warn().
			Err(err).
			Str("chain", a.Chain()).
			Str("token", token).
			Str("kind", adapters.ErrorKind(err)).
			Msg("evm: swap failed")
		return "", err
	}

	a.swapsExecuted.Add(1)
	a.lastSwapTime.Store(time.Now().UnixMilli())
	log.Info().
		Str("chain", a.Chain()).
		Str("token", token).
		Str("tx", hash).
		Str("amount_usd", amountUSD.StringFixed(2)).
		Int64("latency_ms", time.Since(start).Milliseconds()).
		Msg("evm: swap submitted")
	return hash, nil
}

func (a *Adapter) swap(ctx context.Context, token string, amountUSD decimal.Decimal, key string) (string, error) {
	s, err := a.session()
	if err != nil {
		return "", err
	}
	if !common.IsHexAddress(token) {
		return "", fmt.Errorf("evm %s: invalid token address %q: %w", a.Chain(), token, adapters.ErrSwapBuild)
	}
	priv, err := ParsePrivateKey(key)
	if err != nil {
		return "", fmt.Errorf("evm %s: %v: %w", a.Chain(), err, adapters.ErrConfiguration)
	}
	from := crypto.PubkeyToAddress(priv.PublicKey)
	path := []common.Address{s.wrapper, common.HexToAddress(token)}

	// 1-2. Native value in wei.
	price, err := a.prices.NativePrice(ctx, a.Chain())
	if err != nil {
		return "", err
	}
	value, err := Wei(amountUSD, price)
	if err != nil {
		return "", err
	}

	// 3. Gas price with multiplier.
	suggested, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("evm %s: gas price: %v: %w", a.Chain(), err, adapters.ErrConnectivity)
	}
	gasPrice := ScaleGasPrice(suggested, a.config.GasPriceMultiplier)

	// 4. Deadline from chain time, not local time.
	blockTime, err := a.latestBlockTime(ctx, s.client)
	if err != nil {
		return "", fmt.Errorf("evm %s: latest block: %v: %w", a.Chain(), err, adapters.ErrConnectivity)
	}
	deadline := new(big.Int).SetUint64(blockTime + uint64(a.config.DeadlineSeconds))

	// 5. Minimum out.
	minOut := big.NewInt(0)
	if a.config.EnforceMinOut {
		if minOut, err = a.minAmountOut(ctx, s, value, path); err != nil {
			return "", err
		}
	}

	// 6. Calldata and transaction.
	data, err := s.routerABI.Pack("swapExactETHForTokens", minOut, path, from, deadline)
	if err != nil {
		return "", fmt.Errorf("evm %s: pack swap: %v: %w", a.Chain(), err, adapters.ErrSwapBuild)
	}
	router := s.router
	return a.submit(ctx, s, priv, func(nonce uint64) *types.Transaction {
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       &router,
			Value:    value,
			Gas:      a.config.GasLimit,
			GasPrice: gasPrice,
			Data:     data,
		})
	})
}

// submit allocates a nonce, signs and sends one transaction. Calls for the
// same adapter are serialized so concurrent buys never share a nonce.
func (a *Adapter) submit(ctx context.Context, s session, priv *ecdsa.PrivateKey, build func(nonce uint64) *types.Transaction) (string, error) {
	from := crypto.PubkeyToAddress(priv.PublicKey)

	a.sendMu.Lock()
	defer a.sendMu.Unlock()

	nonce, err := s.client.PendingNonceAt(ctx, from)
	if err != nil {
		return "", fmt.Errorf("evm %s: nonce: %v: %w", a.Chain(), err, adapters.ErrConnectivity)
	}
	if next, ok := a.nextNonce[from]; ok && next > nonce {
		nonce = next
	}

	// 7. Sign locally.
	signed, err := types.SignTx(build(nonce), types.LatestSignerForChainID(s.chainID), priv)
	if err != nil {
		return "", fmt.Errorf("evm %s: sign: %v: %w", a.Chain(), err, adapters.ErrSigning)
	}

	// 8. Submit.
	if err := s.client.SendTransaction(ctx, signed); err != nil {
		// The node is the source of truth again after a rejection.
		delete(a.nextNonce, from)
		return "", fmt.Errorf("evm %s: send: %v: %w", a.Chain(), err, adapters.ErrSubmission)
	}
	a.nextNonce[from] = nonce + 1
	return signed.Hash().Hex(), nil
}

// latestBlockTime returns the head block timestamp. POA chains carry extra
// seal data that full header decoding may reject, so only the timestamp is
// decoded there.
func (a *Adapter) latestBlockTime(ctx context.Context, client *ethclient.Client) (uint64, error) {
	if !a.config.Chain.POA {
		head, err := client.HeaderByNumber(ctx, nil)
		if err != nil {
			return 0, err
		}
		return head.Time, nil
	}

	var block *struct {
		Timestamp hexutil.Uint64 `json:"timestamp"`
	}
	if err := client.Client().CallContext(ctx, &block, "eth_getBlockByNumber", "latest", false); err != nil {
		return 0, err
	}
	if block == nil {
		return 0, ethereum.NotFound
	}
	return uint64(block.Timestamp), nil
}

func (a *Adapter) minAmountOut(ctx context.Context, s session, value *big.Int, path []common.Address) (*big.Int, error) {
	data, err := s.routerABI.Pack("getAmountsOut", value, path)
	if err != nil {
		return nil, fmt.Errorf("evm %s: pack getAmountsOut: %v: %w", a.Chain(), err, adapters.ErrSwapBuild)
	}
	router := s.router
	out, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &router, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("evm %s: getAmountsOut: %v: %w", a.Chain(), err, adapters.ErrQuoteUnavailable)
	}
	var amounts []*big.Int
	if err := s.routerABI.UnpackIntoInterface(&amounts, "getAmountsOut", out); err != nil {
		return nil, fmt.Errorf("evm %s: unpack getAmountsOut: %v: %w", a.Chain(), err, adapters.ErrQuoteUnavailable)
	}
	if len(amounts) < 2 {
		return nil, fmt.Errorf("evm %s: getAmountsOut returned %d amounts: %w", a.Chain(), len(amounts), adapters.ErrQuoteUnavailable)
	}
	return ApplySlippage(amounts[1], a.config.SlippageTolerance), nil
}

// TokenInfo reads symbol and decimals of an ERC-20 token.
func (a *Adapter) TokenInfo(ctx context.Context, token string) (string, uint8, error) {
	s, err := a.session()
	if err != nil {
		return "", 0, err
	}
	addr := common.HexToAddress(token)

	call := func(method string) ([]byte, error) {
		data, err := s.erc20ABI.Pack(method)
		if err != nil {
			return nil, err
		}
		return s.client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
	}

	out, err := call("symbol")
	if err != nil {
		return "", 0, fmt.Errorf("evm %s: symbol: %w", a.Chain(), err)
	}
	var symbol string
	if err := s.erc20ABI.UnpackIntoInterface(&symbol, "symbol", out); err != nil {
		return "", 0, fmt.Errorf("evm %s: unpack symbol: %w", a.Chain(), err)
	}

	out, err = call("decimals")
	if err != nil {
		return "", 0, fmt.Errorf("evm %s: decimals: %w", a.Chain(), err)
	}
	var decimals uint8
	if err := s.erc20ABI.UnpackIntoInterface(&decimals, "decimals", out); err != nil {
		return "", 0, fmt.Errorf("evm %s: unpack decimals: %w", a.Chain(), err)
	}
	return symbol, decimals, nil
}

// ExplorerURL formats an explorer link.
func (a *Adapter) ExplorerURL(txHash string) string {
	return a.config.Chain.ExplorerURL(txHash)
}

// Close releases the node connection.
func (a *Adapter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		a.client.Close()
		a.client = nil
	}
}

// Stats returns adapter statistics.
func (a *Adapter) Stats() adapters.Stats {
	a.mu.RLock()
	initialized := a.client != nil
	a.mu.RUnlock()

	return adapters.Stats{
		Chain:         a.Chain(),
		Initialized:   initialized,
		SwapsExecuted: a.swapsExecuted.Load(),
		SwapsFailed:   a.swapsFailed.Load(),
		LastSwapAt:    a.lastSwapTime.Load(),
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// Wei converts a USD notional to wei at price, truncating.
func Wei(amountUSD, price decimal.Decimal) (*big.Int, error) {
	if !price.IsPositive() {
		return nil, fmt.Errorf("evm: non-positive native price %s: %w", price, adapters.ErrPriceUnavailable)
	}
	wei := amountUSD.Mul(weiPerEther).Div(price).Floor()
	if !wei.IsPositive() {
		return nil, fmt.Errorf("evm: amount %s USD rounds to zero wei: %w", amountUSD, adapters.ErrSwapBuild)
	}
	return wei.BigInt(), nil
}

// ScaleGasPrice multiplies a suggested gas price, truncating to whole wei.
func ScaleGasPrice(suggested *big.Int, multiplier float64) *big.Int {
	return decimal.NewFromBigInt(suggested, 0).Mul(decimal.NewFromFloat(multiplier)).Floor().BigInt()
}

// ApplySlippage returns amount × (1 − tolerance/100), truncated.
func ApplySlippage(amount *big.Int, tolerancePct float64) *big.Int {
	keep := decimal.NewFromInt(1).Sub(decimal.NewFromFloat(tolerancePct).Div(decimal.NewFromInt(100)))
	if keep.IsNegative() {
		return big.NewInt(0)
	}
	return decimal.NewFromBigInt(amount, 0).Mul(keep).Floor().BigInt()
}

// ParsePrivateKey accepts a hex secp256k1 key with or without 0x. Errors
// never echo the input.
func ParsePrivateKey(s string) (*ecdsa.PrivateKey, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if s == "" {
		return nil, errors.New("empty evm private key")
	}
	key, err := crypto.HexToECDSA(s)
	if err != nil {
		return nil, errors.New("evm private key is not a valid secp256k1 hex key")
	}
	return key, nil
}

// SignPersonalMessage produces an EIP-191 personal_sign signature (hex, v in
// {27,28}).
func SignPersonalMessage(msg []byte, key *ecdsa.PrivateKey) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash(msg), key)
	if err != nil {
		return "", err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}
