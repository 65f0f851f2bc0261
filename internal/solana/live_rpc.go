package solana

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	solrpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Live RPC Client: solana-go JSON-RPC behind a token bucket and a breaker
// ---------------------------------------------------------------------------

// LiveRPCClient talks to a real Solana node. Safe for concurrent use.
type LiveRPCClient struct {
	config RPCConfig
	client *solrpc.Client

	limiter       chan struct{}
	limiterCancel context.CancelFunc

	consecutiveErrors atomic.Int64
	circuitOpen       atomic.Bool

	// Stats.
	requestCount  atomic.Int64
	errorCount    atomic.Int64
	latencySum    atomic.Int64 // microseconds
	lastRequestAt atomic.Int64
}

var _ RPCClient = (*LiveRPCClient)(nil)

const (
	circuitBreakerThreshold = 10
	circuitBreakerCooldown  = 30 * time.Second
)

// NewLiveRPCClient creates a live client. Call Close when done.
func NewLiveRPCClient(config RPCConfig) *LiveRPCClient {
	def := DefaultRPCConfig()
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RateLimitRPS <= 0 {
		config.RateLimitRPS = def.RateLimitRPS
	}

	transport := jsonrpc.NewClientWithOpts(config.Endpoint, &jsonrpc.RPCClientOpts{
		HTTPClient: &http.Client{Timeout: config.Timeout},
	})

	bucket := int(config.RateLimitRPS)
	if bucket < 1 {
		bucket = 1
	}
	limiter := make(chan struct{}, bucket)
	for i := 0; i < bucket; i++ {
		limiter <- struct{}{}
	}
	ctx, cancel := context.WithCancel(context.Background())

	c := &LiveRPCClient{
		config:        config,
		client:        solrpc.NewWithCustomRPCClient(transport),
		limiter:       limiter,
		limiterCancel: cancel,
	}
	go c.refill(ctx, time.Duration(float64(time.Second)/config.RateLimitRPS))
	return c
}

func (c *LiveRPCClient) refill(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case c.limiter <- struct{}{}:
			default:
			}
		}
	}
}

// Close stops the refill goroutine and drops idle connections.
func (c *LiveRPCClient) Close() {
	c.limiterCancel()
	_ = c.client.Close()
}

// Endpoint returns the HTTP endpoint.
func (c *LiveRPCClient) Endpoint() string {
	return c.config.Endpoint
}

// do runs fn under the rate limiter. Transport failures are retried
// MaxRetries times; JSON-RPC errors come back immediately.
func (c *LiveRPCClient) do(ctx context.Context, method string, fn func(context.Context) error) error {
	if c.circuitOpen.Load() {
		return fmt.Errorf("rpc: circuit breaker open for %s", method)
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		select {
		case <-c.limiter:
		case <-ctx.Done():
			return ctx.Err()
		}

		start := time.Now()
		err := fn(ctx)
		c.requestCount.Add(1)
		c.latencySum.Add(time.Since(start).Microseconds())
		c.lastRequestAt.Store(time.Now().UnixMilli())

		if err == nil {
			c.consecutiveErrors.Store(0)
			return nil
		}

		var rpcErr *jsonrpc.RPCError
		if errors.As(err, &rpcErr) {
			c.consecutiveErrors.Store(0)
			return fmt.Errorf("rpc: %s: %w", method, err)
		}

		c.errorCount.Add(1)
		lastErr = err
		var httpErr *jsonrpc.HTTPError
		if errors.As(err, &httpErr) && httpErr.Code == http.StatusTooManyRequests {
			continue
		}
		if ctx.Err() != nil {
			return fmt.Errorf("rpc: %s: %w", method, err)
		}
		c.recordError()
	}
	return fmt.Errorf("rpc: %s failed after %d attempts: %w", method, c.config.MaxRetries+1, lastErr)
}

func (c *LiveRPCClient) recordError() {
	count := c.consecutiveErrors.Add(1)
	if count < circuitBreakerThreshold || !c.circuitOpen.CompareAndSwap(false, true) {
		return
	}
	log.Error().Int64("errors", count).Str("endpoint", c.config.Endpoint).Msg("rpc: CIRCUIT BREAKER OPEN")
	time.AfterFunc(circuitBreakerCooldown, func() {
		c.circuitOpen.Store(false)
		c.consecutiveErrors.Store(0)
		log.Info().Str("endpoint", c.config.Endpoint).Msg("rpc: circuit breaker reset")
	})
}

// ---------------------------------------------------------------------------
// RPCClient
// ---------------------------------------------------------------------------

// Health calls getHealth with a 5s cap.
func (c *LiveRPCClient) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var status string
	err := c.do(ctx, "getHealth", func(ctx context.Context) (err error) {
		status, err = c.client.GetHealth(ctx)
		return err
	})
	if err != nil {
		return err
	}
	if status != solrpc.HealthOk {
		return fmt.Errorf("rpc: node unhealthy: %s", status)
	}
	return nil
}

// GetLatestBlockhash fetches a recent blockhash.
func (c *LiveRPCClient) GetLatestBlockhash(ctx context.Context, commitment Commitment) (Blockhash, error) {
	var res *solrpc.GetLatestBlockhashResult
	err := c.do(ctx, "getLatestBlockhash", func(ctx context.Context) (err error) {
		res, err = c.client.GetLatestBlockhash(ctx, solrpc.CommitmentType(commitment))
		return err
	})
	if err != nil {
		return Blockhash{}, err
	}
	if res == nil || res.Value == nil || res.Value.Blockhash == (solanago.Hash{}) {
		return Blockhash{}, fmt.Errorf("rpc: empty blockhash")
	}
	return Blockhash{
		Hash:                 res.Value.Blockhash.String(),
		LastValidBlockHeight: res.Value.LastValidBlockHeight,
	}, nil
}

// SendTransaction submits a signed, base64-encoded transaction.
func (c *LiveRPCClient) SendTransaction(ctx context.Context, txBase64 string, opts SendOptions) (Signature, error) {
	txOpts := solrpc.TransactionOpts{
		Encoding:            solanago.EncodingBase64,
		SkipPreflight:       opts.SkipPreflight,
		PreflightCommitment: solrpc.CommitmentType(opts.PreflightCommitment),
		MaxRetries:          opts.MaxRetries,
	}

	var sig solanago.Signature
	err := c.do(ctx, "sendTransaction", func(ctx context.Context) (err error) {
		sig, err = c.client.SendEncodedTransactionWithOpts(ctx, txBase64, txOpts)
		return err
	})
	if err != nil {
		return "", err
	}
	return Signature(sig.String()), nil
}

// GetSignatureStatus looks sig up, searching transaction history.
func (c *LiveRPCClient) GetSignatureStatus(ctx context.Context, sig Signature) (SignatureStatus, error) {
	parsed, err := solanago.SignatureFromBase58(string(sig))
	if err != nil {
		return SignatureStatus{}, fmt.Errorf("rpc: parse signature %q: %w", sig, err)
	}

	var res *solrpc.GetSignatureStatusesResult
	err = c.do(ctx, "getSignatureStatuses", func(ctx context.Context) (err error) {
		res, err = c.client.GetSignatureStatuses(ctx, true, parsed)
		return err
	})
	if err != nil {
		return SignatureStatus{}, err
	}
	if res == nil || len(res.Value) == 0 || res.Value[0] == nil {
		return SignatureStatus{}, nil
	}

	v := res.Value[0]
	st := SignatureStatus{
		Confirmation: Commitment(v.ConfirmationStatus),
		Slot:         v.Slot,
	}
	if v.Err != nil {
		raw, _ := json.Marshal(v.Err)
		st.Err = string(raw)
	}
	return st, nil
}

// RPCStats returns RPC client statistics.
type RPCStats struct {
	RequestCount  int64 `json:"request_count"`
	ErrorCount    int64 `json:"error_count"`
	AvgLatencyUs  int64 `json:"avg_latency_us"`
	LastRequestAt int64 `json:"last_request_at"`
	CircuitOpen   bool  `json:"circuit_open"`
	ConsecErrors  int64 `json:"consecutive_errors"`
}

func (c *LiveRPCClient) Stats() RPCStats {
	n := c.requestCount.Load()
	var avg int64
	if n > 0 {
		avg = c.latencySum.Load() / n
	}
	return RPCStats{
		RequestCount:  n,
		ErrorCount:    c.errorCount.Load(),
		AvgLatencyUs:  avg,
		LastRequestAt: c.lastRequestAt.Load(),
		CircuitOpen:   c.circuitOpen.Load(),
		ConsecErrors:  c.consecutiveErrors.Load(),
	}
}
