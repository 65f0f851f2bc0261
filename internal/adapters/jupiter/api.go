package jupiter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"

	"github.com/simons-freedom/X-monitor/internal/solana"
)

// ---------------------------------------------------------------------------
// Jupiter swap API client: quote + swap endpoints
// https://dev.jup.ag/docs/swap-api
// ---------------------------------------------------------------------------

// DefaultBaseURL is the keyless Jupiter swap API.
const DefaultBaseURL = "https://lite-api.jup.ag/swap/v1"

const (
	retryBackoff     = 500 * time.Millisecond
	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("jupiter: circuit breaker open")

// APIConfig configures the Jupiter API client.
type APIConfig struct {
	BaseURL    string        `yaml:"base_url"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"` // 0 = single attempt
}

// APIClient talks to the Jupiter quote and swap endpoints.
type APIClient struct {
	config APIConfig
	client *fasthttp.Client

	quotes       atomic.Int64
	swaps        atomic.Int64
	failures     atomic.Int64
	lastLatency  atomic.Int64 // ms
	errorsInARow atomic.Int64
	open         atomic.Bool
}

// NewAPIClient creates a Jupiter API client.
func NewAPIClient(config APIConfig) *APIClient {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	return &APIClient{
		config: config,
		client: &fasthttp.Client{
			Name:                "xmonitor",
			ReadTimeout:         config.Timeout,
			WriteTimeout:        config.Timeout,
			MaxIdleConnDuration: time.Minute,
		},
	}
}

// ---------------------------------------------------------------------------
// Quote
// ---------------------------------------------------------------------------

// QuoteResponse is the decoded subset of a /quote response. Raw keeps the
// full body, which /swap expects back verbatim.
type QuoteResponse struct {
	InputMint            string      `json:"inputMint"`
	OutputMint           string      `json:"outputMint"`
	InAmount             string      `json:"inAmount"`
	OutAmount            string      `json:"outAmount"`
	OtherAmountThreshold string      `json:"otherAmountThreshold"`
	PriceImpactPct       string      `json:"priceImpactPct"`
	SlippageBps          int         `json:"slippageBps"`
	RoutePlan            []RouteStep `json:"routePlan"`
	ContextSlot          uint64      `json:"contextSlot"`

	Raw json.RawMessage `json:"-"`
}

// RouteStep is one hop of a quoted route.
type RouteStep struct {
	Percent  int `json:"percent"`
	SwapInfo struct {
		AmmKey string `json:"ammKey"`
		Label  string `json:"label"`
	} `json:"swapInfo"`
}

// Labels lists the AMMs the route goes through.
func (q *QuoteResponse) Labels() []string {
	out := make([]string, 0, len(q.RoutePlan))
	for _, step := range q.RoutePlan {
		out = append(out, step.SwapInfo.Label)
	}
	return out
}

// GetQuote asks for the best route spending amount of inputMint on outputMint.
// A route with no output is an error.
func (c *APIClient) GetQuote(ctx context.Context, inputMint, outputMint solana.Pubkey, amount uint64, slippageBps int) (*QuoteResponse, error) {
	q := url.Values{}
	q.Set("inputMint", string(inputMint))
	q.Set("outputMint", string(outputMint))
	q.Set("amount", strconv.FormatUint(amount, 10))
	q.Set("slippageBps", strconv.Itoa(slippageBps))

	start := time.Now()
	body, err := c.do(ctx, fasthttp.MethodGet, c.config.BaseURL+"/quote?"+q.Encode(), nil, "quote")
	if err != nil {
		return nil, err
	}

	var quote QuoteResponse
	if err := json.Unmarshal(body, &quote); err != nil {
		return nil, fmt.Errorf("jupiter: parse quote: %w", err)
	}
	if quote.OutAmount == "" || quote.OutAmount == "0" {
		return nil, fmt.Errorf("jupiter: empty route for %s", short(string(outputMint)))
	}
	quote.Raw = json.RawMessage(body)
	c.quotes.Add(1)
	c.lastLatency.Store(time.Since(start).Milliseconds())

	log.Debug().
		Str("out", short(quote.OutputMint)).
		Str("in_amount", quote.InAmount).
		Str("out_amount", quote.OutAmount).
		Str("price_impact", quote.PriceImpactPct).
		Strs("route", quote.Labels()).
		Msg("jupiter: quote received")
	return &quote, nil
}

// ---------------------------------------------------------------------------
// Swap
// ---------------------------------------------------------------------------

// SwapRequest is the /swap request body.
type SwapRequest struct {
	QuoteResponse    json.RawMessage `json:"quoteResponse"`
	UserPublicKey    string          `json:"userPublicKey"`
	WrapAndUnwrapSOL bool            `json:"wrapAndUnwrapSol"`
}

// SwapResponse is the /swap answer.
type SwapResponse struct {
	SwapTransaction      string `json:"swapTransaction"` // base64, unsigned
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

// BuildSwapTx asks Jupiter to serialize the swap for quote, paid by userPub.
func (c *APIClient) BuildSwapTx(ctx context.Context, quote *QuoteResponse, userPub string) (*SwapResponse, error) {
	raw := quote.Raw
	if len(raw) == 0 {
		var err error
		if raw, err = json.Marshal(quote); err != nil {
			return nil, fmt.Errorf("jupiter: marshal quote: %w", err)
		}
	}
	payload, err := json.Marshal(SwapRequest{
		QuoteResponse:    raw,
		UserPublicKey:    userPub,
		WrapAndUnwrapSOL: true,
	})
	if err != nil {
		return nil, fmt.Errorf("jupiter: marshal swap request: %w", err)
	}

	body, err := c.do(ctx, fasthttp.MethodPost, c.config.BaseURL+"/swap", payload, "swap")
	if err != nil {
		return nil, err
	}

	var out SwapResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("jupiter: parse swap response: %w", err)
	}
	if out.SwapTransaction == "" {
		return nil, errors.New("jupiter: swap response has no transaction")
	}
	c.swaps.Add(1)
	return &out, nil
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

// do sends one request, retrying transport failures, 429 and 5xx answers up
// to MaxRetries times. Other 4xx answers return at once. Only transport
// failures and 5xx count toward the breaker. The context deadline caps each
// attempt.
func (c *APIClient) do(ctx context.Context, method, target string, payload []byte, op string) ([]byte, error) {
	if c.open.Load() {
		return nil, ErrCircuitOpen
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryBackoff << uint(attempt-1)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		body, status, err := c.roundTrip(ctx, method, target, payload)
		switch {
		case err != nil:
			lastErr = fmt.Errorf("jupiter: %s: %w", op, err)
		case status == fasthttp.StatusTooManyRequests:
			c.failures.Add(1)
			lastErr = fmt.Errorf("jupiter: %s rate limited (429)", op)
			continue
		case status >= 400 && status < 500:
			// Per-request rejection such as no route for a mint. Not retried
			// and kept out of the breaker so other tokens still quote.
			c.failures.Add(1)
			c.errorsInARow.Store(0)
			return nil, fmt.Errorf("jupiter: %s HTTP %d: %s", op, status, truncate(body, 200))
		case status != fasthttp.StatusOK:
			lastErr = fmt.Errorf("jupiter: %s HTTP %d: %s", op, status, truncate(body, 200))
		default:
			c.errorsInARow.Store(0)
			return body, nil
		}
		c.failures.Add(1)
		c.trip()
	}
	return nil, fmt.Errorf("jupiter: %s failed after %d attempts: %w", op, c.config.MaxRetries+1, lastErr)
}

func (c *APIClient) roundTrip(ctx context.Context, method, target string, payload []byte) ([]byte, int, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(target)
	req.Header.SetMethod(method)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.SetContentType("application/json")
		req.SetBody(payload)
	}

	timeout := c.config.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return nil, 0, context.DeadlineExceeded
	}
	if err := c.client.DoTimeout(req, resp, timeout); err != nil {
		return nil, 0, err
	}
	// The response is released on return.
	body := append([]byte(nil), resp.Body()...)
	return body, resp.StatusCode(), nil
}

func (c *APIClient) trip() {
	n := c.errorsInARow.Add(1)
	if n < breakerThreshold || !c.open.CompareAndSwap(false, true) {
		return
	}
	log.Error().Int64("errors", n).Str("base_url", c.config.BaseURL).Msg("jupiter: CIRCUIT BREAKER OPEN")
	time.AfterFunc(breakerCooldown, func() {
		c.open.Store(false)
		c.errorsInARow.Store(0)
		log.Info().Msg("jupiter: circuit breaker reset")
	})
}

// APIStats is the client snapshot.
type APIStats struct {
	Quotes        int64 `json:"quotes"`
	Swaps         int64 `json:"swaps"`
	Failures      int64 `json:"failures"`
	LastLatencyMs int64 `json:"last_latency_ms"`
	CircuitOpen   bool  `json:"circuit_open"`
}

func (c *APIClient) APIStats() APIStats {
	return APIStats{
		Quotes:        c.quotes.Load(),
		Swaps:         c.swaps.Load(),
		Failures:      c.failures.Load(),
		LastLatencyMs: c.lastLatency.Load(),
		CircuitOpen:   c.open.Load(),
	}
}

func short(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
