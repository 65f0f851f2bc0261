package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"

	"github.com/simons-freedom/X-monitor/internal/token"
)

// ---------------------------------------------------------------------------
// Discovery Client: per-chain token search against the quotation API
// ---------------------------------------------------------------------------

// ErrDiscovery is returned when a chain query fails at the transport or API level.
var ErrDiscovery = errors.New("discovery query failed")

// DiscoveryConfig configures the discovery client.
type DiscoveryConfig struct {
	BaseURL string
	Timeout time.Duration
}

// DefaultDiscoveryConfig returns production defaults.
func DefaultDiscoveryConfig() DiscoveryConfig {
	return DiscoveryConfig{
		BaseURL: "https://gmgn.ai",
		Timeout: 15 * time.Second,
	}
}

// ChainResult is one chain's raw answer.
type ChainResult struct {
	Chain     string            `json:"chain"`
	Tokens    []token.Candidate `json:"tokens"`
	TimeTaken int64             `json:"time_taken"`
}

type searchResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		Tokens    []token.Candidate `json:"tokens"`
		TimeTaken int64             `json:"timeTaken"`
	} `json:"data"`
}

// Searcher queries one chain for a symbol.
type Searcher interface {
	Search(ctx context.Context, chain, symbol string) (*ChainResult, error)
}

// DiscoveryClient implements Searcher over fasthttp.
type DiscoveryClient struct {
	config DiscoveryConfig
	client *fasthttp.Client

	requests atomic.Int64
	failures atomic.Int64
}

var _ Searcher = (*DiscoveryClient)(nil)

// NewDiscoveryClient creates a discovery client.
func NewDiscoveryClient(config DiscoveryConfig) *DiscoveryClient {
	if config.BaseURL == "" {
		config.BaseURL = DefaultDiscoveryConfig().BaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultDiscoveryConfig().Timeout
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &DiscoveryClient{
		config: config,
		client: &fasthttp.Client{Name: "xmonitor"},
	}
}

// browserHeaders mirror a desktop Chrome request; the API rejects bare clients.
var browserHeaders = [][2]string{
	{"User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"},
	{"Accept", "application/json, text/plain, */*"},
	{"Accept-Language", "en-US,en;q=0.9"},
	{"Accept-Encoding", "gzip"},
	{"DNT", "1"},
	{"Sec-Ch-Ua", `"Not_A Brand";v="8", "Chromium";v="120", "Google Chrome";v="120"`},
	{"Sec-Ch-Ua-Mobile", "?0"},
	{"Sec-Ch-Ua-Platform", `"macOS"`},
	{"Sec-Fetch-Dest", "empty"},
	{"Sec-Fetch-Mode", "cors"},
	{"Sec-Fetch-Site", "same-origin"},
	{"Referer", "https://gmgn.ai/"},
	{"Origin", "https://gmgn.ai"},
}

// SearchURL builds the query URL for chain and symbol.
func (c *DiscoveryClient) SearchURL(chain, symbol string) string {
	return fmt.Sprintf("%s/defi/quotation/v1/tokens/%s/search?q=%s",
		c.config.BaseURL, url.PathEscape(chain), url.QueryEscape(symbol))
}

// Search queries chain for symbol. Candidates without a chain id inherit chain.
func (c *DiscoveryClient) Search(ctx context.Context, chain, symbol string) (*ChainResult, error) {
	c.requests.Add(1)
	res, err := c.search(ctx, chain, symbol)
	if err != nil {
		c.failures.Add(1)
		return nil, err
	}
	return res, nil
}

func (c *DiscoveryClient) search(ctx context.Context, chain, symbol string) (*ChainResult, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.SearchURL(chain, symbol))
	req.Header.SetMethod(fasthttp.MethodGet)
	for _, h := range browserHeaders {
		req.Header.Set(h[0], h[1])
	}

	timeout := c.config.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 || ctx.Err() != nil {
		return nil, fmt.Errorf("scanner: search %s on %s: %v: %w", symbol, chain, context.Cause(ctx), ErrDiscovery)
	}

	log.Debug().Str("chain", chain).Str("symbol", symbol).Dur("timeout", timeout).Msg("scanner: querying discovery")

	if err := c.client.DoTimeout(req, resp, timeout); err != nil {
		return nil, fmt.Errorf("scanner: search %s on %s: %v: %w", symbol, chain, err, ErrDiscovery)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return nil, fmt.Errorf("scanner: search %s on %s: status %d: %w", symbol, chain, resp.StatusCode(), ErrDiscovery)
	}

	body := resp.Body()
	if bytes.EqualFold(resp.Header.Peek(fasthttp.HeaderContentEncoding), []byte("gzip")) {
		var err error
		body, err = resp.BodyGunzip()
		if err != nil {
			return nil, fmt.Errorf("scanner: gunzip %s response: %v: %w", chain, err, ErrDiscovery)
		}
	}

	var parsed searchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("scanner: decode %s response: %v: %w", chain, err, ErrDiscovery)
	}
	if parsed.Code != 0 {
		return nil, fmt.Errorf("scanner: %s api code %d (%s): %w", chain, parsed.Code, parsed.Msg, ErrDiscovery)
	}

	tokens := parsed.Data.Tokens
	for i := range tokens {
		if tokens[i].Chain == "" {
			tokens[i].Chain = chain
		}
	}
	return &ChainResult{Chain: chain, Tokens: tokens, TimeTaken: parsed.Data.TimeTaken}, nil
}

// DiscoveryStats returns request counters.
type DiscoveryStats struct {
	Requests int64 `json:"requests"`
	Failures int64 `json:"failures"`
}

func (c *DiscoveryClient) Stats() DiscoveryStats {
	return DiscoveryStats{
		Requests: c.requests.Load(),
		Failures: c.failures.Load(),
	}
}
