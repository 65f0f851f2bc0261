package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/simons-freedom/X-monitor/internal/adapters"
)

// ---------------------------------------------------------------------------
// Native price oracle: CoinGecko simple/price, cached per asset
// ---------------------------------------------------------------------------

// Config configures the oracle.
type Config struct {
	URL      string        `yaml:"url"`
	Timeout  time.Duration `yaml:"timeout"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
	// Assets maps chain id -> oracle asset id.
	Assets map[string]string `yaml:"assets"`
}

// DefaultConfig returns the public CoinGecko endpoint.
func DefaultConfig() Config {
	return Config{
		URL:      "https://api.coingecko.com/api/v3/simple/price",
		Timeout:  10 * time.Second,
		CacheTTL: 30 * time.Second,
		Assets: map[string]string{
			"eth": "ethereum",
			"bsc": "binancecoin",
			"sol": "solana",
		},
	}
}

// Oracle fetches USD prices of native assets. One HTTP call refreshes every
// configured asset; results are cached for CacheTTL.
type Oracle struct {
	config     Config
	httpClient *http.Client
	cache      *cache.Cache
	fetchMu    sync.Mutex

	fetches atomic.Int64
	hits    atomic.Int64
	errors  atomic.Int64
}

var _ adapters.PriceSource = (*Oracle)(nil)

// New creates an oracle.
func New(config Config) *Oracle {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if len(config.Assets) == 0 {
		config.Assets = DefaultConfig().Assets
	}
	ttl := config.CacheTTL
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	return &Oracle{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		cache:      cache.New(ttl, 5*time.Minute),
	}
}

// NativePrice returns the USD price of chain's native asset.
func (o *Oracle) NativePrice(ctx context.Context, chain string) (decimal.Decimal, error) {
	asset, ok := o.config.Assets[chain]
	if !ok {
		return decimal.Zero, fmt.Errorf("oracle: no asset for chain %q: %w", chain, adapters.ErrPriceUnavailable)
	}
	if o.config.CacheTTL > 0 {
		if v, found := o.cache.Get(asset); found {
			o.hits.Add(1)
			return v.(decimal.Decimal), nil
		}
	}

	// Serialize refreshes so a burst of buys triggers one HTTP call.
	o.fetchMu.Lock()
	defer o.fetchMu.Unlock()
	if o.config.CacheTTL > 0 {
		if v, found := o.cache.Get(asset); found {
			o.hits.Add(1)
			return v.(decimal.Decimal), nil
		}
	}

	prices, err := o.fetch(ctx)
	if err != nil {
		o.errors.Add(1)
		return decimal.Zero, fmt.Errorf("oracle: %v: %w", err, adapters.ErrPriceUnavailable)
	}
	for id, p := range prices {
		o.cache.SetDefault(id, p)
	}

	price, ok := prices[asset]
	if !ok || !price.IsPositive() {
		o.errors.Add(1)
		return decimal.Zero, fmt.Errorf("oracle: no usd price for %s: %w", asset, adapters.ErrPriceUnavailable)
	}
	return price, nil
}

// fetch calls simple/price for all configured assets.
func (o *Oracle) fetch(ctx context.Context) (map[string]decimal.Decimal, error) {
	ids := make([]string, 0, len(o.config.Assets))
	for _, id := range o.config.Assets {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	queryURL, err := url.Parse(o.config.URL)
	if err != nil {
		return nil, fmt.Errorf("parse URL: %w", err)
	}
	q := queryURL.Query()
	q.Set("ids", strings.Join(ids, ","))
	q.Set("vs_currencies", "usd")
	queryURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, queryURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http error: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	var parsed map[string]struct {
		USD decimal.Decimal `json:"usd"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	o.fetches.Add(1)
	prices := make(map[string]decimal.Decimal, len(parsed))
	for id, p := range parsed {
		prices[id] = p.USD
	}

	log.Debug().
		Int("assets", len(prices)).
		Int64("latency_ms", time.Since(start).Milliseconds()).
		Msg("oracle: prices refreshed")

	return prices, nil
}

// Stats is the oracle counter snapshot.
type Stats struct {
	Fetches   int64 `json:"fetches"`
	CacheHits int64 `json:"cache_hits"`
	Errors    int64 `json:"errors"`
}

func (o *Oracle) Stats() Stats {
	return Stats{
		Fetches:   o.fetches.Load(),
		CacheHits: o.hits.Load(),
		Errors:    o.errors.Load(),
	}
}
