package oracle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simons-freedom/X-monitor/internal/adapters"
)

func newTestOracle(t *testing.T, handler http.HandlerFunc) (*Oracle, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	cfg := DefaultConfig()
	cfg.URL = server.URL + "/simple/price"
	cfg.Timeout = 2 * time.Second
	return New(cfg), &calls
}

func TestOracle_NativePrice(t *testing.T) {
	o, calls := newTestOracle(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "binancecoin,ethereum,solana", r.URL.Query().Get("ids"))
		assert.Equal(t, "usd", r.URL.Query().Get("vs_currencies"))
		w.Write([]byte(`{"ethereum":{"usd":3000.5},"binancecoin":{"usd":600},"solana":{"usd":150.25}}`))
	})

	price, err := o.NativePrice(context.Background(), "sol")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.RequireFromString("150.25")))

	// Second lookup for another chain is served from cache.
	price, err = o.NativePrice(context.Background(), "eth")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.RequireFromString("3000.5")))
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, int64(1), o.Stats().CacheHits)
}

func TestOracle_HTTPError(t *testing.T) {
	o, _ := newTestOracle(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := o.NativePrice(context.Background(), "eth")
	require.Error(t, err)
	assert.True(t, errors.Is(err, adapters.ErrPriceUnavailable))
	assert.Equal(t, int64(1), o.Stats().Errors)
}

func TestOracle_MissingAsset(t *testing.T) {
	o, _ := newTestOracle(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ethereum":{"usd":3000}}`))
	})

	_, err := o.NativePrice(context.Background(), "sol")
	assert.ErrorIs(t, err, adapters.ErrPriceUnavailable)

	_, err = o.NativePrice(context.Background(), "doge")
	assert.ErrorIs(t, err, adapters.ErrPriceUnavailable)
}
