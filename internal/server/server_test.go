package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/simons-freedom/X-monitor/internal/adapters"
	"github.com/simons-freedom/X-monitor/internal/audit"
	"github.com/simons-freedom/X-monitor/internal/monitor"
	"github.com/simons-freedom/X-monitor/internal/observability"
	"github.com/simons-freedom/X-monitor/internal/risk"
	"github.com/simons-freedom/X-monitor/internal/scanner"
	"github.com/simons-freedom/X-monitor/internal/token"
)

type fakeIntake struct {
	mu   sync.Mutex
	msgs []monitor.Message
	err  error
}

func (f *fakeIntake) Submit(msg monitor.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

type fakeSearcher struct {
	results map[string]*scanner.SearchResult
	err     error
}

func (f *fakeSearcher) SearchToken(_ context.Context, symbol string) (*scanner.SearchResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	r, ok := f.results[symbol]
	if !ok {
		return nil, fmt.Errorf("scanner: search %q: %w", symbol, scanner.ErrNoResult)
	}
	return r, nil
}

func do(h fasthttp.RequestHandler, method, uri, body string, header map[string]string) *fasthttp.RequestCtx {
	var ctx fasthttp.RequestCtx
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(uri)
	if body != "" {
		ctx.Request.SetBodyString(body)
	}
	for k, v := range header {
		ctx.Request.Header.Set(k, v)
	}
	h(&ctx)
	return &ctx
}

func decode(t *testing.T, ctx *fasthttp.RequestCtx) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &out), string(ctx.Response.Body()))
	return out
}

const tweetBody = `{"push_type":"new_tweet","title":"t","content":"buy $TABBY","user":{"name":"Elon","screen_name":"elonmusk"}}`

func TestTweetIntake(t *testing.T) {
	intake := &fakeIntake{}
	h := New(DefaultConfig(), Deps{Intake: intake}).Handler()

	ctx := do(h, "POST", "/post/tweet", tweetBody, nil)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, "success", decode(t, ctx)["status"])

	require.Len(t, intake.msgs, 1)
	assert.Equal(t, "elonmusk", intake.msgs[0].User.ScreenName)
	assert.Equal(t, "buy $TABBY", intake.msgs[0].Content)
}

func TestTweetIntake_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{"empty body", "", nil, fasthttp.StatusBadRequest},
		{"garbage", "{nope", nil, fasthttp.StatusBadRequest},
		{"no content", `{"push_type":"new_tweet"}`, nil, fasthttp.StatusBadRequest},
		{"queue full", tweetBody, monitor.ErrQueueFull, fasthttp.StatusServiceUnavailable},
		{"other", tweetBody, errors.New("boom"), fasthttp.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New(DefaultConfig(), Deps{Intake: &fakeIntake{err: tt.err}}).Handler()
			ctx := do(h, "POST", "/post/tweet", tt.body, nil)
			assert.Equal(t, tt.status, ctx.Response.StatusCode())
			assert.Equal(t, "error", decode(t, ctx)["status"])
		})
	}
}

func signed(t *testing.T, secret string, method jwt.SigningMethod, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(method, jwt.MapClaims{"sub": "watcher", "exp": exp.Unix()})
	s, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestTweetIntake_JWT(t *testing.T) {
	cfg := DefaultConfig()
	cfg.JWTSecret = "s3cret"
	intake := &fakeIntake{}
	srv := New(cfg, Deps{Intake: intake})
	h := srv.Handler()

	future := time.Now().Add(time.Hour)
	tests := []struct {
		name   string
		header map[string]string
		status int
	}{
		{"missing", nil, fasthttp.StatusUnauthorized},
		{"not bearer", map[string]string{"Authorization": "Basic abc"}, fasthttp.StatusUnauthorized},
		{"wrong secret", map[string]string{"Authorization": "Bearer " + signed(t, "other", jwt.SigningMethodHS256, future)}, fasthttp.StatusUnauthorized},
		{"wrong alg", map[string]string{"Authorization": "Bearer " + signed(t, "s3cret", jwt.SigningMethodHS512, future)}, fasthttp.StatusUnauthorized},
		{"expired", map[string]string{"Authorization": "Bearer " + signed(t, "s3cret", jwt.SigningMethodHS256, time.Now().Add(-time.Minute))}, fasthttp.StatusUnauthorized},
		{"valid", map[string]string{"Authorization": "Bearer " + signed(t, "s3cret", jwt.SigningMethodHS256, future)}, fasthttp.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := do(h, "POST", "/post/tweet", tweetBody, tt.header)
			assert.Equal(t, tt.status, ctx.Response.StatusCode())
		})
	}
	assert.Len(t, intake.msgs, 1)
	assert.Equal(t, int64(5), srv.unauthorized.Load())
}

func TestSearchEndpoint(t *testing.T) {
	searcher := &fakeSearcher{results: map[string]*scanner.SearchResult{
		"TABBY": {Symbol: "TABBY", Chains: []string{"bsc"}, TimeTaken: 87, Tokens: []token.Candidate{{Chain: "bsc", Symbol: "TABBY", Address: "0xec53"}}},
	}}
	h := New(DefaultConfig(), Deps{Searcher: searcher}).Handler()

	ctx := do(h, "GET", "/search/TABBY", "", nil)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	var res scanner.SearchResult
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &res))
	assert.Equal(t, int64(87), res.TimeTaken)
	require.Len(t, res.Tokens, 1)
	assert.Equal(t, "0xec53", res.Tokens[0].Address)

	ctx = do(h, "GET", "/search/NOPE", "", nil)
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())

	searcher.err = errors.New("upstream down")
	ctx = do(h, "GET", "/search/TABBY", "", nil)
	assert.Equal(t, fasthttp.StatusBadGateway, ctx.Response.StatusCode())
}

func TestSearchEndpoint_Disabled(t *testing.T) {
	h := New(DefaultConfig(), Deps{}).Handler()
	ctx := do(h, "GET", "/search/X", "", nil)
	assert.Equal(t, fasthttp.StatusServiceUnavailable, ctx.Response.StatusCode())
}

func TestControlPauseResume(t *testing.T) {
	policy := risk.New(risk.DefaultConfig())
	h := New(DefaultConfig(), Deps{Policy: policy}).Handler()

	ctx := do(h, "POST", "/control/pause", `{"reason":"maintenance"}`, nil)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, "maintenance", decode(t, ctx)["reason"])
	assert.False(t, policy.IsActive())
	assert.Equal(t, "maintenance", policy.Stats().PauseReason)

	ctx = do(h, "GET", "/health", "", nil)
	assert.Equal(t, true, decode(t, ctx)["paused"])

	ctx = do(h, "POST", "/control/resume", "", nil)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.True(t, policy.IsActive())

	ctx = do(h, "POST", "/control/pause", "", nil)
	assert.Equal(t, "operator request", decode(t, ctx)["reason"])

	ctx = do(h, "POST", "/control/pause", "{bad", nil)
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())

	// Control routes are POST only.
	ctx = do(h, "GET", "/control/pause", "", nil)
	assert.Equal(t, fasthttp.StatusMethodNotAllowed, ctx.Response.StatusCode())
}

func TestControl_JWT(t *testing.T) {
	cfg := DefaultConfig()
	cfg.JWTSecret = "s3cret"
	policy := risk.New(risk.DefaultConfig())
	srv := New(cfg, Deps{Policy: policy})
	h := srv.Handler()

	bearer := map[string]string{"Authorization": "Bearer " + signed(t, "s3cret", jwt.SigningMethodHS256, time.Now().Add(time.Hour))}

	ctx := do(h, "POST", "/control/pause", "", nil)
	assert.Equal(t, fasthttp.StatusUnauthorized, ctx.Response.StatusCode())
	assert.True(t, policy.IsActive())

	ctx = do(h, "POST", "/control/pause", "", bearer)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.False(t, policy.IsActive())

	ctx = do(h, "POST", "/control/resume", "", map[string]string{"Authorization": "Bearer " + signed(t, "other", jwt.SigningMethodHS256, time.Now().Add(time.Hour))})
	assert.Equal(t, fasthttp.StatusUnauthorized, ctx.Response.StatusCode())
	assert.False(t, policy.IsActive())

	ctx = do(h, "POST", "/control/resume", "", bearer)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.True(t, policy.IsActive())
	assert.Equal(t, int64(2), srv.unauthorized.Load())
}

func TestHealthEndpoint(t *testing.T) {
	mon := observability.NewHealthMonitor(time.Minute)
	status := observability.StatusHealthy
	mon.Register("registry", func(ctx context.Context) observability.ComponentHealth {
		return observability.ComponentHealth{Status: status}
	})
	h := New(DefaultConfig(), Deps{Health: mon}).Handler()

	ctx := do(h, "GET", "/health", "", nil)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	body := decode(t, ctx)
	assert.Equal(t, "healthy", body["status"])
	assert.Contains(t, body["components"], "registry")

	status = observability.StatusUnhealthy
	ctx = do(h, "GET", "/health", "", nil)
	assert.Equal(t, fasthttp.StatusServiceUnavailable, ctx.Response.StatusCode())
}

func TestStatsAndMetrics(t *testing.T) {
	metrics := observability.NewMonitorMetrics()
	metrics.MessageReceived()
	h := New(DefaultConfig(), Deps{
		Exporter: observability.NewPrometheusExporter(metrics.Registry()),
		Stats:    func() map[string]any { return map[string]any{"pool": map[string]int{"queued": 3}} },
	}).Handler()

	ctx := do(h, "GET", "/stats", "", nil)
	body := decode(t, ctx)
	assert.Contains(t, body, "server")
	assert.Equal(t, map[string]any{"queued": 3.0}, body["pool"])

	ctx = do(h, "GET", "/metrics", "", nil)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.True(t, strings.HasPrefix(string(ctx.Response.Header.ContentType()), "text/plain"))
	assert.Contains(t, string(ctx.Response.Body()), observability.MetricMessages+" 1")
}

func TestJournalEndpoint(t *testing.T) {
	j := audit.NewJournal(nil, 10)
	j.RecordTrade("msg-1", adapters.TradeOutcome{TraceID: "t1", Chain: "sol", TxHash: "sig"})
	j.RecordTrade("msg-2", adapters.TradeOutcome{TraceID: "t2", Chain: "eth", Error: "boom"})
	h := New(DefaultConfig(), Deps{Journal: j}).Handler()

	ctx := do(h, "GET", "/journal?n=1", "", nil)
	var entries []audit.Entry
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "t2", entries[0].TraceID)

	ctx = do(h, "GET", "/journal?trace_id=msg-1", "", nil)
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "executed", entries[0].Decision)

	ctx = do(h, "GET", "/journal?n=zero", "", nil)
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
}
