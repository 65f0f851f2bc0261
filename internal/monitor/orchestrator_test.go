package monitor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simons-freedom/X-monitor/internal/adapters"
	"github.com/simons-freedom/X-monitor/internal/audit"
	"github.com/simons-freedom/X-monitor/internal/classifier"
	"github.com/simons-freedom/X-monitor/internal/observability"
	"github.com/simons-freedom/X-monitor/internal/risk"
	"github.com/simons-freedom/X-monitor/internal/scanner"
	"github.com/simons-freedom/X-monitor/internal/token"
)

// ---------------------------------------------------------------------------
// Test doubles
// ---------------------------------------------------------------------------

type fakeSearcher struct {
	mu          sync.Mutex
	results     map[string]*scanner.SearchResult
	calls       [][]string
	concurrency int
}

func (f *fakeSearcher) BatchSearch(_ context.Context, symbols []string, concurrency int) map[string]*scanner.SearchResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, symbols)
	f.concurrency = concurrency
	out := make(map[string]*scanner.SearchResult)
	for _, s := range symbols {
		if r, ok := f.results[s]; ok {
			out[s] = r
		}
	}
	return out
}

type fakeTrader struct {
	mu     sync.Mutex
	fail   map[string]string // address -> error
	trades []string
	amount decimal.Decimal
}

func (f *fakeTrader) Trade(_ context.Context, chain, tok, symbol string, amountUSD decimal.Decimal) adapters.TradeOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trades = append(f.trades, chain+":"+tok)
	f.amount = amountUSD

	o := adapters.TradeOutcome{TraceID: "trade-" + symbol, Chain: chain, Token: tok, Symbol: symbol, AmountUSD: amountUSD, LatencyMs: 42}
	if msg, ok := f.fail[tok]; ok {
		o.Error = msg
		return o
	}
	o.TxHash = "0xhash" + symbol
	o.ExplorerURL = "https://etherscan.io/tx/" + o.TxHash
	return o
}

func (f *fakeTrader) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.trades)
}

type captureNotifier struct {
	mu        sync.Mutex
	artifacts []*Artifact
	err       error
}

func (c *captureNotifier) Notify(_ context.Context, a *Artifact) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.artifacts = append(c.artifacts, a)
	return c.err
}

func (c *captureNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.artifacts)
}

func liquidCandidate(chain, symbol, address string) token.Candidate {
	return token.Candidate{
		Chain:     chain,
		Address:   address,
		Symbol:    symbol,
		Name:      symbol + " Token",
		Price:     token.NewNumber(0.000012),
		Price1h:   token.NewNumber(0.00001),
		Volume24h: token.NewNumber(12000.5),
		Liquidity: token.NewNumber(922324.72),
	}
}

func result(symbol string, cands ...token.Candidate) *scanner.SearchResult {
	return &scanner.SearchResult{Symbol: symbol, Tokens: cands}
}

type harness struct {
	orch     *Orchestrator
	cls      *classifier.StubClassifier
	searcher *fakeSearcher
	trader   *fakeTrader
	notifier *captureNotifier
	journal  *audit.Journal
	metrics  *observability.MonitorMetrics
}

func newHarness(cfg Config, replies ...[]classifier.Speculation) *harness {
	h := &harness{
		cls:      classifier.NewStubClassifier(nil, replies...),
		searcher: &fakeSearcher{results: make(map[string]*scanner.SearchResult)},
		trader:   &fakeTrader{fail: make(map[string]string)},
		notifier: &captureNotifier{},
		journal:  audit.NewJournal(nil, 100),
		metrics:  observability.NewMonitorMetrics(),
	}
	h.orch = NewOrchestrator(cfg, Deps{
		Classifier: h.cls,
		Searcher:   h.searcher,
		Policy:     risk.New(risk.DefaultConfig()),
		Trader:     h.trader,
		Notifier:   h.notifier,
		Journal:    h.journal,
		Metrics:    h.metrics,
	})
	return h
}

func tweet(content string) Message {
	return Message{PushType: PushNewTweet, Title: "new tweet", Content: content, User: User{Name: "Elon", ScreenName: "elonmusk"}}
}

// ---------------------------------------------------------------------------
// Process
// ---------------------------------------------------------------------------

func TestProcess_NotifyOnlyWhenTradingDisabled(t *testing.T) {
	h := newHarness(DefaultConfig(), []classifier.Speculation{{TokenName: "TABBY", Reason: "cat meme"}})
	h.searcher.results["TABBY"] = result("TABBY",
		liquidCandidate("BSC", "TABBY", "0xec53"),
		liquidCandidate("sol", "TABBY", "TabbyMint"))

	art, err := h.orch.Process(context.Background(), tweet("my cat Tabby"))
	require.NoError(t, err)
	require.NotNil(t, art)

	// Only the top entry per symbol.
	require.Len(t, art.Tokens, 1)
	assert.Equal(t, "0xec53", art.Tokens[0].Address)
	require.Len(t, art.Buttons, 1)
	assert.Equal(t, Button{Title: "BUY-BSC-TABBY", URL: "https://gmgn.ai/bsc/token/0xec53"}, art.Buttons[0])

	assert.Empty(t, art.Outcomes)
	assert.Empty(t, art.Decisions)
	assert.Zero(t, h.trader.count())
	assert.Equal(t, 1, h.notifier.count())
	assert.Contains(t, art.Text, "cat meme")
	assert.Contains(t, art.Text, "`0xec53`")
}

func TestProcess_TradesAllowedCandidates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TradingEnabled = true
	h := newHarness(cfg, []classifier.Speculation{{TokenName: "PEPE"}, {TokenName: "DOGE"}, {TokenName: "NONE"}})

	h.searcher.results["PEPE"] = result("PEPE", liquidCandidate("eth", "PEPE", "0xpepe"))
	thin := liquidCandidate("sol", "DOGE", "DogeMint")
	thin.Liquidity = token.NewNumber(9999)
	h.searcher.results["DOGE"] = result("DOGE", thin)

	art, err := h.orch.Process(context.Background(), tweet("$PEPE and $DOGE"))
	require.NoError(t, err)
	require.NotNil(t, art)

	assert.Equal(t, []string{"PEPE", "DOGE", "NONE"}, art.Symbols)
	require.Len(t, art.Tokens, 2)
	require.Len(t, art.Decisions, 2)
	assert.True(t, art.Decisions[0].Allowed)
	assert.False(t, art.Decisions[1].Allowed)
	assert.True(t, strings.HasPrefix(art.Decisions[1].ReasonCodes[0], risk.ReasonLiquidity))

	require.Len(t, art.Outcomes, 1)
	assert.Equal(t, "0xhashPEPE", art.Outcomes[0].TxHash)
	assert.Equal(t, []string{"eth:0xpepe"}, h.trader.trades)
	assert.True(t, h.trader.amount.IsZero(), "zero notional defers to the trader default")

	var titles []string
	for _, b := range art.Buttons {
		titles = append(titles, b.Title)
	}
	assert.Equal(t, []string{"BUY-ETH-PEPE", "TX-ETH-PEPE", "BUY-SOL-DOGE"}, titles)

	assert.Contains(t, art.Text, "NONE: no details found")
	assert.Contains(t, art.Text, "Tx: `0xhashPEPE`")

	stats := h.orch.Stats()
	assert.Equal(t, int64(1), stats.TradesExecuted)
	assert.Equal(t, int64(1), stats.Policy.Denied)
}

func TestProcess_FailedTradeHasNoTxButton(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TradingEnabled = true
	cfg.TradeAmountUSD = 35
	h := newHarness(cfg, []classifier.Speculation{{TokenName: "WIF"}})
	h.searcher.results["WIF"] = result("WIF", liquidCandidate("sol", "WIF", "WifMint"))
	h.trader.fail["WifMint"] = "insufficient funds"

	art, err := h.orch.Process(context.Background(), tweet("wif"))
	require.NoError(t, err)

	require.Len(t, art.Outcomes, 1)
	assert.False(t, art.Outcomes[0].Executed())
	assert.Len(t, art.Buttons, 1)
	assert.Contains(t, art.Text, "Failed: insufficient funds")
	assert.True(t, h.trader.amount.Equal(decimal.NewFromInt(35)))
	assert.Equal(t, int64(1), h.orch.Stats().TradesFailed)
}

func TestProcess_SameTokenTradedOnce(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TradingEnabled = true
	h := newHarness(cfg, []classifier.Speculation{{TokenName: "TRUMP"}, {TokenName: "MAGA"}})
	c := liquidCandidate("sol", "TRUMP", "TrumpMint")
	h.searcher.results["TRUMP"] = result("TRUMP", c)
	h.searcher.results["MAGA"] = result("MAGA", c)

	art, err := h.orch.Process(context.Background(), tweet("trump maga"))
	require.NoError(t, err)
	assert.Len(t, art.Tokens, 2)
	assert.Equal(t, 1, h.trader.count())
}

func TestProcess_RepeatedSymbolListedOnce(t *testing.T) {
	h := newHarness(DefaultConfig(), []classifier.Speculation{{TokenName: "BONK", Reason: "dog"}, {TokenName: "BONK", Reason: "again"}})
	h.searcher.results["BONK"] = result("BONK", liquidCandidate("sol", "BONK", "BonkMint"))

	art, err := h.orch.Process(context.Background(), tweet("bonk bonk"))
	require.NoError(t, err)
	require.NotNil(t, art)

	assert.Equal(t, []string{"BONK"}, art.Symbols)
	assert.Len(t, art.Tokens, 1)
	assert.Len(t, art.Buttons, 1)
	require.Len(t, h.searcher.calls, 1)
	assert.Equal(t, []string{"BONK"}, h.searcher.calls[0])
	assert.Equal(t, 1, strings.Count(art.Text, "BonkMint"))
}

func TestProcess_PausedPolicyBlocksTrades(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TradingEnabled = true
	h := newHarness(cfg, []classifier.Speculation{{TokenName: "PEPE"}})
	h.searcher.results["PEPE"] = result("PEPE", liquidCandidate("eth", "PEPE", "0xpepe"))
	h.orch.Policy().Pause("operator")

	art, err := h.orch.Process(context.Background(), tweet("pepe"))
	require.NoError(t, err)
	require.Len(t, art.Decisions, 1)
	assert.Equal(t, []string{risk.ReasonPaused}, art.Decisions[0].ReasonCodes)
	assert.Zero(t, h.trader.count())
}

func TestProcess_NoSymbols(t *testing.T) {
	h := newHarness(DefaultConfig())

	art, err := h.orch.Process(context.Background(), tweet("good morning everyone"))
	require.NoError(t, err)
	assert.Nil(t, art)
	assert.Zero(t, h.notifier.count())
	assert.Empty(t, h.searcher.calls)
	// The message is still journaled.
	assert.Equal(t, 1, h.journal.Len())
}

func TestProcess_ClassifierError(t *testing.T) {
	h := newHarness(DefaultConfig())
	h.cls.SetHealthy(false)

	art, err := h.orch.Process(context.Background(), tweet("$PEPE"))
	require.Error(t, err)
	assert.Nil(t, art)
	assert.Equal(t, int64(1), h.orch.Stats().Failed)
	assert.Equal(t, 1.0, h.metrics.Registry().Counter(observability.MetricClassifications, "", observability.Labels("outcome", "error")).Value())
}

func TestProcess_InvalidMessage(t *testing.T) {
	h := newHarness(DefaultConfig())
	_, err := h.orch.Process(context.Background(), Message{PushType: PushNewTweet})
	assert.ErrorIs(t, err, ErrInvalidMessage)
	assert.Zero(t, h.cls.Calls())
}

func TestProcess_NotifierErrorKeepsArtifact(t *testing.T) {
	h := newHarness(DefaultConfig(), []classifier.Speculation{{TokenName: "PEPE"}})
	h.notifier.err = errors.New("webhook down")

	art, err := h.orch.Process(context.Background(), tweet("$PEPE"))
	require.NoError(t, err)
	require.NotNil(t, art)
	assert.Equal(t, int64(1), h.orch.Stats().NotifyFailures)
}

func TestProcess_JournalChain(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TradingEnabled = true
	h := newHarness(cfg, []classifier.Speculation{{TokenName: "PEPE"}})
	h.searcher.results["PEPE"] = result("PEPE", liquidCandidate("eth", "PEPE", "0xpepe"))

	art, err := h.orch.Process(context.Background(), tweet("$PEPE"))
	require.NoError(t, err)

	entries := h.journal.Query(art.TraceID)
	require.Len(t, entries, 3)
	assert.Equal(t, audit.EventMessage, entries[0].EventType)
	assert.Equal(t, audit.EventDecision, entries[1].EventType)
	assert.Equal(t, "allow", entries[1].Decision)
	assert.Equal(t, audit.EventTrade, entries[2].EventType)
	assert.Equal(t, "executed", entries[2].Decision)
	assert.Equal(t, art.TraceID, entries[2].CausationID)
}

func TestProcess_Metrics(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TradingEnabled = true
	h := newHarness(cfg, []classifier.Speculation{{TokenName: "PEPE"}, {TokenName: "MISSING"}})
	h.searcher.results["PEPE"] = result("PEPE", liquidCandidate("eth", "PEPE", "0xpepe"))

	_, err := h.orch.Process(context.Background(), tweet("$PEPE"))
	require.NoError(t, err)

	r := h.metrics.Registry()
	assert.Equal(t, 1.0, r.Counter(observability.MetricMessages, "", nil).Value())
	assert.Equal(t, 2.0, r.Counter(observability.MetricSearches, "", nil).Value())
	assert.Equal(t, 1.0, r.Counter(observability.MetricSearchFailures, "", nil).Value())
	assert.Equal(t, 1.0, r.Counter(observability.MetricDecisions, "", observability.Labels("chain", "eth", "decision", "allow")).Value())
	assert.Equal(t, 1.0, r.Counter(observability.MetricTrades, "", observability.Labels("chain", "eth", "result", "executed")).Value())
	assert.Equal(t, 3, h.searcher.concurrency)
}

func TestNewOrchestrator_TradingWithoutTrader(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TradingEnabled = true
	o := NewOrchestrator(cfg, Deps{Classifier: classifier.NewStubClassifier(nil), Searcher: &fakeSearcher{}})
	assert.False(t, o.Stats().TradingEnabled)
}

// ---------------------------------------------------------------------------
// Message / artifact rendering
// ---------------------------------------------------------------------------

func TestMessage_Text(t *testing.T) {
	m := Message{PushType: PushNewDescription, Content: "CEO of $TABBY"}
	assert.Equal(t, "Updated their profile description. New description: CEO of $TABBY", m.Text())

	m.PushType = PushNewTweet
	assert.Equal(t, "CEO of $TABBY", m.Text())

	assert.Equal(t, "Elon", Message{User: User{Name: "Elon"}}.Author())
}

func TestRenderSummary(t *testing.T) {
	c := liquidCandidate("sol", "TABBY", "TabbyMint")
	c.Price24h = token.Number{}

	msg := tweet(strings.Repeat("x", 200))
	text := renderSummary(msg, []string{"TABBY"}, map[string]token.Candidate{"TABBY": c}, map[string]string{"TABBY": "cat"}, nil)

	assert.Contains(t, text, "elonmusk-"+strings.Repeat("x", 150)+"...")
	assert.Contains(t, text, "**TABBY Token (TABBY)**")
	assert.Contains(t, text, "**Price**: $0.00001200")
	assert.Contains(t, text, "**1h change**: 20.00%")
	assert.Contains(t, text, "**24h change**: n/a")
	assert.Contains(t, text, "**24h volume**: $12000.50")
	assert.Contains(t, text, "**Liquidity**: $922324.72")
	assert.Contains(t, text, "**Reason**: cat")
	assert.NotContains(t, text, "Auto-trade")
}

func TestTxButton(t *testing.T) {
	_, ok := TxButton(adapters.TradeOutcome{Chain: "eth", Symbol: "X", Error: "boom"})
	assert.False(t, ok)

	b, ok := TxButton(adapters.TradeOutcome{Chain: "sol", Symbol: "WIF", TxHash: "sig", ExplorerURL: "https://solscan.io/tx/sig"})
	require.True(t, ok)
	assert.Equal(t, Button{Title: "TX-SOL-WIF", URL: "https://solscan.io/tx/sig"}, b)
}
