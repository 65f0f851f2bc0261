package risk

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simons-freedom/X-monitor/internal/token"
)

func makeCandidate(liquidity, price, price1h float64) token.Candidate {
	return token.Candidate{
		Chain:     "sol",
		Address:   "Mint111",
		Symbol:    "TEST",
		Liquidity: token.NewNumber(liquidity),
		Price:     token.NewNumber(price),
		Price1h:   token.NewNumber(price1h),
	}
}

func hasCode(d Decision, code string) bool {
	for _, r := range d.ReasonCodes {
		if r == code || strings.HasPrefix(r, code+":") {
			return true
		}
	}
	return false
}

func TestShouldTrade_AllowValidCandidate(t *testing.T) {
	p := New(DefaultConfig())

	d := p.ShouldTrade(makeCandidate(50000, 1.1, 1.0))
	assert.True(t, d.Allowed)
	assert.Empty(t, d.ReasonCodes)
	assert.Equal(t, "TEST", d.Symbol)
	assert.Equal(t, "sol", d.Chain)
	assert.Equal(t, "Mint111", d.Address)
}

func TestShouldTrade_LiquidityThreshold(t *testing.T) {
	p := New(DefaultConfig())

	d := p.ShouldTrade(makeCandidate(9999, 1, 1))
	assert.False(t, d.Allowed)
	assert.True(t, hasCode(d, ReasonLiquidity))

	d = p.ShouldTrade(makeCandidate(10000, 1, 1))
	assert.True(t, d.Allowed)

	c := makeCandidate(0, 1, 1)
	c.Liquidity = token.Number{}
	d = p.ShouldTrade(c)
	assert.False(t, d.Allowed)
	assert.True(t, hasCode(d, ReasonLiquidity))
}

func TestShouldTrade_PriceChangeGuard(t *testing.T) {
	p := New(DefaultConfig())

	d := p.ShouldTrade(makeCandidate(50000, 1.30, 1.00))
	assert.False(t, d.Allowed)
	assert.True(t, hasCode(d, ReasonPriceChange))

	// Drops count too.
	d = p.ShouldTrade(makeCandidate(50000, 0.70, 1.00))
	assert.False(t, d.Allowed)

	p.SetConfig(Config{MinLiquidityUSD: 10000, MaxPriceChange1h: 40})
	d = p.ShouldTrade(makeCandidate(50000, 1.30, 1.00))
	assert.True(t, d.Allowed)
}

func TestShouldTrade_NoPriceHistory(t *testing.T) {
	p := New(DefaultConfig())

	c := makeCandidate(50000, 5, 0)
	assert.True(t, p.ShouldTrade(c).Allowed)

	c.Price1h = token.Number{}
	assert.True(t, p.ShouldTrade(c).Allowed)
}

func TestShouldTrade_CollectsAllReasons(t *testing.T) {
	p := New(DefaultConfig())

	d := p.ShouldTrade(makeCandidate(100, 3, 1))
	assert.False(t, d.Allowed)
	require.Len(t, d.ReasonCodes, 2)
	assert.True(t, hasCode(d, ReasonLiquidity))
	assert.True(t, hasCode(d, ReasonPriceChange))
}

func TestShouldTrade_EvaluationErrorFailsClosed(t *testing.T) {
	p := New(DefaultConfig())

	c := makeCandidate(50000, 0, 1)
	c.Price = token.Number{}
	d := p.ShouldTrade(c)
	assert.False(t, d.Allowed)
	assert.True(t, hasCode(d, ReasonEvaluationError))
	assert.Equal(t, int64(1), p.Stats().Errors)
}

func TestPauseResume(t *testing.T) {
	p := New(DefaultConfig())
	c := makeCandidate(50000, 1, 1)

	p.Pause("operator")
	assert.False(t, p.IsActive())
	d := p.ShouldTrade(c)
	assert.False(t, d.Allowed)
	assert.Equal(t, []string{ReasonPaused}, d.ReasonCodes)

	s := p.Stats()
	assert.True(t, s.Paused)
	assert.Equal(t, "operator", s.PauseReason)
	assert.Equal(t, int64(1), s.Pauses)

	// Pausing twice counts once.
	p.Pause("again")
	assert.Equal(t, int64(1), p.Stats().Pauses)

	p.Resume()
	assert.True(t, p.IsActive())
	assert.True(t, p.ShouldTrade(c).Allowed)
	assert.Empty(t, p.Stats().PauseReason)
}

func TestStats_Counters(t *testing.T) {
	p := New(DefaultConfig())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				p.ShouldTrade(makeCandidate(50000, 1, 1))
			} else {
				p.ShouldTrade(makeCandidate(1, 1, 1))
			}
		}(i)
	}
	wg.Wait()

	s := p.Stats()
	assert.Equal(t, int64(25), s.Allowed)
	assert.Equal(t, int64(25), s.Denied)
	assert.Equal(t, 10000.0, s.MinLiqUSD)
}
