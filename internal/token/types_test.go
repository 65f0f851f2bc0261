package token

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCandidate_LenientDecode(t *testing.T) {
	payload := `{
		"chain": "sol",
		"address": "Mint111",
		"symbol": "PEPE",
		"price": "0.0012",
		"price_1h": 0.001,
		"volume_24h": "not-a-number",
		"liquidity": null,
		"top_10_holder_rate": "0.25",
		"is_honeypot": 0,
		"renounced": "1",
		"is_show_alert": false
	}`

	var c Candidate
	require.NoError(t, json.Unmarshal([]byte(payload), &c))

	assert.True(t, c.Price.Valid)
	assert.True(t, c.Price.Equal(decimal.RequireFromString("0.0012")))
	assert.True(t, c.Price1h.Valid)
	assert.False(t, c.Volume24h.Valid)
	assert.False(t, c.Liquidity.Valid)
	assert.True(t, c.IsHoneypot.IsFalse())
	assert.True(t, c.Renounced.IsTrue())
	assert.True(t, c.IsShowAlert.IsFalse())
	assert.Equal(t, FlagUnknown, c.IsOpenSource)
}

func TestFlag_Decode(t *testing.T) {
	cases := []struct {
		in   string
		want Flag
	}{
		{`true`, FlagTrue},
		{`false`, FlagFalse},
		{`1`, FlagTrue},
		{`0`, FlagFalse},
		{`"0"`, FlagFalse},
		{`"true"`, FlagTrue},
		{`null`, FlagUnknown},
		{`"maybe"`, FlagUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			var f Flag
			require.NoError(t, json.Unmarshal([]byte(tc.in), &f))
			assert.Equal(t, tc.want, f)
		})
	}
}

func TestCandidate_PriceChange(t *testing.T) {
	c := Candidate{Price: NewNumber(1.30), Price1h: NewNumber(1.00)}
	pct, ok := c.PriceChange(c.Price1h)
	require.True(t, ok)
	assert.True(t, pct.Equal(decimal.NewFromInt(30)), pct.String())

	_, ok = c.PriceChange(Number{})
	assert.False(t, ok)

	_, ok = c.PriceChange(NewNumber(0))
	assert.False(t, ok)
}
