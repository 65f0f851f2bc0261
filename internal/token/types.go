package token

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Candidate: one token-discovery hit for a symbol on one chain
// ---------------------------------------------------------------------------

// Candidate is a raw discovery result. Values are decoded once and never
// mutated afterwards, so candidates are passed between goroutines by copy.
type Candidate struct {
	Chain    string `json:"chain"`
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals Number `json:"decimals"`
	Logo     string `json:"logo"`

	Price    Number `json:"price"`
	Price1h  Number `json:"price_1h"`
	Price24h Number `json:"price_24h"`

	Swaps5m  Number `json:"swaps_5m"`
	Swaps1h  Number `json:"swaps_1h"`
	Swaps6h  Number `json:"swaps_6h"`
	Swaps24h Number `json:"swaps_24h"`

	Volume24h     Number `json:"volume_24h"`
	Liquidity     Number `json:"liquidity"`
	TotalSupply   Number `json:"total_supply"`
	HotLevel      Number `json:"hot_level"`
	IsInTokenList Flag   `json:"is_in_token_list"`

	IsShowAlert            Flag   `json:"is_show_alert"`
	BuyTax                 Number `json:"buy_tax"`
	SellTax                Number `json:"sell_tax"`
	IsHoneypot             Flag   `json:"is_honeypot"`
	Renounced              Flag   `json:"renounced"`
	Top10HolderRate        Number `json:"top_10_holder_rate"`
	RenouncedMint          Flag   `json:"renounced_mint"`
	RenouncedFreezeAccount Flag   `json:"renounced_freeze_account"`
	BurnRatio              Number `json:"burn_ratio"`
	BurnStatus             string `json:"burn_status"`
	IsOpenSource           Flag   `json:"is_open_source"`

	PoolCreateTime Number `json:"pool_create_time"`
}

// PriceChange returns the percentage change from ref to the current price.
// ok is false when either price is missing or ref is zero.
func (c Candidate) PriceChange(ref Number) (pct decimal.Decimal, ok bool) {
	if !c.Price.Valid || !ref.Valid || ref.IsZero() {
		return decimal.Zero, false
	}
	return c.Price.Div(ref.Decimal).Sub(decimal.NewFromInt(1)).Mul(decimal.NewFromInt(100)), true
}

// ---------------------------------------------------------------------------
// Number: decimal that tolerates numbers, numeric strings, null and garbage
// ---------------------------------------------------------------------------

// Number is a decimal decoded leniently. Discovery APIs send the same field
// as a JSON number on one chain and a quoted string on another. Anything that
// does not parse leaves Valid false instead of failing the whole payload.
type Number struct {
	decimal.Decimal
	Valid bool
}

// NewNumber returns a valid Number.
func NewNumber(f float64) Number {
	return Number{Decimal: decimal.NewFromFloat(f), Valid: true}
}

// UnmarshalJSON implements json.Unmarshaler.
func (n *Number) UnmarshalJSON(data []byte) error {
	*n = Number{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	raw := string(data)
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil
		}
		raw = strings.TrimSpace(s)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil
	}
	n.Decimal = d
	n.Valid = true
	return nil
}

// MarshalJSON implements json.Marshaler.
func (n Number) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return []byte(n.Decimal.String()), nil
}

// String renders the value or "n/a".
func (n Number) String() string {
	if !n.Valid {
		return "n/a"
	}
	return n.Decimal.String()
}

// ---------------------------------------------------------------------------
// Flag: tri-state boolean (unknown, true, false)
// ---------------------------------------------------------------------------

// Flag is a security flag that may be absent. Unknown must never be read as
// false: "renounced: null" passes the safety filter, "renounced: false" does not.
type Flag uint8

const (
	FlagUnknown Flag = iota
	FlagFalse
	FlagTrue
)

// FlagOf converts a bool.
func FlagOf(b bool) Flag {
	if b {
		return FlagTrue
	}
	return FlagFalse
}

func (f Flag) IsTrue() bool  { return f == FlagTrue }
func (f Flag) IsFalse() bool { return f == FlagFalse }

// UnmarshalJSON accepts true/false, 0/1 and their string forms.
func (f *Flag) UnmarshalJSON(data []byte) error {
	*f = FlagUnknown
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	switch strings.ToLower(s) {
	case "true":
		*f = FlagTrue
	case "false":
		*f = FlagFalse
	case "", "null":
	default:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		*f = FlagOf(v != 0)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (f Flag) MarshalJSON() ([]byte, error) {
	switch f {
	case FlagTrue:
		return []byte("true"), nil
	case FlagFalse:
		return []byte("false"), nil
	}
	return []byte("null"), nil
}
