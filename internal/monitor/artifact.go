package monitor

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/simons-freedom/X-monitor/internal/adapters"
	"github.com/simons-freedom/X-monitor/internal/risk"
	"github.com/simons-freedom/X-monitor/internal/token"
)

// gmgnTokenURL is the buy-link target for a discovered token.
const gmgnTokenURL = "https://gmgn.ai/%s/token/%s"

// excerptLen bounds how much of the message body is quoted in the summary.
const excerptLen = 150

// Artifact is the notification produced for one message: a markdown summary,
// link buttons and the trade outcomes it caused.
type Artifact struct {
	TraceID   string                  `json:"trace_id"`
	Title     string                  `json:"title"`
	Text      string                  `json:"text"`
	Buttons   []Button                `json:"buttons"`
	Symbols   []string                `json:"symbols"`
	Tokens    []token.Candidate       `json:"tokens"`
	Decisions []risk.Decision         `json:"decisions,omitempty"`
	Outcomes  []adapters.TradeOutcome `json:"outcomes,omitempty"`
	CreatedAt time.Time               `json:"created_at"`
}

// BuyButton links to the token page for c.
func BuyButton(c token.Candidate) Button {
	chain := strings.ToLower(c.Chain)
	return Button{
		Title: fmt.Sprintf("BUY-%s-%s", strings.ToUpper(chain), c.Symbol),
		URL:   fmt.Sprintf(gmgnTokenURL, chain, c.Address),
	}
}

// TxButton links to the explorer page of an executed trade. ok is false when
// the outcome has no explorer link.
func TxButton(o adapters.TradeOutcome) (Button, bool) {
	if !o.Executed() || o.ExplorerURL == "" {
		return Button{}, false
	}
	return Button{
		Title: fmt.Sprintf("TX-%s-%s", strings.ToUpper(o.Chain), o.Symbol),
		URL:   o.ExplorerURL,
	}, true
}

// renderSummary builds the markdown body of an artifact.
func renderSummary(msg Message, symbols []string, found map[string]token.Candidate, reasons map[string]string, outcomes []adapters.TradeOutcome) string {
	var b strings.Builder

	b.WriteString("🚨 Potential tokens spotted\n\n")
	fmt.Fprintf(&b, "📱 Post:\n%s-%s\n\n", msg.Author(), excerpt(msg.Content, excerptLen))
	fmt.Fprintf(&b, "🔍 Tokens: %s\n\n", strings.Join(symbols, ", "))

	b.WriteString("📊 Token details:\n")
	for _, sym := range symbols {
		c, ok := found[sym]
		if !ok {
			fmt.Fprintf(&b, "- %s: no details found\n", sym)
			continue
		}
		fmt.Fprintf(&b, "- **%s (%s)**\n", c.Name, c.Symbol)
		fmt.Fprintf(&b, "  - **Chain**: %s\n", c.Chain)
		fmt.Fprintf(&b, "  - **Address**: `%s`\n", c.Address)
		fmt.Fprintf(&b, "  - **Price**: $%s\n", fixed(c.Price, 8))
		fmt.Fprintf(&b, "  - **1h change**: %s\n", change(c, c.Price1h))
		fmt.Fprintf(&b, "  - **24h change**: %s\n", change(c, c.Price24h))
		fmt.Fprintf(&b, "  - **24h volume**: $%s\n", fixed(c.Volume24h, 2))
		fmt.Fprintf(&b, "  - **Liquidity**: $%s\n", fixed(c.Liquidity, 2))
		if r := reasons[sym]; r != "" {
			fmt.Fprintf(&b, "  - **Reason**: %s\n", r)
		}
	}

	if len(outcomes) > 0 {
		b.WriteString("\n🔄 **Auto-trade results**:\n")
		for _, o := range outcomes {
			fmt.Fprintf(&b, "- **%s** (%s):\n", o.Symbol, strings.ToUpper(o.Chain))
			if o.Executed() {
				fmt.Fprintf(&b, "  - Tx: `%s`\n", o.TxHash)
			} else {
				fmt.Fprintf(&b, "  - Failed: %s\n", o.Error)
			}
		}
	}
	return b.String()
}

func fixed(n token.Number, places int32) string {
	if !n.Valid {
		return "n/a"
	}
	return n.StringFixed(places)
}

func change(c token.Candidate, ref token.Number) string {
	pct, ok := c.PriceChange(ref)
	if !ok {
		return "n/a"
	}
	return pct.StringFixed(2) + "%"
}

func excerpt(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
