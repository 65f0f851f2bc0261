// Command tokensearch looks symbols up across the discovery chains, applies
// the safety filter and prints the ranked candidates with the trade decision
// the policy would take for the top one.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/simons-freedom/X-monitor/internal/config"
	"github.com/simons-freedom/X-monitor/internal/risk"
	"github.com/simons-freedom/X-monitor/internal/scanner"
	"github.com/simons-freedom/X-monitor/internal/token"
)

func main() {
	configPath := flag.String("config", "", "Optional configuration file")
	chains := flag.String("chains", "", "Comma separated chains (default from config)")
	limit := flag.Int("n", 5, "Candidates printed per symbol")
	asJSON := flag.Bool("json", false, "Print raw results as JSON")
	timeout := flag.Duration("timeout", 30*time.Second, "Overall timeout")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Parse()

	symbols := flag.Args()
	if len(symbols) == 0 {
		fmt.Fprintln(os.Stderr, "usage: tokensearch [flags] SYMBOL [SYMBOL...]")
		os.Exit(2)
	}

	_ = godotenv.Load()
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, color.HiRedString("load config: %v", err))
		os.Exit(1)
	}

	level := zerolog.WarnLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	if *chains != "" {
		cfg.Discovery.Chains = strings.Split(*chains, ",")
	}

	discovery := scanner.NewDiscoveryClient(scanner.DiscoveryConfig{
		BaseURL: cfg.Discovery.BaseURL,
		Timeout: cfg.Discovery.Timeout,
	})
	svc := scanner.NewService(scanner.ServiceConfig{
		Chains:      cfg.Discovery.Chains,
		Concurrency: cfg.Discovery.Concurrency,
	}, discovery, scanner.NewSanitizer(scanner.SanitizerConfig{MinVolumeUSD: cfg.Trader.MinVolumeUSD}))
	policy := risk.New(risk.Config{
		MinLiquidityUSD:  cfg.Trader.MinLiquidityUSD,
		MaxPriceChange1h: cfg.Trader.MaxPriceChange1h,
	})

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	fmt.Println(color.HiBlueString("searching %s on %s", strings.Join(symbols, ", "), strings.Join(cfg.Discovery.Chains, ", ")))
	results := svc.BatchSearch(ctx, symbols, 0)

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(results)
		return
	}

	missing := 0
	for _, sym := range symbols {
		res, ok := results[strings.TrimSpace(sym)]
		if !ok {
			missing++
			fmt.Println(color.HiRedString("%s: search failed on every chain", sym))
			continue
		}
		printResult(res, *limit, policy)
	}

	st := svc.Stats()
	fmt.Println(color.HiBlackString("searches=%d chain_errors=%d dropped=%d", st.Searches, st.ChainErrors, st.Sanitizer.TotalDropped))
	if missing == len(symbols) {
		os.Exit(1)
	}
}

func printResult(res *scanner.SearchResult, limit int, policy *risk.Policy) {
	fmt.Println(color.HiYellowString("%s: %d safe candidates (%s, %dms)", res.Symbol, len(res.Tokens), strings.Join(res.Chains, "+"), res.TimeTaken))
	for i, c := range res.Tokens {
		if i >= limit {
			fmt.Printf("  ... %d more\n", len(res.Tokens)-limit)
			break
		}
		fmt.Printf("  %d. %-4s %-10s %s  price=%s vol24h=%s liq=%s 1h=%s\n",
			i+1, c.Chain, c.Symbol, c.Address,
			c.Price.String(), round(c.Volume24h), round(c.Liquidity), change(c))
	}

	top, ok := res.Top()
	if !ok {
		return
	}
	d := policy.ShouldTrade(top)
	if d.Allowed {
		fmt.Println(color.HiGreenString("  -> would buy %s on %s", top.Symbol, top.Chain))
	} else {
		fmt.Println(color.HiRedString("  -> would skip: %s", strings.Join(d.ReasonCodes, ", ")))
	}
}

func round(n token.Number) string {
	if !n.Valid {
		return n.String()
	}
	return n.StringFixed(2)
}

func change(c token.Candidate) string {
	pct, ok := c.PriceChange(c.Price1h)
	if !ok {
		return "n/a"
	}
	return pct.StringFixed(2) + "%"
}
