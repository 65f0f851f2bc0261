package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/simons-freedom/X-monitor/internal/attest"
	"github.com/simons-freedom/X-monitor/internal/audit"
	"github.com/simons-freedom/X-monitor/internal/classifier"
	"github.com/simons-freedom/X-monitor/internal/config"
	"github.com/simons-freedom/X-monitor/internal/monitor"
	"github.com/simons-freedom/X-monitor/internal/observability"
	"github.com/simons-freedom/X-monitor/internal/oracle"
	"github.com/simons-freedom/X-monitor/internal/registry"
	"github.com/simons-freedom/X-monitor/internal/risk"
	"github.com/simons-freedom/X-monitor/internal/scanner"
	"github.com/simons-freedom/X-monitor/internal/server"
)

func main() {
	// 1. Parse flags and load .env before the config reads the environment.
	configPath := flag.String("config", "config/config.yaml", "Path to configuration file (empty: environment only)")
	envFile := flag.String("env", ".env", "Path to .env file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "WARN: failed to load %s: %v\n", *envFile, err)
	}

	// 2. Load configuration.
	path := *configPath
	if path != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config from %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	// 3. Setup logging.
	setupLogging(cfg.General)

	log.Info().Msg("=============================================")
	log.Info().Msg("X-monitor - Starting")
	log.Info().Msg("CLASSIFY -> SEARCH -> FILTER -> DECIDE -> SWAP")
	log.Info().Msg("=============================================")

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Configuration validation failed")
	}
	log.Info().
		Str("instance_id", cfg.General.InstanceID).
		Str("environment", cfg.General.Environment).
		Bool("trading", cfg.Trader.Enabled).
		Strs("discovery_chains", cfg.Discovery.Chains).
		Float64("default_amount_usd", cfg.Trader.DefaultTradeAmountUSD).
		Float64("max_amount_usd", cfg.Trader.MaxTradeAmountUSD).
		Float64("slippage_pct", cfg.Trader.SlippageTolerance).
		Str("classifier", cfg.Classifier.Provider).
		Bool("attestation", cfg.Attestation.URL != "").
		Msg("Configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Warn().Str("signal", sig.String()).Msg("Shutdown signal received")
		cancel()
	}()

	metrics := observability.NewMonitorMetrics()

	// 4. Candidate search.
	discovery := scanner.NewDiscoveryClient(scanner.DiscoveryConfig{
		BaseURL: cfg.Discovery.BaseURL,
		Timeout: cfg.Discovery.Timeout,
	})
	sanitizer := scanner.NewSanitizer(scanner.SanitizerConfig{MinVolumeUSD: cfg.Trader.MinVolumeUSD})
	search := scanner.NewService(scanner.ServiceConfig{
		Chains:      cfg.Discovery.Chains,
		Concurrency: cfg.Discovery.Concurrency,
		CacheTTL:    cfg.Discovery.CacheTTL,
	}, discovery, sanitizer)

	// 5. Trade policy.
	policy := risk.New(risk.Config{
		MinLiquidityUSD:  cfg.Trader.MinLiquidityUSD,
		MaxPriceChange1h: cfg.Trader.MaxPriceChange1h,
	})

	// 6. Chain registry (only when trading).
	var reg *registry.Registry
	var prices *oracle.Oracle
	var attestor *attest.Attestor
	if cfg.Trader.Enabled {
		oc := oracle.DefaultConfig()
		oc.URL, oc.Timeout, oc.CacheTTL = cfg.Oracle.URL, cfg.Oracle.Timeout, cfg.Oracle.CacheTTL
		prices = oracle.New(oc)

		attestor = attest.New(attest.Config{
			URL:      cfg.Attestation.URL,
			Required: cfg.Attestation.Required,
			Timeout:  cfg.Attestation.Timeout,
		})

		reg = registry.New(cfg, prices, attestor)
		defer reg.Close()

		initCtx, initCancel := context.WithTimeout(ctx, 60*time.Second)
		ready := reg.InitializeChains(initCtx)
		initCancel()
		metrics.SetChainsReady(len(ready))
		if len(ready) == 0 {
			log.Warn().Strs("configured", reg.Configured()).Msg("No chain initialized, buys will retry lazily")
		} else {
			log.Info().Strs("ready", ready).Msg("Auto-trading ENABLED")
		}
	} else {
		log.Info().Msg("Auto-trading disabled, notify only")
	}

	// 7. Classifier.
	var cls classifier.Classifier
	var openAI *classifier.OpenAIClassifier
	switch cfg.Classifier.Provider {
	case "openai":
		openAI = classifier.NewOpenAIClassifier(classifier.OpenAIConfig{
			APIKey:      cfg.Classifier.APIKey,
			BaseURL:     cfg.Classifier.BaseURL,
			Model:       cfg.Classifier.Model,
			Temperature: cfg.Classifier.Temperature,
			Timeout:     cfg.Classifier.Timeout,
		})
		cls = openAI
	default:
		cls = classifier.NewStubClassifier(cfg.Classifier.StubSymbols)
	}
	log.Info().Str("classifier", cls.Name()).Msg("Classifier ready")

	// 8. Audit journal.
	var sink audit.Sink
	var redisSink *audit.RedisSink
	if cfg.Journal.RedisURL != "" {
		redisSink, err = audit.NewRedisSink(cfg.Journal.RedisURL, cfg.Journal.Stream, cfg.Journal.MaxLen)
		if err != nil {
			log.Fatal().Err(err).Msg("Journal sink setup failed")
		}
		defer redisSink.Close()
		sink = redisSink
	}
	journal := audit.NewJournal(sink, cfg.Journal.BufferLen)

	// 9. Notifiers, orchestrator and worker pool.
	notifiers := monitor.Notifiers{monitor.LogNotifier{}}
	var ding *monitor.DingTalkNotifier
	if cfg.Notify.DingTalkToken != "" {
		dcfg := monitor.DefaultDingTalkConfig()
		dcfg.Token = cfg.Notify.DingTalkToken
		dcfg.Secret = cfg.Notify.DingTalkSecret
		if cfg.Notify.DingTalkPerMinute > 0 {
			dcfg.PerMinute = cfg.Notify.DingTalkPerMinute
		}
		ding = monitor.NewDingTalkNotifier(dcfg)
		notifiers = append(notifiers, ding)
		log.Info().Bool("signed", dcfg.Secret != "").Msg("DingTalk notifier enabled")
	}

	deps := monitor.Deps{
		Classifier: cls,
		Searcher:   search,
		Policy:     policy,
		Notifier:   notifiers,
		Journal:    journal,
		Metrics:    metrics,
	}
	if reg != nil {
		deps.Trader = reg
	}
	orch := monitor.NewOrchestrator(monitor.Config{
		TradingEnabled:    cfg.Trader.Enabled,
		SearchConcurrency: cfg.Discovery.Concurrency,
	}, deps)
	pool := monitor.NewPool(monitor.PoolConfig{
		Workers:   cfg.Monitor.Workers,
		QueueSize: cfg.Monitor.QueueSize,
	}, orch, metrics)

	// 10. Health checks.
	health := observability.NewHealthMonitor(30 * time.Second)
	health.Register("pool", func(context.Context) observability.ComponentHealth {
		st := pool.Stats()
		if st.Queued >= st.QueueSize {
			return observability.ComponentHealth{Status: observability.StatusDegraded, Message: "queue full"}
		}
		return observability.ComponentHealth{Status: observability.StatusHealthy, Details: map[string]any{"queued": st.Queued}}
	})
	if reg != nil {
		health.Register("registry", func(context.Context) observability.ComponentHealth {
			ready := reg.Ready()
			metrics.SetChainsReady(len(ready))
			switch {
			case len(ready) == 0:
				return observability.ComponentHealth{Status: observability.StatusUnhealthy, Message: "no chain ready"}
			case len(ready) < len(reg.Configured()):
				return observability.ComponentHealth{Status: observability.StatusDegraded, Details: map[string]any{"ready": ready}}
			}
			return observability.ComponentHealth{Status: observability.StatusHealthy, Details: map[string]any{"ready": ready}}
		})
	}
	if redisSink != nil {
		health.Register("journal", func(ctx context.Context) observability.ComponentHealth {
			if err := redisSink.Ping(ctx); err != nil {
				return observability.ComponentHealth{Status: observability.StatusDegraded, Message: err.Error()}
			}
			return observability.ComponentHealth{Status: observability.StatusHealthy}
		})
	}

	// 11. HTTP server.
	srv := server.New(server.Config{
		Listen:    cfg.Server.Listen,
		JWTSecret: cfg.Server.JWTSecret,
	}, server.Deps{
		Intake:   pool,
		Searcher: search,
		Policy:   policy,
		Health:   health,
		Exporter: observability.NewPrometheusExporter(metrics.Registry()),
		Journal:  journal,
		Stats: func() map[string]any {
			out := map[string]any{
				"orchestrator": orch.Stats(),
				"pool":         pool.Stats(),
				"search":       search.Stats(),
				"discovery":    discovery.Stats(),
				"journal_len":  journal.Len(),
			}
			if reg != nil {
				out["registry"] = reg.Stats()
				out["oracle"] = prices.Stats()
				out["attestation"] = attestor.Stats()
			}
			if openAI != nil {
				out["classifier"] = openAI.Stats()
			}
			if ding != nil {
				out["dingtalk"] = ding.Stats()
			}
			return out
		},
	})

	// 12. Start services.
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		pool.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		health.Start(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.ListenAndServe(ctx); err != nil {
			log.Error().Err(err).Msg("HTTP server error")
			cancel()
		}
	}()

	// Periodic stats logging.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st := orch.Stats()
				ps := pool.Stats()
				ss := search.Stats()
				log.Info().
					Int64("messages", st.Processed).
					Int64("with_symbols", st.WithSymbols).
					Int64("searches", ss.Searches).
					Int64("chain_errors", ss.ChainErrors).
					Float64("filter_pass_rate", ss.Sanitizer.PassRate).
					Int64("trades_ok", st.TradesExecuted).
					Int64("trades_failed", st.TradesFailed).
					Int("queued", ps.Queued).
					Bool("paused", !policy.IsActive()).
					Msg("[STATS]")
			}
		}
	}()

	log.Info().Str("listen", cfg.Server.Listen).Msg("X-monitor - Running")

	// 13. Block until shutdown.
	<-ctx.Done()
	log.Info().Msg("Shutting down X-monitor...")
	health.Stop()
	wg.Wait()

	final := orch.Stats()
	log.Info().
		Int64("messages", final.Processed).
		Int64("failed", final.Failed).
		Int64("notified", final.Notified).
		Int64("trades_ok", final.TradesExecuted).
		Int64("trades_failed", final.TradesFailed).
		Msg("X-monitor - Final Statistics")
	log.Info().Msg("X-monitor - Shutdown complete")
}

func setupLogging(general config.GeneralConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	level, err := zerolog.ParseLevel(general.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if general.LogFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Str("service", "xmonitor").
			Str("instance", general.InstanceID).Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().Timestamp().Str("service", "xmonitor").
			Str("instance", general.InstanceID).Logger()
	}
}
