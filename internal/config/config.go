package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for X-monitor.
type Config struct {
	General     GeneralConfig          `yaml:"general"`
	Trader      TraderConfig           `yaml:"trader"`
	Chains      map[string]ChainConfig `yaml:"chains"`
	Discovery   DiscoveryConfig        `yaml:"discovery"`
	Oracle      OracleConfig           `yaml:"oracle"`
	Attestation AttestationConfig      `yaml:"attestation"`
	Classifier  ClassifierConfig       `yaml:"classifier"`
	Monitor     MonitorConfig          `yaml:"monitor"`
	Server      ServerConfig           `yaml:"server"`
	Journal     JournalConfig          `yaml:"journal"`
	Notify      NotifyConfig           `yaml:"notify"`
}

type GeneralConfig struct {
	InstanceID  string `yaml:"instance_id"`
	Environment string `yaml:"environment"` // production|staging|development
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // json|text
}

// TraderConfig holds the money-moving knobs. Amounts are USD notionals.
type TraderConfig struct {
	Enabled               bool          `yaml:"enabled"`
	GasPriceMultiplier    float64       `yaml:"gas_price_multiplier"`
	SlippageTolerance     float64       `yaml:"slippage_tolerance"` // percent; 0.5 = 50 bps
	EnforceMinOut         bool          `yaml:"enforce_min_out"`
	MaxTradeAmountUSD     float64       `yaml:"max_trade_amount_usd"`
	MinLiquidityUSD       float64       `yaml:"min_liquidity_usd"`
	MinVolumeUSD          float64       `yaml:"min_volume_usd"`
	DefaultTradeAmountUSD float64       `yaml:"default_trade_amount_usd"`
	MaxPriceChange1h      float64       `yaml:"max_price_change_1h"`
	RequestTimeout        time.Duration `yaml:"request_timeout"`
	ConfirmTimeout        time.Duration `yaml:"confirm_timeout"`
}

// ChainConfig carries per-chain overrides merged onto the built-in chain table.
type ChainConfig struct {
	RPCURL     string `yaml:"rpc_url"`
	WSURL      string `yaml:"ws_url"`
	Router     string `yaml:"router"`
	PrivateKey string `yaml:"private_key"`
}

type DiscoveryConfig struct {
	BaseURL     string        `yaml:"base_url"`
	Chains      []string      `yaml:"chains"`
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

type OracleConfig struct {
	URL      string        `yaml:"url"`
	Timeout  time.Duration `yaml:"timeout"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type AttestationConfig struct {
	URL      string        `yaml:"url"` // empty disables attestation
	Required bool          `yaml:"required"`
	Timeout  time.Duration `yaml:"timeout"`
}

type ClassifierConfig struct {
	Provider    string        `yaml:"provider"` // openai|stub
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	Temperature float32       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
	StubSymbols []string      `yaml:"stub_symbols"`
}

type MonitorConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

type ServerConfig struct {
	Listen    string `yaml:"listen"`
	JWTSecret string `yaml:"jwt_secret"` // empty leaves the intake open
}

type JournalConfig struct {
	RedisURL  string `yaml:"redis_url"` // empty keeps the journal in memory only
	Stream    string `yaml:"stream"`
	MaxLen    int64  `yaml:"max_len"`
	BufferLen int    `yaml:"buffer_len"`
}

// NotifyConfig selects delivery channels besides the log. An empty DingTalk
// token leaves the robot off.
type NotifyConfig struct {
	DingTalkToken     string `yaml:"dingtalk_token"`
	DingTalkSecret    string `yaml:"dingtalk_secret"`
	DingTalkPerMinute int    `yaml:"dingtalk_per_minute"`
}

// Load reads and parses a YAML configuration file. An empty path skips the
// file and builds the config from environment variables and defaults only.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		// Expand environment variables
		expanded := os.ExpandEnv(string(data))

		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)

	return cfg, nil
}

// Validate checks the invariants that defaults cannot repair.
func (c *Config) Validate() error {
	var errs []error
	t := c.Trader
	if t.GasPriceMultiplier < 1 {
		errs = append(errs, fmt.Errorf("trader.gas_price_multiplier must be >= 1, got %v", t.GasPriceMultiplier))
	}
	if t.SlippageTolerance < 0 || t.SlippageTolerance >= 100 {
		errs = append(errs, fmt.Errorf("trader.slippage_tolerance out of range: %v", t.SlippageTolerance))
	}
	if t.DefaultTradeAmountUSD <= 0 {
		errs = append(errs, errors.New("trader.default_trade_amount_usd must be positive"))
	}
	if t.MaxTradeAmountUSD > 0 && t.DefaultTradeAmountUSD > t.MaxTradeAmountUSD {
		errs = append(errs, fmt.Errorf("trader.default_trade_amount_usd %v exceeds max_trade_amount_usd %v",
			t.DefaultTradeAmountUSD, t.MaxTradeAmountUSD))
	}
	if c.Discovery.Concurrency < 1 {
		errs = append(errs, errors.New("discovery.concurrency must be >= 1"))
	}
	if c.Classifier.Provider == "openai" && c.Classifier.APIKey == "" {
		errs = append(errs, errors.New("classifier.api_key is required for the openai provider"))
	}
	return errors.Join(errs...)
}

// PrivateKey returns the signing key configured for a chain. BSC falls back
// to the Ethereum key since both use the same secp256k1 account.
func (c *Config) PrivateKey(chain string) string {
	if cc, ok := c.Chains[chain]; ok && cc.PrivateKey != "" {
		return cc.PrivateKey
	}
	if chain == "bsc" {
		return c.Chains["eth"].PrivateKey
	}
	return ""
}

// envChainKeys maps chain ids to their environment variable prefix.
var envChainKeys = map[string]string{
	"eth": "ETH",
	"bsc": "BSC",
	"sol": "SOL",
}

// applyEnv overlays the flat environment keys used by deployments that do
// not ship a YAML file. YAML values win when both are present.
func applyEnv(cfg *Config) error {
	if v, ok := os.LookupEnv("TRADER_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse TRADER_ENABLED: %w", err)
		}
		cfg.Trader.Enabled = cfg.Trader.Enabled || b
	}
	floats := []struct {
		key string
		dst *float64
	}{
		{"GAS_PRICE_MULTIPLIER", &cfg.Trader.GasPriceMultiplier},
		{"SLIPPAGE_TOLERANCE", &cfg.Trader.SlippageTolerance},
		{"MAX_TRADE_AMOUNT_USD", &cfg.Trader.MaxTradeAmountUSD},
		{"MIN_LIQUIDITY_USD", &cfg.Trader.MinLiquidityUSD},
		{"MIN_VOLUME_USD", &cfg.Trader.MinVolumeUSD},
		{"DEFAULT_TRADE_AMOUNT_USD", &cfg.Trader.DefaultTradeAmountUSD},
		{"MAX_PRICE_CHANGE_1H", &cfg.Trader.MaxPriceChange1h},
	}
	for _, f := range floats {
		v := os.Getenv(f.key)
		if v == "" || *f.dst != 0 {
			continue
		}
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("parse %s: %w", f.key, err)
		}
		*f.dst = parsed
	}

	if cfg.Chains == nil {
		cfg.Chains = make(map[string]ChainConfig)
	}
	for chain, prefix := range envChainKeys {
		cc := cfg.Chains[chain]
		setIfEmpty(&cc.RPCURL, os.Getenv(prefix+"_RPC_URL"))
		setIfEmpty(&cc.WSURL, os.Getenv(prefix+"_WS_URL"))
		setIfEmpty(&cc.Router, os.Getenv(prefix+"_ROUTER_ADDRESS"))
		setIfEmpty(&cc.PrivateKey, os.Getenv(prefix+"_PRIVATE_KEY"))
		if cc != (ChainConfig{}) {
			cfg.Chains[chain] = cc
		}
	}

	setIfEmpty(&cfg.Classifier.APIKey, os.Getenv("OPENAI_API_KEY"))
	setIfEmpty(&cfg.Server.JWTSecret, os.Getenv("WEBHOOK_JWT_SECRET"))
	setIfEmpty(&cfg.Journal.RedisURL, os.Getenv("REDIS_URL"))
	setIfEmpty(&cfg.Attestation.URL, os.Getenv("VALIDATE_ENDPOINT_URL"))
	setIfEmpty(&cfg.Notify.DingTalkToken, os.Getenv("DINGTALK_TOKEN"))
	setIfEmpty(&cfg.Notify.DingTalkSecret, os.Getenv("DINGTALK_SECRET"))
	return nil
}

func setIfEmpty(dst *string, v string) {
	if *dst == "" {
		*dst = strings.TrimSpace(v)
	}
}

func applyDefaults(cfg *Config) {
	if cfg.General.InstanceID == "" {
		cfg.General.InstanceID = "xmonitor-1"
	}
	if cfg.General.Environment == "" {
		cfg.General.Environment = "development"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.LogFormat == "" {
		cfg.General.LogFormat = "json"
	}

	t := &cfg.Trader
	if t.GasPriceMultiplier == 0 {
		t.GasPriceMultiplier = 1.1
	}
	if t.SlippageTolerance == 0 {
		t.SlippageTolerance = 0.05
	}
	if t.MaxTradeAmountUSD == 0 {
		t.MaxTradeAmountUSD = 100
	}
	if t.MinLiquidityUSD == 0 {
		t.MinLiquidityUSD = 10000
	}
	if t.MinVolumeUSD == 0 {
		t.MinVolumeUSD = 5000
	}
	if t.DefaultTradeAmountUSD == 0 {
		t.DefaultTradeAmountUSD = 20
	}
	if t.MaxPriceChange1h == 0 {
		t.MaxPriceChange1h = 20
	}
	if t.RequestTimeout == 0 {
		t.RequestTimeout = 15 * time.Second
	}
	if t.ConfirmTimeout == 0 {
		t.ConfirmTimeout = 60 * time.Second
	}

	if cfg.Discovery.BaseURL == "" {
		cfg.Discovery.BaseURL = "https://gmgn.ai"
	}
	if len(cfg.Discovery.Chains) == 0 {
		cfg.Discovery.Chains = []string{"sol", "bsc"}
	}
	if cfg.Discovery.Concurrency == 0 {
		cfg.Discovery.Concurrency = 3
	}
	if cfg.Discovery.Timeout == 0 {
		cfg.Discovery.Timeout = 15 * time.Second
	}

	if cfg.Oracle.URL == "" {
		cfg.Oracle.URL = "https://api.coingecko.com/api/v3/simple/price"
	}
	if cfg.Oracle.Timeout == 0 {
		cfg.Oracle.Timeout = 10 * time.Second
	}
	if cfg.Oracle.CacheTTL == 0 {
		cfg.Oracle.CacheTTL = 30 * time.Second
	}

	if cfg.Attestation.Timeout == 0 {
		cfg.Attestation.Timeout = 10 * time.Second
	}

	if cfg.Classifier.Provider == "" {
		cfg.Classifier.Provider = "stub"
		if cfg.Classifier.APIKey != "" {
			cfg.Classifier.Provider = "openai"
		}
	}
	if cfg.Classifier.Model == "" {
		cfg.Classifier.Model = "gpt-4o-mini"
	}
	if cfg.Classifier.Timeout == 0 {
		cfg.Classifier.Timeout = 30 * time.Second
	}

	if cfg.Monitor.Workers == 0 {
		cfg.Monitor.Workers = 2
	}
	if cfg.Monitor.QueueSize == 0 {
		cfg.Monitor.QueueSize = 64
	}

	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":9092"
	}

	if cfg.Journal.Stream == "" {
		cfg.Journal.Stream = "xmonitor:trades"
	}
	if cfg.Journal.MaxLen == 0 {
		cfg.Journal.MaxLen = 10000
	}
	if cfg.Journal.BufferLen == 0 {
		cfg.Journal.BufferLen = 500
	}
}
