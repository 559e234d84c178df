// Package config provides application-wide configuration management.
// All configuration is read from environment variables at startup.
// No configuration is hardcoded in strategy or broker logic.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Mode defines whether the system runs in paper or live trading mode.
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// ApprovalMode controls how pending orders are confirmed by the operator.
type ApprovalMode string

const (
	// ApprovalRequired waits for an explicit approve/reject via Telegram.
	ApprovalRequired ApprovalMode = "required"
	// ApprovalNotifyOnly sends a notification and proceeds immediately.
	ApprovalNotifyOnly ApprovalMode = "notify_only"
	// ApprovalAutoExecute places orders silently.
	ApprovalAutoExecute ApprovalMode = "auto_execute"
)

// Universe maps the strategy's abstract instrument roles to tickers.
// L1 is the 1x long reference, L2 the 2x long, S2 the 2x inverse.
type Universe struct {
	Long1x    string
	Long2x    string
	Inverse2x string
	// CryptoPair is the reference spot pair used for weekend-gap context.
	CryptoPair string
}

// DefaultUniverse is the Bitcoin ETF set the strategy was built on.
func DefaultUniverse() Universe {
	return Universe{
		Long1x:     "IBIT",
		Long2x:     "BITX",
		Inverse2x:  "SBIT",
		CryptoPair: "BTC/USD",
	}
}

// Symbols returns the tradeable tickers in the universe.
func (u Universe) Symbols() []string {
	return []string{u.Long1x, u.Long2x, u.Inverse2x}
}

// IsLong reports whether the symbol is one of the long-polarity instruments.
func (u Universe) IsLong(symbol string) bool {
	return symbol == u.Long1x || symbol == u.Long2x
}

// IsInverse reports whether the symbol is the inverse-polarity instrument.
func (u Universe) IsInverse(symbol string) bool {
	return symbol == u.Inverse2x
}

// Inverse returns the hedge instrument for a held symbol: longs hedge with
// the 2x inverse, the inverse hedges with the 2x long.
func (u Universe) Inverse(symbol string) string {
	if symbol == u.Inverse2x {
		return u.Long2x
	}
	return u.Inverse2x
}

// StrategyConfig holds the tunable thresholds of the signal engine.
// Defaults are the production values; persisted parameters loaded from the
// store at startup override them.
type StrategyConfig struct {
	MeanReversionEnabled   bool
	MeanReversionThreshold float64 // buy L2 after L1 drops below this %, previous day

	ShortThursdayEnabled bool

	CrashDayEnabled    bool
	CrashDayThreshold  float64 // intraday drop % that triggers S2
	CrashDayCutoffTime string  // "HH:MM" exchange-local; no crash entries after this

	PumpDayEnabled    bool
	PumpDayThreshold  float64 // intraday gain % that triggers L2
	PumpDayCutoffTime string

	TenAMDumpEnabled bool

	ReversalEnabled   bool
	ReversalThreshold float64 // flip a losing long once it is down this %

	WeekendGapEnabled            bool
	WeekendGapWatchThreshold     float64
	WeekendGapHighAlertThreshold float64
	WeekendGapCriticalThreshold  float64

	SlippagePct float64 // expected slippage on paper fills, in percent
}

// DefaultStrategyConfig returns the production defaults.
func DefaultStrategyConfig() StrategyConfig {
	return StrategyConfig{
		MeanReversionEnabled:   true,
		MeanReversionThreshold: -2.0,
		ShortThursdayEnabled:   true,
		CrashDayEnabled:        true,
		CrashDayThreshold:      -1.5,
		CrashDayCutoffTime:     "15:30",
		PumpDayEnabled:         true,
		PumpDayThreshold:       1.5,
		PumpDayCutoffTime:      "15:30",
		TenAMDumpEnabled:       true,
		ReversalEnabled:        true,
		ReversalThreshold:      -2.0,

		WeekendGapEnabled:            true,
		WeekendGapWatchThreshold:     -1.0,
		WeekendGapHighAlertThreshold: -2.0,
		WeekendGapCriticalThreshold:  -3.0,

		SlippagePct: 0.02,
	}
}

// ApplyParams overrides thresholds with persisted values from the store.
// Keys follow the parameter-tuner naming; unknown keys are ignored.
func (s *StrategyConfig) ApplyParams(params map[string]float64) {
	if v, ok := params["mean_reversion_enabled"]; ok {
		s.MeanReversionEnabled = v != 0
	}
	if v, ok := params["mr_threshold"]; ok {
		s.MeanReversionThreshold = v
	}
	if v, ok := params["short_thursday_enabled"]; ok {
		s.ShortThursdayEnabled = v != 0
	}
	if v, ok := params["crash_day_enabled"]; ok {
		s.CrashDayEnabled = v != 0
	}
	if v, ok := params["crash_threshold"]; ok {
		s.CrashDayThreshold = v
	}
	if v, ok := params["pump_day_enabled"]; ok {
		s.PumpDayEnabled = v != 0
	}
	if v, ok := params["pump_threshold"]; ok {
		s.PumpDayThreshold = v
	}
	if v, ok := params["ten_am_dump_enabled"]; ok {
		s.TenAMDumpEnabled = v != 0
	}
	if v, ok := params["reversal_enabled"]; ok {
		s.ReversalEnabled = v != 0
	}
	if v, ok := params["reversal_threshold"]; ok {
		s.ReversalThreshold = v
	}
}

// HedgeTierConfig is one rung of the trailing-hedge ladder.
type HedgeTierConfig struct {
	GainThresholdPct float64
	HedgeSizePct     float64
}

// HedgeConfig holds the trailing-hedge ladder settings.
type HedgeConfig struct {
	Enabled        bool
	Tiers          []HedgeTierConfig
	MaxHedgePct    float64
	MinGainDollars float64
}

// DefaultHedgeConfig returns the conservative three-tier ladder.
func DefaultHedgeConfig() HedgeConfig {
	return HedgeConfig{
		Enabled: true,
		Tiers: []HedgeTierConfig{
			{GainThresholdPct: 2.5, HedgeSizePct: 15.0},
			{GainThresholdPct: 4.0, HedgeSizePct: 15.0},
			{GainThresholdPct: 5.5, HedgeSizePct: 10.0},
		},
		MaxHedgePct:    40.0,
		MinGainDollars: 20.0,
	}
}

// ETradeConfig holds E*TRADE API credentials.
type ETradeConfig struct {
	ConsumerKey    string
	ConsumerSecret string
	BaseURL        string
	AccountIDKey   string
}

// TelegramConfig holds the approval-channel credentials.
type TelegramConfig struct {
	BotToken string
	ChatID   int64
}

// MarketDataConfig holds market-data provider credentials.
type MarketDataConfig struct {
	AlpacaAPIKey    string
	AlpacaSecretKey string
	FinnhubAPIKey   string
	StreamEnabled   bool
}

// Config holds all worker configuration.
// Loaded once at startup and passed as read-only to all components.
type Config struct {
	TradingMode  Mode
	ApprovalMode ApprovalMode

	// ApprovalTimeoutMinutes is how long a pending order waits for the
	// operator before it is abandoned.
	ApprovalTimeoutMinutes int

	// MaxPositionPct caps a single order at this percentage of cash.
	MaxPositionPct float64
	// MaxPositionUSD optionally caps a single order in dollars (0 = no cap).
	MaxPositionUSD float64

	TrailingHedgeEnabled bool

	DatabasePath string
	MetricsAddr  string

	Universe Universe
	Strategy StrategyConfig
	Hedge    HedgeConfig

	ETrade     ETradeConfig
	Telegram   TelegramConfig
	MarketData MarketDataConfig

	// LiveConfirmed must be set alongside TRADING_MODE=live. Prevents a
	// stray env var from placing real orders.
	LiveConfirmed bool
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		TradingMode:            Mode(envOr("TRADING_MODE", string(ModePaper))),
		ApprovalMode:           ApprovalMode(envOr("APPROVAL_MODE", string(ApprovalRequired))),
		ApprovalTimeoutMinutes: envInt("APPROVAL_TIMEOUT_MINUTES", 10),
		MaxPositionPct:         envFloat("MAX_POSITION_PCT", 75.0),
		MaxPositionUSD:         envFloat("MAX_POSITION_USD", 0),
		TrailingHedgeEnabled:   envBool("TRAILING_HEDGE_ENABLED", true),
		DatabasePath:           envOr("DATABASE_PATH", "trading_bot.db"),
		MetricsAddr:            envOr("METRICS_ADDR", ""),
		Universe:               DefaultUniverse(),
		Strategy:               DefaultStrategyConfig(),
		Hedge:                  DefaultHedgeConfig(),
		ETrade: ETradeConfig{
			ConsumerKey:    os.Getenv("ETRADE_CONSUMER_KEY"),
			ConsumerSecret: os.Getenv("ETRADE_CONSUMER_SECRET"),
			BaseURL:        envOr("ETRADE_BASE_URL", "https://api.etrade.com"),
			AccountIDKey:   os.Getenv("ETRADE_ACCOUNT_ID"),
		},
		Telegram: TelegramConfig{
			BotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
			ChatID:   envInt64("TELEGRAM_CHAT_ID", 0),
		},
		MarketData: MarketDataConfig{
			AlpacaAPIKey:    os.Getenv("ALPACA_API_KEY"),
			AlpacaSecretKey: os.Getenv("ALPACA_SECRET_KEY"),
			FinnhubAPIKey:   os.Getenv("FINNHUB_API_KEY"),
			StreamEnabled:   envBool("MARKET_STREAM_ENABLED", true),
		},
		LiveConfirmed: envBool("LIVE_CONFIRMED", false),
	}

	cfg.Hedge.Enabled = cfg.TrailingHedgeEnabled

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are present and sane.
func (c *Config) Validate() error {
	if c.TradingMode != ModePaper && c.TradingMode != ModeLive {
		return fmt.Errorf("trading_mode must be 'paper' or 'live', got %q", c.TradingMode)
	}
	switch c.ApprovalMode {
	case ApprovalRequired, ApprovalNotifyOnly, ApprovalAutoExecute:
	default:
		return fmt.Errorf("approval_mode must be required, notify_only or auto_execute, got %q", c.ApprovalMode)
	}
	if c.ApprovalTimeoutMinutes <= 0 {
		return fmt.Errorf("approval_timeout_minutes must be positive, got %d", c.ApprovalTimeoutMinutes)
	}
	if c.MaxPositionPct <= 0 || c.MaxPositionPct > 100 {
		return fmt.Errorf("max_position_pct must be in (0, 100], got %f", c.MaxPositionPct)
	}
	if c.MaxPositionUSD < 0 {
		return fmt.Errorf("max_position_usd cannot be negative, got %f", c.MaxPositionUSD)
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path is required")
	}

	// Live mode has stricter requirements to prevent accidental real trading.
	if c.TradingMode == ModeLive {
		if err := c.validateLiveMode(); err != nil {
			return fmt.Errorf("live mode: %w", err)
		}
	}
	return nil
}

// validateLiveMode enforces extra safety checks when running with real money.
func (c *Config) validateLiveMode() error {
	if !c.LiveConfirmed {
		return fmt.Errorf("LIVE_CONFIRMED=true is required to run live")
	}
	if c.ETrade.ConsumerKey == "" || c.ETrade.ConsumerSecret == "" {
		return fmt.Errorf("ETRADE_CONSUMER_KEY and ETRADE_CONSUMER_SECRET are required")
	}
	if c.ETrade.AccountIDKey == "" {
		return fmt.Errorf("ETRADE_ACCOUNT_ID is required")
	}
	// Safety cap: never deploy the entire account on one signal in live mode.
	if c.MaxPositionPct > 90 {
		return fmt.Errorf("max_position_pct cannot exceed 90%% in live mode (got %.1f%%)", c.MaxPositionPct)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBool(key string, fallback bool) bool {
	switch os.Getenv(key) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	return fallback
}
