package config

import (
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // fixed reference timezones on hosts without zoneinfo

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the risk engine.
type Config struct {
	Port     string
	GRPCPort string

	// Binance Futures (USDT)
	BinanceTestnet    bool
	BinanceUSDTKey    string
	BinanceUSDTSecret string

	// Execution
	DryRun               bool
	DryRunInitialBalance float64
	DryRunFeeRate        float64 // decimal (e.g. 0.0004 = 4 bps)
	DryRunSlippageBps    float64

	// Persistence
	DBPath      string
	JournalPath string // JSON-lines fallback when sqlite writes fail

	// Cycle
	Timeframe        string
	Lookback         int // bars fetched per symbol
	CycleInterval    time.Duration
	Workers          int
	ExchangeTimeout  time.Duration
	CommandQueueSize int
	BalanceTTL       time.Duration
	FilterTTL        time.Duration
	ReconcileEvery   time.Duration
	ReconcileRepair  bool

	// Control surface
	JWTSecret     string
	ControlAPIKey string
	NATSURL       string
	NATSStream    string

	// Notifications / telemetry
	DiscordWebhook string
	InfluxURL      string
	InfluxToken    string
	InfluxOrg      string
	InfluxBucket   string

	LogFormat string
	LogLevel  string
	PlanPath  string

	Risk     Risk
	Signal   Signal
	Universe Universe
	Guard    Guard
}

// Risk holds sizing and daily guardrail parameters.
type Risk struct {
	CapitalCap             float64 `yaml:"capital_cap" json:"capital_cap"`
	PositionSizePct        float64 `yaml:"position_size_pct" json:"position_size_pct"` // decimal, 0.01 = 1%
	DailyProfitTarget      float64 `yaml:"daily_profit_target" json:"daily_profit_target"`
	MaxDailyLoss           float64 `yaml:"max_daily_loss" json:"max_daily_loss"`
	MaxConcurrentPositions int     `yaml:"max_concurrent_positions" json:"max_concurrent_positions"`
	MinNotional            float64 `yaml:"min_notional" json:"min_notional"`
	Timezone               string  `yaml:"timezone" json:"timezone"`
	// ClearPauseOnRollover drops an operator pause at the day boundary.
	ClearPauseOnRollover bool `yaml:"clear_pause_on_rollover" json:"clear_pause_on_rollover"`
}

// Signal holds scoring thresholds and bracket distance parameters.
type Signal struct {
	ScoreThreshold float64 `yaml:"score_threshold" json:"score_threshold"`
	KSL            float64 `yaml:"k_sl" json:"k_sl"`
	KTP            float64 `yaml:"k_tp" json:"k_tp"`
	SLMinPct       float64 `yaml:"sl_min_pct" json:"sl_min_pct"`
	SLMaxPct       float64 `yaml:"sl_max_pct" json:"sl_max_pct"`
	TPMinPct       float64 `yaml:"tp_min_pct" json:"tp_min_pct"`
	TPMaxPct       float64 `yaml:"tp_max_pct" json:"tp_max_pct"`
	EMAFast        int     `yaml:"ema_fast" json:"ema_fast"`
	EMASlow        int     `yaml:"ema_slow" json:"ema_slow"`
	RSIPeriod      int     `yaml:"rsi_period" json:"rsi_period"`
	ATRPeriod      int     `yaml:"atr_period" json:"atr_period"`
	MinBars        int     `yaml:"min_bars" json:"min_bars"`
}

// Universe holds pair-selection parameters.
type Universe struct {
	Symbols        []string `yaml:"symbols" json:"symbols"`
	ExcludeSymbols []string `yaml:"exclude_symbols" json:"exclude_symbols"`
	K              int      `yaml:"k" json:"k"`
	MaxSpreadBps   float64  `yaml:"max_spread_bps" json:"max_spread_bps"`
	MinQuoteVolume float64  `yaml:"min_quote_volume" json:"min_quote_volume"`
}

// Guard holds exchange call protection parameters.
type Guard struct {
	MaxRetries       int           `yaml:"max_retries" json:"max_retries"`
	BackoffMin       time.Duration `yaml:"backoff_min" json:"backoff_min"`
	BackoffMax       time.Duration `yaml:"backoff_max" json:"backoff_max"`
	BreakerThreshold int           `yaml:"breaker_threshold" json:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown" json:"breaker_cooldown"`
	RequestsPerSec   float64       `yaml:"requests_per_sec" json:"requests_per_sec"`
}

// Load reads environment variables (optionally via .env) into Config, overlays the
// YAML plan when PLAN_PATH is set and validates the result.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		GRPCPort:             getEnv("GRPC_PORT", "9090"),
		BinanceTestnet:       getEnv("BINANCE_TESTNET", "false") == "true",
		BinanceUSDTKey:       os.Getenv("BINANCE_USDT_KEY"),
		BinanceUSDTSecret:    os.Getenv("BINANCE_USDT_SECRET"),
		DryRun:               getEnv("DRY_RUN", "true") == "true",
		DryRunInitialBalance: getEnvFloat("DRY_RUN_INITIAL_BALANCE", 2000.0),
		DryRunFeeRate:        getEnvFloat("DRY_RUN_FEE_RATE", 0.0004),
		DryRunSlippageBps:    getEnvFloat("DRY_RUN_SLIPPAGE_BPS", 2),
		DBPath:               getEnv("DB_PATH", "./data/risk_engine.db"),
		JournalPath:          getEnv("JOURNAL_PATH", "./data/transitions.wal"),
		Timeframe:            getEnv("TIMEFRAME", "1m"),
		Lookback:             getEnvInt("LOOKBACK_BARS", 150),
		CycleInterval:        getEnvDuration("CYCLE_INTERVAL", time.Minute),
		Workers:              getEnvInt("WORKERS", 4),
		ExchangeTimeout:      getEnvDuration("EXCHANGE_TIMEOUT", 10*time.Second),
		CommandQueueSize:     getEnvInt("COMMAND_QUEUE_SIZE", 16),
		BalanceTTL:           getEnvDuration("BALANCE_TTL", 30*time.Second),
		FilterTTL:            getEnvDuration("FILTER_TTL", time.Hour),
		ReconcileEvery:       getEnvDuration("RECONCILE_INTERVAL", 5*time.Minute),
		ReconcileRepair:      getEnv("RECONCILE_REPAIR", "true") == "true",
		JWTSecret:            getEnv("JWT_SECRET", "dev-secret"),
		ControlAPIKey:        os.Getenv("CONTROL_API_KEY"),
		NATSURL:              os.Getenv("NATS_URL"),
		NATSStream:           getEnv("NATS_STREAM", "riskengine"),
		DiscordWebhook:       os.Getenv("DISCORD_WEBHOOK_URL"),
		InfluxURL:            os.Getenv("INFLUX_URL"),
		InfluxToken:          os.Getenv("INFLUX_TOKEN"),
		InfluxOrg:            getEnv("INFLUX_ORG", "riskengine"),
		InfluxBucket:         getEnv("INFLUX_BUCKET", "cycles"),
		LogFormat:            getEnv("LOG_FORMAT", "console"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		PlanPath:             os.Getenv("PLAN_PATH"),
		Risk: Risk{
			CapitalCap:             getEnvFloat("CAPITAL_CAP", 2000),
			PositionSizePct:        getEnvFloat("POSITION_SIZE_PCT", 0.01),
			DailyProfitTarget:      getEnvFloat("DAILY_PROFIT_TARGET", 50),
			MaxDailyLoss:           getEnvFloat("MAX_DAILY_LOSS", 100),
			MaxConcurrentPositions: getEnvInt("MAX_CONCURRENT_POSITIONS", 3),
			MinNotional:            getEnvFloat("MIN_NOTIONAL", 5),
			Timezone:               getEnv("RESET_TIMEZONE", "UTC"),
			ClearPauseOnRollover:   getEnv("CLEAR_PAUSE_ON_ROLLOVER", "false") == "true",
		},
		Signal: Signal{
			ScoreThreshold: getEnvFloat("SCORE_THRESHOLD", 0.25),
			KSL:            getEnvFloat("K_SL", 1.0),
			KTP:            getEnvFloat("K_TP", 1.8),
			SLMinPct:       getEnvFloat("SL_MIN_PCT", 0.002),
			SLMaxPct:       getEnvFloat("SL_MAX_PCT", 0.02),
			TPMinPct:       getEnvFloat("TP_MIN_PCT", 0.003),
			TPMaxPct:       getEnvFloat("TP_MAX_PCT", 0.04),
			EMAFast:        getEnvInt("EMA_FAST", 9),
			EMASlow:        getEnvInt("EMA_SLOW", 21),
			RSIPeriod:      getEnvInt("RSI_PERIOD", 14),
			ATRPeriod:      getEnvInt("ATR_PERIOD", 14),
			MinBars:        getEnvInt("MIN_BARS", 100),
		},
		Universe: Universe{
			Symbols:        splitAndTrim(getEnv("SYMBOLS", "BTCUSDT,ETHUSDT,SOLUSDT,BNBUSDT")),
			ExcludeSymbols: splitAndTrim(getEnv("EXCLUDE_SYMBOLS", "")),
			K:              getEnvInt("UNIVERSE_K", 2),
			MaxSpreadBps:   getEnvFloat("MAX_SPREAD_BPS", 5),
			MinQuoteVolume: getEnvFloat("MIN_QUOTE_VOLUME", 0),
		},
		Guard: Guard{
			MaxRetries:       getEnvInt("EXCHANGE_MAX_RETRIES", 2),
			BackoffMin:       getEnvDuration("EXCHANGE_BACKOFF_MIN", 200*time.Millisecond),
			BackoffMax:       getEnvDuration("EXCHANGE_BACKOFF_MAX", 2*time.Second),
			BreakerThreshold: getEnvInt("BREAKER_THRESHOLD", 5),
			BreakerCooldown:  getEnvDuration("BREAKER_COOLDOWN", 30*time.Second),
			RequestsPerSec:   getEnvFloat("EXCHANGE_RPS", 10),
		},
	}

	if cfg.PlanPath != "" {
		if err := cfg.ApplyPlan(cfg.PlanPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Location returns the reference timezone for day rollover. Validate guarantees it parses.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Risk.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.ToUpper(strings.TrimSpace(p)); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
