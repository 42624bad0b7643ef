package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the arbitrage core.
type Config struct {
	Port string

	// OKX
	OKXAPIKey     string
	OKXAPISecret  string
	OKXPassphrase string

	// Binance (USDT-M futures)
	BinanceAPIKey    string
	BinanceAPISecret string

	// Symbols: explicit list, or empty to intersect both venues' USDT perpetuals.
	Symbols []string

	// Venue preset file (fees, rate limits, per-symbol overrides).
	VenuesPath string

	// Strategy
	EntryThresholdPct  float64 // minimum net spread % required to open a pair
	GoalNetBase        float64 // base exit target as return on margin (decimal)
	TaperMax           float64 // multiplier on GoalNetBase at hold time 0
	TaperMin           float64 // multiplier on GoalNetBase at MaxHold
	MaxHold            time.Duration
	MaxOpenPairs       int
	BaseMargin         float64 // default margin per leg (USDT)
	MinMargin          float64 // smallest viable margin per order (USDT)
	MaxMarginPerSymbol float64
	Leverage           float64
	DepthFactor        float64 // fraction of top-of-book depth considered fillable
	NotionalTolerance  float64 // max relative notional mismatch between confirmed legs
	ReduceOnlyPairs    bool    // never add to an already fully-paired symbol

	// Risk
	LiquidationThreshold float64 // 0.95 means force-close at 95% margin consumption
	MarginMode           string  // "cross" or "isolated"

	// Timing
	CycleInterval     time.Duration // controller tick
	LegGrace          time.Duration // single-leg tolerance after first fill
	ConfirmDeadline   time.Duration // position confirmation polling budget
	ConfirmInterval   time.Duration
	ExitRetries       int
	ExitRetryDelay    time.Duration
	SnapshotInterval  time.Duration // REST account reconciliation period
	InstrumentRefresh time.Duration // ctVal / min-notional refresh period
	HardReconnect     time.Duration // unconditional stream reset period

	// Persistence
	DBPath      string
	RecordTicks bool

	// HTTP status API
	EnableAPI bool
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:                 getEnv("PORT", "8080"),
		OKXAPIKey:            os.Getenv("OKX_API_KEY"),
		OKXAPISecret:         os.Getenv("OKX_API_SECRET"),
		OKXPassphrase:        os.Getenv("OKX_PASSPHRASE"),
		BinanceAPIKey:        os.Getenv("BINANCE_API_KEY"),
		BinanceAPISecret:     os.Getenv("BINANCE_API_SECRET"),
		Symbols:              splitAndTrim(getEnv("SYMBOLS", "")),
		VenuesPath:           getEnv("VENUES_PATH", "./config/venues.yaml"),
		EntryThresholdPct:    getEnvFloat("ENTRY_THRESHOLD_PCT", 0.3),
		GoalNetBase:          getEnvFloat("GOAL_NET_BASE", 0.005),
		TaperMax:             getEnvFloat("TAPER_MAX", 1.2),
		TaperMin:             getEnvFloat("TAPER_MIN", 0.8),
		MaxHold:              getEnvDuration("MAX_HOLD", 10*time.Minute),
		MaxOpenPairs:         getEnvInt("MAX_OPEN_PAIRS", 5),
		BaseMargin:           getEnvFloat("BASE_MARGIN", 10),
		MinMargin:            getEnvFloat("MIN_MARGIN", 2),
		MaxMarginPerSymbol:   getEnvFloat("MAX_MARGIN_PER_SYMBOL", 200),
		Leverage:             getEnvFloat("LEVERAGE", 5),
		DepthFactor:          getEnvFloat("DEPTH_FACTOR", 1.5),
		NotionalTolerance:    getEnvFloat("NOTIONAL_TOLERANCE", 0.1),
		ReduceOnlyPairs:      getEnv("REDUCE_ONLY_PAIRS", "true") == "true",
		LiquidationThreshold: getEnvFloat("LIQUIDATION_THRESHOLD", 0.95),
		MarginMode:           strings.ToLower(getEnv("MARGIN_MODE", "cross")),
		CycleInterval:        getEnvDuration("CYCLE_INTERVAL", 200*time.Millisecond),
		LegGrace:             getEnvDuration("LEG_GRACE", 1500*time.Millisecond),
		ConfirmDeadline:      getEnvDuration("CONFIRM_DEADLINE", 10*time.Second),
		ConfirmInterval:      getEnvDuration("CONFIRM_INTERVAL", 200*time.Millisecond),
		ExitRetries:          getEnvInt("EXIT_RETRIES", 10),
		ExitRetryDelay:       getEnvDuration("EXIT_RETRY_DELAY", 500*time.Millisecond),
		SnapshotInterval:     getEnvDuration("SNAPSHOT_INTERVAL", 15*time.Second),
		InstrumentRefresh:    getEnvDuration("INSTRUMENT_REFRESH", 4*time.Hour),
		HardReconnect:        getEnvDuration("HARD_RECONNECT", 12*time.Hour),
		DBPath:               getEnv("DB_PATH", "./data/market.db"),
		RecordTicks:          getEnv("RECORD_TICKS", "false") == "true",
		EnableAPI:            getEnv("ENABLE_API", "true") == "true",
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	if val == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
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
