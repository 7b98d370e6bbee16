package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the bot engine.
type Config struct {
	// Database
	DBPath string

	// Market data
	Symbols     []string
	UseMockFeed bool
	FeedURL     string

	// Bot definitions (YAML, synced into DB at startup)
	BotConfigPath string

	// Scheduler
	MaxConcurrentBots      int
	StopGracePeriod        time.Duration
	MaxConsecutiveFailures int

	// Connector rate limiting (token bucket per venue)
	ConnectorRatePerSec float64
	ConnectorBurst      int

	// Transaction coordinator
	ExecuteTimeout time.Duration
	ExecuteRetries int
	RetryBackoff   time.Duration

	// Idempotency
	IdempotencyTTL time.Duration

	// Risk / circuit breaker
	BreakerSigma       float64
	BreakerCooldown    time.Duration
	BreakerCooldownCap time.Duration
	AnomalyWindow      time.Duration

	// Reconciliation
	ReconcileInterval time.Duration

	// Paper connector
	PaperInitialBalance float64
	PaperFeeRate        float64 // decimal (e.g. 0.0004 = 4 bps)
	PaperSlippageBps    float64
	PaperLatencyMs      int
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the engine still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		DBPath:                 getEnv("DB_PATH", "./data/botengine.db"),
		Symbols:                splitAndTrim(getEnv("SYMBOLS", "BTCUSDT,ETHUSDT")),
		UseMockFeed:            getEnv("USE_MOCK_FEED", "true") == "true",
		FeedURL:                getEnv("FEED_URL", ""),
		BotConfigPath:          getEnv("BOT_CONFIG_PATH", "./bots.yaml"),
		MaxConcurrentBots:      getEnvInt("MAX_CONCURRENT_BOTS", 16),
		StopGracePeriod:        getEnvDuration("STOP_GRACE_PERIOD", 5*time.Second),
		MaxConsecutiveFailures: getEnvInt("MAX_CONSECUTIVE_FAILURES", 5),
		ConnectorRatePerSec:    getEnvFloat("CONNECTOR_RATE_PER_SEC", 10),
		ConnectorBurst:         getEnvInt("CONNECTOR_BURST", 20),
		ExecuteTimeout:         getEnvDuration("EXECUTE_TIMEOUT", 10*time.Second),
		ExecuteRetries:         getEnvInt("EXECUTE_RETRIES", 2),
		RetryBackoff:           getEnvDuration("RETRY_BACKOFF", 250*time.Millisecond),
		IdempotencyTTL:         getEnvDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		BreakerSigma:           getEnvFloat("BREAKER_SIGMA", 5),
		BreakerCooldown:        getEnvDuration("BREAKER_COOLDOWN", 10*time.Minute),
		BreakerCooldownCap:     getEnvDuration("BREAKER_COOLDOWN_CAP", 2*time.Hour),
		AnomalyWindow:          getEnvDuration("ANOMALY_WINDOW", 30*24*time.Hour),
		ReconcileInterval:      getEnvDuration("RECONCILE_INTERVAL", time.Minute),
		PaperInitialBalance:    getEnvFloat("PAPER_INITIAL_BALANCE", 10000.0),
		PaperFeeRate:           getEnvFloat("PAPER_FEE_RATE", 0.0004),
		PaperSlippageBps:       getEnvFloat("PAPER_SLIPPAGE_BPS", 2),
		PaperLatencyMs:         getEnvInt("PAPER_LATENCY_MS", 0),
	}, nil
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
