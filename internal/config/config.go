// Package config loads process configuration from the environment once at
// startup. Components receive the values they need explicitly; nothing in
// the tree reads os.Getenv after init.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the full process configuration
type Config struct {
	DatabaseURL string
	RedisAddr   string

	// EncryptionKey is the 32-byte AES-GCM key for API credential storage,
	// hex encoded in the environment. Missing or malformed is fatal.
	EncryptionKey []byte

	HTTPAddr    string
	MetricsAddr string
	BaseURL     string

	// MinProfitThreshold is the net-return floor for opportunity detection
	MinProfitThreshold decimal.Decimal

	MonitorInterval  time.Duration
	SweepInterval    time.Duration
	RestPollInterval time.Duration

	// Symbols tracked at startup, canonical form
	Symbols []string
}

// Load reads the environment and validates the fatal preconditions
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:        getEnv("DATABASE_URL", "postgres://localhost:5432/fundingarb?sslmode=disable"),
		RedisAddr:          getEnv("REDIS_ADDR", "localhost:6379"),
		HTTPAddr:           ":" + getEnv("HTTP_PORT", "8080"),
		MetricsAddr:        ":" + getEnv("METRICS_PORT", "9090"),
		BaseURL:            getEnv("NEXT_PUBLIC_BASE_URL", "http://localhost:8080"),
		MonitorInterval:    getDuration("MONITOR_INTERVAL", 30*time.Second),
		SweepInterval:      getDuration("OPPORTUNITY_SWEEP_INTERVAL", time.Minute),
		RestPollInterval:   getDuration("REST_POLL_INTERVAL", time.Minute),
		MinProfitThreshold: decimal.Zero,
	}

	if raw := getEnv("MIN_PROFIT_THRESHOLD", ""); raw != "" {
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("MIN_PROFIT_THRESHOLD %q: %w", raw, err)
		}
		cfg.MinProfitThreshold = v
	}

	rawKey := os.Getenv("ENCRYPTION_KEY")
	if rawKey == "" {
		return nil, fmt.Errorf("ENCRYPTION_KEY is required")
	}
	key, err := hex.DecodeString(rawKey)
	if err != nil {
		return nil, fmt.Errorf("ENCRYPTION_KEY is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("ENCRYPTION_KEY must decode to 32 bytes, got %d", len(key))
	}
	cfg.EncryptionKey = key

	for _, s := range strings.Split(getEnv("SYMBOLS",
		"BTCUSDT,ETHUSDT,SOLUSDT,BNBUSDT,XRPUSDT,DOGEUSDT,ADAUSDT,AVAXUSDT,DOTUSDT,LTCUSDT,LINKUSDT,UNIUSDT,ATOMUSDT,ETCUSDT"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			cfg.Symbols = append(cfg.Symbols, s)
		}
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

