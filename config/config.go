package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	FeedModeSimulator = "simulator"
	FeedModeUpstream  = "upstream"
)

type Config struct {
	App struct {
		Environment string
		LogLevel    string
		ListenAddr  string
	}

	Feed struct {
		Mode            string
		TickInterval    time.Duration
		MaxDriftPercent float64
		MarketHoursOnly bool
		InstrumentsFile string
		SeedPriceMin    float64
		SeedPriceMax    float64
	}

	Upstream struct {
		AuthorizeURL string
		AccessToken  string
		DialTimeout  time.Duration
	}

	Stream struct {
		MaxInterests  int
		SendBuffer    int
		CmdsPerMinute int
		IdleTimeout   time.Duration
		SweepInterval time.Duration
	}

	Redis struct {
		Addr     string
		Password string
		DB       int
		KeyTTL   time.Duration
	}
}

func Load() (*Config, error) {
	cfg := &Config{}

	cfg.App.Environment = getEnvOrDefault("APP_ENV", "production")
	cfg.App.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.App.ListenAddr = getEnvOrDefault("LISTEN_ADDR", ":8080")

	cfg.Feed.Mode = getEnvOrDefault("FEED_MODE", FeedModeSimulator)
	cfg.Feed.TickInterval = time.Duration(getEnvAsIntOrDefault("TICK_INTERVAL_MS", 1000)) * time.Millisecond
	cfg.Feed.MaxDriftPercent = getEnvAsFloatOrDefault("MAX_DRIFT_PERCENT", 0.5)
	cfg.Feed.MarketHoursOnly = getEnvAsBoolOrDefault("MARKET_HOURS_ONLY", false)
	cfg.Feed.InstrumentsFile = getEnvOrDefault("INSTRUMENTS_FILE", "data/instruments.json")
	cfg.Feed.SeedPriceMin = getEnvAsFloatOrDefault("SEED_PRICE_MIN", 50)
	cfg.Feed.SeedPriceMax = getEnvAsFloatOrDefault("SEED_PRICE_MAX", 5000)

	cfg.Upstream.AuthorizeURL = os.Getenv("UPSTREAM_AUTHORIZE_URL")
	cfg.Upstream.AccessToken = os.Getenv("UPSTREAM_ACCESS_TOKEN")
	cfg.Upstream.DialTimeout = time.Duration(getEnvAsIntOrDefault("UPSTREAM_DIAL_TIMEOUT_SECS", 5)) * time.Second

	cfg.Stream.MaxInterests = getEnvAsIntOrDefault("MAX_INTERESTS", 100)
	cfg.Stream.SendBuffer = getEnvAsIntOrDefault("SEND_BUFFER", 256)
	cfg.Stream.CmdsPerMinute = getEnvAsIntOrDefault("CMDS_PER_MINUTE", 10)
	cfg.Stream.IdleTimeout = time.Duration(getEnvAsIntOrDefault("IDLE_TIMEOUT_MINS", 60)) * time.Minute
	cfg.Stream.SweepInterval = time.Duration(getEnvAsIntOrDefault("SWEEP_INTERVAL_SECS", 60)) * time.Second

	cfg.Redis.Addr = os.Getenv("REDIS_ADDR")
	cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	cfg.Redis.DB = getEnvAsIntOrDefault("REDIS_DB", 0)
	cfg.Redis.KeyTTL = time.Duration(getEnvAsIntOrDefault("REDIS_KEY_TTL_MINS", 0)) * time.Minute

	if cfg.Feed.Mode != FeedModeSimulator && cfg.Feed.Mode != FeedModeUpstream {
		return nil, fmt.Errorf("invalid FEED_MODE %q", cfg.Feed.Mode)
	}
	if cfg.Feed.Mode == FeedModeUpstream && cfg.Upstream.AuthorizeURL == "" {
		return nil, fmt.Errorf("FEED_MODE=upstream requires UPSTREAM_AUTHORIZE_URL")
	}
	if cfg.Stream.MaxInterests <= 0 {
		return nil, fmt.Errorf("MAX_INTERESTS must be positive, got %d", cfg.Stream.MaxInterests)
	}

	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
