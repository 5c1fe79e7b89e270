// Package config loads service configuration from the environment with an
// optional YAML overlay for provider settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for optional settings.
const (
	DefaultCoinPaprikaBaseURL = "https://api.coinpaprika.com/v1"
	DefaultCoinGeckoBaseURL   = "https://api.coingecko.com/api/v3"
	DefaultCSVDataPath        = "/app/data/crypto_data.csv"
)

// Config carries every runtime setting of the service. DatabaseURL feeds the
// API pool, DatabaseURLSync the ETL pool; both are required and startup
// aborts without them.
type Config struct {
	DatabaseURL     string
	DatabaseURLSync string

	CoinPaprikaAPIKey  string
	CoinGeckoAPIKey    string
	CoinPaprikaBaseURL string
	CoinGeckoBaseURL   string
	CSVDataPath        string

	ScheduleInterval  time.Duration
	BatchSize         int
	RateLimitRequests int
	RateLimitPeriod   time.Duration

	APIHost string
	APIPort int

	LogLevel  string
	LogFormat string

	MigrationSecret string
}

// Load reads configuration from the environment, applying defaults for
// optional settings. Missing required variables or unparsable numeric
// values return an error; callers treat that as fatal.
func Load() (*Config, error) {
	cfg := &Config{
		CoinPaprikaAPIKey:  os.Getenv("COINPAPRIKA_API_KEY"),
		CoinGeckoAPIKey:    os.Getenv("COINGECKO_API_KEY"),
		CoinPaprikaBaseURL: getEnv("COINPAPRIKA_BASE_URL", DefaultCoinPaprikaBaseURL),
		CoinGeckoBaseURL:   getEnv("COINGECKO_BASE_URL", DefaultCoinGeckoBaseURL),
		CSVDataPath:        getEnv("CSV_DATA_PATH", DefaultCSVDataPath),
		APIHost:            getEnv("API_HOST", "0.0.0.0"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "json"),
		MigrationSecret:    os.Getenv("MIGRATION_SECRET"),
	}

	var err error
	if cfg.DatabaseURL, err = requireEnv("DATABASE_URL"); err != nil {
		return nil, err
	}
	if cfg.DatabaseURLSync, err = requireEnv("DATABASE_URL_SYNC"); err != nil {
		return nil, err
	}

	scheduleMinutes, err := getEnvInt("ETL_SCHEDULE_MINUTES", 30)
	if err != nil {
		return nil, err
	}
	if cfg.BatchSize, err = getEnvInt("ETL_BATCH_SIZE", 1000); err != nil {
		return nil, err
	}
	if cfg.RateLimitRequests, err = getEnvInt("ETL_RATE_LIMIT_REQUESTS", 10); err != nil {
		return nil, err
	}
	periodSeconds, err := getEnvInt("ETL_RATE_LIMIT_PERIOD", 60)
	if err != nil {
		return nil, err
	}
	if cfg.APIPort, err = getEnvInt("API_PORT", 8000); err != nil {
		return nil, err
	}

	cfg.ScheduleInterval = time.Duration(scheduleMinutes) * time.Minute
	cfg.RateLimitPeriod = time.Duration(periodSeconds) * time.Second

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ScheduleInterval < time.Minute {
		return fmt.Errorf("ETL_SCHEDULE_MINUTES must be at least 1, got %s", c.ScheduleInterval)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("ETL_BATCH_SIZE must be at least 1, got %d", c.BatchSize)
	}
	if c.RateLimitRequests < 1 {
		return fmt.Errorf("ETL_RATE_LIMIT_REQUESTS must be at least 1, got %d", c.RateLimitRequests)
	}
	if c.RateLimitPeriod < time.Second {
		return fmt.Errorf("ETL_RATE_LIMIT_PERIOD must be at least 1, got %s", c.RateLimitPeriod)
	}
	if c.APIPort < 1 || c.APIPort > 65535 {
		return fmt.Errorf("API_PORT out of range: %d", c.APIPort)
	}
	return nil
}

// RateSpacing is the minimum interval between consecutive provider calls.
func (c *Config) RateSpacing() time.Duration {
	return c.RateLimitPeriod / time.Duration(c.RateLimitRequests)
}

type providerOverlay struct {
	BaseURL *string `yaml:"base_url"`
	APIKey  *string `yaml:"api_key"`
}

type fileOverlay struct {
	Providers struct {
		CoinPaprika *providerOverlay `yaml:"coinpaprika"`
		CoinGecko   *providerOverlay `yaml:"coingecko"`
	} `yaml:"providers"`
	RateLimit *struct {
		Requests      *int `yaml:"requests"`
		PeriodSeconds *int `yaml:"period_seconds"`
	} `yaml:"rate_limit"`
	CSV *struct {
		Path *string `yaml:"path"`
	} `yaml:"csv"`
	Scheduler *struct {
		IntervalMinutes *int `yaml:"interval_minutes"`
		BatchSize       *int `yaml:"batch_size"`
	} `yaml:"scheduler"`
}

// ApplyFile overlays settings from a YAML file. Only keys present in the
// file override the environment-derived values.
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var overlay fileOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	applyProvider(overlay.Providers.CoinPaprika, &c.CoinPaprikaBaseURL, &c.CoinPaprikaAPIKey)
	applyProvider(overlay.Providers.CoinGecko, &c.CoinGeckoBaseURL, &c.CoinGeckoAPIKey)

	if rl := overlay.RateLimit; rl != nil {
		if rl.Requests != nil {
			c.RateLimitRequests = *rl.Requests
		}
		if rl.PeriodSeconds != nil {
			c.RateLimitPeriod = time.Duration(*rl.PeriodSeconds) * time.Second
		}
	}
	if overlay.CSV != nil && overlay.CSV.Path != nil {
		c.CSVDataPath = *overlay.CSV.Path
	}
	if s := overlay.Scheduler; s != nil {
		if s.IntervalMinutes != nil {
			c.ScheduleInterval = time.Duration(*s.IntervalMinutes) * time.Minute
		}
		if s.BatchSize != nil {
			c.BatchSize = *s.BatchSize
		}
	}

	return c.validate()
}

func applyProvider(o *providerOverlay, baseURL, apiKey *string) {
	if o == nil {
		return
	}
	if o.BaseURL != nil {
		*baseURL = *o.BaseURL
	}
	if o.APIKey != nil {
		*apiKey = *o.APIKey
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func requireEnv(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("required environment variable %s is not set", key)
	}
	return v, nil
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q", key, v)
	}
	return n, nil
}
