package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // TRADING_TIMEZONE must resolve on hosts without zoneinfo

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds environment-driven settings for the options engine.
type Config struct {
	Port string

	// Database
	DBPath   string
	SeedFile string // optional YAML of presets, schedules, credentials

	// Delta Exchange
	DeltaBaseURL       string
	DeltaTestnet       bool
	DeltaTimeout       time.Duration
	DeltaMaxRetries    int
	DeltaRetryDelay    time.Duration
	DeltaRatePerMinute int

	// Scheduling
	TradingTimezone       string
	SchedulerInterval     time.Duration
	SchedulerMisfireGrace time.Duration

	// Monitoring
	MonitorPollInterval time.Duration
	MonitorMaxFailures  int

	// Brackets (percent)
	StopLimitBufferPct     decimal.Decimal
	SLToCostBufferPct      decimal.Decimal
	ProfitLockThresholdPct decimal.Decimal

	// Operator auth
	JWTSecret            string
	OperatorUser         string
	OperatorPasswordHash string // bcrypt

	// Logging
	LogLevel  string
	LogPretty bool
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", "8080"),
		DBPath:                 getEnv("DB_PATH", "./data/options.db"),
		SeedFile:               os.Getenv("SEED_FILE"),
		DeltaBaseURL:           os.Getenv("DELTA_BASE_URL"),
		DeltaTestnet:           getEnv("DELTA_TESTNET", "false") == "true",
		DeltaTimeout:           getEnvDuration("DELTA_TIMEOUT", 10*time.Second),
		DeltaMaxRetries:        getEnvInt("DELTA_MAX_RETRIES", 3),
		DeltaRetryDelay:        getEnvDuration("DELTA_RETRY_DELAY", 2*time.Second),
		DeltaRatePerMinute:     getEnvInt("DELTA_RATE_PER_MINUTE", 50),
		TradingTimezone:        getEnv("TRADING_TIMEZONE", "Asia/Kolkata"),
		SchedulerInterval:      getEnvDuration("SCHEDULER_INTERVAL", time.Minute),
		SchedulerMisfireGrace:  getEnvDuration("SCHEDULER_MISFIRE_GRACE", 5*time.Minute),
		MonitorPollInterval:    getEnvDuration("MONITOR_POLL_INTERVAL", 5*time.Second),
		MonitorMaxFailures:     getEnvInt("MONITOR_MAX_FAILURES", 5),
		StopLimitBufferPct:     getEnvDecimal("STOP_LIMIT_BUFFER_PCT", decimal.NewFromInt(5)),
		SLToCostBufferPct:      getEnvDecimal("SL_TO_COST_BUFFER_PCT", decimal.NewFromInt(2)),
		ProfitLockThresholdPct: getEnvDecimal("PROFIT_LOCK_THRESHOLD_PCT", decimal.NewFromInt(100)),
		JWTSecret:              getEnv("JWT_SECRET", "dev-secret"),
		OperatorUser:           getEnv("OPERATOR_USER", "admin"),
		OperatorPasswordHash:   os.Getenv("OPERATOR_PASSWORD_HASH"),
		LogLevel:               strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogPretty:              getEnv("LOG_PRETTY", "false") == "true",
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	for name, d := range map[string]time.Duration{
		"DELTA_TIMEOUT":         c.DeltaTimeout,
		"DELTA_RETRY_DELAY":     c.DeltaRetryDelay,
		"SCHEDULER_INTERVAL":    c.SchedulerInterval,
		"MONITOR_POLL_INTERVAL": c.MonitorPollInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.SchedulerMisfireGrace < 0 {
		errs = append(errs, errors.New("SCHEDULER_MISFIRE_GRACE must not be negative"))
	}
	if c.DeltaMaxRetries < 0 {
		errs = append(errs, errors.New("DELTA_MAX_RETRIES must not be negative"))
	}
	if c.DeltaRatePerMinute <= 0 {
		errs = append(errs, errors.New("DELTA_RATE_PER_MINUTE must be positive"))
	}
	if c.MonitorMaxFailures <= 0 {
		errs = append(errs, errors.New("MONITOR_MAX_FAILURES must be positive"))
	}
	if c.StopLimitBufferPct.IsNegative() || c.SLToCostBufferPct.IsNegative() {
		errs = append(errs, errors.New("bracket buffers must not be negative"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Location resolves TRADING_TIMEZONE.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.TradingTimezone)
	if err != nil {
		return nil, fmt.Errorf("TRADING_TIMEZONE %q: %w", c.TradingTimezone, err)
	}
	return loc, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDecimal(key string, def decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
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
