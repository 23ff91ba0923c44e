package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Logging  LoggingConfig
	Metrics  MetricsConfig
	Admin    AdminConfig
	Limiter  LimiterConfig
	Breaker  BreakerConfig
	Queue    QueueConfig
	Quota    QuotaConfig
	Billing  BillingConfig
}

type ServerConfig struct {
	Host                    string
	Port                    int
	ReadTimeout             time.Duration
	WriteTimeout            time.Duration
	IdleTimeout             time.Duration
	GracefulShutdownTimeout time.Duration
}

// DatabaseConfig configures the Postgres-backed rule/tier/bypass store.
type DatabaseConfig struct {
	URL             string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

type RedisConfig struct {
	// URL of "memory" selects the in-process Store instead of Redis.
	URL      string
	Password string
	DB       int
}

type LoggingConfig struct {
	Level  string
	Format string // json or text
	// Debug forces debug-level logging regardless of Level.
	Debug bool
}

type MetricsConfig struct {
	Enabled bool
	Port    int
	Path    string
}

type AdminConfig struct {
	AdminSecret string
}

// LimiterConfig carries the defaults applied on the hot path and the
// store-error fail-open/fail-closed policy.
type LimiterConfig struct {
	FailOpenOnStoreError bool
	BypassIPs            []string
	BypassAPIKeys        []string
	MaxThrottleSleep     time.Duration
}

// BreakerConfig carries the per-name circuit breaker defaults.
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration
	HalfOpenProbes   int64
}

// QueueConfig carries the priority queue defaults.
type QueueConfig struct {
	MaxSize         int
	ProcessInterval time.Duration
}

// QuotaConfig carries the named long-horizon quota defaults.
type QuotaConfig struct {
	Defaults map[string]QuotaDefault
}

type QuotaDefault struct {
	Daily   int
	Monthly int
}

// BillingConfig configures the overage usage-metering hook (internal/billing).
type BillingConfig struct {
	StripeSecretKey           string
	OveragePricePerRequestUSD float64
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:                    getEnv("SERVER_HOST", "0.0.0.0"),
			Port:                    getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:             getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:            getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:             getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			GracefulShutdownTimeout: getEnvDuration("SERVER_GRACEFUL_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			MaxConns:        getEnvInt("DB_MAX_CONNS", 25),
			MinConns:        getEnvInt("DB_MIN_CONNS", 5),
			MaxConnLifetime: getEnvDuration("DB_MAX_CONN_LIFETIME", 1*time.Hour),
			MaxConnIdleTime: getEnvDuration("DB_MAX_CONN_IDLE_TIME", 30*time.Minute),
		},
		Redis: RedisConfig{
			URL:      getEnv("STORE_URL", "memory"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
			Debug:  getEnvBool("DEBUG", false),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
			Port:    getEnvInt("METRICS_PORT", 9090),
			Path:    getEnv("METRICS_PATH", "/metrics"),
		},
		Admin: AdminConfig{
			AdminSecret: getEnv("ADMIN_SECRET", ""),
		},
		Limiter: LimiterConfig{
			FailOpenOnStoreError: getEnvBool("FAIL_OPEN_ON_STORE_ERROR", false),
			BypassIPs:            getEnvList("BYPASS_IPS"),
			BypassAPIKeys:        getEnvList("BYPASS_API_KEYS"),
			MaxThrottleSleep:     getEnvDuration("LIMITER_MAX_THROTTLE_SLEEP", 2*time.Second),
		},
		Breaker: BreakerConfig{
			FailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
			SuccessThreshold: getEnvInt("BREAKER_SUCCESS_THRESHOLD", 2),
			ResetTimeout:     getEnvDuration("BREAKER_RESET_TIMEOUT", 30*time.Second),
			HalfOpenProbes:   int64(getEnvInt("BREAKER_HALF_OPEN_PROBES", 1)),
		},
		Queue: QueueConfig{
			MaxSize:         getEnvInt("QUEUE_MAX_SIZE", 10000),
			ProcessInterval: getEnvDuration("QUEUE_PROCESS_INTERVAL", 100*time.Millisecond),
		},
		Quota: QuotaConfig{
			Defaults: map[string]QuotaDefault{
				"ai-requests":  {Daily: getEnvInt("QUOTA_AI_DAILY", 100), Monthly: getEnvInt("QUOTA_AI_MONTHLY", 2000)},
				"file-uploads": {Daily: getEnvInt("QUOTA_UPLOADS_DAILY", 50), Monthly: getEnvInt("QUOTA_UPLOADS_MONTHLY", 500)},
				"exports":      {Daily: getEnvInt("QUOTA_EXPORTS_DAILY", 10), Monthly: getEnvInt("QUOTA_EXPORTS_MONTHLY", 100)},
			},
		},
		Billing: BillingConfig{
			StripeSecretKey:           getEnv("STRIPE_SECRET_KEY", ""),
			OveragePricePerRequestUSD: getEnvFloat("BILLING_OVERAGE_PRICE_PER_REQUEST_USD", 0.000033),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Database.MaxConns < 1 {
		return fmt.Errorf("database max connections must be at least 1")
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker failure threshold must be at least 1")
	}
	if c.Breaker.SuccessThreshold < 1 {
		return fmt.Errorf("breaker success threshold must be at least 1")
	}
	if c.Queue.MaxSize < 1 {
		return fmt.Errorf("queue max size must be at least 1")
	}
	return nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
