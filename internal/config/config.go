// Package config provides configuration management for the activity migrator.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	ObjectStore ObjectStoreConfig
	Provider    ProviderConfig
	Scheduler   SchedulerConfig
	RateLimit   RateLimitConfig
	Logging     LoggingConfig
	StoreDriver string
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port string
	Host string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres PostgresConfig
	Redis    RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// ObjectStoreConfig holds S3-compatible bucket settings for streams and photos
type ObjectStoreConfig struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	PublicURL       string
}

// ProviderConfig holds the third-party fitness API settings
type ProviderConfig struct {
	BaseURL        string
	AuthServiceURL string
	PageSize       int
	Timeout        time.Duration
}

// SchedulerConfig holds tick loop settings
type SchedulerConfig struct {
	Cron            string
	TickDeadline    time.Duration
	SafetyBuffer    time.Duration
	StaleAfter      time.Duration
	MaxRetries      int
	ItemRetryLimit  int
	DedupWindow     time.Duration
	BudgetPerMinute int
}

// RateLimitConfig holds limits for the public HTTP API
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// .env file is optional - environment variables can be set directly
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "activity_migrator"),
				User:           getEnv("POSTGRES_USER", "migrator"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 10),
			},
		},
		ObjectStore: ObjectStoreConfig{
			Bucket:          getEnv("S3_BUCKET", "activity-migrator"),
			Region:          getEnv("S3_REGION", "us-east-1"),
			Endpoint:        getEnv("S3_ENDPOINT", ""),
			AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
			PublicURL:       strings.TrimRight(getEnv("S3_PUBLIC_URL", ""), "/"),
		},
		Provider: ProviderConfig{
			BaseURL:        strings.TrimRight(getEnv("PROVIDER_BASE_URL", "https://www.strava.com/api/v3"), "/"),
			AuthServiceURL: strings.TrimRight(getEnv("AUTH_SERVICE_URL", "http://localhost:8081"), "/"),
			PageSize:       getEnvAsInt("PROVIDER_PAGE_SIZE", 100),
			Timeout:        getEnvAsDuration("PROVIDER_TIMEOUT", 20*time.Second),
		},
		Scheduler: SchedulerConfig{
			Cron:            getEnv("SCHEDULER_CRON", "@every 1m"),
			TickDeadline:    getEnvAsDuration("TICK_DEADLINE", 120*time.Second),
			SafetyBuffer:    getEnvAsDuration("TICK_SAFETY_BUFFER", 15*time.Second),
			StaleAfter:      getEnvAsDuration("STALE_PROCESSING_AFTER", 5*time.Minute),
			MaxRetries:      getEnvAsInt("JOB_MAX_RETRIES", 5),
			ItemRetryLimit:  getEnvAsInt("ITEM_RETRY_LIMIT", 3),
			DedupWindow:     getEnvAsDuration("DEDUP_WINDOW", 5*time.Minute),
			BudgetPerMinute: getEnvAsInt("BUDGET_PER_MINUTE", 6),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsFloat("API_RPS", 5),
			Burst:             getEnvAsInt("API_BURST", 10),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		StoreDriver: getEnv("STORE_DRIVER", "postgres"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate rejects settings the scheduler cannot run with
func (c *Config) Validate() error {
	if c.Provider.PageSize <= 0 {
		return fmt.Errorf("PROVIDER_PAGE_SIZE must be positive")
	}
	if c.Scheduler.SafetyBuffer >= c.Scheduler.TickDeadline {
		return fmt.Errorf("TICK_SAFETY_BUFFER must be shorter than TICK_DEADLINE")
	}
	if c.Scheduler.MaxRetries <= 0 || c.Scheduler.ItemRetryLimit <= 0 {
		return fmt.Errorf("retry limits must be positive")
	}
	if c.Scheduler.BudgetPerMinute <= 0 {
		return fmt.Errorf("BUDGET_PER_MINUTE must be positive")
	}
	switch c.StoreDriver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	return nil
}

// PostgresURL builds the pgx connection string
func (c PostgresConfig) PostgresURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	value, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
