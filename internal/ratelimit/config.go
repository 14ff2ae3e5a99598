// Package ratelimit tracks the provider's shared rate-limit windows and turns
// them into a per-tick call budget.
package ratelimit

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"
)

// Default tracker configuration values.
const (
	DefaultSafetyMargin   = 10              // calls held back from every computed budget
	DefaultBudget         = 80              // budget used before any response has been seen
	DefaultPressureMargin = 5               // pause when a window is this close to its limit
	DefaultLimit15Min     = 100             // assumed when the limit header is absent
	DefaultLimitDaily     = 1000            // assumed when the limit header is absent
	DefaultResetBuffer    = 5 * time.Second // added to every computed window reset
	DefaultWindow         = 15 * time.Minute
	DefaultStateKey       = "migrator:ratelimit"
	DefaultStateTTL       = 48 * time.Hour
	DefaultLimitHeader    = "X-RateLimit-Limit"
	DefaultUsageHeader    = "X-RateLimit-Usage"
)

// Environment variable names for tracker configuration.
const (
	EnvSafetyMargin      = "PROVIDER_SAFETY_MARGIN"
	EnvDefaultBudget     = "PROVIDER_DEFAULT_BUDGET"
	EnvPressureMargin    = "PROVIDER_PRESSURE_MARGIN"
	EnvDefaultLimit15Min = "PROVIDER_DEFAULT_LIMIT_15MIN"
	EnvDefaultLimitDaily = "PROVIDER_DEFAULT_LIMIT_DAILY"
)

// TrackerConfig holds rate limit tracker tuning.
type TrackerConfig struct {
	// SafetyMargin is subtracted from every computed budget so the tracker's
	// own staleness does not cause a real 429.
	// Environment: PROVIDER_SAFETY_MARGIN, Default: 10
	SafetyMargin int

	// DefaultBudget is returned when no state has been recorded yet.
	// Environment: PROVIDER_DEFAULT_BUDGET, Default: 80
	DefaultBudget int

	// PressureMargin is how close to a limit counts as pressure.
	// Environment: PROVIDER_PRESSURE_MARGIN, Default: 5
	PressureMargin int

	// DefaultLimit15Min and DefaultLimitDaily fill in a missing limit header.
	DefaultLimit15Min int
	DefaultLimitDaily int

	// ResetBuffer pads computed retry times past the provider's window edge.
	ResetBuffer time.Duration
}

// NewTrackerConfig creates a TrackerConfig with default values.
func NewTrackerConfig() *TrackerConfig {
	return &TrackerConfig{
		SafetyMargin:      DefaultSafetyMargin,
		DefaultBudget:     DefaultBudget,
		PressureMargin:    DefaultPressureMargin,
		DefaultLimit15Min: DefaultLimit15Min,
		DefaultLimitDaily: DefaultLimitDaily,
		ResetBuffer:       DefaultResetBuffer,
	}
}

// LoadFromEnv loads configuration from environment variables.
// Invalid values are logged as warnings and defaults are used instead.
func LoadFromEnv() *TrackerConfig {
	cfg := NewTrackerConfig()

	load := func(key string, def int, ok func(int) bool, dst *int) {
		if val := getEnvInt(key, def); ok(val) {
			*dst = val
		} else if os.Getenv(key) != "" {
			log.Printf("WARNING: Invalid %s value, using default %d", key, def)
		}
	}
	nonNegative := func(v int) bool { return v >= 0 }
	positive := func(v int) bool { return v > 0 }

	load(EnvSafetyMargin, DefaultSafetyMargin, nonNegative, &cfg.SafetyMargin)
	load(EnvDefaultBudget, DefaultBudget, positive, &cfg.DefaultBudget)
	load(EnvPressureMargin, DefaultPressureMargin, nonNegative, &cfg.PressureMargin)
	load(EnvDefaultLimit15Min, DefaultLimit15Min, positive, &cfg.DefaultLimit15Min)
	load(EnvDefaultLimitDaily, DefaultLimitDaily, positive, &cfg.DefaultLimitDaily)

	if err := cfg.Validate(); err != nil {
		log.Printf("WARNING: Configuration validation failed: %v. Using defaults.", err)
		return NewTrackerConfig()
	}

	return cfg
}

// Validate ensures configuration is valid.
func (c *TrackerConfig) Validate() error {
	if c.SafetyMargin < 0 {
		return errors.New("SafetyMargin cannot be negative")
	}
	if c.PressureMargin < 0 {
		return errors.New("PressureMargin cannot be negative")
	}
	if c.DefaultBudget <= 0 {
		return errors.New("DefaultBudget must be positive")
	}
	if c.DefaultLimit15Min <= 0 || c.DefaultLimitDaily <= 0 {
		return errors.New("default limits must be positive")
	}
	if c.DefaultLimit15Min > c.DefaultLimitDaily {
		return fmt.Errorf("DefaultLimit15Min (%d) cannot exceed DefaultLimitDaily (%d)",
			c.DefaultLimit15Min, c.DefaultLimitDaily)
	}
	if c.SafetyMargin >= c.DefaultLimit15Min {
		return fmt.Errorf("SafetyMargin (%d) leaves no budget under DefaultLimit15Min (%d)",
			c.SafetyMargin, c.DefaultLimit15Min)
	}
	if c.ResetBuffer < 0 {
		return errors.New("ResetBuffer cannot be negative")
	}
	return nil
}

// getEnvInt returns -1 for a value that does not parse.
func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}

	intVal, err := strconv.Atoi(val)
	if err != nil {
		return -1
	}
	return intVal
}

// String returns a string representation of the configuration for logging.
func (c *TrackerConfig) String() string {
	return fmt.Sprintf(
		"TrackerConfig{SafetyMargin: %d, DefaultBudget: %d, PressureMargin: %d, DefaultLimits: %d/%d, ResetBuffer: %s}",
		c.SafetyMargin, c.DefaultBudget, c.PressureMargin,
		c.DefaultLimit15Min, c.DefaultLimitDaily, c.ResetBuffer,
	)
}
