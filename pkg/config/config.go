// Package config loads Talos runtime configuration from environment
// variables with sensible defaults for driving a single desktop
// application instance.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// ConfigSource indicates where the configuration came from
type ConfigSource string

const (
	ConfigSourceEnvVar  ConfigSource = "environment_variable"
	ConfigSourceDefault ConfigSource = "default"
)

// Config holds runtime configuration for the batch engine
type Config struct {
	// MaxScriptItems is the maximum number of item operations folded into a
	// single script body. Batches larger than this are split into chunks.
	MaxScriptItems int

	// MaxRequestItems caps the item count of one incoming bulk request. It
	// sits above MaxScriptItems so a request can span several script
	// executions.
	MaxRequestItems int

	// ScriptTimeout is the hard deadline for one chunked script execution.
	ScriptTimeout time.Duration

	// ItemTimeout is the smaller deadline used for single-item fallback
	// invocations so one stuck item cannot stall the whole chunk recovery.
	ItemTimeout time.Duration

	// MaxBridgeConcurrency bounds simultaneous bridge invocations. The
	// automated application is effectively single-instance, so this stays
	// small.
	MaxBridgeConcurrency int

	// StorePath is the on-disk location of the idempotency store.
	StorePath string

	// CacheTTL is the default time-to-live for resource cache entries.
	CacheTTL time.Duration

	// Source indicates whether any value was overridden from the environment
	Source ConfigSource
}

// LoadConfig loads configuration with priority: env vars > defaults
func LoadConfig() *Config {
	config := &Config{
		MaxScriptItems:       1000,
		MaxRequestItems:      10000,
		ScriptTimeout:        120 * time.Second,
		ItemTimeout:          15 * time.Second,
		MaxBridgeConcurrency: 2,
		StorePath:            defaultStorePath(),
		CacheTTL:             300 * time.Second,
		Source:               ConfigSourceDefault,
	}

	if v := getEnvInt("TALOS_MAX_SCRIPT_ITEMS", 0); v > 0 {
		config.MaxScriptItems = v
		config.Source = ConfigSourceEnvVar
	}
	if v := getEnvInt("TALOS_MAX_REQUEST_ITEMS", 0); v > 0 {
		config.MaxRequestItems = v
		config.Source = ConfigSourceEnvVar
	}
	if v := getEnvDuration("TALOS_SCRIPT_TIMEOUT", 0); v > 0 {
		config.ScriptTimeout = v
		config.Source = ConfigSourceEnvVar
	}
	if v := getEnvDuration("TALOS_ITEM_TIMEOUT", 0); v > 0 {
		config.ItemTimeout = v
		config.Source = ConfigSourceEnvVar
	}
	if v := getEnvInt("TALOS_MAX_BRIDGE_CONCURRENCY", 0); v > 0 {
		config.MaxBridgeConcurrency = v
		config.Source = ConfigSourceEnvVar
	}
	if v := os.Getenv("TALOS_STORE_PATH"); v != "" {
		config.StorePath = v
		config.Source = ConfigSourceEnvVar
	}
	if v := getEnvDuration("TALOS_CACHE_TTL", 0); v > 0 {
		config.CacheTTL = v
		config.Source = ConfigSourceEnvVar
	}

	// The item timeout must stay below the chunk timeout for the fallback
	// latency bound to hold.
	if config.ItemTimeout >= config.ScriptTimeout {
		config.ItemTimeout = config.ScriptTimeout / 2
	}

	return config
}

// defaultStorePath returns the default idempotency store location under the
// user's home directory, falling back to the working directory.
func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "talos-outcomes.db"
	}
	return filepath.Join(home, ".talos", "outcomes.db")
}

// getEnvInt retrieves an integer from an environment variable with default fallback
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration from an environment variable with
// default fallback. Bare integers are interpreted as seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

// String returns a formatted string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{MaxScriptItems: %d, MaxRequestItems: %d, ScriptTimeout: %s, ItemTimeout: %s, MaxBridgeConcurrency: %d, StorePath: %s, CacheTTL: %s, Source: %s}",
		c.MaxScriptItems,
		c.MaxRequestItems,
		c.ScriptTimeout,
		c.ItemTimeout,
		c.MaxBridgeConcurrency,
		c.StorePath,
		c.CacheTTL,
		c.Source,
	)
}
