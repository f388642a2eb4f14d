// Package config loads runtime configuration from file, environment, and
// defaults, in that order of increasing precedence for env overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable the engine reads at startup.
type Config struct {
	// Execution
	MaxConcurrent    int  `mapstructure:"max_concurrent"`
	MinParallelBatch int  `mapstructure:"min_parallel_batch"`
	ParallelEnabled  bool `mapstructure:"parallel_enabled"`
	MaxDebugAttempts int  `mapstructure:"max_debug_attempts"`

	// Checkpoint store
	DatabaseURL        string        `mapstructure:"database_url"`
	CheckpointTable    string        `mapstructure:"checkpoint_table"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
	ConnectAttempts    int           `mapstructure:"connect_attempts"`
	PoolMaxConns       int           `mapstructure:"pool_max_conns"`
	PoolMinConns       int           `mapstructure:"pool_min_conns"`
	RequireDurableRuns bool          `mapstructure:"require_durable_runs"`

	// Logging
	LogLevel string `mapstructure:"log_level"`
}

// Defaults mirrors the module-level constants used when no config is present.
func Defaults() Config {
	return Config{
		MaxConcurrent:    4,
		MinParallelBatch: 2,
		ParallelEnabled:  true,
		MaxDebugAttempts: 5,
		CheckpointTable:  "mason_run_checkpoints",
		ConnectTimeout:   10 * time.Second,
		ConnectAttempts:  3,
		PoolMaxConns:     8,
		PoolMinConns:     1,
		LogLevel:         "info",
	}
}

// Load reads mason-config.{yaml,json} from the given path (or $HOME and the
// working directory when empty), applies MASON_* environment overrides, and
// validates the result. A missing config file is not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigName("mason-config")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("$HOME")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("MASON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := Defaults()
	v.SetDefault("max_concurrent", defaults.MaxConcurrent)
	v.SetDefault("min_parallel_batch", defaults.MinParallelBatch)
	v.SetDefault("parallel_enabled", defaults.ParallelEnabled)
	v.SetDefault("max_debug_attempts", defaults.MaxDebugAttempts)
	v.SetDefault("checkpoint_table", defaults.CheckpointTable)
	v.SetDefault("connect_timeout", defaults.ConnectTimeout)
	v.SetDefault("connect_attempts", defaults.ConnectAttempts)
	v.SetDefault("pool_max_conns", defaults.PoolMaxConns)
	v.SetDefault("pool_min_conns", defaults.PoolMinConns)
	v.SetDefault("log_level", defaults.LogLevel)

	if err := v.ReadInConfig(); err != nil {
		// Explicit file paths must exist; discovery mode tolerates absence.
		var notFound viper.ConfigFileNotFoundError
		if path != "" {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c Config) Validate() error {
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be >= 1, got %d", c.MaxConcurrent)
	}
	if c.MaxDebugAttempts < 0 {
		return fmt.Errorf("max_debug_attempts must be >= 0, got %d", c.MaxDebugAttempts)
	}
	if c.MinParallelBatch < 2 {
		return fmt.Errorf("min_parallel_batch must be >= 2, got %d", c.MinParallelBatch)
	}
	if c.ConnectAttempts < 1 {
		return fmt.Errorf("connect_attempts must be >= 1, got %d", c.ConnectAttempts)
	}
	if c.RequireDurableRuns && c.DatabaseURL == "" {
		return fmt.Errorf("require_durable_runs is set but database_url is empty")
	}
	return nil
}
