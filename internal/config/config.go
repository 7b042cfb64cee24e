// Package config loads entityflow settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/roach88/entityflow/internal/engine"
)

// Prefix is prepended to every environment variable name.
const Prefix = "ENTITYFLOW_"

// Config holds runtime settings. CLI flags override the values loaded here.
type Config struct {
	// DB is the SQLite database path.
	DB string `env:"DB" envDefault:"entityflow.db"`

	Workers        int           `env:"WORKERS" envDefault:"4"`
	MaxBatch       int           `env:"MAX_BATCH" envDefault:"20"`
	PollInterval   time.Duration `env:"POLL_INTERVAL" envDefault:"250ms"`
	DedupRetention time.Duration `env:"DEDUP_RETENTION" envDefault:"24h"`

	LogLevel slog.Level `env:"LOG_LEVEL" envDefault:"info"`

	// MetricsAddr is the listen address of the metrics endpoint. Empty
	// disables it.
	MetricsAddr string `env:"METRICS_ADDR"`
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	return load(env.Options{Prefix: Prefix})
}

// LoadFrom reads the configuration from environ instead of the process
// environment. Keys carry the prefix.
func LoadFrom(environ map[string]string) (Config, error) {
	return load(env.Options{Prefix: Prefix, Environment: environ})
}

func load(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	if c.DB == "" {
		return fmt.Errorf("config: %sDB must not be empty", Prefix)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("config: %sWORKERS must be positive, got %d", Prefix, c.Workers)
	}
	if c.MaxBatch <= 0 {
		return fmt.Errorf("config: %sMAX_BATCH must be positive, got %d", Prefix, c.MaxBatch)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("config: %sPOLL_INTERVAL must be positive, got %s", Prefix, c.PollInterval)
	}
	if c.DedupRetention < 0 {
		return fmt.Errorf("config: %sDEDUP_RETENTION must not be negative, got %s", Prefix, c.DedupRetention)
	}
	return nil
}

// EngineOptions converts the settings to engine options.
func (c Config) EngineOptions() []engine.Option {
	return []engine.Option{
		engine.WithWorkers(c.Workers),
		engine.WithMaxBatchSize(c.MaxBatch),
		engine.WithPollInterval(c.PollInterval),
		engine.WithDedupRetention(c.DedupRetention),
	}
}
