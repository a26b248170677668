// Package config loads the daemon configuration from a YAML file, with
// environment overrides for deployment secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration.
type Config struct {
	// DBPath is the SQLite file backing the feed, registry, and deals.
	DBPath string `yaml:"db_path"`

	// APIPort serves the read-only status API. 0 disables it.
	APIPort int `yaml:"api_port"`

	// CycleSpec is a cron expression for the market cadence.
	CycleSpec string `yaml:"cycle_spec"`

	// Seed makes agent jitter reproducible. 0 means crypto-random.
	Seed int64 `yaml:"seed"`

	// EntropyAPIKey enables true randomness from random.org for negotiation
	// jitter. Ignored when Seed is set; empty uses crypto/rand.
	EntropyAPIKey string `yaml:"entropy_api_key"`

	// RefdataURL points at an external material reference service. Empty
	// falls back to the built-in table.
	RefdataURL string `yaml:"refdata_url"`

	// RefdataTimeout bounds each reference lookup.
	RefdataTimeout time.Duration `yaml:"refdata_timeout"`

	// NATSURL enables notification publishing. Empty logs instead.
	NATSURL string `yaml:"nats_url"`

	// OutputInput maps processor output materials to their inputs.
	OutputInput map[string]string `yaml:"output_input"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		DBPath:         "data/surplusnet.db",
		APIPort:        8080,
		CycleSpec:      "@hourly",
		RefdataTimeout: 10 * time.Second,
	}
}

// Load reads a YAML config file over the defaults and applies environment
// overrides. An empty path loads defaults only.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("SURPLUSNET_DB"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("SURPLUSNET_NATS_URL"); v != "" {
		cfg.NATSURL = v
	}
	if v := os.Getenv("SURPLUSNET_REFDATA_URL"); v != "" {
		cfg.RefdataURL = v
	}
	if v := os.Getenv("SURPLUSNET_ENTROPY_KEY"); v != "" {
		cfg.EntropyAPIKey = v
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("config: db_path is required")
	}
	if c.CycleSpec == "" {
		return fmt.Errorf("config: cycle_spec is required")
	}
	if c.RefdataTimeout < 0 {
		return fmt.Errorf("config: refdata_timeout must not be negative")
	}
	return nil
}
