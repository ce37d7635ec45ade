// Package config holds all configuration types and loading logic for the
// mixspool daemon. Fields are only ever added, never renamed or removed, so
// old config files keep loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a mixspool relay instance.
type Config struct {
	Node     NodeConfig     `yaml:"node"`
	Spool    SpoolConfig    `yaml:"spool"`
	Mix      MixConfig      `yaml:"mix"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// NodeConfig holds identity and data-location settings for this relay.
type NodeConfig struct {
	// ID is a ULID string. Use "auto" to generate and persist one on first
	// start.
	ID      string `yaml:"id"`
	DataDir string `yaml:"data_dir"`
}

// SpoolConfig controls the directory spools shared by the pool and the
// outbound queue.
type SpoolConfig struct {
	// InputTimeout is how old an incomplete message file must be before a
	// cleanup pass reclaims it as trash.
	InputTimeout time.Duration `yaml:"input_timeout"`
	// CleanTimeout is how stale a cleanup sentinel must be before a new pass
	// assumes the previous cleaner died.
	CleanTimeout time.Duration `yaml:"clean_timeout"`
	// CleanInterval is how often the relay runs cleanup passes.
	CleanInterval time.Duration `yaml:"clean_interval"`
	// ShredPasses is the number of overwrite passes before unlinking.
	ShredPasses int `yaml:"shred_passes"`
}

// MixConfig controls the pool-mix release policy.
type MixConfig struct {
	// Interval is the mixing tick period.
	Interval time.Duration `yaml:"interval"`
	// MinPool is the number of messages always retained in the pool.
	MinPool int `yaml:"min_pool"`
	// MaxReplacementRate bounds the fraction of the pool released per tick.
	MaxReplacementRate float64 `yaml:"max_replacement_rate"`
}

// DeliveryConfig controls outbound dispatch and retry behaviour.
type DeliveryConfig struct {
	// SendRate is the token-bucket rate of outbound messages per second.
	SendRate float64 `yaml:"send_rate"`
	// SendBurst is the token-bucket burst size.
	SendBurst int `yaml:"send_burst"`
	// RetryDelays is the backoff schedule: the Nth failed attempt is retried
	// after RetryDelays[N]. A message that fails with the schedule exhausted
	// is dropped.
	RetryDelays []time.Duration `yaml:"retry_delays"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:      "auto",
			DataDir: "./data",
		},
		Spool: SpoolConfig{
			InputTimeout:  600 * time.Second,
			CleanTimeout:  60 * time.Second,
			CleanInterval: 120 * time.Second,
			ShredPasses:   1,
		},
		Mix: MixConfig{
			Interval:           30 * time.Second,
			MinPool:            5,
			MaxReplacementRate: 0.3,
		},
		Delivery: DeliveryConfig{
			SendRate:  64,
			SendBurst: 128,
			RetryDelays: []time.Duration{
				60 * time.Second,
				300 * time.Second,
				1800 * time.Second,
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9290,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// so the daemon runs with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	MIXSPOOL_DATA_DIR       — sets node.data_dir
//	MIXSPOOL_METRICS_PORT   — sets metrics.port
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("MIXSPOOL_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("MIXSPOOL_METRICS_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Metrics.Port = p
		}
	}
}

// Validate checks that the config values are consistent and within
// acceptable ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Node.DataDir == "" {
		return errors.New("node.data_dir must not be empty")
	}
	if c.Spool.InputTimeout <= 0 {
		return errors.New("spool.input_timeout must be positive")
	}
	if c.Spool.CleanTimeout <= 0 {
		return errors.New("spool.clean_timeout must be positive")
	}
	if c.Spool.CleanInterval <= 0 {
		return errors.New("spool.clean_interval must be positive")
	}
	if c.Spool.ShredPasses < 1 {
		return errors.New("spool.shred_passes must be at least 1")
	}
	if c.Mix.Interval <= 0 {
		return errors.New("mix.interval must be positive")
	}
	if c.Mix.MinPool < 0 {
		return errors.New("mix.min_pool must be >= 0")
	}
	if c.Mix.MaxReplacementRate <= 0 || c.Mix.MaxReplacementRate > 1 {
		return errors.New("mix.max_replacement_rate must be in (0, 1]")
	}
	if c.Delivery.SendRate <= 0 {
		return errors.New("delivery.send_rate must be positive")
	}
	if c.Delivery.SendBurst < 1 {
		return errors.New("delivery.send_burst must be at least 1")
	}
	for i, d := range c.Delivery.RetryDelays {
		if d <= 0 {
			return fmt.Errorf("delivery.retry_delays[%d] must be positive", i)
		}
	}
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return errors.New("metrics.port must be between 1 and 65535")
	}
	return nil
}
