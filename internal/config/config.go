// Package config provides configuration loading and validation for the
// channel factory and its demo binary.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete factory configuration.
type Config struct {
	Factory FactoryConfig `yaml:"factory"`
	Pool    PoolConfig    `yaml:"pool"`
	Proxy   ProxyConfig   `yaml:"proxy"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// FactoryConfig holds settings shared by every channel-factory role.
type FactoryConfig struct {
	Role              string  `yaml:"role"` // "pool", "proxy", "proxy-jd"
	ExtranonceLen     int     `yaml:"extranonce_len"`
	Range0Len         int     `yaml:"range0_len"`
	Range1Len         int     `yaml:"range1_len"`
	SharesPerMinute   float64 `yaml:"shares_per_minute"`
	JobTimeoutSeconds int     `yaml:"job_timeout_seconds"`
}

// PoolConfig holds pool-role settings: the static coinbase outputs a
// pool appends to every synthesized job.
type PoolConfig struct {
	CoinbaseOutputAddress string `yaml:"coinbase_output_address"`
	CoinbaseOutputValue   uint64 `yaml:"coinbase_output_value"`
}

// ProxyConfig holds proxy-role settings.
type ProxyConfig struct {
	JobDeclaring bool    `yaml:"job_declaring"`
	UpstreamDiff float64 `yaml:"upstream_difficulty"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Factory.Role == "" {
		cfg.Factory.Role = "pool"
	}
	if cfg.Factory.ExtranonceLen == 0 {
		cfg.Factory.ExtranonceLen = 8
	}
	if cfg.Factory.Range0Len == 0 {
		cfg.Factory.Range0Len = 2
	}
	if cfg.Factory.Range1Len == 0 {
		cfg.Factory.Range1Len = 2
	}
	if cfg.Factory.SharesPerMinute == 0 {
		cfg.Factory.SharesPerMinute = 60
	}
	if cfg.Factory.JobTimeoutSeconds == 0 {
		cfg.Factory.JobTimeoutSeconds = 120
	}

	if cfg.Pool.CoinbaseOutputValue == 0 {
		cfg.Pool.CoinbaseOutputValue = 625000000
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
}

func validate(cfg *Config) error {
	switch cfg.Factory.Role {
	case "pool", "proxy", "proxy-jd":
	default:
		return fmt.Errorf("invalid factory role: %q", cfg.Factory.Role)
	}

	if cfg.Factory.Range0Len+cfg.Factory.Range1Len >= cfg.Factory.ExtranonceLen {
		return fmt.Errorf("range0_len + range1_len must leave room for range2 within extranonce_len")
	}

	if cfg.Factory.Role == "proxy" && cfg.Proxy.JobDeclaring {
		return fmt.Errorf("role proxy cannot set job_declaring: use role proxy-jd")
	}
	if cfg.Factory.Role == "proxy-jd" {
		cfg.Proxy.JobDeclaring = true
	}

	if cfg.Metrics.Port < 0 || cfg.Metrics.Port > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Metrics.Port)
	}

	return nil
}

// JobTimeout returns the configured job timeout as a time.Duration.
func (c FactoryConfig) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutSeconds) * time.Second
}
