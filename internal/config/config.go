// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Poller     PollerConfig     `yaml:"poller"`
	Vendor     VendorConfig     `yaml:"vendor"`
	Topology   TopologyConfig   `yaml:"topology"`
	Thresholds ThresholdsConfig `yaml:"thresholds"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
}

type PollerConfig struct {
	IntervalMinutes int    `yaml:"interval_minutes"`
	ReplicationType string `yaml:"replication_type"`
}

type VendorConfig struct {
	TimeoutSeconds    int     `yaml:"timeout_seconds"`
	InsecureTLS       bool    `yaml:"insecure_tls"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// Timeout converts the per-attempt timeout to a duration.
func (v VendorConfig) Timeout() time.Duration {
	return time.Duration(v.TimeoutSeconds) * time.Second
}

// TopologyConfig is the optional secondary topology service. An empty
// base URL disables topology discovery.
type TopologyConfig struct {
	BaseURL  string `yaml:"base_url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type ThresholdsConfig struct {
	UsageWarning  int     `yaml:"usage_warning"`
	UsageCritical int     `yaml:"usage_critical"`
	TrendRate     float64 `yaml:"trend_rate"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8080,
			LogLevel: "info",
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "replimon",
			User:     "replimon",
			SSLMode:  "disable",
		},
		Poller: PollerConfig{
			IntervalMinutes: 5,
			ReplicationType: "UR",
		},
		Vendor: VendorConfig{
			TimeoutSeconds:    30,
			RequestsPerSecond: 10,
		},
		Thresholds: ThresholdsConfig{
			UsageWarning:  5,
			UsageCritical: 20,
			TrendRate:     0.05,
		},
	}
}

// Load reads the YAML config file over the defaults, then applies
// environment overrides. A missing file is not an error; environments
// configured purely by env vars are common.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 - operator-supplied path
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	LoadFromEnv(cfg)

	if cfg.Poller.IntervalMinutes < 1 {
		cfg.Poller.IntervalMinutes = 1
	}
	return cfg, nil
}
