// internal/config/env.go
package config

import (
	"os"
	"strconv"
)

// LoadFromEnv applies REPLIMON_* environment overrides on top of the
// loaded configuration.
func LoadFromEnv(cfg *Config) {
	if port := os.Getenv("REPLIMON_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if level := os.Getenv("REPLIMON_LOG_LEVEL"); level != "" {
		cfg.Server.LogLevel = level
	}

	if host := os.Getenv("REPLIMON_DB_HOST"); host != "" {
		cfg.Database.Host = host
	}
	if port := os.Getenv("REPLIMON_DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Database.Port = p
		}
	}
	if name := os.Getenv("REPLIMON_DB_NAME"); name != "" {
		cfg.Database.Database = name
	}
	if user := os.Getenv("REPLIMON_DB_USER"); user != "" {
		cfg.Database.User = user
	}
	if password := os.Getenv("REPLIMON_DB_PASSWORD"); password != "" {
		cfg.Database.Password = password
	}

	if interval := os.Getenv("REPLIMON_POLL_INTERVAL_MINUTES"); interval != "" {
		if m, err := strconv.Atoi(interval); err == nil {
			cfg.Poller.IntervalMinutes = m
		}
	}
	if insecure := os.Getenv("REPLIMON_VENDOR_INSECURE_TLS"); insecure != "" {
		cfg.Vendor.InsecureTLS = insecure == "true" || insecure == "1"
	}

	if baseURL := os.Getenv("REPLIMON_TOPOLOGY_URL"); baseURL != "" {
		cfg.Topology.BaseURL = baseURL
	}
	if user := os.Getenv("REPLIMON_TOPOLOGY_USER"); user != "" {
		cfg.Topology.Username = user
	}
	if password := os.Getenv("REPLIMON_TOPOLOGY_PASSWORD"); password != "" {
		cfg.Topology.Password = password
	}
}

// GetEnvOrDefault returns the environment variable or a default value.
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
