package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from an optional YAML file and applies environment
// variable overrides. Validation is deferred so CLI flag overrides can be
// applied first; call cfg.Validate() after those.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		fileCfg, err := loadFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		cfg = fileCfg
	}

	applyEnvironmentOverrides(cfg)
	return cfg, nil
}

func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConfigFileNotFound
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfigFormat, err)
	}
	return cfg, nil
}

func applyEnvironmentOverrides(cfg *Config) {
	if v := os.Getenv("DBSYNC_ROLE"); v != "" {
		cfg.Role = v
	}
	if v := os.Getenv("DBSYNC_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("DBSYNC_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("DBSYNC_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("DBSYNC_ADMIN_SECRET"); v != "" {
		cfg.Server.AdminSecret = v
	}
	if v := os.Getenv("DBSYNC_SERVER_URL"); v != "" {
		cfg.Client.ServerURL = v
	}
	if v := os.Getenv("DBSYNC_ADMIN_TOKEN"); v != "" {
		cfg.Client.AdminToken = v
	}
	if v := os.Getenv("DBSYNC_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Client.Timeout = d
		}
	}
	if v := os.Getenv("DBSYNC_SYNC_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Client.SyncRetries = n
		}
	}
	if v := os.Getenv("DBSYNC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}
