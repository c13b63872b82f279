// Package config holds the daemon and CLI configuration: where the database
// lives, which role the process plays, and how the HTTP surfaces behave.
package config

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrConfigFileNotFound  = errors.New("config file not found")
	ErrInvalidConfigFormat = errors.New("invalid config file format")
	ErrMissingDSN          = errors.New("database dsn is required")
	ErrMissingServerURL    = errors.New("server url is required in client role")
	ErrUnknownRole         = errors.New("role must be \"server\" or \"client\"")
	ErrUnknownDriver       = errors.New("driver must be \"sqlite3\" or \"pgx\"")
)

// Config is the full process configuration.
type Config struct {
	Role     string         `yaml:"role"`
	Database DatabaseConfig `yaml:"database"`
	Server   ServerConfig   `yaml:"server"`
	Client   ClientConfig   `yaml:"client"`
	Tables   []TableConfig  `yaml:"tables"`
	LogLevel string         `yaml:"logLevel"`
}

// DatabaseConfig names the driver and DSN of the local store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// ServerConfig configures the HTTP listener in the server role.
type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	AdminSecret     string        `yaml:"adminSecret"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// ClientConfig configures the node side.
type ClientConfig struct {
	ServerURL   string        `yaml:"serverUrl"`
	AdminToken  string        `yaml:"adminToken"`
	Timeout     time.Duration `yaml:"timeout"`
	SyncRetries int           `yaml:"syncRetries"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Role: "client",
		Database: DatabaseConfig{
			Driver: "sqlite3",
			DSN:    "dbsync.db",
		},
		Server: ServerConfig{
			Listen:          ":8686",
			ShutdownTimeout: 10 * time.Second,
		},
		Client: ClientConfig{
			Timeout:     60 * time.Second,
			SyncRetries: 3,
		},
		LogLevel: "info",
	}
}

// Validate checks the configuration after all overrides are applied.
func (c *Config) Validate() error {
	switch c.Role {
	case "server", "client":
	default:
		return fmt.Errorf("%w, got %q", ErrUnknownRole, c.Role)
	}
	switch c.Database.Driver {
	case "sqlite3", "pgx":
	default:
		return fmt.Errorf("%w, got %q", ErrUnknownDriver, c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return ErrMissingDSN
	}
	if c.Role == "client" && c.Client.ServerURL == "" {
		return ErrMissingServerURL
	}
	return nil
}
