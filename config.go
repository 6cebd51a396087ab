package main

import (
	"fmt"

	"printfarm/server/config"
	"printfarm/server/hub"
)

// Config is the full server configuration, loaded from config.toml with
// environment variable overrides applied on top.
type Config struct {
	Server   ServerConfig          `toml:"server"`
	Database config.DatabaseConfig `toml:"database"`
	Logging  config.LoggingConfig  `toml:"logging"`
	Security SecurityConfig        `toml:"security"`
	Hub      HubConfig             `toml:"hub"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port        int    `toml:"port"`
	BindAddress string `toml:"bind_address"`
}

// SecurityConfig tunes the auth rate limiter guarding hub connect and claim.
type SecurityConfig struct {
	AuthMaxAttempts     int  `toml:"auth_max_attempts"`
	AuthBlockMinutes    int  `toml:"auth_block_minutes"`
	AuthWindowMinutes   int  `toml:"auth_window_minutes"`
	DisableRateLimiting bool `toml:"disable_rate_limiting"`
}

// HubConfig tunes fleet-wide hub behavior. All values are server-wide;
// per-tenant overrides are not supported.
type HubConfig struct {
	MaxPrintersPerHub      int    `toml:"max_printers_per_hub"`
	StaleWindowSeconds     int    `toml:"stale_window_seconds"`
	AckTimeoutSeconds      int    `toml:"ack_timeout_seconds"`
	OfflineDebounceSeconds int    `toml:"offline_debounce_seconds"`
	MinFirmwareVersion     string `toml:"min_firmware_version"`
}

// DefaultConfig returns the configuration used when no config.toml exists.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        9090,
			BindAddress: "0.0.0.0",
		},
		Database: config.DatabaseConfig{
			Driver: "sqlite",
		},
		Logging: config.LoggingConfig{
			Level: "info",
		},
		Security: SecurityConfig{
			AuthMaxAttempts:   5,
			AuthBlockMinutes:  15,
			AuthWindowMinutes: 5,
		},
		Hub: HubConfig{
			MaxPrintersPerHub:      hub.DefaultMaxPrintersPerHub,
			StaleWindowSeconds:     int(hub.DefaultStaleWindow.Seconds()),
			AckTimeoutSeconds:      int(hub.DefaultAckTimeout.Seconds()),
			OfflineDebounceSeconds: 10,
		},
	}
}

// LoadConfig finds and loads config.toml from the platform search paths,
// falling back to defaults when none exists. Explicit path wins over search.
func LoadConfig(explicitPath string) (*Config, error) {
	cfg := DefaultConfig()

	path := explicitPath
	if path == "" {
		found, _, err := config.FindConfigFile("config.toml")
		if err != nil {
			// No config file anywhere; run on defaults.
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		path = found
	}

	if err := config.LoadTOML(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	config.ApplyDatabaseEnvOverrides(&cfg.Database)
	config.ApplyLoggingEnvOverrides(&cfg.Logging)
}

// WriteDefaultConfig writes a default config.toml at path if none exists.
func WriteDefaultConfig(path string) error {
	return config.WriteDefaultTOML(path, DefaultConfig())
}
