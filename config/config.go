// Package config provides shared configuration utilities for PrintFarm components.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"
)

// DatabaseConfig holds database settings. SQLite is the default backend;
// PostgreSQL is selected by setting driver = "postgres".
type DatabaseConfig struct {
	Driver       string `toml:"driver"` // "sqlite" (default) or "postgres"
	Path         string `toml:"path"`   // SQLite file path
	DSN          string `toml:"dsn"`    // Full DSN; overrides host/port/user fields
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	User         string `toml:"user"`
	Password     string `toml:"password"`
	Name         string `toml:"name"`
	SSLMode      string `toml:"ssl_mode"`
	MaxOpenConns int    `toml:"max_open_conns"`
	MaxIdleConns int    `toml:"max_idle_conns"`
}

// EffectiveDriver returns the configured driver, defaulting to sqlite.
func (c *DatabaseConfig) EffectiveDriver() string {
	if c == nil || c.Driver == "" {
		return "sqlite"
	}
	return c.Driver
}

// BuildDSN returns the connection string for the configured backend.
// For SQLite this is the file path; for PostgreSQL a keyword/value DSN is
// assembled from the host fields unless an explicit DSN is set.
func (c *DatabaseConfig) BuildDSN() string {
	if c == nil {
		return ""
	}
	if c.DSN != "" {
		return c.DSN
	}
	switch c.EffectiveDriver() {
	case "sqlite", "sqlite3":
		return c.Path
	case "postgres", "postgresql":
		host := c.Host
		if host == "" {
			host = "localhost"
		}
		port := c.Port
		if port == 0 {
			port = 5432
		}
		sslMode := c.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		dsn := fmt.Sprintf("host=%s port=%d dbname=%s sslmode=%s", host, port, c.Name, sslMode)
		if c.User != "" {
			dsn += " user=" + c.User
		}
		if c.Password != "" {
			dsn += " password=" + c.Password
		}
		return dsn
	default:
		return ""
	}
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `toml:"level"`
	Dir   string `toml:"dir"`
}

// ApplyDatabaseEnvOverrides applies common environment variable overrides.
func ApplyDatabaseEnvOverrides(cfg *DatabaseConfig) {
	if val := os.Getenv("DB_DRIVER"); val != "" {
		cfg.Driver = val
	}
	if val := os.Getenv("DB_PATH"); val != "" {
		cfg.Path = val
	}
	if val := os.Getenv("DB_DSN"); val != "" {
		cfg.DSN = val
	}
}

func ApplyLoggingEnvOverrides(cfg *LoggingConfig) {
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		cfg.Level = val
	}
}

// FindConfigFile searches for a config file in platform-appropriate locations.
// Returns the path and data if found, or an error if not found anywhere.
func FindConfigFile(filename string) (string, []byte, error) {
	for _, path := range GetConfigSearchPaths(filename) {
		if data, err := os.ReadFile(path); err == nil {
			return path, data, nil
		}
	}
	return "", nil, fmt.Errorf("%s not found in any search path", filename)
}

// GetConfigSearchPaths returns an ordered list of paths to search for config files.
func GetConfigSearchPaths(filename string) []string {
	var searchPaths []string

	switch runtime.GOOS {
	case "windows":
		searchPaths = append(searchPaths, filepath.Join(os.Getenv("ProgramData"), "PrintFarm", "server", filename))
	case "darwin":
		searchPaths = append(searchPaths, filepath.Join("/Library/Application Support", "PrintFarm", "server", filename))
	default:
		searchPaths = append(searchPaths, filepath.Join("/etc/printfarm", "server", filename))
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		switch runtime.GOOS {
		case "windows":
			searchPaths = append(searchPaths, filepath.Join(homeDir, "AppData", "Local", "PrintFarm", "server", filename))
		case "darwin":
			searchPaths = append(searchPaths, filepath.Join(homeDir, "Library", "Application Support", "PrintFarm", "server", filename))
		default:
			searchPaths = append(searchPaths, filepath.Join(homeDir, ".config", "printfarm", "server", filename))
		}
	}

	if exePath, err := os.Executable(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(filepath.Dir(exePath), filename))
	}

	searchPaths = append(searchPaths, filepath.Join(".", filename))
	return searchPaths
}

// GetDataDirectory returns the directory for storing application data.
// Service mode uses a system-wide directory, interactive mode a per-user one.
func GetDataDirectory(isService bool) (string, error) {
	var dataDir string

	if isService {
		switch runtime.GOOS {
		case "windows":
			dataDir = filepath.Join(os.Getenv("ProgramData"), "PrintFarm", "server")
		default:
			dataDir = filepath.Join("/var/lib/printfarm", "server")
		}
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("could not get user home directory: %w", err)
		}
		switch runtime.GOOS {
		case "windows":
			dataDir = filepath.Join(homeDir, "AppData", "Local", "PrintFarm", "server")
		case "darwin":
			dataDir = filepath.Join(homeDir, "Library", "Application Support", "PrintFarm", "server")
		default:
			dataDir = filepath.Join(homeDir, ".local", "share", "printfarm", "server")
		}
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return dataDir, nil
}

// LoadTOML decodes a TOML config file into config.
func LoadTOML(configPath string, cfg interface{}) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// WriteDefaultTOML writes a default config file if one does not already exist.
func WriteDefaultTOML(configPath string, cfg interface{}) error {
	if _, err := os.Stat(configPath); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	f, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}
