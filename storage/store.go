package storage

import (
	"fmt"

	"printfarm/server/config"
)

// NewStore creates a Store implementation based on the database configuration.
// SQLite is the default; PostgreSQL is selected with driver = "postgres".
func NewStore(cfg *config.DatabaseConfig) (Store, error) {
	if cfg == nil {
		cfg = &config.DatabaseConfig{}
	}

	switch driver := cfg.EffectiveDriver(); driver {
	case "sqlite", "sqlite3", "modernc", "modernc-sqlite":
		path := cfg.BuildDSN()
		if path == "" {
			path = "printfarm.db"
		}
		return NewSQLiteStore(path)

	case "postgres", "postgresql":
		return NewPostgresStore(cfg)

	default:
		return nil, fmt.Errorf("unsupported database driver: %q (supported: sqlite, postgres)", driver)
	}
}
