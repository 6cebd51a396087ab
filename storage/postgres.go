package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"printfarm/server/config"

	// Import postgres driver
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store for PostgreSQL.
type PostgresStore struct {
	BaseStore
}

// NewPostgresStore creates a new PostgreSQL-backed store and initializes the schema.
func NewPostgresStore(cfg *config.DatabaseConfig) (*PostgresStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database config required")
	}

	dsn := cfg.BuildDSN()
	if dsn == "" {
		return nil, fmt.Errorf("invalid database configuration: could not build DSN")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	store := &PostgresStore{
		BaseStore: BaseStore{db: db, dialect: PostgresDialect{}},
	}

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tenants (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS hubs (
		id TEXT PRIMARY KEY,
		tenant_id TEXT REFERENCES tenants(id),
		name TEXT,
		secret_hash TEXT NOT NULL,
		is_online BOOLEAN NOT NULL DEFAULT FALSE,
		claimed_at TIMESTAMPTZ,
		last_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		firmware_version TEXT NOT NULL DEFAULT '',
		hardware_version TEXT NOT NULL DEFAULT '',
		ip_address TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_hubs_tenant_id ON hubs(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_hubs_last_seen_at ON hubs(last_seen_at);

	CREATE TABLE IF NOT EXISTS printers (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL REFERENCES tenants(id),
		hub_id TEXT REFERENCES hubs(id),
		name TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		connected BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_printers_tenant_id ON printers(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_printers_hub_id ON printers(hub_id);

	CREATE TABLE IF NOT EXISTS audit_log (
		id BIGSERIAL PRIMARY KEY,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		tenant_id TEXT NOT NULL DEFAULT '',
		hub_id TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		details TEXT NOT NULL DEFAULT '',
		ip_address TEXT NOT NULL DEFAULT '',
		metadata TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_log_tenant_id ON audit_log(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_audit_log_timestamp ON audit_log(timestamp);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
