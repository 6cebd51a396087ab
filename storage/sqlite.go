package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO required)
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	BaseStore
	dbPath string
}

// NewSQLiteStore creates a new SQLite-backed store and initializes the schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure directory exists (unless in-memory)
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
	}

	connStr := dbPath
	if dbPath != ":memory:" {
		connStr += "?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=ON"
	} else {
		connStr += "?_foreign_keys=ON"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dbPath == ":memory:" {
		// Each pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	store := &SQLiteStore{
		BaseStore: BaseStore{db: db, dialect: SQLiteDialect{}},
		dbPath:    dbPath,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tenants (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	-- Hub identity rows exist from provisioning time; tenant_id is NULL until claimed.
	CREATE TABLE IF NOT EXISTS hubs (
		id TEXT PRIMARY KEY,
		tenant_id TEXT REFERENCES tenants(id),
		name TEXT,
		secret_hash TEXT NOT NULL,
		is_online INTEGER NOT NULL DEFAULT 0,
		claimed_at DATETIME,
		last_seen_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		firmware_version TEXT NOT NULL DEFAULT '',
		hardware_version TEXT NOT NULL DEFAULT '',
		ip_address TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_hubs_tenant_id ON hubs(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_hubs_last_seen_at ON hubs(last_seen_at);

	CREATE TABLE IF NOT EXISTS printers (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL REFERENCES tenants(id),
		hub_id TEXT REFERENCES hubs(id),
		name TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		connected INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_printers_tenant_id ON printers(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_printers_hub_id ON printers(hub_id);

	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
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

	_, err := s.db.Exec(schema)
	return err
}
