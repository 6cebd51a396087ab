package storage

import (
	"strconv"
	"strings"
)

// Dialect abstracts the SQL syntax differences between SQLite and PostgreSQL
// so the shared query logic in base_store.go works against both.
type Dialect interface {
	// Name returns the dialect name ("sqlite" or "postgres").
	Name() string

	// Rebind rewrites ?-style placeholders into the dialect's native form.
	// SQLite keeps ?, PostgreSQL uses $1, $2, ...
	Rebind(query string) string

	// AutoIncrement returns the column type for auto-incrementing primary keys.
	AutoIncrement() string

	// TimestampType returns the column type for timestamps.
	TimestampType() string

	// BoolType returns the column type for boolean values.
	BoolType() string
}

// SQLiteDialect implements Dialect for SQLite.
type SQLiteDialect struct{}

func (SQLiteDialect) Name() string              { return "sqlite" }
func (SQLiteDialect) Rebind(query string) string { return query }
func (SQLiteDialect) AutoIncrement() string     { return "INTEGER PRIMARY KEY AUTOINCREMENT" }
func (SQLiteDialect) TimestampType() string     { return "DATETIME" }
func (SQLiteDialect) BoolType() string          { return "INTEGER" }

// PostgresDialect implements Dialect for PostgreSQL.
type PostgresDialect struct{}

func (PostgresDialect) Name() string          { return "postgres" }
func (PostgresDialect) AutoIncrement() string { return "BIGSERIAL PRIMARY KEY" }
func (PostgresDialect) TimestampType() string { return "TIMESTAMPTZ" }
func (PostgresDialect) BoolType() string      { return "BOOLEAN" }

func (PostgresDialect) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
