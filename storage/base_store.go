package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// BaseStore implements the Store interface over database/sql with a Dialect.
// SQLiteStore and PostgresStore embed it and supply the schema.
type BaseStore struct {
	db      *sql.DB
	dialect Dialect
}

func (s *BaseStore) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *BaseStore) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *BaseStore) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
}

// Close closes the underlying database handle.
func (s *BaseStore) Close() error {
	return s.db.Close()
}

// --- Tenants ---

func (s *BaseStore) CreateTenant(ctx context.Context, t *Tenant) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx,
		`INSERT INTO tenants (id, name, created_at) VALUES (?, ?, ?)`,
		t.ID, t.Name, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create tenant: %w", err)
	}
	return nil
}

func (s *BaseStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	var t Tenant
	err := s.queryRow(ctx,
		`SELECT id, name, created_at FROM tenants WHERE id = ?`, id).
		Scan(&t.ID, &t.Name, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return &t, nil
}

func (s *BaseStore) ListTenants(ctx context.Context) ([]*Tenant, error) {
	rows, err := s.query(ctx, `SELECT id, name, created_at FROM tenants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*Tenant
	for rows.Next() {
		var t Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt); err != nil {
			return nil, err
		}
		tenants = append(tenants, &t)
	}
	return tenants, rows.Err()
}

// --- Hubs ---

const hubColumns = `id, tenant_id, name, secret_hash, is_online, claimed_at,
	last_seen_at, firmware_version, hardware_version, ip_address, created_at`

func (s *BaseStore) scanHub(row interface{ Scan(...interface{}) error }) (*Hub, error) {
	var h Hub
	var tenantID, name sql.NullString
	var claimedAt sql.NullTime
	err := row.Scan(&h.ID, &tenantID, &name, &h.SecretHash, &h.IsOnline, &claimedAt,
		&h.LastSeenAt, &h.FirmwareVersion, &h.HardwareVersion, &h.IPAddress, &h.CreatedAt)
	if err != nil {
		return nil, err
	}
	if tenantID.Valid {
		h.TenantID = &tenantID.String
	}
	if name.Valid {
		h.Name = &name.String
	}
	if claimedAt.Valid {
		t := claimedAt.Time
		h.ClaimedAt = &t
	}
	return &h, nil
}

func (s *BaseStore) CreateHub(ctx context.Context, h *Hub) error {
	now := time.Now().UTC()
	if h.CreatedAt.IsZero() {
		h.CreatedAt = now
	}
	if h.LastSeenAt.IsZero() {
		h.LastSeenAt = now
	}
	var tenantID, name interface{}
	if h.TenantID != nil {
		tenantID = *h.TenantID
	}
	if h.Name != nil {
		name = *h.Name
	}
	var claimedAt interface{}
	if h.ClaimedAt != nil {
		claimedAt = *h.ClaimedAt
	}
	_, err := s.exec(ctx,
		`INSERT INTO hubs (`+hubColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, tenantID, name, h.SecretHash, h.IsOnline, claimedAt,
		h.LastSeenAt, h.FirmwareVersion, h.HardwareVersion, h.IPAddress, h.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create hub: %w", err)
	}
	return nil
}

func (s *BaseStore) GetHub(ctx context.Context, hubID string) (*Hub, error) {
	h, err := s.scanHub(s.queryRow(ctx, `SELECT `+hubColumns+` FROM hubs WHERE id = ?`, hubID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get hub: %w", err)
	}
	return h, nil
}

func (s *BaseStore) ListHubsByTenant(ctx context.Context, tenantID string) ([]*Hub, error) {
	rows, err := s.query(ctx,
		`SELECT `+hubColumns+` FROM hubs WHERE tenant_id = ? ORDER BY id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list hubs: %w", err)
	}
	defer rows.Close()

	var hubs []*Hub
	for rows.Next() {
		h, err := s.scanHub(rows)
		if err != nil {
			return nil, err
		}
		hubs = append(hubs, h)
	}
	return hubs, rows.Err()
}

// ClaimHub atomically transitions an unclaimed hub to claimed-by-tenant.
// The WHERE clause guards against racing claims: zero rows affected means the
// hub is either missing or already claimed, distinguished by a follow-up read.
func (s *BaseStore) ClaimHub(ctx context.Context, hubID, tenantID, name string, claimedAt time.Time) error {
	res, err := s.exec(ctx,
		`UPDATE hubs SET tenant_id = ?, name = ?, claimed_at = ? WHERE id = ? AND tenant_id IS NULL`,
		tenantID, name, claimedAt.UTC(), hubID)
	if err != nil {
		return fmt.Errorf("failed to claim hub: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, getErr := s.GetHub(ctx, hubID); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrHubClaimed
	}
	return nil
}

// ReleaseHub returns the hub to the unclaimed pool and, in the same
// transaction, clears the hub reference on every printer assigned to it.
func (s *BaseStore) ReleaseHub(ctx context.Context, hubID, tenantID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin release transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.dialect.Rebind(
		`UPDATE hubs SET tenant_id = NULL, name = NULL, claimed_at = NULL WHERE id = ? AND tenant_id = ?`),
		hubID, tenantID)
	if err != nil {
		return fmt.Errorf("failed to release hub: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists int
		row := tx.QueryRowContext(ctx, s.dialect.Rebind(`SELECT 1 FROM hubs WHERE id = ?`), hubID)
		if scanErr := row.Scan(&exists); errors.Is(scanErr, sql.ErrNoRows) {
			return ErrNotFound
		}
		return ErrNotOwner
	}

	if _, err := tx.ExecContext(ctx, s.dialect.Rebind(
		`UPDATE printers SET hub_id = NULL, connected = ? WHERE hub_id = ?`),
		false, hubID); err != nil {
		return fmt.Errorf("failed to unassign printers: %w", err)
	}

	return tx.Commit()
}

func (s *BaseStore) SetHubOnline(ctx context.Context, hubID string, online bool) error {
	_, err := s.exec(ctx, `UPDATE hubs SET is_online = ? WHERE id = ?`, online, hubID)
	if err != nil {
		return fmt.Errorf("failed to set hub online flag: %w", err)
	}
	return nil
}

func (s *BaseStore) UpdateHubHeartbeat(ctx context.Context, hubID string, info *HeartbeatInfo) error {
	seenAt := info.SeenAt
	if seenAt.IsZero() {
		seenAt = time.Now().UTC()
	}
	_, err := s.exec(ctx,
		`UPDATE hubs SET last_seen_at = ?,
			firmware_version = CASE WHEN ? <> '' THEN ? ELSE firmware_version END,
			hardware_version = CASE WHEN ? <> '' THEN ? ELSE hardware_version END,
			ip_address = CASE WHEN ? <> '' THEN ? ELSE ip_address END
		WHERE id = ?`,
		seenAt.UTC(),
		info.FirmwareVersion, info.FirmwareVersion,
		info.HardwareVersion, info.HardwareVersion,
		info.IPAddress, info.IPAddress,
		hubID)
	if err != nil {
		return fmt.Errorf("failed to update hub heartbeat: %w", err)
	}
	return nil
}

// --- Printers ---

func (s *BaseStore) CreatePrinter(ctx context.Context, p *Printer) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	var hubID interface{}
	if p.HubID != nil {
		hubID = *p.HubID
	}
	_, err := s.exec(ctx,
		`INSERT INTO printers (id, tenant_id, hub_id, name, model, connected, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.TenantID, hubID, p.Name, p.Model, p.Connected, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create printer: %w", err)
	}
	return nil
}

func (s *BaseStore) scanPrinter(row interface{ Scan(...interface{}) error }) (*Printer, error) {
	var p Printer
	var hubID sql.NullString
	err := row.Scan(&p.ID, &p.TenantID, &hubID, &p.Name, &p.Model, &p.Connected, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	if hubID.Valid {
		p.HubID = &hubID.String
	}
	return &p, nil
}

func (s *BaseStore) GetPrinter(ctx context.Context, id string) (*Printer, error) {
	p, err := s.scanPrinter(s.queryRow(ctx,
		`SELECT id, tenant_id, hub_id, name, model, connected, created_at FROM printers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get printer: %w", err)
	}
	return p, nil
}

func (s *BaseStore) listPrinters(ctx context.Context, where string, arg interface{}) ([]*Printer, error) {
	rows, err := s.query(ctx,
		`SELECT id, tenant_id, hub_id, name, model, connected, created_at FROM printers WHERE `+where+` ORDER BY id`, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to list printers: %w", err)
	}
	defer rows.Close()

	var printers []*Printer
	for rows.Next() {
		p, err := s.scanPrinter(rows)
		if err != nil {
			return nil, err
		}
		printers = append(printers, p)
	}
	return printers, rows.Err()
}

func (s *BaseStore) ListPrintersByHub(ctx context.Context, hubID string) ([]*Printer, error) {
	return s.listPrinters(ctx, `hub_id = ?`, hubID)
}

func (s *BaseStore) ListPrintersByTenant(ctx context.Context, tenantID string) ([]*Printer, error) {
	return s.listPrinters(ctx, `tenant_id = ?`, tenantID)
}

func (s *BaseStore) AssignPrinterHub(ctx context.Context, printerID string, hubID *string) error {
	var hub interface{}
	connected := false
	if hubID != nil {
		hub = *hubID
		connected = true
	}
	res, err := s.exec(ctx,
		`UPDATE printers SET hub_id = ?, connected = ? WHERE id = ?`, hub, connected, printerID)
	if err != nil {
		return fmt.Errorf("failed to assign printer: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *BaseStore) DeletePrinter(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM printers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete printer: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountPrintersPerHub returns hub id -> assigned printer count for every hub
// the tenant owns, including hubs with zero printers.
func (s *BaseStore) CountPrintersPerHub(ctx context.Context, tenantID string) (map[string]int, error) {
	rows, err := s.query(ctx,
		`SELECT h.id, COUNT(p.id) FROM hubs h
		LEFT JOIN printers p ON p.hub_id = h.id
		WHERE h.tenant_id = ?
		GROUP BY h.id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to count printers: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

// --- Audit ---

func (s *BaseStore) SaveAuditEntry(ctx context.Context, entry *AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	var metadata interface{}
	if entry.Metadata != nil {
		b, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal audit metadata: %w", err)
		}
		metadata = string(b)
	}
	_, err := s.exec(ctx,
		`INSERT INTO audit_log (timestamp, tenant_id, hub_id, action, details, ip_address, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.Timestamp, entry.TenantID, entry.HubID, entry.Action, entry.Details, entry.IPAddress, metadata)
	if err != nil {
		return fmt.Errorf("failed to save audit entry: %w", err)
	}
	return nil
}

func (s *BaseStore) GetAuditLog(ctx context.Context, tenantID string, since time.Time) ([]*AuditEntry, error) {
	rows, err := s.query(ctx,
		`SELECT id, timestamp, tenant_id, hub_id, action, details, ip_address, metadata
		FROM audit_log WHERE tenant_id = ? AND timestamp >= ? ORDER BY timestamp DESC`,
		tenantID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to get audit log: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var metadata sql.NullString
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.TenantID, &e.HubID, &e.Action, &e.Details, &e.IPAddress, &metadata); err != nil {
			return nil, err
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode audit metadata: %w", err)
			}
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
