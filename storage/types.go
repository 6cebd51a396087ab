package storage

import (
	"context"
	"errors"
	"time"
)

// Tenant represents a customer account that owns hubs and printers.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Hub represents a physical bridge device. A hub row exists from the moment
// the device is provisioned; tenant_id is null until a tenant claims it.
// SecretHash is set once at provisioning time and never changes.
type Hub struct {
	ID              string     `json:"id"`
	TenantID        *string    `json:"tenant_id,omitempty"`
	Name            *string    `json:"name,omitempty"`
	SecretHash      string     `json:"-"` // never exposed to API clients
	IsOnline        bool       `json:"is_online"`
	ClaimedAt       *time.Time `json:"claimed_at,omitempty"`
	LastSeenAt      time.Time  `json:"last_seen_at"`
	FirmwareVersion string     `json:"firmware_version,omitempty"`
	HardwareVersion string     `json:"hardware_version,omitempty"`
	IPAddress       string     `json:"ip_address,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Claimed reports whether the hub currently belongs to a tenant.
func (h *Hub) Claimed() bool {
	return h.TenantID != nil && *h.TenantID != ""
}

// Printer represents a 3D printer attached (or waiting to be attached) to a hub.
type Printer struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	HubID     *string   `json:"hub_id,omitempty"`
	Name      string    `json:"name"`
	Model     string    `json:"model,omitempty"`
	Connected bool      `json:"connected"`
	CreatedAt time.Time `json:"created_at"`
}

// HeartbeatInfo carries the mutable hub metadata reported with each heartbeat.
type HeartbeatInfo struct {
	FirmwareVersion string
	HardwareVersion string
	IPAddress       string
	SeenAt          time.Time
}

// AuditEntry records a security-relevant action against a hub or tenant.
type AuditEntry struct {
	ID        int64                  `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	TenantID  string                 `json:"tenant_id,omitempty"`
	HubID     string                 `json:"hub_id,omitempty"`
	Action    string                 `json:"action"` // claim, release, register, auth_blocked, ...
	Details   string                 `json:"details,omitempty"`
	IPAddress string                 `json:"ip_address,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Sentinel errors shared by all Store backends.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrNotOwner      = errors.New("hub not owned by tenant")
	ErrHubClaimed    = errors.New("hub already claimed")
)

// Store defines the persistence interface for the server.
type Store interface {
	// Tenant management
	CreateTenant(ctx context.Context, t *Tenant) error
	GetTenant(ctx context.Context, id string) (*Tenant, error)
	ListTenants(ctx context.Context) ([]*Tenant, error)

	// Hub identity
	CreateHub(ctx context.Context, h *Hub) error
	GetHub(ctx context.Context, hubID string) (*Hub, error)
	ListHubsByTenant(ctx context.Context, tenantID string) ([]*Hub, error)
	ClaimHub(ctx context.Context, hubID, tenantID, name string, claimedAt time.Time) error
	ReleaseHub(ctx context.Context, hubID, tenantID string) error
	SetHubOnline(ctx context.Context, hubID string, online bool) error
	UpdateHubHeartbeat(ctx context.Context, hubID string, info *HeartbeatInfo) error

	// Printer management
	CreatePrinter(ctx context.Context, p *Printer) error
	GetPrinter(ctx context.Context, id string) (*Printer, error)
	ListPrintersByHub(ctx context.Context, hubID string) ([]*Printer, error)
	ListPrintersByTenant(ctx context.Context, tenantID string) ([]*Printer, error)
	AssignPrinterHub(ctx context.Context, printerID string, hubID *string) error
	DeletePrinter(ctx context.Context, id string) error
	CountPrintersPerHub(ctx context.Context, tenantID string) (map[string]int, error)

	// Audit logging
	SaveAuditEntry(ctx context.Context, entry *AuditEntry) error
	GetAuditLog(ctx context.Context, tenantID string, since time.Time) ([]*AuditEntry, error)

	// Utility
	Close() error
}
