package hub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"printfarm/server/storage"
)

// ClaimService transitions hubs between unclaimed and claimed-by-tenant.
// The secret is hub-originated: the device is provisioned with a claim code
// whose argon2id hash is stored in its row, and presenting the code proves
// possession. Verification mismatches are client errors, never retried.
type ClaimService struct {
	store storage.Store
	log   Logger
}

// NewClaimService creates a ClaimService.
func NewClaimService(store storage.Store, log Logger) *ClaimService {
	if log == nil {
		log = noopLogger{}
	}
	return &ClaimService{store: store, log: log}
}

// DefaultHubName derives a display name from the hub id suffix, used when a
// claim does not supply one.
func DefaultHubName(hubID string) string {
	suffix := hubID
	if len(suffix) > 6 {
		suffix = suffix[len(suffix)-6:]
	}
	return "Hub-" + suffix
}

// Claim verifies the claim code against the hub's stored secret hash and
// atomically assigns the hub to the tenant. Conflicts distinguish "already
// yours" from "someone else's" so the UI can respond differently. On any
// error the hub row is unchanged.
func (s *ClaimService) Claim(ctx context.Context, hubID, claimCode, tenantID, name string) (*storage.Hub, error) {
	hubRow, err := s.store.GetHub(ctx, hubID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrUnknownHub
		}
		return nil, fmt.Errorf("failed to load hub: %w", err)
	}

	if hubRow.Claimed() {
		if *hubRow.TenantID == tenantID {
			return nil, ErrClaimedBySelf
		}
		return nil, ErrClaimedByOther
	}

	ok, err := storage.VerifyClaimCode(claimCode, hubRow.SecretHash)
	if err != nil {
		return nil, fmt.Errorf("failed to verify claim code: %w", err)
	}
	if !ok {
		s.log.Warn("Hub claim rejected: bad code", "hub_id", hubID, "tenant_id", tenantID)
		return nil, ErrBadClaimCode
	}

	if name == "" {
		name = DefaultHubName(hubID)
	}
	claimedAt := time.Now().UTC()
	if err := s.store.ClaimHub(ctx, hubID, tenantID, name, claimedAt); err != nil {
		if errors.Is(err, storage.ErrHubClaimed) {
			// Lost a race with another claim between the read and the update.
			return nil, ErrClaimedByOther
		}
		return nil, fmt.Errorf("failed to claim hub: %w", err)
	}

	s.log.Info("Hub claimed", "hub_id", hubID, "tenant_id", tenantID, "name", name)
	return s.store.GetHub(ctx, hubID)
}

// RegisterDirect claims a hub whose code was already verified out of band
// (the short-range provisioning flow). Idempotent: registering a hub the
// tenant already owns returns the existing record unchanged.
func (s *ClaimService) RegisterDirect(ctx context.Context, hubID, tenantID, name string) (*storage.Hub, error) {
	hubRow, err := s.store.GetHub(ctx, hubID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrUnknownHub
		}
		return nil, fmt.Errorf("failed to load hub: %w", err)
	}

	if hubRow.Claimed() {
		if *hubRow.TenantID == tenantID {
			return hubRow, nil
		}
		return nil, ErrClaimedByOther
	}

	if name == "" {
		name = DefaultHubName(hubID)
	}
	if err := s.store.ClaimHub(ctx, hubID, tenantID, name, time.Now().UTC()); err != nil {
		if errors.Is(err, storage.ErrHubClaimed) {
			return nil, ErrClaimedByOther
		}
		return nil, fmt.Errorf("failed to register hub: %w", err)
	}

	s.log.Info("Hub registered directly", "hub_id", hubID, "tenant_id", tenantID, "name", name)
	return s.store.GetHub(ctx, hubID)
}

// Release returns the hub to the unclaimed pool. The hub must currently
// belong to the tenant. The row reset and the unassignment of every printer
// pointing at the hub happen in one transaction; no printer is left
// referencing a released hub.
func (s *ClaimService) Release(ctx context.Context, hubID, tenantID string) error {
	if err := s.store.ReleaseHub(ctx, hubID, tenantID); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return ErrUnknownHub
		case errors.Is(err, storage.ErrNotOwner):
			return ErrNotOwner
		default:
			return fmt.Errorf("failed to release hub: %w", err)
		}
	}
	s.log.Info("Hub released", "hub_id", hubID, "tenant_id", tenantID)
	return nil
}
