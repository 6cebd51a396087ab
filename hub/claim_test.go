package hub

import (
	"context"
	"errors"
	"testing"
	"time"

	"printfarm/server/storage"
)

func newClaimFixture(t *testing.T) (storage.Store, *ClaimService) {
	t.Helper()
	store, err := storage.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	for _, id := range []string{"tenant-a", "tenant-b"} {
		if err := store.CreateTenant(ctx, &storage.Tenant{ID: id, Name: "Tenant " + id}); err != nil {
			t.Fatalf("Failed to create tenant: %v", err)
		}
	}
	if err := store.CreateHub(ctx, &storage.Hub{ID: "hub-1", SecretHash: testClaimHash(t)}); err != nil {
		t.Fatalf("Failed to create hub: %v", err)
	}

	return store, NewClaimService(store, nil)
}

func TestClaimSuccess(t *testing.T) {
	t.Parallel()

	_, svc := newClaimFixture(t)
	ctx := context.Background()

	claimed, err := svc.Claim(ctx, "hub-1", testClaimCode, "tenant-a", "Workshop Hub")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if !claimed.Claimed() || *claimed.TenantID != "tenant-a" {
		t.Errorf("Hub not claimed by tenant-a: %+v", claimed)
	}
	if claimed.Name == nil || *claimed.Name != "Workshop Hub" {
		t.Errorf("Hub name not set: %+v", claimed.Name)
	}
	if claimed.ClaimedAt == nil {
		t.Error("ClaimedAt not set")
	}
}

func TestClaimDefaultName(t *testing.T) {
	t.Parallel()

	_, svc := newClaimFixture(t)

	claimed, err := svc.Claim(context.Background(), "hub-1", testClaimCode, "tenant-a", "")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if claimed.Name == nil || *claimed.Name != DefaultHubName("hub-1") {
		t.Errorf("Expected default name %q, got %v", DefaultHubName("hub-1"), claimed.Name)
	}
}

func TestClaimBadCodeLeavesHubUnclaimed(t *testing.T) {
	t.Parallel()

	store, svc := newClaimFixture(t)
	ctx := context.Background()

	_, err := svc.Claim(ctx, "hub-1", "not-the-code", "tenant-a", "")
	if !errors.Is(err, ErrBadClaimCode) {
		t.Fatalf("Expected ErrBadClaimCode, got %v", err)
	}

	h, err := store.GetHub(ctx, "hub-1")
	if err != nil {
		t.Fatalf("GetHub failed: %v", err)
	}
	if h.Claimed() {
		t.Error("Hub row must be unchanged after a bad code")
	}
}

func TestClaimConflicts(t *testing.T) {
	t.Parallel()

	_, svc := newClaimFixture(t)
	ctx := context.Background()

	if _, err := svc.Claim(ctx, "hub-1", testClaimCode, "tenant-a", ""); err != nil {
		t.Fatalf("First claim failed: %v", err)
	}

	// Same tenant claiming again is a distinct conflict from another tenant.
	if _, err := svc.Claim(ctx, "hub-1", testClaimCode, "tenant-a", ""); !errors.Is(err, ErrClaimedBySelf) {
		t.Errorf("Expected ErrClaimedBySelf, got %v", err)
	}
	if _, err := svc.Claim(ctx, "hub-1", testClaimCode, "tenant-b", ""); !errors.Is(err, ErrClaimedByOther) {
		t.Errorf("Expected ErrClaimedByOther, got %v", err)
	}
}

func TestClaimUnknownHub(t *testing.T) {
	t.Parallel()

	_, svc := newClaimFixture(t)

	if _, err := svc.Claim(context.Background(), "hub-missing", testClaimCode, "tenant-a", ""); !errors.Is(err, ErrUnknownHub) {
		t.Errorf("Expected ErrUnknownHub, got %v", err)
	}
}

func TestRegisterDirectIsIdempotent(t *testing.T) {
	t.Parallel()

	_, svc := newClaimFixture(t)
	ctx := context.Background()

	first, err := svc.RegisterDirect(ctx, "hub-1", "tenant-a", "Rack Hub")
	if err != nil {
		t.Fatalf("RegisterDirect failed: %v", err)
	}

	second, err := svc.RegisterDirect(ctx, "hub-1", "tenant-a", "Different Name")
	if err != nil {
		t.Fatalf("Repeat RegisterDirect failed: %v", err)
	}
	if *second.Name != *first.Name {
		t.Errorf("Repeat register must not rename the hub: %q vs %q", *second.Name, *first.Name)
	}

	if _, err := svc.RegisterDirect(ctx, "hub-1", "tenant-b", ""); !errors.Is(err, ErrClaimedByOther) {
		t.Errorf("Expected ErrClaimedByOther for foreign register, got %v", err)
	}
}

func TestReleaseClearsPrinterAssignments(t *testing.T) {
	t.Parallel()

	store, svc := newClaimFixture(t)
	ctx := context.Background()

	if _, err := svc.Claim(ctx, "hub-1", testClaimCode, "tenant-a", ""); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	hubID := "hub-1"
	for _, pid := range []string{"p1", "p2"} {
		err := store.CreatePrinter(ctx, &storage.Printer{
			ID:       pid,
			TenantID: "tenant-a",
			HubID:    &hubID,
			Name:     "Printer " + pid,
		})
		if err != nil {
			t.Fatalf("CreatePrinter failed: %v", err)
		}
	}

	if err := svc.Release(ctx, "hub-1", "tenant-a"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	h, err := store.GetHub(ctx, "hub-1")
	if err != nil {
		t.Fatalf("GetHub failed: %v", err)
	}
	if h.Claimed() || h.Name != nil || h.ClaimedAt != nil {
		t.Errorf("Hub row not reset after release: %+v", h)
	}

	printers, err := store.ListPrintersByTenant(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("ListPrintersByTenant failed: %v", err)
	}
	for _, p := range printers {
		if p.HubID != nil {
			t.Errorf("Printer %s still references released hub", p.ID)
		}
		if p.Connected {
			t.Errorf("Printer %s still marked connected", p.ID)
		}
	}

	// The claim/release cycle repeats with a fresh claim; claimed_at moves.
	time.Sleep(5 * time.Millisecond)
	reclaimed, err := svc.Claim(ctx, "hub-1", testClaimCode, "tenant-b", "")
	if err != nil {
		t.Fatalf("Reclaim after release failed: %v", err)
	}
	if *reclaimed.TenantID != "tenant-b" {
		t.Errorf("Hub not reclaimed by tenant-b: %+v", reclaimed)
	}
}

func TestReleaseAuthorization(t *testing.T) {
	t.Parallel()

	_, svc := newClaimFixture(t)
	ctx := context.Background()

	if _, err := svc.Claim(ctx, "hub-1", testClaimCode, "tenant-a", ""); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	if err := svc.Release(ctx, "hub-1", "tenant-b"); !errors.Is(err, ErrNotOwner) {
		t.Errorf("Expected ErrNotOwner, got %v", err)
	}
	if err := svc.Release(ctx, "hub-missing", "tenant-a"); !errors.Is(err, ErrUnknownHub) {
		t.Errorf("Expected ErrUnknownHub, got %v", err)
	}
}
