package hub

import (
	"context"
	"fmt"
	"sort"

	"printfarm/server/storage"
)

// DefaultMaxPrintersPerHub caps how many printers a single hub will drive.
// USB bandwidth and the hub's CPU budget both degrade past this point.
const DefaultMaxPrintersPerHub = 5

// OnlineChecker reports whether a hub has a live connection. Satisfied by
// *Registry; tests substitute a fixture.
type OnlineChecker interface {
	IsOnline(hubID string) bool
}

// Planner picks which hub a new printer should land on. Placement is
// fullest-first: consolidating printers onto already-busy hubs keeps the
// remaining hubs free to absorb a whole multi-printer rack later.
type Planner struct {
	store   storage.Store
	online  OnlineChecker
	maxPerH int
}

// NewPlanner creates a Planner. A non-positive maxPerHub falls back to
// DefaultMaxPrintersPerHub.
func NewPlanner(store storage.Store, online OnlineChecker, maxPerHub int) *Planner {
	if maxPerHub <= 0 {
		maxPerHub = DefaultMaxPrintersPerHub
	}
	return &Planner{store: store, online: online, maxPerH: maxPerHub}
}

// MaxPerHub returns the configured per-hub printer cap.
func (p *Planner) MaxPerHub() int { return p.maxPerH }

// Place selects the tenant's online hub with the most printers that still has
// room. Ties break toward the lexicographically smallest hub id so repeated
// placements are deterministic. Returns ErrNoCapacity when every online hub
// is full or no hub is online.
func (p *Planner) Place(ctx context.Context, tenantID string) (string, error) {
	counts, err := p.store.CountPrintersPerHub(ctx, tenantID)
	if err != nil {
		return "", fmt.Errorf("failed to count printers per hub: %w", err)
	}

	ids := make([]string, 0, len(counts))
	for hubID := range counts {
		ids = append(ids, hubID)
	}
	sort.Strings(ids)

	best := ""
	bestCount := -1
	for _, hubID := range ids {
		n := counts[hubID]
		if n >= p.maxPerH {
			continue
		}
		if !p.online.IsOnline(hubID) {
			continue
		}
		if n > bestCount {
			best = hubID
			bestCount = n
		}
	}
	if best == "" {
		return "", ErrNoCapacity
	}
	return best, nil
}
