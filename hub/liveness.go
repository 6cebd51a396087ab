package hub

import (
	"context"
	"sync"
	"time"
)

// DefaultStaleWindow is how long a hub may stay silent before it counts as
// stale, independent of whether its socket still looks open.
const DefaultStaleWindow = 2 * time.Minute

// LivenessTracker records when each hub was last heard from. Every inbound
// frame or heartbeat touches it; staleness is computed against a fixed
// window so a hung connection that never disconnects cleanly still shows up.
type LivenessTracker struct {
	mu       sync.RWMutex
	lastSeen map[string]time.Time
	window   time.Duration
}

// NewLivenessTracker creates a tracker with the given stale window.
// A zero window falls back to DefaultStaleWindow.
func NewLivenessTracker(window time.Duration) *LivenessTracker {
	if window <= 0 {
		window = DefaultStaleWindow
	}
	return &LivenessTracker{
		lastSeen: make(map[string]time.Time),
		window:   window,
	}
}

// Touch records that the hub was heard from at t.
func (t *LivenessTracker) Touch(hubID string, at time.Time) {
	t.mu.Lock()
	t.lastSeen[hubID] = at
	t.mu.Unlock()
}

// LastSeen returns the most recent touch for the hub.
func (t *LivenessTracker) LastSeen(hubID string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	at, ok := t.lastSeen[hubID]
	return at, ok
}

// IsStale reports whether the hub has been silent longer than the window at
// time now. A hub the tracker has never heard from is stale.
func (t *LivenessTracker) IsStale(hubID string, now time.Time) bool {
	at, ok := t.LastSeen(hubID)
	if !ok {
		return true
	}
	return now.Sub(at) > t.window
}

// Window returns the configured stale window.
func (t *LivenessTracker) Window() time.Duration {
	return t.window
}

// Forget drops tracking state for a hub (e.g. after permanent deletion).
func (t *LivenessTracker) Forget(hubID string) {
	t.mu.Lock()
	delete(t.lastSeen, hubID)
	t.mu.Unlock()
}

// StaleAt reports whether a persisted last-seen timestamp is stale at now
// for the given window. Used by reporting collaborators working from hub
// rows instead of the live tracker.
func StaleAt(lastSeen, now time.Time, window time.Duration) bool {
	if window <= 0 {
		window = DefaultStaleWindow
	}
	return now.Sub(lastSeen) > window
}

// RunStalenessSweep periodically checks every connected hub against the
// tracker and publishes a hub_stale event the first time a hub crosses the
// window. Runs until ctx is cancelled.
func (r *Registry) RunStalenessSweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	reported := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			for _, hubID := range r.OnlineHubs() {
				if r.liveness.IsStale(hubID, now) {
					if !reported[hubID] {
						reported[hubID] = true
						last, _ := r.liveness.LastSeen(hubID)
						r.log.Warn("Hub went stale with socket still open",
							"hub_id", hubID, "last_seen", last.Format(time.RFC3339))
						r.events.Publish(Event{Type: EventHubStale, HubID: hubID})
					}
					continue
				}
				delete(reported, hubID)
			}
		}
	}
}
