package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"printfarm/server/hub"
	"printfarm/server/storage"
	"printfarm/server/ws"
)

// handleHubWebSocket handles WebSocket connections from hubs.
//
// Hubs connect with ?hub_id=...&token=... plus optional firmware/hardware
// version params. The token is the hub's claim code; the registry verifies it
// against the stored argon2id hash. Auth failures count against the IP+hub
// rate limiter so a stolen hub id cannot be brute-forced.
func handleHubWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := getRealIP(r)

	hubID := r.URL.Query().Get("hub_id")
	token := r.URL.Query().Get("token")
	if hubID == "" || token == "" {
		http.Error(w, "Missing hub_id or token", http.StatusBadRequest)
		return
	}

	logInfo("Incoming hub WebSocket connection attempt",
		"hub_id", hubID,
		"ip", clientIP,
		"user_agent", r.Header.Get("User-Agent"))

	if authRateLimiter != nil {
		if isBlocked, blockedUntil := authRateLimiter.IsBlocked(clientIP, hubID); isBlocked {
			logWarn("Blocked hub WebSocket connection attempt",
				"hub_id", hubID,
				"ip", clientIP,
				"blocked_until", blockedUntil.Format(time.RFC3339))
			http.Error(w, "Too many failed attempts. Try again later.", http.StatusTooManyRequests)
			return
		}
	}

	conn, err := ws.UpgradeHTTP(w, r)
	if err != nil {
		logError("WebSocket upgrade failed", "hub_id", hubID, "ip", clientIP, "error", err)
		return
	}

	meta := hub.ConnectMeta{
		FirmwareVersion: r.URL.Query().Get("firmware_version"),
		HardwareVersion: r.URL.Query().Get("hardware_version"),
		RemoteIP:        clientIP,
	}

	hc, err := hubRegistry.Connect(r.Context(), hubID, token, meta, conn)
	if err != nil {
		handleConnectFailure(r, conn, hubID, clientIP, err)
		return
	}

	if authRateLimiter != nil {
		authRateLimiter.RecordSuccess(clientIP, hubID)
	}

	// Tell the hub the handshake succeeded before entering the read loop.
	if err := conn.WriteJSON(&ws.Frame{Type: ws.FrameTypeConnected, Timestamp: time.Now()}, 10*time.Second); err != nil {
		logWarn("Failed to send connected frame", "hub_id", hubID, "error", err)
	}

	hubRegistry.Serve(hc)
}

// handleConnectFailure reports a handshake failure to the hub, records it
// against the rate limiter when it was an auth failure, and closes the socket.
func handleConnectFailure(r *http.Request, conn *ws.Conn, hubID, clientIP string, err error) {
	defer conn.Close()

	reason := "connection rejected"
	authFailure := false
	switch {
	case errors.Is(err, hub.ErrUnknownHub):
		reason = "unknown hub"
		authFailure = true
	case errors.Is(err, hub.ErrHubNotClaimed):
		reason = "hub not claimed"
	case errors.Is(err, hub.ErrBadClaimCode):
		reason = "invalid token"
		authFailure = true
	case errors.Is(err, hub.ErrFirmwareTooOld):
		reason = "firmware version not supported"
	default:
		logError("Hub connect failed", "hub_id", hubID, "ip", clientIP, "error", err)
	}

	if authFailure && authRateLimiter != nil {
		isBlocked, shouldLog, attemptCount := authRateLimiter.RecordFailure(clientIP, hubID)
		if shouldLog {
			fields := []interface{}{
				"hub_id", hubID,
				"ip", clientIP,
				"error", err.Error(),
				"attempt_count", attemptCount,
				"user_agent", r.Header.Get("User-Agent"),
			}
			if isBlocked {
				fields = append(fields, "status", "BLOCKED")
				logError("Hub WebSocket auth failed - IP blocked", fields...)
				logAuditEntry(&storage.AuditEntry{
					HubID:     hubID,
					Action:    "auth_blocked",
					Details:   "IP blocked after repeated failed hub auth attempts",
					IPAddress: clientIP,
					Metadata: map[string]interface{}{
						"attempt_count": attemptCount,
						"protocol":      "websocket",
					},
				})
			} else {
				logWarn("Invalid hub WebSocket authentication", fields...)
			}
		}
	} else {
		logWarn("Hub WebSocket handshake rejected", "hub_id", hubID, "ip", clientIP, "reason", reason)
	}

	conn.WriteJSON(&ws.Frame{Type: ws.FrameTypeError, Error: reason, Timestamp: time.Now()}, 5*time.Second)
}

// logAuditEntry persists an audit entry without failing the caller.
func logAuditEntry(entry *storage.AuditEntry) {
	if serverStore == nil {
		return
	}
	entry.Timestamp = time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := serverStore.SaveAuditEntry(ctx, entry); err != nil {
		logWarn("Failed to save audit entry", "action", entry.Action, "error", err)
	}
}

// getRealIP extracts the client IP, respecting X-Forwarded-For when behind a
// reverse proxy.
func getRealIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	return extractIPFromAddr(r.RemoteAddr)
}
