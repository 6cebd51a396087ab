package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"printfarm/server/hub"
	"printfarm/server/storage"

	"github.com/google/uuid"
)

// setupRoutes registers all HTTP endpoints on the given mux.
func setupRoutes(mux *http.ServeMux) {
	// Health check and version info
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/api/version", handleVersion)

	// Hub WebSocket endpoint (hubs connect here)
	mux.HandleFunc("/ws/hub", handleHubWebSocket)

	// Tenant API
	mux.HandleFunc("/api/v1/tenants", handleTenants)

	// Hub API
	mux.HandleFunc("/api/v1/hubs", handleHubList)
	mux.HandleFunc("/api/v1/hubs/provision", handleHubProvision)
	mux.HandleFunc("/api/v1/hubs/claim", handleHubClaim)
	mux.HandleFunc("/api/v1/hubs/register", handleHubRegister)
	mux.HandleFunc("/api/v1/hubs/release", handleHubRelease)
	mux.HandleFunc("/api/v1/hubs/status", handleHubStatus)
	mux.HandleFunc("/api/v1/hubs/command", handleHubCommand)

	// Printer API
	mux.HandleFunc("/api/v1/printers", handlePrinters)
	mux.HandleFunc("/api/v1/printers/delete", handlePrinterDelete)

	// Audit log and live events
	mux.HandleFunc("/api/v1/audit", handleAuditLog)
	mux.HandleFunc("/api/v1/events", handleEventStream)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   msg,
	})
}

// writeDomainError maps the hub/storage error kinds to HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, hub.ErrUnknownHub), errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, hub.ErrBadClaimCode):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, hub.ErrNotOwner), errors.Is(err, storage.ErrNotOwner):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, hub.ErrClaimedBySelf),
		errors.Is(err, hub.ErrClaimedByOther),
		errors.Is(err, hub.ErrHubNotClaimed),
		errors.Is(err, storage.ErrHubClaimed),
		errors.Is(err, storage.ErrAlreadyExists),
		errors.Is(err, hub.ErrNoCapacity):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, hub.ErrHubOffline):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, hub.ErrAckTimeout):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, hub.ErrConnectionLost):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"connected_hubs": hubRegistry.Count(),
		"timestamp":      time.Now().UTC(),
	})
}

func handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":          Version,
		"build_time":       BuildTime,
		"git_commit":       GitCommit,
		"protocol_version": ProtocolVersion,
		"go_version":       runtime.Version(),
		"os":               runtime.GOOS,
		"arch":             runtime.GOARCH,
	})
}

// Tenant creation and listing. Tenants normally come from the account system;
// this endpoint exists for provisioning and tests.
func handleTenants(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid JSON")
			return
		}
		if req.Name == "" {
			writeError(w, http.StatusBadRequest, "name is required")
			return
		}
		if req.ID == "" {
			req.ID = uuid.NewString()
		}
		tenant := &storage.Tenant{ID: req.ID, Name: req.Name, CreatedAt: time.Now().UTC()}
		if err := serverStore.CreateTenant(r.Context(), tenant); err != nil {
			logError("Failed to create tenant", "name", req.Name, "error", err)
			writeDomainError(w, err)
			return
		}
		logInfo("Tenant created", "tenant_id", tenant.ID, "name", tenant.Name)
		writeJSON(w, http.StatusCreated, tenant)

	case http.MethodGet:
		tenants, err := serverStore.ListTenants(r.Context())
		if err != nil {
			logError("Failed to list tenants", "error", err)
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"tenants": tenants})

	default:
		writeError(w, http.StatusMethodNotAllowed, "GET or POST only")
	}
}

// hubView is the API shape for a hub: the persisted row plus live connection
// state from the registry, which is authoritative over the is_online column.
type hubView struct {
	*storage.Hub
	Connected bool `json:"connected"`
	Stale     bool `json:"stale"`
}

func buildHubView(h *storage.Hub, now time.Time) hubView {
	connected := hubRegistry.IsOnline(h.ID)
	stale := false
	if connected {
		stale = hubRegistry.Liveness().IsStale(h.ID, now)
	} else if h.IsOnline {
		// Persisted flag lags reality; report stale from the row timestamp.
		stale = hub.StaleAt(h.LastSeenAt, now, hubRegistry.Liveness().Window())
	}
	return hubView{Hub: h, Connected: connected, Stale: stale}
}

// List the tenant's hubs with live status merged in.
func handleHubList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	hubs, err := serverStore.ListHubsByTenant(r.Context(), tenantID)
	if err != nil {
		logError("Failed to list hubs", "tenant_id", tenantID, "error", err)
		writeDomainError(w, err)
		return
	}

	now := time.Now()
	views := make([]hubView, 0, len(hubs))
	for _, h := range hubs {
		views = append(views, buildHubView(h, now))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"hubs": views})
}

// Provision a new hub row. The claim code is generated here, hashed for
// storage and returned exactly once; it cannot be recovered later.
func handleHubProvision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}

	var req struct {
		HubID           string `json:"hub_id"`
		HardwareVersion string `json:"hardware_version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.HubID == "" {
		req.HubID = uuid.NewString()
	}

	claimCode, err := storage.GenerateClaimCode()
	if err != nil {
		logError("Failed to generate claim code", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	hash, err := storage.HashClaimCode(claimCode)
	if err != nil {
		logError("Failed to hash claim code", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	hubRow := &storage.Hub{
		ID:              req.HubID,
		SecretHash:      hash,
		HardwareVersion: req.HardwareVersion,
		CreatedAt:       time.Now().UTC(),
	}
	if err := serverStore.CreateHub(r.Context(), hubRow); err != nil {
		logError("Failed to provision hub", "hub_id", req.HubID, "error", err)
		writeDomainError(w, err)
		return
	}

	logInfo("Hub provisioned", "hub_id", hubRow.ID)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success":    true,
		"hub_id":     hubRow.ID,
		"claim_code": claimCode,
	})
}

// Claim a hub with its claim code.
func handleHubClaim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}

	var req struct {
		HubID     string `json:"hub_id"`
		ClaimCode string `json:"claim_code"`
		TenantID  string `json:"tenant_id"`
		Name      string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.HubID == "" || req.ClaimCode == "" || req.TenantID == "" {
		writeError(w, http.StatusBadRequest, "hub_id, claim_code and tenant_id are required")
		return
	}

	clientIP := getRealIP(r)
	if authRateLimiter != nil {
		if isBlocked, _ := authRateLimiter.IsBlocked(clientIP, req.HubID); isBlocked {
			writeError(w, http.StatusTooManyRequests, "Too many failed attempts. Try again later.")
			return
		}
	}

	claimed, err := claimService.Claim(r.Context(), req.HubID, req.ClaimCode, req.TenantID, req.Name)
	if err != nil {
		if errors.Is(err, hub.ErrBadClaimCode) && authRateLimiter != nil {
			if isBlocked, _, attemptCount := authRateLimiter.RecordFailure(clientIP, req.HubID); isBlocked {
				logAuditEntry(&storage.AuditEntry{
					TenantID:  req.TenantID,
					HubID:     req.HubID,
					Action:    "auth_blocked",
					Details:   "IP blocked after repeated failed claim attempts",
					IPAddress: clientIP,
					Metadata:  map[string]interface{}{"attempt_count": attemptCount},
				})
				writeError(w, http.StatusTooManyRequests, "Too many failed attempts. Try again later.")
				return
			}
		}
		writeDomainError(w, err)
		return
	}

	if authRateLimiter != nil {
		authRateLimiter.RecordSuccess(clientIP, req.HubID)
	}
	logAuditEntry(&storage.AuditEntry{
		TenantID:  req.TenantID,
		HubID:     req.HubID,
		Action:    "claim",
		IPAddress: clientIP,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"hub":     buildHubView(claimed, time.Now()),
	})
}

// Register a hub whose possession was verified out of band.
func handleHubRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}

	var req struct {
		HubID    string `json:"hub_id"`
		TenantID string `json:"tenant_id"`
		Name     string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.HubID == "" || req.TenantID == "" {
		writeError(w, http.StatusBadRequest, "hub_id and tenant_id are required")
		return
	}

	registered, err := claimService.RegisterDirect(r.Context(), req.HubID, req.TenantID, req.Name)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	logAuditEntry(&storage.AuditEntry{
		TenantID:  req.TenantID,
		HubID:     req.HubID,
		Action:    "register",
		IPAddress: getRealIP(r),
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"hub":     buildHubView(registered, time.Now()),
	})
}

// Release a hub back to the unclaimed pool. If the hub is connected it is
// told to disconnect and its socket is closed.
func handleHubRelease(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}

	var req struct {
		HubID    string `json:"hub_id"`
		TenantID string `json:"tenant_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.HubID == "" || req.TenantID == "" {
		writeError(w, http.StatusBadRequest, "hub_id and tenant_id are required")
		return
	}

	if err := claimService.Release(r.Context(), req.HubID, req.TenantID); err != nil {
		writeDomainError(w, err)
		return
	}

	// Best effort: tell the hub why it is being dropped, then close.
	if hubRegistry.IsOnline(req.HubID) {
		if env, err := hub.NewEnvelope(hub.CommandDisconnect, hub.DisconnectPayload{Reason: "released"}); err == nil {
			hubDispatcher.Send(r.Context(), req.HubID, env, false, 0)
		}
		hubRegistry.CloseHub(req.HubID)
	}

	logAuditEntry(&storage.AuditEntry{
		TenantID:  req.TenantID,
		HubID:     req.HubID,
		Action:    "release",
		IPAddress: getRealIP(r),
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// Point-in-time connection status for one hub.
func handleHubStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	hubID := r.URL.Query().Get("hub_id")
	tenantID := r.URL.Query().Get("tenant_id")
	if hubID == "" || tenantID == "" {
		writeError(w, http.StatusBadRequest, "hub_id and tenant_id are required")
		return
	}

	hubRow, err := loadOwnedHub(r, hubID, tenantID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	status := hubRegistry.Status(hubID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"hub":    buildHubView(hubRow, time.Now()),
		"status": status,
	})
}

// Dispatch a command to a hub.
func handleHubCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}

	var req struct {
		HubID          string          `json:"hub_id"`
		TenantID       string          `json:"tenant_id"`
		Type           string          `json:"type"`
		Payload        json.RawMessage `json:"payload"`
		WaitForAck     bool            `json:"wait_for_ack"`
		TimeoutSeconds int             `json:"timeout_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.HubID == "" || req.TenantID == "" || req.Type == "" {
		writeError(w, http.StatusBadRequest, "hub_id, tenant_id and type are required")
		return
	}

	cmdType := hub.ParseCommandType(req.Type)
	if cmdType == hub.CommandUnknown {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown command type %q", req.Type))
		return
	}

	if _, err := loadOwnedHub(r, req.HubID, req.TenantID); err != nil {
		writeDomainError(w, err)
		return
	}

	env := &hub.Envelope{
		CommandID: uuid.NewString(),
		Type:      cmdType,
		Payload:   req.Payload,
		IssuedAt:  time.Now().UTC(),
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	result, err := hubDispatcher.Send(r.Context(), req.HubID, env, req.WaitForAck, timeout)
	if err != nil {
		var cmdErr *hub.CommandError
		if errors.As(err, &cmdErr) {
			// The hub answered; a reported failure is a complete result, not a
			// transport error.
			writeJSON(w, http.StatusOK, map[string]interface{}{"success": false, "result": result})
			return
		}
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "result": result})
}

// Printer creation (with automatic hub placement) and listing.
func handlePrinters(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		handlePrinterCreate(w, r)

	case http.MethodGet:
		tenantID := r.URL.Query().Get("tenant_id")
		if tenantID == "" {
			writeError(w, http.StatusBadRequest, "tenant_id is required")
			return
		}
		printers, err := serverStore.ListPrintersByTenant(r.Context(), tenantID)
		if err != nil {
			logError("Failed to list printers", "tenant_id", tenantID, "error", err)
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"printers": printers})

	default:
		writeError(w, http.StatusMethodNotAllowed, "GET or POST only")
	}
}

func handlePrinterCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID string `json:"tenant_id"`
		Name     string `json:"name"`
		Model    string `json:"model"`
		HubID    string `json:"hub_id"` // optional explicit placement
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.TenantID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "tenant_id and name are required")
		return
	}

	hubID := req.HubID
	if hubID == "" {
		placed, err := placementPlanner.Place(r.Context(), req.TenantID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		hubID = placed
	} else {
		if _, err := loadOwnedHub(r, hubID, req.TenantID); err != nil {
			writeDomainError(w, err)
			return
		}
	}

	printer := &storage.Printer{
		ID:        uuid.NewString(),
		TenantID:  req.TenantID,
		HubID:     &hubID,
		Name:      req.Name,
		Model:     req.Model,
		CreatedAt: time.Now().UTC(),
	}
	if err := serverStore.CreatePrinter(r.Context(), printer); err != nil {
		logError("Failed to create printer", "tenant_id", req.TenantID, "error", err)
		writeDomainError(w, err)
		return
	}

	logInfo("Printer created", "printer_id", printer.ID, "hub_id", hubID, "tenant_id", req.TenantID)

	// Push the configuration to the hub. The printer row already exists, so a
	// dispatch failure leaves it assigned but unconfigured; the hub will pick
	// it up on its next config sync.
	env, err := hub.NewEnvelope(hub.CommandConfigurePrinter, hub.ConfigurePrinterPayload{
		PrinterID: printer.ID,
		Name:      printer.Name,
		Model:     printer.Model,
	})
	if err == nil {
		if _, err := hubDispatcher.Send(r.Context(), hubID, env, false, 0); err != nil {
			logWarn("Failed to push printer config to hub", "printer_id", printer.ID, "hub_id", hubID, "error", err)
		}
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"printer": printer,
	})
}

func handlePrinterDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}

	var req struct {
		PrinterID string `json:"printer_id"`
		TenantID  string `json:"tenant_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.PrinterID == "" || req.TenantID == "" {
		writeError(w, http.StatusBadRequest, "printer_id and tenant_id are required")
		return
	}

	printer, err := serverStore.GetPrinter(r.Context(), req.PrinterID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if printer.TenantID != req.TenantID {
		writeError(w, http.StatusForbidden, "printer not owned by tenant")
		return
	}

	// Tell the hub to drop the printer first so it stops driving hardware.
	if printer.HubID != nil && hubRegistry.IsOnline(*printer.HubID) {
		if env, err := hub.NewEnvelope(hub.CommandRemovePrinter, hub.RemovePrinterPayload{PrinterID: printer.ID}); err == nil {
			if _, err := hubDispatcher.Send(r.Context(), *printer.HubID, env, false, 0); err != nil {
				logWarn("Failed to push printer removal to hub", "printer_id", printer.ID, "error", err)
			}
		}
	}

	if err := serverStore.DeletePrinter(r.Context(), req.PrinterID); err != nil {
		writeDomainError(w, err)
		return
	}

	logInfo("Printer deleted", "printer_id", req.PrinterID, "tenant_id", req.TenantID)
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// Audit log, newest first, scoped to a tenant.
func handleAuditLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	since := time.Now().Add(-24 * time.Hour)
	if s := r.URL.Query().Get("since"); s != "" {
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = parsed
	}

	entries, err := serverStore.GetAuditLog(r.Context(), tenantID, since)
	if err != nil {
		logError("Failed to load audit log", "tenant_id", tenantID, "error", err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// handleEventStream bridges the in-process event hub to Server-Sent Events so
// UI clients see hub connect/disconnect/stale transitions live.
func handleEventStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	subID := uuid.NewString()
	ch := make(chan hub.Event, 10)
	eventHub.Subscribe(subID, ch)
	defer eventHub.Unsubscribe(subID)

	logDebug("Event stream client connected", "sub_id", subID)

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case evt, open := <-ch:
			if !open {
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, payload)
			flusher.Flush()
		}
	}
}

// loadOwnedHub loads a hub and checks it belongs to the tenant.
func loadOwnedHub(r *http.Request, hubID, tenantID string) (*storage.Hub, error) {
	hubRow, err := serverStore.GetHub(r.Context(), hubID)
	if err != nil {
		return nil, err
	}
	if !hubRow.Claimed() || *hubRow.TenantID != tenantID {
		return nil, hub.ErrNotOwner
	}
	return hubRow, nil
}
