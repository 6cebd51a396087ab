package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"printfarm/server/storage"
	"printfarm/server/ws"

	"github.com/Masterminds/semver"
	"github.com/gorilla/websocket"
)

const (
	readDeadline    = 60 * time.Second
	pingInterval    = 25 * time.Second
	writeTimeout    = 10 * time.Second
	storeOpTimeout  = 10 * time.Second
	offlineDebounce = 10 * time.Second
)

// Logger is the leveled logging surface the hub core needs. *logger.Logger
// satisfies it.
type Logger interface {
	Info(msg string, context ...interface{})
	Warn(msg string, context ...interface{})
	Error(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

type noopLogger struct{}

func (noopLogger) Info(string, ...interface{})  {}
func (noopLogger) Warn(string, ...interface{})  {}
func (noopLogger) Error(string, ...interface{}) {}
func (noopLogger) Debug(string, ...interface{}) {}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Store  storage.Store
	Logger Logger
	Events *EventHub

	// StaleWindow for the liveness tracker; zero means DefaultStaleWindow.
	StaleWindow time.Duration

	// MinFirmware rejects hubs that report an older semantic version at
	// connect time. Empty disables the gate.
	MinFirmware string

	// OfflineDebounce delays mirroring is_online=false to the store after a
	// disconnect, so a quick reconnect does not flap the persisted flag.
	// Negative means write immediately; zero means the default.
	OfflineDebounce time.Duration
}

// Registry owns the authoritative runtime state for every connected hub.
// It is the single place that knows whether a hub is live right now; the
// persisted is_online column is only a best-effort mirror of this state.
// All mutation of a single hub's connection state funnels through the
// registry's methods; there is no ambient global connection table.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*HubConn

	store       storage.Store
	log         Logger
	events      *EventHub
	liveness    *LivenessTracker
	minFirmware *semver.Version
	debounce    time.Duration
}

// NewRegistry creates a Registry. Store is required; a nil Logger or Events
// gets a no-op/default substitute.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	r := &Registry{
		conns:    make(map[string]*HubConn),
		store:    cfg.Store,
		log:      cfg.Logger,
		events:   cfg.Events,
		liveness: NewLivenessTracker(cfg.StaleWindow),
		debounce: cfg.OfflineDebounce,
	}
	if r.log == nil {
		r.log = noopLogger{}
	}
	if r.events == nil {
		r.events = NewEventHub()
	}
	if r.debounce == 0 {
		r.debounce = offlineDebounce
	}
	if cfg.MinFirmware != "" {
		v, err := semver.NewVersion(cfg.MinFirmware)
		if err != nil {
			return nil, err
		}
		r.minFirmware = v
	}
	return r, nil
}

// Liveness exposes the registry's liveness tracker to reporting collaborators.
func (r *Registry) Liveness() *LivenessTracker { return r.liveness }

// Events exposes the unsolicited-event fan-out.
func (r *Registry) Events() *EventHub { return r.events }

// ConnectMeta carries the connection attributes the hub presents at handshake.
type ConnectMeta struct {
	FirmwareVersion string
	HardwareVersion string
	RemoteIP        string
}

// HubConn is the per-hub connection actor. Exactly one exists per online hub
// id; its inbound frames are processed by a single goroutine (Serve) and all
// socket writes are serialized by the underlying ws.Conn.
type HubConn struct {
	hubID       string
	tenantID    string
	conn        *ws.Conn
	connectedAt time.Time

	mu            sync.Mutex
	firmware      string
	lastMessageAt time.Time
	pending       map[string]chan ackOutcome
	closed        bool
}

type ackOutcome struct {
	ack *Ack
	err error
}

// HubID returns the hub this connection belongs to.
func (hc *HubConn) HubID() string { return hc.hubID }

// TenantID returns the tenant that owned the hub at connect time.
func (hc *HubConn) TenantID() string { return hc.tenantID }

func (hc *HubConn) touch(at time.Time) {
	hc.mu.Lock()
	hc.lastMessageAt = at
	hc.mu.Unlock()
}

// registerWaiter creates a pending-ack slot for commandID. Fails with
// ErrHubOffline if the connection is already torn down.
func (hc *HubConn) registerWaiter(commandID string) (chan ackOutcome, error) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if hc.closed {
		return nil, ErrHubOffline
	}
	ch := make(chan ackOutcome, 1)
	hc.pending[commandID] = ch
	return ch, nil
}

// removeWaiter deregisters a pending-ack slot. Returns false if the waiter
// was already resolved (its outcome is then sitting in the channel buffer).
func (hc *HubConn) removeWaiter(commandID string) bool {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if _, ok := hc.pending[commandID]; !ok {
		return false
	}
	delete(hc.pending, commandID)
	return true
}

// resolveAck delivers an acknowledgment to the waiter for its command id.
// First resolution wins: the waiter is removed before delivery, so a late
// duplicate ack cannot touch any other in-flight waiter.
func (hc *HubConn) resolveAck(ack *Ack) bool {
	hc.mu.Lock()
	ch, ok := hc.pending[ack.CommandID]
	if ok {
		delete(hc.pending, ack.CommandID)
	}
	hc.mu.Unlock()
	if !ok {
		return false
	}
	ch <- ackOutcome{ack: ack}
	return true
}

// teardown closes the socket and resolves every outstanding waiter with err.
// Idempotent; the first caller wins.
func (hc *HubConn) teardown(err error) {
	hc.mu.Lock()
	if hc.closed {
		hc.mu.Unlock()
		return
	}
	hc.closed = true
	pending := hc.pending
	hc.pending = make(map[string]chan ackOutcome)
	hc.mu.Unlock()

	for _, ch := range pending {
		ch <- ackOutcome{err: err}
	}
	hc.conn.Close()
}

func (hc *HubConn) write(v interface{}) error {
	return hc.conn.WriteJSON(v, writeTimeout)
}

// Connect validates the presented auth token against the hub's stored secret
// and claim state, then registers a connection actor for the hub. If a
// connection for the same hub id already exists it is fully torn down first
// (its pending commands fail with connection-lost) before the new one is
// registered, so acknowledgments can never land on a stale socket.
//
// On error no state is created and the caller must close the socket.
func (r *Registry) Connect(ctx context.Context, hubID, authToken string, meta ConnectMeta, conn *ws.Conn) (*HubConn, error) {
	hubRow, err := r.store.GetHub(ctx, hubID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrUnknownHub
		}
		return nil, err
	}
	if !hubRow.Claimed() {
		return nil, ErrHubNotClaimed
	}
	ok, err := storage.VerifyClaimCode(authToken, hubRow.SecretHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrBadClaimCode
	}

	if r.minFirmware != nil && meta.FirmwareVersion != "" {
		if v, vErr := semver.NewVersion(meta.FirmwareVersion); vErr == nil && v.LessThan(r.minFirmware) {
			return nil, ErrFirmwareTooOld
		}
	}

	now := time.Now()
	hc := &HubConn{
		hubID:         hubID,
		tenantID:      *hubRow.TenantID,
		conn:          conn,
		connectedAt:   now,
		firmware:      meta.FirmwareVersion,
		lastMessageAt: now,
		pending:       make(map[string]chan ackOutcome),
	}

	r.mu.Lock()
	if prev, exists := r.conns[hubID]; exists {
		r.log.Info("Superseding existing hub connection", "hub_id", hubID)
		prev.teardown(ErrConnectionLost)
	}
	r.conns[hubID] = hc
	r.mu.Unlock()

	r.liveness.Touch(hubID, now)

	opCtx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	if err := r.store.SetHubOnline(opCtx, hubID, true); err != nil {
		r.log.Warn("Failed to mirror online flag", "hub_id", hubID, "error", err)
	}
	if err := r.store.UpdateHubHeartbeat(opCtx, hubID, &storage.HeartbeatInfo{
		FirmwareVersion: meta.FirmwareVersion,
		HardwareVersion: meta.HardwareVersion,
		IPAddress:       meta.RemoteIP,
		SeenAt:          now,
	}); err != nil {
		r.log.Warn("Failed to record connect heartbeat", "hub_id", hubID, "error", err)
	}

	r.log.Info("Hub connected", "hub_id", hubID, "tenant_id", hc.tenantID,
		"ip", meta.RemoteIP, "firmware", meta.FirmwareVersion)
	r.events.Publish(Event{Type: EventHubConnected, HubID: hubID})

	return hc, nil
}

// Serve runs the connection's read loop until the socket closes, then tears
// the actor down. It must be called exactly once per successful Connect, from
// the goroutine that owns the socket.
func (r *Registry) Serve(hc *HubConn) {
	defer r.disconnect(hc)

	// Ping loop surfaces half-open TCP connections; a failed ping closes the
	// socket, which unblocks the read loop below.
	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := hc.conn.WritePing(writeTimeout); err != nil {
					r.log.Warn("Hub ping failed, closing connection", "hub_id", hc.hubID, "error", err)
					hc.conn.Close()
					return
				}
			case <-pingDone:
				return
			}
		}
	}()

	hc.conn.SetReadDeadline(time.Now().Add(readDeadline))
	hc.conn.SetPongHandler(func(string) error {
		hc.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		raw, err := hc.conn.ReadMessage()
		if err != nil {
			if ws.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.log.Warn("Hub socket error", "hub_id", hc.hubID, "error", err)
			}
			return
		}
		hc.conn.SetReadDeadline(time.Now().Add(readDeadline))
		r.handleFrame(hc, raw)
	}
}

// disconnect removes the actor if it is still the current one for its hub id,
// fails its outstanding commands and mirrors the offline flag. A superseded
// connection skips everything but its own teardown (which already happened).
func (r *Registry) disconnect(hc *HubConn) {
	r.mu.Lock()
	current := r.conns[hc.hubID] == hc
	if current {
		delete(r.conns, hc.hubID)
	}
	r.mu.Unlock()

	hc.teardown(ErrConnectionLost)

	if !current {
		return
	}

	r.log.Info("Hub disconnected", "hub_id", hc.hubID)
	r.events.Publish(Event{Type: EventHubDisconnected, HubID: hc.hubID})

	markOffline := func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
		defer cancel()
		if err := r.store.SetHubOnline(ctx, hc.hubID, false); err != nil {
			r.log.Warn("Failed to mirror offline flag", "hub_id", hc.hubID, "error", err)
		}
	}

	if r.debounce < 0 {
		markOffline()
		return
	}

	// Debounce the persisted mirror so a quick reconnect does not flap it.
	go func() {
		time.Sleep(r.debounce)
		if r.IsOnline(hc.hubID) {
			r.log.Debug("Hub reconnected during debounce window", "hub_id", hc.hubID)
			return
		}
		markOffline()
	}()
}

// handleFrame processes one inbound frame. Any frame counts as a heartbeat
// for liveness purposes.
func (r *Registry) handleFrame(hc *HubConn, raw []byte) {
	now := time.Now()
	hc.touch(now)
	r.liveness.Touch(hc.hubID, now)

	var frame ws.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		r.log.Warn("Failed to parse hub frame", "hub_id", hc.hubID, "error", err)
		hc.write(&ws.Frame{Type: ws.FrameTypeError, Error: "invalid frame", Timestamp: now})
		return
	}

	switch frame.Type {
	case ws.FrameTypeHeartbeat:
		r.handleHeartbeat(hc, &frame, now)
	case ws.FrameTypeAck:
		ack := &Ack{
			CommandID: frame.CommandID,
			Success:   frame.Success,
			Error:     frame.Error,
			Data:      frame.Data,
		}
		if !hc.resolveAck(ack) {
			// Late or duplicate ack; the waiter already timed out or resolved.
			r.log.Debug("Ack for unknown command id", "hub_id", hc.hubID, "command_id", frame.CommandID)
		}
	case ws.FrameTypeEvent:
		evtType := stringField(frame.Data, "event")
		if evtType == "" {
			evtType = "hub_event"
		}
		r.events.Publish(Event{Type: evtType, HubID: hc.hubID, Data: frame.Data, Timestamp: now})
	default:
		r.log.Warn("Unknown frame type from hub", "hub_id", hc.hubID, "frame_type", frame.Type)
		hc.write(&ws.Frame{Type: ws.FrameTypeError, Error: "unknown frame type", Timestamp: now})
	}
}

func (r *Registry) handleHeartbeat(hc *HubConn, frame *ws.Frame, now time.Time) {
	info := &storage.HeartbeatInfo{
		FirmwareVersion: stringField(frame.Data, "firmware_version"),
		HardwareVersion: stringField(frame.Data, "hardware_version"),
		IPAddress:       stringField(frame.Data, "ip"),
		SeenAt:          now,
	}
	if info.FirmwareVersion != "" {
		hc.mu.Lock()
		hc.firmware = info.FirmwareVersion
		hc.mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	if err := r.store.UpdateHubHeartbeat(ctx, hc.hubID, info); err != nil {
		r.log.Error("Failed to persist hub heartbeat", "hub_id", hc.hubID, "error", err)
		hc.write(&ws.Frame{Type: ws.FrameTypeError, Error: "failed to process heartbeat", Timestamp: now})
		return
	}

	r.log.Debug("Hub heartbeat", "hub_id", hc.hubID)
	if err := hc.write(&ws.Frame{Type: ws.FrameTypePong, Timestamp: now}); err != nil {
		r.log.Warn("Failed to send pong", "hub_id", hc.hubID, "error", err)
	}
}

// IsOnline reports whether an authenticated connection actor currently exists
// for the hub id.
func (r *Registry) IsOnline(hubID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[hubID]
	return ok
}

// Status is a point-in-time snapshot of a hub's connection state.
type Status struct {
	Connected       bool       `json:"connected"`
	Authenticated   bool       `json:"authenticated"`
	ConnectedAt     *time.Time `json:"connected_at,omitempty"`
	LastMessageAt   *time.Time `json:"last_message_at,omitempty"`
	FirmwareVersion string     `json:"firmware_version,omitempty"`
}

// Status returns a snapshot for reporting. It never blocks on socket I/O.
func (r *Registry) Status(hubID string) Status {
	r.mu.RLock()
	hc, ok := r.conns[hubID]
	r.mu.RUnlock()
	if !ok {
		return Status{}
	}

	hc.mu.Lock()
	lastMsg := hc.lastMessageAt
	firmware := hc.firmware
	hc.mu.Unlock()

	connectedAt := hc.connectedAt
	return Status{
		Connected:       true,
		Authenticated:   true,
		ConnectedAt:     &connectedAt,
		LastMessageAt:   &lastMsg,
		FirmwareVersion: firmware,
	}
}

// OnlineHubs returns the ids of all currently connected hubs.
func (r *Registry) OnlineHubs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of connected hubs.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseHub forcibly closes the connection for a hub (used when a hub is
// released or told to disconnect). Returns false if the hub was not connected.
func (r *Registry) CloseHub(hubID string) bool {
	r.mu.RLock()
	hc, ok := r.conns[hubID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	hc.conn.Close()
	return true
}

func stringField(data map[string]interface{}, key string) string {
	if data == nil {
		return ""
	}
	if s, ok := data[key].(string); ok {
		return s
	}
	return ""
}
