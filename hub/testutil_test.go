package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"printfarm/server/storage"
	"printfarm/server/ws"

	"github.com/gorilla/websocket"
)

const testClaimCode = "test-claim-code-7f3a"

var (
	testHashOnce sync.Once
	testHash     string
)

// testClaimHash returns an argon2id hash of testClaimCode, computed once for
// the whole package because hashing is deliberately slow.
func testClaimHash(t *testing.T) string {
	t.Helper()
	testHashOnce.Do(func() {
		h, err := storage.HashClaimCode(testClaimCode)
		if err != nil {
			panic(err)
		}
		testHash = h
	})
	return testHash
}

// testEnv wires a real SQLite store, a Registry and an httptest server whose
// handler runs the registry handshake, mirroring the production wiring.
type testEnv struct {
	t           *testing.T
	store       storage.Store
	registry    *Registry
	server      *httptest.Server
	connectErrs chan error
}

func newTestEnv(t *testing.T, cfg RegistryConfig) *testEnv {
	t.Helper()

	store, err := storage.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}

	cfg.Store = store
	if cfg.OfflineDebounce == 0 {
		// Immediate offline mirror keeps tests from sleeping through debounce.
		cfg.OfflineDebounce = -1
	}
	registry, err := NewRegistry(cfg)
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}

	env := &testEnv{
		t:           t,
		store:       store,
		registry:    registry,
		connectErrs: make(chan error, 10),
	}

	env.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hubID := r.URL.Query().Get("hub_id")
		token := r.URL.Query().Get("token")

		conn, err := ws.UpgradeHTTP(w, r)
		if err != nil {
			return
		}
		meta := ConnectMeta{
			FirmwareVersion: r.URL.Query().Get("firmware_version"),
			RemoteIP:        "127.0.0.1",
		}
		hc, err := registry.Connect(r.Context(), hubID, token, meta, conn)
		if err != nil {
			env.connectErrs <- err
			conn.WriteJSON(&ws.Frame{Type: ws.FrameTypeError, Error: err.Error(), Timestamp: time.Now()}, time.Second)
			conn.Close()
			return
		}
		registry.Serve(hc)
	}))

	t.Cleanup(func() {
		env.server.Close()
		store.Close()
	})
	return env
}

// provisionClaimedHub creates a tenant and a hub already claimed by it.
func (env *testEnv) provisionClaimedHub(hubID, tenantID string) {
	env.t.Helper()
	ctx := context.Background()

	if err := env.store.CreateTenant(ctx, &storage.Tenant{ID: tenantID, Name: "Tenant " + tenantID}); err != nil {
		env.t.Fatalf("Failed to create tenant: %v", err)
	}
	if err := env.store.CreateHub(ctx, &storage.Hub{ID: hubID, SecretHash: testClaimHash(env.t)}); err != nil {
		env.t.Fatalf("Failed to create hub: %v", err)
	}
	if err := env.store.ClaimHub(ctx, hubID, tenantID, "Hub "+hubID, time.Now().UTC()); err != nil {
		env.t.Fatalf("Failed to claim hub: %v", err)
	}
}

// provisionUnclaimedHub creates a hub row with no tenant.
func (env *testEnv) provisionUnclaimedHub(hubID string) {
	env.t.Helper()
	if err := env.store.CreateHub(context.Background(), &storage.Hub{ID: hubID, SecretHash: testClaimHash(env.t)}); err != nil {
		env.t.Fatalf("Failed to create hub: %v", err)
	}
}

// dial opens a raw websocket client for the given hub credentials.
func (env *testEnv) dial(hubID, token, extraQuery string) *websocket.Conn {
	env.t.Helper()
	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "?hub_id=" + hubID + "&token=" + token
	if extraQuery != "" {
		wsURL += "&" + extraQuery
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		env.t.Fatalf("Failed to dial websocket: %v", err)
	}
	return conn
}

// waitOnline polls until the registry reports the hub connected.
func (env *testEnv) waitOnline(hubID string) {
	env.t.Helper()
	waitFor(env.t, 2*time.Second, func() bool { return env.registry.IsOnline(hubID) }, "hub never came online")
}

// readFrame reads one frame from a client connection.
func readFrame(t *testing.T, conn *websocket.Conn) *ws.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read frame: %v", err)
	}
	var frame ws.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("Failed to parse frame: %v", err)
	}
	return &frame
}

// readEnvelope reads one command envelope from a client connection.
func readEnvelope(t *testing.T, conn *websocket.Conn) *Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read envelope: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("Failed to parse envelope: %v", err)
	}
	return &env
}

// sendFrame writes a frame from the client side.
func sendFrame(t *testing.T, conn *websocket.Conn, frame *ws.Frame) {
	t.Helper()
	payload, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("Failed to marshal frame: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("Failed to send frame: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}
