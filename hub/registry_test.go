package hub

import (
	"context"
	"errors"
	"testing"
	"time"

	"printfarm/server/ws"
)

func TestRegistryConnectAndDisconnect(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, RegistryConfig{})
	env.provisionClaimedHub("hub-conn", "tenant-conn")

	conn := env.dial("hub-conn", testClaimCode, "firmware_version=1.2.0")
	env.waitOnline("hub-conn")

	status := env.registry.Status("hub-conn")
	if !status.Connected || !status.Authenticated {
		t.Errorf("Expected connected+authenticated status, got %+v", status)
	}
	if status.FirmwareVersion != "1.2.0" {
		t.Errorf("Expected firmware 1.2.0, got %q", status.FirmwareVersion)
	}

	// The persisted mirror should follow the connect.
	waitFor(t, 2*time.Second, func() bool {
		h, err := env.store.GetHub(context.Background(), "hub-conn")
		return err == nil && h.IsOnline
	}, "is_online mirror never set")

	conn.Close()

	waitFor(t, 2*time.Second, func() bool { return !env.registry.IsOnline("hub-conn") }, "hub never went offline")
	waitFor(t, 2*time.Second, func() bool {
		h, err := env.store.GetHub(context.Background(), "hub-conn")
		return err == nil && !h.IsOnline
	}, "is_online mirror never cleared")

	if status := env.registry.Status("hub-conn"); status.Connected {
		t.Error("Expected zero status after disconnect")
	}
}

func TestRegistryRejectsBadToken(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, RegistryConfig{})
	env.provisionClaimedHub("hub-badtoken", "tenant-badtoken")

	conn := env.dial("hub-badtoken", "wrong-code", "")
	defer conn.Close()

	frame := readFrame(t, conn)
	if frame.Type != ws.FrameTypeError {
		t.Errorf("Expected error frame, got %q", frame.Type)
	}

	select {
	case err := <-env.connectErrs:
		if !errors.Is(err, ErrBadClaimCode) {
			t.Errorf("Expected ErrBadClaimCode, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Connect error never surfaced")
	}

	if env.registry.IsOnline("hub-badtoken") {
		t.Error("Hub must not be online after failed auth")
	}
}

func TestRegistryRejectsUnclaimedHub(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, RegistryConfig{})
	env.provisionUnclaimedHub("hub-unclaimed")

	conn := env.dial("hub-unclaimed", testClaimCode, "")
	defer conn.Close()

	readFrame(t, conn) // error frame

	select {
	case err := <-env.connectErrs:
		if !errors.Is(err, ErrHubNotClaimed) {
			t.Errorf("Expected ErrHubNotClaimed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Connect error never surfaced")
	}
}

func TestRegistryRejectsUnknownHub(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, RegistryConfig{})

	conn := env.dial("hub-never-provisioned", testClaimCode, "")
	defer conn.Close()

	readFrame(t, conn)

	select {
	case err := <-env.connectErrs:
		if !errors.Is(err, ErrUnknownHub) {
			t.Errorf("Expected ErrUnknownHub, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Connect error never surfaced")
	}
}

func TestRegistryFirmwareGate(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, RegistryConfig{MinFirmware: "2.0.0"})
	env.provisionClaimedHub("hub-oldfw", "tenant-oldfw")

	conn := env.dial("hub-oldfw", testClaimCode, "firmware_version=1.9.9")
	defer conn.Close()

	readFrame(t, conn)

	select {
	case err := <-env.connectErrs:
		if !errors.Is(err, ErrFirmwareTooOld) {
			t.Errorf("Expected ErrFirmwareTooOld, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Connect error never surfaced")
	}

	// A new enough firmware passes the same gate.
	conn2 := env.dial("hub-oldfw", testClaimCode, "firmware_version=2.1.0")
	defer conn2.Close()
	env.waitOnline("hub-oldfw")
}

func TestRegistryHeartbeatUpdatesRowAndPongs(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, RegistryConfig{})
	env.provisionClaimedHub("hub-hb", "tenant-hb")

	conn := env.dial("hub-hb", testClaimCode, "")
	defer conn.Close()
	env.waitOnline("hub-hb")

	sendFrame(t, conn, &ws.Frame{
		Type: ws.FrameTypeHeartbeat,
		Data: map[string]interface{}{
			"firmware_version": "3.1.4",
			"hardware_version": "rev-b",
		},
		Timestamp: time.Now(),
	})

	pong := readFrame(t, conn)
	if pong.Type != ws.FrameTypePong {
		t.Errorf("Expected pong, got %q", pong.Type)
	}

	waitFor(t, 2*time.Second, func() bool {
		h, err := env.store.GetHub(context.Background(), "hub-hb")
		return err == nil && h.FirmwareVersion == "3.1.4" && h.HardwareVersion == "rev-b"
	}, "heartbeat never persisted")

	if env.registry.Status("hub-hb").FirmwareVersion != "3.1.4" {
		t.Error("Heartbeat firmware not reflected in live status")
	}
}

func TestRegistrySupersedeFailsPendingCommands(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, RegistryConfig{})
	env.provisionClaimedHub("hub-super", "tenant-super")
	dispatcher := NewDispatcher(env.registry, 10*time.Second)

	conn1 := env.dial("hub-super", testClaimCode, "")
	defer conn1.Close()
	env.waitOnline("hub-super")

	// Park an ack-awaited command on the first connection. The hub side stays
	// silent, so only the supersede can resolve it.
	errCh := make(chan error, 1)
	go func() {
		envlp, err := NewEnvelope(CommandDiscover, nil)
		if err != nil {
			errCh <- err
			return
		}
		_, err = dispatcher.Send(context.Background(), "hub-super", envlp, true, 0)
		errCh <- err
	}()
	readEnvelope(t, conn1) // wait until the command is actually in flight

	conn2 := env.dial("hub-super", testClaimCode, "")
	defer conn2.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrConnectionLost) {
			t.Errorf("Expected ErrConnectionLost for superseded pending command, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Pending command never resolved after supersede")
	}

	// The new connection survives: the old Serve loop's cleanup is
	// identity-checked and must not evict it.
	time.Sleep(100 * time.Millisecond)
	if !env.registry.IsOnline("hub-super") {
		t.Error("Hub must stay online on the superseding connection")
	}

	// Old socket is dead.
	conn1.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	if _, _, err := conn1.ReadMessage(); err == nil {
		t.Error("Expected first connection to be closed")
	}
}

func TestRegistryUnsolicitedEventFanOut(t *testing.T) {
	t.Parallel()

	events := NewEventHub()
	env := newTestEnv(t, RegistryConfig{Events: events})
	env.provisionClaimedHub("hub-evt", "tenant-evt")

	ch := make(chan Event, 10)
	events.Subscribe("test-sub", ch)
	defer events.Unsubscribe("test-sub")

	conn := env.dial("hub-evt", testClaimCode, "")
	defer conn.Close()
	env.waitOnline("hub-evt")

	// Drain the connect lifecycle event first.
	select {
	case evt := <-ch:
		if evt.Type != EventHubConnected {
			t.Errorf("Expected %s event, got %s", EventHubConnected, evt.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("hub_connected event never published")
	}

	sendFrame(t, conn, &ws.Frame{
		Type: ws.FrameTypeEvent,
		Data: map[string]interface{}{
			"event":      "printer_status",
			"printer_id": "p1",
			"state":      "printing",
		},
		Timestamp: time.Now(),
	})

	select {
	case evt := <-ch:
		if evt.Type != "printer_status" {
			t.Errorf("Expected printer_status event, got %s", evt.Type)
		}
		if evt.HubID != "hub-evt" {
			t.Errorf("Expected hub id hub-evt, got %s", evt.HubID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Unsolicited event never fanned out")
	}
}

func TestRegistryCloseHub(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, RegistryConfig{})
	env.provisionClaimedHub("hub-close", "tenant-close")

	conn := env.dial("hub-close", testClaimCode, "")
	defer conn.Close()
	env.waitOnline("hub-close")

	if !env.registry.CloseHub("hub-close") {
		t.Fatal("CloseHub returned false for a connected hub")
	}
	waitFor(t, 2*time.Second, func() bool { return !env.registry.IsOnline("hub-close") }, "hub never went offline after CloseHub")

	if env.registry.CloseHub("hub-close") {
		t.Error("CloseHub must return false when the hub is not connected")
	}
}
