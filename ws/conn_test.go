package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestDialRejectsBadScheme(t *testing.T) {
	t.Parallel()

	if _, _, err := Dial("http://example.com/ws", nil, nil, time.Second); err == nil {
		t.Error("Expected error for http scheme")
	}
	if _, _, err := Dial("://bad", nil, nil, time.Second); err == nil {
		t.Error("Expected error for unparseable URL")
	}
}

func TestUpgradeAndRoundTrip(t *testing.T) {
	t.Parallel()

	received := make(chan []byte, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := UpgradeHTTP(w, r)
		if err != nil {
			t.Errorf("UpgradeHTTP failed: %v", err)
			return
		}
		defer conn.Close()

		msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- msg
		conn.WriteJSON(&Frame{Type: FrameTypePong}, time.Second)
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := Dial(wsURL, nil, nil, 5*time.Second)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	frame := &Frame{Type: FrameTypeHeartbeat}
	payload, err := frame.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if err := conn.WriteRaw(payload, time.Second); err != nil {
		t.Fatalf("WriteRaw failed: %v", err)
	}

	select {
	case msg := <-received:
		if !strings.Contains(string(msg), FrameTypeHeartbeat) {
			t.Errorf("Server received wrong payload: %s", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Server never received the message")
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	reply, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if !strings.Contains(string(reply), FrameTypePong) {
		t.Errorf("Unexpected reply: %s", reply)
	}
}

// Concurrent writers must be serialized by the wrapper; gorilla panics on
// concurrent writes to the raw conn.
func TestConcurrentWrites(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := UpgradeHTTP(w, r)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := Dial(wsURL, nil, nil, 5*time.Second)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				conn.WriteJSON(&Frame{Type: FrameTypeHeartbeat}, time.Second)
			}
		}()
	}
	wg.Wait()
}

func TestClosedConnIsSafe(t *testing.T) {
	t.Parallel()

	var conn *Conn
	if err := conn.Close(); err != nil {
		t.Errorf("Close on nil conn must be a no-op, got %v", err)
	}
	if err := conn.WriteJSON(&Frame{}, time.Second); err == nil {
		t.Error("WriteJSON on nil conn must error")
	}
	if _, err := conn.ReadMessage(); err == nil {
		t.Error("ReadMessage on nil conn must error")
	}
	if err := conn.WritePing(time.Second); err == nil {
		t.Error("WritePing on nil conn must error")
	}
	if addr := conn.RemoteAddr(); addr != "" {
		t.Errorf("RemoteAddr on nil conn must be empty, got %q", addr)
	}
}
