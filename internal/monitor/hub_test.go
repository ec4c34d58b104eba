package monitor

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialTestHub(t *testing.T, hub *Hub) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(hub)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial failed: %v", err)
	}
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHubBroadcastReachesClient(t *testing.T) {
	hub := NewHub(testLogger())
	conn, cleanup := dialTestHub(t, hub)
	defer cleanup()

	waitForClients(t, hub, 1)
	hub.Broadcast(Event{Type: "link_connected", Payload: map[string]any{"address": "AA:BB"}})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var got Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if got.Type != "link_connected" {
		t.Errorf("event type = %q, want link_connected", got.Type)
	}
}

func TestHubDropsClosedClient(t *testing.T) {
	hub := NewHub(testLogger())
	conn, cleanup := dialTestHub(t, hub)
	defer cleanup()

	waitForClients(t, hub, 1)
	conn.Close()

	// The first broadcast after the close prunes the dead connection.
	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() > 0 && time.Now().Before(deadline) {
		hub.Broadcast(Event{Type: "ping"})
		time.Sleep(10 * time.Millisecond)
	}
	if n := hub.ClientCount(); n != 0 {
		t.Errorf("client count = %d after close, want 0", n)
	}
}

func TestHubConcurrentBroadcasts(t *testing.T) {
	hub := NewHub(testLogger())
	conn, cleanup := dialTestHub(t, hub)
	defer cleanup()

	waitForClients(t, hub, 1)

	// Overlapping broadcasts from separate goroutines must serialize on
	// the connection instead of tripping gorilla's concurrent-writer check.
	const broadcasts = 20
	var wg sync.WaitGroup
	for i := 0; i < broadcasts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hub.Broadcast(Event{Type: "transfer_progress"})
		}()
	}
	wg.Wait()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	for i := 0; i < broadcasts; i++ {
		var got Event
		if err := conn.ReadJSON(&got); err != nil {
			t.Fatalf("read %d failed: %v", i, err)
		}
		if got.Type != "transfer_progress" {
			t.Errorf("event type = %q, want transfer_progress", got.Type)
		}
	}
	if n := hub.ClientCount(); n != 1 {
		t.Errorf("client count = %d after broadcasts, want 1", n)
	}
}

func TestHubBroadcastWithoutClients(t *testing.T) {
	hub := NewHub(testLogger())
	hub.Broadcast(Event{Type: "noop"})
}

func TestHubClose(t *testing.T) {
	hub := NewHub(testLogger())
	_, cleanup := dialTestHub(t, hub)
	defer cleanup()

	waitForClients(t, hub, 1)
	hub.Close()
	if n := hub.ClientCount(); n != 0 {
		t.Errorf("client count = %d after Close, want 0", n)
	}
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("client count = %d, want %d", hub.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
