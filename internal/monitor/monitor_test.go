package monitor_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Andrei05231/ScannerProxy/internal/monitor"
)

func startHub(t *testing.T) *monitor.Hub {
	t.Helper()
	hub := monitor.NewHub("127.0.0.1:0")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := hub.Start(ctx); err != nil {
		t.Fatalf("hub.Start: %v", err)
	}
	return hub
}

func dialHub(t *testing.T, hub *monitor.Hub) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+hub.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("failed to dial hub: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// TestPublishReachesAllClients connects two clients and checks both see the
// same event stream.
func TestPublishReachesAllClients(t *testing.T) {
	hub := startHub(t)
	c1 := dialHub(t, hub)
	c2 := dialHub(t, hub)
	time.Sleep(50 * time.Millisecond) // let the hub register both

	hub.Publish(monitor.NewEvent("transfer_complete", "ab12cd34", "10.0.52.9",
		map[string]any{"bytes": 20000}))

	for i, conn := range []*websocket.Conn{c1, c2} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var ev monitor.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("client %d failed to read event: %v", i, err)
		}
		if ev.Kind != "transfer_complete" || ev.Session != "ab12cd34" || ev.Peer != "10.0.52.9" {
			t.Errorf("client %d got %+v", i, ev)
		}
	}
}

// TestPublishWithNoClients must not block or panic.
func TestPublishWithNoClients(t *testing.T) {
	hub := startHub(t)
	hub.Publish(monitor.NewEvent("session_start", "x", "", nil))
}

// TestNilHubDiscards checks the disabled-feed path.
func TestNilHubDiscards(t *testing.T) {
	var hub *monitor.Hub
	hub.Publish(monitor.NewEvent("session_start", "x", "", nil))
}

// TestSlowClientIsDropped fills a client's queue without reading and checks
// the hub disconnects it instead of stalling Publish.
func TestSlowClientIsDropped(t *testing.T) {
	hub := startHub(t)
	conn := dialHub(t, hub)
	time.Sleep(50 * time.Millisecond)

	// Large payloads so the OS socket buffer cannot absorb the burst.
	padding := strings.Repeat("x", 16*1024)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			hub.Publish(monitor.NewEvent("spam", "", "", map[string]any{"pad": padding}))
		}
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Publish blocked on a slow client")
	}

	// The dropped client's socket should reach an error state soon.
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var sawErr bool
	for i := 0; i < 600; i++ {
		if _, _, err := conn.ReadMessage(); err != nil {
			sawErr = true
			break
		}
	}
	if !sawErr {
		t.Error("slow client was never disconnected")
	}
}
