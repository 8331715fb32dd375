package agent_test

import (
	"context"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Andrei05231/ScannerProxy/internal/agent"
	"github.com/Andrei05231/ScannerProxy/internal/config"
	"github.com/Andrei05231/ScannerProxy/internal/transfer"
)

var (
	senderIP = netip.AddrFrom4([4]byte{127, 0, 0, 2})
	agentIP  = netip.AddrFrom4([4]byte{127, 0, 0, 1})
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Network.UDPPort = freeUDPPort(t)
	cfg.Network.TCPPort = freeTCPPort(t)
	cfg.Network.SocketTimeout = config.Duration(100 * time.Millisecond)
	cfg.Network.RendezvousTimeout = config.Duration(2 * time.Second)
	cfg.Network.ConnectTimeout = config.Duration(2 * time.Second)
	cfg.Agent.Name = "Agent1"
	cfg.Agent.StoreDir = t.TempDir()
	cfg.Agent.Convert = false
	return cfg
}

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("failed to grab free port: %v", err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return port
}

func freeTCPPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to grab free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

// waitForFiles polls dir until it holds want regular files or the deadline
// passes, returning the names found.
func waitForFiles(t *testing.T, dir string, want int) []string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		entries, err := os.ReadDir(dir)
		if err != nil {
			t.Fatalf("failed to list %s: %v", dir, err)
		}
		var names []string
		for _, e := range entries {
			if e.Type().IsRegular() {
				names = append(names, e.Name())
			}
		}
		if len(names) >= want || time.Now().After(deadline) {
			return names
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func TestNewRejectsBadForwardTarget(t *testing.T) {
	cfg := config.Default()
	cfg.Agent.ForwardTo = "not-an-ip"
	if _, err := agent.New(cfg, agentIP, nil); err == nil {
		t.Error("New accepted a malformed forward target")
	}
}

func TestNewWatcherValidation(t *testing.T) {
	cfg := config.Default()
	cfg.Watch.Dir = ""
	if _, err := agent.NewWatcher(cfg, senderIP); err == nil {
		t.Error("NewWatcher accepted an empty watch dir")
	}

	cfg = config.Default()
	cfg.Watch.Dir = t.TempDir()
	cfg.Watch.Target = "bogus"
	if _, err := agent.NewWatcher(cfg, senderIP); err == nil {
		t.Error("NewWatcher accepted a malformed target")
	}
}

// TestAgentReceivesTransfer runs a whole agent and pushes one file at it
// through the client path: UDP rendezvous answered by the responder, then
// the TCP stream landing in the store.
func TestAgentReceivesTransfer(t *testing.T) {
	cfg := testConfig(t)
	a, err := agent.New(cfg, agentIP, nil)
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go a.Run(ctx)
	time.Sleep(100 * time.Millisecond) // let the listeners come up

	payload := []byte("one scanned page")
	src := filepath.Join(t.TempDir(), "page.raw")
	if err := os.WriteFile(src, payload, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := transfer.Send(ctx, cfg, senderIP, agentIP,
		"Scanner", "Agent1", src, nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	names := waitForFiles(t, cfg.Agent.StoreDir, 1)
	if len(names) != 1 {
		t.Fatalf("store holds %v, want one received file", names)
	}
	got, err := os.ReadFile(filepath.Join(cfg.Agent.StoreDir, names[0]))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Errorf("stored bytes = %q, want %q", got, payload)
	}
}

// TestWatcherSendsAndClearsOutbox drops a file into a watched outbox and
// checks it reaches a receiving agent and leaves the outbox.
func TestWatcherSendsAndClearsOutbox(t *testing.T) {
	cfg := testConfig(t)
	cfg.Watch.Dir = t.TempDir()
	cfg.Watch.Target = agentIP.String()
	cfg.Network.RendezvousTimeout = config.Duration(300 * time.Millisecond)

	a, err := agent.New(cfg, agentIP, nil)
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}
	w, err := agent.NewWatcher(cfg, senderIP)
	if err != nil {
		t.Fatalf("agent.NewWatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go a.Run(ctx)
	go w.Run(ctx)
	time.Sleep(200 * time.Millisecond)

	outFile := filepath.Join(cfg.Watch.Dir, "scan-001.raw")
	if err := os.WriteFile(outFile, []byte("outbox payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	names := waitForFiles(t, cfg.Agent.StoreDir, 1)
	if len(names) != 1 {
		t.Fatalf("store holds %v, want the forwarded outbox file", names)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := os.Stat(outFile); os.IsNotExist(err) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("outbox file was never removed after sending")
		}
		time.Sleep(100 * time.Millisecond)
	}
}
