package discovery_test

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/Andrei05231/ScannerProxy/internal/config"
	"github.com/Andrei05231/ScannerProxy/internal/discovery"
	"github.com/Andrei05231/ScannerProxy/internal/protocol"
)

// testConfig returns a config with short windows and a free high UDP port so
// tests run unprivileged and fast.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Network.UDPPort = freeUDPPort(t)
	cfg.Network.DiscoveryWindow = config.Duration(500 * time.Millisecond)
	cfg.Network.SocketTimeout = config.Duration(100 * time.Millisecond)
	cfg.Network.RendezvousTimeout = config.Duration(500 * time.Millisecond)
	return cfg
}

// freeUDPPort grabs an ephemeral UDP port and releases it for the test to use.
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

// TestProbeNoListenerReturnsEmpty verifies that a probe against an address
// with no listener returns an empty (non-error) result once the window
// elapses, and does not hang past it.
func TestProbeNoListenerReturnsEmpty(t *testing.T) {
	cfg := testConfig(t)

	start := time.Now()
	responses, err := discovery.Probe(context.Background(), cfg,
		netip.MustParseAddr("127.0.0.1"), netip.MustParseAddr("127.0.0.1"), "Scanner")
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if len(responses) != 0 {
		t.Errorf("got %d responses, want 0", len(responses))
	}
	if elapsed > cfg.Network.DiscoveryWindow.Std()+time.Second {
		t.Errorf("Probe took %s, window is %s", elapsed, cfg.Network.DiscoveryWindow.Std())
	}
}

// TestProbeCollectsReply runs the discovery client against a fake responder
// on a second loopback address and verifies the returned frame and sender.
func TestProbeCollectsReply(t *testing.T) {
	cfg := testConfig(t)

	// Fake agent on 127.0.0.1; the client binds 127.0.0.2 so the shared
	// well-known port does not clash on one host.
	agent, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: cfg.Network.UDPPort})
	if err != nil {
		t.Fatalf("failed to bind fake agent: %v", err)
	}
	defer agent.Close()

	go func() {
		buf := make([]byte, 1024)
		n, sender, err := agent.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}
		req, err := protocol.Decode(buf[:n])
		if err != nil {
			return
		}
		reply := protocol.NewDiscoveryReply(req, netip.MustParseAddr("127.0.0.1"), "Agent1")
		payload, _ := protocol.Encode(reply)
		agent.WriteToUDPAddrPort(payload, sender)
	}()

	responses, err := discovery.Probe(context.Background(), cfg,
		netip.MustParseAddr("127.0.0.2"), netip.MustParseAddr("127.0.0.1"), "Scanner")
	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if len(responses) != 1 {
		t.Fatalf("got %d responses, want 1", len(responses))
	}

	got := responses[0]
	if got.Frame.SrcName != "Scanner" {
		t.Errorf("reply SrcName = %q, want echoed %q", got.Frame.SrcName, "Scanner")
	}
	if got.Frame.DstName != "Agent1" {
		t.Errorf("reply DstName = %q, want %q", got.Frame.DstName, "Agent1")
	}
	if got.Addr.Addr().Unmap() != netip.MustParseAddr("127.0.0.1") {
		t.Errorf("sender = %s, want 127.0.0.1", got.Addr)
	}
}

// TestResponderAnswersProbes drives the real responder with a handcrafted
// client socket (the appliance may source probes from any port; the
// responder replies to the observed sender address).
func TestResponderAnswersProbes(t *testing.T) {
	cfg := testConfig(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	responder := discovery.NewResponder(cfg, netip.MustParseAddr("127.0.0.1"), "Agent1")

	seen := make(chan protocol.Frame, 1)
	responder.SetCallback(func(f protocol.Frame, _ netip.AddrPort) {
		select {
		case seen <- f:
		default:
		}
	})

	go responder.Run(ctx)

	client, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("failed to bind client: %v", err)
	}
	defer client.Close()

	probe, err := protocol.Encode(protocol.NewDiscoveryRequest(netip.MustParseAddr("127.0.0.1"), "Alice"))
	if err != nil {
		t.Fatal(err)
	}
	target := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: cfg.Network.UDPPort}

	// The responder may not have bound yet; resend until a reply arrives.
	deadline := time.Now().Add(3 * time.Second)
	var reply protocol.Frame
	for {
		if time.Now().After(deadline) {
			t.Fatal("no reply from responder within 3s")
		}
		if _, err := client.WriteToUDP(probe, target); err != nil {
			t.Fatalf("probe send failed: %v", err)
		}
		client.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		buf := make([]byte, 1024)
		n, _, err := client.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		reply, err = protocol.Decode(buf[:n])
		if err != nil {
			t.Fatalf("reply decode failed: %v", err)
		}
		break
	}

	if reply.Type != protocol.TypeDiscovery {
		t.Errorf("reply type = %s, want discovery", reply.Type)
	}
	if reply.SrcName != "Alice" || reply.DstName != "Agent1" {
		t.Errorf("reply names src=%q dst=%q, want src=Alice dst=Agent1", reply.SrcName, reply.DstName)
	}

	select {
	case f := <-seen:
		if f.SrcName != "Alice" {
			t.Errorf("callback frame SrcName = %q", f.SrcName)
		}
	case <-time.After(2 * time.Second):
		t.Error("observability callback was not invoked")
	}
}

// TestResponderSurvivesGarbage sends an undecodable datagram first and
// verifies the loop keeps serving afterwards.
func TestResponderSurvivesGarbage(t *testing.T) {
	cfg := testConfig(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	responder := discovery.NewResponder(cfg, netip.MustParseAddr("127.0.0.1"), "Agent1")
	go responder.Run(ctx)

	client, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	target := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: cfg.Network.UDPPort}
	probe, _ := protocol.Encode(protocol.NewDiscoveryRequest(netip.MustParseAddr("127.0.0.1"), "Alice"))

	deadline := time.Now().Add(3 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("responder stopped answering after garbage datagram")
		}
		client.WriteToUDP([]byte("not a frame"), target)
		client.WriteToUDP(probe, target)

		client.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		buf := make([]byte, 1024)
		n, _, err := client.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		if _, err := protocol.Decode(buf[:n]); err == nil {
			return // got a valid reply despite the garbage
		}
	}
}
