// Package discovery implements the UDP probe/reply exchange used to find
// receiving agents: a client role that broadcasts a probe and collects
// replies within a window, and a long-lived responder that answers probes.
package discovery

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/Andrei05231/ScannerProxy/internal/config"
	"github.com/Andrei05231/ScannerProxy/internal/protocol"
	"github.com/Andrei05231/ScannerProxy/internal/util"
)

// Response is one reply collected during a discovery window, keyed by the
// address it arrived from.
type Response struct {
	Frame protocol.Frame
	Addr  netip.AddrPort
}

// Probe broadcasts one discovery frame from local to target (usually the
// subnet broadcast address) and collects every decodable reply until the
// discovery window elapses or ctx is cancelled.
//
// An empty result is a normal outcome, not an error: nobody answered.
// Malformed inbound datagrams are logged and skipped without aborting the
// window.
func Probe(ctx context.Context, cfg *config.Config, local, target netip.Addr, srcName string) ([]Response, error) {
	laddr := netip.AddrPortFrom(local, uint16(cfg.Network.UDPPort))
	conn, err := util.ListenUDP(laddr.String())
	if err != nil {
		return nil, fmt.Errorf("failed to bind discovery socket: %w", err)
	}
	defer conn.Close()

	// Go enables SO_BROADCAST on UDP sockets itself, so a subnet broadcast
	// target needs no extra socket option here.
	frame := protocol.NewDiscoveryRequest(local, srcName)
	payload, err := protocol.Encode(frame)
	if err != nil {
		return nil, fmt.Errorf("failed to encode discovery probe: %w", err)
	}

	dst := netip.AddrPortFrom(target, uint16(cfg.Network.UDPPort))
	if _, err := conn.WriteToUDPAddrPort(payload, dst); err != nil {
		return nil, fmt.Errorf("failed to send discovery probe to %s: %w", dst, err)
	}
	util.LogInfo("sent discovery probe (%d bytes) to %s", len(payload), dst)

	var responses []Response
	buf := make([]byte, cfg.Network.BufferSize)
	deadline := time.Now().Add(cfg.Network.DiscoveryWindow.Std())

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return responses, nil
		default:
		}

		// Short read slices keep the loop responsive to ctx and the window.
		conn.SetReadDeadline(time.Now().Add(cfg.Network.SocketTimeout.Std()))
		n, sender, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			return responses, fmt.Errorf("discovery receive failed: %w", err)
		}

		if sender.Addr().Unmap() == local && sender.Port() == uint16(cfg.Network.UDPPort) {
			// Our own broadcast looped back on the shared port.
			continue
		}

		reply, err := protocol.Decode(buf[:n])
		if err != nil {
			util.LogDebug("ignoring undecodable datagram from %s: %v", sender, err)
			continue
		}

		util.LogInfo("discovery reply from %s: src=%q dst=%q", sender, reply.SrcName, reply.DstName)
		responses = append(responses, Response{Frame: reply, Addr: sender})
	}

	return responses, nil
}
