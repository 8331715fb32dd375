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

// Callback is invoked after the responder has answered a probe, for
// observability. It runs on the listen goroutine; panics and slow work in
// the callback are the caller's problem, but a panic is contained so it can
// never kill the listen loop.
type Callback func(frame protocol.Frame, sender netip.AddrPort)

// Responder is the long-lived UDP listener of a receiving agent. It answers
// discovery probes with a discovery reply and file-transfer probes with a
// transfer ack, both carrying the vendor reserved constants and the
// asymmetric name echo the appliance expects.
type Responder struct {
	cfg      *config.Config
	localIP  netip.Addr // address placed into reply frames
	name     string     // agent name placed into reply DstName
	callback Callback
}

// NewResponder creates a responder replying as name from localIP.
func NewResponder(cfg *config.Config, localIP netip.Addr, name string) *Responder {
	return &Responder{cfg: cfg, localIP: localIP, name: name}
}

// SetCallback registers the observability callback. Must be called before Run.
func (r *Responder) SetCallback(cb Callback) { r.callback = cb }

// Run binds 0.0.0.0 on the discovery port and serves probes until ctx is
// cancelled. Decode failures and unknown senders are logged and skipped; a
// bad frame never terminates the loop.
func (r *Responder) Run(ctx context.Context) error {
	conn, err := util.ListenUDP(fmt.Sprintf(":%d", r.cfg.Network.UDPPort))
	if err != nil {
		return fmt.Errorf("failed to bind responder socket: %w", err)
	}
	defer conn.Close()

	util.LogInfo("discovery responder %q listening on %s", r.name, conn.LocalAddr())

	buf := make([]byte, r.cfg.Network.BufferSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		conn.SetReadDeadline(time.Now().Add(r.cfg.Network.SocketTimeout.Std()))
		n, sender, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("responder receive failed: %w", err)
			}
		}

		frame, err := protocol.Decode(buf[:n])
		if err != nil {
			util.LogDebug("dropping undecodable datagram from %s: %v", sender, err)
			continue
		}

		var reply protocol.Frame
		switch frame.Type {
		case protocol.TypeDiscovery:
			reply = protocol.NewDiscoveryReply(frame, r.localIP, r.name)
		case protocol.TypeTransfer:
			reply = protocol.NewTransferAck(frame, r.localIP, r.name)
		default:
			// Decode only lets known types through; kept for safety.
			util.LogDebug("dropping frame with unhandled type %s from %s", frame.Type, sender)
			continue
		}

		payload, err := protocol.Encode(reply)
		if err != nil {
			util.LogError("failed to encode %s reply for %s: %v", frame.Type, sender, err)
			continue
		}
		if _, err := conn.WriteToUDPAddrPort(payload, sender); err != nil {
			util.LogWarning("failed to send %s reply to %s: %v", frame.Type, sender, err)
			continue
		}
		util.LogInfo("answered %s probe from %q at %s", frame.Type, frame.SrcName, sender)

		r.notify(frame, sender)
	}
}

// notify runs the observability callback, containing any panic.
func (r *Responder) notify(frame protocol.Frame, sender netip.AddrPort) {
	if r.callback == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			util.LogError("discovery callback panicked: %v", rec)
		}
	}()
	r.callback(frame, sender)
}
