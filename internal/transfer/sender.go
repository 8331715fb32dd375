// Package transfer implements the file-transfer exchange: a UDP rendezvous
// on the discovery port followed by a raw TCP byte stream on the transfer
// port. The stream carries file bytes only; the sender closing the
// connection is the end-of-transfer marker.
package transfer

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/Andrei05231/ScannerProxy/internal/config"
	"github.com/Andrei05231/ScannerProxy/internal/protocol"
	"github.com/Andrei05231/ScannerProxy/internal/util"
)

// Progress is invoked after every chunk with the cumulative byte count and
// the file's total size; the final call always reports sent == total.
type Progress func(sent, total int64)

// Send delivers one file to the agent at target: a transfer probe on the
// UDP port, a bounded wait for its ack, then the raw TCP stream.
//
// A missing ack is not fatal — the probe was delivered and the appliance
// proceeds regardless — but a UDP bind/send failure aborts before any TCP
// attempt, and TCP failures after a successful probe are reported as
// transfer failure.
func Send(ctx context.Context, cfg *config.Config, local, target netip.Addr, srcName, dstName, path string, progress Progress) error {
	id := uuid.NewString()[:8]

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	total := info.Size()

	if err := rendezvous(ctx, cfg, local, target, srcName, dstName, id); err != nil {
		return err
	}

	// Bulk phase: raw bytes on the transfer port, chunked, no framing.
	dst := netip.AddrPortFrom(target, uint16(cfg.Network.TCPPort))
	conn, err := net.DialTimeout("tcp4", dst.String(), cfg.Network.ConnectTimeout.Std())
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", dst, err)
	}
	defer conn.Close()

	util.Stats.AddSession()
	util.LogInfo("[%s] streaming %s (%d bytes) to %s", id, path, total, dst)

	buf := make([]byte, cfg.Network.ChunkSize)
	var sent int64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, readErr := file.Read(buf)
		if n > 0 {
			if _, err := conn.Write(buf[:n]); err != nil {
				return fmt.Errorf("stream aborted after %d/%d bytes: %w", sent, total, err)
			}
			sent += int64(n)
			util.Stats.AddOut(n)
			if progress != nil {
				progress(sent, total)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("failed to read %s: %w", path, readErr)
		}
	}

	// sent == total was already reported by the last chunk; cover the
	// empty-file case where no chunk fired.
	if progress != nil && sent == 0 {
		progress(sent, total)
	}

	util.Stats.AddCompleted()
	util.LogSuccess("[%s] transfer complete: %d bytes to %s", id, sent, dst)
	return nil
}

// rendezvous sends the file-transfer probe and waits out the rendezvous
// window for an ack from the exact target address. Replies from any other
// sender are ignored. Expiry of the window is a normal outcome.
func rendezvous(ctx context.Context, cfg *config.Config, local, target netip.Addr, srcName, dstName, id string) error {
	laddr := netip.AddrPortFrom(local, uint16(cfg.Network.UDPPort))
	conn, err := util.ListenUDP(laddr.String())
	if err != nil {
		return fmt.Errorf("failed to bind rendezvous socket: %w", err)
	}
	defer conn.Close()

	frame := protocol.NewTransferRequest(local, srcName, dstName)
	payload, err := protocol.Encode(frame)
	if err != nil {
		return fmt.Errorf("failed to encode transfer probe: %w", err)
	}

	dst := netip.AddrPortFrom(target, uint16(cfg.Network.UDPPort))
	if _, err := conn.WriteToUDPAddrPort(payload, dst); err != nil {
		return fmt.Errorf("failed to send transfer probe to %s: %w", dst, err)
	}
	util.LogInfo("[%s] sent transfer probe to %s", id, dst)

	buf := make([]byte, cfg.Network.BufferSize)
	deadline := time.Now().Add(cfg.Network.RendezvousTimeout.Std())
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn.SetReadDeadline(time.Now().Add(cfg.Network.SocketTimeout.Std()))
		n, sender, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("rendezvous receive failed: %w", err)
		}

		if sender.Addr().Unmap() == local && sender.Port() == uint16(cfg.Network.UDPPort) {
			continue // our own probe looped back
		}
		if sender.Addr().Unmap() != target {
			util.LogDebug("[%s] ignoring rendezvous reply from unexpected sender %s", id, sender)
			continue
		}

		ack, err := protocol.Decode(buf[:n])
		if err != nil {
			util.LogDebug("[%s] undecodable rendezvous reply from %s: %v", id, sender, err)
			continue
		}
		util.LogInfo("[%s] rendezvous ack from %q at %s", id, ack.DstName, sender)
		return nil
	}

	util.LogWarning("[%s] no rendezvous ack from %s within %s, proceeding", id, target, cfg.Network.RendezvousTimeout.Std())
	return nil
}
