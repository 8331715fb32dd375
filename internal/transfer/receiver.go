package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/Andrei05231/ScannerProxy/internal/config"
	"github.com/Andrei05231/ScannerProxy/internal/storage"
	"github.com/Andrei05231/ScannerProxy/internal/util"
)

// Sink consumes a completed receive: the persisted file path, its size and
// the peer it came from. Sinks run on the connection goroutine; a sink
// failure is contained and never fails the receive itself — the raw file is
// already on disk.
type Sink func(path string, size int64, peer netip.Addr)

// Receiver is the TCP listener of a receiving agent. Each accepted
// connection is drained to a file in the store until the peer closes it,
// then retention runs and the sink is handed the result.
type Receiver struct {
	cfg   *config.Config
	store *storage.Store
	sink  Sink
}

// NewReceiver creates a receiver persisting into store. sink may be nil.
func NewReceiver(cfg *config.Config, store *storage.Store, sink Sink) *Receiver {
	return &Receiver{cfg: cfg, store: store, sink: sink}
}

// Run accepts transfer connections on the configured TCP port until ctx is
// cancelled. Every connection gets its own goroutine; a failed receive only
// affects that one session.
func (r *Receiver) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", r.cfg.Network.TCPPort)
	listener, err := net.Listen("tcp4", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	// Close the listener when context is done so Accept() returns an error.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	util.LogInfo("transfer receiver listening on %s (store: %s)", addr, r.store.Dir())

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil // normal shutdown
			default:
				return fmt.Errorf("accept error: %w", err)
			}
		}
		go r.receive(ctx, conn)
	}
}

// receive drains one transfer connection into a new store file. Stream
// length is implied entirely by the peer closing the connection. On error
// the partial file stays on disk for inspection and the sink is not run.
func (r *Receiver) receive(ctx context.Context, conn net.Conn) {
	id := uuid.NewString()[:8]
	defer conn.Close()

	peer := peerAddr(conn)
	util.Stats.AddSession()
	util.LogInfo("[%s] transfer connection from %s", id, conn.RemoteAddr())

	out, err := r.store.Create(peer)
	if err != nil {
		util.LogError("[%s] %v", id, err)
		return
	}
	defer out.Close()

	idle := r.cfg.Agent.IdleTimeout.Std()
	buf := make([]byte, r.cfg.Network.ChunkSize)
	var received int64
	lastData := time.Now()
	for {
		select {
		case <-ctx.Done():
			util.LogWarning("[%s] shutdown during receive, %d bytes so far kept in %s", id, received, out.Name())
			return
		default:
		}

		// The short poll slice keeps shutdown responsive; the idle guard, if
		// configured, bounds how long a stalled sender can hold the session.
		conn.SetReadDeadline(time.Now().Add(r.cfg.Network.SocketTimeout.Std()))

		n, readErr := conn.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				util.LogError("[%s] write to %s failed after %d bytes: %v", id, out.Name(), received, err)
				return
			}
			received += int64(n)
			util.Stats.AddIn(n)
			lastData = time.Now()
		}
		if readErr == nil {
			continue
		}
		if netErr, ok := readErr.(net.Error); ok && netErr.Timeout() {
			if idle > 0 && time.Since(lastData) >= idle {
				util.LogWarning("[%s] idle timeout after %d bytes, partial file kept: %s", id, received, out.Name())
				return
			}
			continue
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		util.LogError("[%s] receive failed after %d bytes, partial file kept: %v", id, received, readErr)
		return
	}

	out.Close()
	util.Stats.AddCompleted()
	util.LogSuccess("[%s] received %d bytes from %s into %s", id, received, conn.RemoteAddr(), out.Name())

	r.store.Sweep(r.cfg.Agent.Retention)
	r.runSink(id, out.Name(), received, peer)
}

// runSink hands the completed file to the configured sink, containing any
// panic so one misbehaving consumer cannot kill the session goroutine.
func (r *Receiver) runSink(id, path string, size int64, peer netip.Addr) {
	if r.sink == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			util.LogError("[%s] sink panicked for %s: %v", id, path, rec)
		}
	}()
	r.sink(path, size, peer)
}

// peerAddr extracts the remote IPv4 address of a connection.
func peerAddr(conn net.Conn) netip.Addr {
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		if addr, ok := netip.AddrFromSlice(tcp.IP); ok {
			return addr.Unmap()
		}
	}
	return netip.IPv4Unspecified()
}
