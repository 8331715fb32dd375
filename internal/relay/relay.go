// Package relay bridges an appliance on one network segment to a receiver on
// another, impersonating each side to the other. The UDP half replays the
// handshake in both directions; the TCP half pumps the raw file stream.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Andrei05231/ScannerProxy/internal/config"
	"github.com/Andrei05231/ScannerProxy/internal/protocol"
	"github.com/Andrei05231/ScannerProxy/internal/util"
)

// State tracks where a relay session is in its lifecycle.
type State int32

const (
	StateAccepted State = iota
	StateConnecting
	StateRelaying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateConnecting:
		return "connecting"
	case StateRelaying:
		return "relaying"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Relay runs the two listeners of a transparent proxy. Datagrams from the
// appliance subnet are replayed to the receiver and answered on its behalf;
// each accepted TCP connection is bridged to the receiver's transfer port.
type Relay struct {
	cfg      *config.Config
	subnet   netip.Prefix
	receiver netip.Addr
	localIP  netip.Addr
	name     string
}

// New validates the relay configuration and builds a Relay. localIP and name
// are what the synthesized handshake replies present to the appliance.
func New(cfg *config.Config, localIP netip.Addr, name string) (*Relay, error) {
	subnet, err := netip.ParsePrefix(cfg.Relay.ApplianceSubnet)
	if err != nil {
		return nil, fmt.Errorf("invalid appliance subnet %q: %w", cfg.Relay.ApplianceSubnet, err)
	}
	receiver, err := netip.ParseAddr(cfg.Relay.ReceiverIP)
	if err != nil {
		return nil, fmt.Errorf("invalid receiver address %q: %w", cfg.Relay.ReceiverIP, err)
	}
	return &Relay{
		cfg:      cfg,
		subnet:   subnet,
		receiver: receiver,
		localIP:  localIP,
		name:     name,
	}, nil
}

// Run starts the UDP and TCP halves and blocks until ctx is cancelled or
// either listener fails to start.
func (r *Relay) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 2)
	go func() { errs <- r.runUDP(ctx) }()
	go func() { errs <- r.runTCP(ctx) }()

	first := <-errs
	cancel()
	second := <-errs
	if first != nil {
		return first
	}
	return second
}

// runUDP replays handshake datagrams between the appliance and the receiver.
func (r *Relay) runUDP(ctx context.Context) error {
	conn, err := util.ListenUDP(fmt.Sprintf(":%d", r.cfg.Network.UDPPort))
	if err != nil {
		return fmt.Errorf("failed to bind relay UDP socket: %w", err)
	}
	defer conn.Close()

	util.LogInfo("relay UDP listening on :%d (appliance subnet %s, receiver %s)",
		r.cfg.Network.UDPPort, r.subnet, r.receiver)

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
			return fmt.Errorf("relay UDP read error: %w", err)
		}

		if !r.subnet.Contains(sender.Addr().Unmap()) {
			util.LogWarning("relay: ignoring datagram from %s (outside appliance subnet)", sender)
			continue
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		r.handleDatagram(conn, sender, datagram)
	}
}

// handleDatagram forwards one appliance datagram to the receiver, relays the
// receiver's reply back if one arrives in time, and always answers the
// appliance with a synthesized reply so its handshake can advance even when
// the receiver is slow or absent.
func (r *Relay) handleDatagram(conn *net.UDPConn, appliance netip.AddrPort, datagram []byte) {
	util.LogInfo("relay: handshake from appliance %s (%d bytes)", appliance, len(datagram))
	util.Stats.AddIn(len(datagram))

	receiverPort := netip.AddrPortFrom(r.receiver, uint16(r.cfg.Relay.ReceiverUDPPort))
	if _, err := conn.WriteToUDPAddrPort(datagram, receiverPort); err != nil {
		util.LogWarning("relay: failed to forward to receiver %s: %v", receiverPort, err)
	}

	// Wait briefly for the receiver to answer; anything else that arrives in
	// the window is dropped rather than processed out of band.
	deadline := time.Now().Add(r.cfg.Relay.ReplyWait.Std())
	buf := make([]byte, r.cfg.Network.BufferSize)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(deadline)
		n, sender, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			break
		}
		if sender.Addr().Unmap() != r.receiver {
			util.LogDebug("relay: dropping datagram from %s during reply wait", sender)
			continue
		}
		if _, err := conn.WriteToUDPAddrPort(buf[:n], appliance); err != nil {
			util.LogWarning("relay: failed to forward receiver reply to %s: %v", appliance, err)
		} else {
			util.LogInfo("relay: forwarded receiver reply to %s (%d bytes)", appliance, n)
			util.Stats.AddOut(n)
		}
		break
	}

	frame, err := protocol.Decode(datagram)
	if err != nil {
		util.LogDebug("relay: not synthesizing a reply for undecodable datagram: %v", err)
		return
	}
	var reply protocol.Frame
	if frame.Type == protocol.TypeTransfer {
		reply = protocol.NewTransferAck(frame, r.localIP, r.name)
	} else {
		reply = protocol.NewDiscoveryReply(frame, r.localIP, r.name)
	}
	out, err := protocol.Encode(reply)
	if err != nil {
		util.LogError("relay: failed to encode synthesized reply: %v", err)
		return
	}
	if _, err := conn.WriteToUDPAddrPort(out, appliance); err != nil {
		util.LogWarning("relay: failed to send synthesized reply to %s: %v", appliance, err)
		return
	}
	util.Stats.AddOut(len(out))
	util.LogDebug("relay: sent synthesized %s reply to %s", reply.Type, appliance)
}

// runTCP bridges each accepted appliance connection to the receiver.
func (r *Relay) runTCP(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", r.cfg.Network.TCPPort)
	listener, err := net.Listen("tcp4", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	util.LogInfo("relay TCP listening on %s", addr)

	// Active sessions are joined before Run returns so shutdown tears their
	// sockets down instead of orphaning the pumps.
	var sessions sync.WaitGroup
	defer sessions.Wait()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("relay accept error: %w", err)
			}
		}
		tcp, ok := conn.(*net.TCPConn)
		if !ok {
			conn.Close()
			continue
		}
		s := newSession(r.cfg, tcp, r.receiver)
		sessions.Add(1)
		go func() {
			defer sessions.Done()
			s.run(ctx)
		}()
	}
}

// session is one appliance↔receiver TCP conversation. It owns both sockets
// and its two pump goroutines exclusively.
type session struct {
	id        string
	cfg       *config.Config
	appliance *net.TCPConn
	receiver  netip.Addr
	state     atomic.Int32

	mu     sync.Mutex
	remote *net.TCPConn
	closed bool
}

func newSession(cfg *config.Config, appliance *net.TCPConn, receiver netip.Addr) *session {
	s := &session{
		id:        uuid.NewString()[:8],
		cfg:       cfg,
		appliance: appliance,
		receiver:  receiver,
	}
	s.state.Store(int32(StateAccepted))
	return s
}

func (s *session) setState(next State) {
	prev := State(s.state.Swap(int32(next)))
	util.LogDebug("[%s] relay session %s -> %s", s.id, prev, next)
}

// closeBoth tears down both sockets. Safe to call from either pump and from
// the shutdown watcher; later calls are no-ops.
func (s *session) closeBoth() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.appliance.Close()
	if s.remote != nil {
		s.remote.Close()
	}
}

// setRemote publishes the receiver socket to closeBoth. It reports false
// when the session was already torn down, in which case the caller owns
// closing conn.
func (s *session) setRemote(conn *net.TCPConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.remote = conn
	return true
}

func (s *session) run(ctx context.Context) {
	util.Stats.AddSession()
	util.LogInfo("[%s] relay session from appliance %s", s.id, s.appliance.RemoteAddr())
	defer s.closeBoth()

	// The pumps block in Read without deadlines, so cancellation reaches
	// them by closing both sockets.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.closeBoth()
		case <-done:
		}
	}()

	s.setState(StateConnecting)
	target := net.JoinHostPort(s.receiver.String(), fmt.Sprint(s.cfg.Relay.ReceiverTCPPort))
	dialer := net.Dialer{Timeout: s.cfg.Network.ConnectTimeout.Std()}
	conn, err := dialer.DialContext(ctx, "tcp4", target)
	if err != nil {
		s.setState(StateClosed)
		util.LogError("[%s] failed to connect to receiver %s: %v", s.id, target, err)
		return
	}
	if !s.setRemote(conn.(*net.TCPConn)) {
		// Shutdown won the race while the dial was in flight.
		conn.Close()
		s.setState(StateClosed)
		return
	}

	s.setState(StateRelaying)
	var wg sync.WaitGroup
	wg.Add(2)
	go s.pump(&wg, s.appliance, s.remote, "appliance->receiver")
	go s.pump(&wg, s.remote, s.appliance, "receiver->appliance")
	wg.Wait()

	s.setState(StateClosed)
	util.Stats.AddCompleted()
	util.LogInfo("[%s] relay session closed", s.id)
}

// pump copies src to dst until EOF, then half-closes dst so the opposite
// direction can keep draining. Any other error tears down the whole session.
func (s *session) pump(wg *sync.WaitGroup, src, dst *net.TCPConn, label string) {
	defer wg.Done()

	buf := make([]byte, s.cfg.Network.ChunkSize)
	var moved int64
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				util.LogError("[%s] %s write failed after %d bytes: %v", s.id, label, moved, err)
				s.closeBoth()
				return
			}
			moved += int64(n)
			util.Stats.AddIn(n)
			util.Stats.AddOut(n)
		}
		if readErr != nil {
			if isClosedOrEOF(readErr) {
				util.LogDebug("[%s] %s drained %d bytes", s.id, label, moved)
				dst.CloseWrite()
				return
			}
			util.LogError("[%s] %s read failed after %d bytes: %v", s.id, label, moved, readErr)
			s.closeBoth()
			return
		}
	}
}

func isClosedOrEOF(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return false
}
