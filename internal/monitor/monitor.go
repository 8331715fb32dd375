// Package monitor exposes a WebSocket event feed for observing a running
// agent or relay: session starts, completed files, conversions. Clients get
// a JSON stream; a client that cannot keep up is dropped rather than allowed
// to stall the publisher.
package monitor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Andrei05231/ScannerProxy/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Event is one feed entry. Payload fields are event-specific.
type Event struct {
	Time    time.Time      `json:"time"`
	Kind    string         `json:"kind"`
	Session string         `json:"session,omitempty"`
	Peer    string         `json:"peer,omitempty"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// NewEvent stamps an event with the current time.
func NewEvent(kind, session, peer string, detail map[string]any) Event {
	return Event{Time: time.Now(), Kind: kind, Session: session, Peer: peer, Detail: detail}
}

// Hub fans events out to all connected WebSocket clients.
type Hub struct {
	listen   string
	listener net.Listener

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan Event
}

// NewHub creates a hub serving on the given host:port.
func NewHub(listen string) *Hub {
	return &Hub{
		listen:  listen,
		clients: make(map[*client]struct{}),
	}
}

// Start binds the listener and begins serving /ws. Serving stops when ctx
// is cancelled.
func (h *Hub) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", h.listen)
	if err != nil {
		return fmt.Errorf("failed to start monitor on %s: %w", h.listen, err)
	}
	h.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWS)

	go func() {
		_ = http.Serve(listener, mux)
	}()
	go func() {
		<-ctx.Done()
		h.Close()
	}()

	util.LogInfo("monitor feed on ws://%s/ws", listener.Addr())
	return nil
}

// Addr returns the bound address, useful when listen used port 0.
func (h *Hub) Addr() string {
	if h.listener == nil {
		return h.listen
	}
	return h.listener.Addr().String()
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{conn: conn, send: make(chan Event, 32)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	util.LogDebug("monitor client connected from %s", conn.RemoteAddr())

	go h.writeLoop(c)
	go h.readLoop(c)
}

// writeLoop drains one client's queue onto its socket.
func (h *Hub) writeLoop(c *client) {
	for ev := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.conn.WriteJSON(ev); err != nil {
			h.drop(c)
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
	c.conn.Close()
}

// readLoop discards inbound messages; the feed is one-way. It exists to
// notice the client hanging up.
func (h *Hub) readLoop(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.drop(c)
			return
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	if ok {
		c.conn.Close()
		util.LogDebug("monitor client %s dropped", c.conn.RemoteAddr())
	}
}

// Publish fans an event out to every client without blocking the caller. A
// client whose queue is full is disconnected. A nil hub discards events, so
// callers need no feed-enabled check.
func (h *Hub) Publish(ev Event) {
	if h == nil {
		return
	}
	h.mu.Lock()
	var slow []*client
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()

	for _, c := range slow {
		util.LogWarning("monitor client %s too slow, dropping", c.conn.RemoteAddr())
		h.drop(c)
	}
}

// Close stops the listener and disconnects every client.
func (h *Hub) Close() {
	if h.listener != nil {
		h.listener.Close()
	}
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.drop(c)
	}
}
