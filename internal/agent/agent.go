// Package agent assembles a receiving node: the discovery responder, the
// transfer receiver and the post-receive pipeline (retention, conversion or
// onward forwarding), plus the optional monitor feed.
package agent

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/Andrei05231/ScannerProxy/internal/config"
	"github.com/Andrei05231/ScannerProxy/internal/discovery"
	"github.com/Andrei05231/ScannerProxy/internal/monitor"
	"github.com/Andrei05231/ScannerProxy/internal/protocol"
	"github.com/Andrei05231/ScannerProxy/internal/rawimage"
	"github.com/Andrei05231/ScannerProxy/internal/storage"
	"github.com/Andrei05231/ScannerProxy/internal/transfer"
	"github.com/Andrei05231/ScannerProxy/internal/util"
)

// Agent is one receiving node.
type Agent struct {
	cfg     *config.Config
	localIP netip.Addr
	hub     *monitor.Hub // nil when the feed is disabled

	runCtx    context.Context
	forwardTo netip.Addr
}

// New builds an agent. hub may be nil.
func New(cfg *config.Config, localIP netip.Addr, hub *monitor.Hub) (*Agent, error) {
	a := &Agent{cfg: cfg, localIP: localIP, hub: hub}
	if cfg.Agent.ForwardTo != "" {
		addr, err := netip.ParseAddr(cfg.Agent.ForwardTo)
		if err != nil {
			return nil, fmt.Errorf("invalid forward target %q: %w", cfg.Agent.ForwardTo, err)
		}
		a.forwardTo = addr
	}
	return a, nil
}

// Run starts the responder and the receiver and blocks until ctx is
// cancelled or either fails to start.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.runCtx = ctx

	store, err := storage.New(a.cfg.Agent.StoreDir)
	if err != nil {
		return err
	}

	responder := discovery.NewResponder(a.cfg, a.localIP, a.cfg.Agent.Name)
	responder.SetCallback(func(frame protocol.Frame, sender netip.AddrPort) {
		a.hub.Publish(monitor.NewEvent("handshake", "", sender.Addr().String(),
			map[string]any{"type": frame.Type.String(), "src_name": frame.SrcName}))
	})
	receiver := transfer.NewReceiver(a.cfg, store, a.sink)

	util.LogInfo("agent %q up on %s (store %s, retention %d)",
		a.cfg.Agent.Name, a.localIP, a.cfg.Agent.StoreDir, a.cfg.Agent.Retention)

	errs := make(chan error, 2)
	go func() { errs <- responder.Run(ctx) }()
	go func() { errs <- receiver.Run(ctx) }()

	first := <-errs
	cancel()
	second := <-errs
	if first != nil {
		return first
	}
	return second
}

// sink runs after every completed receive. Forwarding takes precedence over
// conversion: a forwarding proxy agent passes raw files on untouched.
func (a *Agent) sink(path string, size int64, peer netip.Addr) {
	a.hub.Publish(monitor.NewEvent("transfer_complete", "", peer.String(),
		map[string]any{"path": path, "bytes": size}))

	switch {
	case a.forwardTo.IsValid():
		err := transfer.Send(a.runCtx, a.cfg, a.localIP, a.forwardTo,
			a.cfg.Agent.Name, "", path, nil)
		if err != nil {
			util.LogError("failed to forward %s to %s: %v", path, a.forwardTo, err)
			return
		}
		a.hub.Publish(monitor.NewEvent("forwarded", "", a.forwardTo.String(),
			map[string]any{"path": path, "bytes": size}))
	case a.cfg.Agent.Convert:
		out, err := rawimage.ConvertToPNG(path, "")
		if err != nil {
			util.LogWarning("conversion of %s failed: %v", path, err)
			return
		}
		a.hub.Publish(monitor.NewEvent("converted", "", peer.String(),
			map[string]any{"raw": path, "png": out}))
	}
}
