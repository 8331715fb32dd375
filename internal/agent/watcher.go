package agent

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Andrei05231/ScannerProxy/internal/config"
	"github.com/Andrei05231/ScannerProxy/internal/transfer"
	"github.com/Andrei05231/ScannerProxy/internal/util"
)

// Watcher watches an outbox directory and sends every file that lands there
// to the configured target agent, deleting it after a successful send. Files
// already present at startup are queued first.
type Watcher struct {
	cfg     *config.Config
	localIP netip.Addr
	target  netip.Addr
}

// NewWatcher validates the watch configuration and builds a Watcher.
func NewWatcher(cfg *config.Config, localIP netip.Addr) (*Watcher, error) {
	if cfg.Watch.Dir == "" {
		return nil, fmt.Errorf("watch directory not configured")
	}
	target, err := netip.ParseAddr(cfg.Watch.Target)
	if err != nil {
		return nil, fmt.Errorf("invalid watch target %q: %w", cfg.Watch.Target, err)
	}
	return &Watcher{cfg: cfg, localIP: localIP, target: target}, nil
}

// Run watches the outbox until ctx is cancelled. New files are debounced
// until they stop growing before being sent, so half-written scans are never
// picked up.
func (w *Watcher) Run(ctx context.Context) error {
	dir := w.cfg.Watch.Dir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create outbox %s: %w", dir, err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	util.LogInfo("watching outbox %s, sending to %s", dir, w.target)

	// Anything already waiting in the outbox goes out first.
	pending := make(map[string]time.Time)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to list outbox %s: %w", dir, err)
	}
	now := time.Now()
	for _, e := range entries {
		if e.Type().IsRegular() && !strings.HasPrefix(e.Name(), ".") {
			pending[filepath.Join(dir, e.Name())] = now
		}
	}

	const settle = 1 * time.Second
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) {
				continue
			}
			name := filepath.Base(ev.Name)
			if strings.HasPrefix(name, ".") {
				continue
			}
			if info, err := os.Stat(ev.Name); err != nil || !info.Mode().IsRegular() {
				continue
			}
			pending[ev.Name] = time.Now()

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			util.LogWarning("outbox watcher error: %v", err)

		case <-ticker.C:
			for path, last := range pending {
				if time.Since(last) < settle {
					continue
				}
				delete(pending, path)
				w.dispatch(ctx, path)
			}
		}
	}
}

// dispatch sends one settled outbox file and removes it on success. On
// failure the file stays put; the next write event re-queues it.
func (w *Watcher) dispatch(ctx context.Context, path string) {
	util.LogInfo("sending outbox file %s to %s", path, w.target)
	err := transfer.Send(ctx, w.cfg, w.localIP, w.target,
		w.cfg.Agent.Name, "", path, nil)
	if err != nil {
		util.LogError("failed to send %s: %v", path, err)
		return
	}
	if err := os.Remove(path); err != nil {
		util.LogWarning("sent %s but failed to remove it: %v", path, err)
	}
}
