// Scannerproxy — CLI entry point.
//
// One binary covers every role of the scanner pipeline: discovering agents
// on the LAN, sending a scan to one, running a receiving agent, bridging an
// appliance to a remote receiver, watching an outbox, and converting stored
// raw scans.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-role, -target, -file, ...).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"

	"github.com/Andrei05231/ScannerProxy/internal/agent"
	"github.com/Andrei05231/ScannerProxy/internal/config"
	"github.com/Andrei05231/ScannerProxy/internal/discovery"
	"github.com/Andrei05231/ScannerProxy/internal/monitor"
	"github.com/Andrei05231/ScannerProxy/internal/rawimage"
	"github.com/Andrei05231/ScannerProxy/internal/relay"
	"github.com/Andrei05231/ScannerProxy/internal/transfer"
	"github.com/Andrei05231/ScannerProxy/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	role := flag.String("role", "", "Role: scan, send, agent, relay, watch or convert")
	configDir := flag.String("config", "config", "Directory holding <env>.yml configuration")
	target := flag.String("target", "", "Target agent IP (send) or probe address (scan, defaults to the subnet broadcast)")
	file := flag.String("file", "", "File to send (send) or raw file to convert (convert)")
	out := flag.String("out", "", "Output path for convert (defaults to the input with .png)")
	name := flag.String("name", "", "Override the configured node name")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("ScannerProxy — v%s", version))
	pterm.Println()

	cfg, err := config.Load(*configDir)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if *name != "" {
		cfg.Agent.Name = *name
	}

	netInfo, err := util.DefaultInterface()
	if err != nil {
		util.LogError("failed to determine local network: %v", err)
		os.Exit(1)
	}
	util.LogDebug("using interface %s (local %s, broadcast %s)",
		netInfo.Interface, netInfo.LocalIP, netInfo.Broadcast)

	switch *role {
	case "":
		// No -role flag → interactive mode.
		runInteractive(ctx, cfg, netInfo)

	case "scan":
		probeAddr := netInfo.Broadcast
		if *target != "" {
			probeAddr = mustAddr(*target)
		}
		runScan(ctx, cfg, netInfo.LocalIP, probeAddr)

	case "send":
		if *file == "" || *target == "" {
			util.LogError("send needs both -file and -target")
			os.Exit(1)
		}
		runSend(ctx, cfg, netInfo.LocalIP, mustAddr(*target), *file)

	case "agent":
		runAgent(ctx, cfg, netInfo.LocalIP)

	case "relay":
		runRelay(ctx, cfg, netInfo.LocalIP)

	case "watch":
		runWatch(ctx, cfg, netInfo.LocalIP)

	case "convert":
		if *file == "" {
			util.LogError("convert needs -file")
			os.Exit(1)
		}
		if _, err := rawimage.ConvertToPNG(*file, *out); err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}

	default:
		util.LogError("invalid -role: must be scan, send, agent, relay, watch or convert")
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive falls back to prompts when no -role flag is provided.
func runInteractive(ctx context.Context, cfg *config.Config, netInfo util.NetInfo) {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{
			"Scan    — Discover receiving agents on the LAN",
			"Send    — Send a file to an agent",
			"Agent   — Receive files from appliances",
			"Relay   — Bridge an appliance to a remote receiver",
			"Watch   — Auto-send files dropped into the outbox",
			"Convert — Decode a stored raw scan to PNG",
		}).
		WithDefaultText("Select a role").
		Show()

	pterm.Println()

	switch {
	case strings.HasPrefix(role, "Scan"):
		runScan(ctx, cfg, netInfo.LocalIP, netInfo.Broadcast)
	case strings.HasPrefix(role, "Send"):
		target := askAddr("Agent IP to send to")
		path := askPath("File to send")
		runSend(ctx, cfg, netInfo.LocalIP, target, path)
	case strings.HasPrefix(role, "Agent"):
		runAgent(ctx, cfg, netInfo.LocalIP)
	case strings.HasPrefix(role, "Relay"):
		runRelay(ctx, cfg, netInfo.LocalIP)
	case strings.HasPrefix(role, "Watch"):
		runWatch(ctx, cfg, netInfo.LocalIP)
	default:
		path := askPath("Raw file to convert")
		if _, err := rawimage.ConvertToPNG(path, ""); err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
	}
}

// runScan probes for agents and prints whoever answered.
func runScan(ctx context.Context, cfg *config.Config, local, probeAddr netip.Addr) {
	util.LogInfo("probing %s for agents (window %s)", probeAddr, cfg.Network.DiscoveryWindow.Std())

	responses, err := discovery.Probe(ctx, cfg, local, probeAddr, cfg.Agent.Name)
	if err != nil {
		util.LogError("discovery failed: %v", err)
		os.Exit(1)
	}
	if len(responses) == 0 {
		util.LogWarning("no agents answered")
		return
	}

	rows := pterm.TableData{{"Agent", "Address", "Type"}}
	for _, r := range responses {
		rows = append(rows, []string{r.Frame.DstName, r.Addr.Addr().String(), r.Frame.Type.String()})
	}
	pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	util.LogSuccess("%d agent(s) answered", len(responses))
}

// runSend streams one file to an agent with a progress bar.
func runSend(ctx context.Context, cfg *config.Config, local, target netip.Addr, path string) {
	util.StartStatsReporter(ctx)

	bar, _ := pterm.DefaultProgressbar.
		WithTotal(100).
		WithTitle("sending " + path).
		Start()

	last := 0
	err := transfer.Send(ctx, cfg, local, target, cfg.Agent.Name, "", path,
		func(sent, total int64) {
			pct := 100
			if total > 0 {
				pct = int(sent * 100 / total)
			}
			if pct > last {
				bar.Add(pct - last)
				last = pct
			}
		})
	bar.Stop()
	if err != nil {
		util.LogError("transfer failed: %v", err)
		os.Exit(1)
	}
}

// runAgent runs a receiving agent until interrupted.
func runAgent(ctx context.Context, cfg *config.Config, local netip.Addr) {
	hub := startMonitor(ctx, cfg)

	a, err := agent.New(cfg, local, hub)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.StartStatsReporter(ctx)
	if err := a.Run(ctx); err != nil {
		util.LogError("agent failed: %v", err)
		os.Exit(1)
	}
	util.LogInfo("agent stopped")
}

// runRelay runs the transparent relay until interrupted.
func runRelay(ctx context.Context, cfg *config.Config, local netip.Addr) {
	r, err := relay.New(cfg, local, cfg.Agent.Name)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.StartStatsReporter(ctx)
	if err := r.Run(ctx); err != nil {
		util.LogError("relay failed: %v", err)
		os.Exit(1)
	}
	util.LogInfo("relay stopped")
}

// runWatch runs the outbox watcher until interrupted.
func runWatch(ctx context.Context, cfg *config.Config, local netip.Addr) {
	w, err := agent.NewWatcher(cfg, local)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.StartStatsReporter(ctx)
	if err := w.Run(ctx); err != nil {
		util.LogError("watcher failed: %v", err)
		os.Exit(1)
	}
	util.LogInfo("watcher stopped")
}

// startMonitor brings up the WebSocket feed when enabled, returning nil (a
// discarding hub) otherwise.
func startMonitor(ctx context.Context, cfg *config.Config) *monitor.Hub {
	if !cfg.Monitor.Enabled {
		return nil
	}
	hub := monitor.NewHub(cfg.Monitor.Listen)
	if err := hub.Start(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	return hub
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

func mustAddr(raw string) netip.Addr {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		util.LogError("invalid address %q", raw)
		os.Exit(1)
	}
	return addr
}

// askAddr prompts for an IPv4 address until a valid one is entered.
func askAddr(prompt string) netip.Addr {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		addr, err := netip.ParseAddr(strings.TrimSpace(raw))
		if err == nil && addr.Is4() {
			pterm.Println()
			return addr
		}

		util.LogWarning("invalid address: please enter an IPv4 address")
		pterm.Println()
	}
}

// askPath prompts for an existing file path until one is entered.
func askPath(prompt string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		path := strings.TrimSpace(raw)
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			pterm.Println()
			return path
		}

		util.LogWarning("no such file: %s", raw)
		pterm.Println()
	}
}
