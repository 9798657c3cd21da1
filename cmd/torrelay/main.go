// Torrelay: CLI entry point.
//
// One binary plays three roles: the hub that owns the torrent engine and
// relays envelopes for every view, a viewer that talks to a hub, and the
// native socket controller that keeps a link to the local application.
//
// It can be launched interactively (no flags) or non-interactively via
// -role and the per-role flags. TORRELAY_* environment variables provide the
// defaults that flags override.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/torrelay/internal/config"
	"github.com/1ureka/torrelay/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	// CLI flags.
	role := flag.String("role", string(cfg.Role), "Role: hub, viewer or native")
	debugMode := flag.Bool("debug", cfg.Debug, "Enable debug logging")
	listen := flag.String("listen", cfg.Hub.Listen, "Hub listen address (hub only)")
	dataDir := flag.String("data", cfg.Hub.DataDir, "Torrent data directory (hub only)")
	pin := flag.String("pin", cfg.Hub.PIN, "PIN required from viewers (hub only)")
	hubURL := flag.String("hub", cfg.Viewer.HubURL, "Hub URL (viewer only)")
	useWebRTC := flag.Bool("webrtc", cfg.Viewer.WebRTC, "Carry envelopes over a WebRTC DataChannel (viewer only)")
	torrentID := flag.String("torrent", "", "Magnet URI, info hash or .torrent path to add (viewer only)")
	ports := flag.String("ports", joinPorts(cfg.Socket.Ports), "Comma separated candidate ports (native only)")
	passphrase := flag.String("passphrase", cfg.Socket.Passphrase, "Obfuscation passphrase (native only)")
	tab := flag.String("tab", "1", "Tab id used for console orders (native only)")
	flag.Parse()

	cfg.Role = config.Role(*role)
	cfg.Debug = *debugMode
	cfg.Hub.Listen = *listen
	cfg.Hub.DataDir = *dataDir
	cfg.Hub.PIN = *pin
	cfg.Viewer.HubURL = *hubURL
	cfg.Viewer.WebRTC = *useWebRTC
	cfg.Socket.Passphrase = *passphrase
	if cfg.Socket.Ports, err = parsePorts(*ports); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		util.LogError("invalid configuration: %v", err)
		os.Exit(1)
	}

	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Torrelay — v%s", version))
	pterm.Println()

	switch cfg.Role {
	case "":
		// No -role flag: interactive mode.
		err = runInteractive(ctx, cfg)

	case config.RoleHub:
		err = runHub(ctx, cfg)

	case config.RoleViewer:
		if *torrentID == "" {
			util.LogError("missing -torrent for viewer role")
			os.Exit(1)
		}
		err = runViewer(ctx, cfg, *torrentID)

	case config.RoleNative:
		err = runNative(ctx, cfg, *tab)
	}

	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("successfully shut down")
}

// runInteractive asks for the role and its required inputs when no -role
// flag is provided.
func runInteractive(ctx context.Context, cfg config.Config) error {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{
			"Hub    — Run the shared torrent engine",
			"Viewer — Add a torrent through a hub",
			"Native — Keep the native application socket alive",
		}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	switch {
	case strings.HasPrefix(role, "Hub"):
		return runHub(ctx, cfg)
	case strings.HasPrefix(role, "Viewer"):
		cfg.Viewer.HubURL = askURL(cfg.Viewer.HubURL)
		return runViewer(ctx, cfg, askTorrent())
	default:
		return runNative(ctx, cfg, "1")
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// normalizeHubURL validates raw and points it at path on the same host,
// keeping the query (which may carry the PIN).
func normalizeHubURL(raw, path string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid hub URL: %s", raw)
	}
	scheme := "ws"
	switch u.Scheme {
	case "wss", "https":
		scheme = "wss"
	}
	out := url.URL{Scheme: scheme, Host: u.Host, Path: path, RawQuery: u.RawQuery}
	return out.String(), nil
}

func parsePorts(raw string) ([]int, error) {
	var out []int
	for _, f := range strings.Split(raw, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		p, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q", f)
		}
		out = append(out, p)
	}
	return out, nil
}

func joinPorts(ports []int) string {
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}

// askURL prompts for a hub URL until a valid one is entered.
func askURL(def string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Hub URL").
			WithDefaultValue(def).
			Show()

		if _, err := normalizeHubURL(raw, "/relay"); err == nil {
			pterm.Println()
			return raw
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid ws:// or wss:// URL")
	}
}

// askTorrent prompts for a torrent identifier until one is entered.
func askTorrent() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Magnet URI, info hash or .torrent path").
			Show()

		if id := strings.TrimSpace(raw); id != "" {
			pterm.Println()
			return id
		}

		util.LogWarning("invalid input: torrent identifier must not be empty")
		pterm.Println()
	}
}
