package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/torrelay/internal/config"
	"github.com/1ureka/torrelay/internal/engine"
	"github.com/1ureka/torrelay/internal/metrics"
	"github.com/1ureka/torrelay/internal/protocol"
	"github.com/1ureka/torrelay/internal/registry"
	"github.com/1ureka/torrelay/internal/relay"
	"github.com/1ureka/torrelay/internal/signaling"
	"github.com/1ureka/torrelay/internal/socket"
	"github.com/1ureka/torrelay/internal/transport"
	"github.com/1ureka/torrelay/internal/util"
)

// ---------------------------------------------------------------------------
// Hub
// ---------------------------------------------------------------------------

func runHub(ctx context.Context, cfg config.Config) error {
	m := metrics.New()
	stats := util.NewStats()
	reg := registry.New(registry.WithSizeObserver(func(n int) {
		m.Channels.Set(float64(n))
	}))

	factory := engine.Factory(engine.Config{
		DataDir:          cfg.Hub.DataDir,
		ListenPort:       cfg.Hub.TorrentPort,
		NoDHT:            cfg.Hub.NoDHT,
		Seed:             cfg.Hub.Seed,
		ProgressInterval: cfg.Relay.ProgressInterval,
		MetadataTimeout:  cfg.Hub.MetadataTimeout,
	})

	srv := relay.NewServer(relay.ServerConfig{HeartbeatTimeout: cfg.Relay.HeartbeatTimeout},
		factory, reg, relay.WithStats(stats), relay.WithMetrics(m))
	defer srv.Close()

	opts := []signaling.HubOption{signaling.WithHubMetrics(m)}
	if cfg.Hub.PIN != "" {
		opts = append(opts, signaling.WithPIN(cfg.Hub.PIN))
	}
	hub := signaling.NewHub(srv, opts...)

	addr, err := hub.Start(cfg.Hub.Listen)
	if err != nil {
		return err
	}
	defer hub.Close()

	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════╗")
	fmt.Println("║              Torrelay Hub                ║")
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  Relay  : ws://%-25s ║\n", addr.String()+"/relay")
	fmt.Printf("║  Signal : ws://%-25s ║\n", addr.String()+"/signal")
	fmt.Printf("║  Metrics: http://%-23s ║\n", addr.String()+"/metrics")
	fmt.Println("╚══════════════════════════════════════════╝")
	fmt.Println()

	if cfg.Hub.StatsInterval > 0 {
		util.StartStatsReporter(ctx, stats, cfg.Hub.StatsInterval)
	}
	util.LogSuccess("hub ready, torrent data in %s", cfg.Hub.DataDir)

	<-ctx.Done()
	return nil
}

// ---------------------------------------------------------------------------
// Viewer
// ---------------------------------------------------------------------------

func runViewer(ctx context.Context, cfg config.Config, torrentID string) error {
	link, err := dialHub(ctx, cfg.Viewer)
	if err != nil {
		return err
	}
	defer link.Close()

	client := relay.NewClient(link.Deliver, relay.WithHeartbeat(cfg.Viewer.HeartbeatInterval))
	defer client.Destroy()

	runErr := make(chan error, 1)
	go func() { runErr <- link.Run(client.Receive) }()

	client.On(protocol.ActionWarning, func(ev relay.Event) { util.LogWarning("hub: %v", ev.Err()) })
	client.On(protocol.ActionError, func(ev relay.Event) { util.LogError("hub: %v", ev.Err()) })

	util.LogInfo("[%s] adding %s", client.Key(), torrentID)
	t := client.Add(torrentID, func(err error, t *relay.Torrent) {
		if err != nil {
			util.LogError("add failed: %v", err)
			return
		}
		util.LogSuccess("torrent %s added", t.InfoHash())
	})
	watchTorrent(t)

	select {
	case <-ctx.Done():
		return nil
	case err := <-runErr:
		if err != nil {
			return fmt.Errorf("hub link lost: %w", err)
		}
		return nil
	}
}

// dialHub opens a /relay WebSocket or, with WebRTC enabled, negotiates a
// DataChannel through /signal.
func dialHub(ctx context.Context, cfg config.ViewerConfig) (transport.Link, error) {
	if !cfg.WebRTC {
		u, err := normalizeHubURL(cfg.HubURL, "/relay")
		if err != nil {
			return nil, err
		}
		return transport.DialWS(ctx, u)
	}

	u, err := normalizeHubURL(cfg.HubURL, "/signal")
	if err != nil {
		return nil, err
	}
	spinner, _ := pterm.DefaultSpinner.Start("negotiating DataChannel with hub...")
	link, err := signaling.EstablishAsClient(ctx, u, nil)
	if err != nil {
		spinner.Fail(err.Error())
		return nil, err
	}
	spinner.Success("DataChannel established")
	return link, nil
}

func watchTorrent(t *relay.Torrent) {
	t.On(protocol.ActionMetadata, func(relay.Event) {
		util.LogSuccess("metadata: %s (%d files, %d bytes)", t.Name(), len(t.Files()), t.Length())
	})
	t.On(protocol.ActionProgress, func(relay.Event) {
		util.LogInfo("%s: %5.1f%% from %d peers", t.Name(), t.Progress()*100, t.NumPeers())
	})
	t.On(protocol.ActionDone, func(relay.Event) {
		util.LogSuccess("%s: done", t.Name())
	})
	t.On(protocol.ActionWarning, func(ev relay.Event) {
		util.LogWarning("%s: %v", t.InfoHash(), ev.Err())
	})
	t.On(protocol.ActionError, func(ev relay.Event) {
		util.LogError("%s: %v", t.InfoHash(), ev.Err())
	})
}

// ---------------------------------------------------------------------------
// Native
// ---------------------------------------------------------------------------

// consoleTab prints the orders routed to it.
type consoleTab struct {
	id  string
	ctx context.Context
}

func (c *consoleTab) ID() string            { return "console-" + c.id }
func (c *consoleTab) Done() <-chan struct{} { return c.ctx.Done() }

func (c *consoleTab) Deliver(data []byte) error {
	pterm.Printfln("[tab %s] %s", c.id, data)
	return nil
}

func runNative(ctx context.Context, cfg config.Config, tab string) error {
	tabs := registry.New()
	tabs.Register(tab, &consoleTab{id: tab, ctx: ctx})

	mux := socket.NewMux(tabs)
	ctrl, err := socket.New(cfg.Socket,
		func(ev socket.Events) socket.Transport {
			return socket.NewWebSocketTransport(cfg.Socket.Host, ev)
		},
		socket.WithHooks(socket.Hooks{
			OnSocketWorking:    func() { util.LogSuccess("native application reachable") },
			OnSocketClosed:     func() { util.LogWarning("native application went away") },
			OnHandshakeTimeout: func() { util.LogWarning("native application did not complete the handshake") },
			OnOrder:            mux.Dispatch,
		}),
	)
	if err != nil {
		return err
	}
	defer ctrl.Stop()
	mux.Bind(ctrl)

	ctrl.Init()
	util.LogInfo("trying ports %s on %s; type a line to send it to tab %s", joinPorts(cfg.Socket.Ports), cfg.Socket.Host, tab)

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line := <-lines:
			line = strings.TrimSpace(line)
			if line == "" {
				st := ctrl.Status()
				util.LogInfo("socket %s port=%d handshaken=%v buffered=%d", st.State, st.Port, st.Handshaken, st.Buffered)
				continue
			}
			if err := mux.Send(socket.TabID(tab), consoleMessage(line), true); err != nil {
				util.LogWarning("send failed: %v", err)
			}
		}
	}
}

// consoleMessage sends valid JSON as is and anything else as a string.
func consoleMessage(line string) any {
	if json.Valid([]byte(line)) {
		return json.RawMessage(line)
	}
	return line
}
