package signaling

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/torrelay/internal/metrics"
	"github.com/1ureka/torrelay/internal/relay"
	"github.com/1ureka/torrelay/internal/transport"
	"github.com/1ureka/torrelay/internal/util"
)

const (
	kindWS          = "websocket"
	kindDataChannel = "datachannel"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithPIN requires every /relay and /signal request to carry ?pin=<pin>.
func WithPIN(pin string) HubOption {
	return func(h *Hub) { h.pin = pin }
}

// WithICEServers sets the ICE servers for DataChannel links accepted on
// /signal. An empty, non-nil slice restricts them to host candidates.
func WithICEServers(servers []webrtc.ICEServer) HubOption {
	return func(h *Hub) { h.iceServers = servers }
}

// WithHubMetrics serves m on /metrics and tracks open links.
func WithHubMetrics(m *metrics.Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// Hub is the HTTP surface of the shared relay process. Every accepted link
// feeds the same relay.Server.
type Hub struct {
	relay      *relay.Server
	pin        string
	iceServers []webrtc.ICEServer
	metrics    *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	links    map[transport.Link]struct{}
	listener net.Listener
	server   *http.Server
	wg       sync.WaitGroup
}

// NewHub creates a hub in front of srv.
func NewHub(srv *relay.Server, opts ...HubOption) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		relay:  srv,
		ctx:    ctx,
		cancel: cancel,
		links:  make(map[transport.Link]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Handler returns the hub's routes: /relay, /signal and, with metrics,
// /metrics.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/relay", h.handleRelay)
	mux.HandleFunc("/signal", h.handleSignal)
	if h.metrics != nil {
		mux.Handle("/metrics", h.metrics.Handler())
	}
	return mux
}

// Start listens on addr and serves Handler in the background. It returns the
// bound address, which matters when addr asks for port 0.
func (h *Hub) Start(addr string) (net.Addr, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start hub: %w", err)
	}

	server := &http.Server{Handler: h.Handler()}

	h.mu.Lock()
	h.listener = listener
	h.server = server
	h.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("hub stopped: %v", err)
		}
	}()

	return listener.Addr(), nil
}

// Close stops accepting requests, closes every open link and waits for
// their read loops to exit.
func (h *Hub) Close() error {
	h.cancel()

	h.mu.Lock()
	server := h.server
	links := make([]transport.Link, 0, len(h.links))
	for l := range h.links {
		links = append(links, l)
	}
	h.mu.Unlock()

	var errs []error
	if server != nil {
		errs = append(errs, server.Close())
	}
	for _, l := range links {
		l.Close()
	}
	h.wg.Wait()

	return errors.Join(errs...)
}

func (h *Hub) authorized(w http.ResponseWriter, r *http.Request) bool {
	if h.pin == "" || r.URL.Query().Get("pin") == h.pin {
		return true
	}
	http.Error(w, "Invalid PIN", http.StatusUnauthorized)
	return false
}

func (h *Hub) handleRelay(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	h.serve(transport.NewWSLink(conn), kindWS)
}

func (h *Hub) handleSignal(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	link, err := EstablishAsHost(h.ctx, conn, h.iceServers)
	conn.Close()
	if err != nil {
		util.LogWarning("signaling from %s failed: %v", r.RemoteAddr, err)
		return
	}

	h.serve(link, kindDataChannel)
}

// serve pumps link into the relay until either side closes it.
func (h *Hub) serve(link transport.Link, kind string) {
	if !h.track(link) {
		link.Close()
		return
	}
	defer h.untrack(link)
	defer link.Close()

	if h.metrics != nil {
		h.metrics.Links.WithLabelValues(kind).Inc()
		defer h.metrics.Links.WithLabelValues(kind).Dec()
	}

	util.LogInfo("[%s] link opened", link.ID())
	err := link.Run(func(data []byte) {
		h.relay.Receive(link, data)
	})
	if err != nil {
		util.LogWarning("[%s] link closed: %v", link.ID(), err)
		return
	}
	util.LogInfo("[%s] link closed", link.ID())
}

func (h *Hub) track(link transport.Link) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ctx.Err() != nil {
		return false
	}
	h.links[link] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Hub) untrack(link transport.Link) {
	h.mu.Lock()
	delete(h.links, link)
	h.mu.Unlock()
	h.wg.Done()
}
