package signaling

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/torrelay/internal/metrics"
	"github.com/1ureka/torrelay/internal/registry"
	"github.com/1ureka/torrelay/internal/relay"
	"github.com/1ureka/torrelay/internal/transport"
)

const sintel = "08ada5a7a6183aae1e09d831df6748d566095a10"

// memEngine accepts any hex info hash and never emits events.
type memEngine struct {
	mu       sync.Mutex
	torrents map[string]relay.TorrentState
}

func newMemEngine(func(relay.EngineEvent)) (relay.Engine, error) {
	return &memEngine{torrents: make(map[string]relay.TorrentState)}, nil
}

func (e *memEngine) Add(id string) (relay.TorrentState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := relay.TorrentState{InfoHash: strings.ToLower(id)}
	e.torrents[st.InfoHash] = st
	return st, nil
}

func (e *memEngine) Lookup(id string) (relay.TorrentState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.torrents[strings.ToLower(id)]
	return st, ok
}

func (e *memEngine) Remove(id string) (relay.TorrentState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.torrents[strings.ToLower(id)]
	if !ok {
		return relay.TorrentState{}, relay.ErrTorrentNotFound
	}
	delete(e.torrents, st.InfoHash)
	return st, nil
}

func (e *memEngine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.torrents)
}

func (e *memEngine) Close() error { return nil }

type fixture struct {
	hub     *Hub
	metrics *metrics.Metrics
	url     string
}

func newFixture(t *testing.T, opts ...HubOption) *fixture {
	t.Helper()

	m := metrics.New()
	srv := relay.NewServer(relay.ServerConfig{}, newMemEngine, registry.New(),
		relay.WithClock(clock.NewMock()), relay.WithMetrics(m))

	opts = append([]HubOption{WithHubMetrics(m), WithICEServers([]webrtc.ICEServer{})}, opts...)
	h := NewHub(srv, opts...)
	ts := httptest.NewServer(h.Handler())

	t.Cleanup(func() {
		h.Close()
		ts.Close()
		srv.Close()
	})

	return &fixture{hub: h, metrics: m, url: "ws" + strings.TrimPrefix(ts.URL, "http")}
}

// attach runs a relay.Client over link until the test ends.
func attach(t *testing.T, link transport.Link) *relay.Client {
	t.Helper()

	c := relay.NewClient(link.Deliver, relay.WithClientClock(clock.NewMock()))
	go link.Run(c.Receive)
	t.Cleanup(func() {
		c.Destroy()
		link.Close()
	})
	return c
}

func addAndWait(t *testing.T, c *relay.Client, id string) *relay.Torrent {
	t.Helper()

	errCh := make(chan error, 1)
	tor := c.Add(id, func(err error, _ *relay.Torrent) { errCh <- err })

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("add was never answered")
	}
	return tor
}

func TestHubRelayOverWebSocket(t *testing.T) {
	f := newFixture(t)

	link, err := transport.DialWS(context.Background(), f.url+"/relay")
	require.NoError(t, err)
	c := attach(t, link)

	tor := addAndWait(t, c, sintel)
	assert.Equal(t, sintel, tor.InfoHash())
}

func TestHubRelayRejectsWrongPIN(t *testing.T) {
	f := newFixture(t, WithPIN("1234"))

	_, resp, err := websocket.DefaultDialer.Dial(f.url+"/relay?pin=0000", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	link, err := transport.DialWS(context.Background(), f.url+"/relay?pin=1234")
	require.NoError(t, err)
	link.Close()
}

func TestHubRelayOverDataChannel(t *testing.T) {
	if testing.Short() {
		t.Skip("webrtc negotiation")
	}
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	link, err := EstablishAsClient(ctx, f.url+"/signal", []webrtc.ICEServer{})
	require.NoError(t, err)
	c := attach(t, link)

	tor := addAndWait(t, c, sintel)
	assert.Equal(t, sintel, tor.InfoHash())
}

func TestHubServesMetrics(t *testing.T) {
	f := newFixture(t)

	link, err := transport.DialWS(context.Background(), f.url+"/relay")
	require.NoError(t, err)
	c := attach(t, link)
	addAndWait(t, c, sintel)

	resp, err := http.Get("http" + strings.TrimPrefix(f.url, "ws") + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `torrelay_links{kind="websocket"} 1`)
	assert.Contains(t, string(body), `torrelay_envelopes_in_total{action="add"} 1`)
}

func TestHubCloseEndsLinks(t *testing.T) {
	f := newFixture(t)

	link, err := transport.DialWS(context.Background(), f.url+"/relay")
	require.NoError(t, err)
	defer link.Close()

	runErr := make(chan error, 1)
	go func() { runErr <- link.Run(func([]byte) {}) }()

	require.Eventually(t, func() bool {
		f.hub.mu.Lock()
		defer f.hub.mu.Unlock()
		return len(f.hub.links) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, f.hub.Close())

	select {
	case <-runErr:
	case <-time.After(2 * time.Second):
		t.Fatal("client link still running after hub close")
	}
}
