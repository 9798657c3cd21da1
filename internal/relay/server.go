// Package relay brokers envelopes between many client views and one shared
// torrent engine.
//
// A Server owns the engine and multiplexes every client key onto it; each
// view runs a Client that turns calls into envelopes and redelivers the
// engine's replies and events to local listeners.
package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/1ureka/torrelay/internal/metrics"
	"github.com/1ureka/torrelay/internal/protocol"
	"github.com/1ureka/torrelay/internal/registry"
	"github.com/1ureka/torrelay/internal/util"
)

// ErrServerClosed is returned for requests that arrive after Close.
var ErrServerClosed = errors.New("relay: server closed")

// DefaultHeartbeatTimeout is how long a session may stay silent before it is
// collected.
const DefaultHeartbeatTimeout = 30 * time.Second

// ServerConfig holds the tunable parts of a Server.
type ServerConfig struct {
	HeartbeatTimeout time.Duration
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithClock replaces the wall clock used by the session reaper.
func WithClock(c clock.Clock) ServerOption {
	return func(s *Server) { s.clock = c }
}

// WithStats shares a traffic counter set with the server.
func WithStats(st *util.Stats) ServerOption {
	return func(s *Server) { s.stats = st }
}

// WithMetrics reports to the given collectors.
func WithMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// Server is the single authority over the torrent engine.
type Server struct {
	cfg     ServerConfig
	factory EngineFactory
	reg     *registry.Registry
	clock   clock.Clock
	stats   *util.Stats
	metrics *metrics.Metrics

	engineMu sync.Mutex
	engine   Engine

	mu       sync.Mutex
	sessions map[string]*session
	subs     map[string]map[*subscription]struct{} // infoHash -> subscribers
	closed   bool

	stop      chan struct{}
	reaped    chan struct{}
	closeOnce sync.Once
}

// NewServer creates a server routing through reg. The engine is created by
// factory on the first request that needs it.
func NewServer(cfg ServerConfig, factory EngineFactory, reg *registry.Registry, opts ...ServerOption) *Server {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}

	s := &Server{
		cfg:      cfg,
		factory:  factory,
		reg:      reg,
		clock:    clock.New(),
		sessions: make(map[string]*session),
		subs:     make(map[string]map[*subscription]struct{}),
		stop:     make(chan struct{}),
		reaped:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.stats == nil {
		s.stats = util.NewStats()
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}

	ticker := s.clock.Ticker(cfg.HeartbeatTimeout / 2)
	go s.reapLoop(ticker)

	return s
}

// Receive handles one raw envelope that arrived on from. Malformed input is
// logged and dropped without affecting any other client.
func (s *Server) Receive(from registry.Endpoint, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		util.LogWarning("[%s] dropping inbound envelope: %v", from.ID(), err)
		s.stats.AddDropped()
		s.metrics.EnvelopesDropped.WithLabelValues(metrics.ReasonDecode).Inc()
		return
	}

	s.stats.AddIn(len(raw))
	s.metrics.EnvelopesIn.WithLabelValues(string(env.Action)).Inc()
	if util.DebugEnabled() {
		util.LogDebug("[%s] <- %s", env.ClientKey, raw)
	}

	if s.isClosed() {
		return
	}

	key := env.ClientKey
	if env.Action == protocol.ActionDestroy {
		s.destroySession(key)
		return
	}
	s.attach(key, from)

	switch p := env.Payload.(type) {
	case *protocol.Heartbeat:
	case *protocol.Add:
		s.handleAdd(key, p)
	case *protocol.Get:
		s.handleGet(key, p)
	case *protocol.Remove:
		s.handleRemove(key, p)
	default:
		util.LogWarning("[%s] ignoring %q: not a request", key, env.Action)
	}
}

// Close stops session collection and closes the engine if it was created.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.reaped

		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.engineMu.Lock()
		if s.engine != nil {
			err = s.engine.Close()
		}
		s.engineMu.Unlock()
	})
	return err
}

// Sessions returns the number of live sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ensureEngine returns the engine, creating it on first use.
func (s *Server) ensureEngine() (Engine, error) {
	s.engineMu.Lock()
	defer s.engineMu.Unlock()

	if s.engine != nil {
		return s.engine, nil
	}
	if s.isClosed() {
		return nil, ErrServerClosed
	}

	eng, err := s.factory(s.handleEvent)
	if err != nil {
		util.LogError("failed to start torrent engine: %v", err)
		return nil, err
	}
	s.engine = eng
	s.metrics.EngineStarts.Inc()
	util.LogInfo("torrent engine started")
	return eng, nil
}

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

func (s *Server) handleAdd(key string, p *protocol.Add) {
	eng, err := s.ensureEngine()
	if err != nil {
		s.send(key, &protocol.Error{TorrentKey: p.TorrentKey, Message: err.Error()})
		return
	}

	st, err := eng.Add(p.TorrentID)
	if err != nil {
		s.send(key, &protocol.Error{TorrentKey: p.TorrentKey, Message: err.Error()})
		return
	}
	s.metrics.Torrents.Set(float64(eng.Len()))

	s.send(key, &protocol.InfoHash{TorrentKey: p.TorrentKey, InfoHash: st.InfoHash})
	if sub := s.subscribe(key, p.TorrentKey, st.InfoHash, false); sub != nil {
		s.catchUp(eng, sub)
	}
}

func (s *Server) handleGet(key string, p *protocol.Get) {
	eng, err := s.ensureEngine()
	if err != nil {
		s.send(key, &protocol.Error{TorrentKey: p.TorrentKey, Message: err.Error()})
		return
	}

	st, ok := eng.Lookup(p.TorrentID)
	if !ok {
		s.send(key, &protocol.Missing{TorrentKey: p.TorrentKey, TorrentID: p.TorrentID})
		return
	}

	s.send(key, &protocol.Subscribed{
		TorrentKey: p.TorrentKey,
		InfoHash:   st.InfoHash,
		Name:       st.Name,
		Length:     st.Length,
		Progress:   st.Progress(),
	})
	if sub := s.subscribe(key, p.TorrentKey, st.InfoHash, st.HasMetadata); sub != nil {
		s.catchUp(eng, sub)
	}
}

func (s *Server) handleRemove(key string, p *protocol.Remove) {
	eng, err := s.ensureEngine()
	if err != nil {
		s.send(key, &protocol.Error{TorrentKey: p.TorrentKey, Message: err.Error()})
		return
	}

	st, err := eng.Remove(p.TorrentID)
	if err != nil {
		s.send(key, &protocol.Error{TorrentKey: p.TorrentKey, Message: err.Error()})
		return
	}
	s.metrics.Torrents.Set(float64(eng.Len()))

	s.send(key, &protocol.Removed{TorrentKey: p.TorrentKey})
	for _, sub := range s.dropTorrent(st.InfoHash) {
		if sub.clientKey == key && sub.torrentKey == p.TorrentKey {
			continue
		}
		s.send(sub.clientKey, &protocol.Removed{TorrentKey: sub.torrentKey})
	}
}

// catchUp replays metadata and completion that the engine reached before the
// subscription existed.
func (s *Server) catchUp(eng Engine, sub *subscription) {
	st, ok := eng.Lookup(sub.infoHash)
	if !ok {
		return
	}

	s.mu.Lock()
	sendMeta := st.HasMetadata && !sub.metaSent
	if sendMeta {
		sub.metaSent = true
	}
	sendDone := st.Done && !sub.doneSent
	if sendDone {
		sub.doneSent = true
	}
	s.mu.Unlock()

	if sendMeta {
		s.send(sub.clientKey, metadataFor(sub.torrentKey, st))
	}
	if sendDone {
		s.send(sub.clientKey, &protocol.Done{TorrentKey: sub.torrentKey})
	}
}

// ---------------------------------------------------------------------------
// Engine events
// ---------------------------------------------------------------------------

type outgoing struct {
	key     string
	payload protocol.Payload
}

// handleEvent fans one engine event out to the subscribers of its torrent.
func (s *Server) handleEvent(ev EngineEvent) {
	var out []outgoing

	s.mu.Lock()
	if ev.InfoHash == "" {
		for key := range s.sessions {
			if p := clientWide(ev); p != nil {
				out = append(out, outgoing{key, p})
			}
		}
	}
	for sub := range s.subs[ev.InfoHash] {
		var p protocol.Payload
		switch ev.Kind {
		case EngineMetadata:
			if sub.metaSent {
				continue
			}
			sub.metaSent = true
			p = metadataFor(sub.torrentKey, ev.State)
		case EngineProgress:
			p = &protocol.Progress{
				TorrentKey: sub.torrentKey,
				Downloaded: ev.State.Downloaded,
				Uploaded:   ev.State.Uploaded,
				Length:     ev.State.Length,
				Progress:   ev.State.Progress(),
				NumPeers:   ev.State.NumPeers,
			}
		case EngineDone:
			if sub.doneSent {
				continue
			}
			sub.doneSent = true
			p = &protocol.Done{TorrentKey: sub.torrentKey}
		case EngineWarning:
			p = &protocol.Warning{TorrentKey: sub.torrentKey, Message: ev.Message}
		case EngineError:
			p = &protocol.Error{TorrentKey: sub.torrentKey, Message: ev.Message}
		default:
			continue
		}
		out = append(out, outgoing{sub.clientKey, p})
	}
	s.mu.Unlock()

	for _, o := range out {
		s.send(o.key, o.payload)
	}
}

func clientWide(ev EngineEvent) protocol.Payload {
	switch ev.Kind {
	case EngineWarning:
		return &protocol.Warning{Message: ev.Message}
	case EngineError:
		return &protocol.Error{Message: ev.Message}
	}
	return nil
}

func metadataFor(torrentKey string, st TorrentState) *protocol.Metadata {
	return &protocol.Metadata{
		TorrentKey: torrentKey,
		InfoHash:   st.InfoHash,
		Name:       st.Name,
		Length:     st.Length,
		Files:      st.Files,
	}
}

// send encodes p for key and delivers it. A routing miss is an expected race
// and a delivery failure only affects key; both are dropped.
func (s *Server) send(key string, p protocol.Payload) {
	data, err := protocol.Encode(protocol.New(key, p))
	if err != nil {
		util.LogError("[%s] failed to encode %q: %v", key, p.Action(), err)
		s.metrics.EnvelopesDropped.WithLabelValues(metrics.ReasonEncode).Inc()
		return
	}

	if util.DebugEnabled() {
		util.LogDebug("[%s] -> %s", key, data)
	}

	err = s.reg.Send(key, data)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		util.LogDebug("[%s] no endpoint, dropping %q", key, p.Action())
		s.stats.AddMiss()
		s.metrics.RoutingMisses.Inc()
	case err != nil:
		util.LogDebug("[%s] dropping %q: %v", key, p.Action(), err)
		s.stats.AddDropped()
		s.metrics.EnvelopesDropped.WithLabelValues(metrics.ReasonDelivery).Inc()
	default:
		s.stats.AddOut(len(data))
		s.metrics.EnvelopesOut.WithLabelValues(string(p.Action())).Inc()
	}
}
