// Package engine implements relay.Engine on top of anacrolix/torrent.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/benbjohnson/clock"

	"github.com/1ureka/torrelay/internal/protocol"
	"github.com/1ureka/torrelay/internal/relay"
	"github.com/1ureka/torrelay/internal/util"
)

// Config configures the underlying torrent client.
type Config struct {
	DataDir          string
	ListenPort       int
	NoDHT            bool
	NoTrackers       bool
	Seed             bool
	ProgressInterval time.Duration
	MetadataTimeout  time.Duration // 0 uses DefaultMetadataTimeout
	Clock            clock.Clock
}

// DefaultMetadataTimeout is how long a torrent may wait for its info
// dictionary before subscribers get a warning.
const DefaultMetadataTimeout = 30 * time.Second

// Anacrolix owns one torrent.Client and reports torrent lifecycle events.
type Anacrolix struct {
	client   *torrent.Client
	emit     func(relay.EngineEvent)
	clock    clock.Clock
	interval time.Duration

	metaTimeout time.Duration
	blind       bool // neither DHT nor trackers can find peers

	mu       sync.Mutex
	torrents map[metainfo.Hash]*entry

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type entry struct {
	t    *torrent.Torrent
	stop chan struct{}
}

// Factory adapts New to relay.EngineFactory.
func Factory(cfg Config) relay.EngineFactory {
	return func(emit func(relay.EngineEvent)) (relay.Engine, error) {
		return New(cfg, emit)
	}
}

// New starts a torrent client.
func New(cfg Config, emit func(relay.EngineEvent)) (*Anacrolix, error) {
	tc := torrent.NewDefaultClientConfig()
	if cfg.DataDir != "" {
		tc.DataDir = cfg.DataDir
	}
	tc.ListenPort = cfg.ListenPort
	tc.NoDHT = cfg.NoDHT
	tc.DisableTrackers = cfg.NoTrackers
	tc.Seed = cfg.Seed
	tc.NoDefaultPortForwarding = true

	client, err := torrent.NewClient(tc)
	if err != nil {
		return nil, fmt.Errorf("create torrent client: %w", err)
	}

	e := &Anacrolix{
		client:   client,
		emit:     emit,
		clock:    cfg.Clock,
		interval: cfg.ProgressInterval,
		torrents: make(map[metainfo.Hash]*entry),
		closed:   make(chan struct{}),

		metaTimeout: cfg.MetadataTimeout,
		blind:       cfg.NoDHT && cfg.NoTrackers,
	}
	if e.clock == nil {
		e.clock = clock.New()
	}
	if e.interval <= 0 {
		e.interval = time.Second
	}
	if e.metaTimeout <= 0 {
		e.metaTimeout = DefaultMetadataTimeout
	}
	return e, nil
}

// Add starts downloading id, or returns the existing torrent.
func (e *Anacrolix) Add(id string) (relay.TorrentState, error) {
	tid, err := ParseTorrentID(id)
	if err != nil {
		return relay.TorrentState{}, err
	}

	var t *torrent.Torrent
	switch tid.Kind {
	case KindMagnet:
		t, err = e.client.AddMagnet(tid.Raw)
	case KindInfoHash:
		t, _ = e.client.AddTorrentInfoHash(tid.Hash)
	case KindFile:
		var mi *metainfo.MetaInfo
		if _, mi, err = tid.resolveHash(); err == nil {
			t, err = e.client.AddTorrent(mi)
		}
	}
	if err != nil {
		return relay.TorrentState{}, fmt.Errorf("add %s: %w", id, err)
	}

	e.mu.Lock()
	if _, ok := e.torrents[t.InfoHash()]; !ok {
		ent := &entry{t: t, stop: make(chan struct{})}
		e.torrents[t.InfoHash()] = ent
		e.wg.Add(1)
		go e.watch(ent)
		util.LogInfo("torrent added: %s", t.InfoHash().HexString())
	}
	e.mu.Unlock()

	return snapshot(t), nil
}

// Lookup returns the state of a torrent already held by the engine.
func (e *Anacrolix) Lookup(id string) (relay.TorrentState, bool) {
	ent, err := e.find(id)
	if err != nil {
		return relay.TorrentState{}, false
	}
	return snapshot(ent.t), true
}

// Remove drops the torrent and stops its watcher.
func (e *Anacrolix) Remove(id string) (relay.TorrentState, error) {
	ent, err := e.find(id)
	if err != nil {
		return relay.TorrentState{}, err
	}

	e.mu.Lock()
	delete(e.torrents, ent.t.InfoHash())
	e.mu.Unlock()

	st := snapshot(ent.t)
	close(ent.stop)
	ent.t.Drop()
	util.LogInfo("torrent removed: %s", st.InfoHash)
	return st, nil
}

// Len returns the number of torrents held.
func (e *Anacrolix) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.torrents)
}

// Close drops every torrent and shuts the client down.
func (e *Anacrolix) Close() error {
	var errs []error
	e.closeOnce.Do(func() {
		close(e.closed)
		errs = e.client.Close()
		e.wg.Wait()
	})
	return errors.Join(errs...)
}

func (e *Anacrolix) find(id string) (*entry, error) {
	tid, err := ParseTorrentID(id)
	if err != nil {
		return nil, err
	}
	h, _, err := tid.resolveHash()
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.torrents[h]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, relay.ErrTorrentNotFound)
	}
	return ent, nil
}

// watch reports metadata once, then progress every interval and done once.
// A torrent still without metadata after metaTimeout raises one warning; a
// torrent closed by the client behind our back raises an error.
func (e *Anacrolix) watch(ent *entry) {
	defer e.wg.Done()

	t := ent.t
	ih := t.InfoHash().HexString()

	if !e.awaitInfo(ent, ih) {
		return
	}

	t.DownloadAll()
	e.emit(relay.EngineEvent{Kind: relay.EngineMetadata, InfoHash: ih, State: snapshot(t)})

	ticker := e.clock.Ticker(e.interval)
	defer ticker.Stop()

	done := false
	for {
		st := snapshot(t)
		if st.Done && !done {
			done = true
			e.emit(relay.EngineEvent{Kind: relay.EngineDone, InfoHash: ih, State: st})
		}

		select {
		case <-ticker.C:
			e.emit(relay.EngineEvent{Kind: relay.EngineProgress, InfoHash: ih, State: snapshot(t)})
		case <-ent.stop:
			return
		case <-t.Closed():
			e.lost(ent, ih)
			return
		case <-e.closed:
			return
		}
	}
}

// awaitInfo blocks until t has its info dictionary. It returns false when
// the watcher should stop instead.
func (e *Anacrolix) awaitInfo(ent *entry, ih string) bool {
	t := ent.t

	warn := e.clock.Timer(e.metaTimeout)
	defer warn.Stop()

	for {
		select {
		case <-t.GotInfo():
			return true
		case <-warn.C:
			msg := fmt.Sprintf("no metadata after %s", e.metaTimeout)
			if e.blind {
				msg += ": DHT and trackers are disabled, only known peers can supply it"
			}
			util.LogWarning("torrent %s: %s", ih, msg)
			e.emit(relay.EngineEvent{Kind: relay.EngineWarning, InfoHash: ih, State: snapshot(t), Message: msg})
		case <-ent.stop:
			return false
		case <-t.Closed():
			e.lost(ent, ih)
			return false
		case <-e.closed:
			return false
		}
	}
}

// lost handles a torrent that closed without Remove or Close asking for it.
func (e *Anacrolix) lost(ent *entry, ih string) {
	select {
	case <-ent.stop:
		return
	case <-e.closed:
		return
	default:
	}

	e.mu.Lock()
	if cur, ok := e.torrents[ent.t.InfoHash()]; ok && cur == ent {
		delete(e.torrents, ent.t.InfoHash())
	}
	e.mu.Unlock()

	util.LogError("torrent %s closed unexpectedly", ih)
	e.emit(relay.EngineEvent{Kind: relay.EngineError, InfoHash: ih, Message: "torrent closed unexpectedly"})
}

// snapshot reads the current state of t. Fields that need metadata stay
// zero until the info dictionary arrives.
func snapshot(t *torrent.Torrent) relay.TorrentState {
	st := relay.TorrentState{InfoHash: t.InfoHash().HexString()}

	stats := t.Stats()
	st.NumPeers = stats.ActivePeers
	st.Uploaded = stats.BytesWrittenData.Int64()

	if t.Info() == nil {
		return st
	}
	st.HasMetadata = true
	st.Name = t.Name()
	st.Length = t.Length()
	st.Downloaded = t.BytesCompleted()
	st.Done = st.Length > 0 && st.Downloaded >= st.Length

	for _, f := range t.Files() {
		st.Files = append(st.Files, protocol.File{Path: f.Path(), Length: f.Length()})
	}
	return st
}
