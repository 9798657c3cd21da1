package relay

import (
	"errors"
	"strings"
	"sync"

	"github.com/1ureka/torrelay/internal/protocol"
)

// ---------------------------------------------------------------------------
// fakeEngine
// ---------------------------------------------------------------------------

const magnetPrefix = "magnet:?xt=urn:btih:"

// fakeEngine keeps torrents in memory and lets tests emit events by hand.
type fakeEngine struct {
	emit func(EngineEvent)

	mu       sync.Mutex
	torrents map[string]TorrentState
	closed   bool
}

func hashOf(id string) string {
	return strings.ToLower(strings.TrimPrefix(id, magnetPrefix))
}

func (e *fakeEngine) Add(id string) (TorrentState, error) {
	if id == "bogus" {
		return TorrentState{}, errors.New("invalid torrent identifier")
	}
	ih := hashOf(id)

	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.torrents[ih]
	if !ok {
		st = TorrentState{InfoHash: ih}
		e.torrents[ih] = st
	}
	return st, nil
}

func (e *fakeEngine) Lookup(id string) (TorrentState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.torrents[hashOf(id)]
	return st, ok
}

func (e *fakeEngine) Remove(id string) (TorrentState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.torrents[hashOf(id)]
	if !ok {
		return TorrentState{}, ErrTorrentNotFound
	}
	delete(e.torrents, st.InfoHash)
	return st, nil
}

func (e *fakeEngine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.torrents)
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

// update mutates a torrent and emits kind for it. Unknown torrents are
// ignored.
func (e *fakeEngine) update(ih string, kind EngineEventKind, fn func(*TorrentState)) {
	e.mu.Lock()
	st, ok := e.torrents[ih]
	if !ok {
		e.mu.Unlock()
		return
	}
	fn(&st)
	e.torrents[ih] = st
	e.mu.Unlock()

	e.emit(EngineEvent{Kind: kind, InfoHash: ih, State: st})
}

func (e *fakeEngine) gotMetadata(ih string) {
	e.update(ih, EngineMetadata, func(st *TorrentState) {
		st.Name = "Sintel"
		st.Length = 1000
		st.HasMetadata = true
		st.Files = []protocol.File{{Path: "Sintel/Sintel.mp4", Length: 1000}}
	})
}

func (e *fakeEngine) progress(ih string, downloaded int64) {
	e.update(ih, EngineProgress, func(st *TorrentState) { st.Downloaded = downloaded })
}

// engineBox is an EngineFactory that records how often it was called.
type engineBox struct {
	mu     sync.Mutex
	starts int
	eng    *fakeEngine
	fail   error
}

func (b *engineBox) factory(emit func(EngineEvent)) (Engine, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.starts++
	if b.fail != nil {
		return nil, b.fail
	}
	b.eng = &fakeEngine{emit: emit, torrents: make(map[string]TorrentState)}
	return b.eng, nil
}

func (b *engineBox) engine() *fakeEngine {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.eng
}

func (b *engineBox) startCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.starts
}

// ---------------------------------------------------------------------------
// recordingEndpoint
// ---------------------------------------------------------------------------

// recordingEndpoint decodes and keeps everything delivered to it.
type recordingEndpoint struct {
	id   string
	done chan struct{}
	fail error

	mu   sync.Mutex
	envs []protocol.Envelope
}

func newRecordingEndpoint(id string) *recordingEndpoint {
	return &recordingEndpoint{id: id, done: make(chan struct{})}
}

func (r *recordingEndpoint) ID() string            { return r.id }
func (r *recordingEndpoint) Done() <-chan struct{} { return r.done }

func (r *recordingEndpoint) Deliver(data []byte) error {
	if r.fail != nil {
		return r.fail
	}
	env, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.envs = append(r.envs, env)
	r.mu.Unlock()
	return nil
}

func (r *recordingEndpoint) received() []protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Envelope(nil), r.envs...)
}

func (r *recordingEndpoint) actions() []protocol.Action {
	var out []protocol.Action
	for _, env := range r.received() {
		out = append(out, env.Action)
	}
	return out
}

// ---------------------------------------------------------------------------
// sentLog
// ---------------------------------------------------------------------------

// sentLog is a SendFunc that records what a Client sends.
type sentLog struct {
	mu   sync.Mutex
	envs []protocol.Envelope
	fail error
}

func (l *sentLog) send(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail != nil {
		return l.fail
	}
	env, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	l.envs = append(l.envs, env)
	return nil
}

func (l *sentLog) all() []protocol.Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]protocol.Envelope(nil), l.envs...)
}

func (l *sentLog) count(a protocol.Action) int {
	n := 0
	for _, env := range l.all() {
		if env.Action == a {
			n++
		}
	}
	return n
}

func mustEncode(env protocol.Envelope) []byte {
	data, err := protocol.Encode(env)
	if err != nil {
		panic(err)
	}
	return data
}
