package relay

import (
	"errors"
	"sync"

	"github.com/1ureka/torrelay/internal/protocol"
)

// Event is one reply or engine event redelivered to a listener.
type Event struct {
	Action  protocol.Action
	Torrent *Torrent // nil for client-wide warnings and errors
	Payload protocol.Payload
}

// Err returns the message of a warning or error event as an error, and nil
// for every other action.
func (e Event) Err() error {
	switch p := e.Payload.(type) {
	case *protocol.Warning:
		return errors.New(p.Message)
	case *protocol.Error:
		return errors.New(p.Message)
	}
	return nil
}

// Listener receives events in arrival order.
type Listener func(Event)

// Torrent is the client-side handle of one engine torrent. Its fields are
// updated from the envelopes the server sends for its key.
type Torrent struct {
	key string
	id  string

	mu         sync.Mutex
	infoHash   string
	name       string
	length     int64
	files      []protocol.File
	downloaded int64
	uploaded   int64
	progress   float64
	numPeers   int
	done       bool
	removed    bool
	listeners  map[protocol.Action][]Listener
}

func newTorrent(key, id string) *Torrent {
	return &Torrent{key: key, id: id, listeners: make(map[protocol.Action][]Listener)}
}

// Key returns the torrent key correlating this handle with server replies.
func (t *Torrent) Key() string { return t.key }

// ID returns the identifier the handle was created with.
func (t *Torrent) ID() string { return t.id }

func (t *Torrent) InfoHash() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.infoHash
}

func (t *Torrent) Name() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.name
}

func (t *Torrent) Length() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.length
}

func (t *Torrent) Files() []protocol.File {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]protocol.File(nil), t.files...)
}

func (t *Torrent) Downloaded() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.downloaded
}

func (t *Torrent) Progress() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

func (t *Torrent) NumPeers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.numPeers
}

func (t *Torrent) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// Removed reports whether the server dropped the torrent.
func (t *Torrent) Removed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removed
}

// On registers fn for action on this torrent: infohash, metadata, progress,
// done, removed, warning or error.
func (t *Torrent) On(action protocol.Action, fn Listener) {
	t.mu.Lock()
	t.listeners[action] = append(t.listeners[action], fn)
	t.mu.Unlock()
}

// apply folds a server payload into the handle's state.
func (t *Torrent) apply(p protocol.Payload) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch v := p.(type) {
	case *protocol.InfoHash:
		t.infoHash = v.InfoHash
	case *protocol.Metadata:
		t.infoHash = v.InfoHash
		t.name = v.Name
		t.length = v.Length
		t.files = v.Files
	case *protocol.Subscribed:
		t.infoHash = v.InfoHash
		t.name = v.Name
		t.length = v.Length
		t.progress = v.Progress
	case *protocol.Progress:
		t.downloaded = v.Downloaded
		t.uploaded = v.Uploaded
		t.length = v.Length
		t.progress = v.Progress
		t.numPeers = v.NumPeers
	case *protocol.Done:
		t.done = true
		t.progress = 1
	case *protocol.Removed:
		t.removed = true
	}
}

func (t *Torrent) listenersFor(a protocol.Action) []Listener {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Listener(nil), t.listeners[a]...)
}
