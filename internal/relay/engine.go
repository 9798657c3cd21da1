package relay

import (
	"errors"
	"fmt"

	"github.com/1ureka/torrelay/internal/protocol"
)

// ErrTorrentNotFound is reported when a torrent identifier is unknown to the
// engine.
var ErrTorrentNotFound = errors.New("relay: torrent not found")

// TorrentState is a point-in-time view of one engine torrent.
type TorrentState struct {
	InfoHash    string
	Name        string
	Length      int64
	Files       []protocol.File
	HasMetadata bool
	Downloaded  int64
	Uploaded    int64
	NumPeers    int
	Done        bool
}

// Progress returns the completed fraction in [0, 1].
func (s TorrentState) Progress() float64 {
	if s.Length <= 0 {
		return 0
	}
	p := float64(s.Downloaded) / float64(s.Length)
	if p > 1 {
		return 1
	}
	return p
}

// EngineEventKind classifies engine events.
type EngineEventKind int

const (
	EngineMetadata EngineEventKind = iota + 1
	EngineProgress
	EngineDone
	EngineWarning
	EngineError
)

func (k EngineEventKind) String() string {
	switch k {
	case EngineMetadata:
		return "metadata"
	case EngineProgress:
		return "progress"
	case EngineDone:
		return "done"
	case EngineWarning:
		return "warning"
	case EngineError:
		return "error"
	}
	return fmt.Sprintf("EngineEventKind(%d)", int(k))
}

// EngineEvent is emitted by an engine for one torrent, or for the engine as a
// whole when InfoHash is empty (warnings and errors only).
type EngineEvent struct {
	Kind     EngineEventKind
	InfoHash string
	State    TorrentState
	Message  string
}

// Engine is the torrent engine owned by a Server. Torrent identifiers are
// magnet URIs, hex info hashes, or .torrent paths.
//
// Implementations must be safe for concurrent use and must not hold internal
// locks while calling the emit function they were created with.
type Engine interface {
	Add(torrentID string) (TorrentState, error)
	Lookup(torrentID string) (TorrentState, bool)
	Remove(torrentID string) (TorrentState, error)
	Len() int
	Close() error
}

// EngineFactory creates an engine that reports its events through emit.
type EngineFactory func(emit func(EngineEvent)) (Engine, error)
