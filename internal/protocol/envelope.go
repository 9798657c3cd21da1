// Package protocol defines the envelope exchanged between relay clients and the
// relay server, and its JSON wire format.
//
// On the wire an envelope is one flat JSON object:
//
//	{"clientKey":"<opaque>","action":"<verb>", ...payload fields}
//
// Each action has exactly one payload shape. Decode rejects anything outside
// that closed set.
package protocol

import "errors"

// Action identifies the operation or event carried by an envelope.
type Action string

// Requests (view -> hub).
const (
	ActionAdd       Action = "add"
	ActionGet       Action = "get"
	ActionRemove    Action = "remove"
	ActionDestroy   Action = "destroy"
	ActionHeartbeat Action = "heartbeat"
)

// Replies and events (hub -> view).
const (
	ActionInfoHash   Action = "infohash"
	ActionMetadata   Action = "metadata"
	ActionProgress   Action = "progress"
	ActionDone       Action = "done"
	ActionSubscribed Action = "subscribed"
	ActionMissing    Action = "missing"
	ActionRemoved    Action = "removed"
	ActionWarning    Action = "warning"
	ActionError      Action = "error"
)

// Envelope is the routed unit. ClientKey is never empty for an envelope that
// went through Encode or Decode.
type Envelope struct {
	ClientKey string
	Action    Action
	Payload   Payload
}

// New builds an envelope whose action is taken from the payload.
func New(clientKey string, p Payload) Envelope {
	return Envelope{ClientKey: clientKey, Action: p.Action(), Payload: p}
}

// Payload is implemented by one struct per action.
type Payload interface {
	Action() Action
	validate() error
}

// TorrentKeyOf returns the torrent key carried by p, or "" when the payload
// has none.
func TorrentKeyOf(p Payload) string {
	switch v := p.(type) {
	case *Add:
		return v.TorrentKey
	case *Get:
		return v.TorrentKey
	case *Remove:
		return v.TorrentKey
	case *InfoHash:
		return v.TorrentKey
	case *Metadata:
		return v.TorrentKey
	case *Progress:
		return v.TorrentKey
	case *Done:
		return v.TorrentKey
	case *Subscribed:
		return v.TorrentKey
	case *Missing:
		return v.TorrentKey
	case *Removed:
		return v.TorrentKey
	case *Warning:
		return v.TorrentKey
	case *Error:
		return v.TorrentKey
	}
	return ""
}

var (
	errNoTorrentKey = errors.New("missing torrentKey")
	errNoTorrentID  = errors.New("missing torrentId")
	errNoInfoHash   = errors.New("missing infoHash")
	errNoMessage    = errors.New("missing message")
)

func requireKeyAndID(key, id string) error {
	if key == "" {
		return errNoTorrentKey
	}
	if id == "" {
		return errNoTorrentID
	}
	return nil
}

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

// Add asks the hub to start a torrent. TorrentID is a magnet URI, an info
// hash in hex, or a path to a .torrent file readable by the hub.
type Add struct {
	TorrentKey string `json:"torrentKey"`
	TorrentID  string `json:"torrentId"`
}

func (*Add) Action() Action    { return ActionAdd }
func (p *Add) validate() error { return requireKeyAndID(p.TorrentKey, p.TorrentID) }

// Get subscribes to a torrent the hub already knows.
type Get struct {
	TorrentKey string `json:"torrentKey"`
	TorrentID  string `json:"torrentId"`
}

func (*Get) Action() Action    { return ActionGet }
func (p *Get) validate() error { return requireKeyAndID(p.TorrentKey, p.TorrentID) }

// Remove drops a torrent from the hub engine.
type Remove struct {
	TorrentKey string `json:"torrentKey"`
	TorrentID  string `json:"torrentId"`
}

func (*Remove) Action() Action    { return ActionRemove }
func (p *Remove) validate() error { return requireKeyAndID(p.TorrentKey, p.TorrentID) }

// Destroy tears down the sender's session.
type Destroy struct{}

func (*Destroy) Action() Action  { return ActionDestroy }
func (*Destroy) validate() error { return nil }

// Heartbeat keeps the sender's session alive.
type Heartbeat struct{}

func (*Heartbeat) Action() Action  { return ActionHeartbeat }
func (*Heartbeat) validate() error { return nil }

// ---------------------------------------------------------------------------
// Replies and events
// ---------------------------------------------------------------------------

type InfoHash struct {
	TorrentKey string `json:"torrentKey"`
	InfoHash   string `json:"infoHash"`
}

func (*InfoHash) Action() Action { return ActionInfoHash }
func (p *InfoHash) validate() error {
	if p.TorrentKey == "" {
		return errNoTorrentKey
	}
	if p.InfoHash == "" {
		return errNoInfoHash
	}
	return nil
}

// File describes one file inside a torrent.
type File struct {
	Path   string `json:"path"`
	Length int64  `json:"length"`
}

type Metadata struct {
	TorrentKey string `json:"torrentKey"`
	InfoHash   string `json:"infoHash"`
	Name       string `json:"name"`
	Length     int64  `json:"length"`
	Files      []File `json:"files,omitempty"`
}

func (*Metadata) Action() Action { return ActionMetadata }
func (p *Metadata) validate() error {
	if p.TorrentKey == "" {
		return errNoTorrentKey
	}
	if p.InfoHash == "" {
		return errNoInfoHash
	}
	return nil
}

type Progress struct {
	TorrentKey string  `json:"torrentKey"`
	Downloaded int64   `json:"downloaded"`
	Uploaded   int64   `json:"uploaded"`
	Length     int64   `json:"length"`
	Progress   float64 `json:"progress"`
	NumPeers   int     `json:"numPeers"`
}

func (*Progress) Action() Action { return ActionProgress }
func (p *Progress) validate() error {
	if p.TorrentKey == "" {
		return errNoTorrentKey
	}
	if p.Progress < 0 || p.Progress > 1 {
		return errors.New("progress out of range [0, 1]")
	}
	return nil
}

type Done struct {
	TorrentKey string `json:"torrentKey"`
}

func (*Done) Action() Action { return ActionDone }
func (p *Done) validate() error {
	if p.TorrentKey == "" {
		return errNoTorrentKey
	}
	return nil
}

// Subscribed answers a successful Get with the torrent's current summary.
type Subscribed struct {
	TorrentKey string  `json:"torrentKey"`
	InfoHash   string  `json:"infoHash"`
	Name       string  `json:"name,omitempty"`
	Length     int64   `json:"length,omitempty"`
	Progress   float64 `json:"progress,omitempty"`
}

func (*Subscribed) Action() Action { return ActionSubscribed }
func (p *Subscribed) validate() error {
	if p.TorrentKey == "" {
		return errNoTorrentKey
	}
	if p.InfoHash == "" {
		return errNoInfoHash
	}
	return nil
}

// Missing answers a Get for a torrent the hub does not have.
type Missing struct {
	TorrentKey string `json:"torrentKey"`
	TorrentID  string `json:"torrentId"`
}

func (*Missing) Action() Action { return ActionMissing }
func (p *Missing) validate() error {
	if p.TorrentKey == "" {
		return errNoTorrentKey
	}
	return nil
}

type Removed struct {
	TorrentKey string `json:"torrentKey"`
}

func (*Removed) Action() Action { return ActionRemoved }
func (p *Removed) validate() error {
	if p.TorrentKey == "" {
		return errNoTorrentKey
	}
	return nil
}

// Warning is a non-fatal engine condition. An empty TorrentKey addresses the
// client as a whole.
type Warning struct {
	TorrentKey string `json:"torrentKey,omitempty"`
	Message    string `json:"message"`
}

func (*Warning) Action() Action { return ActionWarning }
func (p *Warning) validate() error {
	if p.Message == "" {
		return errNoMessage
	}
	return nil
}

// Error reports a failed request or a fatal engine condition. An empty
// TorrentKey addresses the client as a whole.
type Error struct {
	TorrentKey string `json:"torrentKey,omitempty"`
	Message    string `json:"message"`
}

func (*Error) Action() Action { return ActionError }
func (p *Error) validate() error {
	if p.Message == "" {
		return errNoMessage
	}
	return nil
}

// newPayload returns an empty payload for action, or nil if the action is
// not part of the protocol.
func newPayload(a Action) Payload {
	switch a {
	case ActionAdd:
		return &Add{}
	case ActionGet:
		return &Get{}
	case ActionRemove:
		return &Remove{}
	case ActionDestroy:
		return &Destroy{}
	case ActionHeartbeat:
		return &Heartbeat{}
	case ActionInfoHash:
		return &InfoHash{}
	case ActionMetadata:
		return &Metadata{}
	case ActionProgress:
		return &Progress{}
	case ActionDone:
		return &Done{}
	case ActionSubscribed:
		return &Subscribed{}
	case ActionMissing:
		return &Missing{}
	case ActionRemoved:
		return &Removed{}
	case ActionWarning:
		return &Warning{}
	case ActionError:
		return &Error{}
	}
	return nil
}
