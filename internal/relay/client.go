package relay

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/1ureka/torrelay/internal/protocol"
	"github.com/1ureka/torrelay/internal/util"
)

// ErrClientDestroyed is reported for calls made after Destroy.
var ErrClientDestroyed = errors.New("relay: client destroyed")

// DefaultHeartbeatInterval keeps a session well inside the server timeout.
const DefaultHeartbeatInterval = 5 * time.Second

// SendFunc hands one encoded envelope to the transport. It is the client's
// only coupling to the concrete link.
type SendFunc func(data []byte) error

// Callback is invoked exactly once per call, never synchronously.
type Callback func(err error, t *Torrent)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientKey fixes the client key instead of generating one.
func WithClientKey(key string) ClientOption {
	return func(c *Client) { c.key = key }
}

// WithHeartbeat sets the heartbeat interval.
func WithHeartbeat(d time.Duration) ClientOption {
	return func(c *Client) { c.interval = d }
}

// WithClientClock replaces the wall clock driving heartbeats.
func WithClientClock(cl clock.Clock) ClientOption {
	return func(c *Client) { c.clock = cl }
}

type pendingCall struct {
	action protocol.Action
	cb     Callback
}

// Client is the per-view facade over a remote Server.
type Client struct {
	key      string
	send     SendFunc
	clock    clock.Clock
	interval time.Duration

	mu        sync.Mutex
	torrents  map[string]*Torrent     // torrentKey -> handle
	pending   map[string]*pendingCall // torrentKey -> outstanding request
	listeners map[protocol.Action][]Listener
	destroyed bool

	stop chan struct{}
}

// NewClient creates a client and starts its heartbeat.
func NewClient(send SendFunc, opts ...ClientOption) *Client {
	c := &Client{
		send:      send,
		clock:     clock.New(),
		interval:  DefaultHeartbeatInterval,
		torrents:  make(map[string]*Torrent),
		pending:   make(map[string]*pendingCall),
		listeners: make(map[protocol.Action][]Listener),
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.key == "" {
		c.key = uuid.NewString()
	}

	ticker := c.clock.Ticker(c.interval)
	go c.heartbeatLoop(ticker)

	return c
}

// Key returns the client key stamped on every envelope.
func (c *Client) Key() string { return c.key }

// On registers fn for action across every torrent of this client, plus
// client-wide warnings and errors.
func (c *Client) On(action protocol.Action, fn Listener) {
	c.mu.Lock()
	c.listeners[action] = append(c.listeners[action], fn)
	c.mu.Unlock()
}

// Add asks the server to start torrentID. The returned handle can receive
// listeners before cb fires; cb completes on the infohash reply.
func (c *Client) Add(torrentID string, cb Callback) *Torrent {
	return c.request(protocol.ActionAdd, torrentID, cb)
}

// Get subscribes to a torrent the server already has. cb receives
// ErrTorrentNotFound if it does not.
func (c *Client) Get(torrentID string, cb Callback) *Torrent {
	return c.request(protocol.ActionGet, torrentID, cb)
}

// Remove drops torrentID from the server engine.
func (c *Client) Remove(torrentID string, cb Callback) {
	c.request(protocol.ActionRemove, torrentID, cb)
}

func (c *Client) request(action protocol.Action, torrentID string, cb Callback) *Torrent {
	if cb == nil {
		cb = func(error, *Torrent) {}
	}

	tk := uuid.NewString()
	t := newTorrent(tk, torrentID)

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		go cb(ErrClientDestroyed, nil)
		return t
	}
	if action != protocol.ActionRemove {
		c.torrents[tk] = t
	}
	c.pending[tk] = &pendingCall{action: action, cb: cb}
	c.mu.Unlock()

	var p protocol.Payload
	switch action {
	case protocol.ActionAdd:
		p = &protocol.Add{TorrentKey: tk, TorrentID: torrentID}
	case protocol.ActionGet:
		p = &protocol.Get{TorrentKey: tk, TorrentID: torrentID}
	default:
		p = &protocol.Remove{TorrentKey: tk, TorrentID: torrentID}
	}

	if err := c.post(p); err != nil {
		c.mu.Lock()
		call := c.takeLocked(tk)
		delete(c.torrents, tk)
		c.mu.Unlock()
		if call != nil {
			go call.cb(fmt.Errorf("%s %s: %w", action, torrentID, err), nil)
		}
	}
	return t
}

// Receive dispatches one inbound envelope. Envelopes for other client keys
// and anything arriving after Destroy are ignored.
func (c *Client) Receive(raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		util.LogWarning("[%s] dropping inbound envelope: %v", c.key, err)
		return
	}
	if env.ClientKey != c.key {
		util.LogDebug("[%s] ignoring envelope for %s", c.key, env.ClientKey)
		return
	}

	tk := protocol.TorrentKeyOf(env.Payload)

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	t := c.torrents[tk]
	call, callErr := c.settleLocked(env.Payload, tk)
	if callErr != nil {
		delete(c.torrents, tk)
	}
	global := append([]Listener(nil), c.listeners[env.Action]...)
	c.mu.Unlock()

	if t != nil {
		t.apply(env.Payload)
	}
	if call != nil {
		call.cb(callErr, t)
		if callErr != nil {
			// A failed request completes its callback instead of raising events.
			return
		}
	}
	if t == nil && tk != "" {
		// Event for a handle this client does not track (removed or never added).
		return
	}

	ev := Event{Action: env.Action, Torrent: t, Payload: env.Payload}
	if t != nil {
		for _, fn := range t.listenersFor(env.Action) {
			fn(ev)
		}
	}
	for _, fn := range global {
		fn(ev)
	}
}

// settleLocked matches a reply against the outstanding request for tk and
// returns the call to complete along with its result.
func (c *Client) settleLocked(p protocol.Payload, tk string) (*pendingCall, error) {
	switch v := p.(type) {
	case *protocol.InfoHash:
		return c.takeIf(tk, protocol.ActionAdd), nil
	case *protocol.Subscribed:
		return c.takeIf(tk, protocol.ActionGet), nil
	case *protocol.Missing:
		if call := c.takeIf(tk, protocol.ActionGet); call != nil {
			return call, fmt.Errorf("get %s: %w", v.TorrentID, ErrTorrentNotFound)
		}
	case *protocol.Removed:
		delete(c.torrents, tk)
		return c.takeIf(tk, protocol.ActionRemove), nil
	case *protocol.Error:
		if call := c.takeLocked(tk); call != nil {
			return call, fmt.Errorf("%s: %s", call.action, v.Message)
		}
	}
	return nil, nil
}

// Destroy tears the client down. The teardown envelope is fire-and-forget;
// pending callbacks never fire and later envelopes are ignored.
func (c *Client) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.pending = nil
	c.torrents = nil
	c.mu.Unlock()

	close(c.stop)
	if err := c.post(&protocol.Destroy{}); err != nil {
		util.LogDebug("[%s] destroy not delivered: %v", c.key, err)
	}
}

func (c *Client) post(p protocol.Payload) error {
	data, err := protocol.Encode(protocol.New(c.key, p))
	if err != nil {
		return err
	}
	return c.send(data)
}

func (c *Client) heartbeatLoop(ticker *clock.Ticker) {
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if c.isDestroyed() {
				return
			}
			if err := c.post(&protocol.Heartbeat{}); err != nil {
				util.LogDebug("[%s] heartbeat not delivered: %v", c.key, err)
			}
		case <-c.stop:
			return
		}
	}
}

func (c *Client) isDestroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// takeLocked removes and returns the pending call for tk.
func (c *Client) takeLocked(tk string) *pendingCall {
	call, ok := c.pending[tk]
	if !ok {
		return nil
	}
	delete(c.pending, tk)
	return call
}

// takeIf removes the pending call for tk only if it is for action.
func (c *Client) takeIf(tk string, action protocol.Action) *pendingCall {
	if call, ok := c.pending[tk]; ok && call.action == action {
		delete(c.pending, tk)
		return call
	}
	return nil
}
