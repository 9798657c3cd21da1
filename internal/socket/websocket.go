package socket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	dialTimeout = 5 * time.Second
	writeWait   = 10 * time.Second
)

// WebSocketTransport dials ws://host:port for each attempt. Only one
// connection is live at a time; opening a new one abandons the previous.
type WebSocketTransport struct {
	host   string
	events Events
	dialer *websocket.Dialer

	mu     sync.Mutex
	gen    uint64
	conn   *websocket.Conn
	cancel context.CancelFunc
}

// NewWebSocketTransport returns a transport reporting to events.
func NewWebSocketTransport(host string, events Events) *WebSocketTransport {
	return &WebSocketTransport{
		host:   host,
		events: events,
		dialer: &websocket.Dialer{HandshakeTimeout: dialTimeout},
	}
}

// URL returns the address dialled for port.
func (t *WebSocketTransport) URL(port int) string {
	return "ws://" + net.JoinHostPort(t.host, strconv.Itoa(port))
}

// Open starts dialing port in the background.
func (t *WebSocketTransport) Open(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port %d", port)
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)

	t.mu.Lock()
	t.dropLocked()
	t.gen++
	gen := t.gen
	t.cancel = cancel
	t.mu.Unlock()

	go t.dial(ctx, cancel, port, gen)
	return nil
}

func (t *WebSocketTransport) dial(ctx context.Context, cancel context.CancelFunc, port int, gen uint64) {
	defer cancel()

	conn, _, err := t.dialer.DialContext(ctx, t.URL(port), nil)
	if err != nil {
		if t.current(gen) {
			t.events.OnError(port, err)
		}
		return
	}

	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.conn = conn
	t.mu.Unlock()

	t.events.OnOpen(port)
	t.read(conn, port, gen)
}

// current reports whether gen is still the live attempt. Events from
// abandoned attempts are not reported.
func (t *WebSocketTransport) current(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return gen == t.gen
}

func (t *WebSocketTransport) read(conn *websocket.Conn, port int, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if !t.current(gen) {
			return
		}
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				t.events.OnClose(port, fmt.Sprintf("%d %s", ce.Code, ce.Text))
			} else {
				t.events.OnError(port, err)
			}
			return
		}
		t.events.OnMessage(port, string(data))
	}
}

// Send writes one text frame on the live connection.
func (t *WebSocketTransport) Send(payload string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return ErrNotConnected
	}
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, []byte(payload))
}

// Close abandons any pending dial and closes the live connection.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	return t.dropLocked()
}

func (t *WebSocketTransport) dropLocked() error {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if t.conn == nil {
		return nil
	}
	conn := t.conn
	t.conn = nil

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	werr := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	if errors.Is(werr, websocket.ErrCloseSent) {
		werr = nil
	}
	return errors.Join(werr, conn.Close())
}
