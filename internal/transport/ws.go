package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/torrelay/internal/util"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
)

// WSLink is a Link over one WebSocket connection. All writes go through a
// single writer goroutine.
type WSLink struct {
	id   string
	conn *websocket.Conn

	inbox chan []byte

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewWSLink takes ownership of conn and starts its writer.
func NewWSLink(conn *websocket.Conn) *WSLink {
	ctx, cancel := context.WithCancel(context.Background())
	l := &WSLink{
		id:     "ws-" + util.LinkID(conn.LocalAddr(), conn.RemoteAddr()),
		conn:   conn,
		inbox:  make(chan []byte, sendBufferSize),
		ctx:    ctx,
		cancel: cancel,
	}
	go l.writeLoop()
	return l
}

// DialWS connects to a /relay endpoint.
func DialWS(ctx context.Context, url string) (*WSLink, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	return NewWSLink(conn), nil
}

func (l *WSLink) ID() string            { return l.id }
func (l *WSLink) Done() <-chan struct{} { return l.ctx.Done() }

// Deliver queues data for the writer goroutine, waiting while the queue is
// full.
func (l *WSLink) Deliver(data []byte) error {
	return enqueue(l.ctx, l.inbox, data)
}

// Run reads messages until the connection fails or Close is called. A
// normal closure returns nil.
func (l *WSLink) Run(onMessage func([]byte)) error {
	defer l.Close()
	l.conn.SetReadLimit(maxMessageSize)

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			select {
			case <-l.ctx.Done():
				return nil
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("[%s] read: %w", l.id, err)
		}
		onMessage(data)
	}
}

// Close sends a close frame and releases the connection.
func (l *WSLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.cancel()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		werr := l.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		if errors.Is(werr, websocket.ErrCloseSent) {
			werr = nil
		}
		err = errors.Join(werr, l.conn.Close())
	})
	return err
}

func (l *WSLink) writeLoop() {
	for {
		select {
		case data := <-l.inbox:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				util.LogDebug("[%s] write failed: %v", l.id, err)
				l.Close()
				return
			}
		case <-l.ctx.Done():
			return
		}
	}
}
