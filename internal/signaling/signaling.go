package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/torrelay/internal/transport"
	"github.com/1ureka/torrelay/internal/util"
)

// EstablishAsHost runs the hub side of the exchange on an accepted /signal
// connection: it sends the offer first and returns once the DataChannel is
// open. The caller owns conn and should close it afterwards.
func EstablishAsHost(ctx context.Context, conn *websocket.Conn, iceServers []webrtc.ICEServer) (*transport.DataChannelLink, error) {
	link, err := transport.NewDataChannelLink(ctx, iceServers)
	if err != nil {
		return nil, fmt.Errorf("failed to create link: %w", err)
	}

	s, errCh := exchange(link, conn)

	if err := s.sendOffer(); err != nil {
		link.Close()
		return nil, fmt.Errorf("failed to send offer: %w", err)
	}

	return await(ctx, link, errCh)
}

// EstablishAsClient dials a hub's /signal endpoint, answers its offer and
// returns the open DataChannel link. The signaling WebSocket is closed
// before returning.
func EstablishAsClient(ctx context.Context, signalURL string, iceServers []webrtc.ICEServer) (*transport.DataChannelLink, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, signalURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", signalURL, err)
	}
	defer conn.Close()
	util.LogDebug("signaling connected: %s", signalURL)

	link, err := transport.NewDataChannelLink(ctx, iceServers)
	if err != nil {
		return nil, fmt.Errorf("failed to create link: %w", err)
	}

	_, errCh := exchange(link, conn)
	return await(ctx, link, errCh)
}

// exchange wires candidate forwarding and starts the receiver loop. The loop
// exits when conn is closed.
func exchange(link *transport.DataChannelLink, conn *websocket.Conn) (*sender, <-chan error) {
	s := &sender{link: link, conn: conn}
	r := &receiver{link: link, conn: conn, sender: s}

	link.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, _ := json.Marshal(c.ToJSON())
		// Best effort: a lost candidate only narrows the set of pairs tried.
		_ = s.sendCandidate(string(data))
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- r.watch()
	}()
	return s, errCh
}

// closeGrace bounds how long a link may still come up after the signaling
// socket went away. The peer closes its side as soon as its own channel is
// open, which can be just before ours.
const closeGrace = 5 * time.Second

func await(ctx context.Context, link *transport.DataChannelLink, errCh <-chan error) (*transport.DataChannelLink, error) {
	var (
		sigErr error
		grace  <-chan time.Time
	)

	for {
		select {
		case <-link.Ready():
			util.LogDebug("datachannel %s established", link.ID())
			return link, nil

		case err := <-errCh:
			sigErr, errCh = err, nil
			grace = time.After(closeGrace)

		case <-grace:
			link.Close()
			return nil, fmt.Errorf("signaling failed: %w", sigErr)

		case <-link.Done():
			return nil, fmt.Errorf("signaling failed: %w", transport.ErrLinkClosed)

		case <-ctx.Done():
			link.Close()
			return nil, ctx.Err()
		}
	}
}
