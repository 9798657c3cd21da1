package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/torrelay/internal/transport"
)

// receiver applies signaling messages from the peer to the link.
type receiver struct {
	link   *transport.DataChannelLink
	conn   *websocket.Conn
	sender *sender
}

// watch reads until the WebSocket fails or is closed. An offer is answered
// immediately; candidates that arrive before the remote description are
// held and applied once it is set.
func (r *receiver) watch() error {
	var early []webrtc.ICECandidateInit
	haveRemote := false

	for {
		var msg message
		if err := r.conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read signaling message: %w", err)
		}

		switch msg.Type {
		case msgTypeOffer:
			if err := r.link.SetRemoteDescription(webrtc.SessionDescription{
				Type: webrtc.SDPTypeOffer, SDP: msg.SDP,
			}); err != nil {
				return err
			}
			if err := r.sender.sendAnswer(); err != nil {
				return err
			}

		case msgTypeAnswer:
			if err := r.link.SetRemoteDescription(webrtc.SessionDescription{
				Type: webrtc.SDPTypeAnswer, SDP: msg.SDP,
			}); err != nil {
				return err
			}

		case msgTypeCandidate:
			var init webrtc.ICECandidateInit
			if err := json.Unmarshal([]byte(msg.Candidate), &init); err != nil {
				return fmt.Errorf("parse ICE candidate: %w", err)
			}
			if !haveRemote {
				early = append(early, init)
				continue
			}
			if err := r.link.AddICECandidate(init); err != nil {
				return err
			}
			continue

		default:
			return fmt.Errorf("unexpected signaling message %q", msg.Type)
		}

		haveRemote = true
		for _, c := range early {
			if err := r.link.AddICECandidate(c); err != nil {
				return err
			}
		}
		early = nil
	}
}
