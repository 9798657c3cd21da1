package transport

import (
	"github.com/pion/webrtc/v4"
)

// DefaultICEServers are used when the caller passes none. No TURN: links are
// expected between processes on the same machine or LAN.
var DefaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}},
}

// newPeerConnection creates a PeerConnection using iceServers. A nil slice
// selects DefaultICEServers; an empty, non-nil slice gathers host candidates
// only.
func newPeerConnection(iceServers []webrtc.ICEServer) (*webrtc.PeerConnection, error) {
	if iceServers == nil {
		iceServers = DefaultICEServers
	}
	return webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
}

// newDataChannel creates a pre-negotiated DataChannel (ID 0) so both sides
// can create it independently. Envelopes of one client key must arrive in
// order, so the channel is ordered and reliable.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	negotiated := true
	id := uint16(0)

	return pc.CreateDataChannel("relay", &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
}
