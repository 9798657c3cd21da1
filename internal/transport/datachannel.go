package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/torrelay/internal/util"
)

// DataChannelLink wraps a single PeerConnection + DataChannel pair. It
// exposes the SDP/ICE calls needed for signaling, and behaves as a Link once
// the channel opens.
//
// Its lifecycle is governed by the DataChannel state and the context passed
// at construction time. The PeerConnection state is recorded but does not
// drive open/close decisions.
type DataChannelLink struct {
	id string
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	sender     *sender
	openSignal chan struct{}
	incoming   chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	pcState webrtc.PeerConnectionState
}

// NewDataChannelLink creates a link backed by a new PeerConnection and a
// pre-negotiated DataChannel. See newPeerConnection for iceServers.
func NewDataChannelLink(ctx context.Context, iceServers []webrtc.ICEServer) (*DataChannelLink, error) {
	pc, err := newPeerConnection(iceServers)
	if err != nil {
		return nil, err
	}

	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, err
	}

	lCtx, lCancel := context.WithCancel(ctx)

	l := &DataChannelLink{
		id:         "dc-" + uuid.NewString()[:8],
		pc:         pc,
		dc:         dc,
		openSignal: make(chan struct{}),
		incoming:   make(chan []byte, sendBufferSize),
		ctx:        lCtx,
		cancel:     lCancel,
		pcState:    webrtc.PeerConnectionStateNew,
	}

	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(l.openSignal) })
	})

	// Messages are queued from the first byte so nothing is lost before Run.
	// A full queue blocks pion's read loop, which pushes back on the peer.
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case l.incoming <- msg.Data:
		case <-lCtx.Done():
		}
	})

	dc.OnClose(func() {
		util.LogDebug("[%s] DataChannel closed", l.id)
		lCancel()
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("[%s] PeerConnection state: %s", l.id, state.String())
		l.mu.Lock()
		l.pcState = state
		l.mu.Unlock()

		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			lCancel()
		}
	})

	l.sender = newSender(lCtx, l.id, dc, l.openSignal)

	return l, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func (l *DataChannelLink) ID() string { return l.id }

// Ready returns a channel that is closed when the DataChannel is open.
func (l *DataChannelLink) Ready() <-chan struct{} {
	return l.openSignal
}

// Done returns a channel that is closed when the link is shut down.
func (l *DataChannelLink) Done() <-chan struct{} {
	return l.ctx.Done()
}

// Close shuts down the DataChannel and PeerConnection.
func (l *DataChannelLink) Close() error {
	l.cancel()
	return errors.Join(l.dc.Close(), l.pc.Close())
}

// ConnectionState returns the last observed PeerConnection state.
func (l *DataChannelLink) ConnectionState() webrtc.PeerConnectionState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.pcState
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

func (l *DataChannelLink) CreateOffer() (webrtc.SessionDescription, error) {
	return l.pc.CreateOffer(nil)
}

func (l *DataChannelLink) CreateAnswer() (webrtc.SessionDescription, error) {
	return l.pc.CreateAnswer(nil)
}

func (l *DataChannelLink) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return l.pc.SetLocalDescription(sdp)
}

func (l *DataChannelLink) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return l.pc.SetRemoteDescription(sdp)
}

// LocalDescription returns the applied local SDP, including every candidate
// gathered so far.
func (l *DataChannelLink) LocalDescription() *webrtc.SessionDescription {
	return l.pc.LocalDescription()
}

// GatheringComplete returns a channel closed once ICE gathering finishes.
// Call it before SetLocalDescription.
func (l *DataChannelLink) GatheringComplete() <-chan struct{} {
	return webrtc.GatheringCompletePromise(l.pc)
}

// OnICECandidate registers a callback invoked whenever a new local ICE
// candidate is gathered. A nil candidate signals the end of gathering.
func (l *DataChannelLink) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	l.pc.OnICECandidate(fn)
}

// AddICECandidate adds a remote ICE candidate received through signaling.
func (l *DataChannelLink) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return l.pc.AddICECandidate(candidate)
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// Deliver queues data; messages sent before the channel opens are held and
// flushed in order once it does.
func (l *DataChannelLink) Deliver(data []byte) error {
	return l.sender.enqueue(l.ctx, data)
}

// Run dispatches inbound messages to onMessage, in arrival order, until the
// link closes.
func (l *DataChannelLink) Run(onMessage func([]byte)) error {
	for {
		select {
		case data := <-l.incoming:
			onMessage(data)
		case <-l.ctx.Done():
			return nil
		}
	}
}
