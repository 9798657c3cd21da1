package transport

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/torrelay/internal/util"
)

const (
	highWaterMark = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark  = 64 * 1024  // resume sending when bufferedAmount drops below this
)

// sender is the single writer of a DataChannel. It holds messages until the
// channel opens, then drains them with backpressure.
type sender struct {
	id          string
	inbox       chan []byte
	drainSignal chan struct{}
}

// newSender wires the backpressure callbacks on dc and starts the loop. The
// loop exits when ctx is cancelled.
func newSender(ctx context.Context, id string, dc *webrtc.DataChannel, openSignal <-chan struct{}) *sender {
	s := &sender{
		id:          id,
		inbox:       make(chan []byte, sendBufferSize),
		drainSignal: make(chan struct{}, 1),
	}

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case s.drainSignal <- struct{}{}:
		default:
		}
	})

	go s.loop(ctx, dc, openSignal)

	return s
}

// loop waits for the DataChannel to open, then drains the inbox.
func (s *sender) loop(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}) {
	select {
	case <-openSignal:
	case <-ctx.Done():
		return
	}

	for {
		select {
		case data := <-s.inbox:
			if dc.BufferedAmount() > uint64(highWaterMark) {
				select {
				case <-s.drainSignal:
				case <-ctx.Done():
					return
				}
			}

			if err := dc.Send(data); err != nil {
				util.LogError("[%s] failed to send %d bytes: %v", s.id, len(data), err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// enqueue queues data, waiting while the inbox is full.
func (s *sender) enqueue(ctx context.Context, data []byte) error {
	return enqueue(ctx, s.inbox, data)
}
