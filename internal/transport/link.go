// Package transport carries encoded envelopes between a view and the hub.
//
// A Link is one ordered, message-framed pipe. Two implementations exist: a
// WebSocket link for the plain /relay endpoint and a WebRTC DataChannel link
// negotiated through /signal. Both satisfy registry.Endpoint, so the relay
// server can route replies straight back onto the link a request came from.
package transport

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrLinkClosed is returned by Deliver after the link shut down.
	ErrLinkClosed = errors.New("transport: link closed")

	// ErrQueueFull is returned by Deliver when the queue stayed full for
	// deliverTimeout.
	ErrQueueFull = errors.New("transport: send queue full")
)

// sendBufferSize is the per-link outbound queue capacity.
const sendBufferSize = 256

// deliverTimeout bounds how long Deliver waits for room in a full queue.
var deliverTimeout = 30 * time.Second

// Link is a message pipe to one peer.
type Link interface {
	// ID identifies the link in logs.
	ID() string

	// Deliver queues one message for the peer. It blocks while the queue is
	// full, up to deliverTimeout.
	Deliver(data []byte) error

	// Run calls onMessage for every inbound message, in arrival order, until
	// the link closes.
	Run(onMessage func(data []byte)) error

	// Done is closed when the link is shut down.
	Done() <-chan struct{}

	Close() error
}

// enqueue waits for room in inbox. It only gives up when ctx ends or the
// queue stays full for deliverTimeout.
func enqueue(ctx context.Context, inbox chan<- []byte, data []byte) error {
	select {
	case <-ctx.Done():
		return ErrLinkClosed
	default:
	}

	select {
	case inbox <- data:
		return nil
	default:
	}

	timer := time.NewTimer(deliverTimeout)
	defer timer.Stop()

	select {
	case inbox <- data:
		return nil
	case <-ctx.Done():
		return ErrLinkClosed
	case <-timer.C:
		return ErrQueueFull
	}
}
