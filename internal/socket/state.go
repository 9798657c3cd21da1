package socket

import "time"

// State is the connection state of a Controller.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Status is a snapshot of the controller.
type Status struct {
	State State
	Port  int // port being tried or connected, 0 when closed

	// Interval is the backoff of the latest full-list failure: base after a
	// reset, min(base*2^n, max) after n consecutive failed cycles.
	Interval      time.Duration
	StableRetries int

	Handshaken  bool
	Obfuscating bool
	Buffered    int
	Dropped     uint64 // payloads evicted from a full buffer
	Stopped     bool
}
