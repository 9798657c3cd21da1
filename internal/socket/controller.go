// Package socket keeps a message socket to the local native application
// alive. The Controller walks a fixed list of candidate ports, backs off
// between full-list failures, performs the init handshake, and buffers
// payloads until the connection is usable.
package socket

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/1ureka/torrelay/internal/config"
	"github.com/1ureka/torrelay/internal/util"
)

var (
	// ErrNotConnected is returned by Send when the controller is closed and
	// the caller did not force buffering.
	ErrNotConnected = errors.New("socket: not connected")

	// ErrStopped is returned once Stop has been called.
	ErrStopped = errors.New("socket: controller stopped")
)

// Transport is the per-platform socket primitive. Open starts a connection
// attempt and reports its outcome through Events; it returns an error only
// when the attempt cannot even be started.
type Transport interface {
	Open(port int) error
	Send(payload string) error
	Close() error
}

// Events receives transport notifications. Controller implements it.
type Events interface {
	OnOpen(port int)
	OnMessage(port int, data string)
	OnError(port int, err error)
	OnClose(port int, reason string)
}

// Hooks are invoked in order on a dedicated goroutine, never on the
// controller's loop, so they may call back into the controller.
type Hooks struct {
	// OnSocketWorking fires when the peer reports websocket compatibility.
	OnSocketWorking func()
	// OnSocketClosed fires when an established connection goes away.
	OnSocketClosed func()
	// OnHandshakeTimeout fires when no init message arrived in time.
	OnHandshakeTimeout func()
	// OnOrder receives every inbound tab order.
	OnOrder func(Order)
}

// Option configures a Controller.
type Option func(*Controller)

func WithClock(cl clock.Clock) Option {
	return func(c *Controller) { c.clock = cl }
}

func WithHooks(h Hooks) Option {
	return func(c *Controller) { c.hooks = h }
}

// WithObfuscator overrides the obfuscator derived from the passphrase.
func WithObfuscator(o Obfuscator) Option {
	return func(c *Controller) { c.obfuscator = o }
}

// Controller owns one logical socket. All state lives on a single loop
// goroutine; transport events and timers are posted to it.
type Controller struct {
	cfg        config.SocketConfig
	transport  Transport
	clock      clock.Clock
	hooks      Hooks
	obfuscator Obfuscator

	loop     *mailbox
	notifier *mailbox
	final    Status

	// Loop-owned state below.
	started     bool
	stopped     bool
	state       State
	currentPort int
	tryingPort  int
	interval    time.Duration
	stable      int
	connectedAt time.Time
	gotInit     bool
	obfuscate   bool
	buffer      []string
	dropped     uint64

	pingTimer  *clock.Timer
	initTimer  *clock.Timer
	retryTimer *clock.Timer
	pingSeq    uint64
	initSeq    uint64
	retrySeq   uint64
}

// New creates a controller. newTransport receives the controller as the
// transport's event sink.
func New(cfg config.SocketConfig, newTransport func(Events) Transport, opts ...Option) (*Controller, error) {
	if len(cfg.Ports) == 0 {
		return nil, errors.New("socket: no candidate ports")
	}
	if cfg.BaseInterval <= 0 || cfg.MaxInterval < cfg.BaseInterval {
		return nil, fmt.Errorf("socket: invalid backoff %s..%s", cfg.BaseInterval, cfg.MaxInterval)
	}
	if cfg.MaxBuffered < 1 {
		cfg.MaxBuffered = 1
	}

	c := &Controller{
		cfg:      cfg,
		clock:    clock.New(),
		interval: cfg.BaseInterval,
	}
	for _, o := range opts {
		o(c)
	}
	if c.obfuscator == nil && cfg.Passphrase != "" {
		o, err := NewPassphraseObfuscator(cfg.Passphrase)
		if err != nil {
			return nil, err
		}
		c.obfuscator = o
	}

	c.transport = newTransport(c)
	c.loop = newMailbox()
	c.notifier = newMailbox()
	return c, nil
}

// ---------------------------------------------------------------------------
// Public API
// ---------------------------------------------------------------------------

// Init starts the first connection cycle. Later calls do nothing.
func (c *Controller) Init() {
	c.loop.post(func() {
		if c.stopped || c.started {
			return
		}
		c.started = true
		c.tryFirstPort()
	})
}

// Retry restarts the cycle at the first port. It does nothing while a
// connection is open.
func (c *Controller) Retry() {
	c.loop.post(c.retry)
}

// Send transmits payload when the connection is open and the handshake is
// done. Otherwise it is buffered if forceBuffer is set or a connection is in
// progress, and rejected with ErrNotConnected when closed.
func (c *Controller) Send(payload string, forceBuffer bool) error {
	var err error
	if !c.call(func() { err = c.send(payload, forceBuffer) }) {
		return ErrStopped
	}
	return err
}

// ClearBuffer discards every buffered payload.
func (c *Controller) ClearBuffer() {
	c.call(func() { c.buffer = nil })
}

// Status returns a snapshot of the controller.
func (c *Controller) Status() Status {
	var st Status
	if !c.call(func() { st = c.snapshot() }) {
		return c.final
	}
	return st
}

// Stop cancels every timer and closes the transport. It waits for the loop
// to finish.
func (c *Controller) Stop() error {
	var err error
	c.call(func() {
		if c.stopped {
			return
		}
		c.stopped = true
		c.cancelPing()
		c.cancelInit()
		c.cancelRetry()
		c.state = StateClosed
		c.currentPort, c.tryingPort = 0, 0
		c.gotInit, c.obfuscate = false, false
		err = c.transport.Close()
		c.final = c.snapshot()
		c.loop.close()
	})
	<-c.loop.done
	c.notifier.close()
	return err
}

// OnOpen implements Events.
func (c *Controller) OnOpen(port int) {
	c.loop.post(func() { c.handleOpen(port) })
}

// OnMessage implements Events.
func (c *Controller) OnMessage(port int, data string) {
	c.loop.post(func() { c.handleMessage(port, data) })
}

// OnError implements Events.
func (c *Controller) OnError(port int, err error) {
	c.loop.post(func() {
		util.LogDebug("socket error on port %d: %v", port, err)
		c.handleDead(port)
	})
}

// OnClose implements Events.
func (c *Controller) OnClose(port int, reason string) {
	c.loop.post(func() {
		util.LogDebug("socket on port %d closed: %s", port, reason)
		c.handleDead(port)
	})
}

// call runs fn on the loop and waits for it. It reports false if the loop
// is gone.
func (c *Controller) call(fn func()) bool {
	reply := make(chan struct{})
	if !c.loop.post(func() { fn(); close(reply) }) {
		return false
	}
	select {
	case <-reply:
		return true
	case <-c.loop.done:
		select {
		case <-reply:
			return true
		default:
			return false
		}
	}
}

func (c *Controller) notify(fn func()) {
	if fn != nil {
		c.notifier.post(fn)
	}
}

// ---------------------------------------------------------------------------
// Loop handlers
// ---------------------------------------------------------------------------

func (c *Controller) snapshot() Status {
	port := c.currentPort
	if port == 0 {
		port = c.tryingPort
	}
	return Status{
		State:         c.state,
		Port:          port,
		Interval:      c.interval,
		StableRetries: c.stable,
		Handshaken:    c.gotInit,
		Obfuscating:   c.obfuscate,
		Buffered:      len(c.buffer),
		Dropped:       c.dropped,
		Stopped:       c.stopped,
	}
}

func (c *Controller) retry() {
	if c.stopped {
		return
	}
	if c.state == StateOpen {
		util.LogDebug("socket retry ignored: already open on port %d", c.currentPort)
		return
	}
	c.started = true
	c.cancelRetry()
	c.tryFirstPort()
}

func (c *Controller) tryFirstPort() {
	c.open(c.cfg.Ports[0])
}

func (c *Controller) open(port int) {
	c.state = StateConnecting
	c.tryingPort = port
	util.LogDebug("socket connecting to port %d", port)

	if err := c.transport.Open(port); err != nil {
		c.loop.post(func() {
			util.LogDebug("socket open on port %d failed: %v", port, err)
			c.handleDead(port)
		})
	}
}

func (c *Controller) handleOpen(port int) {
	if c.stopped || port != c.tryingPort {
		util.LogDebug("socket open on stale port %d ignored", port)
		return
	}

	util.LogInfo("socket connected on port %d", port)
	c.state = StateOpen
	c.currentPort = port
	c.tryingPort = 0
	c.connectedAt = c.clock.Now()

	if c.cfg.Hello != "" {
		if err := c.transport.Send(c.cfg.Hello); err != nil {
			util.LogWarning("socket hello failed: %v", err)
		}
	}
	c.armPing()
	c.armInit()
}

func (c *Controller) handleMessage(port int, data string) {
	if c.stopped || port != c.currentPort {
		return
	}

	if c.obfuscate {
		plain, err := c.obfuscator.Deobfuscate(data)
		if err != nil {
			util.LogWarning("socket payload dropped: %v", err)
			return
		}
		data = plain
	}

	var msg inbound
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		util.LogWarning("socket payload dropped: %v", err)
		return
	}

	if msg.Init != nil {
		c.handleInit(msg.Init)
		return
	}
	if !c.gotInit {
		util.LogWarning("socket order received before init message")
	}
	if msg.TabID == "" {
		util.LogWarning("socket order without tab id dropped")
		return
	}

	if h := c.hooks.OnOrder; h != nil {
		order := msg.Order
		c.notify(func() { h(order) })
	}
}

func (c *Controller) handleInit(m *initMessage) {
	c.cancelInit()

	if m.compatible() {
		c.notify(c.hooks.OnSocketWorking)
	}

	if m.Capabilities > 0 {
		if c.obfuscator == nil {
			util.LogWarning("socket peer offers capabilities %d but no passphrase is configured", m.Capabilities)
		} else {
			if err := c.transport.Send(c.cfg.InitReply); err != nil {
				util.LogWarning("socket init reply failed: %v", err)
			}
			c.obfuscate = true
		}
	}

	c.gotInit = true
	util.LogDebug("socket handshake complete (obfuscation=%v)", c.obfuscate)
	c.flush()
}

// handleDead reacts to a closed or failed connection on port. Events for
// ports that are neither current nor being tried are stale and ignored.
func (c *Controller) handleDead(port int) {
	if c.stopped || port == 0 || (port != c.currentPort && port != c.tryingPort) {
		return
	}

	if port == c.currentPort {
		util.LogInfo("socket on port %d lost", port)
		c.notify(c.hooks.OnSocketClosed)
	}

	c.currentPort = 0
	c.gotInit = false
	c.obfuscate = false
	c.cancelPing()
	c.cancelInit()

	// connectedAt survives refused reopens so a restarting peer gets the
	// whole retry budget on the same port.
	if !c.connectedAt.IsZero() && c.clock.Since(c.connectedAt) >= c.cfg.StableWindow {
		c.interval = c.cfg.BaseInterval
		if c.stable < c.cfg.StableRetries {
			c.stable++
			util.LogDebug("socket was stable, reopening port %d (%d/%d)", port, c.stable, c.cfg.StableRetries)
			c.open(port)
			return
		}
	}
	c.connectedAt = time.Time{}
	c.stable = 0

	next := c.indexOf(port) + 1
	if next > 0 && next < len(c.cfg.Ports) {
		c.open(c.cfg.Ports[next])
		return
	}

	c.state = StateClosed
	c.tryingPort = 0
	c.interval = min(c.interval*2, c.cfg.MaxInterval)
	util.LogDebug("socket ports exhausted, retrying in %s", c.interval)
	c.scheduleRetry(c.interval)
}

func (c *Controller) send(payload string, forceBuffer bool) error {
	if c.stopped {
		return ErrStopped
	}

	if c.state == StateOpen && c.gotInit {
		return c.transmit(payload)
	}

	if !forceBuffer && c.state == StateClosed {
		return ErrNotConnected
	}

	c.push(payload)
	return nil
}

func (c *Controller) push(payload string) {
	if len(c.buffer) >= c.cfg.MaxBuffered {
		c.buffer[0] = ""
		c.buffer = c.buffer[1:]
		c.dropped++
		util.LogWarning("socket buffer full, dropped oldest payload")
	}
	c.buffer = append(c.buffer, payload)
}

// flush sends buffered payloads in enqueue order. A failed send keeps it
// and everything after it buffered.
func (c *Controller) flush() {
	for len(c.buffer) > 0 {
		if err := c.transmit(c.buffer[0]); err != nil {
			util.LogWarning("socket flush stopped: %v", err)
			return
		}
		c.buffer[0] = ""
		c.buffer = c.buffer[1:]
	}
	c.buffer = nil
}

func (c *Controller) transmit(payload string) error {
	if c.obfuscate {
		wire, err := c.obfuscator.Obfuscate(payload)
		if err != nil {
			return fmt.Errorf("obfuscate: %w", err)
		}
		payload = wire
	}
	if err := c.transport.Send(payload); err != nil {
		return fmt.Errorf("send on port %d: %w", c.currentPort, err)
	}
	return nil
}

func (c *Controller) indexOf(port int) int {
	for i, p := range c.cfg.Ports {
		if p == port {
			return i
		}
	}
	return -1
}

// ---------------------------------------------------------------------------
// Timers
// ---------------------------------------------------------------------------

// Timer callbacks only post to the loop. Each carries the sequence number it
// was armed with so a callback that raced a cancel is ignored.

func (c *Controller) armPing() {
	c.cancelPing()
	seq := c.pingSeq
	c.pingTimer = c.clock.AfterFunc(c.cfg.PingInterval, func() {
		c.loop.post(func() {
			if seq != c.pingSeq || c.currentPort == 0 {
				return
			}
			if err := c.transport.Send(c.cfg.PingPayload); err != nil {
				util.LogDebug("socket ping failed: %v", err)
			}
			c.armPing()
		})
	})
}

func (c *Controller) cancelPing() {
	c.pingSeq++
	if c.pingTimer != nil {
		c.pingTimer.Stop()
		c.pingTimer = nil
	}
}

func (c *Controller) armInit() {
	c.cancelInit()
	seq := c.initSeq
	c.initTimer = c.clock.AfterFunc(c.cfg.InitTimeout, func() {
		c.loop.post(func() {
			if seq != c.initSeq || c.gotInit {
				return
			}
			c.initTimer = nil
			util.LogWarning("socket on port %d sent no init message within %s", c.currentPort, c.cfg.InitTimeout)
			c.notify(c.hooks.OnHandshakeTimeout)
		})
	})
}

func (c *Controller) cancelInit() {
	c.initSeq++
	if c.initTimer != nil {
		c.initTimer.Stop()
		c.initTimer = nil
	}
}

func (c *Controller) scheduleRetry(d time.Duration) {
	c.cancelRetry()
	seq := c.retrySeq
	c.retryTimer = c.clock.AfterFunc(d, func() {
		c.loop.post(func() {
			if seq != c.retrySeq {
				return
			}
			c.retryTimer = nil
			c.retry()
		})
	})
}

func (c *Controller) cancelRetry() {
	c.retrySeq++
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}
