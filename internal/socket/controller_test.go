package socket

import (
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/torrelay/internal/config"
)

// fakeTransport records what the controller asks of it. Events are driven
// by the test through the controller's Events methods.
type fakeTransport struct {
	mu      sync.Mutex
	opens   []int
	sent    []string
	closes  int
	openErr error
}

func (f *fakeTransport) Open(port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens = append(f.opens, port)
	return f.openErr
}

func (f *fakeTransport) Send(payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeTransport) Opens() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.opens)
}

func (f *fakeTransport) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.sent)
}

func (f *fakeTransport) count(payload string) int {
	n := 0
	for _, s := range f.Sent() {
		if s == payload {
			n++
		}
	}
	return n
}

const (
	hello          = "hello"
	plainInit      = `{"init":{"websocketCompatible":"1","capabilities":0}}`
	capableInit    = `{"init":{"websocketCompatible":"1","capabilities":2}}`
	testPassword   = "correct horse"
	eventuallyFor  = 2 * time.Second
	eventuallyTick = 2 * time.Millisecond
)

var errRefused = errors.New("connection refused")

type harness struct {
	ctrl  *Controller
	tr    *fakeTransport
	clock *clock.Mock
	cfg   config.SocketConfig
}

func newHarness(t *testing.T, mutate func(*config.SocketConfig), opts ...Option) *harness {
	t.Helper()

	cfg := config.Default().Socket
	cfg.Hello = hello
	if mutate != nil {
		mutate(&cfg)
	}

	h := &harness{tr: &fakeTransport{}, clock: clock.NewMock(), cfg: cfg}
	opts = append([]Option{WithClock(h.clock)}, opts...)

	ctrl, err := New(cfg, func(Events) Transport { return h.tr }, opts...)
	require.NoError(t, err)
	h.ctrl = ctrl
	t.Cleanup(func() { ctrl.Stop() })
	return h
}

// sync waits until every event posted so far has been handled.
func (h *harness) sync() Status { return h.ctrl.Status() }

// failCycle fails every port of the current cycle in order.
func (h *harness) failCycle(t *testing.T) {
	t.Helper()
	for _, p := range h.cfg.Ports {
		require.Equal(t, p, h.sync().Port)
		h.ctrl.OnError(p, errRefused)
	}
	require.Equal(t, StateClosed, h.sync().State)
}

// connect opens ports[0] and completes the handshake with init.
func (h *harness) connect(t *testing.T, init string) {
	t.Helper()
	h.ctrl.Init()
	h.ctrl.OnOpen(h.cfg.Ports[0])
	h.ctrl.OnMessage(h.cfg.Ports[0], init)
	st := h.sync()
	require.Equal(t, StateOpen, st.State)
	require.True(t, st.Handshaken)
}

func TestInitOpensFirstPortOnce(t *testing.T) {
	h := newHarness(t, nil)

	h.ctrl.Init()
	h.ctrl.Init()
	st := h.sync()

	assert.Equal(t, StateConnecting, st.State)
	assert.Equal(t, h.cfg.Ports[0], st.Port)
	assert.Equal(t, []int{h.cfg.Ports[0]}, h.tr.Opens())
}

func TestFailoverTriesNextPort(t *testing.T) {
	h := newHarness(t, nil)

	h.ctrl.Init()
	h.ctrl.OnError(h.cfg.Ports[0], errRefused)
	st := h.sync()

	assert.Equal(t, []int{h.cfg.Ports[0], h.cfg.Ports[1]}, h.tr.Opens())
	assert.Equal(t, StateConnecting, st.State)
	assert.Equal(t, h.cfg.Ports[1], st.Port)
}

func TestSynchronousOpenFailureFailsOver(t *testing.T) {
	h := newHarness(t, nil)
	h.tr.openErr = errRefused

	h.ctrl.Init()

	require.Eventually(t, func() bool {
		return h.sync().State == StateClosed
	}, eventuallyFor, eventuallyTick)
	assert.Equal(t, h.cfg.Ports, h.tr.Opens())
}

func TestBackoffDoublesUpToCap(t *testing.T) {
	h := newHarness(t, nil)
	base, limit := h.cfg.BaseInterval, h.cfg.MaxInterval

	h.ctrl.Init()
	for n := 1; n <= 5; n++ {
		h.failCycle(t)

		want := min(base<<n, limit)
		assert.Equal(t, want, h.sync().Interval, "after %d failed cycles", n)

		opens := len(h.tr.Opens())
		h.clock.Add(want - time.Millisecond)
		assert.Len(t, h.tr.Opens(), opens, "retried before the backoff elapsed")

		h.clock.Add(time.Millisecond)
		require.Eventually(t, func() bool {
			return len(h.tr.Opens()) == opens+1
		}, eventuallyFor, eventuallyTick)
		assert.Equal(t, h.cfg.Ports[0], h.tr.Opens()[opens])
	}
}

// stableDrop opens p0, keeps it up for the stability window and drops it.
func (h *harness) stableDrop(t *testing.T) {
	t.Helper()
	p0 := h.cfg.Ports[0]
	h.ctrl.OnOpen(p0)
	require.Equal(t, StateOpen, h.sync().State)
	h.clock.Add(h.cfg.StableWindow + time.Second)
	h.ctrl.OnClose(p0, "1006 abnormal closure")
}

func TestStableConnectionResetsBackoff(t *testing.T) {
	h := newHarness(t, func(c *config.SocketConfig) { c.StableRetries = 1 })
	p0 := h.cfg.Ports[0]

	h.ctrl.Init()
	for i := 0; i < 3; i++ {
		h.failCycle(t)
		h.ctrl.Retry()
	}
	require.Equal(t, h.cfg.MaxInterval, h.sync().Interval)

	h.stableDrop(t)

	st := h.sync()
	assert.Equal(t, StateConnecting, st.State)
	assert.Equal(t, p0, st.Port, "a stable port is reopened first")
	assert.Equal(t, 1, st.StableRetries)
	assert.Equal(t, h.cfg.BaseInterval, st.Interval)

	// Budget of one: the refused reopen resumes failover from the next port.
	h.ctrl.OnError(p0, errRefused)
	for _, p := range h.cfg.Ports[1:] {
		require.Equal(t, p, h.sync().Port)
		h.ctrl.OnError(p, errRefused)
	}
	st = h.sync()
	require.Equal(t, StateClosed, st.State)
	assert.Equal(t, 0, st.StableRetries)
	assert.Equal(t, 2*h.cfg.BaseInterval, st.Interval)

	opens := len(h.tr.Opens())
	h.clock.Add(2*h.cfg.BaseInterval - time.Millisecond)
	assert.Len(t, h.tr.Opens(), opens)
	h.clock.Add(time.Millisecond)
	require.Eventually(t, func() bool {
		return len(h.tr.Opens()) == opens+1
	}, eventuallyFor, eventuallyTick)
}

func TestRefusedReopenRetriesStablePort(t *testing.T) {
	h := newHarness(t, nil)
	p0, p1 := h.cfg.Ports[0], h.cfg.Ports[1]

	h.ctrl.Init()
	h.stableDrop(t)
	require.Equal(t, p0, h.sync().Port)

	for i := 1; i < h.cfg.StableRetries; i++ {
		h.ctrl.OnError(p0, errRefused)
		st := h.sync()
		require.Equal(t, p0, st.Port, "refused reopen %d", i)
		require.Equal(t, i+1, st.StableRetries)
	}

	h.ctrl.OnError(p0, errRefused)
	st := h.sync()
	assert.Equal(t, p1, st.Port, "budget spent, failover resumes")
	assert.Equal(t, 0, st.StableRetries)

	want := []int{p0}
	for i := 0; i < h.cfg.StableRetries; i++ {
		want = append(want, p0)
	}
	want = append(want, p1)
	assert.Equal(t, want, h.tr.Opens())
}

func TestShortLivedReopenEndsStableRetries(t *testing.T) {
	h := newHarness(t, nil)
	p0, p1 := h.cfg.Ports[0], h.cfg.Ports[1]

	h.ctrl.Init()
	h.stableDrop(t)
	require.Equal(t, 1, h.sync().StableRetries)

	h.ctrl.OnOpen(p0)
	h.sync()
	h.clock.Add(time.Second)
	h.ctrl.OnClose(p0, "gone")

	st := h.sync()
	assert.Equal(t, p1, st.Port)
	assert.Equal(t, 0, st.StableRetries)
}

func TestStableRetryBudget(t *testing.T) {
	h := newHarness(t, nil)
	p0, p1 := h.cfg.Ports[0], h.cfg.Ports[1]

	h.ctrl.Init()
	for i := 0; i < h.cfg.StableRetries; i++ {
		h.ctrl.OnOpen(p0)
		h.sync()
		h.clock.Add(h.cfg.StableWindow)
		h.ctrl.OnClose(p0, "gone")
		require.Equal(t, p0, h.sync().Port)
	}

	h.ctrl.OnOpen(p0)
	h.sync()
	h.clock.Add(h.cfg.StableWindow)
	h.ctrl.OnClose(p0, "gone")

	st := h.sync()
	assert.Equal(t, p1, st.Port, "budget spent, failover resumes")
	assert.Equal(t, 0, st.StableRetries)
}

func TestOpenSendsHello(t *testing.T) {
	h := newHarness(t, nil)

	h.ctrl.Init()
	h.ctrl.OnOpen(h.cfg.Ports[0])
	st := h.sync()

	assert.Equal(t, StateOpen, st.State)
	assert.False(t, st.Handshaken)
	assert.Equal(t, []string{hello}, h.tr.Sent())
}

func TestQueuedSendsFlushInOrderExactlyOnce(t *testing.T) {
	h := newHarness(t, nil)
	p0 := h.cfg.Ports[0]

	h.ctrl.Init()
	require.NoError(t, h.ctrl.Send("m1", false))
	require.NoError(t, h.ctrl.Send("m2", false))

	h.ctrl.OnOpen(p0)
	h.sync()
	require.NoError(t, h.ctrl.Send("m3", false))
	assert.Equal(t, []string{hello}, h.tr.Sent(), "nothing goes out before the init message")
	assert.Equal(t, 3, h.sync().Buffered)

	h.ctrl.OnMessage(p0, plainInit)
	st := h.sync()
	assert.True(t, st.Handshaken)
	assert.Zero(t, st.Buffered)
	assert.Equal(t, []string{hello, "m1", "m2", "m3"}, h.tr.Sent())

	require.NoError(t, h.ctrl.Send("m4", false))
	assert.Equal(t, []string{hello, "m1", "m2", "m3", "m4"}, h.tr.Sent())

	// A second init does not replay anything.
	h.ctrl.OnMessage(p0, plainInit)
	h.sync()
	for _, m := range []string{"m1", "m2", "m3", "m4"} {
		assert.Equal(t, 1, h.tr.count(m), m)
	}
}

func TestSendWhileClosed(t *testing.T) {
	h := newHarness(t, nil)

	assert.ErrorIs(t, h.ctrl.Send("dropped", false), ErrNotConnected)
	require.NoError(t, h.ctrl.Send("kept", true))
	assert.Equal(t, 1, h.sync().Buffered)

	h.connect(t, plainInit)
	assert.Equal(t, []string{hello, "kept"}, h.tr.Sent())
}

func TestBufferDropsOldest(t *testing.T) {
	h := newHarness(t, func(c *config.SocketConfig) { c.MaxBuffered = 2 })

	h.ctrl.Init()
	for _, m := range []string{"a", "b", "c"} {
		require.NoError(t, h.ctrl.Send(m, false))
	}
	st := h.sync()
	assert.Equal(t, 2, st.Buffered)
	assert.EqualValues(t, 1, st.Dropped)

	h.ctrl.OnOpen(h.cfg.Ports[0])
	h.ctrl.OnMessage(h.cfg.Ports[0], plainInit)
	h.sync()
	assert.Equal(t, []string{hello, "b", "c"}, h.tr.Sent())
}

func TestClearBuffer(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.ctrl.Send("x", true))
	h.ctrl.ClearBuffer()
	assert.Zero(t, h.sync().Buffered)
}

func TestObfuscatedHandshake(t *testing.T) {
	orders := make(chan Order, 1)
	h := newHarness(t, func(c *config.SocketConfig) { c.Passphrase = testPassword },
		WithHooks(Hooks{OnOrder: func(o Order) { orders <- o }}))
	p0 := h.cfg.Ports[0]

	peer, err := NewPassphraseObfuscator(testPassword)
	require.NoError(t, err)

	h.ctrl.Init()
	require.NoError(t, h.ctrl.Send(`{"tabId":1}`, false))
	h.ctrl.OnOpen(p0)
	h.ctrl.OnMessage(p0, capableInit)

	st := h.sync()
	require.True(t, st.Obfuscating)

	sent := h.tr.Sent()
	require.Len(t, sent, 3)
	assert.Equal(t, hello, sent[0])
	assert.Equal(t, h.cfg.InitReply, sent[1], "the init reply goes out in clear")

	plain, err := peer.Deobfuscate(sent[2])
	require.NoError(t, err)
	assert.Equal(t, `{"tabId":1}`, plain)

	wire, err := peer.Obfuscate(`{"tabId":7,"message":{"a":1}}`)
	require.NoError(t, err)
	h.ctrl.OnMessage(p0, wire)

	select {
	case o := <-orders:
		assert.Equal(t, TabID("7"), o.TabID)
		assert.JSONEq(t, `{"a":1}`, string(o.Message))
	case <-time.After(eventuallyFor):
		t.Fatal("order not dispatched")
	}
}

func TestCapabilitiesWithoutPassphraseStayPlain(t *testing.T) {
	h := newHarness(t, nil)

	h.connect(t, capableInit)

	st := h.sync()
	assert.False(t, st.Obfuscating)
	assert.Equal(t, []string{hello}, h.tr.Sent())
}

func TestDeadConnectionClearsHandshake(t *testing.T) {
	h := newHarness(t, func(c *config.SocketConfig) { c.Passphrase = testPassword })

	h.connect(t, capableInit)
	h.ctrl.OnClose(h.cfg.Ports[0], "gone")

	st := h.sync()
	assert.False(t, st.Handshaken)
	assert.False(t, st.Obfuscating)
	assert.Equal(t, StateConnecting, st.State)
	assert.Equal(t, h.cfg.Ports[1], st.Port)

	// Sends during the new attempt are buffered, not transmitted.
	before := len(h.tr.Sent())
	require.NoError(t, h.ctrl.Send("later", false))
	assert.Len(t, h.tr.Sent(), before)
}

func TestStalePortEventsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	p0, p1 := h.cfg.Ports[0], h.cfg.Ports[1]

	h.ctrl.Init()
	h.ctrl.OnError(p0, errRefused)
	h.ctrl.OnError(p0, errRefused)
	h.ctrl.OnClose(p0, "late")
	h.ctrl.OnOpen(p0)
	h.ctrl.OnMessage(p0, plainInit)

	st := h.sync()
	assert.Equal(t, []int{p0, p1}, h.tr.Opens())
	assert.Equal(t, StateConnecting, st.State)
	assert.Equal(t, p1, st.Port)
	assert.False(t, st.Handshaken)
}

func TestRetryIgnoredWhileOpen(t *testing.T) {
	h := newHarness(t, nil)

	h.connect(t, plainInit)
	h.ctrl.Retry()

	assert.Equal(t, StateOpen, h.sync().State)
	assert.Len(t, h.tr.Opens(), 1)
}

func TestPingWhileOpen(t *testing.T) {
	h := newHarness(t, nil)
	p0 := h.cfg.Ports[0]

	h.connect(t, plainInit)

	for want := 1; want <= 2; want++ {
		h.clock.Add(h.cfg.PingInterval)
		require.Eventually(t, func() bool {
			return h.tr.count(h.cfg.PingPayload) == want
		}, eventuallyFor, eventuallyTick)
		h.sync()
	}

	h.ctrl.OnClose(p0, "gone")
	h.sync()
	h.clock.Add(2 * h.cfg.PingInterval)
	h.sync()
	assert.Equal(t, 2, h.tr.count(h.cfg.PingPayload))
}

func TestHandshakeTimeoutHook(t *testing.T) {
	timedOut := make(chan struct{}, 1)
	h := newHarness(t, nil, WithHooks(Hooks{
		OnHandshakeTimeout: func() { timedOut <- struct{}{} },
	}))

	h.ctrl.Init()
	h.ctrl.OnOpen(h.cfg.Ports[0])
	h.sync()
	h.clock.Add(h.cfg.InitTimeout)

	select {
	case <-timedOut:
	case <-time.After(eventuallyFor):
		t.Fatal("handshake timeout hook not called")
	}
	assert.Equal(t, StateOpen, h.sync().State, "a missing init message is not fatal")
}

func TestInitCancelsHandshakeTimeout(t *testing.T) {
	fired := make(chan struct{}, 1)
	h := newHarness(t, nil, WithHooks(Hooks{
		OnHandshakeTimeout: func() { fired <- struct{}{} },
	}))

	h.connect(t, plainInit)
	h.clock.Add(h.cfg.InitTimeout * 2)
	h.sync()

	select {
	case <-fired:
		t.Fatal("timeout fired after the init message")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHooksMayReenter(t *testing.T) {
	var ctrl *Controller
	working := make(chan struct{})
	replied := make(chan error, 1)

	h := newHarness(t, nil, WithHooks(Hooks{
		OnSocketWorking: func() { close(working) },
		OnOrder: func(o Order) {
			replied <- ctrl.Send(`{"ack":true}`, false)
		},
	}))
	ctrl = h.ctrl

	h.connect(t, plainInit)
	<-working

	h.ctrl.OnMessage(h.cfg.Ports[0], `{"tabId":"3","message":"hi"}`)
	select {
	case err := <-replied:
		require.NoError(t, err)
	case <-time.After(eventuallyFor):
		t.Fatal("hook deadlocked")
	}
	assert.Equal(t, 1, h.tr.count(`{"ack":true}`))
}

func TestSocketClosedHook(t *testing.T) {
	closed := make(chan struct{}, 2)
	h := newHarness(t, nil, WithHooks(Hooks{
		OnSocketClosed: func() { closed <- struct{}{} },
	}))

	h.ctrl.Init()
	h.ctrl.OnError(h.cfg.Ports[0], errRefused)
	h.ctrl.OnOpen(h.cfg.Ports[1])
	h.ctrl.OnClose(h.cfg.Ports[1], "gone")
	h.sync()

	select {
	case <-closed:
	case <-time.After(eventuallyFor):
		t.Fatal("closed hook not called")
	}
	select {
	case <-closed:
		t.Fatal("a failed attempt is not a closed socket")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMalformedInboundDropped(t *testing.T) {
	orders := make(chan Order, 4)
	h := newHarness(t, nil, WithHooks(Hooks{OnOrder: func(o Order) { orders <- o }}))
	p0 := h.cfg.Ports[0]

	h.connect(t, plainInit)
	h.ctrl.OnMessage(p0, "not json")
	h.ctrl.OnMessage(p0, `{"message":"no tab"}`)
	h.ctrl.OnMessage(p0, `{"tabId":5,"message":"ok"}`)

	select {
	case o := <-orders:
		assert.Equal(t, TabID("5"), o.TabID)
	case <-time.After(eventuallyFor):
		t.Fatal("valid order lost after malformed ones")
	}
	assert.Equal(t, StateOpen, h.sync().State)
	assert.Empty(t, orders)
}

func TestStopCancelsEverything(t *testing.T) {
	h := newHarness(t, nil)

	h.ctrl.Init()
	h.failCycle(t)
	opens := len(h.tr.Opens())

	require.NoError(t, h.ctrl.Stop())
	h.clock.Add(time.Minute)
	time.Sleep(20 * time.Millisecond)

	assert.Len(t, h.tr.Opens(), opens)
	assert.ErrorIs(t, h.ctrl.Send("x", true), ErrStopped)
	assert.True(t, h.ctrl.Status().Stopped)
	assert.Equal(t, 1, h.tr.closes)

	require.NoError(t, h.ctrl.Stop())
	h.ctrl.OnOpen(h.cfg.Ports[0])
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := config.Default().Socket
	cfg.Ports = nil
	_, err := New(cfg, func(Events) Transport { return &fakeTransport{} })
	assert.Error(t, err)

	cfg = config.Default().Socket
	cfg.MaxInterval = cfg.BaseInterval / 2
	_, err = New(cfg, func(Events) Transport { return &fakeTransport{} })
	assert.Error(t, err)
}
