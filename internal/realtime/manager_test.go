package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	realtimeTypes "github.com/ricochet1k/docuforge/pkg/realtime"
)

const (
	testHeartbeat = time.Hour
	waitTimeout   = 2 * time.Second
)

// ─── fakes ──────────────────────────────────────────────────────────────────

type readResult struct {
	data []byte
	err  error
}

type fakeConn struct {
	reads chan readResult
	done  chan struct{}

	mu        sync.Mutex
	writes    [][]byte
	writeErr  error
	closed    bool
	closeCode int
}

func newFakeConn() *fakeConn {
	return &fakeConn{reads: make(chan readResult, 16), done: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case r := <-c.reads:
		return r.data, r.err
	case <-c.done:
		return nil, errConnClosed
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writes = append(c.writes, data)
	return nil
}

func (c *fakeConn) failWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

func (c *fakeConn) Close(code int, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.closeCode = code
		close(c.done)
	}
	return nil
}

func (c *fakeConn) isClosed() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode
}

func (c *fakeConn) written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

func (c *fakeConn) peerClose(code int) {
	c.reads <- readResult{err: &websocket.CloseError{Code: code}}
}

type fakeDialer struct {
	mu    sync.Mutex
	urls  []string
	fail  bool
	gate  chan struct{}
	conns chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	fail, gate := d.fail, d.gate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	d.conns <- c
	return c, nil
}

func (d *fakeDialer) setFail(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = fail
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) nextConn(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(waitTimeout):
		t.Fatal("no connection dialed")
		return nil
	}
}

// manualClock hands out timers that only fire when a test fires them.
type manualClock struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

func (t *manualTimer) isStopped() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	return t.stopped
}

// fire runs the callback even if the timer was stopped, the way a timer
// that already started its callback races a Stop.
func (t *manualTimer) fire() {
	t.clock.mu.Lock()
	t.fired = true
	t.clock.mu.Unlock()
	t.f()
}

func (c *manualClock) pending(d time.Duration) []*manualTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*manualTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && t.d == d {
			out = append(out, t)
		}
	}
	return out
}

func (c *manualClock) pendingRetries() []*manualTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*manualTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && t.d != testHeartbeat {
			out = append(out, t)
		}
	}
	return out
}

type recorder struct {
	ch chan Event
}

func newRecorder() *recorder { return &recorder{ch: make(chan Event, 64)} }

func (r *recorder) Enqueue(ev Event) { r.ch <- ev }

func (r *recorder) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func (r *recorder) expect(t *testing.T, kind EventKind) Event {
	t.Helper()
	ev := r.next(t)
	require.Equal(t, kind, ev.Kind, "event %+v", ev)
	return ev
}

func (r *recorder) quiet(t *testing.T) {
	t.Helper()
	select {
	case ev := <-r.ch:
		t.Fatalf("unexpected event %s %+v", ev.Kind, ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func newTestManager(d *fakeDialer, clock *manualClock, opts ...Option) *Manager {
	base := []Option{
		WithDialer(d),
		WithAfterFunc(clock.AfterFunc),
		WithHeartbeat(testHeartbeat, nil),
		WithBackoff(time.Second, 30*time.Second, 5),
	}
	return NewManager(append(base, opts...)...)
}

var targetA = Target{EntityID: "A", URL: "ws://example.test/ws/A"}
var targetB = Target{EntityID: "B", URL: "ws://example.test/ws/B"}

// ─── tests ──────────────────────────────────────────────────────────────────

func TestState_String(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "closing", StateClosing.String())
}

func TestManager_ConnectOpensAndDeliversFrames(t *testing.T) {
	d, clock, rec := newFakeDialer(), &manualClock{}, newRecorder()
	m := newTestManager(d, clock)

	m.Connect(targetA, rec)
	conn := d.nextConn(t)
	ev := rec.expect(t, EventOpen)
	assert.Equal(t, targetA, ev.Target)
	assert.False(t, ev.Resumed)
	assert.Equal(t, StateOpen, m.State())

	conn.reads <- readResult{data: []byte(`{"type":"typing","data":{"user":"ana"}}`)}
	ev = rec.expect(t, EventFrame)
	assert.JSONEq(t, `{"type":"typing","data":{"user":"ana"}}`, string(ev.Data))
}

func TestManager_DoubleConnectDialsOnceAndRebindsHandler(t *testing.T) {
	d, clock := newFakeDialer(), &manualClock{}
	gate := make(chan struct{})
	d.gate = gate
	m := newTestManager(d, clock)
	h1, h2 := newRecorder(), newRecorder()

	m.Connect(targetA, h1)
	m.Connect(targetA, h2)
	assert.Equal(t, StateConnecting, m.State())
	close(gate)

	d.nextConn(t)
	h2.expect(t, EventOpen)
	h1.quiet(t)
	assert.Equal(t, 1, d.dialCount())

	// Connecting again while open rebinds only.
	m.Connect(targetA, h1)
	assert.Equal(t, 1, d.dialCount())
	assert.Equal(t, StateOpen, m.State())
}

func TestManager_SwitchTargetClosesPreviousConnectionFirst(t *testing.T) {
	d, clock, rec := newFakeDialer(), &manualClock{}, newRecorder()
	m := newTestManager(d, clock)

	m.Connect(targetA, rec)
	connA := d.nextConn(t)
	rec.expect(t, EventOpen)
	hbA := clock.pending(testHeartbeat)
	require.Len(t, hbA, 1)

	m.Connect(targetB, rec)
	closed := rec.expect(t, EventClosed)
	assert.True(t, closed.Clean)
	assert.True(t, closed.Local)
	assert.Equal(t, targetA, closed.Target)

	connB := d.nextConn(t)
	isClosed, code := connA.isClosed()
	assert.True(t, isClosed, "old connection must be closed before the new one opens")
	assert.Equal(t, websocket.CloseNormalClosure, code)
	assert.True(t, hbA[0].isStopped())

	open := rec.expect(t, EventOpen)
	assert.Equal(t, targetB, open.Target)
	assert.Equal(t, targetB, m.Target())

	// Frames on the old connection are fenced off.
	connA.reads <- readResult{data: []byte(`{"type":"heartbeat"}`)}
	connB.reads <- readResult{data: []byte(`{"type":"typing"}`)}
	ev := rec.expect(t, EventFrame)
	assert.Equal(t, targetB, ev.Target)
}

func TestManager_BackoffDelaysThenExhausts(t *testing.T) {
	d, clock, rec := newFakeDialer(), &manualClock{}, newRecorder()
	d.setFail(true)
	m := newTestManager(d, clock)

	m.Connect(targetA, rec)

	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, delay := range want {
		ev := rec.expect(t, EventClosed)
		assert.False(t, ev.Clean)
		assert.Equal(t, i+1, ev.Attempt)
		assert.Equal(t, delay, ev.Delay)

		retries := clock.pendingRetries()
		require.Len(t, retries, 1)
		assert.Equal(t, delay, retries[0].d)
		retries[0].fire()
	}

	rec.expect(t, EventClosed)
	failed := rec.expect(t, EventFailed)
	assert.ErrorIs(t, failed.Err, ErrReconnectExhausted)

	assert.Empty(t, clock.pendingRetries(), "no sixth attempt is scheduled")
	assert.Equal(t, 6, d.dialCount())
	assert.Equal(t, 5, m.Attempts())
	assert.Equal(t, StateDisconnected, m.State())
}

func TestManager_UncleanCloseReconnectsAndResetsBackoff(t *testing.T) {
	d, clock, rec := newFakeDialer(), &manualClock{}, newRecorder()
	m := newTestManager(d, clock)

	m.Connect(targetA, rec)
	conn := d.nextConn(t)
	rec.expect(t, EventOpen)

	conn.reads <- readResult{err: io.ErrUnexpectedEOF}
	ev := rec.expect(t, EventClosed)
	assert.False(t, ev.Clean)
	assert.Equal(t, websocket.CloseAbnormalClosure, ev.Code)
	assert.Equal(t, 1, m.Attempts())
	assert.Empty(t, clock.pending(testHeartbeat), "heartbeat stops with the connection")

	retries := clock.pendingRetries()
	require.Len(t, retries, 1)
	retries[0].fire()

	d.nextConn(t)
	open := rec.expect(t, EventOpen)
	assert.True(t, open.Resumed)
	assert.Equal(t, 0, m.Attempts())
}

func TestManager_PeerNormalCloseIsClean(t *testing.T) {
	d, clock, rec := newFakeDialer(), &manualClock{}, newRecorder()
	m := newTestManager(d, clock)

	m.Connect(targetA, rec)
	conn := d.nextConn(t)
	rec.expect(t, EventOpen)

	conn.peerClose(websocket.CloseNormalClosure)
	ev := rec.expect(t, EventClosed)
	assert.True(t, ev.Clean)
	assert.False(t, ev.Local)
	assert.Empty(t, clock.pendingRetries())
	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, 1, d.dialCount())
}

func TestManager_PeerGoingAwayIsUnclean(t *testing.T) {
	d, clock, rec := newFakeDialer(), &manualClock{}, newRecorder()
	m := newTestManager(d, clock)

	m.Connect(targetA, rec)
	conn := d.nextConn(t)
	rec.expect(t, EventOpen)

	conn.peerClose(websocket.CloseGoingAway)
	ev := rec.expect(t, EventClosed)
	assert.False(t, ev.Clean)
	assert.Equal(t, websocket.CloseGoingAway, ev.Code)
	assert.Len(t, clock.pendingRetries(), 1)
}

func TestManager_DisconnectCancelsPendingRetry(t *testing.T) {
	d, clock, rec := newFakeDialer(), &manualClock{}, newRecorder()
	d.setFail(true)
	m := newTestManager(d, clock)

	m.Connect(targetA, rec)
	rec.expect(t, EventClosed)
	retries := clock.pendingRetries()
	require.Len(t, retries, 1)

	m.Disconnect()
	assert.True(t, retries[0].isStopped())
	assert.Equal(t, StateDisconnected, m.State())
	assert.True(t, m.Target().IsZero())

	// A callback that was already running when Stop was called is fenced.
	retries[0].fire()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount())
	rec.quiet(t)
}

func TestManager_DisconnectClosesOpenConnection(t *testing.T) {
	d, clock, rec := newFakeDialer(), &manualClock{}, newRecorder()
	m := newTestManager(d, clock)

	m.Connect(targetA, rec)
	conn := d.nextConn(t)
	rec.expect(t, EventOpen)
	hb := clock.pending(testHeartbeat)
	require.Len(t, hb, 1)

	m.Disconnect()
	ev := rec.expect(t, EventClosed)
	assert.True(t, ev.Clean)
	assert.True(t, ev.Local)

	isClosed, code := conn.isClosed()
	assert.True(t, isClosed)
	assert.Equal(t, websocket.CloseNormalClosure, code)
	assert.True(t, hb[0].isStopped())
	assert.Equal(t, StateDisconnected, m.State())
	assert.Empty(t, clock.pendingRetries())

	m.Disconnect()
	assert.Equal(t, StateDisconnected, m.State())
}

func TestManager_ConnectDuringRetryWaitDialsNowKeepingCount(t *testing.T) {
	d, clock, rec := newFakeDialer(), &manualClock{}, newRecorder()
	d.setFail(true)
	m := newTestManager(d, clock)

	m.Connect(targetA, rec)
	rec.expect(t, EventClosed)
	retries := clock.pendingRetries()
	require.Len(t, retries, 1)

	m.Connect(targetA, rec)
	assert.True(t, retries[0].isStopped())

	ev := rec.expect(t, EventClosed)
	assert.Equal(t, 2, ev.Attempt)
	assert.Equal(t, 2*time.Second, ev.Delay)
	assert.Equal(t, 2, d.dialCount())
}

func TestManager_SendOnlyWhenOpen(t *testing.T) {
	d, clock, rec := newFakeDialer(), &manualClock{}, newRecorder()
	gate := make(chan struct{})
	d.gate = gate
	m := newTestManager(d, clock)

	assert.False(t, m.Send(map[string]string{"type": "presence"}))

	m.Connect(targetA, rec)
	assert.False(t, m.Send(map[string]string{"type": "presence"}))
	close(gate)

	conn := d.nextConn(t)
	rec.expect(t, EventOpen)
	assert.True(t, m.Send(realtimeTypes.Outbound{Type: realtimeTypes.OutboundKindPresence}))
	assert.False(t, m.Send(func() {}), "unencodable values are dropped")

	writes := conn.written()
	require.Len(t, writes, 1)
	assert.JSONEq(t, `{"type":"presence"}`, string(writes[0]))
}

func TestManager_HeartbeatWritesAndRearms(t *testing.T) {
	d, clock, rec := newFakeDialer(), &manualClock{}, newRecorder()
	m := newTestManager(d, clock)

	m.Connect(targetA, rec)
	conn := d.nextConn(t)
	rec.expect(t, EventOpen)

	hb := clock.pending(testHeartbeat)
	require.Len(t, hb, 1)
	hb[0].fire()

	writes := conn.written()
	require.Len(t, writes, 1)
	var env realtimeTypes.Envelope
	require.NoError(t, json.Unmarshal(writes[0], &env))
	assert.Equal(t, string(realtimeTypes.OutboundKindHeartbeat), env.Type)
	assert.Len(t, clock.pending(testHeartbeat), 1, "heartbeat re-arms itself")
}

func TestManager_HeartbeatWriteFailureDropsConnection(t *testing.T) {
	d, clock, rec := newFakeDialer(), &manualClock{}, newRecorder()
	m := newTestManager(d, clock)

	m.Connect(targetA, rec)
	conn := d.nextConn(t)
	rec.expect(t, EventOpen)

	conn.failWrites(errors.New("broken pipe"))
	clock.pending(testHeartbeat)[0].fire()

	ev := rec.expect(t, EventClosed)
	assert.False(t, ev.Clean)
	assert.Equal(t, websocket.CloseAbnormalClosure, ev.Code)
	assert.ErrorContains(t, ev.Err, "broken pipe")
	assert.Equal(t, StateDisconnected, m.State())
	assert.Empty(t, clock.pending(testHeartbeat))
	closed, _ := conn.isClosed()
	assert.True(t, closed)
	// The read loop sees the closed connection but the loss is reported once.
	rec.quiet(t)
	assert.Equal(t, 1, m.Attempts())

	retries := clock.pendingRetries()
	require.Len(t, retries, 1)
	retries[0].fire()
	d.nextConn(t)
	assert.True(t, rec.expect(t, EventOpen).Resumed)
}

func TestManager_CustomHeartbeatPayload(t *testing.T) {
	d, clock, rec := newFakeDialer(), &manualClock{}, newRecorder()
	m := newTestManager(d, clock, WithHeartbeat(testHeartbeat, func() any {
		return map[string]string{"type": "heartbeat", "client_id": "c1"}
	}))

	m.Connect(targetA, rec)
	conn := d.nextConn(t)
	rec.expect(t, EventOpen)
	clock.pending(testHeartbeat)[0].fire()

	require.Len(t, conn.written(), 1)
	assert.JSONEq(t, `{"type":"heartbeat","client_id":"c1"}`, string(conn.written()[0]))
}

func TestManager_WaitForConnection(t *testing.T) {
	d, clock, rec := newFakeDialer(), &manualClock{}, newRecorder()
	gate := make(chan struct{})
	d.gate = gate
	m := newTestManager(d, clock)

	ctx := context.Background()
	assert.False(t, m.WaitForConnection(ctx, 20*time.Millisecond))

	m.Connect(targetA, rec)
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.False(t, m.WaitForConnection(cancelled, time.Second))

	done := make(chan bool, 1)
	go func() { done <- m.WaitForConnection(ctx, waitTimeout) }()
	close(gate)

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(waitTimeout + time.Second):
		t.Fatal("WaitForConnection did not return")
	}
	assert.True(t, m.WaitForConnection(ctx, time.Millisecond))
}

func TestCloseCode(t *testing.T) {
	assert.Equal(t, websocket.CloseNormalClosure, CloseCode(&websocket.CloseError{Code: websocket.CloseNormalClosure}))
	assert.Equal(t, websocket.CloseAbnormalClosure, CloseCode(io.EOF))
}
