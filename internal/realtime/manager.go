// Package realtime owns the client side of the docuforge realtime channel:
// resolving the channel endpoint, dialing it, keeping it alive with
// heartbeats and reconnecting with bounded exponential backoff.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	realtimeTypes "github.com/ricochet1k/docuforge/pkg/realtime"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultDialTimeout       = 10 * time.Second

	// A peer silent for this many heartbeat intervals is considered gone.
	livenessIntervals = 3
)

var ErrReconnectExhausted = errors.New("realtime: reconnect attempts exhausted")

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

type EventKind int

const (
	EventOpen EventKind = iota
	EventFrame
	EventClosed
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventFrame:
		return "frame"
	case EventClosed:
		return "closed"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is delivered to the bound Handler in the order it happened.
type Event struct {
	Kind   EventKind
	Target Target
	// Data is the raw frame for EventFrame.
	Data []byte
	// Clean, Local and Code describe an EventClosed.
	Clean bool
	Local bool
	Code  int
	// Resumed is set on an EventOpen that follows an unclean close.
	Resumed bool
	// Attempt and Delay describe the retry scheduled after an unclean close.
	Attempt int
	Delay   time.Duration
	Err     error
}

// Handler receives lifecycle events and inbound frames. Enqueue is called
// with the manager's lock held, so it must not block or call back into the
// Manager.
type Handler interface {
	Enqueue(Event)
}

type HandlerFunc func(Event)

func (f HandlerFunc) Enqueue(ev Event) { f(ev) }

// Manager maintains at most one connection, bound to at most one Target.
type Manager struct {
	mu         sync.Mutex
	state      State
	target     Target
	handler    Handler
	conn       Conn
	gen        uint64
	retry      Timer
	heartbeat  Timer
	dialCancel context.CancelFunc
	opened     chan struct{}
	resumed    bool

	backoff           *Backoff
	dialer            Dialer
	afterFunc         AfterFunc
	heartbeatInterval time.Duration
	heartbeatPayload  func() any
	dialTimeout       time.Duration
	logger            zerolog.Logger
}

type Option func(*Manager)

func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// WithAfterFunc replaces the timer factory used for heartbeats and retries.
func WithAfterFunc(f AfterFunc) Option {
	return func(m *Manager) { m.afterFunc = f }
}

func WithBackoff(base, max time.Duration, ceiling int) Option {
	return func(m *Manager) { m.backoff = NewBackoff(base, max, ceiling) }
}

// WithHeartbeat sets the heartbeat interval and the payload sent on each
// tick. A nil payload keeps the default heartbeat frame.
func WithHeartbeat(interval time.Duration, payload func() any) Option {
	return func(m *Manager) {
		if interval > 0 {
			m.heartbeatInterval = interval
		}
		if payload != nil {
			m.heartbeatPayload = payload
		}
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.dialTimeout = d
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		opened:            make(chan struct{}),
		backoff:           NewBackoff(DefaultReconnectBase, DefaultReconnectMax, DefaultReconnectCeiling),
		dialer:            WebsocketDialer{},
		afterFunc:         systemAfterFunc,
		heartbeatInterval: DefaultHeartbeatInterval,
		dialTimeout:       DefaultDialTimeout,
		logger:            zerolog.Nop(),
	}
	m.heartbeatPayload = defaultHeartbeat
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func defaultHeartbeat() any {
	return realtimeTypes.Outbound{
		Type: realtimeTypes.OutboundKindHeartbeat,
		Data: realtimeTypes.HeartbeatData{Timestamp: time.Now().UTC()},
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Target returns the bound target, zero when unbound.
func (m *Manager) Target() Target {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.target
}

// Attempts is the number of reconnect attempts claimed since the last open.
func (m *Manager) Attempts() int {
	return m.backoff.Attempts()
}

// Connect binds the manager to target and starts a connection if one is not
// already open or in progress for it. Calling Connect again for the same
// target only replaces the handler. Connecting to a different target tears
// the current connection down first.
func (m *Manager) Connect(target Target, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.target.IsZero() && m.target == target {
		m.handler = h
		switch m.state {
		case StateOpen, StateConnecting:
			return
		case StateDisconnected:
			if m.retry != nil {
				// Waiting out a backoff delay: dial now, keep the count.
				m.retry.Stop()
				m.retry = nil
				m.dialLocked(nil)
				return
			}
		}
	}

	var stale Conn
	if !m.target.IsZero() && m.target != target {
		m.logger.Info().Str("from", m.target.EntityID).Str("to", target.EntityID).Msg("switching channel target")
		stale = m.teardownLocked()
	}

	m.target = target
	m.handler = h
	m.resumed = false
	m.backoff.Reset()
	m.dialLocked(stale)
}

// Disconnect tears the connection down and clears the binding. Pending
// retry and heartbeat timers and any in-flight dial are cancelled.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.target.IsZero() && m.state == StateDisconnected {
		m.mu.Unlock()
		return
	}
	conn := m.teardownLocked()
	m.state = StateClosing
	m.target = Target{}
	m.handler = nil
	m.resumed = false
	m.backoff.Reset()
	gen := m.gen
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.CloseNormalClosure, "")
	}

	m.mu.Lock()
	if m.gen == gen {
		m.state = StateDisconnected
	}
	m.mu.Unlock()
	m.logger.Info().Msg("disconnected")
}

// WaitForConnection blocks the caller until the connection is open, the
// timeout elapses or ctx is done. A non-positive timeout waits on ctx only.
func (m *Manager) WaitForConnection(ctx context.Context, timeout time.Duration) bool {
	m.mu.Lock()
	if m.state == StateOpen {
		m.mu.Unlock()
		return true
	}
	opened := m.opened
	m.mu.Unlock()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	select {
	case <-opened:
		return true
	case <-ctx.Done():
		return false
	}
}

// Send encodes v as JSON and writes it when the connection is open. It
// reports whether the frame was written; it never fails loudly.
func (m *Manager) Send(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		m.logger.Warn().Err(err).Msg("dropping unencodable outbound frame")
		return false
	}

	m.mu.Lock()
	conn, state := m.conn, m.state
	m.mu.Unlock()

	if state != StateOpen || conn == nil {
		m.logger.Warn().Str("state", state.String()).Msg("send while not open")
		return false
	}
	if err := conn.WriteMessage(data); err != nil {
		m.logger.Warn().Err(err).Msg("send failed")
		return false
	}
	return true
}

// teardownLocked fences every goroutine and timer of the current connection
// and returns the connection for the caller to close outside the lock.
func (m *Manager) teardownLocked() Conn {
	m.gen++
	m.stopTimersLocked()
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	wasOpen := m.state == StateOpen
	m.leaveOpenLocked()

	conn := m.conn
	m.conn = nil
	if wasOpen {
		m.emitLocked(Event{Kind: EventClosed, Clean: true, Local: true, Code: websocket.CloseNormalClosure})
	}
	return conn
}

func (m *Manager) stopTimersLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	if m.heartbeat != nil {
		m.heartbeat.Stop()
		m.heartbeat = nil
	}
}

// leaveOpenLocked re-arms the open latch when leaving the open state.
func (m *Manager) leaveOpenLocked() {
	if m.state == StateOpen {
		m.opened = make(chan struct{})
	}
}

func (m *Manager) emitLocked(ev Event) {
	if m.handler == nil {
		return
	}
	if ev.Target.IsZero() {
		ev.Target = m.target
	}
	m.handler.Enqueue(ev)
}

// dialLocked starts a new attempt for the bound target. A stale connection
// from a previous target is closed before the dial begins.
func (m *Manager) dialLocked(stale Conn) {
	m.gen++
	gen := m.gen
	m.leaveOpenLocked()
	m.state = StateConnecting

	ctx, cancel := context.WithTimeout(context.Background(), m.dialTimeout)
	m.dialCancel = cancel
	target := m.target

	m.logger.Debug().Str("url", target.URL).Int("attempt", m.backoff.Attempts()).Msg("dialing")
	go func() {
		if stale != nil {
			_ = stale.Close(websocket.CloseNormalClosure, "")
		}
		conn, err := m.dialer.Dial(ctx, target.URL)
		cancel()
		m.onDial(gen, conn, err)
	}()
}

func (m *Manager) onDial(gen uint64, conn Conn, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close(websocket.CloseNormalClosure, "")
		}
		return
	}
	m.dialCancel = nil

	if err != nil {
		m.logger.Warn().Err(err).Str("url", m.target.URL).Msg("dial failed")
		m.dropLocked(websocket.CloseAbnormalClosure, err)
		m.mu.Unlock()
		return
	}

	m.conn = conn
	m.state = StateOpen
	m.backoff.Reset()
	if ka, ok := conn.(keepalive); ok {
		ka.SetReadTimeout(livenessIntervals * m.heartbeatInterval)
	}
	close(m.opened)
	m.emitLocked(Event{Kind: EventOpen, Resumed: m.resumed})
	m.resumed = false
	m.armHeartbeatLocked(gen)
	m.mu.Unlock()

	m.logger.Info().Str("document_id", m.Target().EntityID).Msg("channel open")
	go m.readLoop(gen, conn)
}

func (m *Manager) readLoop(gen uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.onReadError(gen, conn, err)
			return
		}
		m.mu.Lock()
		if gen != m.gen || m.conn != conn {
			m.mu.Unlock()
			return
		}
		m.emitLocked(Event{Kind: EventFrame, Data: data})
		m.mu.Unlock()
	}
}

func (m *Manager) onReadError(gen uint64, conn Conn, err error) {
	m.lost(gen, conn, CloseCode(err), err)
}

// lost drops conn after a transport failure. It is a no-op when conn is no
// longer the live connection of generation gen, so the read loop and the
// heartbeat never report the same loss twice.
func (m *Manager) lost(gen uint64, conn Conn, code int, err error) {
	m.mu.Lock()
	if gen != m.gen || m.conn != conn {
		// Locally closed or superseded; the closer already reported it.
		m.mu.Unlock()
		return
	}
	m.stopTimersLocked()
	m.conn = nil
	m.dropLocked(code, err)
	m.mu.Unlock()

	_ = conn.Close(websocket.CloseNormalClosure, "")
}

// dropLocked handles the loss of the current attempt. Only a peer close with
// code 1000 is clean; everything else schedules a retry until the backoff
// ceiling is reached.
func (m *Manager) dropLocked(code int, err error) {
	m.leaveOpenLocked()
	m.state = StateDisconnected

	if code == websocket.CloseNormalClosure {
		m.logger.Info().Str("document_id", m.target.EntityID).Msg("channel closed by peer")
		m.emitLocked(Event{Kind: EventClosed, Clean: true, Code: code})
		return
	}

	m.resumed = true
	delay, ok := m.backoff.Next()
	if !ok {
		m.logger.Error().Int("attempts", m.backoff.Attempts()).Msg("reconnect attempts exhausted")
		m.emitLocked(Event{Kind: EventClosed, Code: code, Err: err})
		m.emitLocked(Event{Kind: EventFailed, Err: ErrReconnectExhausted})
		return
	}

	gen := m.gen
	m.retry = m.afterFunc(delay, func() { m.onRetry(gen) })

	attempt := m.backoff.Attempts()
	m.logger.Warn().Err(err).Int("code", code).Int("attempt", attempt).Dur("delay", delay).Msg("channel lost, retrying")
	m.emitLocked(Event{Kind: EventClosed, Code: code, Err: err, Attempt: attempt, Delay: delay})
}

func (m *Manager) onRetry(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.retry == nil {
		return
	}
	m.retry = nil
	m.dialLocked(nil)
}

func (m *Manager) armHeartbeatLocked(gen uint64) {
	m.heartbeat = m.afterFunc(m.heartbeatInterval, func() { m.onHeartbeat(gen) })
}

func (m *Manager) onHeartbeat(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateOpen || m.conn == nil {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	payload := m.heartbeatPayload()
	m.armHeartbeatLocked(gen)
	m.mu.Unlock()

	data, err := json.Marshal(payload)
	if err != nil {
		m.logger.Warn().Err(err).Msg("heartbeat encode failed")
		return
	}
	err = conn.WriteMessage(data)
	if ka, ok := conn.(keepalive); ok && err == nil {
		err = ka.Ping()
	}
	if err != nil {
		m.logger.Warn().Err(err).Msg("heartbeat write failed")
		m.lost(gen, conn, websocket.CloseAbnormalClosure, fmt.Errorf("heartbeat: %w", err))
	}
}
