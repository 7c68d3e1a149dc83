package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	readLimit         = 4 * 1024 * 1024
	closeWriteTimeout = time.Second
	writeTimeout      = 10 * time.Second
)

var errConnClosed = errors.New("realtime: connection closed")

// Conn is one live duplex channel. Implementations must allow WriteMessage
// and Close to be called concurrently with ReadMessage.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	// Close sends a close frame with code when possible, then releases the
	// underlying transport.
	Close(code int, reason string) error
}

// keepalive is implemented by connections that can notice a silent peer.
// Once a read timeout is set, a read that sees neither a frame nor a pong
// within it fails.
type keepalive interface {
	SetReadTimeout(d time.Duration)
	Ping() error
}

// Dialer opens a Conn to a channel URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, url string) (Conn, error) { return f(ctx, url) }

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	c, resp, err := dialer.DialContext(ctx, url, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return newWSConn(c), nil
}

// wsConn wraps a *websocket.Conn with mutex-guarded writes.
type wsConn struct {
	c           *websocket.Conn
	readTimeout atomic.Int64

	mu     sync.Mutex
	closed bool
}

func newWSConn(c *websocket.Conn) *wsConn {
	c.SetReadLimit(readLimit)
	return &wsConn{c: c}
}

func (wc *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := wc.c.ReadMessage()
	if err == nil {
		wc.extendReadDeadline()
	}
	return data, err
}

// SetReadTimeout must be called before the first ReadMessage.
func (wc *wsConn) SetReadTimeout(d time.Duration) {
	wc.readTimeout.Store(int64(d))
	wc.extendReadDeadline()
	wc.c.SetPongHandler(func(string) error {
		wc.extendReadDeadline()
		return nil
	})
}

func (wc *wsConn) extendReadDeadline() {
	if d := time.Duration(wc.readTimeout.Load()); d > 0 {
		_ = wc.c.SetReadDeadline(time.Now().Add(d))
	}
}

func (wc *wsConn) Ping() error {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	if wc.closed {
		return errConnClosed
	}
	return wc.c.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

func (wc *wsConn) WriteMessage(data []byte) error {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	if wc.closed {
		return errConnClosed
	}
	_ = wc.c.SetWriteDeadline(time.Now().Add(writeTimeout))
	return wc.c.WriteMessage(websocket.TextMessage, data)
}

func (wc *wsConn) Close(code int, reason string) error {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	if wc.closed {
		return nil
	}
	wc.closed = true
	msg := websocket.FormatCloseMessage(code, reason)
	_ = wc.c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
	return wc.c.Close()
}

// CloseCode extracts the peer's close code from a read error. Errors that
// carry no close frame report websocket.CloseAbnormalClosure.
func CloseCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}
