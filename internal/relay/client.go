package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	outboundBufferSize = 64
	closeWriteTimeout  = time.Second
	readLimit          = 1 << 20
)

// Client is one websocket subscriber of a document. Frames are queued
// without blocking and written by WriteLoop.
type Client struct {
	id       string
	document string
	conn     *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func NewClient(id, documentID string, conn *websocket.Conn) *Client {
	conn.SetReadLimit(readLimit)
	return &Client{
		id:       id,
		document: documentID,
		conn:     conn,
		send:     make(chan []byte, outboundBufferSize),
	}
}

func (c *Client) ID() string { return c.id }

func (c *Client) DocumentID() string { return c.document }

// Queue reports false when the client is closed or its buffer is full.
func (c *Client) Queue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) WriteLoop() {
	for frame := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
}

// Close sends a close frame with code and reason, then drops the connection.
func (c *Client) Close(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
	_ = c.conn.Close()
}
