package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn wraps one websocket connection. Writes are serialized through a
// mutex so fan-out pushes and dispatch replies cannot interleave frames.
type Conn struct {
	id           string
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu        sync.Mutex
	sessionID string
	closed    bool
}

// NewConn creates a connection wrapper around an upgraded websocket.
func NewConn(id string, ws *websocket.Conn, writeTimeout time.Duration) *Conn {
	return &Conn{
		id:           id,
		ws:           ws,
		writeTimeout: writeTimeout,
	}
}

// ID returns the transport-assigned connection id.
func (c *Conn) ID() string {
	return c.id
}

// SessionID returns the currently subscribed session, if any.
func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// SetSessionID records the current subscription; empty clears it.
func (c *Conn) SetSessionID(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = sessionID
}

// WriteMessage sends one JSON frame, honoring the write deadline.
func (c *Conn) WriteMessage(msg *ServerMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return websocket.ErrCloseSent
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(msg)
}

// Ping sends a transport-level ping control frame. Control frames may be
// written concurrently with data frames, so no mutex is needed here.
func (c *Conn) Ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// Close sends a close frame and tears down the transport. Safe to call
// more than once.
func (c *Conn) Close(code int, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	deadline := time.Now().Add(c.writeTimeout)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text), deadline)
	return c.ws.Close()
}
