package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	handshakeTimeout = 10 * time.Second
	redialTimeout    = 10 * time.Second
)

// Wire frames, mirroring the relay's websocket protocol.
type (
	clientMessage struct {
		Action    string `json:"action"`
		SessionID string `json:"sessionId,omitempty"`
	}

	serverMessage struct {
		Type        string          `json:"type"`
		CombatState json.RawMessage `json:"combatState,omitempty"`
		Data        json.RawMessage `json:"data,omitempty"`
		Message     string          `json:"message,omitempty"`
	}
)

const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
	actionPing        = "ping"

	typeSubscribed    = "subscribed"
	typeSessionUpdate = "session_update"
	typeSessionClosed = "session_closed"
	typeError         = "error"
	typePong          = "pong"
)

// Handlers receive subscription events. Any of them may be nil.
type Handlers struct {
	OnUpdate func(state json.RawMessage)
	OnClose  func(reason string)
	OnError  func(err error)
}

// Subscription is one live watch on a session. It keeps the websocket alive
// with periodic pings and reconnects with bounded exponential backoff when
// the transport drops unexpectedly. An intentional Close never reconnects.
type Subscription struct {
	client    *Client
	sessionID string
	handlers  Handlers
	policy    *reconnectPolicy

	mu     sync.Mutex
	ws     *websocket.Conn
	closed bool

	done     chan struct{}
	doneOnce sync.Once
}

// Subscribe opens the realtime connection (closing any previous
// subscription first; one per client), subscribes to the session, and
// returns once the initial snapshot arrives. The snapshot is returned;
// subsequent pushes go to the handlers.
func (c *Client) Subscribe(ctx context.Context, sessionID string, h Handlers) (*Subscription, json.RawMessage, error) {
	c.mu.Lock()
	if c.sub != nil {
		_ = c.sub.Close()
		c.sub = nil
	}
	c.mu.Unlock()

	sub := &Subscription{
		client:    c,
		sessionID: sessionID,
		handlers:  h,
		policy:    newReconnectPolicy(c.reconnect),
		done:      make(chan struct{}),
	}

	snapshot, err := sub.connect(ctx)
	if err != nil {
		return nil, nil, err
	}

	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()

	go sub.readLoop()
	go sub.pingLoop()
	return sub, snapshot, nil
}

// Unsubscribe stops watching the session but keeps the connection open.
// Calling it on a closed subscription is a no-op.
func (s *Subscription) Unsubscribe() error {
	if err := s.send(&clientMessage{Action: actionUnsubscribe}); err != nil {
		s.client.logger.Debug("unsubscribe send failed", zap.Error(err))
	}
	return nil
}

// Close tears the subscription down: stops the keepalive timer, closes the
// transport, and suppresses reconnection. Safe to call more than once.
func (s *Subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ws := s.ws
	s.ws = nil
	s.mu.Unlock()

	s.doneOnce.Do(func() { close(s.done) })

	if ws != nil {
		deadline := time.Now().Add(time.Second)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = ws.Close()
	}
	return nil
}

// connect dials, subscribes, and waits for the snapshot frame.
func (s *Subscription) connect(ctx context.Context) (json.RawMessage, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, s.client.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay: %w", err)
	}

	if err := ws.WriteJSON(&clientMessage{Action: actionSubscribe, SessionID: s.sessionID}); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("failed to send subscribe: %w", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	for {
		var msg serverMessage
		if err := ws.ReadJSON(&msg); err != nil {
			_ = ws.Close()
			return nil, fmt.Errorf("failed while waiting for snapshot: %w", err)
		}

		switch msg.Type {
		case typeSubscribed:
			_ = ws.SetReadDeadline(time.Time{})
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				_ = ws.Close()
				return nil, errors.New("subscription closed")
			}
			s.ws = ws
			s.mu.Unlock()
			return msg.CombatState, nil
		case typeError:
			_ = ws.Close()
			return nil, errors.New(msg.Message)
		default:
			// Pong or a racing update before the snapshot; keep waiting
		}
	}
}

// readLoop delivers pushes to the handlers, reconnecting on transport
// errors until the policy gives up.
func (s *Subscription) readLoop() {
	for {
		ws := s.conn()
		if ws == nil {
			return
		}

		var msg serverMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if s.isClosed() {
				return
			}
			if !s.reconnectLoop(err) {
				return
			}
			continue
		}

		switch msg.Type {
		case typeSessionUpdate:
			if s.handlers.OnUpdate != nil {
				s.handlers.OnUpdate(msg.Data)
			}
		case typeSessionClosed:
			_ = s.Close()
			if s.handlers.OnClose != nil {
				s.handlers.OnClose(msg.Message)
			}
			return
		case typeError:
			if s.handlers.OnError != nil {
				s.handlers.OnError(errors.New(msg.Message))
			}
		case typePong:
			// keepalive reply
		}
	}
}

// reconnectLoop runs the retry state machine. It returns true once a new
// connection carries a fresh snapshot, or false after tearing down because
// the attempt cap was reached or the subscription was closed.
func (s *Subscription) reconnectLoop(cause error) bool {
	for {
		delay, ok := s.policy.Next()
		if !ok {
			_ = s.Close()
			if s.handlers.OnError != nil {
				s.handlers.OnError(fmt.Errorf("reconnect attempts exhausted: %w", cause))
			}
			return false
		}

		s.client.logger.Debug("reconnecting",
			zap.String("session_id", s.sessionID),
			zap.Duration("delay", delay))

		select {
		case <-time.After(delay):
		case <-s.done:
			return false
		}

		ctx, cancel := context.WithTimeout(context.Background(), redialTimeout)
		snapshot, err := s.connect(ctx)
		cancel()
		if err != nil {
			cause = err
			continue
		}

		s.policy.Reset()
		// A missed push self-heals through the fresh snapshot
		if s.handlers.OnUpdate != nil && snapshot != nil {
			s.handlers.OnUpdate(snapshot)
		}
		return true
	}
}

// pingLoop keeps the transport alive at a fixed interval.
func (s *Subscription) pingLoop() {
	ticker := time.NewTicker(s.client.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.send(&clientMessage{Action: actionPing}); err != nil {
				// The read loop observes the broken transport and reconnects
				s.client.logger.Debug("keepalive ping failed", zap.Error(err))
			}
		case <-s.done:
			return
		}
	}
}

func (s *Subscription) send(msg *clientMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.ws == nil {
		return nil
	}
	return s.ws.WriteJSON(msg)
}

func (s *Subscription) conn() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws
}

func (s *Subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
