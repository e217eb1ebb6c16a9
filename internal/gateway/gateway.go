package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rollkeeper/relay/internal/common/config"
	"github.com/rollkeeper/relay/internal/registry"
	"github.com/rollkeeper/relay/internal/service"
	relayerr "github.com/rollkeeper/relay/pkg/errors"
	"github.com/rollkeeper/relay/pkg/metrics"
)

// Gateway manages realtime connections: lifecycle, inbound command dispatch
// and outbound push delivery. It implements service.Pusher.
type Gateway struct {
	logger   *zap.Logger
	svc      *service.Service
	registry registry.Registry
	cfg      config.GatewayConfig
	upgrader websocket.Upgrader
	conns    sync.Map // connection id -> *Conn
}

var _ service.Pusher = (*Gateway)(nil)

// NewGateway creates a realtime gateway.
func NewGateway(logger *zap.Logger, svc *service.Service, reg registry.Registry, cfg config.GatewayConfig) *Gateway {
	return &Gateway{
		logger:   logger.Named("gateway"),
		svc:      svc,
		registry: reg,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			// The relay is origin-agnostic; viewers connect from any page
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleWebSocket upgrades the request and runs the connection's read loop
// until the client disconnects.
func (g *Gateway) HandleWebSocket(c *gin.Context) {
	ws, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	connID := uuid.New().String()
	conn := NewConn(connID, ws, g.cfg.WriteTimeout)

	ctx := c.Request.Context()
	if err := g.registry.Register(ctx, connID); err != nil {
		g.logger.Error("failed to register connection", zap.Error(err))
		_ = conn.Close(websocket.CloseInternalServerErr, "registration failed")
		return
	}

	g.conns.Store(connID, conn)
	metrics.ActiveConnections.Inc()
	metrics.TotalConnections.Inc()
	g.logger.Info("connection opened", zap.String("connection_id", connID))

	done := make(chan struct{})
	defer close(done)
	if g.cfg.PingInterval > 0 {
		go g.keepalive(conn, done)
	}

	defer func() {
		g.conns.Delete(connID)
		// The request context is gone once the client disconnects
		if err := g.registry.Remove(context.Background(), connID); err != nil {
			g.logger.Warn("failed to remove connection record",
				zap.String("connection_id", connID),
				zap.Error(err))
		}
		_ = conn.Close(websocket.CloseNormalClosure, "")
		metrics.ActiveConnections.Dec()
		g.logger.Info("connection closed", zap.String("connection_id", connID))
	}()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) &&
				!errors.Is(err, net.ErrClosed) {
				g.logger.Debug("read error",
					zap.String("connection_id", connID),
					zap.Error(err))
			}
			return
		}
		g.dispatch(ctx, conn, raw)
	}
}

// keepalive sends transport-level pings so idle-connection timeouts in
// intermediaries cannot cut off viewers that never send application pings.
func (g *Gateway) keepalive(conn *Conn, done <-chan struct{}) {
	ticker := time.NewTicker(g.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// dispatch handles one inbound frame.
func (g *Gateway) dispatch(ctx context.Context, conn *Conn, raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		g.writeError(conn, "Invalid message format")
		return
	}

	switch msg.Action {
	case ActionSubscribe:
		g.handleSubscribe(ctx, conn, msg.SessionID)
	case ActionUnsubscribe:
		g.handleUnsubscribe(ctx, conn)
	case ActionPing:
		// Keepalive only; refresh the registry TTL and answer
		if err := g.registry.Touch(ctx, conn.ID()); err != nil {
			g.logger.Warn("failed to touch connection",
				zap.String("connection_id", conn.ID()),
				zap.Error(err))
		}
		if err := conn.WriteMessage(&ServerMessage{Type: TypePong}); err != nil {
			g.logger.Debug("failed to send pong", zap.Error(err))
		}
	default:
		g.writeError(conn, "Unknown action: "+msg.Action)
	}
}

// handleSubscribe looks the session up and, if present, records the
// association and pushes the current snapshot. On a missing session the
// connection stays open and unsubscribed.
func (g *Gateway) handleSubscribe(ctx context.Context, conn *Conn, sessionID string) {
	if sessionID == "" {
		g.writeError(conn, "Missing sessionId")
		return
	}

	if _, err := g.svc.Get(ctx, sessionID); err != nil {
		if relayerr.IsNotFound(err) {
			g.writeError(conn, "Session not found or expired")
			return
		}
		g.logger.Error("failed to look up session",
			zap.String("session_id", sessionID),
			zap.Error(err))
		g.writeError(conn, "Internal server error")
		return
	}

	if err := g.registry.Upsert(ctx, conn.ID(), sessionID); err != nil {
		g.logger.Error("failed to record subscription",
			zap.String("connection_id", conn.ID()),
			zap.String("session_id", sessionID),
			zap.Error(err))
		g.writeError(conn, "Internal server error")
		return
	}
	conn.SetSessionID(sessionID)

	// Re-read after the registry write. An update committed between the
	// existence check and the Upsert already fanned out without this
	// connection; the fresh read keeps the snapshot at least that new.
	sess, err := g.svc.Get(ctx, sessionID)
	if err != nil {
		if relayerr.IsNotFound(err) {
			// Deleted out from under us mid-subscribe
			g.handleUnsubscribe(ctx, conn)
			g.writeError(conn, "Session not found or expired")
			return
		}
		g.logger.Error("failed to load session snapshot",
			zap.String("session_id", sessionID),
			zap.Error(err))
		g.writeError(conn, "Internal server error")
		return
	}

	if err := conn.WriteMessage(&ServerMessage{
		Type:        TypeSubscribed,
		CombatState: sess.State,
	}); err != nil {
		g.logger.Debug("failed to send snapshot",
			zap.String("connection_id", conn.ID()),
			zap.Error(err))
		return
	}
	g.logger.Info("connection subscribed",
		zap.String("connection_id", conn.ID()),
		zap.String("session_id", sessionID))
}

func (g *Gateway) handleUnsubscribe(ctx context.Context, conn *Conn) {
	if err := g.registry.Clear(ctx, conn.ID()); err != nil {
		g.logger.Warn("failed to clear subscription",
			zap.String("connection_id", conn.ID()),
			zap.Error(err))
	}
	conn.SetSessionID("")
}

// PushUpdate implements service.Pusher.
func (g *Gateway) PushUpdate(_ context.Context, connID string, state json.RawMessage) error {
	return g.push(connID, &ServerMessage{Type: TypeSessionUpdate, Data: state})
}

// PushClosed implements service.Pusher.
func (g *Gateway) PushClosed(_ context.Context, connID string, message string) error {
	return g.push(connID, &ServerMessage{Type: TypeSessionClosed, Message: message})
}

func (g *Gateway) push(connID string, msg *ServerMessage) error {
	v, ok := g.conns.Load(connID)
	if !ok {
		return relayerr.ErrConnectionNotFound
	}
	return v.(*Conn).WriteMessage(msg)
}

func (g *Gateway) writeError(conn *Conn, message string) {
	if err := conn.WriteMessage(&ServerMessage{Type: TypeError, Message: message}); err != nil {
		g.logger.Debug("failed to send error message", zap.Error(err))
	}
}

// Shutdown closes every open connection.
func (g *Gateway) Shutdown(reason string) {
	g.conns.Range(func(key, value any) bool {
		conn := value.(*Conn)
		g.logger.Info("closing connection on shutdown", zap.String("connection_id", conn.ID()))
		_ = conn.Close(websocket.CloseGoingAway, reason)
		return true
	})
}
