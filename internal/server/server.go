package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rollkeeper/relay/internal/common/config"
	"github.com/rollkeeper/relay/internal/gateway"
	"github.com/rollkeeper/relay/internal/service"
	relayerr "github.com/rollkeeper/relay/pkg/errors"
)

type (
	createSessionRequest struct {
		State            json.RawMessage `json:"state"`
		ExpiresInMinutes *int            `json:"expiresInMinutes"`
	}

	updateSessionRequest struct {
		State            json.RawMessage `json:"state"`
		ExtendTTLMinutes *int            `json:"extendTtlMinutes"`
	}
)

// Server wires the HTTP surface: session CRUD, the websocket endpoint,
// health and metrics.
type Server struct {
	logger *zap.Logger
	svc    *service.Service
	gw     *gateway.Gateway
	cfg    *config.RelayConfig
}

// NewServer creates a new HTTP server
func NewServer(logger *zap.Logger, svc *service.Service, gw *gateway.Gateway, cfg *config.RelayConfig) *Server {
	return &Server{
		logger: logger.Named("server"),
		svc:    svc,
		gw:     gw,
		cfg:    cfg,
	}
}

// RegisterRoutes registers middleware and routes on the given engine.
func (s *Server) RegisterRoutes(router *gin.Engine) {
	router.Use(s.recoveryMiddleware())
	router.Use(s.loggerMiddleware())
	router.Use(s.corsMiddleware())

	router.POST("/sessions", s.handleCreateSession)
	router.GET("/sessions/:id", s.handleGetSession)
	router.PUT("/sessions/:id", s.handleUpdateSession)
	router.DELETE("/sessions/:id", s.handleDeleteSession)

	router.GET(s.cfg.Gateway.Path, s.gw.HandleWebSocket)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET(s.cfg.Server.MetricsPath, gin.WrapH(promhttp.Handler()))
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	minutes := s.defaultLifetimeMinutes()
	if req.ExpiresInMinutes != nil {
		minutes = *req.ExpiresInMinutes
	}

	result, err := s.svc.Create(c.Request.Context(), req.State, minutes)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"sessionId": result.ID,
		"expiresAt": result.ExpiresAt,
		"message":   "Session created",
	})
}

// defaultLifetimeMinutes resolves the create-time default from the config,
// falling back to the service constant when the deployment leaves it unset.
func (s *Server) defaultLifetimeMinutes() int {
	if d := s.cfg.Session.DefaultLifetime; d > 0 {
		return int(d.Minutes())
	}
	return service.DefaultLifetimeMinutes
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessionId": sess.ID,
		"state":     sess.State,
		"createdAt": sess.CreatedAt,
		"updatedAt": sess.UpdatedAt,
		"expiresAt": sess.ExpiresAt,
	})
}

func (s *Server) handleUpdateSession(c *gin.Context) {
	var req updateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	var extend int
	if req.ExtendTTLMinutes != nil {
		extend = *req.ExtendTTLMinutes
	}

	sess, err := s.svc.Update(c.Request.Context(), c.Param("id"), req.State, extend)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":   "Session updated",
		"updatedAt": sess.UpdatedAt,
	})
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	if err := s.svc.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Session deleted"})
}

// writeError maps service errors onto the response surface. Not-found and
// expired get distinct 404 bodies; everything else is a generic 500 with
// the detail kept in the log.
func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, relayerr.ErrSessionExpired):
		c.JSON(http.StatusNotFound, gin.H{"error": "Session expired"})
	case errors.Is(err, relayerr.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
	case errors.Is(err, relayerr.ErrInvalidLifetime):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		s.logger.Error("request failed",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
