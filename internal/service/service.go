package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rollkeeper/relay/internal/registry"
	"github.com/rollkeeper/relay/internal/session"
	relayerr "github.com/rollkeeper/relay/pkg/errors"
	"github.com/rollkeeper/relay/pkg/metrics"
)

// DefaultLifetimeMinutes is the session lifetime applied when the caller
// does not supply one.
const DefaultLifetimeMinutes = 480

// Pusher delivers server-initiated messages to a single connection. The
// realtime gateway implements it. Delivery to a dead connection fails; the
// service treats that as expected and never propagates it.
type Pusher interface {
	PushUpdate(ctx context.Context, connID string, state json.RawMessage) error
	PushClosed(ctx context.Context, connID string, message string) error
}

// CreateResult is returned by Create.
type CreateResult struct {
	ID        string
	ExpiresAt int64
}

// Service implements the request-facing session operations and triggers
// fan-out to subscribed connections on update and delete.
type Service struct {
	logger   *zap.Logger
	store    session.Store
	registry registry.Registry
	pusher   Pusher
}

// NewService creates a new session service. The pusher is attached later
// via SetPusher since the gateway depends on the service in turn.
func NewService(logger *zap.Logger, store session.Store, reg registry.Registry) *Service {
	return &Service{
		logger:   logger.Named("service"),
		store:    store,
		registry: reg,
	}
}

// SetPusher attaches the delivery mechanism used for fan-out.
func (s *Service) SetPusher(p Pusher) {
	s.pusher = p
}

// Create generates a fresh session from an opaque state blob. The state is
// never validated against any schema. lifetimeMinutes must be positive;
// callers that allow omission resolve the default before calling.
func (s *Service) Create(ctx context.Context, state json.RawMessage, lifetimeMinutes int) (*CreateResult, error) {
	if lifetimeMinutes <= 0 {
		return nil, relayerr.InvalidLifetime(lifetimeMinutes)
	}

	now := time.Now().UnixMilli()
	sess := &session.Session{
		ID:        uuid.New().String(),
		State:     state,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now + int64(lifetimeMinutes)*time.Minute.Milliseconds(),
		Active:    "true",
	}

	if err := s.store.Put(ctx, sess); err != nil {
		return nil, err
	}

	metrics.SessionsCreated.Inc()
	s.logger.Info("session created",
		zap.String("id", sess.ID),
		zap.Int64("expires_at", sess.ExpiresAt))

	return &CreateResult{ID: sess.ID, ExpiresAt: sess.ExpiresAt}, nil
}

// Get returns the full session record, or a not-found/expired error.
func (s *Service) Get(ctx context.Context, id string) (*session.Session, error) {
	return s.store.Get(ctx, id)
}

// Update replaces the session state and notifies every subscribed
// connection. extendMinutes, when positive, pushes the expiry out from now.
// Individual delivery failures never fail the update.
func (s *Service) Update(ctx context.Context, id string, state json.RawMessage, extendMinutes int) (*session.Session, error) {
	now := time.Now().UnixMilli()
	upd := session.Update{
		State:     state,
		UpdatedAt: now,
	}
	if extendMinutes > 0 {
		upd.ExpiresAt = now + int64(extendMinutes)*time.Minute.Milliseconds()
	}

	sess, err := s.store.Update(ctx, id, upd)
	if err != nil {
		return nil, err
	}

	s.fanOut(ctx, id, func(connID string) error {
		return s.pusher.PushUpdate(ctx, connID, sess.State)
	}, "session_update")

	return sess, nil
}

// Delete removes the session and sends a best-effort close notice to every
// subscribed connection. Deleting an absent session succeeds.
func (s *Service) Delete(ctx context.Context, id string) error {
	// Notify before deletion; ordering does not affect correctness since
	// the registry is not atomically tied to the store.
	s.fanOut(ctx, id, func(connID string) error {
		return s.pusher.PushClosed(ctx, connID, "Session has been closed by the host")
	}, "session_closed")

	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}

	metrics.SessionsDeleted.Inc()
	s.logger.Info("session deleted", zap.String("id", id))
	return nil
}

// fanOut delivers one message per subscribed connection, collecting a result
// per target so one dead viewer cannot abort delivery to the rest.
func (s *Service) fanOut(ctx context.Context, sessionID string, deliver func(connID string) error, event string) {
	if s.pusher == nil {
		return
	}

	connIDs, err := s.registry.ListBySession(ctx, sessionID)
	if err != nil {
		s.logger.Error("failed to list subscribed connections",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return
	}

	var failed int
	for _, connID := range connIDs {
		if err := deliver(connID); err != nil {
			// Expected for connections that died without a disconnect
			// event; the registry TTL will reclaim them.
			failed++
			metrics.PushesFailed.Inc()
			s.logger.Debug("push delivery failed",
				zap.String("session_id", sessionID),
				zap.String("connection_id", connID),
				zap.Error(err))
			continue
		}
		metrics.PushesDelivered.WithLabelValues(event).Inc()
	}

	s.logger.Debug("fan-out complete",
		zap.String("session_id", sessionID),
		zap.String("event", event),
		zap.Int("targets", len(connIDs)),
		zap.Int("failed", failed))
}
