package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rollkeeper/relay/internal/registry"
	"github.com/rollkeeper/relay/internal/session"
	relayerr "github.com/rollkeeper/relay/pkg/errors"
)

// fakePusher records deliveries and can be told to fail for specific targets.
type fakePusher struct {
	mu      sync.Mutex
	updates map[string][]json.RawMessage
	closed  map[string][]string
	failing map[string]bool
}

func newFakePusher() *fakePusher {
	return &fakePusher{
		updates: make(map[string][]json.RawMessage),
		closed:  make(map[string][]string),
		failing: make(map[string]bool),
	}
}

func (p *fakePusher) PushUpdate(_ context.Context, connID string, state json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing[connID] {
		return errors.New("connection gone")
	}
	p.updates[connID] = append(p.updates[connID], state)
	return nil
}

func (p *fakePusher) PushClosed(_ context.Context, connID string, message string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing[connID] {
		return errors.New("connection gone")
	}
	p.closed[connID] = append(p.closed[connID], message)
	return nil
}

func (p *fakePusher) updatesFor(connID string) []json.RawMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.updates[connID]
}

func (p *fakePusher) closedFor(connID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed[connID]
}

func newTestService(t *testing.T) (*Service, registry.Registry, *fakePusher) {
	t.Helper()
	logger := zap.NewNop()
	store := session.NewMemoryStore(logger)
	t.Cleanup(func() { _ = store.Close() })
	reg := registry.NewMemoryRegistry(logger, time.Minute)
	t.Cleanup(func() { _ = reg.Close() })

	svc := NewService(logger, store, reg)
	pusher := newFakePusher()
	svc.SetPusher(pusher)
	return svc, reg, pusher
}

func TestService_CreateThenGet(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	state := json.RawMessage(`{"combatants":[],"currentTurn":0}`)
	before := time.Now().UnixMilli()
	result, err := svc.Create(ctx, state, 60)
	require.NoError(t, err)
	require.NotEmpty(t, result.ID)

	// expiresAt within a small tolerance of now + 60 minutes
	want := before + time.Hour.Milliseconds()
	assert.InDelta(t, want, result.ExpiresAt, float64(2*time.Second.Milliseconds()))

	sess, err := svc.Get(ctx, result.ID)
	require.NoError(t, err)
	assert.JSONEq(t, string(state), string(sess.State))
	assert.Equal(t, result.ExpiresAt, sess.ExpiresAt)
}

func TestService_CreateRejectsBadLifetime(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	for _, minutes := range []int{0, -5} {
		_, err := svc.Create(ctx, json.RawMessage(`{}`), minutes)
		assert.ErrorIs(t, err, relayerr.ErrInvalidLifetime)
	}
}

func TestService_GetUnknown(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Get(context.Background(), "never-created")
	assert.ErrorIs(t, err, relayerr.ErrSessionNotFound)
}

func TestService_UpdateWinsOverPriorState(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	s1 := json.RawMessage(`{"combatants":[],"currentTurn":0}`)
	s2 := json.RawMessage(`{"combatants":[{"id":"a"}],"currentTurn":0}`)

	result, err := svc.Create(ctx, s1, 60)
	require.NoError(t, err)

	_, err = svc.Update(ctx, result.ID, s2, 0)
	require.NoError(t, err)

	got, err := svc.Get(ctx, result.ID)
	require.NoError(t, err)
	assert.JSONEq(t, string(s2), string(got.State))
}

func TestService_UpdateMissingNoPartialWrite(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Update(ctx, "missing", json.RawMessage(`{"x":1}`), 0)
	assert.ErrorIs(t, err, relayerr.ErrSessionNotFound)

	_, err = svc.Get(ctx, "missing")
	assert.ErrorIs(t, err, relayerr.ErrSessionNotFound)
}

func TestService_UpdateFansOutToSubscribers(t *testing.T) {
	svc, reg, pusher := newTestService(t)
	ctx := context.Background()

	result, err := svc.Create(ctx, json.RawMessage(`{"v":1}`), 60)
	require.NoError(t, err)

	require.NoError(t, reg.Upsert(ctx, "viewer-1", result.ID))
	require.NoError(t, reg.Upsert(ctx, "viewer-2", result.ID))

	s2 := json.RawMessage(`{"v":2}`)
	_, err = svc.Update(ctx, result.ID, s2, 0)
	require.NoError(t, err)

	for _, connID := range []string{"viewer-1", "viewer-2"} {
		pushes := pusher.updatesFor(connID)
		require.Len(t, pushes, 1, "connection %s", connID)
		assert.JSONEq(t, string(s2), string(pushes[0]))
	}
}

func TestService_FanOutSurvivesDeadConnection(t *testing.T) {
	svc, reg, pusher := newTestService(t)
	ctx := context.Background()

	result, err := svc.Create(ctx, json.RawMessage(`{"v":1}`), 60)
	require.NoError(t, err)

	require.NoError(t, reg.Upsert(ctx, "dead", result.ID))
	require.NoError(t, reg.Upsert(ctx, "live", result.ID))
	pusher.failing["dead"] = true

	s2 := json.RawMessage(`{"v":2}`)
	_, err = svc.Update(ctx, result.ID, s2, 0)
	require.NoError(t, err, "a dead viewer must not fail the update")

	pushes := pusher.updatesFor("live")
	require.Len(t, pushes, 1)
	assert.JSONEq(t, string(s2), string(pushes[0]))
}

func TestService_DeleteNotifiesSubscribers(t *testing.T) {
	svc, reg, pusher := newTestService(t)
	ctx := context.Background()

	result, err := svc.Create(ctx, json.RawMessage(`{"v":1}`), 60)
	require.NoError(t, err)

	require.NoError(t, reg.Upsert(ctx, "viewer-1", result.ID))
	require.NoError(t, reg.Upsert(ctx, "viewer-2", result.ID))

	require.NoError(t, svc.Delete(ctx, result.ID))

	assert.Len(t, pusher.closedFor("viewer-1"), 1)
	assert.Len(t, pusher.closedFor("viewer-2"), 1)

	_, err = svc.Get(ctx, result.ID)
	assert.ErrorIs(t, err, relayerr.ErrSessionNotFound)
}

func TestService_DeleteAbsentSucceeds(t *testing.T) {
	svc, _, _ := newTestService(t)
	assert.NoError(t, svc.Delete(context.Background(), "never-created"))
}

func TestService_UpdateExtendsExpiry(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	result, err := svc.Create(ctx, json.RawMessage(`{}`), 10)
	require.NoError(t, err)

	before := time.Now().UnixMilli()
	sess, err := svc.Update(ctx, result.ID, json.RawMessage(`{}`), 120)
	require.NoError(t, err)

	want := before + 2*time.Hour.Milliseconds()
	assert.InDelta(t, want, sess.ExpiresAt, float64(2*time.Second.Milliseconds()))
	assert.Greater(t, sess.ExpiresAt, result.ExpiresAt)
}

func TestService_NoPusherIsTolerated(t *testing.T) {
	logger := zap.NewNop()
	store := session.NewMemoryStore(logger)
	t.Cleanup(func() { _ = store.Close() })
	reg := registry.NewMemoryRegistry(logger, time.Minute)
	t.Cleanup(func() { _ = reg.Close() })
	svc := NewService(logger, store, reg)

	result, err := svc.Create(context.Background(), json.RawMessage(`{}`), 60)
	require.NoError(t, err)
	_, err = svc.Update(context.Background(), result.ID, json.RawMessage(`{}`), 0)
	assert.NoError(t, err)
}
