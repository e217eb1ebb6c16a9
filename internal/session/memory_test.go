package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	relayerr "github.com/rollkeeper/relay/pkg/errors"
)

func newTestSession(id string, lifetime time.Duration) *Session {
	now := time.Now().UnixMilli()
	return &Session{
		ID:        id,
		State:     json.RawMessage(`{"combatants":[],"currentTurn":0}`),
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now + lifetime.Milliseconds(),
		Active:    "true",
	}
}

func TestMemoryStore_PutGet(t *testing.T) {
	store := NewMemoryStore(zap.NewNop())
	defer store.Close()
	ctx := context.Background()

	sess := newTestSession("s1", time.Hour)
	require.NoError(t, store.Put(ctx, sess))

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.JSONEq(t, string(sess.State), string(got.State))
	assert.Equal(t, sess.ExpiresAt, got.ExpiresAt)
}

func TestMemoryStore_CallerBufferMutationDoesNotLeakIn(t *testing.T) {
	store := NewMemoryStore(zap.NewNop())
	defer store.Close()
	ctx := context.Background()

	buf := json.RawMessage(`{"v":1}`)
	sess := newTestSession("s1", time.Hour)
	sess.State = buf
	require.NoError(t, store.Put(ctx, sess))

	// Scribbling over the caller's buffer must not touch the stored record
	copy(buf, `{"v":9}`)
	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(got.State))

	// Same discipline for the update path
	buf2 := json.RawMessage(`{"v":2}`)
	_, err = store.Update(ctx, "s1", Update{State: buf2, UpdatedAt: time.Now().UnixMilli()})
	require.NoError(t, err)
	copy(buf2, `{"v":9}`)

	got, err = store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(got.State))

	// And for the read path: mutating a returned copy leaves the record alone
	copy(got.State, `{"v":9}`)
	again, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(again.State))
}

func TestMemoryStore_GetMissing(t *testing.T) {
	store := NewMemoryStore(zap.NewNop())
	defer store.Close()

	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, relayerr.ErrSessionNotFound)
}

func TestMemoryStore_GetExpired(t *testing.T) {
	store := NewMemoryStore(zap.NewNop())
	defer store.Close()
	ctx := context.Background()

	sess := newTestSession("s1", 20*time.Millisecond)
	require.NoError(t, store.Put(ctx, sess))

	time.Sleep(30 * time.Millisecond)

	_, err := store.Get(ctx, "s1")
	assert.ErrorIs(t, err, relayerr.ErrSessionExpired)
}

func TestMemoryStore_Update(t *testing.T) {
	store := NewMemoryStore(zap.NewNop())
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, newTestSession("s1", time.Hour)))

	newState := json.RawMessage(`{"combatants":[{"id":"a"}],"currentTurn":0}`)
	now := time.Now().UnixMilli()
	updated, err := store.Update(ctx, "s1", Update{State: newState, UpdatedAt: now})
	require.NoError(t, err)
	assert.JSONEq(t, string(newState), string(updated.State))
	assert.Equal(t, now, updated.UpdatedAt)

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.JSONEq(t, string(newState), string(got.State))
}

func TestMemoryStore_UpdateExtendsExpiry(t *testing.T) {
	store := NewMemoryStore(zap.NewNop())
	defer store.Close()
	ctx := context.Background()

	sess := newTestSession("s1", time.Hour)
	require.NoError(t, store.Put(ctx, sess))

	now := time.Now().UnixMilli()
	newExpiry := now + (2 * time.Hour).Milliseconds()
	updated, err := store.Update(ctx, "s1", Update{
		State:     sess.State,
		UpdatedAt: now,
		ExpiresAt: newExpiry,
	})
	require.NoError(t, err)
	assert.Equal(t, newExpiry, updated.ExpiresAt)
}

func TestMemoryStore_UpdateMissing(t *testing.T) {
	store := NewMemoryStore(zap.NewNop())
	defer store.Close()

	_, err := store.Update(context.Background(), "nope", Update{
		State:     json.RawMessage(`{}`),
		UpdatedAt: time.Now().UnixMilli(),
	})
	assert.ErrorIs(t, err, relayerr.ErrSessionNotFound)
}

func TestMemoryStore_DeleteIdempotent(t *testing.T) {
	store := NewMemoryStore(zap.NewNop())
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, newTestSession("s1", time.Hour)))
	require.NoError(t, store.Delete(ctx, "s1"))

	_, err := store.Get(ctx, "s1")
	assert.ErrorIs(t, err, relayerr.ErrSessionNotFound)

	// Deleting again is not an error
	assert.NoError(t, store.Delete(ctx, "s1"))
}

func TestMemoryStore_SweepPurgesExpired(t *testing.T) {
	store := NewMemoryStore(zap.NewNop())
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, newTestSession("live", time.Hour)))
	require.NoError(t, store.Put(ctx, newTestSession("dead", time.Millisecond)))

	time.Sleep(5 * time.Millisecond)
	store.sweep(time.Now())

	store.mu.RLock()
	defer store.mu.RUnlock()
	assert.Contains(t, store.sessions, "live")
	assert.NotContains(t, store.sessions, "dead")
}

func TestMemoryStore_CloseTwice(t *testing.T) {
	store := NewMemoryStore(zap.NewNop())
	assert.NoError(t, store.Close())
	assert.NoError(t, store.Close())
}
