package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rollkeeper/relay/internal/common/config"
	relayerr "github.com/rollkeeper/relay/pkg/errors"
)

// RedisRegistry implements Registry using Redis. Connection records live
// under per-connection keys with a TTL; the per-session index is a set,
// filtered against live records on read since set members cannot carry
// their own expiry.
type RedisRegistry struct {
	logger *zap.Logger
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ Registry = (*RedisRegistry)(nil)

// NewRedisRegistry creates a new Redis-based connection registry
func NewRedisRegistry(logger *zap.Logger, cfg config.RedisConfig, ttl time.Duration) (*RedisRegistry, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "relay:registry"
	}

	return &RedisRegistry{
		logger: logger.Named("registry.redis"),
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}, nil
}

func (r *RedisRegistry) connKey(connID string) string {
	return r.prefix + ":conn:" + connID
}

func (r *RedisRegistry) indexKey(sessionID string) string {
	return r.prefix + ":sess:" + sessionID
}

// Register implements Registry.Register
func (r *RedisRegistry) Register(ctx context.Context, connID string) error {
	return r.write(ctx, &Record{ConnectionID: connID}, nil)
}

// Upsert implements Registry.Upsert
func (r *RedisRegistry) Upsert(ctx context.Context, connID, sessionID string) error {
	old, err := r.get(ctx, connID)
	if err != nil && !errors.Is(err, relayerr.ErrConnectionNotFound) {
		return err
	}
	return r.write(ctx, &Record{ConnectionID: connID, SessionID: sessionID}, old)
}

// Clear implements Registry.Clear
func (r *RedisRegistry) Clear(ctx context.Context, connID string) error {
	old, err := r.get(ctx, connID)
	if err != nil {
		if errors.Is(err, relayerr.ErrConnectionNotFound) {
			return nil
		}
		return err
	}
	return r.write(ctx, &Record{ConnectionID: connID}, old)
}

// Remove implements Registry.Remove
func (r *RedisRegistry) Remove(ctx context.Context, connID string) error {
	old, err := r.get(ctx, connID)
	if err != nil {
		if errors.Is(err, relayerr.ErrConnectionNotFound) {
			return nil
		}
		return err
	}

	pipe := r.client.TxPipeline()
	if old.SessionID != "" {
		pipe.SRem(ctx, r.indexKey(old.SessionID), connID)
	}
	pipe.Del(ctx, r.connKey(connID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", relayerr.ErrStoreUnavailable, err)
	}
	return nil
}

// Touch implements Registry.Touch. The session index key carries its own
// TTL, so it must be refreshed alongside the connection key or a long-lived
// subscriber would fall out of ListBySession while still pinging.
func (r *RedisRegistry) Touch(ctx context.Context, connID string) error {
	rec, err := r.get(ctx, connID)
	if err != nil {
		if errors.Is(err, relayerr.ErrConnectionNotFound) {
			// Already expired; nothing to refresh
			return nil
		}
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Expire(ctx, r.connKey(connID), r.ttl)
	if rec.SessionID != "" {
		pipe.Expire(ctx, r.indexKey(rec.SessionID), r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", relayerr.ErrStoreUnavailable, err)
	}
	return nil
}

// ListBySession implements Registry.ListBySession
func (r *RedisRegistry) ListBySession(ctx context.Context, sessionID string) ([]string, error) {
	members, err := r.client.SMembers(ctx, r.indexKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", relayerr.ErrStoreUnavailable, err)
	}

	ids := make([]string, 0, len(members))
	for _, connID := range members {
		exists, err := r.client.Exists(ctx, r.connKey(connID)).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", relayerr.ErrStoreUnavailable, err)
		}
		if exists == 0 {
			// Record expired, drop the stale index entry
			if err := r.client.SRem(ctx, r.indexKey(sessionID), connID).Err(); err != nil {
				r.logger.Warn("failed to remove stale index entry",
					zap.String("connection_id", connID),
					zap.Error(err))
			}
			continue
		}
		ids = append(ids, connID)
	}
	return ids, nil
}

// Close closes the Redis client.
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}

// get fetches a connection record.
func (r *RedisRegistry) get(ctx context.Context, connID string) (*Record, error) {
	data, err := r.client.Get(ctx, r.connKey(connID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, relayerr.ErrConnectionNotFound
		}
		return nil, fmt.Errorf("%w: %v", relayerr.ErrStoreUnavailable, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal connection record: %w", err)
	}
	return &rec, nil
}

// write stores a record with a fresh TTL and keeps the session index in
// step with any association change.
func (r *RedisRegistry) write(ctx context.Context, rec *Record, old *Record) error {
	rec.ExpiresAt = time.Now().Add(r.ttl).UnixMilli()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal connection record: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.connKey(rec.ConnectionID), data, r.ttl)
	if old != nil && old.SessionID != "" && old.SessionID != rec.SessionID {
		pipe.SRem(ctx, r.indexKey(old.SessionID), rec.ConnectionID)
	}
	if rec.SessionID != "" {
		pipe.SAdd(ctx, r.indexKey(rec.SessionID), rec.ConnectionID)
		pipe.Expire(ctx, r.indexKey(rec.SessionID), r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", relayerr.ErrStoreUnavailable, err)
	}
	return nil
}
