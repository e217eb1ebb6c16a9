package session

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

// updateRetries bounds the optimistic-transaction retry loop in Update.
// Contention on a single session is not expected (one writer per session).
const updateRetries = 3

// RedisStore implements Store using Redis. Expiry is delegated to Redis
// key TTLs; the read path still filters records whose expiry has passed
// but which Redis has not reclaimed yet.
type RedisStore struct {
	logger *zap.Logger
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a new Redis-based session store
func NewRedisStore(logger *zap.Logger, cfg config.RedisConfig) (*RedisStore, error) {
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
		prefix = "relay:session"
	}

	return &RedisStore{
		logger: logger.Named("session.store.redis"),
		client: client,
		prefix: prefix,
	}, nil
}

func (s *RedisStore) key(id string) string {
	return s.prefix + ":" + id
}

// Put implements Store.Put
func (s *RedisStore) Put(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	ttl := time.Until(time.UnixMilli(sess.ExpiresAt))
	if ttl <= 0 {
		// Already expired, nothing to store
		return nil
	}

	if err := s.client.Set(ctx, s.key(sess.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", relayerr.ErrStoreUnavailable, err)
	}
	return nil
}

// Get implements Store.Get
func (s *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, relayerr.ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", relayerr.ErrStoreUnavailable, err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	if sess.Expired(time.Now()) {
		// Redis TTL lags the logical expiry; treat as absent
		return nil, relayerr.ErrSessionExpired
	}
	return &sess, nil
}

// Update implements Store.Update using an optimistic WATCH transaction so the
// exists-check and the rewrite are atomic per id.
func (s *RedisStore) Update(ctx context.Context, id string, upd Update) (*Session, error) {
	key := s.key(id)
	var updated *Session

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return relayerr.ErrSessionNotFound
			}
			return err
		}

		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			return fmt.Errorf("failed to unmarshal session: %w", err)
		}
		if sess.Expired(time.Now()) {
			return relayerr.ErrSessionExpired
		}

		sess.State = upd.State
		sess.UpdatedAt = upd.UpdatedAt
		if upd.ExpiresAt > 0 {
			sess.ExpiresAt = upd.ExpiresAt
		}

		out, err := json.Marshal(&sess)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, time.Until(time.UnixMilli(sess.ExpiresAt)))
			return nil
		})
		if err != nil {
			return err
		}
		updated = &sess
		return nil
	}

	for i := 0; i < updateRetries; i++ {
		err := s.client.Watch(ctx, txn, key)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			s.logger.Debug("session update transaction conflicted, retrying",
				zap.String("id", id))
			continue
		}
		if errors.Is(err, relayerr.ErrSessionNotFound) || errors.Is(err, relayerr.ErrSessionExpired) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", relayerr.ErrStoreUnavailable, err)
	}
	return nil, fmt.Errorf("%w: session update retries exhausted", relayerr.ErrStoreUnavailable)
}

// Delete implements Store.Delete. Absence is not an error.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("%w: %v", relayerr.ErrStoreUnavailable, err)
	}
	return nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
