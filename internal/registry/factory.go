package registry

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/rollkeeper/relay/internal/common/config"
)

// Type represents the type of connection registry
type Type string

const (
	// TypeMemory represents in-memory connection registry
	TypeMemory Type = "memory"
	// TypeRedis represents Redis-based connection registry
	TypeRedis Type = "redis"
)

// NewRegistry creates a new connection registry based on configuration
func NewRegistry(logger *zap.Logger, cfg *config.RegistryConfig) (Registry, error) {
	logger.Info("Initializing connection registry",
		zap.String("type", cfg.Type),
		zap.Duration("ttl", cfg.TTL))
	switch Type(cfg.Type) {
	case TypeMemory:
		return NewMemoryRegistry(logger, cfg.TTL), nil
	case TypeRedis:
		return NewRedisRegistry(logger, cfg.Redis, cfg.TTL)
	default:
		return nil, fmt.Errorf("unsupported connection registry type: %s", cfg.Type)
	}
}
