package cache

import (
	"fmt"
	"log/slog"

	"github.com/mesh-intelligence/cellmirror/pkg/types"
)

// NewBackend builds the backend named by cfg. It returns nil for
// types.CacheNone.
func NewBackend(cfg types.CacheConfig, logger *slog.Logger) (Backend, error) {
	switch cfg.Backend {
	case "", types.CacheNone:
		return nil, nil
	case types.CacheMemory:
		return NewMemoryBackend(cfg.MemoryBudget), nil
	case types.CacheRedis:
		return NewRedisBackend(RedisOptions{
			Addr:     cfg.RedisAddr,
			DB:       cfg.RedisDB,
			Password: cfg.RedisPassword,
			TTL:      cfg.TTL,
			Timeout:  cfg.Timeout,
		}), nil
	case types.CacheBolt:
		return OpenBoltBackend(cfg.BoltPath, logger)
	default:
		return nil, fmt.Errorf("%w: %q", types.ErrCacheBackend, cfg.Backend)
	}
}
