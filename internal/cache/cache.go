// Package cache implements the read-through cache that fronts the record
// store. Cached values carry the manifest version tag they were loaded
// under; a value whose tag no longer matches the manifest is a miss. Backend
// failures never fail a read: the layer falls back to the loader.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/mesh-intelligence/cellmirror/pkg/types"
)

// ErrMiss is returned by a Backend for an absent key.
var ErrMiss = errors.New("cache miss")

// Backend is a byte-string key-value store.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Scan calls fn for every key starting with prefix. fn may not call back
	// into the backend.
	Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error
	Close() error
}

// VersionSource reports the current manifest version of the entry a key
// addresses.
type VersionSource interface {
	VersionOf(key types.CacheKey) (string, bool)
}

// Stats counts layer outcomes since creation.
type Stats struct {
	Hits     int64 `json:"hits"`
	Misses   int64 `json:"misses"`
	Degraded int64 `json:"degraded"`
}

// Layer is a types.Cache over a Backend.
type Layer struct {
	backend  Backend
	versions VersionSource
	logger   *slog.Logger

	hits, misses, degraded atomic.Int64
}

var _ types.Cache = (*Layer)(nil)

// Option configures a Layer.
type Option func(*Layer)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Layer) { c.logger = l }
}

// New returns a Layer storing values in backend, fresh while versions agrees.
func New(backend Backend, versions VersionSource, opts ...Option) *Layer {
	c := &Layer{backend: backend, versions: versions, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetOrLoad implements types.Cache.
func (c *Layer) GetOrLoad(ctx context.Context, key types.CacheKey, loader types.Loader) ([]byte, error) {
	version, known := c.versions.VersionOf(key)
	if !known {
		// Nothing in the manifest to be fresh against.
		c.misses.Add(1)
		return loader(ctx)
	}

	k := key.String()
	raw, err := c.backend.Get(ctx, k)
	switch {
	case err == nil:
		tag, data, derr := decodeEnvelope(raw)
		if derr == nil && tag == version {
			c.hits.Add(1)
			return data, nil
		}
		c.logger.Debug("cache entry stale", "key", k, "cached", tag, "current", version)
	case errors.Is(err, ErrMiss):
	default:
		c.degraded.Add(1)
		c.logger.Warn("cache backend unavailable, reading through", "key", k, "err", err)
	}
	c.misses.Add(1)

	data, err := loader(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.backend.Set(ctx, k, encodeEnvelope(version, data)); err != nil {
		c.degraded.Add(1)
		c.logger.Debug("cache store failed", "key", k, "err", err)
	}
	return data, nil
}

// Invalidate implements types.Cache.
func (c *Layer) Invalidate(ctx context.Context, key types.CacheKey) error {
	return c.Evict(ctx, key.String())
}

// Evict removes a raw backend key, including ones that do not parse.
func (c *Layer) Evict(ctx context.Context, rawKey string) error {
	if err := c.backend.Delete(ctx, rawKey); err != nil && !errors.Is(err, ErrMiss) {
		return fmt.Errorf("evicting %s: %w", rawKey, err)
	}
	return nil
}

// Stale returns the keys whose stored version tag does not match the
// manifest: undecodable keys or values, keys without a manifest entry, and
// version mismatches.
func (c *Layer) Stale(ctx context.Context) ([]string, error) {
	var stale []string
	err := c.backend.Scan(ctx, types.CacheKeyPrefix+":", func(k string, value []byte) error {
		key, err := types.ParseCacheKey(k)
		if err != nil {
			stale = append(stale, k)
			return nil
		}
		tag, _, err := decodeEnvelope(value)
		if err != nil {
			stale = append(stale, k)
			return nil
		}
		if current, ok := c.versions.VersionOf(key); !ok || current != tag {
			stale = append(stale, k)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning cache: %w", err)
	}
	return stale, nil
}

// Stats returns hit and miss counters.
func (c *Layer) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Degraded: c.degraded.Load()}
}

// Close closes the backend.
func (c *Layer) Close() error {
	return c.backend.Close()
}

// Passthrough is a types.Cache that always calls the loader.
type Passthrough struct{}

var _ types.Cache = Passthrough{}

func (Passthrough) GetOrLoad(ctx context.Context, _ types.CacheKey, loader types.Loader) ([]byte, error) {
	return loader(ctx)
}

func (Passthrough) Invalidate(context.Context, types.CacheKey) error {
	return nil
}
