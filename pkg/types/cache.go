package types

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ArtifactKind names what a cache entry holds for a record.
type ArtifactKind string

const (
	ArtifactMetadata ArtifactKind = "metadata"
	ArtifactPayload  ArtifactKind = "payload"
)

// CacheKeyPrefix namespaces cache keys in shared backends.
const CacheKeyPrefix = "cellmirror"

// CacheKey addresses a cached artifact the same way the record store
// addresses a record: by device and start time.
type CacheKey struct {
	DeviceID  int64
	StartTime time.Time
	Kind      ArtifactKind
}

// KeyFor returns the cache key of an artifact of r.
func KeyFor(r *TestRecord, kind ArtifactKind) CacheKey {
	return CacheKey{DeviceID: r.DeviceID, StartTime: r.StartTime.UTC(), Kind: kind}
}

// String renders the key as stored in backends:
// cellmirror:<device_id>:<start_time>:<kind>.
func (k CacheKey) String() string {
	return fmt.Sprintf("%s:%d:%s:%s", CacheKeyPrefix, k.DeviceID, k.StartTime.UTC().Format(StartTimeLayout), k.Kind)
}

// ParseCacheKey is the inverse of CacheKey.String.
func ParseCacheKey(s string) (CacheKey, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 || parts[0] != CacheKeyPrefix {
		return CacheKey{}, fmt.Errorf("malformed cache key %q", s)
	}
	dev, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return CacheKey{}, fmt.Errorf("malformed cache key %q: %w", s, err)
	}
	start, err := time.ParseInLocation(StartTimeLayout, parts[2], time.UTC)
	if err != nil {
		return CacheKey{}, fmt.Errorf("malformed cache key %q: %w", s, err)
	}
	kind := ArtifactKind(parts[3])
	if kind != ArtifactMetadata && kind != ArtifactPayload {
		return CacheKey{}, fmt.Errorf("malformed cache key %q: unknown kind", s)
	}
	return CacheKey{DeviceID: dev, StartTime: start, Kind: kind}, nil
}

// Loader produces the authoritative bytes for a cache miss.
type Loader func(ctx context.Context) ([]byte, error)

// Cache is the read-through capability in front of the record store. It is
// implemented both by a pass-through adapter and by a real cache; callers
// cannot tell them apart. A cache is never authoritative.
type Cache interface {
	// GetOrLoad returns the fresh cached bytes for key, or calls loader,
	// stores its result, and returns it. Loader errors are returned as is.
	GetOrLoad(ctx context.Context, key CacheKey, loader Loader) ([]byte, error)

	// Invalidate removes key unconditionally.
	Invalidate(ctx context.Context, key CacheKey) error
}
