// Package checker reconciles the manifest, the record directories on disk
// and the cache.
//
// Check is read-only and runs against a manifest snapshot, so it is safe
// next to queries. Repair runs inside the mirror's exclusive section and
// re-validates every finding against the current state before acting, so a
// repeated or interrupted repair converges.
package checker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mesh-intelligence/cellmirror/internal/mirror"
	"github.com/mesh-intelligence/cellmirror/internal/recordstore"
	"github.com/mesh-intelligence/cellmirror/pkg/types"
)

// Refetcher re-downloads a single record without touching the manifest.
type Refetcher interface {
	Restore(ctx context.Context, entry types.ManifestEntry) (types.ManifestEntry, error)
}

// CacheScanner finds and evicts stale cache entries.
type CacheScanner interface {
	Stale(ctx context.Context) ([]string, error)
	Evict(ctx context.Context, rawKey string) error
}

// Checker finds and heals inconsistencies of one mirror.
type Checker struct {
	mirror  *mirror.Mirror
	refetch Refetcher
	cache   CacheScanner
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Checker.
type Option func(*Checker)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Checker) { c.logger = l }
}

// WithRefetcher enables recovery of missing records from the remote.
// Without one, every missing record is data loss.
func WithRefetcher(r Refetcher) Option {
	return func(c *Checker) { c.refetch = r }
}

// WithCache enables the stale cache pass.
func WithCache(cs CacheScanner) Option {
	return func(c *Checker) { c.cache = cs }
}

// New returns a Checker for m.
func New(m *mirror.Mirror, opts ...Option) *Checker {
	c := &Checker{mirror: m, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check reports orphans, missing records, malformed manifest lines and
// metadata files, stale cache keys and debris of interrupted writes.
func (c *Checker) Check(ctx context.Context) (*types.CheckReport, error) {
	snap := c.mirror.Snapshot()
	store := c.mirror.Store()
	rep := &types.CheckReport{CheckedAt: c.now().UTC(), Entries: snap.Len()}

	for _, bad := range snap.Malformed() {
		id, path := salvage(bad.Raw)
		rep.Malformed = append(rep.Malformed, types.Malformed{
			Source:      types.SourceManifest,
			Line:        bad.Line,
			Raw:         bad.Raw,
			ID:          id,
			StoragePath: path,
			Reason:      bad.Err.Error(),
		})
	}

	var walkErr error
	snap.Each(func(e *types.ManifestEntry) bool {
		if walkErr = ctx.Err(); walkErr != nil {
			return false
		}
		rec, err := store.Inspect(e.StoragePath)
		var ce *types.CorruptError
		switch {
		case err == nil && rec.ID != e.ID:
			rep.Missing = append(rep.Missing, types.Missing{
				ID: e.ID, StoragePath: e.StoragePath,
				Reason: fmt.Sprintf("directory holds record %s", rec.ID),
			})
		case err == nil:
		case errors.As(err, &ce) && ce.Part == types.PartMetadata:
			rep.Malformed = append(rep.Malformed, types.Malformed{
				Source: types.SourceDisk, ID: e.ID, StoragePath: e.StoragePath, Reason: err.Error(),
			})
		default:
			rep.Missing = append(rep.Missing, types.Missing{ID: e.ID, StoragePath: e.StoragePath, Reason: err.Error()})
		}
		return true
	})
	if walkErr != nil {
		return nil, walkErr
	}

	err := store.Walk(ctx, func(it recordstore.Item) error {
		if it.Kind == recordstore.ItemDebris {
			rep.Debris = append(rep.Debris, it.Path)
			return nil
		}
		if _, ok := snap.ByPath(it.Path); ok {
			return nil
		}
		rep.Orphans = append(rep.Orphans, c.classifyOrphan(it.Path))
		return nil
	})
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		stale, err := c.cache.Stale(ctx)
		if err != nil {
			c.logger.Warn("cache scan skipped", "err", err)
		} else {
			rep.StaleCache = stale
		}
	}

	c.logger.Debug("check complete",
		"entries", rep.Entries, "orphans", len(rep.Orphans), "missing", len(rep.Missing),
		"malformed", len(rep.Malformed), "stale_cache", len(rep.StaleCache), "debris", len(rep.Debris))
	return rep, nil
}

func (c *Checker) classifyOrphan(path string) types.Orphan {
	o := types.Orphan{StoragePath: path}
	rec, err := c.mirror.Store().Inspect(path)
	if err != nil {
		o.Reason = err.Error()
		if meta, merr := c.mirror.Store().GetMetadata(path); merr == nil {
			o.ID = meta.ID
		}
		return o
	}
	o.ID = rec.ID
	o.Recoverable = true
	return o
}

// salvage pulls the id and storage path out of a manifest line that failed
// strict decoding.
func salvage(raw string) (id, storagePath string) {
	var loose map[string]any
	if err := json.Unmarshal([]byte(raw), &loose); err != nil {
		return "", ""
	}
	id, _ = loose["id"].(string)
	storagePath, _ = loose["storage_path"].(string)
	return id, storagePath
}
