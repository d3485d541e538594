// Package query answers predicate queries over the mirror. Matching reads
// only the in-memory manifest snapshot; payloads and on-disk metadata are
// read through the cache, and only for entries that matched.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/mesh-intelligence/cellmirror/internal/cache"
	"github.com/mesh-intelligence/cellmirror/internal/mirror"
	"github.com/mesh-intelligence/cellmirror/internal/recordstore"
	"github.com/mesh-intelligence/cellmirror/pkg/types"
)

// RecordPayload is a matched entry with its payload.
type RecordPayload struct {
	Entry   types.ManifestEntry `json:"entry"`
	Payload []byte              `json:"payload"`
}

// RecordBundle is a matched entry with its on-disk metadata and payload.
type RecordBundle struct {
	Entry   types.ManifestEntry `json:"entry"`
	Record  types.TestRecord    `json:"record"`
	Payload []byte              `json:"payload"`
}

// Engine evaluates predicates against one mirror.
type Engine struct {
	mirror *mirror.Mirror
	cache  types.Cache
	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithCache reads artifacts through c. The default reads the store directly.
func WithCache(c types.Cache) Option {
	return func(e *Engine) {
		if c != nil {
			e.cache = c
		}
	}
}

// New returns an Engine over m.
func New(m *mirror.Mirror, opts ...Option) *Engine {
	e := &Engine{mirror: m, cache: cache.Passthrough{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FilterRecords returns the entries matching pred in manifest order. The
// empty predicate returns every entry.
func (e *Engine) FilterRecords(pred types.Predicate) ([]types.ManifestEntry, error) {
	if err := pred.Validate(); err != nil {
		return nil, err
	}
	return e.match(pred), nil
}

func (e *Engine) match(pred types.Predicate) []types.ManifestEntry {
	snap := e.mirror.Snapshot()
	if pred.IsEmpty() {
		return snap.Entries()
	}
	var out []types.ManifestEntry
	snap.Each(func(entry *types.ManifestEntry) bool {
		if pred.Matches(&entry.TestRecord) {
			c := *entry
			c.TestRecord = entry.TestRecord.Clone()
			out = append(out, c)
		}
		return true
	})
	return out
}

// FilterPayloads returns matching entries with their payloads. Entries whose
// payload cannot be read are left out and their errors joined into the
// returned error; the rest are still returned.
func (e *Engine) FilterPayloads(ctx context.Context, pred types.Predicate) ([]RecordPayload, error) {
	entries, err := e.FilterRecords(pred)
	if err != nil {
		return nil, err
	}
	out := make([]RecordPayload, 0, len(entries))
	var errs []error
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		payload, err := e.Payload(ctx, entry)
		if err != nil {
			e.logger.Debug("payload unavailable", "id", entry.ID, "err", err)
			errs = append(errs, &types.RecordError{ID: entry.ID, Err: err})
			continue
		}
		out = append(out, RecordPayload{Entry: entry, Payload: payload})
	}
	return out, errors.Join(errs...)
}

// FilterBoth returns matching entries with on-disk metadata and payload,
// in a single pass over the manifest.
func (e *Engine) FilterBoth(ctx context.Context, pred types.Predicate) ([]RecordBundle, error) {
	entries, err := e.FilterRecords(pred)
	if err != nil {
		return nil, err
	}
	out := make([]RecordBundle, 0, len(entries))
	var errs []error
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		rec, err := e.Metadata(ctx, entry)
		if err != nil {
			errs = append(errs, &types.RecordError{ID: entry.ID, Err: err})
			continue
		}
		payload, err := e.Payload(ctx, entry)
		if err != nil {
			errs = append(errs, &types.RecordError{ID: entry.ID, Err: err})
			continue
		}
		out = append(out, RecordBundle{Entry: entry, Record: rec, Payload: payload})
	}
	return out, errors.Join(errs...)
}

// Payload reads the payload of entry through the cache. A missing metadata
// or payload file is reported as types.ErrCorrupt.
func (e *Engine) Payload(ctx context.Context, entry types.ManifestEntry) ([]byte, error) {
	store := e.mirror.Store()
	return e.cache.GetOrLoad(ctx, types.KeyFor(&entry.TestRecord, types.ArtifactPayload), func(context.Context) ([]byte, error) {
		_, payload, err := store.Get(entry.StoragePath)
		return payload, err
	})
}

// Metadata reads the on-disk metadata of entry through the cache.
func (e *Engine) Metadata(ctx context.Context, entry types.ManifestEntry) (types.TestRecord, error) {
	store := e.mirror.Store()
	data, err := e.cache.GetOrLoad(ctx, types.KeyFor(&entry.TestRecord, types.ArtifactMetadata), func(context.Context) ([]byte, error) {
		rec, err := store.GetMetadata(entry.StoragePath)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				return nil, &types.CorruptError{Path: entry.StoragePath, Part: types.PartMetadata, Err: fmt.Errorf("%s: %w", recordstore.MetadataFile, fs.ErrNotExist)}
			}
			return nil, err
		}
		return json.Marshal(rec)
	})
	if err != nil {
		return types.TestRecord{}, err
	}
	rec, err := recordstore.DecodeMetadata(data)
	if err != nil {
		return types.TestRecord{}, fmt.Errorf("decoding cached metadata of %s: %w", entry.ID, err)
	}
	return rec, nil
}
