package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/mesh-intelligence/cellmirror/internal/manifest"
	"github.com/mesh-intelligence/cellmirror/pkg/types"
)

// Restore downloads record entry.ID again and writes it at entry's storage
// path, or at the canonical path when entry has none. It returns the
// refreshed entry but does not touch the manifest, so it may run inside
// another mutation. It returns types.ErrNotFound when the remote no longer
// serves the record.
func (s *Syncer) Restore(ctx context.Context, entry types.ManifestEntry) (types.ManifestEntry, error) {
	rec, err := s.lookup(ctx, entry.ID)
	if err != nil {
		return types.ManifestEntry{}, err
	}
	path := entry.StoragePath
	if path == "" {
		path = s.mirror.Store().StoragePath(&rec)
	}
	payload, err := s.fetch(ctx, rec.ID)
	if err != nil {
		return types.ManifestEntry{}, err
	}
	if err := s.mirror.Store().PutAt(ctx, path, &rec, payload); err != nil {
		return types.ManifestEntry{}, err
	}
	return rec.Entry(path), nil
}

// lookup lists a single record by ID.
func (s *Syncer) lookup(ctx context.Context, id string) (types.TestRecord, error) {
	recs, err := s.listAll(ctx, types.RemoteFilter{ID: id})
	if err != nil {
		return types.TestRecord{}, err
	}
	for _, r := range recs {
		if r.ID == id {
			if err := r.Validate(); err != nil {
				return types.TestRecord{}, err
			}
			return r, nil
		}
	}
	return types.TestRecord{}, fmt.Errorf("remote record %s: %w", id, types.ErrNotFound)
}

// Refetch re-downloads one record, keeping its storage path when it is
// already mirrored, and updates the manifest.
func (s *Syncer) Refetch(ctx context.Context, id string) (types.ManifestEntry, error) {
	if id == "" {
		return types.ManifestEntry{}, types.ErrInvalidID
	}
	var out types.ManifestEntry
	err := s.mirror.Mutate(ctx, func(doc *manifest.Manifest) error {
		entry, ok := doc.Get(id)
		if !ok {
			rec, err := s.lookup(ctx, id)
			if err != nil {
				return err
			}
			entry = rec.Entry(s.mirror.Store().StoragePath(&rec))
			if owner, taken := pathOwner(doc, entry.StoragePath); taken && owner != id {
				return fmt.Errorf("%w: storage path %s belongs to %s", types.ErrConflict, entry.StoragePath, owner)
			}
		}
		restored, err := s.Restore(ctx, entry)
		if err != nil {
			return err
		}
		if _, err := doc.Upsert(restored); err != nil {
			return err
		}
		out = restored
		return nil
	})
	return out, err
}

func pathOwner(doc *manifest.Manifest, storagePath string) (string, bool) {
	var owner string
	doc.Each(func(e *types.ManifestEntry) bool {
		if e.StoragePath == storagePath {
			owner = e.ID
			return false
		}
		return true
	})
	return owner, owner != ""
}

// Prune removes local records inside filter that the remote no longer
// reports. Records outside filter are never considered. With dryRun the
// candidates are returned and nothing changes. A listing failure prunes
// nothing. The listing runs inside the exclusive section so that a sync
// cannot add records it does not know about.
func (s *Syncer) Prune(ctx context.Context, filter types.RemoteFilter, dryRun bool) (*types.PruneResult, error) {
	res := &types.PruneResult{DryRun: dryRun}
	if dryRun {
		gone, err := s.vanished(ctx, filter)
		if err != nil {
			return nil, err
		}
		s.mirror.Snapshot().Each(func(e *types.ManifestEntry) bool {
			if gone(e) {
				res.Removed = append(res.Removed, *e)
			}
			return true
		})
		return res, nil
	}
	// Directories already deleted must leave the manifest, so partial
	// failures are saved and reported afterwards.
	var errs []error
	err := s.mirror.Mutate(ctx, func(doc *manifest.Manifest) error {
		gone, err := s.vanished(ctx, filter)
		if err != nil {
			return err
		}
		res.Removed, errs = s.removeWhere(doc, gone)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("prune complete", "removed", len(res.Removed), "failed", len(errs))
	return res, errors.Join(errs...)
}

// vanished lists filter and returns a matcher for local entries inside it
// that the remote did not report.
func (s *Syncer) vanished(ctx context.Context, filter types.RemoteFilter) (func(*types.ManifestEntry) bool, error) {
	remote, err := s.listAll(ctx, filter)
	if err != nil {
		return nil, err
	}
	alive := make(map[string]bool, len(remote))
	for _, r := range remote {
		alive[r.ID] = true
	}
	return func(e *types.ManifestEntry) bool {
		return filter.Covers(&e.TestRecord) && !alive[e.ID]
	}, nil
}

// DeleteDevice removes every local record of a device.
func (s *Syncer) DeleteDevice(ctx context.Context, deviceID int64) (*types.PruneResult, error) {
	res := &types.PruneResult{}
	var errs []error
	err := s.mirror.Mutate(ctx, func(doc *manifest.Manifest) error {
		res.Removed, errs = s.removeWhere(doc, func(e *types.ManifestEntry) bool {
			return e.DeviceID == deviceID
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("device deleted", "device_id", deviceID, "removed", len(res.Removed), "failed", len(errs))
	return res, errors.Join(errs...)
}

// removeWhere deletes the directories of matching entries and drops the
// entries. An entry whose directory cannot be deleted is kept.
func (s *Syncer) removeWhere(doc *manifest.Manifest, match func(*types.ManifestEntry) bool) ([]types.ManifestEntry, []error) {
	var victims []types.ManifestEntry
	doc.Each(func(e *types.ManifestEntry) bool {
		if match(e) {
			victims = append(victims, *e)
		}
		return true
	})

	var removed []types.ManifestEntry
	var errs []error
	for _, e := range victims {
		if err := s.mirror.Store().Delete(e.StoragePath); err != nil && !errors.Is(err, types.ErrNotFound) {
			errs = append(errs, &types.RecordError{ID: e.ID, Err: err})
			continue
		}
		doc.Remove(e.ID)
		removed = append(removed, e)
	}
	return removed, errs
}
