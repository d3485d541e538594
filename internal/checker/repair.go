package checker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mesh-intelligence/cellmirror/internal/manifest"
	"github.com/mesh-intelligence/cellmirror/internal/recordstore"
	"github.com/mesh-intelligence/cellmirror/pkg/types"
)

// Repair heals the findings of rep in a single manifest mutation, in this
// order: debris, malformed entries, orphans, missing records, stale cache.
// Findings that no longer apply are skipped. Records that can be neither
// read locally nor fetched again are removed and listed as data loss.
func (c *Checker) Repair(ctx context.Context, rep *types.CheckReport) (*types.RepairResult, error) {
	start := time.Now()
	res := &types.RepairResult{RunID: types.NewRunID()}
	log := c.logger.With("run_id", res.RunID)

	err := c.mirror.Mutate(ctx, func(doc *manifest.Manifest) error {
		r := &repairRun{Checker: c, ctx: ctx, doc: doc, store: c.mirror.Store(), res: res}
		r.debris(rep.Debris)
		pending := r.malformed(rep.Malformed)
		r.orphans(rep.Orphans)
		r.missing(rep.Missing)
		r.unresolved(pending)
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.evictStale(ctx, rep.StaleCache, res)
	res.Duration = time.Since(start)

	for _, loss := range res.DataLoss {
		log.Warn("record lost", "id", loss.ID, "path", loss.StoragePath, "reason", loss.Reason)
	}
	log.Info("repair complete", "actions", res.Actions(), "data_loss", len(res.DataLoss), "failures", len(res.Failures))
	return res, nil
}

func (c *Checker) evictStale(ctx context.Context, keys []string, res *types.RepairResult) {
	if c.cache == nil {
		return
	}
	for _, k := range keys {
		if err := c.cache.Evict(ctx, k); err != nil {
			res.Failures = append(res.Failures, types.NewRecordFailure(k, err))
			continue
		}
		res.Evicted = append(res.Evicted, k)
	}
}

// repairRun carries the state of one Repair inside the exclusive section.
type repairRun struct {
	*Checker
	ctx   context.Context
	doc   *manifest.Manifest
	store *recordstore.Store
	res   *types.RepairResult
}

func (r *repairRun) fail(id string, err error) {
	r.res.Failures = append(r.res.Failures, types.NewRecordFailure(id, err))
}

func (r *repairRun) upsert(e types.ManifestEntry) bool {
	if _, err := r.doc.Upsert(e); err != nil {
		r.fail(e.ID, err)
		return false
	}
	return true
}

// owner returns the ID of the entry referencing storagePath.
func (r *repairRun) owner(storagePath string) (string, bool) {
	var id string
	r.doc.Each(func(e *types.ManifestEntry) bool {
		if e.StoragePath == storagePath {
			id = e.ID
			return false
		}
		return true
	})
	return id, id != ""
}

func (r *repairRun) debris(paths []string) {
	for _, p := range paths {
		if err := r.store.RemoveDebris(p); err != nil {
			if !errors.Is(err, types.ErrNotFound) {
				r.fail(p, err)
			}
			continue
		}
		r.res.DebrisRemoved = append(r.res.DebrisRemoved, p)
	}
}

// malformed handles unreadable manifest lines and metadata files. Manifest
// lines that name a record which cannot be rebuilt from disk are returned
// as id -> storage path, to be resolved once orphans have been adopted.
func (r *repairRun) malformed(items []types.Malformed) map[string]string {
	pending := make(map[string]string)
	for _, m := range items {
		switch m.Source {
		case types.SourceManifest:
			if !r.doc.DropMalformed(m.Raw) {
				continue
			}
			if m.ID != "" {
				if _, ok := r.doc.Get(m.ID); ok {
					continue // duplicate of a valid line
				}
			}
			if m.StoragePath != "" {
				rec, err := r.store.Inspect(m.StoragePath)
				if err == nil && (m.ID == "" || rec.ID == m.ID) {
					if _, known := r.doc.Get(rec.ID); !known {
						if _, taken := r.owner(m.StoragePath); !taken && r.upsert(rec.Entry(m.StoragePath)) {
							r.res.Rederived = append(r.res.Rederived, rec.ID)
						}
					}
					continue
				}
			}
			if m.ID != "" {
				pending[m.ID] = m.StoragePath
				continue
			}
			r.res.LinesDropped++

		case types.SourceDisk:
			e, ok := r.doc.Get(m.ID)
			if !ok || e.StoragePath != m.StoragePath {
				continue
			}
			if _, err := r.store.Inspect(e.StoragePath); err == nil {
				continue
			}
			// The entry still holds the metadata; rebuild the file from it.
			if err := r.store.RewriteMetadata(e.StoragePath, &e.TestRecord); err == nil {
				r.res.Rederived = append(r.res.Rederived, e.ID)
				continue
			}
			r.recover(e, m.Reason)
		}
	}
	return pending
}

func (r *repairRun) orphans(items []types.Orphan) {
	for _, o := range items {
		if _, taken := r.owner(o.StoragePath); taken {
			continue
		}
		rec, err := r.store.Inspect(o.StoragePath)
		if err != nil {
			r.deleteOrphan(o.StoragePath)
			continue
		}
		existing, known := r.doc.Get(rec.ID)
		if !known {
			if r.upsert(rec.Entry(o.StoragePath)) {
				r.res.Adopted = append(r.res.Adopted, o.StoragePath)
			}
			continue
		}
		cur, err := r.store.Inspect(existing.StoragePath)
		if err == nil && cur.ID == rec.ID {
			// The entry's own directory is healthy; this one is a copy.
			r.deleteOrphan(o.StoragePath)
			continue
		}
		if r.upsert(rec.Entry(o.StoragePath)) {
			r.res.Adopted = append(r.res.Adopted, o.StoragePath)
			if err != nil {
				r.clear(existing.StoragePath)
			}
		}
	}
}

func (r *repairRun) deleteOrphan(storagePath string) {
	if err := r.store.Delete(storagePath); err != nil && !errors.Is(err, types.ErrNotFound) {
		r.fail(storagePath, err)
		return
	}
	r.res.OrphansDeleted = append(r.res.OrphansDeleted, storagePath)
}

func (r *repairRun) missing(items []types.Missing) {
	for _, m := range items {
		e, ok := r.doc.Get(m.ID)
		if !ok {
			continue
		}
		rec, err := r.store.Inspect(e.StoragePath)
		if err == nil && rec.ID == e.ID {
			continue
		}
		if err == nil && r.displaced(e, rec, m.Reason) {
			continue
		}
		r.recover(e, m.Reason)
	}
}

// displaced handles e's directory holding found, a different valid record.
// A record the manifest does not know is adopted where it lies; e is then
// restored at its canonical path, or reported lost when that path is taken.
func (r *repairRun) displaced(e types.ManifestEntry, found types.TestRecord, reason string) bool {
	if _, known := r.doc.Get(found.ID); known {
		return false
	}
	if !r.upsert(found.Entry(e.StoragePath)) {
		return true
	}
	r.res.Adopted = append(r.res.Adopted, e.StoragePath)

	target := r.store.StoragePath(&e.TestRecord)
	if target == e.StoragePath || r.occupied(target) {
		r.doc.Remove(e.ID)
		err := fmt.Errorf("%w: storage path %s holds record %s", types.ErrConflict, e.StoragePath, found.ID)
		r.res.DataLoss = append(r.res.DataLoss, types.DataLossEntry{ID: e.ID, StoragePath: e.StoragePath, Reason: err.Error()})
		return true
	}
	e.StoragePath = target
	r.recover(e, reason)
	return true
}

// occupied reports whether storagePath is referenced or present on disk.
func (r *repairRun) occupied(storagePath string) bool {
	if _, taken := r.owner(storagePath); taken {
		return true
	}
	_, err := r.store.Inspect(storagePath)
	return !errors.Is(err, types.ErrNotFound)
}

// recover re-fetches e, or removes it as data loss.
func (r *repairRun) recover(e types.ManifestEntry, reason string) {
	if r.refetch != nil {
		restored, err := r.refetch.Restore(r.ctx, e)
		if err == nil {
			if r.upsert(restored) {
				r.res.Restored = append(r.res.Restored, e.ID)
			}
			return
		}
		reason = fmt.Sprintf("%s; refetch failed: %v", reason, err)
	}
	r.doc.Remove(e.ID)
	r.clear(e.StoragePath)
	r.res.DataLoss = append(r.res.DataLoss, types.DataLossEntry{ID: e.ID, StoragePath: e.StoragePath, Reason: reason})
}

// clear removes an unreferenced directory that holds no readable record,
// and adopts it if it does.
func (r *repairRun) clear(storagePath string) {
	if storagePath == "" {
		return
	}
	if _, taken := r.owner(storagePath); taken {
		return
	}
	rec, err := r.store.Inspect(storagePath)
	if err == nil {
		if _, known := r.doc.Get(rec.ID); !known && r.upsert(rec.Entry(storagePath)) {
			r.res.Adopted = append(r.res.Adopted, storagePath)
		}
		return
	}
	if err := r.store.Delete(storagePath); err != nil && !errors.Is(err, types.ErrNotFound) && !errors.Is(err, types.ErrInvalidPath) {
		r.fail(storagePath, err)
	}
}

// unresolved fetches records named by dropped manifest lines that no
// orphan supplied.
func (r *repairRun) unresolved(pending map[string]string) {
	ids := make([]string, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if _, ok := r.doc.Get(id); ok {
			continue
		}
		path := pending[id]
		if _, taken := r.owner(path); taken {
			path = ""
		}
		r.recover(types.ManifestEntry{TestRecord: types.TestRecord{ID: id}, StoragePath: path}, "manifest line unreadable")
	}
}
