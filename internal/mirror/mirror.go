// Package mirror owns the manifest of a mirror root. Readers take immutable
// snapshots and never block; writers run inside an exclusive section that
// loads a working copy, saves it once and publishes it as the next snapshot.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/mesh-intelligence/cellmirror/internal/manifest"
	"github.com/mesh-intelligence/cellmirror/internal/recordstore"
	"github.com/mesh-intelligence/cellmirror/pkg/types"
)

// Invalidator drops cached artifacts. types.Cache satisfies it.
type Invalidator interface {
	Invalidate(ctx context.Context, key types.CacheKey) error
}

// Mirror couples a record store with the manifest that indexes it.
type Mirror struct {
	store  *recordstore.Store
	path   string
	logger *slog.Logger

	snap atomic.Pointer[Snapshot]
	sem  chan struct{}
	inv  atomic.Pointer[invalidatorBox]
}

type invalidatorBox struct{ Invalidator }

// Option configures a Mirror.
type Option func(*Mirror)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Mirror) { m.logger = l }
}

// Open loads the manifest under the store root.
func Open(store *recordstore.Store, opts ...Option) (*Mirror, error) {
	m := &Mirror{
		store:  store,
		path:   manifest.Path(store.Root()),
		logger: slog.Default(),
		sem:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	doc, err := manifest.Load(m.path)
	if err != nil {
		return nil, fmt.Errorf("loading manifest: %w", err)
	}
	m.snap.Store(newSnapshot(doc))
	m.logger.Debug("manifest loaded", "path", m.path, "entries", doc.Len(), "malformed", len(doc.Malformed()))
	return m, nil
}

// Store returns the record store.
func (m *Mirror) Store() *recordstore.Store {
	return m.store
}

// ManifestPath returns the manifest file location.
func (m *Mirror) ManifestPath() string {
	return m.path
}

// SetInvalidator registers the cache whose entries must be dropped when
// their manifest entries change.
func (m *Mirror) SetInvalidator(inv Invalidator) {
	if inv == nil {
		m.inv.Store(nil)
		return
	}
	m.inv.Store(&invalidatorBox{inv})
}

// Snapshot returns the last published manifest. It never blocks and is
// never torn.
func (m *Mirror) Snapshot() *Snapshot {
	return m.snap.Load()
}

// Mutate runs fn on a working copy of the manifest inside the exclusive
// section. If fn succeeds and the copy differs from the current snapshot,
// the copy is saved once and published. If fn fails nothing is saved; a
// failed save keeps the previous file and snapshot.
//
// Mutate returns types.ErrConflict if ctx ends while waiting for the section.
func (m *Mirror) Mutate(ctx context.Context, fn func(doc *manifest.Manifest) error) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.unlock()

	prev := m.snap.Load()
	work := prev.doc.Clone()
	if err := fn(work); err != nil {
		return err
	}
	return m.publish(ctx, prev, work)
}

// Init writes an empty manifest if the root has none yet. It reports
// whether a file was created.
func (m *Mirror) Init(ctx context.Context) (bool, error) {
	if err := m.lock(ctx); err != nil {
		return false, err
	}
	defer m.unlock()

	if _, err := os.Stat(m.path); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("stat manifest: %w", err)
	}
	if err := m.snap.Load().doc.Save(m.path); err != nil {
		return false, fmt.Errorf("saving manifest: %w", err)
	}
	return true, nil
}

// Reload re-reads the manifest file, picking up edits made outside this
// process.
func (m *Mirror) Reload(ctx context.Context) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.unlock()

	doc, err := manifest.Load(m.path)
	if err != nil {
		return fmt.Errorf("reloading manifest: %w", err)
	}
	prev := m.snap.Load()
	next := newSnapshot(doc)
	m.snap.Store(next)
	m.invalidate(ctx, diff(prev, next))
	return nil
}

func (m *Mirror) lock(ctx context.Context) error {
	select {
	case m.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for manifest: %v", types.ErrConflict, ctx.Err())
	}
}

func (m *Mirror) unlock() {
	<-m.sem
}

func (m *Mirror) publish(ctx context.Context, prev *Snapshot, work *manifest.Manifest) error {
	next := newSnapshot(work)
	stale := diff(prev, next)
	if len(stale) == 0 && len(prev.doc.Malformed()) == len(work.Malformed()) && sameOrder(prev, next) {
		return nil
	}
	if err := work.Save(m.path); err != nil {
		return fmt.Errorf("saving manifest: %w", err)
	}
	m.snap.Store(next)
	m.logger.Debug("manifest saved", "entries", work.Len(), "changed", len(stale))
	m.invalidate(ctx, stale)
	return nil
}

// invalidate drops both artifacts of every stale entry. Failures only cost
// a version-mismatch miss later, so they are logged.
func (m *Mirror) invalidate(ctx context.Context, stale []types.ManifestEntry) {
	box := m.inv.Load()
	if box == nil {
		return
	}
	for i := range stale {
		for _, kind := range []types.ArtifactKind{types.ArtifactMetadata, types.ArtifactPayload} {
			key := types.KeyFor(&stale[i].TestRecord, kind)
			if err := box.Invalidate(ctx, key); err != nil {
				m.logger.Warn("cache invalidation failed", "key", key.String(), "err", err)
			}
		}
	}
}

// VersionOf returns the version tag of the manifest entry addressed by key.
func (m *Mirror) VersionOf(key types.CacheKey) (string, bool) {
	e, ok := m.snap.Load().ByKey(key.DeviceID, key.StartTime)
	if !ok {
		return "", false
	}
	return manifest.Version(&e), true
}

// diff returns the entries of prev that changed or disappeared in next, plus
// the new versions of changed and added entries.
func diff(prev, next *Snapshot) []types.ManifestEntry {
	var out []types.ManifestEntry
	prev.doc.Each(func(e *types.ManifestEntry) bool {
		n, ok := next.doc.Get(e.ID)
		if !ok || manifest.Version(&n) != manifest.Version(e) {
			out = append(out, *e)
		}
		return true
	})
	next.doc.Each(func(e *types.ManifestEntry) bool {
		p, ok := prev.doc.Get(e.ID)
		if !ok || manifest.Version(&p) != manifest.Version(e) {
			out = append(out, *e)
		}
		return true
	})
	return out
}

func sameOrder(a, b *Snapshot) bool {
	if a.doc.Len() != b.doc.Len() {
		return false
	}
	ea, eb := a.doc.Entries(), b.doc.Entries()
	for i := range ea {
		if ea[i].ID != eb[i].ID {
			return false
		}
	}
	return true
}
