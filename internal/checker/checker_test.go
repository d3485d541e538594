package checker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/cellmirror/internal/cache"
	"github.com/mesh-intelligence/cellmirror/internal/manifest"
	"github.com/mesh-intelligence/cellmirror/internal/mirror"
	"github.com/mesh-intelligence/cellmirror/internal/recordstore"
	"github.com/mesh-intelligence/cellmirror/internal/syncer"
	"github.com/mesh-intelligence/cellmirror/internal/testutil"
	"github.com/mesh-intelligence/cellmirror/pkg/types"
)

type fixture struct {
	mirror  *mirror.Mirror
	store   *recordstore.Store
	remote  *testutil.FakeRemote
	syncer  *syncer.Syncer
	layer   *cache.Layer
	checker *Checker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := recordstore.New(t.TempDir())
	require.NoError(t, err)
	m, err := mirror.Open(store)
	require.NoError(t, err)
	layer := cache.New(cache.NewMemoryBackend(1<<20), m)
	m.SetInvalidator(layer)
	remote := testutil.NewFakeRemote(10)
	s := syncer.New(m, remote, syncer.WithRetry(0, time.Millisecond))
	return &fixture{
		mirror:  m,
		store:   store,
		remote:  remote,
		syncer:  s,
		layer:   layer,
		checker: New(m, WithRefetcher(s), WithCache(layer)),
	}
}

// synced seeds the remote with two records of device 17154 and mirrors them.
func (f *fixture) synced(t *testing.T) {
	t.Helper()
	for _, r := range []types.TestRecord{
		testutil.Record("a", 17154, "2023-08-15_08-57-21", 10),
		testutil.Record("b", 17154, "2023-08-20_10-00-00", 10),
	} {
		f.remote.Put(r, testutil.Payload(r.ID, r.LastDataPointTimestamp))
	}
	sum, err := f.syncer.Sync(context.Background(), types.RemoteFilter{})
	require.NoError(t, err)
	require.Equal(t, 2, sum.Created)
}

func (f *fixture) abs(storagePath string, name ...string) string {
	return filepath.Join(append([]string{f.store.Root(), filepath.FromSlash(storagePath)}, name...)...)
}

func (f *fixture) check(t *testing.T) *types.CheckReport {
	t.Helper()
	rep, err := f.checker.Check(context.Background())
	require.NoError(t, err)
	return rep
}

func (f *fixture) repair(t *testing.T, rep *types.CheckReport) *types.RepairResult {
	t.Helper()
	res, err := f.checker.Repair(context.Background(), rep)
	require.NoError(t, err)
	return res
}

func (f *fixture) requireClean(t *testing.T) {
	t.Helper()
	rep := f.check(t)
	assert.True(t, rep.Clean(), "expected clean report, got %+v", rep)
}

func TestCheckCleanMirror(t *testing.T) {
	f := newFixture(t)
	f.synced(t)
	rep := f.check(t)
	assert.True(t, rep.Clean())
	assert.Equal(t, 2, rep.Entries)
}

func TestCheckIsReadOnly(t *testing.T) {
	f := newFixture(t)
	f.synced(t)
	a, _ := f.mirror.Snapshot().Get("a")
	require.NoError(t, os.Remove(f.abs(a.StoragePath, recordstore.PayloadFile)))
	_, err := f.store.Put(context.Background(), &types.TestRecord{
		ID: "orphan", DeviceID: 1, DeviceName: "x", StartTime: types.MustParseTime("2023-01-01_00-00-00"),
	}, []byte("p"))
	require.NoError(t, err)

	before, err := os.ReadFile(f.mirror.ManifestPath())
	require.NoError(t, err)
	rep := f.check(t)
	assert.Len(t, rep.Missing, 1)
	assert.Len(t, rep.Orphans, 1)

	after, err := os.ReadFile(f.mirror.ManifestPath())
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, 2, f.mirror.Snapshot().Len())
	_, err = os.Stat(f.abs("x/2023-01-01_00-00-00"))
	assert.NoError(t, err)
}

func TestOrphanIsAdopted(t *testing.T) {
	f := newFixture(t)
	f.synced(t)
	orphan := testutil.Record("c", 17154, "2023-08-25_12-00-00", 3)
	path, err := f.store.Put(context.Background(), &orphan, []byte("payload"))
	require.NoError(t, err)

	rep := f.check(t)
	require.Len(t, rep.Orphans, 1)
	assert.Equal(t, types.Orphan{StoragePath: path, Recoverable: true, ID: "c"}, rep.Orphans[0])

	res := f.repair(t, rep)
	assert.Equal(t, []string{path}, res.Adopted)
	e, ok := f.mirror.Snapshot().Get("c")
	require.True(t, ok)
	assert.Equal(t, path, e.StoragePath)
	f.requireClean(t)
}

func TestUnrecoverableOrphanIsDeleted(t *testing.T) {
	f := newFixture(t)
	f.synced(t)
	dir := f.abs("cell-17154/2023-09-01_00-00-00")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, recordstore.PayloadFile), []byte("p"), 0o644))

	rep := f.check(t)
	require.Len(t, rep.Orphans, 1)
	assert.False(t, rep.Orphans[0].Recoverable)
	assert.NotEmpty(t, rep.Orphans[0].Reason)

	res := f.repair(t, rep)
	assert.Equal(t, []string{"cell-17154/2023-09-01_00-00-00"}, res.OrphansDeleted)
	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
	f.requireClean(t)
}

func TestDuplicateOrphanIsDeleted(t *testing.T) {
	f := newFixture(t)
	f.synced(t)
	a, _ := f.mirror.Snapshot().Get("a")
	rec := a.Record()
	require.NoError(t, f.store.PutAt(context.Background(), "copies/a", &rec, []byte("copy")))

	res := f.repair(t, f.check(t))
	assert.Equal(t, []string{"copies/a"}, res.OrphansDeleted)
	got, _ := f.mirror.Snapshot().Get("a")
	assert.Equal(t, a.StoragePath, got.StoragePath)
	f.requireClean(t)
}

func TestMissingPayloadIsRestoredFromRemote(t *testing.T) {
	f := newFixture(t)
	f.synced(t)
	b, _ := f.mirror.Snapshot().Get("b")
	require.NoError(t, os.Remove(f.abs(b.StoragePath, recordstore.PayloadFile)))

	rep := f.check(t)
	require.Len(t, rep.Missing, 1)
	assert.Equal(t, "b", rep.Missing[0].ID)

	res := f.repair(t, rep)
	assert.Equal(t, []string{"b"}, res.Restored)
	assert.Empty(t, res.DataLoss)
	_, payload, err := f.store.Get(b.StoragePath)
	require.NoError(t, err)
	assert.Equal(t, string(testutil.Payload("b", 10)), string(payload))
	f.requireClean(t)
}

func TestMissingPayloadBecomesDataLossWhenRemoteCannotServe(t *testing.T) {
	f := newFixture(t)
	f.synced(t)
	b, _ := f.mirror.Snapshot().Get("b")
	require.NoError(t, os.Remove(f.abs(b.StoragePath, recordstore.PayloadFile)))
	f.remote.Remove("b")

	res := f.repair(t, f.check(t))
	require.Len(t, res.DataLoss, 1)
	assert.Equal(t, "b", res.DataLoss[0].ID)
	assert.Contains(t, res.DataLoss[0].Reason, "refetch failed")
	_, ok := f.mirror.Snapshot().Get("b")
	assert.False(t, ok)
	_, err := os.Stat(f.abs(b.StoragePath))
	assert.True(t, os.IsNotExist(err), "partial directory removed")
	f.requireClean(t)
}

func TestMissingWithoutRefetcherIsDataLoss(t *testing.T) {
	f := newFixture(t)
	f.synced(t)
	a, _ := f.mirror.Snapshot().Get("a")
	require.NoError(t, os.RemoveAll(f.abs(a.StoragePath)))

	c := New(f.mirror)
	rep, err := c.Check(context.Background())
	require.NoError(t, err)
	res, err := c.Repair(context.Background(), rep)
	require.NoError(t, err)
	require.Len(t, res.DataLoss, 1)
	assert.Equal(t, 1, f.mirror.Snapshot().Len())
}

func TestForeignRecordInEntryDirectoryIsAdopted(t *testing.T) {
	ctx := context.Background()
	c := testutil.Record("c", 17154, "2023-09-01_00-00-00", 5)

	t.Run("canonical path taken", func(t *testing.T) {
		f := newFixture(t)
		f.synced(t)
		a, _ := f.mirror.Snapshot().Get("a")
		require.NoError(t, f.store.PutAt(ctx, a.StoragePath, &c, testutil.Payload("c", 5)))

		rep := f.check(t)
		require.Len(t, rep.Missing, 1)
		assert.Equal(t, "a", rep.Missing[0].ID)

		res := f.repair(t, rep)
		assert.Equal(t, []string{a.StoragePath}, res.Adopted)
		assert.Empty(t, res.Restored)
		require.Len(t, res.DataLoss, 1)
		assert.Equal(t, "a", res.DataLoss[0].ID)
		assert.Contains(t, res.DataLoss[0].Reason, types.ErrConflict.Error())

		got, ok := f.mirror.Snapshot().Get("c")
		require.True(t, ok)
		assert.Equal(t, a.StoragePath, got.StoragePath)
		_, payload, err := f.store.Get(a.StoragePath)
		require.NoError(t, err)
		assert.Equal(t, string(testutil.Payload("c", 5)), string(payload))
		f.requireClean(t)
	})

	t.Run("entry restored at canonical path", func(t *testing.T) {
		f := newFixture(t)
		f.synced(t)
		a, _ := f.mirror.Snapshot().Get("a")
		moved := "moved/2023-08-15_08-57-21"
		require.NoError(t, os.MkdirAll(f.abs("moved"), 0o755))
		require.NoError(t, os.Rename(f.abs(a.StoragePath), f.abs(moved)))
		require.NoError(t, f.mirror.Mutate(ctx, func(doc *manifest.Manifest) error {
			e := a
			e.StoragePath = moved
			_, err := doc.Upsert(e)
			return err
		}))
		require.NoError(t, f.store.PutAt(ctx, moved, &c, testutil.Payload("c", 5)))

		res := f.repair(t, f.check(t))
		assert.Equal(t, []string{moved}, res.Adopted)
		assert.Equal(t, []string{"a"}, res.Restored)
		assert.Empty(t, res.DataLoss)

		got, _ := f.mirror.Snapshot().Get("a")
		assert.Equal(t, a.StoragePath, got.StoragePath)
		got, _ = f.mirror.Snapshot().Get("c")
		assert.Equal(t, moved, got.StoragePath)
		f.requireClean(t)
	})
}

func TestCorruptMetadataIsRederived(t *testing.T) {
	f := newFixture(t)
	f.synced(t)
	a, _ := f.mirror.Snapshot().Get("a")
	require.NoError(t, os.WriteFile(f.abs(a.StoragePath, recordstore.MetadataFile), []byte("{\"id\": "), 0o644))

	rep := f.check(t)
	require.Len(t, rep.Malformed, 1)
	assert.Equal(t, types.SourceDisk, rep.Malformed[0].Source)
	assert.Equal(t, "a", rep.Malformed[0].ID)

	res := f.repair(t, rep)
	assert.Equal(t, []string{"a"}, res.Rederived)
	rec, err := f.store.GetMetadata(a.StoragePath)
	require.NoError(t, err)
	assert.Equal(t, a.Record(), rec)
	f.requireClean(t)
}

func appendManifest(t *testing.T, f *fixture, lines ...string) {
	t.Helper()
	fh, err := os.OpenFile(f.mirror.ManifestPath(), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	for _, l := range lines {
		_, err := fh.WriteString(l + "\n")
		require.NoError(t, err)
	}
	require.NoError(t, fh.Close())
	require.NoError(t, f.mirror.Reload(context.Background()))
}

func TestMalformedManifestLines(t *testing.T) {
	f := newFixture(t)
	f.synced(t)
	ctx := context.Background()

	// A record on disk whose manifest line lost its device_name.
	c := testutil.Record("c", 17154, "2023-08-25_12-00-00", 3)
	cPath, err := f.store.Put(ctx, &c, []byte("c"))
	require.NoError(t, err)
	// A record the remote still has, named only by id.
	d := testutil.Record("d", 17154, "2023-08-26_12-00-00", 4)
	f.remote.Put(d, testutil.Payload("d", 4))

	appendManifest(t, f,
		`{"id":"c","storage_path":"`+cPath+`"}`,
		`{"id":"d"}`,
		`{"id":"e","device_name":`,
		`{truncated`,
	)

	rep := f.check(t)
	assert.Len(t, rep.Malformed, 4)
	assert.Len(t, rep.Orphans, 1, "c's directory is not referenced by a valid entry")

	res := f.repair(t, rep)
	assert.Equal(t, []string{"c"}, res.Rederived)
	assert.Equal(t, []string{"d"}, res.Restored)
	assert.Equal(t, 2, res.LinesDropped)
	assert.Empty(t, res.DataLoss)
	assert.Empty(t, res.Adopted, "orphan already re-derived")

	f.requireClean(t)
	assert.Equal(t, 4, f.mirror.Snapshot().Len())
}

func TestDebrisIsRemoved(t *testing.T) {
	f := newFixture(t)
	f.synced(t)
	tmp := f.abs("cell-17154/.tmp-interrupted")
	require.NoError(t, os.MkdirAll(tmp, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tmp, recordstore.PayloadFile), []byte("half"), 0o644))

	rep := f.check(t)
	assert.Equal(t, []string{"cell-17154/.tmp-interrupted"}, rep.Debris)
	res := f.repair(t, rep)
	assert.Equal(t, rep.Debris, res.DebrisRemoved)
	f.requireClean(t)
}

func TestStaleCacheIsEvicted(t *testing.T) {
	f := newFixture(t)
	f.synced(t)
	ctx := context.Background()

	gone := types.CacheKey{DeviceID: 99, StartTime: types.MustParseTime("2020-01-01_00-00-00"), Kind: types.ArtifactPayload}
	// Unknown keys are never stored, so plant one through a layer that
	// believes the entry exists.
	backend := cache.NewMemoryBackend(1 << 20)
	layer := cache.New(backend, alwaysVersion("0-00000000"))
	_, err := layer.GetOrLoad(ctx, gone, func(context.Context) ([]byte, error) { return []byte("x"), nil })
	require.NoError(t, err)

	c := New(f.mirror, WithCache(cache.New(backend, f.mirror)))
	rep, err := c.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{gone.String()}, rep.StaleCache)

	res, err := c.Repair(ctx, rep)
	require.NoError(t, err)
	assert.Equal(t, []string{gone.String()}, res.Evicted)

	rep, err = c.Check(ctx)
	require.NoError(t, err)
	assert.True(t, rep.Clean())
}

type alwaysVersion string

func (v alwaysVersion) VersionOf(types.CacheKey) (string, bool) { return string(v), true }

func TestRepairConvergesAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.synced(t)
	ctx := context.Background()

	a, _ := f.mirror.Snapshot().Get("a")
	require.NoError(t, os.Remove(f.abs(a.StoragePath, recordstore.PayloadFile)))
	orphan := testutil.Record("z", 5, "2023-01-01_00-00-00", 1)
	_, err := f.store.Put(ctx, &orphan, []byte("z"))
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(f.abs(".tmp-x"), 0o755))

	rep := f.check(t)
	require.Equal(t, 3, rep.Issues())
	first := f.repair(t, rep)
	assert.Equal(t, 3, first.Actions())

	// Replaying the same report changes nothing.
	second := f.repair(t, rep)
	assert.Zero(t, second.Actions())
	assert.Empty(t, second.DataLoss)

	f.requireClean(t)
	assert.Equal(t, 3, f.mirror.Snapshot().Len())
}
