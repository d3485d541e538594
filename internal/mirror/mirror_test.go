package mirror

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/cellmirror/internal/manifest"
	"github.com/mesh-intelligence/cellmirror/internal/recordstore"
	"github.com/mesh-intelligence/cellmirror/pkg/types"
)

type recordingInvalidator struct {
	mu   sync.Mutex
	keys []string
}

func (r *recordingInvalidator) Invalidate(_ context.Context, key types.CacheKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key.String())
	return nil
}

func openMirror(t *testing.T) *Mirror {
	t.Helper()
	store, err := recordstore.New(t.TempDir())
	require.NoError(t, err)
	m, err := Open(store)
	require.NoError(t, err)
	return m
}

func testEntry(id string, start string) types.ManifestEntry {
	r := types.TestRecord{
		ID:                     id,
		DeviceID:               17154,
		DeviceName:             "cell",
		StartTime:              types.MustParseTime(start),
		LastDataPointTimestamp: 1,
	}
	return r.Entry("cell/" + start)
}

func TestMutateSavesAndPublishes(t *testing.T) {
	m := openMirror(t)
	ctx := context.Background()

	require.NoError(t, m.Mutate(ctx, func(doc *manifest.Manifest) error {
		_, err := doc.Upsert(testEntry("a", "2023-08-15_08-57-21"))
		return err
	}))

	assert.Equal(t, 1, m.Snapshot().Len())
	onDisk, err := manifest.Load(m.ManifestPath())
	require.NoError(t, err)
	assert.Equal(t, m.Snapshot().Entries(), onDisk.Entries())

	e, ok := m.Snapshot().ByKey(17154, types.MustParseTime("2023-08-15_08-57-21"))
	require.True(t, ok)
	assert.Equal(t, "a", e.ID)
	id, ok := m.Snapshot().ByPath("cell/2023-08-15_08-57-21")
	require.True(t, ok)
	assert.Equal(t, "a", id)
}

func TestMutateErrorDiscardsWorkingCopy(t *testing.T) {
	m := openMirror(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := m.Mutate(ctx, func(doc *manifest.Manifest) error {
		_, err := doc.Upsert(testEntry("a", "2023-08-15_08-57-21"))
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, m.Snapshot().Len())
	_, err = os.Stat(m.ManifestPath())
	assert.True(t, os.IsNotExist(err), "nothing saved")
}

func TestReadersSeeLastPublishedSnapshot(t *testing.T) {
	m := openMirror(t)
	ctx := context.Background()
	require.NoError(t, m.Mutate(ctx, func(doc *manifest.Manifest) error {
		_, err := doc.Upsert(testEntry("a", "2023-08-15_08-57-21"))
		return err
	}))

	inside := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- m.Mutate(ctx, func(doc *manifest.Manifest) error {
			doc.Remove("a")
			close(inside)
			<-release
			return nil
		})
	}()

	<-inside
	assert.Equal(t, 1, m.Snapshot().Len(), "reader does not block and sees the old snapshot")

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := m.Mutate(short, func(*manifest.Manifest) error { return nil })
	assert.ErrorIs(t, err, types.ErrConflict, "second writer cannot enter")

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 0, m.Snapshot().Len())
}

func TestMutateInvalidatesChangedEntries(t *testing.T) {
	m := openMirror(t)
	inv := &recordingInvalidator{}
	m.SetInvalidator(inv)
	ctx := context.Background()

	require.NoError(t, m.Mutate(ctx, func(doc *manifest.Manifest) error {
		if _, err := doc.Upsert(testEntry("a", "2023-08-15_08-57-21")); err != nil {
			return err
		}
		_, err := doc.Upsert(testEntry("b", "2023-08-20_10-00-00"))
		return err
	}))
	inv.keys = nil

	require.NoError(t, m.Mutate(ctx, func(doc *manifest.Manifest) error {
		e := testEntry("a", "2023-08-15_08-57-21")
		e.LastDataPointTimestamp = 2
		_, err := doc.Upsert(e)
		return err
	}))

	assert.ElementsMatch(t, []string{
		"cellmirror:17154:2023-08-15_08-57-21:metadata",
		"cellmirror:17154:2023-08-15_08-57-21:payload",
		"cellmirror:17154:2023-08-15_08-57-21:metadata",
		"cellmirror:17154:2023-08-15_08-57-21:payload",
	}, inv.keys, "only the updated entry is invalidated")
}

func TestVersionOfTracksManifest(t *testing.T) {
	m := openMirror(t)
	ctx := context.Background()
	key := types.CacheKey{DeviceID: 17154, StartTime: types.MustParseTime("2023-08-15_08-57-21"), Kind: types.ArtifactPayload}

	_, ok := m.VersionOf(key)
	assert.False(t, ok)

	require.NoError(t, m.Mutate(ctx, func(doc *manifest.Manifest) error {
		_, err := doc.Upsert(testEntry("a", "2023-08-15_08-57-21"))
		return err
	}))
	v1, ok := m.VersionOf(key)
	require.True(t, ok)

	require.NoError(t, m.Mutate(ctx, func(doc *manifest.Manifest) error {
		e := testEntry("a", "2023-08-15_08-57-21")
		e.LastDataPointTimestamp = 5
		_, err := doc.Upsert(e)
		return err
	}))
	v2, ok := m.VersionOf(key)
	require.True(t, ok)
	assert.NotEqual(t, v1, v2)
}

func TestInitAndReload(t *testing.T) {
	m := openMirror(t)
	ctx := context.Background()

	created, err := m.Init(ctx)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = m.Init(ctx)
	require.NoError(t, err)
	assert.False(t, created)

	// Edit the file behind the mirror's back.
	doc := manifest.New()
	_, err = doc.Upsert(testEntry("x", "2023-08-15_08-57-21"))
	require.NoError(t, err)
	require.NoError(t, doc.Save(m.ManifestPath()))

	assert.Equal(t, 0, m.Snapshot().Len())
	require.NoError(t, m.Reload(ctx))
	assert.Equal(t, 1, m.Snapshot().Len())
}
