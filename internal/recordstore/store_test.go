package recordstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/cellmirror/pkg/types"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func sampleRecord() *types.TestRecord {
	return &types.TestRecord{
		ID:                     "rec-1",
		DeviceID:               17154,
		Name:                   "formation",
		DeviceName:             "cell-17154",
		StartTime:              types.MustParseTime("2023-08-15_08-57-21"),
		LastDataPointTimestamp: 1692089841,
		Tags:                   []string{"formation"},
	}
}

func TestStoragePath(t *testing.T) {
	s := newStore(t)

	tests := []struct {
		name string
		rec  types.TestRecord
		want string
	}{
		{
			name: "device and start time",
			rec:  types.TestRecord{DeviceName: "cell-1", StartTime: types.MustParseTime("2023-08-15_08-57-21")},
			want: "cell-1/2023-08-15_08-57-21",
		},
		{
			name: "project prefix",
			rec:  types.TestRecord{Project: "lfp", DeviceName: "cell-1", StartTime: types.MustParseTime("2023-08-15_08-57-21")},
			want: "lfp/cell-1/2023-08-15_08-57-21",
		},
		{
			name: "separators and leading dots are sanitized",
			rec:  types.TestRecord{DeviceName: ".hidden/a\\b", StartTime: types.MustParseTime("2023-08-15_08-57-21")},
			want: "_hidden_a_b/2023-08-15_08-57-21",
		},
		{
			name: "parent reference is sanitized",
			rec:  types.TestRecord{DeviceName: "..", StartTime: types.MustParseTime("2023-08-15_08-57-21")},
			want: "_/2023-08-15_08-57-21",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.StoragePath(&tt.rec))
		})
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	rec := sampleRecord()

	p, err := s.Put(ctx, rec, []byte("t,v\n0,3.4\n"))
	require.NoError(t, err)
	assert.Equal(t, "cell-17154/2023-08-15_08-57-21", p)

	got, payload, err := s.Get(p)
	require.NoError(t, err)
	assert.Equal(t, *rec, got)
	assert.Equal(t, "t,v\n0,3.4\n", string(payload))
}

func TestPutAtReplacesExisting(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	rec := sampleRecord()

	p, err := s.Put(ctx, rec, []byte("old"))
	require.NoError(t, err)

	rec.LastDataPointTimestamp++
	require.NoError(t, s.PutAt(ctx, p, rec, []byte("new")))

	got, payload, err := s.Get(p)
	require.NoError(t, err)
	assert.Equal(t, rec.LastDataPointTimestamp, got.LastDataPointTimestamp)
	assert.Equal(t, "new", string(payload))

	var debris []string
	require.NoError(t, s.Walk(ctx, func(it Item) error {
		if it.Kind == ItemDebris {
			debris = append(debris, it.Path)
		}
		return nil
	}))
	assert.Empty(t, debris, "no temp entries survive a successful put")
}

func TestPutRejectsInvalid(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, &types.TestRecord{ID: "x"}, nil)
	assert.ErrorIs(t, err, types.ErrInvalidRecord)

	err = s.PutAt(ctx, "../escape", sampleRecord(), nil)
	assert.ErrorIs(t, err, types.ErrInvalidPath)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = s.Put(cancelled, sampleRecord(), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGetDistinguishesNotFoundFromCorrupt(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	rec := sampleRecord()
	p, err := s.Put(ctx, rec, []byte("data"))
	require.NoError(t, err)
	dir := filepath.Join(s.Root(), filepath.FromSlash(p))

	t.Run("absent path is not found", func(t *testing.T) {
		_, _, err := s.Get("cell-17154/2020-01-01_00-00-00")
		assert.ErrorIs(t, err, types.ErrNotFound)
		assert.NotErrorIs(t, err, types.ErrCorrupt)
	})

	t.Run("missing payload is corrupt", func(t *testing.T) {
		require.NoError(t, os.Rename(filepath.Join(dir, PayloadFile), filepath.Join(dir, "aside")))
		defer os.Rename(filepath.Join(dir, "aside"), filepath.Join(dir, PayloadFile))

		_, _, err := s.Get(p)
		require.ErrorIs(t, err, types.ErrCorrupt)
		assert.NotErrorIs(t, err, types.ErrNotFound)
		assert.ErrorIs(t, err, fs.ErrNotExist)
		var ce *types.CorruptError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, types.PartPayload, ce.Part)
	})

	t.Run("unparseable metadata is corrupt", func(t *testing.T) {
		orig, err := os.ReadFile(filepath.Join(dir, MetadataFile))
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, MetadataFile), []byte("{not json"), 0o644))
		defer os.WriteFile(filepath.Join(dir, MetadataFile), orig, 0o644)

		_, _, err = s.Get(p)
		var ce *types.CorruptError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, types.PartMetadata, ce.Part)
	})

	t.Run("intact record reads", func(t *testing.T) {
		_, _, err := s.Get(p)
		assert.NoError(t, err)
	})
}

func TestDeletePrunesEmptyParents(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	a := sampleRecord()
	a.Project = "lfp"
	pa, err := s.Put(ctx, a, []byte("a"))
	require.NoError(t, err)

	require.NoError(t, s.Delete(pa))
	_, err = os.Stat(filepath.Join(s.Root(), "lfp"))
	assert.True(t, os.IsNotExist(err), "empty project dir removed")
	_, err = os.Stat(s.Root())
	assert.NoError(t, err, "root is kept")

	err = s.Delete(pa)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestDeleteKeepsSiblings(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	a := sampleRecord()
	b := sampleRecord()
	b.ID = "rec-2"
	b.StartTime = types.MustParseTime("2023-08-20_10-00-00")
	pa, err := s.Put(ctx, a, []byte("a"))
	require.NoError(t, err)
	pb, err := s.Put(ctx, b, []byte("b"))
	require.NoError(t, err)

	require.NoError(t, s.Delete(pa))
	_, _, err = s.Get(pb)
	assert.NoError(t, err)
}

func TestRewriteMetadata(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	rec := sampleRecord()
	p, err := s.Put(ctx, rec, []byte("payload"))
	require.NoError(t, err)

	rec.Name = "renamed"
	require.NoError(t, s.RewriteMetadata(p, rec))
	got, payload, err := s.Get(p)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, "payload", string(payload))

	err = s.RewriteMetadata("cell-17154/2020-01-01_00-00-00", rec)
	assert.ErrorIs(t, err, types.ErrCorrupt)
}

func TestWalkFindsRecordsAndDebris(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	rec := sampleRecord()
	p, err := s.Put(ctx, rec, []byte("x"))
	require.NoError(t, err)

	root := s.Root()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "cell-17154", ".tmp-abc"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "other", "2023-01-01_00-00-00"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "other", "2023-01-01_00-00-00", PayloadFile), []byte("p"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, types.ManifestFileName), nil, 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0o755))

	var items []Item
	require.NoError(t, s.Walk(ctx, func(it Item) error {
		items = append(items, it)
		return nil
	}))

	require.Len(t, items, 3)
	assert.Equal(t, Item{Path: "cell-17154/.tmp-abc", Kind: ItemDebris}, items[0])
	assert.Equal(t, Item{Path: p, Kind: ItemRecord, HasMetadata: true, HasPayload: true}, items[1])
	assert.Equal(t, Item{Path: "other/2023-01-01_00-00-00", Kind: ItemRecord, HasPayload: true}, items[2])

	require.NoError(t, s.RemoveDebris(items[0].Path))
	assert.ErrorIs(t, s.RemoveDebris(p), types.ErrInvalidPath)
}

func TestInspectMatchesGet(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	rec := sampleRecord()
	p, err := s.Put(ctx, rec, []byte("data"))
	require.NoError(t, err)

	got, err := s.Inspect(p)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)

	require.NoError(t, os.Remove(filepath.Join(s.Root(), filepath.FromSlash(p), MetadataFile)))
	_, err = s.Inspect(p)
	var ce *types.CorruptError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, types.PartMetadata, ce.Part)
	assert.NotErrorIs(t, err, types.ErrNotFound)

	require.NoError(t, os.Remove(filepath.Join(s.Root(), filepath.FromSlash(p), PayloadFile)))
	_, err = s.Inspect(p)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestReadsDuringReplaceSeeWholeRecords(t *testing.T) {
	tests := []struct {
		name     string
		exchange func(a, b string) error
	}{
		{name: "exchange", exchange: exchange},
		{name: "rename fallback", exchange: func(string, string) error { return errors.ErrUnsupported }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prev := exchangeDirs
			exchangeDirs = tt.exchange
			t.Cleanup(func() { exchangeDirs = prev })

			s := newStore(t)
			ctx := context.Background()
			rec := sampleRecord()
			rec.LastDataPointTimestamp = 0
			p, err := s.Put(ctx, rec, []byte("v0"))
			require.NoError(t, err)

			var (
				wg       sync.WaitGroup
				stop     = make(chan struct{})
				failures []error
			)
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					select {
					case <-stop:
						return
					default:
					}
					got, payload, err := s.Get(p)
					if err == nil && string(payload) != fmt.Sprintf("v%d", got.LastDataPointTimestamp) {
						err = fmt.Errorf("torn read: metadata %d, payload %q", got.LastDataPointTimestamp, payload)
					}
					if err == nil {
						_, err = s.Inspect(p)
					}
					if err != nil {
						failures = append(failures, err)
					}
				}
			}()

			for i := int64(1); i <= 300; i++ {
				rec.LastDataPointTimestamp = i
				require.NoError(t, s.PutAt(ctx, p, rec, []byte(fmt.Sprintf("v%d", i))))
			}
			close(stop)
			wg.Wait()

			assert.Empty(t, failures)
			got, payload, err := s.Get(p)
			require.NoError(t, err)
			assert.Equal(t, int64(300), got.LastDataPointTimestamp)
			assert.Equal(t, "v300", string(payload))
		})
	}
}
