package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/cellmirror/pkg/types"
)

// exerciseBackend runs the behavior every Backend shares.
func exerciseBackend(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()

	_, err := b.Get(ctx, "cellmirror:a")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, b.Set(ctx, "cellmirror:a", []byte("1")))
	require.NoError(t, b.Set(ctx, "cellmirror:b", []byte("2")))
	require.NoError(t, b.Set(ctx, "other:c", []byte("3")))

	got, err := b.Get(ctx, "cellmirror:a")
	require.NoError(t, err)
	assert.Equal(t, "1", string(got))

	seen := map[string]string{}
	require.NoError(t, b.Scan(ctx, "cellmirror:", func(k string, v []byte) error {
		seen[k] = string(v)
		return nil
	}))
	assert.Equal(t, map[string]string{"cellmirror:a": "1", "cellmirror:b": "2"}, seen)

	require.NoError(t, b.Delete(ctx, "cellmirror:a"))
	require.NoError(t, b.Delete(ctx, "cellmirror:a"), "deleting an absent key is fine")
	_, err = b.Get(ctx, "cellmirror:a")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, b.Close())
}

func TestMemoryBackend(t *testing.T) {
	exerciseBackend(t, NewMemoryBackend(1<<10))
}

func TestMemoryBackendEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend(10)

	require.NoError(t, m.Set(ctx, "a", []byte("aaaa")))
	require.NoError(t, m.Set(ctx, "b", []byte("bbbb")))
	_, err := m.Get(ctx, "a") // a is now most recent
	require.NoError(t, err)
	require.NoError(t, m.Set(ctx, "c", []byte("cccc")))

	_, err = m.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrMiss, "b was least recently used")
	_, err = m.Get(ctx, "a")
	assert.NoError(t, err)
	assert.EqualValues(t, 8, m.Used())

	require.NoError(t, m.Set(ctx, "huge", make([]byte, 11)))
	_, err = m.Get(ctx, "huge")
	assert.ErrorIs(t, err, ErrMiss, "values over budget are not stored")
	assert.EqualValues(t, 8, m.Used())
}

func TestRedisBackend(t *testing.T) {
	srv := miniredis.RunT(t)
	exerciseBackend(t, NewRedisBackend(RedisOptions{Addr: srv.Addr()}))
}

func TestRedisBackendTTL(t *testing.T) {
	ctx := context.Background()
	srv := miniredis.RunT(t)
	b := NewRedisBackend(RedisOptions{Addr: srv.Addr(), TTL: time.Minute})
	defer b.Close()

	require.NoError(t, b.Ping(ctx))
	require.NoError(t, b.Set(ctx, "cellmirror:k", []byte("v")))
	srv.FastForward(2 * time.Minute)
	_, err := b.Get(ctx, "cellmirror:k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestLayerOverUnreachableRedis(t *testing.T) {
	ctx := context.Background()
	srv := miniredis.RunT(t)
	addr := srv.Addr()
	srv.Close()

	versions := &versionMap{}
	versions.set(testKey, "1-aaaaaaaa")
	c := New(NewRedisBackend(RedisOptions{Addr: addr, Timeout: 100 * time.Millisecond}), versions)
	defer c.Close()

	loader := &countingLoader{data: []byte("disk")}
	got, err := c.GetOrLoad(ctx, testKey, loader.load)
	require.NoError(t, err)
	assert.Equal(t, "disk", string(got))
	assert.Positive(t, c.Stats().Degraded)
}

func TestBoltBackend(t *testing.T) {
	b, err := OpenBoltBackend(filepath.Join(t.TempDir(), "cache.bolt"), nil)
	require.NoError(t, err)
	exerciseBackend(t, b)
}

func TestBoltBackendPersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.bolt")
	b, err := OpenBoltBackend(path, nil)
	require.NoError(t, err)
	require.NoError(t, b.Set(ctx, "cellmirror:k", []byte("v")))
	require.NoError(t, b.Close())

	b, err = OpenBoltBackend(path, nil)
	require.NoError(t, err)
	defer b.Close()
	got, err := b.Get(ctx, "cellmirror:k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))
}

func TestNewBackend(t *testing.T) {
	b, err := NewBackend(types.CacheConfig{Backend: types.CacheNone}, nil)
	require.NoError(t, err)
	assert.Nil(t, b)

	b, err = NewBackend(types.CacheConfig{Backend: types.CacheMemory, MemoryBudget: 10}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryBackend{}, b)

	b, err = NewBackend(types.CacheConfig{Backend: types.CacheBolt, BoltPath: filepath.Join(t.TempDir(), "c.bolt")}, nil)
	require.NoError(t, err)
	assert.IsType(t, &BoltBackend{}, b)
	require.NoError(t, b.Close())

	b, err = NewBackend(types.CacheConfig{Backend: types.CacheRedis, RedisAddr: "localhost:6379", Timeout: 75 * time.Millisecond}, nil)
	require.NoError(t, err)
	require.IsType(t, &RedisBackend{}, b)
	opts := b.(*RedisBackend).client.Options()
	assert.Equal(t, 75*time.Millisecond, opts.DialTimeout)
	assert.Equal(t, 75*time.Millisecond, opts.ReadTimeout)
	assert.Zero(t, opts.MaxRetries, "retries disabled")
	require.NoError(t, b.Close())

	_, err = NewBackend(types.CacheConfig{Backend: "memcached"}, nil)
	assert.ErrorIs(t, err, types.ErrCacheBackend)
}
