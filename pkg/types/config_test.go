package types

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	valid := func() Config {
		c := Defaults()
		c.Root = "/tmp/mirror"
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{name: "defaults with root are valid", mutate: func(*Config) {}},
		{name: "empty root returns ErrRootEmpty", mutate: func(c *Config) { c.Root = "" }, wantErr: ErrRootEmpty},
		{name: "unknown cache backend", mutate: func(c *Config) { c.Cache.Backend = "memcached" }, wantErr: ErrCacheBackend},
		{name: "redis without address", mutate: func(c *Config) { c.Cache.Backend = CacheRedis }, wantErr: ErrRedisAddrEmpty},
		{name: "redis with address", mutate: func(c *Config) {
			c.Cache.Backend = CacheRedis
			c.Cache.RedisAddr = "localhost:6379"
		}},
		{name: "zero page size", mutate: func(c *Config) { c.Remote.PageSize = 0 }, wantErr: ErrPageSizeInvalid},
		{name: "zero parallelism", mutate: func(c *Config) { c.Remote.Parallelism = 0 }, wantErr: ErrParallelismInvalid},
		{name: "negative retries", mutate: func(c *Config) { c.Remote.Retries = -1 }, wantErr: ErrRetriesInvalid},
		{name: "zero timeout", mutate: func(c *Config) { c.Remote.Timeout = 0 }, wantErr: ErrTimeoutInvalid},
		{name: "negative cache timeout", mutate: func(c *Config) { c.Cache.Timeout = -time.Second }, wantErr: ErrTimeoutInvalid},
		{name: "bad range mode", mutate: func(c *Config) { c.Query.Range = "[[" }, wantErr: ErrInvalidPredicate},
		{name: "bad log level", mutate: func(c *Config) { c.Log.Level = "trace" }, wantErr: ErrLogLevel},
		{name: "bad log format", mutate: func(c *Config) { c.Log.Format = "xml" }, wantErr: ErrLogFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestWithRootDefaults(t *testing.T) {
	c := Defaults()
	c.Root = "/data/mirror"
	c = c.WithRootDefaults()
	assert.Equal(t, filepath.Join("/data/mirror", CacheBoltName), c.Cache.BoltPath)
	assert.Equal(t, filepath.Join("/data/mirror", JournalFileName), c.Journal.Path)

	c.Cache.BoltPath = "/elsewhere/cache.bolt"
	c = c.WithRootDefaults()
	assert.Equal(t, "/elsewhere/cache.bolt", c.Cache.BoltPath, "explicit paths are kept")
}
