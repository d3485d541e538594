package types

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// Config holds every tunable of a mirror. It is unmarshalled from the
// config file and environment; zero fields take the values of Defaults.
type Config struct {
	Root    string        `mapstructure:"root" json:"root" yaml:"root"`
	Remote  RemoteConfig  `mapstructure:"remote" json:"remote" yaml:"remote"`
	Cache   CacheConfig   `mapstructure:"cache" json:"cache" yaml:"cache"`
	Query   QueryConfig   `mapstructure:"query" json:"query" yaml:"query"`
	Journal JournalConfig `mapstructure:"journal" json:"journal" yaml:"journal"`
	Log     LogConfig     `mapstructure:"log" json:"log" yaml:"log"`
	Watch   WatchConfig   `mapstructure:"watch" json:"watch" yaml:"watch"`
}

// RemoteConfig configures the remote catalog client and sync fan-out.
type RemoteConfig struct {
	URL         string        `mapstructure:"url" json:"url" yaml:"url"`
	Token       string        `mapstructure:"token" json:"-" yaml:"token"`
	PageSize    int           `mapstructure:"page_size" json:"page_size" yaml:"page_size"`
	Timeout     time.Duration `mapstructure:"timeout" json:"timeout" yaml:"timeout"`
	Retries     int           `mapstructure:"retries" json:"retries" yaml:"retries"`
	Backoff     time.Duration `mapstructure:"backoff" json:"backoff" yaml:"backoff"`
	Parallelism int           `mapstructure:"parallelism" json:"parallelism" yaml:"parallelism"`
}

// CacheConfig selects and configures the cache backend.
type CacheConfig struct {
	Backend       string        `mapstructure:"backend" json:"backend" yaml:"backend"`
	MemoryBudget  int64         `mapstructure:"memory_budget" json:"memory_budget" yaml:"memory_budget"`
	RedisAddr     string        `mapstructure:"redis_addr" json:"redis_addr" yaml:"redis_addr"`
	RedisDB       int           `mapstructure:"redis_db" json:"redis_db" yaml:"redis_db"`
	RedisPassword string        `mapstructure:"redis_password" json:"-" yaml:"redis_password"`
	TTL           time.Duration `mapstructure:"ttl" json:"ttl" yaml:"ttl"`
	Timeout       time.Duration `mapstructure:"timeout" json:"timeout" yaml:"timeout"`
	BoltPath      string        `mapstructure:"bolt_path" json:"bolt_path" yaml:"bolt_path"`
}

// QueryConfig holds query defaults.
type QueryConfig struct {
	Range     string        `mapstructure:"range" json:"range" yaml:"range"`
	Tolerance time.Duration `mapstructure:"tolerance" json:"tolerance" yaml:"tolerance"`
}

type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" json:"path" yaml:"path"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" json:"level" yaml:"level"`
	Format     string `mapstructure:"format" json:"format" yaml:"format"`
	File       string `mapstructure:"file" json:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
}

type WatchConfig struct {
	Interval time.Duration `mapstructure:"interval" json:"interval" yaml:"interval"`
	Debounce time.Duration `mapstructure:"debounce" json:"debounce" yaml:"debounce"`
}

// Cache backend names.
const (
	CacheNone   = "none"
	CacheMemory = "memory"
	CacheRedis  = "redis"
	CacheBolt   = "bolt"
)

// Well-known file names under the mirror root.
const (
	ManifestFileName = "manifest.jsonl"
	CacheBoltName    = ".cache.bolt"
	JournalFileName  = ".journal.db"
)

// Config validation errors.
var (
	ErrRootEmpty          = errors.New("mirror root must not be empty")
	ErrCacheBackend       = errors.New("unknown cache backend")
	ErrRedisAddrEmpty     = errors.New("redis cache requires cache.redis_addr")
	ErrPageSizeInvalid    = errors.New("remote.page_size must be positive")
	ErrParallelismInvalid = errors.New("remote.parallelism must be positive")
	ErrRetriesInvalid     = errors.New("remote.retries must not be negative")
	ErrTimeoutInvalid     = errors.New("remote.timeout must be positive")
	ErrLogLevel           = errors.New("unknown log level")
	ErrLogFormat          = errors.New("unknown log format")
)

var knownCacheBackends = map[string]bool{
	CacheNone:   true,
	CacheMemory: true,
	CacheRedis:  true,
	CacheBolt:   true,
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Remote: RemoteConfig{
			PageSize:    100,
			Timeout:     30 * time.Second,
			Retries:     3,
			Backoff:     250 * time.Millisecond,
			Parallelism: 4,
		},
		Cache: CacheConfig{
			Backend:      CacheNone,
			MemoryBudget: 64 << 20,
			TTL:          24 * time.Hour,
			Timeout:      250 * time.Millisecond,
		},
		Query: QueryConfig{
			Range:     RangeInclusiveExclusive.String(),
			Tolerance: DefaultTolerance,
		},
		Journal: JournalConfig{Enabled: true},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Watch: WatchConfig{
			Interval: 15 * time.Minute,
			Debounce: 2 * time.Second,
		},
	}
}

// WithRootDefaults fills paths that default to locations under Root.
func (c Config) WithRootDefaults() Config {
	if c.Cache.BoltPath == "" && c.Root != "" {
		c.Cache.BoltPath = filepath.Join(c.Root, CacheBoltName)
	}
	if c.Journal.Path == "" && c.Root != "" {
		c.Journal.Path = filepath.Join(c.Root, JournalFileName)
	}
	return c
}

// Validate checks that the Config is well-formed. It returns a sentinel error
// from this package on failure.
func (c Config) Validate() error {
	if c.Root == "" {
		return ErrRootEmpty
	}
	if c.Remote.PageSize <= 0 {
		return ErrPageSizeInvalid
	}
	if c.Remote.Parallelism <= 0 {
		return ErrParallelismInvalid
	}
	if c.Remote.Retries < 0 {
		return ErrRetriesInvalid
	}
	if c.Remote.Timeout <= 0 {
		return ErrTimeoutInvalid
	}
	if !knownCacheBackends[c.Cache.Backend] {
		return fmt.Errorf("%w: %q", ErrCacheBackend, c.Cache.Backend)
	}
	if c.Cache.Timeout < 0 {
		return fmt.Errorf("%w: cache.timeout", ErrTimeoutInvalid)
	}
	if c.Cache.Backend == CacheRedis && c.Cache.RedisAddr == "" {
		return ErrRedisAddrEmpty
	}
	if _, err := ParseRangeMode(c.Query.Range); err != nil {
		return err
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: %q", ErrLogLevel, c.Log.Level)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: %q", ErrLogFormat, c.Log.Format)
	}
	return nil
}
