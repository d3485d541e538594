// Config loading for the cellmirror CLI.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/mesh-intelligence/cellmirror/internal/paths"
	"github.com/mesh-intelligence/cellmirror/pkg/types"
)

const (
	configFileName = "config"
	configFileType = "yaml"
	configFileExt  = "config.yaml"

	envPrefix  = "CELLMIRROR"
	cfgKeyRoot = "root"
)

// defaultConfigYAML is the content written to config.yaml on first run.
const defaultConfigYAML = `# cellmirror configuration
# Every key can be overridden with CELLMIRROR_<SECTION>_<KEY>,
# for example CELLMIRROR_REMOTE_TOKEN.

# Mirror root (optional; overridable by --root)
# root:

remote:
  url: ""
  # token: read from CELLMIRROR_REMOTE_TOKEN
  page_size: 100
  timeout: 30s
  retries: 3
  backoff: 250ms
  parallelism: 4

cache:
  # none | memory | redis | bolt
  backend: none
  memory_budget: 67108864
  # redis_addr: localhost:6379
  ttl: 24h
  # redis dial/read/write timeout; slower reads fall back to disk
  timeout: 250ms

query:
  range: "[)"
  tolerance: 2h

journal:
  enabled: true

log:
  level: info
  format: text
  # file: /var/log/cellmirror.log

watch:
  interval: 15m
  debounce: 2s
`

// defaultSettings flattens types.Defaults into viper keys.
func defaultSettings() map[string]any {
	d := types.Defaults()
	return map[string]any{
		"remote.url":           d.Remote.URL,
		"remote.token":         d.Remote.Token,
		"remote.page_size":     d.Remote.PageSize,
		"remote.timeout":       d.Remote.Timeout,
		"remote.retries":       d.Remote.Retries,
		"remote.backoff":       d.Remote.Backoff,
		"remote.parallelism":   d.Remote.Parallelism,
		"cache.backend":        d.Cache.Backend,
		"cache.memory_budget":  d.Cache.MemoryBudget,
		"cache.redis_addr":     d.Cache.RedisAddr,
		"cache.redis_db":       d.Cache.RedisDB,
		"cache.redis_password": d.Cache.RedisPassword,
		"cache.ttl":            d.Cache.TTL,
		"cache.bolt_path":      d.Cache.BoltPath,
		"cache.timeout":        d.Cache.Timeout,
		"query.range":          d.Query.Range,
		"query.tolerance":      d.Query.Tolerance,
		"journal.enabled":      d.Journal.Enabled,
		"journal.path":         d.Journal.Path,
		"log.level":            d.Log.Level,
		"log.format":           d.Log.Format,
		"log.file":             d.Log.File,
		"log.max_size_mb":      d.Log.MaxSizeMB,
		"log.max_backups":      d.Log.MaxBackups,
		"log.max_age_days":     d.Log.MaxAgeDays,
		"watch.interval":       d.Watch.Interval,
		"watch.debounce":       d.Watch.Debounce,
	}
}

// loadConfig reads config.yaml from configDir using Viper. It creates the
// config directory and a default config.yaml on first run. A missing
// config.yaml is not an error.
//
// Environment variables override every key except root, whose precedence
// is handled by paths.ResolveRoot.
func loadConfig(configDir string) (*viper.Viper, error) {
	if err := ensureConfigDir(configDir); err != nil {
		return nil, fmt.Errorf("ensure config dir: %w", err)
	}
	if err := ensureDefaultConfigFile(configDir); err != nil {
		return nil, fmt.Errorf("ensure default config: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for key, val := range defaultSettings() {
		v.SetDefault(key, val)
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	v.SetConfigName(configFileName)
	v.SetConfigType(configFileType)
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return v, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return v, nil
}

// decodeConfig builds the validated Config. rootFlag is the --root value.
func decodeConfig(v *viper.Viper, rootFlag string) (types.Config, error) {
	var cfg types.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return types.Config{}, fmt.Errorf("decode config: %w", err)
	}
	root, err := paths.ResolveRoot(rootFlag, v.GetString(cfgKeyRoot))
	if err != nil {
		return types.Config{}, fmt.Errorf("resolve root: %w", err)
	}
	cfg.Root = root
	cfg = cfg.WithRootDefaults()
	if err := cfg.Validate(); err != nil {
		return types.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ensureConfigDir creates the config directory if it does not exist.
func ensureConfigDir(configDir string) error {
	return os.MkdirAll(configDir, 0o755)
}

// ensureDefaultConfigFile creates a default config.yaml if the file does not
// exist in the config directory.
func ensureDefaultConfigFile(configDir string) error {
	path := filepath.Join(configDir, configFileExt)

	_, err := os.Stat(path)
	if err == nil {
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("stat config file: %w", err)
	}
	return os.WriteFile(path, []byte(defaultConfigYAML), 0o644)
}
