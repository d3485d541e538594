// Package paths resolves the configuration directory and the mirror root.
package paths

import (
	"os"
	"path/filepath"
	"runtime"
)

// AppName names the per-user configuration directory.
const AppName = "cellmirror"

// DefaultRootName is the CWD-relative mirror root used when nothing else is
// configured.
const DefaultRootName = "cellmirror-data"

// Environment variable names for directory overrides.
const (
	EnvConfigDir = "CELLMIRROR_CONFIG_DIR"
	EnvRoot      = "CELLMIRROR_ROOT"
)

// platformDir holds platform-detection functions that can be overridden in tests.
var platformDir = struct {
	homeDir       func() (string, error)
	userConfigDir func() (string, error)
}{
	homeDir:       os.UserHomeDir,
	userConfigDir: os.UserConfigDir,
}

// DefaultConfigDir returns the platform-specific default configuration directory.
//
// Linux:   $XDG_CONFIG_HOME/cellmirror (fallback ~/.config/cellmirror)
// macOS:   ~/Library/Application Support/cellmirror
// Windows: %APPDATA%/cellmirror
func DefaultConfigDir() (string, error) {
	if runtime.GOOS == "linux" {
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, AppName), nil
		}
		home, err := platformDir.homeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, ".config", AppName), nil
	}
	dir, err := platformDir.userConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, AppName), nil
}

// ResolveConfigDir returns the configuration directory following the
// precedence chain: flag > CELLMIRROR_CONFIG_DIR env > DefaultConfigDir().
func ResolveConfigDir(flag string) (string, error) {
	if flag != "" {
		return filepath.Abs(flag)
	}
	if env := os.Getenv(EnvConfigDir); env != "" {
		return filepath.Abs(env)
	}
	return DefaultConfigDir()
}

// ResolveRoot returns the mirror root following the precedence chain:
// flag > root key of config.yaml > CELLMIRROR_ROOT env > $(CWD)/cellmirror-data.
func ResolveRoot(flag, configValue string) (string, error) {
	for _, v := range []string{flag, configValue, os.Getenv(EnvRoot)} {
		if v != "" {
			return filepath.Abs(v)
		}
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(cwd, DefaultRootName), nil
}
