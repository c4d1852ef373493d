// Package paths resolves the configuration and data directories of the
// emen CLI.
package paths

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// appName names the per-user directories.
const appName = "emen"

// Environment variable names for directory overrides.
const (
	EnvConfigDir = "EMEN_CONFIG_DIR"
	EnvDataDir   = "EMEN_DATA_DIR"
)

// ConfigFileName is the configuration file inside the config directory.
const ConfigFileName = "config.yaml"

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
// Linux:   $XDG_CONFIG_HOME/emen (fallback ~/.config/emen)
// macOS:   ~/Library/Application Support/emen
// Windows: %APPDATA%/emen
func DefaultConfigDir() (string, error) {
	if runtime.GOOS == "linux" {
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, appName), nil
		}
		home, err := platformDir.homeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, ".config", appName), nil
	}
	dir, err := platformDir.userConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, appName), nil
}

// DefaultDataDir returns the platform-specific default data directory.
//
// Linux:   $XDG_DATA_HOME/emen (fallback ~/.local/share/emen)
// macOS:   ~/Library/Application Support/emen/data
// Windows: %APPDATA%/emen/data
func DefaultDataDir() (string, error) {
	if runtime.GOOS == "linux" {
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, appName), nil
		}
		home, err := platformDir.homeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, ".local", "share", appName), nil
	}
	// The config directory is shared on these platforms.
	dir, err := platformDir.userConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, appName, "data"), nil
}

// ResolveConfigDir returns the configuration directory following the
// precedence chain: flag > EMEN_CONFIG_DIR > DefaultConfigDir().
func ResolveConfigDir(flag string) (string, error) {
	if flag != "" {
		return filepath.Abs(flag)
	}
	if env := os.Getenv(EnvConfigDir); env != "" {
		return filepath.Abs(env)
	}
	return DefaultConfigDir()
}

// ResolveDataDir returns the data directory following the precedence
// chain: flag > config.yaml data_dir > EMEN_DATA_DIR > DefaultDataDir().
func ResolveDataDir(flag, configYAMLValue string) (string, error) {
	for _, dir := range []string{flag, configYAMLValue, os.Getenv(EnvDataDir)} {
		if dir != "" {
			return filepath.Abs(dir)
		}
	}
	return DefaultDataDir()
}

// BackupPath returns the default backup file name for a data directory,
// stamped with t in UTC.
func BackupPath(dataDir string, t time.Time) string {
	name := "emen-" + t.UTC().Format("20060102T150405Z") + ".backup"
	return filepath.Join(dataDir, "backups", name)
}
