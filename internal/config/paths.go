// Package config provides configuration loading and path management.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Paths contains the standard paths for hotaru data.
type Paths struct {
	Data   string // ~/.local/share/hotaru
	Config string // ~/.config/hotaru (or HOTARU_CONFIG_DIR)
	Cache  string // ~/.cache/hotaru
	State  string // ~/.local/state/hotaru
}

// GetPaths returns the standard paths for hotaru data.
func GetPaths() *Paths {
	return &Paths{
		Data:   filepath.Join(getEnvOrDefault("XDG_DATA_HOME", defaultDataHome()), "hotaru"),
		Config: getEnvOrDefault("HOTARU_CONFIG_DIR", filepath.Join(getEnvOrDefault("XDG_CONFIG_HOME", defaultConfigHome()), "hotaru")),
		Cache:  filepath.Join(getEnvOrDefault("XDG_CACHE_HOME", defaultCacheHome()), "hotaru"),
		State:  filepath.Join(getEnvOrDefault("XDG_STATE_HOME", defaultStateHome()), "hotaru"),
	}
}

// EnsurePaths creates all required directories.
func (p *Paths) EnsurePaths() error {
	for _, dir := range []string{p.Data, p.Config, p.Cache, p.State} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// StoragePath returns the path to the storage directory.
func (p *Paths) StoragePath() string {
	return filepath.Join(p.Data, "storage")
}

// AuthPath returns the path to the auth file.
func (p *Paths) AuthPath() string {
	return filepath.Join(p.Data, "auth.json")
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// homeDir returns HOTARU_TEST_HOME when set, so test suites can isolate
// home-relative lookups without touching the real HOME environment
// variable that other libraries (os.UserHomeDir, etc) also read.
func homeDir() string {
	if dir := os.Getenv("HOTARU_TEST_HOME"); dir != "" {
		return dir
	}
	return os.Getenv("HOME")
}

func defaultDataHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(homeDir(), ".local", "share")
}

func defaultConfigHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(homeDir(), ".config")
}

func defaultCacheHome() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("APPDATA"), "cache")
	}
	return filepath.Join(homeDir(), ".cache")
}

func defaultStateHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(homeDir(), ".local", "state")
}

// managedConfigDir returns the platform directory for administrator-managed
// config, overridable via HOTARU_TEST_MANAGED_CONFIG_DIR for test isolation.
func managedConfigDir() string {
	if dir := os.Getenv("HOTARU_TEST_MANAGED_CONFIG_DIR"); dir != "" {
		return dir
	}
	switch runtime.GOOS {
	case "darwin":
		return "/Library/Application Support/hotaru"
	case "windows":
		return filepath.Join(getEnvOrDefault("PROGRAMDATA", `C:\ProgramData`), "hotaru")
	default:
		return "/etc/hotaru"
	}
}

// GlobalConfigPath returns the path to the global config file.
func GlobalConfigPath() string {
	return filepath.Join(GetPaths().Config, "hotaru.json")
}

// ProjectConfigPath returns the path to the top-level project config file.
func ProjectConfigPath(directory string) string {
	return filepath.Join(directory, "hotaru.json")
}

// ProjectDotConfigPath returns the path to the nested .hotaru project config file.
func ProjectDotConfigPath(directory string) string {
	return filepath.Join(directory, ".hotaru", "hotaru.json")
}
