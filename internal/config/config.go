// Package config loads vfsindex settings from the config directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"vfsindex/internal/artifacts"
)

// getConfigDir returns the config directory path.
// Uses VFSINDEX_CONFIG_DIR env var if set, otherwise defaults to ~/.vfsindex.
// This is computed dynamically to support test isolation.
func getConfigDir() string {
	if dir := os.Getenv("VFSINDEX_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".vfsindex")
}

// ConfigDir returns the configuration directory path
func ConfigDir() string {
	return getConfigDir()
}

// SettingsPath returns the settings file path
func SettingsPath() string {
	return filepath.Join(getConfigDir(), "settings.yaml")
}

// DefaultStoreDir returns the store directory used when store_dir is empty.
func DefaultStoreDir() string {
	return filepath.Join(getConfigDir(), "store")
}

// EnsureConfigDir creates the config directory if it doesn't exist
func EnsureConfigDir() error {
	return os.MkdirAll(getConfigDir(), 0700)
}

// InitConfigDir initializes the config directory with default files
func InitConfigDir() error {
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	settingsPath := SettingsPath()
	if _, err := os.Stat(settingsPath); os.IsNotExist(err) {
		if err := os.WriteFile(settingsPath, artifacts.GlobalSettings, 0600); err != nil {
			return fmt.Errorf("failed to create default settings: %w", err)
		}
	}
	return nil
}

// Settings represents the vfsindex settings file.
type Settings struct {
	StoreDir          string   `yaml:"store_dir"`           // default: <config dir>/store
	LogLevel          string   `yaml:"log_level"`           // trace, debug, info, warn, off (default: off)
	Excludes          []string `yaml:"excludes"`            // gitignore-style listing excludes
	ContentCacheLimit int      `yaml:"content_cache_limit"` // bytes, 0 = never cache content
	NameCacheSize     int      `yaml:"name_cache_size"`     // entries, 0 = unlimited
	LockTimeoutMs     int      `yaml:"lock_timeout_ms"`     // store file lock wait
}

// ApplyDefaults fills zero-value fields with their defaults.
func (s *Settings) ApplyDefaults() {
	if s.StoreDir == "" {
		s.StoreDir = DefaultStoreDir()
	}
	if s.LogLevel == "" {
		s.LogLevel = "off"
	}
	if s.LockTimeoutMs <= 0 {
		s.LockTimeoutMs = 2000
	}
	if s.ContentCacheLimit < 0 {
		s.ContentCacheLimit = 0
	}
	if s.NameCacheSize < 0 {
		s.NameCacheSize = 0
	}
}

// LockTimeout returns lock_timeout_ms as a duration.
func (s *Settings) LockTimeout() time.Duration {
	return time.Duration(s.LockTimeoutMs) * time.Millisecond
}

// Level returns the normalized (lowercase) logging level.
func (s *Settings) Level() string {
	return strings.ToLower(strings.TrimSpace(s.LogLevel))
}

// loadDefaultSettings parses default settings from embedded artifact.
func loadDefaultSettings() Settings {
	var settings Settings
	if err := yaml.Unmarshal(artifacts.GlobalSettings, &settings); err != nil {
		panic("failed to parse embedded settings: " + err.Error())
	}
	return settings
}

// LoadSettings loads settings from <config dir>/settings.yaml.
// Falls back to embedded defaults if the file doesn't exist.
func LoadSettings() (*Settings, error) {
	return LoadSettingsFromPath(SettingsPath())
}

// LoadSettingsFromPath loads settings from a specific file.
// Keys absent from the file keep their embedded default values.
func LoadSettingsFromPath(path string) (*Settings, error) {
	settings := loadDefaultSettings()
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := yaml.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	settings.ApplyDefaults()
	return &settings, nil
}

// SaveSettings saves settings to <config dir>/settings.yaml
func SaveSettings(settings *Settings) error {
	if err := EnsureConfigDir(); err != nil {
		return err
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return err
	}
	header := []byte("# vfsindex settings\n# See: vfsindex --help\n\n")
	return os.WriteFile(SettingsPath(), append(header, data...), 0600)
}
