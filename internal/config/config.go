// Package config handles configuration loading, validation, and management for petnames.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Storage configuration for the name database.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// AddressBook configures the file-backed address book source.
	AddressBook AddressBookConfig `toml:"address_book" json:"address_book" yaml:"address_book"`

	// Accounts are names declared directly in the configuration.
	Accounts []AccountConfig `toml:"accounts" json:"accounts" yaml:"accounts"`

	// Metrics configures the metrics snapshot file.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Path is the path to the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// BusyTimeoutMs is how long a writer waits on a locked database.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file (when Output is "file" or "both").
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of old log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
}

// AddressBookConfig configures the address book source.
type AddressBookConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Path is the address book file. The extension picks the format.
	Path string `toml:"path" json:"path" yaml:"path"`

	// TwoWay writes local name changes back to the file.
	TwoWay bool `toml:"two_way" json:"two_way" yaml:"two_way"`

	// DebounceMs is how long the file must be quiet before it is reread.
	DebounceMs int `toml:"debounce_ms" json:"debounce_ms" yaml:"debounce_ms"`
}

// Debounce returns DebounceMs as a duration.
func (a AddressBookConfig) Debounce() time.Duration {
	return time.Duration(a.DebounceMs) * time.Millisecond
}

// AccountConfig is one name declared in the configuration file.
type AccountConfig struct {
	Address string `toml:"address" json:"address" yaml:"address"`
	Name    string `toml:"name" json:"name" yaml:"name"`

	// ChainID is decimal or 0x-prefixed hex. Empty means every chain.
	ChainID string `toml:"chain_id" json:"chain_id" yaml:"chain_id"`
}

// MetricsConfig configures the Prometheus text-format snapshot the daemon
// writes for a node exporter textfile collector.
type MetricsConfig struct {
	// Path is the snapshot file. Empty disables the snapshot.
	Path string `toml:"path" json:"path" yaml:"path"`

	// IntervalSec is how often the snapshot is rewritten.
	IntervalSec int `toml:"interval_sec" json:"interval_sec" yaml:"interval_sec"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()

	return &Config{
		Version: Version,
		Storage: StorageConfig{
			Path:          filepath.Join(dir, "names.db"),
			BusyTimeoutMs: 5000,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(dir, "petnamesd.log"),
			MaxSizeMB:  20,
			MaxBackups: 3,
		},
		AddressBook: AddressBookConfig{
			Enabled:    true,
			Path:       filepath.Join(dir, "addressbook.yaml"),
			TwoWay:     true,
			DebounceMs: 200,
		},
		Accounts: []AccountConfig{},
		Metrics: MetricsConfig{
			IntervalSec: 60,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(DataDir(), "config.toml")
}

// DataDir returns the base petnames directory.
// Uses platform-specific paths or the PETNAMES_DATA_DIR environment override.
func DataDir() string {
	if envDir := os.Getenv("PETNAMES_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
// Environment overrides are applied; the result is not validated.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates all necessary directories for the daemon.
func (c *Config) EnsureDirectories() error {
	dirs := []string{filepath.Dir(c.Storage.Path)}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	if c.AddressBook.Enabled {
		dirs = append(dirs, filepath.Dir(c.AddressBook.Path))
	}
	if c.Metrics.Path != "" {
		dirs = append(dirs, filepath.Dir(c.Metrics.Path))
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with PETNAMES_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("PETNAMES_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}

	if v := os.Getenv("PETNAMES_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PETNAMES_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("PETNAMES_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}

	if v := os.Getenv("PETNAMES_ADDRESSBOOK_PATH"); v != "" {
		c.AddressBook.Path = v
	}
	if v := os.Getenv("PETNAMES_ADDRESSBOOK_TWO_WAY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.AddressBook.TwoWay = b
		}
	}

	if v := os.Getenv("PETNAMES_METRICS_PATH"); v != "" {
		c.Metrics.Path = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Accounts = append([]AccountConfig{}, c.Accounts...)
	return &clone
}

// SaveConfig writes cfg to path in the format picked by the extension.
// The file is replaced atomically.
func SaveConfig(cfg *Config, path string) error {
	var (
		data []byte
		err  error
	)
	switch filepath.Ext(path) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(cfg)
		data = buf.Bytes()
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}
