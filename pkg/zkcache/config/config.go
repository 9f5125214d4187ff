package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
)

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSize    string `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// LoggingConfig configures application logging.
type LoggingConfig struct {
	Level      string            `mapstructure:"level"`
	Path       string            `mapstructure:"path"`
	Rotation   RotationConfig    `mapstructure:"rotation"`
	Components map[string]string `mapstructure:"components"`
}

// LoaderConfig configures the download pipeline.
type LoaderConfig struct {
	Concurrency    int    `mapstructure:"concurrency"`
	MaxAttempts    int    `mapstructure:"max_attempts"`
	RetryBaseDelay string `mapstructure:"retry_base_delay"`
}

// ManifestConfig configures manifest generation.
type ManifestConfig struct {
	Version   int    `mapstructure:"version"`
	ChunkSize string `mapstructure:"chunk_size"`
}

// ServeConfig configures the dev artifact server.
type ServeConfig struct {
	Listen string `mapstructure:"listen"`
	Watch  bool   `mapstructure:"watch"`
}

// Config represents the application configuration.
type Config struct {
	BaseURL   string         `mapstructure:"base_url"`
	CachePath string         `mapstructure:"cache_path"`
	Loader    LoaderConfig   `mapstructure:"loader"`
	Manifest  ManifestConfig `mapstructure:"manifest"`
	Serve     ServeConfig    `mapstructure:"serve"`
	Logging   LoggingConfig  `mapstructure:"logging"`
}

// ChunkSizeBytes parses the configured chunk size string.
func (c *Config) ChunkSizeBytes() (int, error) {
	n, err := humanize.ParseBytes(c.Manifest.ChunkSize)
	if err != nil {
		return 0, fmt.Errorf("parsing chunk_size %q: %w", c.Manifest.ChunkSize, err)
	}
	return int(n), nil
}

// RetryBaseDelay parses the configured retry delay string.
func (c *Config) RetryBaseDelay() (time.Duration, error) {
	d, err := time.ParseDuration(c.Loader.RetryBaseDelay)
	if err != nil {
		return 0, fmt.Errorf("parsing retry_base_delay %q: %w", c.Loader.RetryBaseDelay, err)
	}
	return d, nil
}

// Load loads configuration from file and environment variables.
// Config file locations (in order of precedence):
//   - $XDG_CONFIG_HOME/zkcache/config.yaml
//   - $HOME/.config/zkcache/config.yaml
//
// Environment variables are prefixed with ZKCACHE_ (e.g., ZKCACHE_BASE_URL).
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if xdgConfigHome := os.Getenv("XDG_CONFIG_HOME"); xdgConfigHome != "" {
		v.AddConfigPath(filepath.Join(xdgConfigHome, "zkcache"))
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get user home directory: %w", err)
	}
	v.AddConfigPath(filepath.Join(homeDir, ".config", "zkcache"))

	v.SetEnvPrefix("ZKCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("base_url", DefaultBaseURL)
	v.SetDefault("cache_path", DefaultCachePath())
	v.SetDefault("loader.concurrency", DefaultConcurrency)
	v.SetDefault("loader.max_attempts", DefaultMaxAttempts)
	v.SetDefault("loader.retry_base_delay", DefaultRetryBaseDelay)
	v.SetDefault("manifest.version", DefaultManifestVersion)
	v.SetDefault("manifest.chunk_size", DefaultChunkSize)
	v.SetDefault("serve.listen", DefaultListenAddr)
	v.SetDefault("serve.watch", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.path", "")
	v.SetDefault("logging.rotation.max_size", "10MB")
	v.SetDefault("logging.rotation.max_age", 30)
	v.SetDefault("logging.rotation.max_backups", 5)
	v.SetDefault("logging.components", map[string]string{
		"loader":    "info",
		"cache":     "info",
		"transport": "warn",
		"manifest":  "info",
		"server":    "info",
	})

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is acceptable; we use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if strings.HasPrefix(cfg.CachePath, "~") {
		cfg.CachePath = filepath.Join(homeDir, cfg.CachePath[1:])
	}

	return &cfg, nil
}

// ConfigDir returns the configuration directory path.
func ConfigDir() (string, error) {
	if xdgConfigHome := os.Getenv("XDG_CONFIG_HOME"); xdgConfigHome != "" {
		return filepath.Join(xdgConfigHome, "zkcache"), nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	return filepath.Join(homeDir, ".config", "zkcache"), nil
}

// EnsureConfigDir creates the config directory if it doesn't exist.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return nil
}

// DefaultCachePath returns $XDG_CACHE_HOME/zkcache/artifacts.
func DefaultCachePath() string {
	return filepath.Join(xdg.CacheHome, "zkcache", "artifacts")
}

// StateDir returns $XDG_STATE_HOME/zkcache/ for log files.
func StateDir() string {
	return filepath.Join(xdg.StateHome, "zkcache")
}

// EnsureCacheDir creates the cache directory if it doesn't exist.
func EnsureCacheDir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}
	return nil
}

// WriteDefault writes a default config file if none exists. Returns nil if a
// config file already exists.
func WriteDefault() error {
	if err := EnsureConfigDir(); err != nil {
		return err
	}

	configDir, err := ConfigDir()
	if err != nil {
		return err
	}

	configPath := filepath.Join(configDir, "config.yaml")

	if _, err := os.Stat(configPath); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to check config file: %w", err)
	}

	defaultConfig := fmt.Sprintf(`# zkcache Artifact Cache Configuration

# Artifact origin base URL. Artifacts are fetched from {base_url}/{fileId}
# and the manifest from {base_url}/manifest.json.
base_url: ""

# Local verified artifact store (badger database directory)
cache_path: %s

# Download pipeline
loader:
  # Parallel downloads (bounded to 10)
  concurrency: %d
  # Per-file attempt cap across transport and verification failures
  max_attempts: %d
  # Initial retry backoff delay; doubles per attempt
  retry_base_delay: %s

# Manifest generation
manifest:
  version: %d
  chunk_size: %s

# Dev artifact server
serve:
  listen: %s
  # Regenerate the manifest when artifact files change
  watch: true

# Logging configuration
logging:
  # Log level: debug, info, warn, error
  level: info
  # Log file path (empty means use default: $XDG_STATE_HOME/zkcache/zkcache.log)
  path: ""
  rotation:
    max_size: 10MB
    max_age: 30       # days
    max_backups: 5
  # Per-component log levels
  components:
    loader: info
    cache: info
    transport: warn
    manifest: info
    server: info
`, DefaultCachePath(), DefaultConcurrency, DefaultMaxAttempts, DefaultRetryBaseDelay,
		DefaultManifestVersion, DefaultChunkSize, DefaultListenAddr)

	if err := os.WriteFile(configPath, []byte(defaultConfig), 0o644); err != nil {
		return fmt.Errorf("failed to write default config: %w", err)
	}

	return nil
}
