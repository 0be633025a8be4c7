// Package config loads the weft server configuration and hot-reloads it
// when the file changes. Validation happens on every load, including
// reloads, so a bad edit never reaches a running server.
//
// Configuration is a single YAML file. Load starts from Default and
// overlays whatever the file sets, so a minimal file only names the
// fields it changes. Decoding is strict: unknown keys are errors, which
// catches typos like "max_dept" before the server runs with a silently
// ignored setting.
package config

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for every field a config file may omit.
const (
	DefaultListen         = ":8080"
	DefaultStoreDriver    = "sqlite"
	DefaultStorePath      = "weft.db"
	DefaultManifestDir    = "manifests"
	DefaultRequestTimeout = 10 * time.Second
	DefaultMaxDepth       = 64
	DefaultLogLevel       = "info"
)

// Duration wraps time.Duration so config files can write "10s" or
// "250ms" instead of nanosecond integers.
type Duration time.Duration

// Duration returns the wrapped time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML parses Go duration syntax ("10s", "1m30s"). A bare
// number is an error; the unit is required.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration back in the same syntax it was read
// from.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// StoreConfig selects the action-log backend. The sqlite driver reads
// Path; the postgres driver reads DSN.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path,omitempty"`
	DSN    string `yaml:"dsn,omitempty"`
}

// Config is the full server configuration. All fields are comparable,
// so two snapshots can be diffed with ==.
type Config struct {
	// Listen is the gateway's TCP listen address, e.g. ":8080".
	Listen string `yaml:"listen"`

	// ManifestDir holds the CUE concept and rule manifests loaded at
	// startup.
	ManifestDir string `yaml:"manifest_dir"`

	// Store selects and parameterizes the action-log backend.
	Store StoreConfig `yaml:"store"`

	// RequestTimeout bounds how long a submitted request may stay
	// unresolved before the caller receives a timeout.
	RequestTimeout Duration `yaml:"request_timeout"`

	// MaxDepth bounds rule-firing chains. Zero disables the limit.
	MaxDepth int `yaml:"max_depth"`

	// LogLevel is one of debug, info, warn, error. This is the only
	// field the watcher applies without a restart.
	LogLevel string `yaml:"log_level"`

	// RedisURL, when set, enables the ratings concept backed by the
	// Redis instance at this URL. Empty disables it.
	RedisURL string `yaml:"redis_url,omitempty"`
}

// Default returns the configuration used when no file (or an empty
// file) is given.
func Default() *Config {
	return &Config{
		Listen:         DefaultListen,
		ManifestDir:    DefaultManifestDir,
		Store:          StoreConfig{Driver: DefaultStoreDriver, Path: DefaultStorePath},
		RequestTimeout: Duration(DefaultRequestTimeout),
		MaxDepth:       DefaultMaxDepth,
		LogLevel:       DefaultLogLevel,
	}
}

// Load reads and validates the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. An
// empty document yields Default unchanged.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(cfg); err != nil && err != io.EOF {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen must not be empty")
	}
	if c.ManifestDir == "" {
		return fmt.Errorf("manifest_dir must not be empty")
	}
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver must be sqlite or postgres, got %q", c.Store.Driver)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %s", c.RequestTimeout)
	}
	if c.MaxDepth < 0 {
		return fmt.Errorf("max_depth must not be negative, got %d", c.MaxDepth)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps a config log-level string onto slog.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log_level must be debug, info, warn, or error, got %q", s)
	}
	return level, nil
}

// restartFields lists the YAML field names that differ between two
// snapshots and cannot be applied to a running server. LogLevel is not
// one of them: the watcher applies it in place.
func restartFields(old, next *Config) []string {
	var fields []string
	if old.Listen != next.Listen {
		fields = append(fields, "listen")
	}
	if old.ManifestDir != next.ManifestDir {
		fields = append(fields, "manifest_dir")
	}
	if old.Store != next.Store {
		fields = append(fields, "store")
	}
	if old.RequestTimeout != next.RequestTimeout {
		fields = append(fields, "request_timeout")
	}
	if old.MaxDepth != next.MaxDepth {
		fields = append(fields, "max_depth")
	}
	if old.RedisURL != next.RedisURL {
		fields = append(fields, "redis_url")
	}
	return fields
}
