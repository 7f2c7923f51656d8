package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/dishu2607/missing-person-detection/pkg/storage"
)

const (
	// DefaultBaseDir is the data directory name under the user's home.
	DefaultBaseDir = ".mpd"
	// DefaultConfigFile is the default configuration filename
	DefaultConfigFile = "config.yaml"
)

// Record store backends.
const (
	StoreBadger = "badger"
	StoreSQLite = "sqlite"
)

// Index persistence backends.
const (
	IndexLocal = "local"
	IndexS3    = "s3"
	IndexKV    = "kv"
)

// Config is the mpd configuration file.
type Config struct {
	// DataDir holds the record store, local index artifacts and the index
	// lock. Defaults to the directory of the config file.
	DataDir string `yaml:"data_dir,omitempty"`

	Store StoreConfig `yaml:"store"`
	Index IndexConfig `yaml:"index"`
	Video VideoConfig `yaml:"video"`
	Match MatchConfig `yaml:"match"`
	Log   LogConfig   `yaml:"log"`

	configPath string
}

// StoreConfig selects the record store.
type StoreConfig struct {
	// Backend is "badger" (default) or "sqlite".
	Backend string `yaml:"backend,omitempty"`
}

// IndexConfig configures the similarity index.
type IndexConfig struct {
	// Backend is "local" (default), "s3" or "kv". The kv backend shares
	// the badger record store.
	Backend string `yaml:"backend,omitempty"`

	// Name prefixes the index artifacts. Defaults to "faces".
	Name string `yaml:"name,omitempty"`

	// Dim is the embedding dimension. Zero adopts the stored index, or
	// 512 for a new one.
	Dim int `yaml:"dim,omitempty"`

	S3 storage.S3Config `yaml:"s3,omitempty"`
}

// VideoConfig locates processed videos for frame-rate discovery.
type VideoConfig struct {
	// Dir contains one directory per job. Empty disables ffprobe.
	Dir string `yaml:"dir,omitempty"`

	// FFProbe is the ffprobe binary. Defaults to "ffprobe".
	FFProbe string `yaml:"ffprobe,omitempty"`

	// DefaultFPS replaces unknown frame rates. Zero means 30.
	DefaultFPS float64 `yaml:"default_fps,omitempty"`
}

// MatchConfig holds comparison defaults. Flags override them per call.
type MatchConfig struct {
	TopK             int     `yaml:"top_k,omitempty"`
	EmbeddingWeight  float64 `yaml:"embedding_weight,omitempty"`
	MetadataWeight   float64 `yaml:"metadata_weight,omitempty"`
	Threshold        float64 `yaml:"threshold,omitempty"`
	Workers          int     `yaml:"workers,omitempty"`
	MaxCandidates    int     `yaml:"max_candidates,omitempty"`
	LegacyColorScale bool    `yaml:"legacy_color_scale,omitempty"`
}

// LogConfig configures the default slog handler.
type LogConfig struct {
	// Level is debug, info (default), warn or error.
	Level string `yaml:"level,omitempty"`

	// Format is text (default) or json.
	Format string `yaml:"format,omitempty"`
}

// LoadConfig reads the config file at path, or ~/.mpd/config.yaml if path
// is empty. A missing file yields the defaults. Environment overrides and
// defaults are applied, then the result is validated.
func LoadConfig(path string) (*Config, error) {
	return loadConfig(path, os.Getenv)
}

func loadConfig(path string, getenv func(string) string) (*Config, error) {
	if path == "" {
		p, err := NewPaths("")
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = p.ConfigFile()
	}

	cfg := &Config{configPath: path}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv(getenv)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("MPD_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := getenv("MPD_STORE"); v != "" {
		c.Store.Backend = v
	}
	if v := getenv("MPD_VIDEO_DIR"); v != "" {
		c.Video.Dir = v
	}
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = filepath.Dir(c.configPath)
	}
	c.Store.Backend = strings.ToLower(c.Store.Backend)
	if c.Store.Backend == "" {
		c.Store.Backend = StoreBadger
	}
	c.Index.Backend = strings.ToLower(c.Index.Backend)
	if c.Index.Backend == "" {
		c.Index.Backend = IndexLocal
	}
	if c.Index.Name == "" {
		c.Index.Name = "faces"
	}
	if c.Video.FFProbe == "" {
		c.Video.FFProbe = "ffprobe"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate rejects settings no command can run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case StoreBadger, StoreSQLite:
	default:
		errs = append(errs, fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend))
	}
	switch c.Index.Backend {
	case IndexLocal:
	case IndexS3:
		if c.Index.S3.Bucket == "" {
			errs = append(errs, errors.New("index.s3.bucket is required for the s3 backend"))
		}
	case IndexKV:
		if c.Store.Backend != StoreBadger {
			errs = append(errs, errors.New("index.backend kv requires store.backend badger"))
		}
	default:
		errs = append(errs, fmt.Errorf("index.backend: unknown backend %q", c.Index.Backend))
	}
	if c.Index.Dim < 0 {
		errs = append(errs, fmt.Errorf("index.dim: %d is negative", c.Index.Dim))
	}
	if strings.ContainsAny(c.Index.Name, `/\`) {
		errs = append(errs, fmt.Errorf("index.name: %q must not contain a path separator", c.Index.Name))
	}
	if c.Video.DefaultFPS < 0 {
		errs = append(errs, fmt.Errorf("video.default_fps: %v is negative", c.Video.DefaultFPS))
	}
	m := c.Match
	if m.TopK < 0 || m.Workers < 0 || m.MaxCandidates < 0 {
		errs = append(errs, errors.New("match: top_k, workers and max_candidates must not be negative"))
	}
	if m.EmbeddingWeight < 0 || m.MetadataWeight < 0 {
		errs = append(errs, errors.New("match: weights must not be negative"))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Save writes the configuration to its path.
func (c *Config) Save() error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(c.Dir(), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(c.configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Path returns the config file path
func (c *Config) Path() string {
	return c.configPath
}

// Dir returns the config directory path
func (c *Config) Dir() string {
	return filepath.Dir(c.configPath)
}

// Paths returns the layout of the configured data directory.
func (c *Config) Paths() *Paths {
	return &Paths{Root: c.DataDir}
}
