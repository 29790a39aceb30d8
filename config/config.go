// Package config loads the YAML configuration shared by the cache node and
// the catalog server.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/wolfeidau/artifact-cache/cache"
	"github.com/wolfeidau/artifact-cache/logging"
	"github.com/wolfeidau/artifact-cache/source"
)

// Config is the top level configuration file.
type Config struct {
	Listen     string           `yaml:"listen"`
	Cache      CacheConfig      `yaml:"cache"`
	Replicator ReplicatorConfig `yaml:"replicator"`
	GC         GCConfig         `yaml:"gc"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	S3         source.S3Config  `yaml:"s3"`
	Log        logging.Config   `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// CacheConfig configures the content store.
type CacheConfig struct {
	Root          string   `yaml:"root"`
	LockDir       string   `yaml:"lock_dir"`
	Quota         Bytes    `yaml:"quota"`
	StatsInterval Duration `yaml:"stats_interval"`
}

// ReplicatorConfig configures the background replicator.
type ReplicatorConfig struct {
	PollInterval  Duration `yaml:"poll_interval"`
	IdleDelay     Duration `yaml:"idle_delay"`
	ItemDelay     Duration `yaml:"item_delay"`
	IdleBandwidth Bytes    `yaml:"idle_bandwidth"` // per second
	Verify        bool     `yaml:"verify"`
	MaxAttempts   int      `yaml:"max_attempts"`
}

// GCConfig configures orphan purge and size eviction.
type GCConfig struct {
	OrphanSampleSize int      `yaml:"orphan_sample_size"`
	OrphanMinEntries int      `yaml:"orphan_min_entries"`
	RetainMargin     int      `yaml:"retain_margin"`
	CatalogTimeout   Duration `yaml:"catalog_timeout"`
	StartupDelay     Duration `yaml:"startup_delay"`
	Interval         Duration `yaml:"interval"`
	Jitter           Duration `yaml:"jitter"`
}

// CatalogConfig says where the catalog lives. A cache node talks to URL;
// the catalog server keeps its database at Path.
type CatalogConfig struct {
	URL      string   `yaml:"url"`
	Path     string   `yaml:"path"`
	H2C      bool     `yaml:"h2c"`
	KnownTTL Duration `yaml:"known_ttl"`
}

// MetricsConfig configures metric export.
type MetricsConfig struct {
	DisablePrometheus bool     `yaml:"disable_prometheus"`
	OTLPEndpoint      string   `yaml:"otlp_endpoint"`
	FlushInterval     Duration `yaml:"flush_interval"`
}

// Default returns the built in configuration.
func Default() Config {
	defaults := cache.DefaultConfig("")
	return Config{
		Listen: ":8080",
		Cache: CacheConfig{
			StatsInterval: Duration(defaults.StatsInterval),
		},
		Replicator: ReplicatorConfig{
			PollInterval: Duration(defaults.Replicator.PollInterval),
			IdleDelay:    Duration(defaults.Replicator.IdleDelay),
			ItemDelay:    Duration(defaults.Replicator.ItemDelay),
		},
		GC: GCConfig{
			OrphanSampleSize: defaults.GC.OrphanSampleSize,
			OrphanMinEntries: defaults.GC.OrphanMinEntries,
			RetainMargin:     defaults.GC.RetainMargin,
			CatalogTimeout:   Duration(defaults.GC.CatalogTimeout),
			StartupDelay:     Duration(defaults.GC.StartupDelay),
			Interval:         Duration(defaults.GC.Interval),
			Jitter:           Duration(defaults.GC.Jitter),
		},
		Catalog: CatalogConfig{
			KnownTTL: Duration(5 * time.Minute),
		},
		Log: logging.Config{
			Level:      "info",
			Format:     logging.FormatText,
			MaxSize:    100,
			MaxBackups: 5,
		},
		Metrics: MetricsConfig{
			FlushInterval: Duration(10 * time.Second),
		},
	}
}

// Load reads path over the defaults. An empty path or a missing file gives
// the defaults.
func Load(path string) (*Config, error) {
	loaded := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, loaded); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}

	config := merge(loaded, Default())
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// merge fills zero fields of loaded from defaults.
func merge(loaded *Config, defaults Config) *Config {
	return &Config{
		Listen: coalesce(loaded.Listen, defaults.Listen),
		Cache: CacheConfig{
			Root:          loaded.Cache.Root,
			LockDir:       loaded.Cache.LockDir,
			Quota:         loaded.Cache.Quota,
			StatsInterval: coalesce(loaded.Cache.StatsInterval, defaults.Cache.StatsInterval),
		},
		Replicator: ReplicatorConfig{
			PollInterval:  coalesce(loaded.Replicator.PollInterval, defaults.Replicator.PollInterval),
			IdleDelay:     coalesce(loaded.Replicator.IdleDelay, defaults.Replicator.IdleDelay),
			ItemDelay:     coalesce(loaded.Replicator.ItemDelay, defaults.Replicator.ItemDelay),
			IdleBandwidth: loaded.Replicator.IdleBandwidth,
			Verify:        loaded.Replicator.Verify,
			MaxAttempts:   loaded.Replicator.MaxAttempts,
		},
		GC: GCConfig{
			OrphanSampleSize: coalesce(loaded.GC.OrphanSampleSize, defaults.GC.OrphanSampleSize),
			OrphanMinEntries: coalesce(loaded.GC.OrphanMinEntries, defaults.GC.OrphanMinEntries),
			RetainMargin:     coalesce(loaded.GC.RetainMargin, defaults.GC.RetainMargin),
			CatalogTimeout:   coalesce(loaded.GC.CatalogTimeout, defaults.GC.CatalogTimeout),
			StartupDelay:     coalesce(loaded.GC.StartupDelay, defaults.GC.StartupDelay),
			Interval:         coalesce(loaded.GC.Interval, defaults.GC.Interval),
			Jitter:           coalesce(loaded.GC.Jitter, defaults.GC.Jitter),
		},
		Catalog: CatalogConfig{
			URL:      loaded.Catalog.URL,
			Path:     loaded.Catalog.Path,
			H2C:      loaded.Catalog.H2C,
			KnownTTL: coalesce(loaded.Catalog.KnownTTL, defaults.Catalog.KnownTTL),
		},
		S3: loaded.S3,
		Log: logging.Config{
			Level:      coalesce(loaded.Log.Level, defaults.Log.Level),
			Format:     coalesce(loaded.Log.Format, defaults.Log.Format),
			File:       loaded.Log.File,
			MaxSize:    coalesce(loaded.Log.MaxSize, defaults.Log.MaxSize),
			MaxBackups: coalesce(loaded.Log.MaxBackups, defaults.Log.MaxBackups),
			Compress:   loaded.Log.Compress,
		},
		Metrics: MetricsConfig{
			DisablePrometheus: loaded.Metrics.DisablePrometheus,
			OTLPEndpoint:      loaded.Metrics.OTLPEndpoint,
			FlushInterval:     coalesce(loaded.Metrics.FlushInterval, defaults.Metrics.FlushInterval),
		},
	}
}

func coalesce[T comparable](loaded, defaultVal T) T {
	var zero T
	if loaded != zero {
		return loaded
	}
	return defaultVal
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Cache.Quota < 0 {
		return errors.New("cache.quota must not be negative")
	}
	if c.GC.RetainMargin < 0 || c.GC.RetainMargin > 100 {
		return fmt.Errorf("gc.retain_margin must be between 0 and 100, got %d", c.GC.RetainMargin)
	}
	if c.Replicator.MaxAttempts < 0 {
		return errors.New("replicator.max_attempts must not be negative")
	}
	if c.Catalog.URL != "" {
		u, err := url.Parse(c.Catalog.URL)
		if err != nil {
			return fmt.Errorf("invalid catalog.url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("catalog.url must be http or https, got %q", c.Catalog.URL)
		}
	}
	return logging.ValidateConfig(c.Log)
}

// CacheConfig returns the engine configuration. The store root must be set
// by now; a relative root is made absolute.
func (c *Config) CacheConfig() (cache.Config, error) {
	if c.Cache.Root == "" {
		return cache.Config{}, errors.New("cache.root is required")
	}
	root, err := filepath.Abs(c.Cache.Root)
	if err != nil {
		return cache.Config{}, fmt.Errorf("resolving cache.root: %w", err)
	}

	config := cache.DefaultConfig(root)
	config.LockDir = c.Cache.LockDir
	config.MaxCacheBytes = c.Cache.Quota.Int64()
	config.StatsInterval = c.Cache.StatsInterval.Std()

	config.Replicator.PollInterval = c.Replicator.PollInterval.Std()
	config.Replicator.IdleDelay = c.Replicator.IdleDelay.Std()
	config.Replicator.ItemDelay = c.Replicator.ItemDelay.Std()
	config.Replicator.IdleBytesPerSecond = c.Replicator.IdleBandwidth.Int64()
	config.Replicator.Verify = c.Replicator.Verify
	config.Replicator.MaxAttempts = c.Replicator.MaxAttempts

	config.GC.OrphanSampleSize = c.GC.OrphanSampleSize
	config.GC.OrphanMinEntries = c.GC.OrphanMinEntries
	config.GC.RetainMargin = c.GC.RetainMargin
	config.GC.CatalogTimeout = c.GC.CatalogTimeout.Std()
	config.GC.StartupDelay = c.GC.StartupDelay.Std()
	config.GC.Interval = c.GC.Interval.Std()
	config.GC.Jitter = c.GC.Jitter.Std()
	return config, nil
}
