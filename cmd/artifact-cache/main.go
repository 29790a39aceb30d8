// Command artifact-cache runs a build artifact cache node or the catalog
// server that nodes consult.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"github.com/wolfeidau/artifact-cache/catalog"
	"github.com/wolfeidau/artifact-cache/config"
	"github.com/wolfeidau/artifact-cache/logging"
	"github.com/wolfeidau/artifact-cache/source"
	"github.com/wolfeidau/artifact-cache/telemetry"
)

var version = "dev"

// Globals are flags shared by every command. They override the config file.
type Globals struct {
	Config     string           `short:"c" type:"path" env:"ARTIFACT_CACHE_CONFIG" default:"${config_file}" help:"Config file; a missing file means defaults"`
	Root       string           `type:"path" help:"Content store root (cache.root)"`
	Quota      string           `help:"Store quota such as 500GB (cache.quota)"`
	Listen     string           `help:"HTTP listen address (listen)"`
	CatalogURL string           `name:"catalog-url" help:"Catalog URL (catalog.url)"`
	Debug      bool             `help:"Log at debug level"`
	Version    kong.VersionFlag `short:"v" help:"Print version and exit"`
}

// CLI is the command tree.
type CLI struct {
	Globals

	Serve    ServeCmd    `cmd:"" help:"Run a cache node"`
	Precache PrecacheCmd `cmd:"" help:"Copy every file of a build into the cache and exit"`
	GC       GCCmd       `cmd:"gc" help:"Run one orphan purge and size eviction and exit"`
	Catalog  CatalogCmd  `cmd:"" help:"Catalog server and build registration"`
}

// load reads the config file, applies flag overrides and installs the
// process logger.
func (g *Globals) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, nil, err
	}

	if g.Root != "" {
		cfg.Cache.Root = g.Root
	}
	if g.Quota != "" {
		if err := cfg.Cache.Quota.Set(g.Quota); err != nil {
			return nil, nil, fmt.Errorf("--quota: %w", err)
		}
	}
	if g.Listen != "" {
		cfg.Listen = g.Listen
	}
	if g.CatalogURL != "" {
		cfg.Catalog.URL = g.CatalogURL
	}
	if g.Debug {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func initMetrics(ctx context.Context, cfg *config.Config) (func(context.Context) error, error) {
	shutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "artifact-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     cfg.Metrics.OTLPEndpoint,
		EnablePrometheus: !cfg.Metrics.DisablePrometheus,
		FlushInterval:    cfg.Metrics.FlushInterval.Std(),
	})
	if err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}
	return shutdown, nil
}

// newOpener reads local paths and http(s) URLs, and s3:// URLs when an S3
// region or profile is configured.
func newOpener(cfg *config.Config) (*source.Mux, error) {
	mux := &source.Mux{
		Local: source.Local{},
		HTTP:  source.NewHTTP(nil),
	}
	if cfg.S3.Region != "" || cfg.S3.Profile != "" || cfg.S3.Endpoint != "" {
		s3, err := source.NewS3(cfg.S3)
		if err != nil {
			return nil, err
		}
		mux.S3 = s3
	}
	return mux, nil
}

func newCatalogClient(cfg *config.Config, logger *slog.Logger) (*catalog.Client, error) {
	opts := []catalog.ClientOption{
		catalog.WithKnownTTL(cfg.Catalog.KnownTTL.Std()),
		catalog.WithClientLogger(logger.With("component", "catalog")),
	}
	if cfg.Catalog.H2C {
		opts = append(opts, catalog.WithH2C())
	}
	return catalog.NewClient(cfg.Catalog.URL, opts...)
}

func main() {
	var cli CLI
	kctx := kong.Parse(
		&cli,
		kong.Vars{
			"version":     version,
			"config_file": "artifact-cache.yaml",
		},
		kong.Name("artifact-cache"),
		kong.Description("Build artifact distribution cache"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	if err := kctx.Run(&cli.Globals); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
