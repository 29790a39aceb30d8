package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/wolfeidau/artifact-cache/cache"
	"github.com/wolfeidau/artifact-cache/config"
	"github.com/wolfeidau/artifact-cache/server"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// ServeCmd runs a cache node: the replicator, the capacity manager and the
// HTTP surface.
type ServeCmd struct {
	Precache []string `help:"Build paths to copy in the background at startup"`
}

// Run implements the serve command.
func (s *ServeCmd) Run(g *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := g.load()
	if err != nil {
		return err
	}
	shutdownMetrics, err := initMetrics(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownMetrics(context.Background()) }()

	c, err := openCache(ctx, cfg, logger)
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Address: cfg.Listen,
		Cache:   c,
		H2C:     cfg.Catalog.H2C,
		Logger:  logger.With("component", "server"),
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	c.Start(ctx)
	for _, build := range s.Precache {
		if _, err := c.PrecacheBuild(ctx, build, true); err != nil {
			logger.Warn("failed to precache build", "build", build, "error", err)
		}
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := srv.Start(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		var cause error
		select {
		case <-gctx.Done():
		case <-c.Done():
			if err := c.Err(); err != nil {
				cause = fmt.Errorf("cache stopped: %w", err)
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(cause, srv.Shutdown(shutdownCtx), c.Stop(shutdownCtx))
	})
	return group.Wait()
}

// PrecacheCmd copies a build into the cache on the calling process. It
// shares key locks with a running node, so both may work on one store.
type PrecacheCmd struct {
	Build string `arg:"" help:"Repository path of the build"`
	Idle  bool   `help:"Queue at idle priority and bandwidth"`
}

// Run implements the precache command.
func (p *PrecacheCmd) Run(g *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := g.load()
	if err != nil {
		return err
	}
	// Drain would otherwise retry a missing file until interrupted.
	if cfg.Replicator.MaxAttempts == 0 {
		cfg.Replicator.MaxAttempts = 3
	}
	c, err := openCache(ctx, cfg, logger)
	if err != nil {
		return err
	}

	queued, err := c.PrecacheBuild(ctx, p.Build, p.Idle)
	if err != nil {
		return err
	}
	if err := c.Drain(ctx); err != nil {
		return err
	}

	stats := c.Stats()
	fmt.Printf("queued %d files from %s; cache holds %d files, %s\n",
		queued, p.Build, stats.EntryCount, humanize.IBytes(uint64(stats.TotalBytes))) //nolint:gosec // sizes are never negative
	return nil
}

// GCCmd runs one capacity pass.
type GCCmd struct{}

// Run implements the gc command.
func (GCCmd) Run(g *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := g.load()
	if err != nil {
		return err
	}
	c, err := openCache(ctx, cfg, logger)
	if err != nil {
		return err
	}

	status, err := c.RunCapacity(ctx)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(status); encErr != nil {
		return errors.Join(err, encErr)
	}
	return err
}

// openCache opens the cache with the catalog client and repository sources
// cfg names.
func openCache(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*cache.Cache, error) {
	cc, err := cfg.CacheConfig()
	if err != nil {
		return nil, err
	}
	opener, err := newOpener(cfg)
	if err != nil {
		return nil, err
	}

	opts := []cache.Option{
		cache.WithLogger(logger),
		cache.WithOpener(opener),
	}
	if cfg.Catalog.URL != "" {
		client, err := newCatalogClient(cfg, logger)
		if err != nil {
			return nil, err
		}
		opts = append(opts, cache.WithCatalog(client))
	} else {
		logger.Warn("no catalog configured, orphan purge and size eviction are disabled")
	}

	return cache.Open(ctx, cc, opts...)
}
