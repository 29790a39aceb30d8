package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/dustin/go-humanize"
	artifactcache "github.com/wolfeidau/artifact-cache"
	"github.com/wolfeidau/artifact-cache/catalog"
	"github.com/wolfeidau/artifact-cache/config"
	"github.com/wolfeidau/artifact-cache/server"
	"golang.org/x/sync/errgroup"
)

// CatalogCmd groups the catalog commands.
type CatalogCmd struct {
	Serve    CatalogServeCmd    `cmd:"" help:"Run the catalog server"`
	Register CatalogRegisterCmd `cmd:"" help:"Hash a build directory and record it in the catalog"`
	Delete   CatalogDeleteCmd   `cmd:"" help:"Remove a build from the catalog"`
	Builds   CatalogBuildsCmd   `cmd:"" help:"List the builds in a catalog database"`
}

// CatalogServeCmd serves a catalog database over HTTP.
type CatalogServeCmd struct {
	DB       string `type:"path" help:"Catalog database (catalog.path)"`
	ReadOnly bool   `help:"Reject build registration and deletion"`
}

// Run implements catalog serve.
func (c *CatalogServeCmd) Run(g *Globals) error {
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

	b, err := openBolt(cfg, c.DB, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	handlerOpts := []catalog.HandlerOption{catalog.WithHandlerLogger(logger.With("component", "catalog"))}
	if c.ReadOnly {
		handlerOpts = append(handlerOpts, catalog.WithReadOnly())
	}
	srv, err := server.New(server.Config{
		Address: cfg.Listen,
		Catalog: catalog.NewHandler(b, handlerOpts...),
		H2C:     cfg.Catalog.H2C,
		Logger:  logger.With("component", "server"),
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := srv.Start(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

// CatalogRegisterCmd records a build directory.
type CatalogRegisterCmd struct {
	Dir   string `arg:"" type:"existingdir" help:"Build directory to hash"`
	Build string `help:"Repository path to record the build under (default: the directory)"`
	DB    string `type:"path" help:"Write to this catalog database instead of catalog.url"`
	Jobs  int    `short:"j" help:"Files hashed concurrently (default: number of CPUs)"`
}

// Run implements catalog register.
func (c *CatalogRegisterCmd) Run(g *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := g.load()
	if err != nil {
		return err
	}

	build := c.Build
	if build == "" {
		if build, err = filepath.Abs(c.Dir); err != nil {
			return err
		}
	}

	files, err := hashBuild(ctx, c.Dir, c.Jobs)
	if err != nil {
		return err
	}

	registry, closeRegistry, err := openRegistry(cfg, c.DB, logger)
	if err != nil {
		return err
	}
	defer closeRegistry()

	if err := registry.RegisterBuild(ctx, build, files); err != nil {
		return fmt.Errorf("registering %s: %w", build, err)
	}

	var total int64
	for _, f := range files {
		total += f.Size
	}
	fmt.Printf("registered %s: %d files, %s\n", build, len(files), humanize.IBytes(uint64(total))) //nolint:gosec // sizes are never negative
	return nil
}

// CatalogDeleteCmd forgets a build.
type CatalogDeleteCmd struct {
	Build string `arg:"" help:"Repository path of the build"`
	DB    string `type:"path" help:"Write to this catalog database instead of catalog.url"`
}

// Run implements catalog delete.
func (c *CatalogDeleteCmd) Run(g *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := g.load()
	if err != nil {
		return err
	}
	registry, closeRegistry, err := openRegistry(cfg, c.DB, logger)
	if err != nil {
		return err
	}
	defer closeRegistry()

	if err := registry.DeleteBuild(ctx, c.Build); err != nil {
		return fmt.Errorf("deleting %s: %w", c.Build, err)
	}
	fmt.Printf("deleted %s\n", c.Build)
	return nil
}

// CatalogBuildsCmd lists registered builds.
type CatalogBuildsCmd struct {
	DB string `type:"path" help:"Catalog database (catalog.path)"`
}

// Run implements catalog builds.
func (c *CatalogBuildsCmd) Run(g *Globals) error {
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}
	b, err := openBolt(cfg, c.DB, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	builds, err := b.Builds(context.Background())
	if err != nil {
		return err
	}
	for _, build := range builds {
		fmt.Println(build)
	}
	return nil
}

func openBolt(cfg *config.Config, db string, logger *slog.Logger) (*catalog.Bolt, error) {
	if db == "" {
		db = cfg.Catalog.Path
	}
	if db == "" {
		return nil, errors.New("no catalog database: set catalog.path or --db")
	}
	b := catalog.NewBolt(catalog.WithLogger(logger.With("component", "catalog")))
	if err := b.Open(db); err != nil {
		return nil, err
	}
	return b, nil
}

// openRegistry writes to a local database when one is named or no catalog
// URL is configured, and to the catalog server otherwise.
func openRegistry(cfg *config.Config, db string, logger *slog.Logger) (catalog.Registry, func(), error) {
	if db != "" || cfg.Catalog.URL == "" {
		b, err := openBolt(cfg, db, logger)
		if err != nil {
			return nil, nil, err
		}
		return b, func() { _ = b.Close() }, nil
	}

	client, err := newCatalogClient(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return client, func() {}, nil
}

// hashBuild hashes every regular file under dir. Paths are recorded relative
// to dir with forward slashes.
func hashBuild(ctx context.Context, dir string, jobs int) ([]catalog.BuildFile, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", dir, err)
	}

	if jobs <= 0 {
		jobs = runtime.NumCPU()
	}
	files := make([]catalog.BuildFile, len(paths))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(jobs)
	for i, path := range paths {
		group.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			h, size, err := artifactcache.HashFile(path)
			if err != nil {
				return fmt.Errorf("hashing %s: %w", path, err)
			}
			files[i] = catalog.BuildFile{Hash: h, Path: filepath.ToSlash(rel), Size: size}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return files, nil
}
