// Package cache is the entry point to the artifact cache engine. A Cache
// owns the content store, its index, the fetch queue, the replicator that
// drains it and, when a catalog is configured, the capacity manager.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	artifactcache "github.com/wolfeidau/artifact-cache"
	"github.com/wolfeidau/artifact-cache/catalog"
	"github.com/wolfeidau/artifact-cache/index"
	"github.com/wolfeidau/artifact-cache/keylock"
	"github.com/wolfeidau/artifact-cache/queue"
	"github.com/wolfeidau/artifact-cache/replicator"
	"github.com/wolfeidau/artifact-cache/source"
	"github.com/wolfeidau/artifact-cache/store"
	"github.com/wolfeidau/artifact-cache/store/gc"
	"github.com/wolfeidau/artifact-cache/telemetry"
	"golang.org/x/sync/singleflight"
)

// ErrNoCatalog is returned by operations that need a catalog when none was
// configured.
var ErrNoCatalog = errors.New("cache: no catalog configured")

// Config configures a Cache.
type Config struct {
	Root          string // Content store root
	LockDir       string // Key lock directory (default: <Root>/.locks)
	MaxCacheBytes int64  // Store quota; zero disables size eviction

	Replicator replicator.Config
	GC         gc.Config

	// StatsInterval is how often the cache gauges are refreshed (default: 15s).
	StatsInterval time.Duration
}

// DefaultConfig returns the default cache configuration for root.
func DefaultConfig(root string) Config {
	return Config{
		Root:          root,
		Replicator:    replicator.DefaultConfig(),
		GC:            gc.DefaultConfig(),
		StatsInterval: 15 * time.Second,
	}
}

// Request asks for one file to be cached.
type Request struct {
	Hash artifactcache.Hash
	// SourcePath is where the file lives in the build repository.
	SourcePath string
	// Size is the size the catalog recorded, or zero when unknown.
	Size  int64
	Idle  bool
	Force bool
}

// Stats is a point-in-time summary of the cache.
type Stats struct {
	EntryCount    int        `json:"entry_count"`
	TotalBytes    int64      `json:"total_bytes"`
	QueueDepth    int        `json:"queue_depth"`
	MaxCacheBytes int64      `json:"max_cache_bytes"`
	GC            *gc.Status `json:"gc,omitempty"`
}

// Cache is a build artifact cache node.
type Cache struct {
	config     Config
	store      *store.Store
	locks      *keylock.Locker
	index      *index.Index
	queue      *queue.Queue
	replicator *replicator.Replicator
	gc         *gc.Manager
	catalog    catalog.Catalog
	logger     *slog.Logger

	builds singleflight.Group

	mu      sync.Mutex
	stopCh  chan struct{}
	statsWG sync.WaitGroup
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	opener  store.Opener
	catalog catalog.Catalog
}

// WithLogger sets the logger for the cache and its components.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithOpener sets how repository files are read. The default opens local
// paths, s3:// and http(s) URLs.
func WithOpener(opener store.Opener) Option {
	return func(o *options) {
		o.opener = opener
	}
}

// WithCatalog enables the capacity manager and PrecacheBuild.
func WithCatalog(c catalog.Catalog) Option {
	return func(o *options) {
		o.catalog = c
	}
}

// Open prepares the content store and rebuilds the index from it. A store
// that cannot be initialised is reported wrapping store.ErrInit.
func Open(ctx context.Context, config Config, opts ...Option) (*Cache, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.opener == nil {
		o.opener = &source.Mux{
			Local: source.Local{},
			HTTP:  source.NewHTTP(nil),
		}
	}
	if config.LockDir == "" {
		config.LockDir = filepath.Join(config.Root, ".locks")
	}
	if config.StatsInterval <= 0 {
		config.StatsInterval = 15 * time.Second
	}
	config.GC.MaxCacheBytes = config.MaxCacheBytes

	logger := o.logger
	s, err := store.New(config.Root,
		store.WithOpener(o.opener),
		store.WithLogger(logger.With("component", "store")),
	)
	if err != nil {
		return nil, err
	}

	locks, err := keylock.New(config.LockDir, keylock.WithLogger(logger.With("component", "keylock")))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInit, err)
	}

	idx := index.New()
	if err := idx.Load(ctx, s); err != nil {
		return nil, fmt.Errorf("loading cache index: %w", err)
	}
	count, total := idx.Snapshot()
	logger.Info("loaded cache index",
		"root", s.Root(),
		"entries", count,
		"size", humanize.IBytes(uint64(total)), //nolint:gosec // sizes are never negative
		"quota", humanize.IBytes(uint64(config.MaxCacheBytes)), //nolint:gosec // validated by config
	)

	q := queue.New()
	c := &Cache{
		config:  config,
		store:   s,
		locks:   locks,
		index:   idx,
		queue:   q,
		catalog: o.catalog,
		logger:  logger,
		replicator: replicator.New(q, s, locks, idx, config.Replicator,
			replicator.WithLogger(logger.With("component", "replicator")),
		),
	}
	if o.catalog != nil {
		c.gc = gc.New(idx, s, locks, o.catalog, q, config.GC,
			gc.WithLogger(logger.With("component", "gc")),
			gc.WithMetrics(telemetry.Meter()),
		)
	}
	return c, nil
}

// Start starts the replicator, the capacity manager and the gauge refresher.
func (c *Cache) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopCh != nil {
		return
	}
	c.stopCh = make(chan struct{})

	c.replicator.Start(ctx)
	if c.gc != nil {
		c.gc.Start(ctx)
	}

	c.statsWG.Add(1)
	go c.refreshStats(ctx, c.stopCh)
}

// Stop stops background work. A copy in progress finishes first.
func (c *Cache) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopCh == nil {
		c.mu.Unlock()
		return nil
	}
	close(c.stopCh)
	c.stopCh = nil
	c.mu.Unlock()

	var errs []error
	if c.gc != nil {
		errs = append(errs, c.gc.Stop(ctx))
	}
	errs = append(errs, c.replicator.Stop(ctx))
	c.statsWG.Wait()
	return errors.Join(errs...)
}

// Done is closed when the replicator has stopped, either through Stop or
// because of a fatal store fault reported by Err.
func (c *Cache) Done() <-chan struct{} {
	return c.replicator.Done()
}

// Err returns the fatal error that stopped the replicator, if any.
func (c *Cache) Err() error {
	return c.replicator.Err()
}

// EnsureCached reports whether req.Hash is already cached and, if it is not
// or a re-copy is forced, queues a fetch. It never blocks on the fetch and
// never reports fetch failures. A request with a malformed or non-canonical
// hash is logged and dropped.
func (c *Cache) EnsureCached(req Request) bool {
	if err := req.Hash.Validate(); err != nil {
		c.logger.Warn("dropping fetch request", "source", req.SourcePath, "error", err)
		return false
	}

	cached := c.index.Contains(req.Hash)
	if cached && !req.Force {
		return true
	}

	if c.queue.Enqueue(queue.Request{
		Hash:         req.Hash,
		SourcePath:   req.SourcePath,
		ExpectedSize: req.Size,
		Idle:         req.Idle,
		Force:        req.Force,
	}) {
		c.logger.Debug("queued fetch",
			"hash", req.Hash,
			"source", req.SourcePath,
			"idle", req.Idle,
			"force", req.Force,
		)
	}
	return cached
}

// CachedFilePath returns where h is stored. The file is only there once
// EnsureCached has reported it cached. A malformed hash has no path and
// yields "".
func (c *Cache) CachedFilePath(h artifactcache.Hash) string {
	if h.Validate() != nil {
		return ""
	}
	return c.store.Path(h)
}

// Stats returns a summary of the cache.
func (c *Cache) Stats() Stats {
	count, total := c.index.Snapshot()
	s := Stats{
		EntryCount:    count,
		TotalBytes:    total,
		QueueDepth:    c.queue.Count(),
		MaxCacheBytes: c.config.MaxCacheBytes,
	}
	if c.gc != nil {
		status := c.gc.Status()
		s.GC = &status
	}
	return s
}

// Entries returns a snapshot of the cached entries sorted by hash.
func (c *Cache) Entries() []index.Entry {
	return c.index.Entries()
}

// PrecacheBuild queues every file of the build at repositoryPath that is
// not already cached and returns how many were queued. An on-demand call
// first drops queued idle work so the build a consumer is waiting for goes
// ahead of speculative copies. Concurrent calls for the same build share
// one catalog lookup, which runs detached from any single caller: a caller
// whose ctx ends gets ctx.Err() while the lookup carries on for the others.
func (c *Cache) PrecacheBuild(ctx context.Context, repositoryPath string, idle bool) (int, error) {
	if c.catalog == nil {
		return 0, ErrNoCatalog
	}

	key := fmt.Sprintf("%t|%s", idle, repositoryPath)
	ch := c.builds.DoChan(key, func() (any, error) {
		return c.precacheBuild(context.WithoutCancel(ctx), repositoryPath, idle)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return 0, res.Err
		}
		return res.Val.(int), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (c *Cache) precacheBuild(ctx context.Context, repositoryPath string, idle bool) (int, error) {
	files, err := c.catalog.FilesForBuild(ctx, repositoryPath)
	if err != nil {
		return 0, fmt.Errorf("listing files for %s: %w", repositoryPath, err)
	}

	if !idle {
		if dropped := c.queue.DropIdleEntries(); dropped > 0 {
			c.logger.Info("dropped idle fetches", "count", dropped, "build", repositoryPath)
		}
	}

	queued := 0
	for _, f := range files {
		if c.index.Contains(f.Hash) {
			continue
		}
		if c.queue.Enqueue(queue.Request{
			Hash:         f.Hash,
			SourcePath:   source.Join(repositoryPath, f.Path),
			ExpectedSize: f.Size,
			Idle:         idle,
		}) {
			queued++
		}
	}

	c.logger.Info("precaching build",
		"build", repositoryPath,
		"files", len(files),
		"queued", queued,
		"idle", idle,
	)
	return queued, nil
}

// Drain processes queued fetches on the calling goroutine until the queue
// is empty. It is meant for one-shot use while the cache is not started.
func (c *Cache) Drain(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		processed, err := c.replicator.ProcessNext(ctx)
		if err != nil {
			return err
		}
		if !processed {
			return nil
		}
	}
}

// RunCapacity runs one orphan purge and one size eviction immediately.
func (c *Cache) RunCapacity(ctx context.Context) (gc.Status, error) {
	if c.gc == nil {
		return gc.Status{}, ErrNoCatalog
	}
	return c.gc.RunNow(ctx)
}

func (c *Cache) refreshStats(ctx context.Context, stop <-chan struct{}) {
	defer c.statsWG.Done()

	ticker := time.NewTicker(c.config.StatsInterval)
	defer ticker.Stop()

	for {
		count, total := c.index.Snapshot()
		telemetry.UpdateCacheState(ctx, count, total, c.config.MaxCacheBytes, c.queue.Count())
		select {
		case <-ticker.C:
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}
