package cache

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	artifactcache "github.com/wolfeidau/artifact-cache"
	"github.com/wolfeidau/artifact-cache/catalog"
	"github.com/wolfeidau/artifact-cache/store"
)

// countingOpener opens local files and counts opens per location.
type countingOpener struct {
	mu    sync.Mutex
	opens map[string]int
	total atomic.Int32
}

func (o *countingOpener) Open(_ context.Context, location string) (io.ReadCloser, error) {
	o.mu.Lock()
	if o.opens == nil {
		o.opens = map[string]int{}
	}
	o.opens[location]++
	o.mu.Unlock()
	o.total.Add(1)
	return os.Open(location)
}

func testConfig(root string) Config {
	config := DefaultConfig(root)
	config.Replicator.PollInterval = 5 * time.Millisecond
	config.Replicator.IdleDelay = time.Millisecond
	config.Replicator.ItemDelay = time.Millisecond
	config.GC.StartupDelay = time.Hour
	return config
}

func openTestCache(t *testing.T, config Config, opts ...Option) (*Cache, *countingOpener) {
	t.Helper()
	opener := &countingOpener{}
	c, err := Open(context.Background(), config, append([]Option{WithOpener(opener)}, opts...)...)
	require.NoError(t, err)
	return c, opener
}

func writeRepoFile(t *testing.T, dir, name string, size int) (artifactcache.Hash, string) {
	t.Helper()
	content := []byte(strings.Repeat(name[:1], size))
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, content, 0o644))
	return artifactcache.HashBytes(content), p
}

func TestEnsureCachedEndToEnd(t *testing.T) {
	ctx := context.Background()
	config := testConfig(t.TempDir())
	config.MaxCacheBytes = 10_000_000
	c, _ := openTestCache(t, config)

	h, src := writeRepoFile(t, t.TempDir(), "x.pak", 4_000_000)

	require.False(t, c.EnsureCached(Request{Hash: h, SourcePath: src, Size: 4_000_000}))
	require.Equal(t, 1, c.Stats().QueueDepth)
	require.NoError(t, c.Drain(ctx))

	fi, err := os.Stat(c.CachedFilePath(h))
	require.NoError(t, err)
	assert.Equal(t, int64(4_000_000), fi.Size())

	stats := c.Stats()
	assert.Equal(t, int64(4_000_000), stats.TotalBytes)
	assert.Equal(t, 1, stats.EntryCount)
	assert.Zero(t, stats.QueueDepth)
	assert.Nil(t, stats.GC, "no catalog, no capacity manager")
}

func TestEnsureCachedIdempotent(t *testing.T) {
	ctx := context.Background()
	c, opener := openTestCache(t, testConfig(t.TempDir()))
	h, src := writeRepoFile(t, t.TempDir(), "a.bin", 100)

	c.EnsureCached(Request{Hash: h, SourcePath: src})
	require.NoError(t, c.Drain(ctx))

	require.True(t, c.EnsureCached(Request{Hash: h, SourcePath: src}))
	require.True(t, c.EnsureCached(Request{Hash: h, SourcePath: src}))
	require.NoError(t, c.Drain(ctx))

	assert.Equal(t, int32(1), opener.total.Load())
	assert.Zero(t, c.Stats().QueueDepth)
}

func TestEnsureCachedConcurrentCopiesOnce(t *testing.T) {
	ctx := context.Background()
	c, opener := openTestCache(t, testConfig(t.TempDir()))
	h, src := writeRepoFile(t, t.TempDir(), "a.bin", 1000)

	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.EnsureCached(Request{Hash: h, SourcePath: src})
		}()
	}
	wg.Wait()

	require.NoError(t, c.Drain(ctx))
	assert.Equal(t, int32(1), opener.total.Load())
	assert.True(t, c.EnsureCached(Request{Hash: h, SourcePath: src}))
}

func TestEnsureCachedForceRecopies(t *testing.T) {
	ctx := context.Background()
	c, opener := openTestCache(t, testConfig(t.TempDir()))
	h, src := writeRepoFile(t, t.TempDir(), "a.bin", 100)

	c.EnsureCached(Request{Hash: h, SourcePath: src})
	require.NoError(t, c.Drain(ctx))

	require.True(t, c.EnsureCached(Request{Hash: h, SourcePath: src, Force: true}), "old copy is still served")
	require.NoError(t, c.Drain(ctx))

	assert.Equal(t, int32(2), opener.total.Load())
	assert.Equal(t, int64(100), c.Stats().TotalBytes)
}

func TestEnsureCachedFailureNotReported(t *testing.T) {
	ctx := context.Background()
	config := testConfig(t.TempDir())
	config.Replicator.MaxAttempts = 2
	c, opener := openTestCache(t, config)
	h := artifactcache.MustParseHash("abcd")

	require.False(t, c.EnsureCached(Request{Hash: h, SourcePath: filepath.Join(t.TempDir(), "missing")}))
	require.NoError(t, c.Drain(ctx))

	assert.Equal(t, int32(2), opener.total.Load())
	assert.False(t, c.EnsureCached(Request{Hash: h, SourcePath: "/still/missing"}))
}

func TestEnsureCachedDropsMalformedHash(t *testing.T) {
	ctx := context.Background()
	c, opener := openTestCache(t, testConfig(t.TempDir()))
	_, src := writeRepoFile(t, t.TempDir(), "a.bin", 16)

	for _, h := range []artifactcache.Hash{"", "A", "AB12CD", "ab/cd"} {
		assert.False(t, c.EnsureCached(Request{Hash: h, SourcePath: src}), "%q", string(h))
		assert.Empty(t, c.CachedFilePath(h), "%q", string(h))
	}
	assert.Zero(t, c.Stats().QueueDepth)

	require.NoError(t, c.Drain(ctx))
	assert.Zero(t, opener.total.Load())
	assert.Zero(t, c.Stats().EntryCount)
}

func TestOpenRebuildsIndex(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	c, _ := openTestCache(t, testConfig(root))
	h, src := writeRepoFile(t, t.TempDir(), "a.bin", 321)
	c.EnsureCached(Request{Hash: h, SourcePath: src})
	require.NoError(t, c.Drain(ctx))

	reopened, opener := openTestCache(t, testConfig(root))
	assert.True(t, reopened.EnsureCached(Request{Hash: h, SourcePath: src}))
	assert.Equal(t, int64(321), reopened.Stats().TotalBytes)
	assert.Zero(t, opener.total.Load())
}

func TestOpenFailsOnBadRoot(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	_, err := Open(context.Background(), testConfig(filepath.Join(file, "cache")))
	require.ErrorIs(t, err, store.ErrInit)
}

func newTestCatalog(t *testing.T) *catalog.Bolt {
	t.Helper()
	b := catalog.NewBolt(catalog.WithNoSync(true))
	require.NoError(t, b.Open(filepath.Join(t.TempDir(), "catalog.db")))
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestPrecacheBuild(t *testing.T) {
	ctx := context.Background()
	repo := t.TempDir()
	h1, _ := writeRepoFile(t, repo, "bin/app", 10)
	h2, _ := writeRepoFile(t, repo, "lib/z.so", 20)

	cat := newTestCatalog(t)
	require.NoError(t, cat.RegisterBuild(ctx, repo, []catalog.BuildFile{
		{Hash: h1, Path: `bin\app`, Size: 10},
		{Hash: h2, Path: "lib/z.so", Size: 20},
	}))

	c, opener := openTestCache(t, testConfig(t.TempDir()), WithCatalog(cat))

	n, err := c.PrecacheBuild(ctx, repo, true)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, c.Drain(ctx))
	assert.Equal(t, int32(2), opener.total.Load())
	assert.Equal(t, int64(30), c.Stats().TotalBytes)

	n, err = c.PrecacheBuild(ctx, repo, true)
	require.NoError(t, err)
	assert.Zero(t, n, "everything is cached")

	_, err = c.PrecacheBuild(ctx, "/no/such/build", false)
	require.ErrorIs(t, err, catalog.ErrBuildNotFound)
}

func TestPrecacheBuildOnDemandDropsIdleWork(t *testing.T) {
	ctx := context.Background()
	repo := t.TempDir()
	h1, _ := writeRepoFile(t, repo, "a.bin", 10)
	cat := newTestCatalog(t)
	require.NoError(t, cat.RegisterBuild(ctx, repo, []catalog.BuildFile{{Hash: h1, Path: "a.bin", Size: 10}}))

	c, _ := openTestCache(t, testConfig(t.TempDir()), WithCatalog(cat))

	idleHash := artifactcache.MustParseHash("eeee")
	c.EnsureCached(Request{Hash: idleHash, SourcePath: "/speculative", Idle: true})
	require.Equal(t, 1, c.Stats().QueueDepth)

	n, err := c.PrecacheBuild(ctx, repo, false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, c.Stats().QueueDepth, "idle request was dropped")
}

// gatedCatalog holds FilesForBuild until release is closed.
type gatedCatalog struct {
	*catalog.Bolt
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (g *gatedCatalog) FilesForBuild(ctx context.Context, repositoryPath string) ([]catalog.BuildFile, error) {
	if g.calls.Add(1) == 1 {
		close(g.entered)
	}
	<-g.release
	return g.Bolt.FilesForBuild(ctx, repositoryPath)
}

func TestPrecacheBuildCallerCancelDoesNotFailOthers(t *testing.T) {
	ctx := context.Background()
	repo := t.TempDir()
	h1, _ := writeRepoFile(t, repo, "a.bin", 10)
	bolt := newTestCatalog(t)
	require.NoError(t, bolt.RegisterBuild(ctx, repo, []catalog.BuildFile{{Hash: h1, Path: "a.bin", Size: 10}}))

	cat := &gatedCatalog{Bolt: bolt, entered: make(chan struct{}), release: make(chan struct{})}
	c, _ := openTestCache(t, testConfig(t.TempDir()), WithCatalog(cat))

	firstCtx, cancelFirst := context.WithCancel(ctx)
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.PrecacheBuild(firstCtx, repo, false)
		firstErr <- err
	}()
	<-cat.entered

	type result struct {
		n   int
		err error
	}
	second := make(chan result, 1)
	go func() {
		n, err := c.PrecacheBuild(ctx, repo, false)
		second <- result{n, err}
	}()

	cancelFirst()
	select {
	case err := <-firstErr:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller still waiting")
	}

	close(cat.release)
	select {
	case r := <-second:
		require.NoError(t, r.err)
		assert.LessOrEqual(t, r.n, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("second caller never returned")
	}
	assert.Equal(t, 1, c.Stats().QueueDepth)
}

func TestPrecacheBuildWithoutCatalog(t *testing.T) {
	c, _ := openTestCache(t, testConfig(t.TempDir()))
	_, err := c.PrecacheBuild(context.Background(), "/x", false)
	require.ErrorIs(t, err, ErrNoCatalog)

	_, err = c.RunCapacity(context.Background())
	require.ErrorIs(t, err, ErrNoCatalog)
}

func TestRunCapacityEvictsOrphans(t *testing.T) {
	ctx := context.Background()
	repo := t.TempDir()
	cat := newTestCatalog(t)

	var files []catalog.BuildFile
	for _, name := range []string{"a", "b", "c"} {
		h, _ := writeRepoFile(t, repo, name, 10)
		files = append(files, catalog.BuildFile{Hash: h, Path: name, Size: 10})
	}
	require.NoError(t, cat.RegisterBuild(ctx, repo, files))

	config := testConfig(t.TempDir())
	config.GC.OrphanMinEntries = 1
	c, _ := openTestCache(t, config, WithCatalog(cat))

	_, err := c.PrecacheBuild(ctx, repo, false)
	require.NoError(t, err)
	require.NoError(t, c.Drain(ctx))
	require.Equal(t, 3, c.Stats().EntryCount)

	status, err := c.RunCapacity(ctx)
	require.NoError(t, err)
	assert.Zero(t, status.Purge.OrphansDeleted)

	require.NoError(t, cat.DeleteBuild(ctx, repo))
	status, err = c.RunCapacity(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, status.Purge.OrphansDeleted)
	assert.Zero(t, c.Stats().EntryCount)
	require.NotNil(t, c.Stats().GC)
}

func TestStartStop(t *testing.T) {
	ctx := context.Background()
	config := testConfig(t.TempDir())
	config.StatsInterval = 5 * time.Millisecond
	c, _ := openTestCache(t, config)
	c.Start(ctx)
	c.Start(ctx)

	h, src := writeRepoFile(t, t.TempDir(), "a.bin", 64)
	c.EnsureCached(Request{Hash: h, SourcePath: src})

	require.Eventually(t, func() bool {
		return c.EnsureCached(Request{Hash: h, SourcePath: src})
	}, 5*time.Second, 5*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, c.Stop(stopCtx))
	require.NoError(t, c.Stop(stopCtx))

	select {
	case <-c.Done():
	default:
		t.Fatal("replicator still running after stop")
	}
	require.NoError(t, c.Err())
}

func TestRestart(t *testing.T) {
	ctx := context.Background()
	c, _ := openTestCache(t, testConfig(t.TempDir()))
	dir := t.TempDir()

	for _, name := range []string{"first.bin", "second.bin"} {
		c.Start(ctx)
		h, src := writeRepoFile(t, dir, name, 32)
		c.EnsureCached(Request{Hash: h, SourcePath: src})
		require.Eventually(t, func() bool {
			return c.EnsureCached(Request{Hash: h, SourcePath: src})
		}, 5*time.Second, 5*time.Millisecond, name)

		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		require.NoError(t, c.Stop(stopCtx))
		cancel()

		select {
		case <-c.Done():
		default:
			t.Fatalf("replicator still running after stop (%s)", name)
		}
	}
	require.Equal(t, 2, c.Stats().EntryCount)
}

func TestDrainHonoursContext(t *testing.T) {
	c, _ := openTestCache(t, testConfig(t.TempDir()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.True(t, errors.Is(c.Drain(ctx), context.Canceled))
}
