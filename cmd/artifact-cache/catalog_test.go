package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	artifactcache "github.com/wolfeidau/artifact-cache"
	"github.com/wolfeidau/artifact-cache/catalog"
)

func TestHashBuild(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bin", "app"), []byte("app"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data.pak"), []byte("pak data"), 0o644))

	files, err := hashBuild(context.Background(), dir, 2)
	require.NoError(t, err)
	assert.ElementsMatch(t, []catalog.BuildFile{
		{Hash: artifactcache.HashBytes([]byte("app")), Path: "bin/app", Size: 3},
		{Hash: artifactcache.HashBytes([]byte("pak data")), Path: "data.pak", Size: 8},
	}, files)
}

func TestHashBuildMissingDir(t *testing.T) {
	_, err := hashBuild(context.Background(), filepath.Join(t.TempDir(), "absent"), 1)
	require.Error(t, err)
}

func TestGlobalsOverrideConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache:\n  root: /from/file\n  quota: 1GB\nlisten: \":9000\"\n"), 0o644))

	g := &Globals{Config: path, Root: "/from/flag", Quota: "2GB", Debug: true}
	cfg, logger, err := g.load()
	require.NoError(t, err)
	require.NotNil(t, logger)

	assert.Equal(t, "/from/flag", cfg.Cache.Root)
	assert.Equal(t, int64(2_000_000_000), cfg.Cache.Quota.Int64())
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "debug", cfg.Log.Level)

	_, _, err = (&Globals{Config: path, Quota: "plenty"}).load()
	require.Error(t, err)
}

func TestOpenRegistryLocal(t *testing.T) {
	g := &Globals{Config: filepath.Join(t.TempDir(), "absent.yaml")}
	cfg, logger, err := g.load()
	require.NoError(t, err)

	_, _, err = openRegistry(cfg, "", logger)
	require.Error(t, err, "no database and no url")

	db := filepath.Join(t.TempDir(), "catalog.db")
	registry, closeRegistry, err := openRegistry(cfg, db, logger)
	require.NoError(t, err)
	defer closeRegistry()

	ctx := context.Background()
	h := artifactcache.HashBytes([]byte("x"))
	require.NoError(t, registry.RegisterBuild(ctx, "/builds/1", []catalog.BuildFile{{Hash: h, Path: "x", Size: 1}}))
	exists, err := registry.HasFile(ctx, h)
	require.NoError(t, err)
	assert.True(t, exists)
}
