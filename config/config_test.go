package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	config, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", config.Listen)
	assert.Equal(t, 500, config.GC.OrphanSampleSize)
	assert.Equal(t, 5, config.GC.RetainMargin)
	assert.Equal(t, 55*time.Second, config.GC.Interval.Std())
	assert.Equal(t, "info", config.Log.Level)
	assert.False(t, config.Metrics.DisablePrometheus)

	missing, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, config, missing)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
listen: ":9090"
cache:
  root: /var/cache/artifacts
  quota: 500GB
replicator:
  idle_bandwidth: 20 MiB
  verify: true
  max_attempts: 3
gc:
  interval: 2m
  retain_margin: 10
catalog:
  url: http://catalog.internal:8080/catalog
  h2c: true
s3:
  region: ap-southeast-2
log:
  level: debug
  format: json
`)
	config, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", config.Listen)
	assert.Equal(t, int64(500_000_000_000), config.Cache.Quota.Int64())
	assert.Equal(t, int64(20*1024*1024), config.Replicator.IdleBandwidth.Int64())
	assert.True(t, config.Replicator.Verify)
	assert.Equal(t, 2*time.Minute, config.GC.Interval.Std())
	assert.Equal(t, 10*time.Second, config.GC.Jitter.Std(), "unset values keep defaults")
	assert.Equal(t, 10, config.GC.RetainMargin)
	assert.True(t, config.Catalog.H2C)
	assert.Equal(t, "ap-southeast-2", config.S3.Region)
	assert.Equal(t, "json", config.Log.Format)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"bad quota":    "cache:\n  quota: lots\n",
		"bad duration": "gc:\n  interval: soon\n",
		"bad margin":   "gc:\n  retain_margin: 101\n",
		"bad url":      "catalog:\n  url: ftp://catalog\n",
		"bad level":    "log:\n  level: chatty\n",
		"bad yaml":     "cache: [\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}

func TestCacheConfig(t *testing.T) {
	config, err := Load(writeConfig(t, `
cache:
  root: ./artifacts
  quota: 1GiB
replicator:
  max_attempts: 4
gc:
  orphan_min_entries: 10
`))
	require.NoError(t, err)

	cc, err := config.CacheConfig()
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(cc.Root))
	assert.Equal(t, int64(1<<30), cc.MaxCacheBytes)
	assert.Equal(t, 4, cc.Replicator.MaxAttempts)
	assert.Equal(t, 10, cc.GC.OrphanMinEntries)
	assert.Equal(t, 500, cc.GC.OrphanSampleSize)
	assert.Equal(t, 100*time.Millisecond, cc.Replicator.PollInterval)

	empty, err := Load("")
	require.NoError(t, err)
	_, err = empty.CacheConfig()
	require.Error(t, err)
}

func TestBytesYAML(t *testing.T) {
	var b Bytes
	require.NoError(t, b.Set("1.5 GiB"))
	assert.Equal(t, int64(1610612736), b.Int64())

	out, err := yaml.Marshal(struct {
		Quota Bytes `yaml:"quota"`
	}{Quota: Bytes(1 << 20)})
	require.NoError(t, err)
	assert.Contains(t, string(out), "1.0 MiB")

	require.Error(t, b.Set("-5"))
}
