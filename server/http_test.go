package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	artifactcache "github.com/wolfeidau/artifact-cache"
	"github.com/wolfeidau/artifact-cache/cache"
	"github.com/wolfeidau/artifact-cache/catalog"
)

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	c, err := cache.Open(context.Background(), cache.DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	return c
}

func newTestCatalog(t *testing.T) *catalog.Bolt {
	t.Helper()
	b := catalog.NewBolt(catalog.WithNoSync(true))
	require.NoError(t, b.Open(filepath.Join(t.TempDir(), "catalog.db")))
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestNewRequiresSomethingToServe(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestHealthAndStats(t *testing.T) {
	s, err := New(Config{Cache: newTestCache(t)})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var stats cache.Stats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	assert.Zero(t, stats.EntryCount)
	assert.Zero(t, stats.QueueDepth)
}

func TestRequestIDPropagated(t *testing.T) {
	s, err := New(Config{Cache: newTestCache(t)})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
}

func TestRequestLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	s, err := New(Config{Catalog: catalog.NewHandler(newTestCatalog(t)), Logger: logger})
	require.NoError(t, err)

	h := artifactcache.HashBytes([]byte("x"))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/catalog/files/"+h.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "http request", record["msg"])
	assert.Equal(t, "catalog", record["area"])
	assert.Equal(t, "catalog_has_file", record["endpoint"])
	assert.InDelta(t, 200, record["status"], 0)
}

func TestCatalogOnlyServer(t *testing.T) {
	s, err := New(Config{Catalog: catalog.NewHandler(newTestCatalog(t))})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/catalog/total", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"total_bytes":0}`, rec.Body.String())

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsNotEnabled(t *testing.T) {
	s, err := New(Config{Cache: newTestCache(t)})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeH2C(t *testing.T) {
	ctx := context.Background()
	b := newTestCatalog(t)
	s, err := New(Config{Catalog: catalog.NewHandler(b), H2C: true})
	require.NoError(t, err)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.Serve(l) }()
	t.Cleanup(func() { _ = s.Shutdown(ctx) })

	client := &http.Client{Transport: catalog.NewH2CTransport()}
	resp, err := client.Get("http://" + l.Addr().String() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "HTTP/2.0", resp.Proto)

	c, err := catalog.NewClient("http://"+l.Addr().String()+"/catalog", catalog.WithH2C())
	require.NoError(t, err)
	total, err := c.TotalTrackedBytes(ctx)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestDeriveArea(t *testing.T) {
	assert.Equal(t, "internal", deriveArea("/health"))
	assert.Equal(t, "catalog", deriveArea("/catalog/total"))
	assert.Equal(t, "unknown", deriveArea("/other"))
}
