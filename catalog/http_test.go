package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	artifactcache "github.com/wolfeidau/artifact-cache"
)

// countingHandler counts requests reaching the catalog handler.
type countingHandler struct {
	next  http.Handler
	count atomic.Int32
}

func (h *countingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.count.Add(1)
	h.next.ServeHTTP(w, r)
}

func newTestServer(t *testing.T, opts ...HandlerOption) (*Bolt, *countingHandler, string) {
	t.Helper()
	b := newTestBolt(t)
	ch := &countingHandler{next: http.StripPrefix("/catalog", NewHandler(b, opts...))}
	srv := httptest.NewServer(ch)
	t.Cleanup(srv.Close)
	return b, ch, srv.URL + "/catalog"
}

func TestClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	_, _, url := newTestServer(t)

	c, err := NewClient(url)
	require.NoError(t, err)

	require.NoError(t, c.RegisterBuild(ctx, "repo/build 1", []BuildFile{fileN(1, 10), fileN(2, 20)}))

	ok, err := c.HasFile(ctx, fileN(1, 0).Hash)
	require.NoError(t, err)
	require.True(t, ok)

	total, err := c.TotalTrackedBytes(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(30), total)

	records, err := c.NewestFilesByPercentile(ctx, 100)
	require.NoError(t, err)
	require.Len(t, records, 2)

	files, err := c.FilesForBuild(ctx, "repo/build 1")
	require.NoError(t, err)
	require.Equal(t, []BuildFile{fileN(1, 10), fileN(2, 20)}, files)

	require.NoError(t, c.DeleteBuild(ctx, "repo/build 1"))
	ok, err = c.HasFile(ctx, fileN(1, 0).Hash)
	require.NoError(t, err)
	require.False(t, ok, "delete flushes remembered answers")

	_, err = c.FilesForBuild(ctx, "repo/build 1")
	require.ErrorIs(t, err, ErrBuildNotFound)
	require.ErrorIs(t, c.DeleteBuild(ctx, "repo/build 1"), ErrBuildNotFound)
}

func TestClientRemembersPositiveAnswers(t *testing.T) {
	ctx := context.Background()
	b, counter, url := newTestServer(t)
	require.NoError(t, b.RegisterBuild(ctx, "a", []BuildFile{fileN(1, 10)}))

	c, err := NewClient(url, WithKnownTTL(time.Minute))
	require.NoError(t, err)

	for range 3 {
		ok, err := c.HasFile(ctx, fileN(1, 0).Hash)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.Equal(t, int32(1), counter.count.Load())

	for range 3 {
		ok, err := c.HasFile(ctx, fileN(2, 0).Hash)
		require.NoError(t, err)
		require.False(t, ok)
	}
	require.Equal(t, int32(4), counter.count.Load(), "negative answers are not remembered")

	c.Forget(fileN(1, 0).Hash)
	_, err = c.HasFile(ctx, fileN(1, 0).Hash)
	require.NoError(t, err)
	require.Equal(t, int32(5), counter.count.Load())
}

func TestClientWithoutKnownCache(t *testing.T) {
	ctx := context.Background()
	b, counter, url := newTestServer(t)
	require.NoError(t, b.RegisterBuild(ctx, "a", []BuildFile{fileN(1, 10)}))

	c, err := NewClient(url, WithKnownTTL(0))
	require.NoError(t, err)

	for range 2 {
		_, err := c.HasFile(ctx, fileN(1, 0).Hash)
		require.NoError(t, err)
	}
	require.Equal(t, int32(2), counter.count.Load())
}

func TestClientUnavailable(t *testing.T) {
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL)
	require.NoError(t, err)
	_, err = c.TotalTrackedBytes(ctx)
	require.ErrorIs(t, err, ErrUnavailable)

	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()

	c, err = NewClient(closedURL)
	require.NoError(t, err)
	_, err = c.HasFile(ctx, artifactcache.MustParseHash("aa"))
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestClientH2C(t *testing.T) {
	ctx := context.Background()
	b := newTestBolt(t)
	require.NoError(t, b.RegisterBuild(ctx, "a", []BuildFile{fileN(1, 10)}))

	var proto atomic.Value
	h := http.StripPrefix("/catalog", NewHandler(b))
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proto.Store(r.Proto)
		h.ServeHTTP(w, r)
	}))
	srv.Config.Protocols = new(http.Protocols)
	srv.Config.Protocols.SetHTTP1(true)
	srv.Config.Protocols.SetUnencryptedHTTP2(true)
	srv.Start()
	defer srv.Close()

	c, err := NewClient(srv.URL+"/catalog", WithH2C())
	require.NoError(t, err)

	ok, err := c.HasFile(ctx, fileN(1, 0).Hash)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "HTTP/2.0", proto.Load())
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient("ftp://example.com")
	require.Error(t, err)
}

func TestHandlerValidation(t *testing.T) {
	_, _, url := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		status int
	}{
		{"bad hash", http.MethodGet, "/files/zz", http.StatusBadRequest},
		{"missing percent", http.MethodGet, "/newest", http.StatusBadRequest},
		{"percent out of range", http.MethodGet, "/newest?percent=101", http.StatusBadRequest},
		{"missing path", http.MethodGet, "/builds/files", http.StatusBadRequest},
		{"unknown build", http.MethodGet, "/builds/files?path=x", http.StatusNotFound},
		{"wrong method", http.MethodPost, "/total", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, url+tt.path, nil)
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestHandlerReadOnly(t *testing.T) {
	ctx := context.Background()
	_, _, url := newTestServer(t, WithReadOnly())

	c, err := NewClient(url)
	require.NoError(t, err)

	err = c.RegisterBuild(ctx, "a", []BuildFile{fileN(1, 10)})
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrUnavailable)
	require.Contains(t, err.Error(), "read-only")
}
