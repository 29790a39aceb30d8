package catalog

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	artifactcache "github.com/wolfeidau/artifact-cache"
	"github.com/wolfeidau/artifact-cache/telemetry"
	"golang.org/x/net/http2"
)

const (
	defaultKnownTTL = 5 * time.Minute
	defaultTimeout  = 30 * time.Second
)

// Client is a Registry backed by a remote catalog Handler.
//
// Positive HasFile answers are remembered for a short TTL. Negative answers
// are never cached.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	known   *cache.Cache
	ttl     time.Duration
	logger  *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.http = hc
	}
}

// WithH2C talks HTTP/2 over cleartext to the catalog.
func WithH2C() ClientOption {
	return func(c *Client) {
		c.http = &http.Client{
			Timeout:   defaultTimeout,
			Transport: NewH2CTransport(),
		}
	}
}

// WithKnownTTL sets how long positive HasFile answers are remembered.
// Zero disables the cache.
func WithKnownTTL(ttl time.Duration) ClientOption {
	return func(c *Client) {
		c.ttl = ttl
	}
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewH2CTransport returns an HTTP/2 transport that dials plain TCP for
// http:// URLs.
func NewH2CTransport() *http2.Transport {
	return &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}
}

// NewClient creates a client for the catalog served at baseURL, for example
// "http://master:8080/catalog".
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing catalog url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("parsing catalog url: unsupported scheme %q", u.Scheme)
	}

	c := &Client{
		baseURL: u,
		http:    &http.Client{Timeout: defaultTimeout},
		ttl:     defaultKnownTTL,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.ttl > 0 {
		c.known = cache.New(c.ttl, 2*c.ttl)
	}
	return c, nil
}

// HasFile implements Catalog.
func (c *Client) HasFile(ctx context.Context, h artifactcache.Hash) (bool, error) {
	start := time.Now()
	if c.known != nil {
		if _, ok := c.known.Get(h.String()); ok {
			telemetry.RecordCatalogOp(ctx, "has_file", "success", telemetry.CacheHit, time.Since(start))
			return true, nil
		}
	}

	var resp hasFileResponse
	err := c.do(ctx, http.MethodGet, "/files/"+url.PathEscape(h.String()), nil, nil, &resp)
	c.record(ctx, "has_file", err, telemetry.CacheMiss, start)
	if err != nil {
		return false, err
	}
	if resp.Exists && c.known != nil {
		c.known.SetDefault(h.String(), struct{}{})
	}
	return resp.Exists, nil
}

// Forget drops any remembered answer for h.
func (c *Client) Forget(h artifactcache.Hash) {
	if c.known != nil {
		c.known.Delete(h.String())
	}
}

// TotalTrackedBytes implements Catalog.
func (c *Client) TotalTrackedBytes(ctx context.Context) (int64, error) {
	start := time.Now()
	var resp totalResponse
	err := c.do(ctx, http.MethodGet, "/total", nil, nil, &resp)
	c.record(ctx, "total_tracked_bytes", err, telemetry.CacheBypass, start)
	return resp.TotalBytes, err
}

// NewestFilesByPercentile implements Catalog.
func (c *Client) NewestFilesByPercentile(ctx context.Context, percent int) ([]FileRecord, error) {
	start := time.Now()
	var records []FileRecord
	q := url.Values{"percent": {strconv.Itoa(percent)}}
	err := c.do(ctx, http.MethodGet, "/newest", q, nil, &records)
	c.record(ctx, "newest_files", err, telemetry.CacheBypass, start)
	return records, err
}

// FilesForBuild implements Catalog.
func (c *Client) FilesForBuild(ctx context.Context, repositoryPath string) ([]BuildFile, error) {
	start := time.Now()
	var files []BuildFile
	q := url.Values{"path": {repositoryPath}}
	err := c.do(ctx, http.MethodGet, "/builds/files", q, nil, &files)
	c.record(ctx, "files_for_build", err, telemetry.CacheBypass, start)
	return files, err
}

// RegisterBuild implements Registry.
func (c *Client) RegisterBuild(ctx context.Context, repositoryPath string, files []BuildFile) error {
	start := time.Now()
	body, err := json.Marshal(files)
	if err != nil {
		return fmt.Errorf("encoding build files: %w", err)
	}
	q := url.Values{"path": {repositoryPath}}
	err = c.do(ctx, http.MethodPut, "/builds", q, body, nil)
	c.record(ctx, "register_build", err, telemetry.CacheBypass, start)
	return err
}

// DeleteBuild implements Registry. Remembered answers are dropped since
// any of them may now be an orphan.
func (c *Client) DeleteBuild(ctx context.Context, repositoryPath string) error {
	start := time.Now()
	q := url.Values{"path": {repositoryPath}}
	err := c.do(ctx, http.MethodDelete, "/builds", q, nil, nil)
	c.record(ctx, "delete_build", err, telemetry.CacheBypass, start)
	if err == nil && c.known != nil {
		c.known.Flush()
	}
	return err
}

func (c *Client) record(ctx context.Context, op string, err error, result telemetry.CacheResult, start time.Time) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	telemetry.RecordCatalogOp(ctx, op, outcome, result, time.Since(start))
}

// do sends a request and decodes a JSON response into out when non-nil.
// Transport failures and 5xx answers wrap ErrUnavailable; a 404 from the
// build routes is ErrBuildNotFound.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, out any) error {
	u := *c.baseURL
	u.Path = c.baseURL.Path + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound && strings.HasPrefix(path, "/builds"):
		return ErrBuildNotFound
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s %s: %s", ErrUnavailable, method, path, readError(resp.Body, resp.Status))
	case resp.StatusCode >= 300:
		return fmt.Errorf("catalog %s %s: %s", method, path, readError(resp.Body, resp.Status))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding %s response: %v", ErrUnavailable, path, err)
	}
	return nil
}

func readError(r io.Reader, status string) string {
	var er errorResponse
	if err := json.NewDecoder(io.LimitReader(r, 4096)).Decode(&er); err == nil && er.Error != "" {
		return er.Error
	}
	return status
}
