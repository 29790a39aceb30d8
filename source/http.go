package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// HTTP opens http and https locations with GET.
type HTTP struct {
	client *http.Client
}

// NewHTTP creates an HTTP opener. A nil client gets a default with no
// overall timeout, since artifacts can be large.
func NewHTTP(client *http.Client) *HTTP {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				MaxIdleConnsPerHost:   8,
				IdleConnTimeout:       90 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
			},
		}
	}
	return &HTTP{client: client}
}

// Open implements Opener. 404 and 410 are reported as os.ErrNotExist.
func (o *HTTP) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", location, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return resp.Body, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		_ = resp.Body.Close()
		return nil, fmt.Errorf("get %s: %w", location, os.ErrNotExist)
	default:
		_ = resp.Body.Close()
		return nil, fmt.Errorf("get %s: unexpected status %s", location, resp.Status)
	}
}
