// Package source opens files in the build repository. Locations are plain
// filesystem paths, s3://bucket/key URLs or http(s) URLs; Mux picks the
// right opener by scheme.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// ErrUnsupported is returned for locations no opener handles.
var ErrUnsupported = errors.New("source: unsupported location")

// Opener opens a repository location for reading.
type Opener interface {
	Open(ctx context.Context, location string) (io.ReadCloser, error)
}

// Local opens filesystem paths. Relative paths are resolved against Root
// when it is set.
type Local struct {
	Root string
}

// Open implements Opener.
func (l Local) Open(_ context.Context, location string) (io.ReadCloser, error) {
	p := strings.TrimPrefix(location, "file://")
	if l.Root != "" && !filepath.IsAbs(p) {
		p = filepath.Join(l.Root, p)
	}
	return os.Open(p)
}

// Mux dispatches on the location's URL scheme. Locations without a scheme,
// and file:// URLs, go to Local. Every read is recorded in the source fetch
// metrics, labelled by scheme and host.
type Mux struct {
	Local Opener
	S3    Opener
	HTTP  Opener
}

// Open implements Opener.
func (m *Mux) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	var o Opener
	switch scheme(location) {
	case "", "file":
		o = m.Local
	case "s3":
		o = m.S3
	case "http", "https":
		o = m.HTTP
	}
	if o == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, location)
	}

	sch, host := locationLabels(location)
	start := time.Now()
	rc, err := o.Open(ctx, location)
	if err != nil {
		recordRead(ctx, sch, host, time.Since(start), 0, openOutcome(ctx, err))
		return nil, err
	}
	return &meteredBody{ReadCloser: rc, ctx: ctx, scheme: sch, host: host, start: start}, nil
}

// Join appends a build-relative file path to a repository path. Backslash
// separators in rel are accepted.
func Join(repositoryPath, rel string) string {
	rel = strings.ReplaceAll(rel, `\`, "/")
	if scheme(repositoryPath) == "" {
		return filepath.Join(repositoryPath, filepath.FromSlash(rel))
	}

	u, err := url.Parse(repositoryPath)
	if err != nil {
		return strings.TrimRight(repositoryPath, "/") + "/" + strings.TrimLeft(rel, "/")
	}
	u.Path = path.Join("/", u.Path, rel)
	return u.String()
}

// scheme returns the lower-cased URL scheme of location, or "" for plain
// paths. Single letter schemes are Windows drive letters.
func scheme(location string) string {
	i := strings.Index(location, "://")
	if i <= 1 {
		return ""
	}
	return strings.ToLower(location[:i])
}
