package source

import (
	"context"
	"errors"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/wolfeidau/artifact-cache/telemetry"
)

// Outcomes recorded for repository reads.
const (
	ReadOK       = "ok"
	ReadNotFound = "not_found"
	ReadPartial  = "partial"
	ReadError    = "error"
	ReadCanceled = "canceled"
)

// recordRead is swapped out in tests.
var recordRead = telemetry.RecordSourceFetch

// openOutcome classifies an error returned by an Opener.
func openOutcome(ctx context.Context, err error) string {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return ReadNotFound
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		return ReadCanceled
	default:
		return ReadError
	}
}

// locationLabels returns the scheme and host metric labels for location.
// Plain paths are labelled "file" with no host; for s3 the host is the
// bucket.
func locationLabels(location string) (string, string) {
	s := scheme(location)
	if s == "" || s == "file" {
		return "file", ""
	}
	u, err := url.Parse(location)
	if err != nil {
		return s, ""
	}
	return s, u.Host
}

// meteredBody records one repository read when it is closed. A body
// closed before EOF is a partial read: the copy was abandoned.
type meteredBody struct {
	io.ReadCloser
	ctx      context.Context
	scheme   string
	host     string
	start    time.Time
	bytes    int64
	eof      bool
	readErr  error
	recorded bool
}

func (b *meteredBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.bytes += int64(n)
	switch {
	case err == io.EOF:
		b.eof = true
	case err != nil && b.readErr == nil:
		b.readErr = err
	}
	return n, err
}

func (b *meteredBody) Close() error {
	if !b.recorded {
		b.recorded = true
		recordRead(b.ctx, b.scheme, b.host, time.Since(b.start), b.bytes, b.outcome())
	}
	return b.ReadCloser.Close()
}

func (b *meteredBody) outcome() string {
	switch {
	case b.readErr != nil:
		return openOutcome(b.ctx, b.readErr)
	case b.eof:
		return ReadOK
	default:
		return ReadPartial
	}
}
