package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	artifactcache "github.com/wolfeidau/artifact-cache"
	"golang.org/x/time/rate"
)

// CopyError is returned when a file could not be copied into the store:
// the source was unreadable, the destination unwritable, the disk full, or
// the copied bytes did not match what was expected.
type CopyError struct {
	Hash   artifactcache.Hash
	Source string
	Err    error
}

func (e *CopyError) Error() string {
	return fmt.Sprintf("copying %s from %s: %v", e.Hash, e.Source, e.Err)
}

func (e *CopyError) Unwrap() error {
	return e.Err
}

type writeConfig struct {
	expectedSize int64
	limiter      *rate.Limiter
	verify       bool
}

// WriteOption configures a single Write.
type WriteOption func(*writeConfig)

// WithExpectedSize fails the copy unless exactly n bytes were written.
func WithExpectedSize(n int64) WriteOption {
	return func(c *writeConfig) {
		c.expectedSize = n
	}
}

// WithRateLimiter throttles the copy to the limiter's rate in bytes/second.
func WithRateLimiter(l *rate.Limiter) WriteOption {
	return func(c *writeConfig) {
		c.limiter = l
	}
}

// WithVerify fails the copy unless the BLAKE3 digest of the copied bytes
// equals the hash being written.
func WithVerify() WriteOption {
	return func(c *writeConfig) {
		c.verify = true
	}
}

// Write copies sourcePath into the store as hash and returns the number of
// bytes written. The copy lands in a temp file in the shard directory and is
// renamed into place only once complete, so a crash never leaves a partial
// file under the final name. An existing entry is replaced atomically.
// Every failure is a *CopyError.
func (s *Store) Write(ctx context.Context, h artifactcache.Hash, sourcePath string, opts ...WriteOption) (int64, error) {
	cfg := writeConfig{expectedSize: -1}
	for _, opt := range opts {
		opt(&cfg)
	}

	n, err := s.write(ctx, h, sourcePath, cfg)
	if err != nil {
		return 0, &CopyError{Hash: h, Source: sourcePath, Err: err}
	}
	return n, nil
}

func (s *Store) write(ctx context.Context, h artifactcache.Hash, sourcePath string, cfg writeConfig) (int64, error) {
	src, err := s.opener.Open(ctx, sourcePath)
	if err != nil {
		return 0, fmt.Errorf("opening source: %w", err)
	}
	defer func() { _ = src.Close() }()

	// Shards are created by New. A missing one means the root went away,
	// which Check reports; recreating it here would hide that.
	tmp, err := os.CreateTemp(filepath.Join(s.root, h.Shard()), tmpPrefix+"*")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	var r io.Reader = &contextReader{ctx: ctx, r: src}
	if cfg.limiter != nil {
		r = &limitedReader{ctx: ctx, r: r, limiter: cfg.limiter}
	}

	var w io.Writer = tmp
	var hw *artifactcache.HashingWriter
	if cfg.verify {
		hw = artifactcache.NewHashingWriter(tmp)
		w = hw
	}

	n, err := io.Copy(w, r)
	if err != nil {
		return n, fmt.Errorf("writing data: %w", err)
	}

	if cfg.expectedSize >= 0 && n != cfg.expectedSize {
		return n, fmt.Errorf("size mismatch: expected %d bytes, copied %d", cfg.expectedSize, n)
	}
	if hw != nil {
		if sum := hw.Sum(); sum != h {
			return n, fmt.Errorf("digest mismatch: copied content hashes to %s", sum.ShortString())
		}
	}

	if err := tmp.Sync(); err != nil {
		return n, fmt.Errorf("syncing file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return n, fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.Path(h)); err != nil {
		return n, fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return n, nil
}

// contextReader stops a copy once its context is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}

// limitedReader waits on the limiter for every chunk it hands out.
// Reads are capped at the limiter's burst so WaitN can always succeed.
type limitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (lr *limitedReader) Read(p []byte) (int, error) {
	if burst := lr.limiter.Burst(); burst > 0 && len(p) > burst {
		p = p[:burst]
	}
	n, err := lr.r.Read(p)
	if n > 0 && lr.limiter.Limit() != rate.Inf {
		if werr := lr.limiter.WaitN(lr.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
