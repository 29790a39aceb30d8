// Package store provides the on-disk content store for cached build artifacts.
// Files are kept at <root>/<hash[0:2]>/<hash>, spread over 256 shard
// directories so no single directory grows without bound.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	artifactcache "github.com/wolfeidau/artifact-cache"
)

// tmpPrefix marks in-progress copies. They are never indexed and are
// removed by Scan.
const tmpPrefix = ".tmp-"

var (
	// ErrInit is returned when the store root cannot be created or written.
	ErrInit = errors.New("store: initialization failed")

	// ErrNotFound is returned when a hash is not present in the store.
	ErrNotFound = errors.New("store: not found")
)

// Opener opens a repository location for reading.
type Opener interface {
	Open(ctx context.Context, location string) (io.ReadCloser, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, location string) (io.ReadCloser, error)

// Open implements Opener.
func (f OpenerFunc) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	return f(ctx, location)
}

// fileOpener reads plain filesystem paths.
var fileOpener = OpenerFunc(func(_ context.Context, location string) (io.ReadCloser, error) {
	return os.Open(location)
})

// Store is a sharded content store on the local filesystem.
// It is safe for concurrent use; callers serialise work on a single hash
// with the key lock.
type Store struct {
	root   string
	opener Opener
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithOpener sets how source locations are read. Defaults to os.Open.
func WithOpener(o Opener) Option {
	return func(s *Store) {
		s.opener = o
	}
}

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New initializes a store rooted at root. The root and all 256 shard
// directories are created if needed and the root is probed for writability.
// Failures wrap ErrInit.
func New(root string, opts ...Option) (*Store, error) {
	s := &Store{
		opener: fileOpener,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving root path: %v", ErrInit, err)
	}
	s.root = absRoot

	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating root directory: %v", ErrInit, err)
	}
	for _, shard := range Shards() {
		if err := os.MkdirAll(filepath.Join(absRoot, shard), 0o755); err != nil {
			return nil, fmt.Errorf("%w: creating shard %s: %v", ErrInit, shard, err)
		}
	}

	probe, err := os.CreateTemp(absRoot, ".probe-*")
	if err != nil {
		return nil, fmt.Errorf("%w: root is not writable: %v", ErrInit, err)
	}
	_ = probe.Close()
	_ = os.Remove(probe.Name())

	s.logger.Debug("content store initialized", "root", absRoot)
	return s, nil
}

// Shards returns the names of the 256 shard directories, "00" through "ff".
func Shards() []string {
	shards := make([]string, 0, 256)
	for i := 0; i < 256; i++ {
		shards = append(shards, fmt.Sprintf("%02x", i))
	}
	return shards
}

// Root returns the absolute root directory.
func (s *Store) Root() string {
	return s.root
}

// Path returns the location of hash in the store. It has no side effects.
func (s *Store) Path(h artifactcache.Hash) string {
	return filepath.Join(s.root, h.Shard(), h.String())
}

// Exists reports whether a file for hash is present.
func (s *Store) Exists(_ context.Context, h artifactcache.Hash) (bool, error) {
	_, err := os.Stat(s.Path(h))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking file: %w", err)
}

// Size returns the on-disk size of hash.
// Returns ErrNotFound if the hash is not present.
func (s *Store) Size(_ context.Context, h artifactcache.Hash) (int64, error) {
	info, err := os.Stat(s.Path(h))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("stat file: %w", err)
	}
	return info.Size(), nil
}

// Delete removes hash from the store. A missing file is not an error.
func (s *Store) Delete(_ context.Context, h artifactcache.Hash) error {
	path := s.Path(h)
	err := os.Remove(path)
	if err == nil || os.IsNotExist(err) {
		return nil
	}
	if os.IsPermission(err) {
		// Files copied from read-only repository shares keep their mode.
		if chmodErr := os.Chmod(path, 0o644); chmodErr == nil {
			if err = os.Remove(path); err == nil || os.IsNotExist(err) {
				return nil
			}
		}
	}
	return fmt.Errorf("removing file: %w", err)
}

// Check returns an error if the store root or any shard directory has
// disappeared. The replicator treats this as fatal.
func (s *Store) Check() error {
	info, err := os.Stat(s.root)
	if err != nil {
		return fmt.Errorf("store root %s: %w", s.root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("store root %s is not a directory", s.root)
	}
	for _, shard := range Shards() {
		if _, err := os.Stat(filepath.Join(s.root, shard)); err != nil {
			return fmt.Errorf("store shard %s: %w", shard, err)
		}
	}
	return nil
}

// Scan calls fn for every entry in the store. Leftover temp files from
// interrupted copies are removed, and names that are not canonical hashes
// in their own shard are skipped.
func (s *Store) Scan(ctx context.Context, fn func(h artifactcache.Hash, size int64) error) error {
	for _, shard := range Shards() {
		if err := ctx.Err(); err != nil {
			return err
		}

		dir := filepath.Join(s.root, shard)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("reading shard %s: %w", shard, err)
		}

		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			name := e.Name()

			if strings.HasPrefix(name, tmpPrefix) {
				if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
					s.logger.Warn("failed to remove stale temp file", "shard", shard, "name", name, "error", err)
				} else {
					s.logger.Debug("removed stale temp file", "shard", shard, "name", name)
				}
				continue
			}

			h, err := artifactcache.ParseHash(name)
			if err != nil || h.String() != name || h.Shard() != shard {
				s.logger.Debug("skipping unrecognised file", "shard", shard, "name", name)
				continue
			}

			info, err := e.Info()
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return fmt.Errorf("stat %s: %w", name, err)
			}

			if err := fn(h, info.Size()); err != nil {
				return err
			}
		}
	}
	return nil
}
