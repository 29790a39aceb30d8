package catalog

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	artifactcache "github.com/wolfeidau/artifact-cache"
	"go.etcd.io/bbolt"
)

// Bucket names for bbolt storage.
var (
	bucketFiles       = []byte("files")         // hash -> fileRecord
	bucketFilesByTime = []byte("files_by_time") // timestamp+hash -> empty (newest-first index)
	bucketBuilds      = []byte("builds")        // repository path -> manifest
	bucketMeta        = []byte("meta")          // counters

	keyTotalBytes = []byte("total_bytes")
	keyFileCount  = []byte("file_count")
)

// Bolt is a Registry stored in a bbolt file.
type Bolt struct {
	db     *bbolt.DB
	codec  *manifestCodec
	logger *slog.Logger
	now    func() time.Time
	noSync bool
}

// BoltOption configures a Bolt catalog.
type BoltOption func(*Bolt)

// WithLogger sets the logger for the catalog.
func WithLogger(logger *slog.Logger) BoltOption {
	return func(b *Bolt) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltOption {
	return func(b *Bolt) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// Use only for testing, never in production.
func WithNoSync(noSync bool) BoltOption {
	return func(b *Bolt) {
		b.noSync = noSync
	}
}

// NewBolt creates a Bolt catalog. Call Open before use.
func NewBolt(opts ...BoltOption) *Bolt {
	b := &Bolt{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the catalog database at path, creating it if needed.
func (b *Bolt) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening catalog database: %w", err)
	}
	b.db = db

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketFiles, bucketFilesByTime, bucketBuilds, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return err
	}

	codec, err := newManifestCodec()
	if err != nil {
		_ = db.Close()
		return err
	}
	b.codec = codec

	b.logger.Debug("opened catalog", "path", path)
	return nil
}

// Close closes the database.
func (b *Bolt) Close() error {
	if b.codec != nil {
		b.codec.Close()
		b.codec = nil
	}
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

// HasFile implements Catalog.
func (b *Bolt) HasFile(ctx context.Context, h artifactcache.Hash) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var found bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(bucketFiles).Get([]byte(h)) != nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return found, nil
}

// TotalTrackedBytes implements Catalog.
func (b *Bolt) TotalTrackedBytes(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var total int64
	err := b.db.View(func(tx *bbolt.Tx) error {
		total = getCounter(tx, keyTotalBytes)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return total, nil
}

// NewestFilesByPercentile implements Catalog.
func (b *Bolt) NewestFilesByPercentile(ctx context.Context, percent int) ([]FileRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var out []FileRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		want := percentCount(int(getCounter(tx, keyFileCount)), percent)
		if want == 0 {
			return nil
		}
		out = make([]FileRecord, 0, want)

		files := tx.Bucket(bucketFiles)
		c := tx.Bucket(bucketFilesByTime).Cursor()
		for k, _ := c.Last(); k != nil && len(out) < want; k, _ = c.Prev() {
			if len(k) <= 8 {
				continue
			}
			h := artifactcache.Hash(k[8:])
			v := files.Get(k[8:])
			if v == nil {
				continue
			}
			rec, err := decodeFileRecord(v)
			if err != nil {
				return fmt.Errorf("decoding %s: %w", h, err)
			}
			out = append(out, FileRecord{Hash: h, Size: rec.size, UpdatedAt: rec.updated})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out, nil
}

// FilesForBuild implements Catalog.
func (b *Bolt) FilesForBuild(ctx context.Context, repositoryPath string) ([]BuildFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var files []BuildFile
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketBuilds).Get([]byte(repositoryPath))
		if v == nil {
			return ErrBuildNotFound
		}
		var err error
		files, err = b.codec.decode(v)
		return err
	})
	if errors.Is(err, ErrBuildNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return files, nil
}

// RegisterBuild implements Registry.
func (b *Bolt) RegisterBuild(ctx context.Context, repositoryPath string, files []BuildFile) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if repositoryPath == "" {
		return fmt.Errorf("registering build: empty repository path")
	}
	for i, f := range files {
		h, err := artifactcache.ParseHash(f.Hash.String())
		if err != nil {
			return fmt.Errorf("registering build: file %s: %w", f.Path, err)
		}
		files[i].Hash = h
	}

	now := b.now()
	err := b.db.Update(func(tx *bbolt.Tx) error {
		builds := tx.Bucket(bucketBuilds)
		if old := builds.Get([]byte(repositoryPath)); old != nil {
			oldFiles, err := b.codec.decode(old)
			if err != nil {
				return fmt.Errorf("decoding previous manifest: %w", err)
			}
			if err := releaseFiles(tx, oldFiles); err != nil {
				return err
			}
		}

		filesBucket := tx.Bucket(bucketFiles)
		byTime := tx.Bucket(bucketFilesByTime)
		total := getCounter(tx, keyTotalBytes)
		count := getCounter(tx, keyFileCount)

		for _, f := range files {
			key := []byte(f.Hash)
			rec := fileRecord{size: f.Size, updated: now, refs: 1}
			if v := filesBucket.Get(key); v != nil {
				old, err := decodeFileRecord(v)
				if err != nil {
					return fmt.Errorf("decoding %s: %w", f.Hash, err)
				}
				if err := byTime.Delete(timeKey(old.updated, f.Hash)); err != nil {
					return err
				}
				rec.refs = old.refs + 1
			} else {
				count++
			}

			if err := filesBucket.Put(key, encodeFileRecord(rec)); err != nil {
				return err
			}
			if err := byTime.Put(timeKey(now, f.Hash), []byte{}); err != nil {
				return err
			}
			total += f.Size
		}

		if err := builds.Put([]byte(repositoryPath), b.codec.encode(files)); err != nil {
			return err
		}
		if err := putCounter(tx, keyTotalBytes, total); err != nil {
			return err
		}
		return putCounter(tx, keyFileCount, count)
	})
	if err != nil {
		return fmt.Errorf("registering build %s: %w", repositoryPath, err)
	}

	b.logger.Debug("registered build", "path", repositoryPath, "files", len(files))
	return nil
}

// DeleteBuild implements Registry.
func (b *Bolt) DeleteBuild(ctx context.Context, repositoryPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := b.db.Update(func(tx *bbolt.Tx) error {
		builds := tx.Bucket(bucketBuilds)
		v := builds.Get([]byte(repositoryPath))
		if v == nil {
			return ErrBuildNotFound
		}
		files, err := b.codec.decode(v)
		if err != nil {
			return fmt.Errorf("decoding manifest: %w", err)
		}
		if err := releaseFiles(tx, files); err != nil {
			return err
		}
		return builds.Delete([]byte(repositoryPath))
	})
	if errors.Is(err, ErrBuildNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("deleting build %s: %w", repositoryPath, err)
	}

	b.logger.Debug("deleted build", "path", repositoryPath)
	return nil
}

// Builds returns the registered repository paths in key order.
func (b *Bolt) Builds(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var paths []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBuilds).ForEach(func(k, _ []byte) error {
			paths = append(paths, string(k))
			return nil
		})
	})
	return paths, err
}

// releaseFiles drops one build's references to files.
func releaseFiles(tx *bbolt.Tx, files []BuildFile) error {
	filesBucket := tx.Bucket(bucketFiles)
	byTime := tx.Bucket(bucketFilesByTime)
	total := getCounter(tx, keyTotalBytes)
	count := getCounter(tx, keyFileCount)

	for _, f := range files {
		key := []byte(f.Hash)
		v := filesBucket.Get(key)
		if v == nil {
			continue
		}
		rec, err := decodeFileRecord(v)
		if err != nil {
			return fmt.Errorf("decoding %s: %w", f.Hash, err)
		}
		total -= f.Size

		if rec.refs <= 1 {
			if err := filesBucket.Delete(key); err != nil {
				return err
			}
			if err := byTime.Delete(timeKey(rec.updated, f.Hash)); err != nil {
				return err
			}
			count--
			continue
		}
		rec.refs--
		if err := filesBucket.Put(key, encodeFileRecord(rec)); err != nil {
			return err
		}
	}

	if total < 0 {
		total = 0
	}
	if count < 0 {
		count = 0
	}
	if err := putCounter(tx, keyTotalBytes, total); err != nil {
		return err
	}
	return putCounter(tx, keyFileCount, count)
}

// timeKey builds a files_by_time key: [8-byte timestamp][hash].
// Timestamps are offset so big-endian byte order matches time order.
func timeKey(t time.Time, h artifactcache.Hash) []byte {
	key := make([]byte, 8, 8+len(h))
	binary.BigEndian.PutUint64(key, uint64(t.UnixNano()-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return append(key, h.String()...)
}

func getCounter(tx *bbolt.Tx, key []byte) int64 {
	v := tx.Bucket(bucketMeta).Get(key)
	if len(v) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(v)) //nolint:gosec // stored from an int64
}

func putCounter(tx *bbolt.Tx, key []byte, n int64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(n)) //nolint:gosec // counters are never negative
	return tx.Bucket(bucketMeta).Put(key, buf)
}
