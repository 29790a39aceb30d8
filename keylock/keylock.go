// Package keylock provides mutual exclusion per key that holds both between
// goroutines and between processes sharing a cache root.
//
// Within a process, waiters block on a per-key channel. Across processes,
// the holder takes an exclusive flock(2) on a lock file derived from the key.
// Lock files are left on disk after release: removing a file another process
// has open but not yet locked would let two holders lock different inodes.
package keylock

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	artifactcache "github.com/wolfeidau/artifact-cache"
)

const (
	defaultRetryDelay = 10 * time.Millisecond
	defaultErrorDelay = 250 * time.Millisecond
)

// Locker hands out per-key guards.
type Locker struct {
	dir        string
	retryDelay time.Duration
	errorDelay time.Duration
	logger     *slog.Logger

	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// Option configures a Locker.
type Option func(*Locker)

// WithLogger sets the logger for the locker.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Locker) {
		l.logger = logger
	}
}

// WithRetryDelay sets how often a contended file lock is retried.
func WithRetryDelay(d time.Duration) Option {
	return func(l *Locker) {
		l.retryDelay = d
	}
}

// New creates a Locker that keeps its lock files under dir.
func New(dir string, opts ...Option) (*Locker, error) {
	l := &Locker{
		dir:        dir,
		retryDelay: defaultRetryDelay,
		errorDelay: defaultErrorDelay,
		logger:     slog.Default(),
		slots:      make(map[string]*slot),
	}
	for _, opt := range opts {
		opt(l)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	return l, nil
}

// Dir returns the directory holding the lock files.
func (l *Locker) Dir() string {
	return l.dir
}

// Guard is a held lock. Release it exactly once; extra calls are no-ops.
type Guard struct {
	once    sync.Once
	release func()
}

// Release gives up the lock.
func (g *Guard) Release() {
	g.once.Do(g.release)
}

// Acquire blocks until the caller holds key exclusively or ctx is done.
// Failures of the lock mechanism itself are logged and retried; the only
// error returned is the context's.
func (l *Locker) Acquire(ctx context.Context, key string) (*Guard, error) {
	s := l.ref(key)
	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(key, s)
		return nil, ctx.Err()
	}

	fl, err := l.lockFile(ctx, key)
	if err != nil {
		<-s.ch
		l.unref(key, s)
		return nil, err
	}

	return &Guard{release: func() {
		if err := fl.Unlock(); err != nil {
			l.logger.Warn("failed to release file lock", "key", key, "error", err)
		}
		<-s.ch
		l.unref(key, s)
	}}, nil
}

// Path returns the lock file used for key.
func (l *Locker) Path(key string) string {
	name := artifactcache.HashBytes([]byte(key))
	return filepath.Join(l.dir, name.Shard(), name.String()+".lock")
}

func (l *Locker) lockFile(ctx context.Context, key string) (*flock.Flock, error) {
	path := l.Path(key)
	for {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			l.logger.Warn("failed to create lock directory, retrying", "key", key, "error", err)
		} else {
			fl := flock.New(path)
			locked, err := fl.TryLockContext(ctx, l.retryDelay)
			if locked {
				return fl, nil
			}
			_ = fl.Close()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			l.logger.Warn("failed to take file lock, retrying", "key", key, "path", path, "error", err)
		}

		select {
		case <-time.After(l.errorDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (l *Locker) ref(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *Locker) unref(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}
