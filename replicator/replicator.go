// Package replicator copies queued files from the build repository into the
// content store, one at a time, on a single background goroutine.
package replicator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/artifact-cache/index"
	"github.com/wolfeidau/artifact-cache/keylock"
	"github.com/wolfeidau/artifact-cache/queue"
	"github.com/wolfeidau/artifact-cache/store"
	"github.com/wolfeidau/artifact-cache/telemetry"
	"golang.org/x/time/rate"
)

// ErrStoreGone is reported when the content store root disappears while
// the replicator is running. The replicator stops when it sees it.
var ErrStoreGone = errors.New("replicator: content store root is gone")

// Config configures the replicator.
type Config struct {
	PollInterval time.Duration // Wait between checks of an empty queue (default: 100ms)
	IdleDelay    time.Duration // Pause after an idle request (default: 500ms)
	ItemDelay    time.Duration // Pause after an on-demand request (default: 10ms)

	// IdleBytesPerSecond throttles copies for idle requests. Zero disables it.
	IdleBytesPerSecond int64

	// Verify checks the BLAKE3 digest of every copy against its hash.
	Verify bool

	// MaxAttempts drops a request after this many failed copies. Zero retries forever.
	MaxAttempts int
}

// DefaultConfig returns the default replicator configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval: 100 * time.Millisecond,
		IdleDelay:    500 * time.Millisecond,
		ItemDelay:    10 * time.Millisecond,
	}
}

// Outcome describes what happened to one processed request.
type Outcome string

const (
	OutcomeCopied      Outcome = "copied"
	OutcomeCached      Outcome = "cached"
	OutcomeRecovered   Outcome = "recovered"
	OutcomeFailed      Outcome = "failed"
	OutcomeInterrupted Outcome = "interrupted"
)

// Replicator drains the fetch queue into the content store.
type Replicator struct {
	queue   *queue.Queue
	store   *store.Store
	locks   *keylock.Locker
	index   *index.Index
	config  Config
	limiter *rate.Limiter
	logger  *slog.Logger

	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
	err     error
}

// Option configures a Replicator.
type Option func(*Replicator)

// WithLogger sets the logger for the replicator.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Replicator) {
		r.logger = logger
	}
}

// New creates a replicator. It does nothing until Start is called.
func New(q *queue.Queue, s *store.Store, locks *keylock.Locker, idx *index.Index, config Config, opts ...Option) *Replicator {
	r := &Replicator{
		queue:  q,
		store:  s,
		locks:  locks,
		index:  idx,
		config: config,
		logger: slog.Default(),
		doneCh: make(chan struct{}),
	}
	// Done is closed until the first Start.
	close(r.doneCh)
	for _, opt := range opts {
		opt(r)
	}

	if config.IdleBytesPerSecond > 0 {
		burst := config.IdleBytesPerSecond
		if burst > 1<<20 {
			burst = 1 << 20
		}
		r.limiter = rate.NewLimiter(rate.Limit(config.IdleBytesPerSecond), int(burst))
	}
	return r
}

// Start starts the background worker. A stopped replicator may be started
// again.
func (r *Replicator) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.err = nil
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	stop, done := r.stopCh, r.doneCh
	r.mu.Unlock()

	go r.run(ctx, stop, done)
}

// Stop asks the worker to exit and waits for it. A copy in progress is
// allowed to finish.
func (r *Replicator) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	close(r.stopCh)
	done := r.doneCh
	r.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the worker started by the latest Start has exited.
func (r *Replicator) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doneCh
}

// Err returns the fatal error that stopped the worker, if any.
func (r *Replicator) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Replicator) run(ctx context.Context, stop <-chan struct{}, done chan struct{}) {
	defer close(done)

	r.logger.Info("replicator starting",
		"poll_interval", r.config.PollInterval,
		"idle_delay", r.config.IdleDelay,
		"item_delay", r.config.ItemDelay,
	)

	for {
		req, processed, err := r.processNext(ctx)
		if err != nil {
			r.mu.Lock()
			r.err = err
			r.running = false
			r.mu.Unlock()
			r.logger.Error("replicator stopped", "error", err)
			return
		}

		wait := r.config.PollInterval
		var ready <-chan struct{}
		if processed {
			wait = r.config.ItemDelay
			if req.Idle {
				wait = r.config.IdleDelay
			}
		} else {
			ready = r.queue.Ready()
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ready:
			timer.Stop()
		case <-stop:
			timer.Stop()
			r.logger.Info("replicator stopped")
			return
		case <-ctx.Done():
			timer.Stop()
			r.logger.Info("replicator context cancelled")
			return
		}
	}
}

// ProcessNext handles one queued request, if there is one, and reports
// whether it did. The only error returned is ErrStoreGone.
func (r *Replicator) ProcessNext(ctx context.Context) (bool, error) {
	_, processed, err := r.processNext(ctx)
	return processed, err
}

func (r *Replicator) processNext(ctx context.Context) (queue.Request, bool, error) {
	req, ok := r.queue.DequeueAny()
	if !ok {
		return queue.Request{}, false, nil
	}
	if err := req.Hash.Validate(); err != nil {
		// No copy can ever succeed, so retrying would spin forever.
		r.logger.Error("dropping request", "source", req.SourcePath, "error", err)
		telemetry.RecordFetch(ctx, string(OutcomeFailed), req.Idle, 0, 0)
		return req, true, nil
	}

	start := time.Now()
	outcome, n, err := r.safeProcess(ctx, req)
	telemetry.RecordFetch(ctx, string(outcome), req.Idle, n, time.Since(start))

	if err == nil {
		return req, true, nil
	}

	if outcome == OutcomeInterrupted {
		// Cancelled while waiting for the lock; keep the work for later.
		r.queue.Enqueue(req)
		return req, true, nil
	}

	r.retry(req, err)

	if checkErr := r.store.Check(); checkErr != nil {
		return req, true, fmt.Errorf("%w: %v", ErrStoreGone, checkErr)
	}
	return req, true, nil
}

func (r *Replicator) retry(req queue.Request, cause error) {
	attempts := req.Attempts + 1
	if r.config.MaxAttempts > 0 && attempts >= r.config.MaxAttempts {
		r.logger.Error("giving up on file",
			"hash", req.Hash,
			"source", req.SourcePath,
			"attempts", attempts,
			"error", cause,
		)
		return
	}

	r.logger.Error("failed to cache file",
		"hash", req.Hash,
		"source", req.SourcePath,
		"attempts", attempts,
		"error", cause,
	)
	req.Force = false
	req.Attempts = attempts
	req.QueuedAt = time.Time{}
	r.queue.Enqueue(req)
}

// safeProcess runs process and turns a panic into an error so one bad
// request cannot take the worker down.
func (r *Replicator) safeProcess(ctx context.Context, req queue.Request) (outcome Outcome, n int64, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			outcome = OutcomeFailed
			err = fmt.Errorf("panic while caching %s: %v", req.Hash, rec)
		}
	}()
	return r.process(ctx, req)
}

func (r *Replicator) process(ctx context.Context, req queue.Request) (Outcome, int64, error) {
	lockStart := time.Now()
	guard, err := r.locks.Acquire(ctx, req.Hash.String())
	if err != nil {
		return OutcomeInterrupted, 0, err
	}
	defer guard.Release()
	telemetry.RecordLockWait(ctx, "replicator", time.Since(lockStart))

	if !req.Force && r.index.Contains(req.Hash) {
		r.logger.Debug("file already cached", "hash", req.Hash)
		return OutcomeCached, 0, nil
	}

	if req.Force {
		r.index.Remove(req.Hash)
	} else {
		exists, err := r.store.Exists(ctx, req.Hash)
		if err != nil {
			return OutcomeFailed, 0, err
		}
		if exists {
			// Copied by another process, or by us before a crash.
			size, err := r.store.Size(ctx, req.Hash)
			if err != nil {
				return OutcomeFailed, 0, err
			}
			r.index.Put(req.Hash, size)
			r.logger.Debug("indexed existing file", "hash", req.Hash, "size", size)
			return OutcomeRecovered, size, nil
		}
	}

	var opts []store.WriteOption
	if req.ExpectedSize > 0 {
		opts = append(opts, store.WithExpectedSize(req.ExpectedSize))
	}
	if req.Idle && r.limiter != nil {
		opts = append(opts, store.WithRateLimiter(r.limiter))
	}
	if r.config.Verify {
		opts = append(opts, store.WithVerify())
	}

	n, err := r.store.Write(context.WithoutCancel(ctx), req.Hash, req.SourcePath, opts...)
	if err != nil {
		return OutcomeFailed, 0, err
	}

	r.index.Put(req.Hash, n)
	r.logger.Debug("cached file",
		"hash", req.Hash,
		"source", req.SourcePath,
		"size", n,
		"idle", req.Idle,
		"force", req.Force,
	)
	return OutcomeCopied, n, nil
}
