// Package gc keeps the content store within its quota and free of files no
// build references any more.
//
// Two routines run on their own jittered timers: an orphan purge that spot
// checks cached hashes against the catalog, and a size eviction that drops
// the files of the oldest builds once the store is over quota. Both stand
// aside while the fetch queue has work.
package gc

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/wolfeidau/artifact-cache/catalog"
	"github.com/wolfeidau/artifact-cache/index"
	"github.com/wolfeidau/artifact-cache/keylock"
	"github.com/wolfeidau/artifact-cache/queue"
	"github.com/wolfeidau/artifact-cache/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Config configures the capacity manager.
type Config struct {
	MaxCacheBytes    int64         // Store quota; zero disables size eviction
	OrphanSampleSize int           // Hashes checked per orphan purge (default: 500)
	OrphanMinEntries int           // Purge is skipped at or below this many entries (default: 500)
	RetainMargin     int           // Percentage points added to the retain cut (default: 5)
	CatalogTimeout   time.Duration // Per catalog call (default: 30s)
	StartupDelay     time.Duration // Delay before the first passes (default: 30s)
	Interval         time.Duration // Base delay between passes (default: 55s)
	Jitter           time.Duration // Random extra delay per pass (default: 10s)
}

// DefaultConfig returns the default capacity configuration.
func DefaultConfig() Config {
	return Config{
		OrphanSampleSize: 500,
		OrphanMinEntries: 500,
		RetainMargin:     5,
		CatalogTimeout:   30 * time.Second,
		StartupDelay:     30 * time.Second,
		Interval:         55 * time.Second,
		Jitter:           10 * time.Second,
	}
}

// Pass names a capacity routine.
type Pass string

const (
	PassPurge Pass = "purge"
	PassEvict Pass = "evict"
)

// Reasons a pass did no work.
const (
	SkipReplicating = "replicating"
	SkipSmallIndex  = "small_index"
	SkipNoQuota     = "no_quota"
	SkipUnderQuota  = "under_quota"
)

// Result contains the results of one pass.
type Result struct {
	Pass           Pass          `json:"pass"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	Skipped        string        `json:"skipped,omitempty"`
	Checked        int           `json:"checked,omitempty"`
	OrphansDeleted int           `json:"orphans_deleted,omitempty"`
	Evicted        int           `json:"evicted,omitempty"`
	BytesReclaimed int64         `json:"bytes_reclaimed"`
	Errors         []string      `json:"errors,omitempty"`
}

// Status holds the most recent result of each pass.
type Status struct {
	Purge *Result `json:"purge,omitempty"`
	Evict *Result `json:"evict,omitempty"`
}

// Manager runs orphan purges and size evictions.
type Manager struct {
	index   *index.Index
	store   *store.Store
	locks   *keylock.Locker
	catalog catalog.Catalog
	queue   *queue.Queue
	config  Config
	metrics *Metrics
	logger  *slog.Logger

	stopCh    chan struct{}
	doneCh    chan struct{}
	mu        sync.Mutex
	running   bool
	lastPurge *Result
	lastEvict *Result
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics sets the metrics for the manager.
func WithMetrics(meter metric.Meter) ManagerOption {
	return func(m *Manager) {
		metrics, err := NewMetrics(meter)
		if err != nil {
			m.logger.Error("failed to create gc metrics", "error", err)
			return
		}
		m.metrics = metrics
	}
}

// New creates a capacity manager.
func New(idx *index.Index, s *store.Store, locks *keylock.Locker, c catalog.Catalog, q *queue.Queue, config Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		index:   idx,
		store:   s,
		locks:   locks,
		catalog: c,
		queue:   q,
		config:  config,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start starts both background routines.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	stop, done := m.stopCh, m.doneCh
	m.mu.Unlock()

	m.logger.Info("gc manager starting",
		"interval", m.config.Interval,
		"jitter", m.config.Jitter,
		"startup_delay", m.config.StartupDelay,
		"max_cache_bytes", m.config.MaxCacheBytes,
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go m.loop(ctx, &wg, stop, PassPurge, m.PurgeOrphans)
	go m.loop(ctx, &wg, stop, PassEvict, m.EvictOverQuota)
	go func() {
		wg.Wait()
		close(done)
	}()
}

// Stop gracefully stops the manager. A pass in progress finishes first.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	close(m.stopCh)
	done := m.doneCh
	m.mu.Unlock()

	select {
	case <-done:
		m.logger.Info("gc manager stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow runs an orphan purge and then a size eviction.
func (m *Manager) RunNow(ctx context.Context) (Status, error) {
	purge, perr := m.PurgeOrphans(ctx)
	evict, eerr := m.EvictOverQuota(ctx)
	return Status{Purge: purge, Evict: evict}, errors.Join(perr, eerr)
}

// Status returns the last result of each pass.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{Purge: m.lastPurge, Evict: m.lastEvict}
}

func (m *Manager) loop(ctx context.Context, wg *sync.WaitGroup, stop <-chan struct{}, pass Pass, run func(context.Context) (*Result, error)) {
	defer wg.Done()

	delay := m.config.StartupDelay
	for {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}

		if _, err := run(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn("gc pass failed", "pass", pass, "error", err)
		}
		delay = m.nextDelay()
	}
}

// nextDelay spreads passes so a fleet of nodes does not hit the catalog in
// step.
func (m *Manager) nextDelay() time.Duration {
	d := m.config.Interval
	if m.config.Jitter > 0 {
		d += rand.N(m.config.Jitter)
	}
	return d
}

func (m *Manager) finish(ctx context.Context, result *Result) {
	result.Duration = time.Since(result.StartedAt)

	m.mu.Lock()
	switch result.Pass {
	case PassPurge:
		m.lastPurge = result
	case PassEvict:
		m.lastEvict = result
	}
	m.mu.Unlock()

	m.recordMetrics(ctx, result)

	if result.Skipped != "" {
		m.logger.Debug("gc pass skipped", "pass", result.Pass, "reason", result.Skipped)
		return
	}
	m.logger.Info("gc pass completed",
		"pass", result.Pass,
		"duration", result.Duration,
		"checked", result.Checked,
		"orphans_deleted", result.OrphansDeleted,
		"evicted", result.Evicted,
		"bytes_reclaimed", result.BytesReclaimed,
		"errors", len(result.Errors),
	)
}

func (m *Manager) recordMetrics(ctx context.Context, result *Result) {
	if m.metrics == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("pass", string(result.Pass)))
	if result.Skipped != "" {
		m.metrics.skippedTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("pass", string(result.Pass)),
			attribute.String("reason", result.Skipped),
		))
		return
	}

	m.metrics.runsTotal.Add(ctx, 1, attrs)
	m.metrics.runDuration.Record(ctx, result.Duration.Seconds(), attrs)
	m.metrics.checkedTotal.Add(ctx, int64(result.Checked), attrs)
	m.metrics.orphansDeleted.Add(ctx, int64(result.OrphansDeleted), attrs)
	m.metrics.entriesEvicted.Add(ctx, int64(result.Evicted), attrs)
	m.metrics.bytesReclaimed.Add(ctx, result.BytesReclaimed, attrs)
	m.metrics.errorsTotal.Add(ctx, int64(len(result.Errors)), attrs)
	m.metrics.lastRunTimestamp.Record(ctx, float64(result.StartedAt.Unix()), attrs)

	if len(result.Errors) == 0 {
		m.metrics.lastRunSuccess.Record(ctx, 1, attrs)
	} else {
		m.metrics.lastRunSuccess.Record(ctx, 0, attrs)
	}
}
