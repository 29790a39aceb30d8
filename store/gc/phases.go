package gc

import (
	"context"
	"fmt"
	"time"

	artifactcache "github.com/wolfeidau/artifact-cache"
	"github.com/wolfeidau/artifact-cache/catalog"
	"github.com/wolfeidau/artifact-cache/index"
	"github.com/wolfeidau/artifact-cache/telemetry"
)

// PurgeOrphans checks a random sample of cached hashes against the catalog
// and deletes those no build references. Small caches are left alone. A
// catalog failure ends the pass early and is returned.
func (m *Manager) PurgeOrphans(ctx context.Context) (*Result, error) {
	result := &Result{Pass: PassPurge, StartedAt: time.Now()}
	defer m.finish(ctx, result)

	if m.queue.Count() > 0 {
		result.Skipped = SkipReplicating
		return result, nil
	}
	if m.index.Count() <= m.config.OrphanMinEntries {
		result.Skipped = SkipSmallIndex
		return result, nil
	}

	for _, h := range m.index.Sample(m.config.OrphanSampleSize) {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		exists, err := m.hasFile(ctx, h)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("check %s: %v", h, err))
			return result, err
		}
		result.Checked++
		if exists {
			continue
		}

		size, removed, err := m.remove(ctx, h)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("delete orphan %s: %v", h, err))
			m.logger.Error("failed to delete orphan", "hash", h, "error", err)
			continue
		}
		if !removed {
			continue
		}

		result.OrphansDeleted++
		result.BytesReclaimed += size
		m.logger.Debug("purged orphaned file", "hash", h, "size", size)
	}
	return result, nil
}

// EvictOverQuota deletes cached files until the store is back under quota.
//
// The catalog is asked for the newest files, enough of them to cover what
// the cache holds plus a margin. Cached files outside that set go first,
// then the set itself is consumed from its oldest end.
func (m *Manager) EvictOverQuota(ctx context.Context) (*Result, error) {
	result := &Result{Pass: PassEvict, StartedAt: time.Now()}
	defer m.finish(ctx, result)

	quota := m.config.MaxCacheBytes
	if quota <= 0 {
		result.Skipped = SkipNoQuota
		return result, nil
	}
	if m.queue.Count() > 0 {
		result.Skipped = SkipReplicating
		return result, nil
	}
	cached := m.index.TotalBytes()
	if cached <= quota {
		result.Skipped = SkipUnderQuota
		return result, nil
	}

	m.logger.Info("cache over quota, starting eviction",
		"total_size", cached,
		"max_size", quota,
		"bytes_to_free", cached-quota,
	)

	tracked, err := m.totalTracked(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("total tracked bytes: %v", err))
		return result, err
	}
	percent := retainPercent(cached, tracked, m.config.RetainMargin)

	retain, err := m.newestFiles(ctx, percent)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("newest files: %v", err))
		return result, err
	}

	for _, h := range evictionOrder(m.index.Entries(), retain) {
		if m.index.TotalBytes() <= quota {
			break
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		size, removed, err := m.remove(ctx, h)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("evict %s: %v", h, err))
			m.logger.Error("failed to evict file", "hash", h, "error", err)
			continue
		}
		if !removed {
			continue
		}

		result.Evicted++
		result.BytesReclaimed += size
		m.logger.Debug("purged old cache file", "hash", h, "size", size)
	}

	if total := m.index.TotalBytes(); total > quota {
		m.logger.Warn("cache still over quota after eviction",
			"total_size", total,
			"max_size", quota,
		)
	}
	return result, nil
}

// retainPercent returns the share of the catalog, newest first, worth
// keeping: what the cache already holds plus margin points, in [1, 100].
func retainPercent(cached, tracked int64, margin int) int {
	if tracked <= 0 {
		return 100
	}
	p := cached*100/tracked + int64(margin)
	switch {
	case p < 1:
		return 1
	case p > 100:
		return 100
	}
	return int(p)
}

// evictionOrder lists cached hashes in the order they should go. cached is
// in hash order; retain is newest first. Cached entries outside the retain
// list go before any of it, rather than only the retain list being walked.
func evictionOrder(cached []index.Entry, retain []catalog.FileRecord) []artifactcache.Hash {
	keep := make(map[artifactcache.Hash]struct{}, len(retain))
	for _, r := range retain {
		keep[r.Hash] = struct{}{}
	}

	order := make([]artifactcache.Hash, 0, len(cached))
	for _, e := range cached {
		if _, ok := keep[e.Hash]; !ok {
			order = append(order, e.Hash)
		}
	}
	for i := len(retain) - 1; i >= 0; i-- {
		order = append(order, retain[i].Hash)
	}
	return order
}

// remove deletes a cached file and its index entry while holding its key
// lock. It reports false when the entry was already gone.
func (m *Manager) remove(ctx context.Context, h artifactcache.Hash) (int64, bool, error) {
	start := time.Now()
	guard, err := m.locks.Acquire(ctx, h.String())
	if err != nil {
		return 0, false, err
	}
	defer guard.Release()
	telemetry.RecordLockWait(ctx, "gc", time.Since(start))

	entry, ok := m.index.Get(h)
	if !ok {
		return 0, false, nil
	}
	if err := m.store.Delete(ctx, h); err != nil {
		return 0, false, err
	}
	m.index.Remove(h)
	return entry.Size, true, nil
}

func (m *Manager) catalogContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.config.CatalogTimeout > 0 {
		return context.WithTimeout(ctx, m.config.CatalogTimeout)
	}
	return context.WithCancel(ctx)
}

func (m *Manager) hasFile(ctx context.Context, h artifactcache.Hash) (bool, error) {
	ctx, cancel := m.catalogContext(ctx)
	defer cancel()
	return m.catalog.HasFile(ctx, h)
}

func (m *Manager) totalTracked(ctx context.Context) (int64, error) {
	ctx, cancel := m.catalogContext(ctx)
	defer cancel()
	return m.catalog.TotalTrackedBytes(ctx)
}

func (m *Manager) newestFiles(ctx context.Context, percent int) ([]catalog.FileRecord, error) {
	ctx, cancel := m.catalogContext(ctx)
	defer cancel()
	return m.catalog.NewestFilesByPercentile(ctx, percent)
}
