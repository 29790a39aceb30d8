// Package index tracks which hashes are present in the content store and
// the bytes they occupy. It lives in memory and is rebuilt from the store
// at startup.
package index

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"

	artifactcache "github.com/wolfeidau/artifact-cache"
)

// Entry is one cached file.
type Entry struct {
	Hash artifactcache.Hash `json:"hash"`
	Size int64              `json:"size"`
}

// Scanner enumerates the files in a content store.
type Scanner interface {
	Scan(ctx context.Context, fn func(h artifactcache.Hash, size int64) error) error
}

// Index maps hash to size and keeps a running total.
// It is safe for concurrent use.
type Index struct {
	mu      sync.RWMutex
	entries map[artifactcache.Hash]int64
	total   int64
}

// New creates an empty index.
func New() *Index {
	return &Index{entries: make(map[artifactcache.Hash]int64)}
}

// Load replaces the contents of the index with what s reports.
func (x *Index) Load(ctx context.Context, s Scanner) error {
	entries := make(map[artifactcache.Hash]int64)
	var total int64
	err := s.Scan(ctx, func(h artifactcache.Hash, size int64) error {
		if old, ok := entries[h]; ok {
			total -= old
		}
		entries[h] = size
		total += size
		return nil
	})
	if err != nil {
		return fmt.Errorf("scanning store: %w", err)
	}

	x.mu.Lock()
	x.entries = entries
	x.total = total
	x.mu.Unlock()
	return nil
}

// Put records h with size, replacing any previous entry.
// It reports whether h was newly added.
func (x *Index) Put(h artifactcache.Hash, size int64) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	old, existed := x.entries[h]
	if existed {
		x.total -= old
	}
	x.entries[h] = size
	x.total += size
	return !existed
}

// Remove deletes h and returns the entry that was removed.
func (x *Index) Remove(h artifactcache.Hash) (Entry, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	size, ok := x.entries[h]
	if !ok {
		return Entry{}, false
	}
	delete(x.entries, h)
	x.total -= size
	return Entry{Hash: h, Size: size}, true
}

// Contains reports whether h is indexed.
func (x *Index) Contains(h artifactcache.Hash) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.entries[h]
	return ok
}

// Get returns the entry for h.
func (x *Index) Get(h artifactcache.Hash) (Entry, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	size, ok := x.entries[h]
	if !ok {
		return Entry{}, false
	}
	return Entry{Hash: h, Size: size}, true
}

// Count returns the number of indexed entries.
func (x *Index) Count() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// TotalBytes returns the sum of all entry sizes.
func (x *Index) TotalBytes() int64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.total
}

// Snapshot returns the entry count and total bytes as one consistent pair.
func (x *Index) Snapshot() (int, int64) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries), x.total
}

// Entries returns a snapshot of the index sorted by hash.
func (x *Index) Entries() []Entry {
	x.mu.RLock()
	out := make([]Entry, 0, len(x.entries))
	for h, size := range x.entries {
		out = append(out, Entry{Hash: h, Size: size})
	}
	x.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	return out
}

// Sample returns up to n distinct hashes chosen uniformly at random.
func (x *Index) Sample(n int) []artifactcache.Hash {
	if n <= 0 {
		return nil
	}

	x.mu.RLock()
	all := make([]artifactcache.Hash, 0, len(x.entries))
	for h := range x.entries {
		all = append(all, h)
	}
	x.mu.RUnlock()

	if n > len(all) {
		n = len(all)
	}
	// Partial Fisher-Yates: the first n slots end up a uniform sample.
	for i := 0; i < n; i++ {
		j := i + rand.IntN(len(all)-i)
		all[i], all[j] = all[j], all[i]
	}
	return all[:n]
}
