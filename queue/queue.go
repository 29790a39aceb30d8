// Package queue holds pending fetch requests, at most one per hash.
package queue

import (
	"sync"
	"time"

	artifactcache "github.com/wolfeidau/artifact-cache"
)

// Request asks for a file to be copied into the cache.
type Request struct {
	Hash artifactcache.Hash
	// SourcePath is the repository location the file is copied from.
	SourcePath string
	// ExpectedSize is the size the catalog recorded, or zero when unknown.
	ExpectedSize int64
	// Idle marks speculative precaching that on-demand work may supersede.
	Idle bool
	// Force re-copies the file even if it is already cached.
	Force bool
	// Attempts counts failed copies so far.
	Attempts int
	QueuedAt time.Time
}

// Queue is a keyed set of requests. It is safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	pending map[artifactcache.Hash]Request
	ready   chan struct{}
	now     func() time.Time
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{
		pending: make(map[artifactcache.Hash]Request),
		ready:   make(chan struct{}, 1),
		now:     time.Now,
	}
}

// Enqueue adds req. Without Force, a request for a hash that is already
// queued is dropped and false is returned; if the new request is on-demand
// the queued one is promoted so DropIdleEntries keeps it. With Force the
// request always replaces any queued one.
func (q *Queue) Enqueue(req Request) bool {
	if req.QueuedAt.IsZero() {
		req.QueuedAt = q.now()
	}

	q.mu.Lock()
	existing, ok := q.pending[req.Hash]
	if ok && !req.Force {
		if existing.Idle && !req.Idle {
			existing.Idle = false
			q.pending[req.Hash] = existing
		}
		q.mu.Unlock()
		return false
	}
	q.pending[req.Hash] = req
	q.mu.Unlock()

	q.signal()
	return true
}

// DequeueAny removes and returns an arbitrary request.
func (q *Queue) DequeueAny() (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for h, req := range q.pending {
		delete(q.pending, h)
		return req, true
	}
	return Request{}, false
}

// DropIdleEntries removes every idle request and returns how many went.
func (q *Queue) DropIdleEntries() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := 0
	for h, req := range q.pending {
		if req.Idle {
			delete(q.pending, h)
			dropped++
		}
	}
	return dropped
}

// Count returns the number of queued requests.
func (q *Queue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Contains reports whether a request for h is queued.
func (q *Queue) Contains(h artifactcache.Hash) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.pending[h]
	return ok
}

// Get returns the queued request for h.
func (q *Queue) Get(h artifactcache.Hash) (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	req, ok := q.pending[h]
	return req, ok
}

// Ready returns a channel that receives after a request is added.
// One receive may stand for several enqueues.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
