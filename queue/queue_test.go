package queue

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	artifactcache "github.com/wolfeidau/artifact-cache"
)

func hashN(i int) artifactcache.Hash {
	return artifactcache.MustParseHash(fmt.Sprintf("%04x", i))
}

func TestEnqueueDeduplicates(t *testing.T) {
	q := New()
	h := hashN(1)

	require.True(t, q.Enqueue(Request{Hash: h, SourcePath: "/repo/a"}))
	require.False(t, q.Enqueue(Request{Hash: h, SourcePath: "/repo/b"}))
	require.Equal(t, 1, q.Count())

	req, ok := q.Get(h)
	require.True(t, ok)
	assert.Equal(t, "/repo/a", req.SourcePath, "first request wins")
	assert.False(t, req.QueuedAt.IsZero())
}

func TestEnqueueForceOverwrites(t *testing.T) {
	q := New()
	h := hashN(1)

	q.Enqueue(Request{Hash: h, SourcePath: "/repo/a", Idle: true})
	require.True(t, q.Enqueue(Request{Hash: h, SourcePath: "/repo/b", Force: true}))
	require.Equal(t, 1, q.Count())

	req, _ := q.Get(h)
	assert.Equal(t, "/repo/b", req.SourcePath)
	assert.True(t, req.Force)
	assert.False(t, req.Idle)
}

func TestEnqueueOnDemandPromotesIdle(t *testing.T) {
	q := New()
	h := hashN(7)

	q.Enqueue(Request{Hash: h, Idle: true})
	require.False(t, q.Enqueue(Request{Hash: h, Idle: false}))

	req, _ := q.Get(h)
	require.False(t, req.Idle)

	require.Equal(t, 0, q.DropIdleEntries())
	require.True(t, q.Contains(h))
}

func TestEnqueueIdleDoesNotDemote(t *testing.T) {
	q := New()
	h := hashN(7)

	q.Enqueue(Request{Hash: h})
	q.Enqueue(Request{Hash: h, Idle: true})

	req, _ := q.Get(h)
	require.False(t, req.Idle)
}

func TestDropIdleEntries(t *testing.T) {
	q := New()
	for i := 0; i < 10; i++ {
		q.Enqueue(Request{Hash: hashN(i), Idle: i%2 == 0})
	}

	require.Equal(t, 5, q.DropIdleEntries())
	require.Equal(t, 5, q.Count())
	for i := 0; i < 10; i++ {
		assert.Equal(t, i%2 != 0, q.Contains(hashN(i)), "hash %d", i)
	}
}

func TestDequeueAny(t *testing.T) {
	q := New()
	_, ok := q.DequeueAny()
	require.False(t, ok)

	q.Enqueue(Request{Hash: hashN(1)})
	q.Enqueue(Request{Hash: hashN(2)})

	seen := map[artifactcache.Hash]bool{}
	for i := 0; i < 2; i++ {
		req, ok := q.DequeueAny()
		require.True(t, ok)
		seen[req.Hash] = true
	}
	require.Len(t, seen, 2)
	require.Equal(t, 0, q.Count())
}

func TestReadySignalsAfterEnqueue(t *testing.T) {
	q := New()

	select {
	case <-q.Ready():
		t.Fatal("ready before any enqueue")
	default:
	}

	q.Enqueue(Request{Hash: hashN(1)})
	q.Enqueue(Request{Hash: hashN(2)})

	select {
	case <-q.Ready():
	default:
		t.Fatal("expected ready signal")
	}
}

func TestConcurrentEnqueueSameHash(t *testing.T) {
	q := New()
	h := hashN(42)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if q.Enqueue(Request{Hash: h}) {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, accepted)
	require.Equal(t, 1, q.Count())
}
