// Package frontier owns crawl-wide deduplication and the depth-ordered work
// queue feeding the worker pool.
package frontier

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/stillweb/stillweb/internal/mirror"
)

// Frontier hands out work lowest depth first, discovery order within a
// depth, and admits each canonical URL at most once for the life of the
// crawl. A bloom filter fronts the exact seen set: a negative answer skips
// the map probe, a positive one falls through to it, so admission decisions
// stay exact.
type Frontier struct {
	mu     sync.Mutex
	cond   *sync.Cond
	seen   map[mirror.CanonicalURL]struct{}
	filter *bloom.BloomFilter
	depths map[int][]mirror.FrontierEntry
	min    int
	queued int
	closed bool
}

// New sizes the dedup structures for roughly expected distinct URLs.
func New(expected uint) *Frontier {
	if expected == 0 {
		expected = 4096
	}
	f := &Frontier{
		seen:   make(map[mirror.CanonicalURL]struct{}),
		filter: bloom.NewWithEstimates(expected, 0.01),
		depths: make(map[int][]mirror.FrontierEntry),
	}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Add admits entry unless its URL was seen before or the frontier is
// closed. The seen check and the insert hold one lock, so two concurrent
// Adds for the same URL admit exactly one. Reports whether entry was queued.
func (f *Frontier) Add(entry mirror.FrontierEntry) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.isSeen(entry.URL) {
		return false
	}
	f.markSeen(entry.URL)
	if f.queued == 0 || entry.Depth < f.min {
		f.min = entry.Depth
	}
	f.depths[entry.Depth] = append(f.depths[entry.Depth], entry)
	f.queued++
	f.cond.Signal()
	return true
}

// MarkSeen records u in the dedup set without queueing work, for URLs whose
// outcome is decided at discovery time. Reports whether u was new.
func (f *Frontier) MarkSeen(u mirror.CanonicalURL) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.isSeen(u) {
		return false
	}
	f.markSeen(u)
	return true
}

// Seen reports whether u was admitted or marked before.
func (f *Frontier) Seen(u mirror.CanonicalURL) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.isSeen(u)
}

// Pop blocks until an entry is available or the frontier closes. After
// Close it returns false immediately even if entries remain; Drain collects
// those.
func (f *Frontier) Pop() (mirror.FrontierEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.queued == 0 && !f.closed {
		f.cond.Wait()
	}
	if f.closed {
		return mirror.FrontierEntry{}, false
	}
	return f.popLocked(), true
}

// Close wakes every blocked Pop. Idempotent.
func (f *Frontier) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.cond.Broadcast()
}

// Drain empties the queue, lowest depth first.
func (f *Frontier) Drain() []mirror.FrontierEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]mirror.FrontierEntry, 0, f.queued)
	for f.queued > 0 {
		out = append(out, f.popLocked())
	}
	return out
}

// Len reports the number of queued entries.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queued
}

func (f *Frontier) popLocked() mirror.FrontierEntry {
	for len(f.depths[f.min]) == 0 {
		delete(f.depths, f.min)
		f.min++
	}
	bucket := f.depths[f.min]
	entry := bucket[0]
	if len(bucket) == 1 {
		delete(f.depths, f.min)
	} else {
		f.depths[f.min] = bucket[1:]
	}
	f.queued--
	return entry
}

func (f *Frontier) isSeen(u mirror.CanonicalURL) bool {
	if !f.filter.TestString(string(u)) {
		return false
	}
	_, ok := f.seen[u]
	return ok
}

func (f *Frontier) markSeen(u mirror.CanonicalURL) {
	f.filter.AddString(string(u))
	f.seen[u] = struct{}{}
}
