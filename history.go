package autotune

import (
	"sync"
	"sync/atomic"
)

// history accumulates recent results for one render-pass fingerprint.
//
// The results window and lastFence are touched only on the submission
// path and need no lock. count and avgSamples are published atomically so
// recording threads can read the current average without taking the table
// lock. A stale read costs at most one suboptimal mode pick.
type history struct {
	fp Fingerprint

	// lastFence is the id of the last submission that referenced this
	// entry; the aging sweep removes entries that have not been touched
	// for MaxHistoryLifetime submissions.
	lastFence uint32

	// results holds the most recent retired results, newest first,
	// bounded by MaxHistoryResults.
	results []*RenderPassResult

	count      atomic.Uint32
	avgSamples atomic.Uint64
}

// addResult inserts r at the front of the window, drops the tail once the
// window exceeds max, and publishes the new integer mean. Runs only on
// the submission path, at retirement time, so the window itself needs no
// lock.
func (h *history) addResult(r *RenderPassResult, max int) {
	if len(h.results) < max {
		h.results = append(h.results, nil)
	}
	copy(h.results[1:], h.results)
	h.results[0] = r

	var total uint64
	for _, res := range h.results {
		total += res.samplesPassed
	}
	h.avgSamples.Store(total / uint64(len(h.results)))
	h.count.Store(uint32(len(h.results)))
}

// average returns the published mean and whether any result has retired
// into this entry yet.
func (h *history) average() (uint64, bool) {
	if h.count.Load() == 0 {
		return 0, false
	}
	return h.avgSamples.Load(), true
}

// historyTable maps fingerprints to history entries.
//
// Insertions, removals and iteration happen only on the submission path;
// recording threads do read-locked lookups. Fingerprints collide so
// rarely at 64 bits that collisions are simply tolerated.
type historyTable struct {
	mu      sync.RWMutex
	entries map[Fingerprint]*history
}

func (t *historyTable) init() {
	t.entries = make(map[Fingerprint]*history)
}

// lookupAverage is the recording-path read: a read-locked probe plus an
// atomic average load.
func (t *historyTable) lookupAverage(fp Fingerprint) (uint64, bool) {
	t.mu.RLock()
	h, ok := t.entries[fp]
	t.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return h.average()
}

// getOrInsert returns the entry for fp, creating it on first observation.
// Called only on the submission path, but the write lock still guards the
// insert against concurrent read-locked lookups.
func (t *historyTable) getOrInsert(fp Fingerprint) *history {
	t.mu.RLock()
	h, ok := t.entries[fp]
	t.mu.RUnlock()
	if ok {
		return h
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok = t.entries[fp]; ok {
		return h
	}
	h = &history{fp: fp}
	t.entries[fp] = h
	return h
}

func (t *historyTable) remove(fp Fingerprint) {
	t.mu.Lock()
	delete(t.entries, fp)
	t.mu.Unlock()
}

func (t *historyTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// sweep calls fn under the write lock for every entry and removes those
// it reports stale. Runs only on the submission path.
func (t *historyTable) sweep(fn func(*history) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for fp, h := range t.entries {
		if fn(h) {
			delete(t.entries, fp)
		}
	}
}

// each visits every entry under the read lock.
func (t *historyTable) each(fn func(*history)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, h := range t.entries {
		fn(h)
	}
}
