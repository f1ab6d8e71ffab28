package pager

import "sync"

// lruKReplacer chooses an evictable frame using the LRU-K policy: the
// victim is the evictable frame whose K-th-most-recent access is
// furthest in the past. A frame with fewer than K accesses has
// "infinite" backward distance and is ranked, among other such
// frames, by the age of its very first access.
//
// Frame counts in a buffer pool are small (tens to low thousands), so
// Evict scans the evictable set directly rather than maintaining a
// balanced tree keyed on (evictable, has-K, representative-timestamp);
// see DESIGN.md.
type lruKReplacer struct {
	mu    sync.Mutex
	k     int
	clock int64
	track map[int]*frameHistory
}

type frameHistory struct {
	evictable bool
	// history holds up to k timestamps, most recent first.
	history []int64
}

func newLRUKReplacer(k int) *lruKReplacer {
	if k < 1 {
		k = 1
	}
	return &lruKReplacer{k: k, track: make(map[int]*frameHistory)}
}

// RecordAccess logs a reference to frame at the current logical time.
func (r *lruKReplacer) RecordAccess(frame int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock++
	fh, ok := r.track[frame]
	if !ok {
		fh = &frameHistory{}
		r.track[frame] = fh
	}
	fh.history = append([]int64{r.clock}, fh.history...)
	if len(fh.history) > r.k {
		fh.history = fh.history[:r.k]
	}
}

// SetEvictable marks frame as evictable or pinned. A newly-referenced
// frame defaults to non-evictable until the caller unpins it.
func (r *lruKReplacer) SetEvictable(frame int, evictable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fh, ok := r.track[frame]
	if !ok {
		fh = &frameHistory{}
		r.track[frame] = fh
	}
	fh.evictable = evictable
}

// Remove drops all history for frame (used once it is deleted from the
// buffer pool's page table).
func (r *lruKReplacer) Remove(frame int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.track, frame)
}

// Evict picks and removes the best eviction candidate. Returns
// (frame, true), or (0, false) if no frame is evictable.
func (r *lruKReplacer) Evict() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bestFrame := -1
	bestInfinite := false
	var bestTiebreak int64

	for frame, fh := range r.track {
		if !fh.evictable {
			continue
		}
		infinite := len(fh.history) < r.k
		var tiebreak int64
		if infinite {
			// Oldest first access wins: the smallest timestamp in history
			// is the earliest one (history is most-recent-first, so it's
			// the last entry).
			tiebreak = fh.history[len(fh.history)-1]
		} else {
			// K-distance is maximized by the smallest K-th-most-recent
			// timestamp; history[k-1] is exactly that entry.
			tiebreak = fh.history[r.k-1]
		}

		if bestFrame == -1 {
			bestFrame, bestInfinite, bestTiebreak = frame, infinite, tiebreak
			continue
		}
		switch {
		case infinite && !bestInfinite:
			bestFrame, bestInfinite, bestTiebreak = frame, infinite, tiebreak
		case infinite == bestInfinite && tiebreak < bestTiebreak:
			bestFrame, bestInfinite, bestTiebreak = frame, infinite, tiebreak
		}
	}

	if bestFrame == -1 {
		return 0, false
	}
	delete(r.track, bestFrame)
	return bestFrame, true
}

// Size returns the number of evictable frames currently tracked.
func (r *lruKReplacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, fh := range r.track {
		if fh.evictable {
			n++
		}
	}
	return n
}
