// Package ingest turns the unordered, possibly-duplicated fullnode
// transaction stream into deduplicated, filtered, size- and time-bounded
// batches written durably, one file per event.
package ingest

// DedupWindow is a bounded set of recently seen digests, giving at-most-once
// admission of an event per eviction epoch. When the set grows past its
// ceiling the oldest half (by insertion order) is evicted in a single bulk
// operation, never incrementally. Eviction permits re-admission of very old
// digests; this is not a global exactly-once guarantee.
type DedupWindow struct {
	ceiling int
	order   []string
	seen    map[string]struct{}
}

// NewDedupWindow creates a window with the given ceiling.
func NewDedupWindow(ceiling int) *DedupWindow {
	return &DedupWindow{
		ceiling: ceiling,
		seen:    make(map[string]struct{}),
	}
}

// Seen reports whether the digest is currently in the window.
func (w *DedupWindow) Seen(digest string) bool {
	_, ok := w.seen[digest]
	return ok
}

// Add inserts a digest, bulk-evicting the oldest entries when the ceiling is
// exceeded so the window shrinks back to half its ceiling.
func (w *DedupWindow) Add(digest string) {
	if _, ok := w.seen[digest]; ok {
		return
	}
	w.seen[digest] = struct{}{}
	w.order = append(w.order, digest)

	if len(w.order) > w.ceiling {
		keepFrom := len(w.order) - w.ceiling/2
		for _, old := range w.order[:keepFrom] {
			delete(w.seen, old)
		}
		w.order = append([]string(nil), w.order[keepFrom:]...)
	}
}

// Size returns the current number of retained digests.
func (w *DedupWindow) Size() int {
	return len(w.order)
}
