package encoder

import (
	"sync"
	"time"
)

// metadataTable carries per-frame metadata across the encoder, keyed by presentation
// timestamp, because encoder elements do not forward custom buffer meta reliably.
// Entries for frames the encoder drops are evicted oldest first once the table is full.
type metadataTable struct {
	mu      sync.Mutex
	entries map[time.Duration][]byte
	limit   int
}

func newMetadataTable(limit int) *metadataTable {
	if limit <= 0 {
		limit = 1
	}
	return &metadataTable{
		entries: make(map[time.Duration][]byte),
		limit:   limit,
	}
}

// put stores md for pts and reports how many stale entries were evicted.
func (t *metadataTable) put(pts time.Duration, md []byte) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	evicted := 0
	for len(t.entries) >= t.limit {
		oldest, first := time.Duration(0), true
		for k := range t.entries {
			if first || k < oldest {
				oldest, first = k, false
			}
		}
		delete(t.entries, oldest)
		evicted++
	}
	t.entries[pts] = md
	return evicted
}

// take returns and forgets the metadata for pts.
func (t *metadataTable) take(pts time.Duration) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	md, ok := t.entries[pts]
	if ok {
		delete(t.entries, pts)
	}
	return md
}

func (t *metadataTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
