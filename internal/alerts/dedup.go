package alerts

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// falsePositiveRate of the bloom pre-check. A hit is confirmed against the exact set.
const falsePositiveRate = 0.001

// Deduplicator remembers persisted fingerprints. A negative answer from HasSeen is
// authoritative as long as every persisted fingerprint was added.
type Deduplicator struct {
	mu       sync.RWMutex
	filter   *bloom.BloomFilter
	exact    map[string]struct{}
	capacity uint
}

// NewDeduplicator sizes the filter for the expected number of fingerprints.
func NewDeduplicator(expected int) *Deduplicator {
	capacity := uint(max(expected, 1000))
	return &Deduplicator{
		filter:   bloom.NewWithEstimates(capacity, falsePositiveRate),
		exact:    make(map[string]struct{}),
		capacity: capacity,
	}
}

func (d *Deduplicator) add(fingerprint string) {
	if _, ok := d.exact[fingerprint]; ok {
		return
	}
	d.filter.AddString(fingerprint)
	d.exact[fingerprint] = struct{}{}
}

// Add records a fingerprint.
func (d *Deduplicator) Add(fingerprint string) {
	d.mu.Lock()
	d.add(fingerprint)
	d.mu.Unlock()
}

// AddBatch records several fingerprints.
func (d *Deduplicator) AddBatch(fingerprints []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, fp := range fingerprints {
		d.add(fp)
	}
}

// HasSeen reports whether a fingerprint was recorded.
func (d *Deduplicator) HasSeen(fingerprint string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.filter.TestString(fingerprint) {
		return false
	}
	_, ok := d.exact[fingerprint]
	return ok
}

// Count returns the number of recorded fingerprints.
func (d *Deduplicator) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.exact)
}

// Reset forgets every fingerprint.
func (d *Deduplicator) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.filter = bloom.NewWithEstimates(d.capacity, falsePositiveRate)
	d.exact = make(map[string]struct{})
}
