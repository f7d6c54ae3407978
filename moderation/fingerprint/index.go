package fingerprint

import (
	"math/bits"
	"sync"
)

// Rolling index of recently-seen perceptual hashes, used to map a new image
// onto a prior submission's cache entry when the images are near-duplicates.
// Fixed capacity ring; oldest entries are overwritten. Safe for concurrent
// use.
type NearIndex struct {
	mu       sync.Mutex
	capacity int
	// maximum Hamming distance (bits, out of 64) to count as a near match
	maxDistance int
	entries     []nearEntry
	next        int
	full        bool
}

type nearEntry struct {
	hash uint64
	// cache fingerprint of the originally-scanned submission
	fingerprint string
	contentID   string
}

func NewNearIndex(capacity, maxDistance int) *NearIndex {
	if capacity <= 0 {
		capacity = 4096
	}
	return &NearIndex{
		capacity:    capacity,
		maxDistance: maxDistance,
		entries:     make([]nearEntry, capacity),
	}
}

func hamming(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// Finds the closest indexed hash within the distance threshold. Returns the
// original fingerprint and content ID, or ok=false for no match.
func (idx *NearIndex) Lookup(h uint64) (fp string, contentID string, ok bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	n := idx.next
	if idx.full {
		n = idx.capacity
	}
	best := idx.maxDistance + 1
	for i := 0; i < n; i++ {
		if d := hamming(idx.entries[i].hash, h); d < best {
			best = d
			fp = idx.entries[i].fingerprint
			contentID = idx.entries[i].contentID
		}
	}
	return fp, contentID, best <= idx.maxDistance
}

func (idx *NearIndex) Add(h uint64, fp, contentID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries[idx.next] = nearEntry{hash: h, fingerprint: fp, contentID: contentID}
	idx.next++
	if idx.next == idx.capacity {
		idx.next = 0
		idx.full = true
	}
}
