// Package suppression provides an in-memory suppression index consulted on
// the send path. Lookups are two-layer: a bloom filter resolves almost all
// negative checks in O(1), and a sorted array of binary MD5 hashes verifies
// the rare bloom positives with a binary search. False negatives cannot
// occur, so a suppressed recipient is never mailed.
package suppression

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"log"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Hash is a 16-byte MD5 digest of a normalized address. Binary form avoids
// string-header overhead across millions of entries.
type Hash [16]byte

// HashEmail hashes a lowercased, trimmed address.
func HashEmail(email string) Hash {
	normalized := strings.ToLower(strings.TrimSpace(email))
	return md5.Sum([]byte(normalized))
}

func (h Hash) less(other Hash) bool {
	for i := 0; i < len(h); i++ {
		if h[i] != other[i] {
			return h[i] < other[i]
		}
	}
	return false
}

// bloom is a fixed-size bloom filter over Hash values using double hashing.
type bloom struct {
	bits      []uint64
	size      uint64
	hashCount uint
}

// newBloom sizes a filter for n expected elements at the given false
// positive rate: m = -n ln(p) / ln(2)^2, k = (m/n) ln(2).
func newBloom(n uint64, p float64) *bloom {
	if n == 0 {
		n = 1000
	}
	if p <= 0 || p >= 1 {
		p = 0.001
	}
	m := uint64(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2))
	if m < 64 {
		m = 64
	}
	m = ((m + 63) / 64) * 64
	k := uint(float64(m) / float64(n) * math.Ln2)
	if k < 1 {
		k = 1
	}
	if k > 16 {
		k = 16
	}
	return &bloom{bits: make([]uint64, m/64), size: m, hashCount: k}
}

func (b *bloom) position(h Hash, i uint) uint64 {
	h1 := binary.LittleEndian.Uint64(h[:8])
	h2 := binary.LittleEndian.Uint64(h[8:])
	return (h1 + uint64(i)*h2) % b.size
}

func (b *bloom) add(h Hash) {
	for i := uint(0); i < b.hashCount; i++ {
		pos := b.position(h, i)
		b.bits[pos/64] |= 1 << (pos % 64)
	}
}

func (b *bloom) mayContain(h Hash) bool {
	for i := uint(0); i < b.hashCount; i++ {
		pos := b.position(h, i)
		if b.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// Source loads the full set of suppressed recipients, typically from the
// relational store.
type Source interface {
	AllRecipients(ctx context.Context) ([]string, error)
}

// Index is the send-path suppression check. Safe for concurrent use; Add is
// called by the event processor as new suppressions arrive, Reload replaces
// the whole set.
type Index struct {
	mu     sync.RWMutex
	filter *bloom
	hashes []Hash
}

// NewIndex creates an empty index sized for expected entries.
func NewIndex(expected uint64) *Index {
	return &Index{filter: newBloom(expected, 0.001)}
}

// Load builds an index from the source.
func Load(ctx context.Context, src Source) (*Index, error) {
	recipients, err := src.AllRecipients(ctx)
	if err != nil {
		return nil, err
	}
	idx := NewIndex(uint64(len(recipients)) + 1000)
	idx.replace(recipients)
	log.Printf("[Suppression] Index loaded with %d entries", len(recipients))
	return idx, nil
}

func (idx *Index) replace(recipients []string) {
	hashes := make([]Hash, 0, len(recipients))
	filter := newBloom(uint64(len(recipients))+1000, 0.001)
	for _, r := range recipients {
		h := HashEmail(r)
		hashes = append(hashes, h)
		filter.add(h)
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i].less(hashes[j]) })

	idx.mu.Lock()
	idx.filter = filter
	idx.hashes = hashes
	idx.mu.Unlock()
}

// IsSuppressed reports whether the address has a durable block.
func (idx *Index) IsSuppressed(email string) bool {
	h := HashEmail(email)

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if !idx.filter.mayContain(h) {
		return false
	}
	i := sort.Search(len(idx.hashes), func(i int) bool { return !idx.hashes[i].less(h) })
	return i < len(idx.hashes) && idx.hashes[i] == h
}

// Add inserts one address incrementally, keeping the array sorted.
func (idx *Index) Add(email string) {
	h := HashEmail(email)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	i := sort.Search(len(idx.hashes), func(i int) bool { return !idx.hashes[i].less(h) })
	if i < len(idx.hashes) && idx.hashes[i] == h {
		return
	}
	idx.hashes = append(idx.hashes, Hash{})
	copy(idx.hashes[i+1:], idx.hashes[i:])
	idx.hashes[i] = h
	idx.filter.add(h)
}

// Len returns the number of indexed addresses.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.hashes)
}

// Refresher reloads the index from the source on a fixed period so entries
// written by other processes become visible.
type Refresher struct {
	idx      *Index
	src      Source
	interval time.Duration
	stopCh   chan struct{}
}

// NewRefresher creates a periodic reloader for idx.
func NewRefresher(idx *Index, src Source, interval time.Duration) *Refresher {
	if interval == 0 {
		interval = 5 * time.Minute
	}
	return &Refresher{idx: idx, src: src, interval: interval, stopCh: make(chan struct{})}
}

// Start runs the reload loop until the context is cancelled or Stop is
// called.
func (r *Refresher) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			recipients, err := r.src.AllRecipients(ctx)
			if err != nil {
				log.Printf("[Suppression] Refresh failed: %v", err)
				continue
			}
			r.idx.replace(recipients)
		}
	}
}

// Stop terminates the reload loop.
func (r *Refresher) Stop() { close(r.stopCh) }
