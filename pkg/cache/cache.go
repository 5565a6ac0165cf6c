// Package cache implements the content-addressed result store: fingerprint
// to DetectionResult, TTL-bound, capacity-bounded, with integrity
// verification on every read.
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/varunsripad123/sentineldf/pkg/ml"
)

// Store is the result cache contract. A miss is (zero, false, nil); errors
// are reserved for backend failures, never for absent or invalid entries.
type Store interface {
	Get(fingerprint string) (ml.DetectionResult, bool, error)
	// Peek behaves like Get but skips hit/miss accounting. It is for
	// internal residency checks (batch prefetch filters, in-flight
	// re-checks) so Stats reflects caller lookups only. Integrity repair
	// still runs and is still counted.
	Peek(fingerprint string) (ml.DetectionResult, bool, error)
	Put(fingerprint string, result ml.DetectionResult) error
	Stats() Stats
	Purge() error
	Close() error
}

// Stats is a point-in-time snapshot of cache effectiveness counters.
// Repairs counts integrity evictions; Evictions counts capacity evictions.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Repairs   int64 `json:"repairs"`
	Evictions int64 `json:"evictions"`
	Entries   int   `json:"entries"`
	UsedBytes int64 `json:"used_bytes"`
}

// Entry is a stored result with its integrity metadata.
type Entry struct {
	Fingerprint     string             `json:"fingerprint"`
	Result          ml.DetectionResult `json:"result"`
	IntegrityDigest string             `json:"integrity_digest"`
	CreatedAt       time.Time          `json:"created_at"`
}

// ResultDigest is the integrity digest over a result's canonical JSON
// serialization. Struct field order makes the serialization stable.
func ResultDigest(r ml.DetectionResult) string {
	data, err := json.Marshal(r)
	if err != nil {
		// DetectionResult contains only marshalable types; this cannot
		// happen with a well-formed result.
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// MemoryStore is the in-process Store. Writers are serialized; reads of
// resident entries take a read lock until an expiry or repair needs eviction.
type MemoryStore struct {
	mu        sync.RWMutex
	entries   map[string]*list.Element
	order     *list.List // oldest first, for capacity eviction
	ttl       time.Duration
	capBytes  int64
	usedBytes int64

	hits      atomic.Int64
	misses    atomic.Int64
	repairs   atomic.Int64
	evictions atomic.Int64

	now func() time.Time // injectable for expiry tests
}

// memoryEntry is an Entry plus its accounted size.
type memoryEntry struct {
	entry Entry
	size  int64
}

// NewMemoryStore creates a store with the given TTL and byte capacity.
func NewMemoryStore(ttl time.Duration, capBytes int64) *MemoryStore {
	return &MemoryStore{
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		ttl:      ttl,
		capBytes: capBytes,
		now:      time.Now,
	}
}

// Get returns the cached result for a fingerprint. Expired entries and
// entries whose recomputed integrity digest mismatches the stored one are
// evicted and reported as misses; corrupted data is never returned.
func (s *MemoryStore) Get(fingerprint string) (ml.DetectionResult, bool, error) {
	return s.lookup(fingerprint, true)
}

// Peek is Get without hit/miss accounting.
func (s *MemoryStore) Peek(fingerprint string) (ml.DetectionResult, bool, error) {
	return s.lookup(fingerprint, false)
}

func (s *MemoryStore) lookup(fingerprint string, count bool) (ml.DetectionResult, bool, error) {
	s.mu.RLock()
	elem, ok := s.entries[fingerprint]
	if !ok {
		s.mu.RUnlock()
		if count {
			s.misses.Add(1)
		}
		return ml.DetectionResult{}, false, nil
	}
	me := elem.Value.(*memoryEntry)
	expired := s.now().Sub(me.entry.CreatedAt) > s.ttl
	corrupted := ResultDigest(me.entry.Result) != me.entry.IntegrityDigest
	result := me.entry.Result
	s.mu.RUnlock()

	if expired || corrupted {
		if corrupted {
			s.repairs.Add(1)
			log.Printf("[WARN] cache integrity repair: evicting corrupted entry %s", fingerprint)
		}
		s.mu.Lock()
		// Re-check under the write lock; another goroutine may have already
		// evicted or replaced the entry.
		if elem, ok := s.entries[fingerprint]; ok && elem.Value.(*memoryEntry) == me {
			s.remove(elem)
		}
		s.mu.Unlock()
		if count {
			s.misses.Add(1)
		}
		return ml.DetectionResult{}, false, nil
	}

	if count {
		s.hits.Add(1)
	}
	return result, true, nil
}

// Put stores a result, computing its integrity digest and evicting oldest
// entries first until the store fits under its byte cap.
func (s *MemoryStore) Put(fingerprint string, result ml.DetectionResult) error {
	entry := Entry{
		Fingerprint:     fingerprint,
		Result:          result,
		IntegrityDigest: ResultDigest(result),
		CreatedAt:       s.now(),
	}
	size := entrySize(entry)

	// An entry larger than the whole cap can never fit; evicting everything
	// to admit it would still leave the store over capacity.
	if size > s.capBytes {
		log.Printf("[WARN] cache: entry %s (%d bytes) exceeds capacity %d, not cached", fingerprint, size, s.capBytes)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.entries[fingerprint]; ok {
		s.remove(elem)
	}

	// Oldest-first eviction until the new entry fits.
	for s.usedBytes+size > s.capBytes && s.order.Len() > 0 {
		s.remove(s.order.Front())
		s.evictions.Add(1)
	}

	me := &memoryEntry{entry: entry, size: size}
	s.entries[fingerprint] = s.order.PushBack(me)
	s.usedBytes += size
	return nil
}

// remove drops an element from both indexes. Caller holds the write lock.
func (s *MemoryStore) remove(elem *list.Element) {
	me := elem.Value.(*memoryEntry)
	delete(s.entries, me.entry.Fingerprint)
	s.order.Remove(elem)
	s.usedBytes -= me.size
}

// Len returns the number of resident entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// UsedBytes returns the accounted size of all resident entries.
func (s *MemoryStore) UsedBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usedBytes
}

// Stats returns the current counters and occupancy.
func (s *MemoryStore) Stats() Stats {
	s.mu.RLock()
	entries := len(s.entries)
	used := s.usedBytes
	s.mu.RUnlock()
	return Stats{
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Repairs:   s.repairs.Load(),
		Evictions: s.evictions.Load(),
		Entries:   entries,
		UsedBytes: used,
	}
}

// Purge drops every resident entry. Counters are preserved.
func (s *MemoryStore) Purge() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*list.Element)
	s.order.Init()
	s.usedBytes = 0
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

// Corrupt overwrites the stored digest of an entry, simulating on-disk or
// in-memory corruption. Exposed for integrity tests and fault injection.
func (s *MemoryStore) Corrupt(fingerprint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	elem, ok := s.entries[fingerprint]
	if !ok {
		return false
	}
	elem.Value.(*memoryEntry).entry.IntegrityDigest = "0000000000000000"
	return true
}

// entrySize accounts an entry by its serialized size.
func entrySize(e Entry) int64 {
	data, err := json.Marshal(e)
	if err != nil {
		return int64(len(e.Fingerprint))
	}
	return int64(len(data))
}
