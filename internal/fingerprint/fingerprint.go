// Package fingerprint implements loop suppression for the fanout path: a
// bounded, TTL-expiring set of 64-bit hashes over recently forwarded
// (topic, payload) pairs.
package fingerprint

import (
	"container/list"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DefaultCapacity is the maximum number of fingerprints retained before
// oldest-first eviction kicks in.
const DefaultCapacity = 4096

// DefaultTTL bounds how long a fingerprint suppresses a repeat before it
// naturally expires, even if capacity hasn't been reached.
const DefaultTTL = 5 * time.Second

// Set is a bounded, TTL-expiring set of recently seen fingerprints. The
// zero value is not usable; construct with New. Safe for concurrent use:
// the Connection Manager shares one Set between its main fanout goroutine
// and every downstream fanout goroutine.
type Set struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List // oldest at front, newest at back
	entries  map[uint64]*list.Element
	now      func() time.Time
}

type entry struct {
	fp         uint64
	insertedAt time.Time
}

// New constructs a Set with the given capacity and TTL.
func New(capacity int, ttl time.Duration) *Set {
	return &Set{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		entries:  make(map[uint64]*list.Element),
		now:      time.Now,
	}
}

// Fingerprint computes the 64-bit fingerprint of a (topic, payload) pair.
func Fingerprint(topic string, payload []byte) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(topic)
	_, _ = h.Write([]byte{0}) // separator: avoid "ab"+"c" colliding with "a"+"bc"
	_, _ = h.Write(payload)
	return h.Sum64()
}

// SeenRecently reports whether fp is present and not expired, without
// inserting it; an expired entry for fp found by the lookup is removed.
// Callers that want to both check and insert should use
// CheckAndInsert instead to avoid a race between the two steps.
func (s *Set) SeenRecently(fp uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookup(fp)
}

// Insert adds fp to the set, evicting the oldest entry if at capacity.
func (s *Set) Insert(fp uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insert(fp)
}

// CheckAndInsert reports whether fp was already present (and not expired);
// if not, it inserts fp and returns false. This is the operation the
// fanout path actually needs: "suppress, or claim and proceed" atomically.
func (s *Set) CheckAndInsert(fp uint64) (alreadySeen bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lookup(fp) {
		return true
	}
	s.insert(fp)
	return false
}

// lookup must be called with s.mu held.
func (s *Set) lookup(fp uint64) bool {
	elem, ok := s.entries[fp]
	if !ok {
		return false
	}
	e := elem.Value.(*entry)
	if s.now().Sub(e.insertedAt) > s.ttl {
		s.order.Remove(elem)
		delete(s.entries, fp)
		return false
	}
	return true
}

// insert must be called with s.mu held.
func (s *Set) insert(fp uint64) {
	if elem, ok := s.entries[fp]; ok {
		// Refresh position and timestamp on re-insert.
		s.order.MoveToBack(elem)
		elem.Value.(*entry).insertedAt = s.now()
		return
	}

	for s.order.Len() >= s.capacity {
		oldest := s.order.Front()
		if oldest == nil {
			break
		}
		s.order.Remove(oldest)
		delete(s.entries, oldest.Value.(*entry).fp)
	}

	elem := s.order.PushBack(&entry{fp: fp, insertedAt: s.now()})
	s.entries[fp] = elem
}

// Len reports the current number of retained fingerprints, for tests and
// status surfaces.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}
