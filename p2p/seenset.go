package p2p

import (
	"container/list"
	"sync"
	"time"

	"chainp2p/core/types"
)

const (
	defaultSeenCapacity  = 100_000
	defaultSeenRetention = 15 * time.Minute
)

// SeenSet remembers recently accepted object hashes in insertion order,
// together with the peers each object was already exchanged with. Entries
// leave the set once the retention window elapses or the capacity is
// exceeded, oldest first.
type SeenSet struct {
	mu        sync.Mutex
	capacity  int
	retention time.Duration
	entries   map[types.Hash]*list.Element
	order     *list.List
	now       func() time.Time
	metrics   *networkMetrics
}

type seenRecord struct {
	hash   types.Hash
	added  time.Time
	sentTo map[string]struct{}
}

// NewSeenSet builds a set holding at most capacity hashes for retention.
func NewSeenSet(capacity int, retention time.Duration) *SeenSet {
	if capacity <= 0 {
		capacity = defaultSeenCapacity
	}
	if retention <= 0 {
		retention = defaultSeenRetention
	}
	return &SeenSet{
		capacity:  capacity,
		retention: retention,
		entries:   make(map[types.Hash]*list.Element),
		order:     list.New(),
		now:       time.Now,
		metrics:   newNetworkMetrics(),
	}
}

// Contains reports whether hash is retained.
func (s *SeenSet) Contains(hash types.Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(s.now())
	_, ok := s.entries[hash]
	return ok
}

// Add inserts hash, attributing it to origin so it is never sent back there.
// It returns false when the hash was already retained.
func (s *SeenSet) Add(hash types.Hash, origin string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.expireLocked(now)
	if _, ok := s.entries[hash]; ok {
		return false
	}
	rec := &seenRecord{hash: hash, added: now, sentTo: make(map[string]struct{})}
	if origin != "" {
		rec.sentTo[origin] = struct{}{}
	}
	s.entries[hash] = s.order.PushFront(rec)
	for len(s.entries) > s.capacity {
		s.removeLocked(s.order.Back())
	}
	s.metrics.observeSeenSize(len(s.entries))
	return true
}

// MarkSent records that hash is being sent to peer. It returns false when the
// peer already has the object or the hash is no longer retained.
func (s *SeenSet) MarkSent(hash types.Hash, peer string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(s.now())
	elem := s.entries[hash]
	if elem == nil {
		return false
	}
	rec := elem.Value.(*seenRecord)
	if _, ok := rec.sentTo[peer]; ok {
		return false
	}
	rec.sentTo[peer] = struct{}{}
	return true
}

// Len returns the number of retained hashes.
func (s *SeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep drops every entry older than the retention window.
func (s *SeenSet) Sweep() {
	s.mu.Lock()
	s.expireLocked(s.now())
	s.mu.Unlock()
}

func (s *SeenSet) expireLocked(now time.Time) {
	for {
		elem := s.order.Back()
		if elem == nil {
			return
		}
		if now.Sub(elem.Value.(*seenRecord).added) < s.retention {
			return
		}
		s.removeLocked(elem)
	}
}

func (s *SeenSet) removeLocked(elem *list.Element) {
	if elem == nil {
		return
	}
	rec := elem.Value.(*seenRecord)
	s.order.Remove(elem)
	delete(s.entries, rec.hash)
	s.metrics.recordSeenEviction()
	s.metrics.observeSeenSize(len(s.entries))
}
