// Package workingmem implements the working-memory tier of spec.md §4.4: a
// concurrent key to item map whose eviction is driven by a retention score
// (priority x recency x log(1+access count)), not plain recency. Grounded
// on the teacher's internal/memory layered-cache shape (hot tier sized by
// item/byte ceilings), using hashicorp/golang-lru/v2 as the thread-safe
// backing map so Get/Set share its locking instead of a hand-rolled mutex
// map, while eviction order is computed by this package rather than by the
// LRU itself (the LRU is sized one above the item ceiling; bounding and
// ordering is ours).
package workingmem

import (
	"math"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Item is one working-memory entry.
type Item struct {
	Key          string
	Value        []byte
	Priority     float64
	InsertedAt   time.Time
	LastAccessAt time.Time
	AccessCount  int64
}

// retentionScore computes ascending-sort eviction priority: lower score
// evicts first. Priority and recency both raise the score; access count
// raises it logarithmically so a handful of hits doesn't make an item
// unevictable forever.
func retentionScore(it Item, now time.Time) float64 {
	recency := 1.0 / (1.0 + now.Sub(it.LastAccessAt).Seconds())
	return it.Priority * recency * math.Log1p(float64(it.AccessCount))
}

// Store is the bounded concurrent working-memory cache.
type Store struct {
	mu        sync.Mutex
	cache     *lru.Cache[string, *Item]
	maxItems  int
	maxBytes  int
	byteTotal int
	now       func() time.Time
}

// New builds a Store bounded by maxItems entries and maxBytes total value
// size; either bound of 0 means unbounded on that dimension.
func New(maxItems, maxBytes int) *Store {
	capacity := maxItems + 1
	if maxItems <= 0 {
		capacity = 1 << 20
	}
	// The LRU's own eviction never fires in normal operation: capacity sits
	// one above the item ceiling, so an insert that crosses the ceiling is
	// held until evictBelowCeilings removes the lowest-scored item.
	backing, _ := lru.New[string, *Item](capacity)
	return &Store{cache: backing, maxItems: maxItems, maxBytes: maxBytes, now: time.Now}
}

// Set inserts or replaces an item, evicting by ascending retention score
// only when the insert would exceed the configured item or byte ceiling.
func (s *Store) Set(key string, value []byte, priority float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if existing, ok := s.cache.Get(key); ok {
		s.byteTotal -= len(existing.Value)
	}

	item := &Item{Key: key, Value: value, Priority: priority, InsertedAt: now, LastAccessAt: now}
	s.cache.Add(key, item)
	s.byteTotal += len(value)

	s.evictBelowCeilings(now)
}

// Get retrieves an item, updating its last-accessed time and access count.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.cache.Get(key)
	if !ok {
		return nil, false
	}
	item.LastAccessAt = s.now()
	item.AccessCount++
	return item.Value, true
}

// Delete removes an item if present.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item, ok := s.cache.Get(key); ok {
		s.byteTotal -= len(item.Value)
		s.cache.Remove(key)
	}
}

// Items returns a snapshot of every stored item, in no particular order,
// for callers that scan the whole tier (e.g. the context composer matching
// against a query) rather than looking up a single key.
func (s *Store) Items() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := s.cache.Keys()
	out := make([]Item, 0, len(keys))
	for _, k := range keys {
		if it, ok := s.cache.Peek(k); ok {
			out = append(out, *it)
		}
	}
	return out
}

// Len reports the current item count.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}

// evictBelowCeilings removes items by ascending retention score (ties
// broken by oldest insertion) until both the item-count and byte ceilings
// are satisfied. Caller holds s.mu.
func (s *Store) evictBelowCeilings(now time.Time) {
	for s.overCeiling() {
		keys := s.cache.Keys()
		if len(keys) == 0 {
			return
		}
		items := make([]*Item, 0, len(keys))
		for _, k := range keys {
			if it, ok := s.cache.Peek(k); ok {
				items = append(items, it)
			}
		}
		sort.Slice(items, func(i, j int) bool {
			si, sj := retentionScore(*items[i], now), retentionScore(*items[j], now)
			if si != sj {
				return si < sj
			}
			return items[i].InsertedAt.Before(items[j].InsertedAt)
		})
		victim := items[0]
		s.byteTotal -= len(victim.Value)
		s.cache.Remove(victim.Key)
	}
}

func (s *Store) overCeiling() bool {
	if s.maxItems > 0 && s.cache.Len() > s.maxItems {
		return true
	}
	if s.maxBytes > 0 && s.byteTotal > s.maxBytes {
		return true
	}
	return false
}
