package velox

import (
	"path"
	"sync"
)

// lruList is an intrusive doubly linked list used by both LRU tiers.
type lruList struct {
	head, tail *lruNode
}

type lruNode struct {
	prev, next *lruNode
	item       *cacheItem
}

type cacheItem struct {
	key   string
	value []byte
	node  *lruNode
	freq  int    // only meaningful in the L3 LFU tier
	seq   uint64 // L3 insertion order, breaks frequency ties
}

func newLRUList() *lruList {
	head := &lruNode{}
	tail := &lruNode{}
	head.next = tail
	tail.prev = head
	return &lruList{head: head, tail: tail}
}

func (l *lruList) pushFront(n *lruNode) {
	n.prev = l.head
	n.next = l.head.next
	l.head.next.prev = n
	l.head.next = n
}

func (l *lruList) remove(n *lruNode) {
	n.prev.next = n.next
	n.next.prev = n.prev
}

func (l *lruList) moveToFront(n *lruNode) {
	l.remove(n)
	l.pushFront(n)
}

func (l *lruList) removeLast() *lruNode {
	last := l.tail.prev
	if last == l.head {
		return nil
	}
	l.remove(last)
	return last
}

// LRUTier is one LRU cache level with both a count budget and a byte
// budget; eviction is triggered when either budget is exceeded and runs
// until both are within budget.
type LRUTier struct {
	mu            sync.RWMutex
	items         map[string]*cacheItem
	list          *lruList
	capacityCount int
	capacityBytes int64
	totalBytes    int64

	hits, misses int64
}

func NewLRUTier(capacityCount int, capacityBytes int64) *LRUTier {
	return &LRUTier{
		items:         make(map[string]*cacheItem),
		list:          newLRUList(),
		capacityCount: capacityCount,
		capacityBytes: capacityBytes,
	}
}

func (t *LRUTier) Get(key string) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if item, ok := t.items[key]; ok {
		t.list.moveToFront(item.node)
		t.hits++
		return item.value, true
	}
	t.misses++
	return nil, false
}

func (t *LRUTier) Put(key string, value []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if item, ok := t.items[key]; ok {
		t.totalBytes += int64(len(value) - len(item.value))
		item.value = value
		t.list.moveToFront(item.node)
		t.evictLocked()
		return
	}

	item := &cacheItem{key: key, value: append([]byte(nil), value...)}
	node := &lruNode{item: item}
	item.node = node
	t.items[key] = item
	t.list.pushFront(node)
	t.totalBytes += int64(len(key) + len(value))
	t.evictLocked()
}

func (t *LRUTier) evictLocked() {
	for (t.capacityCount > 0 && len(t.items) > t.capacityCount) ||
		(t.capacityBytes > 0 && t.totalBytes > t.capacityBytes) {
		oldest := t.list.removeLast()
		if oldest == nil {
			return
		}
		delete(t.items, oldest.item.key)
		t.totalBytes -= int64(len(oldest.item.key) + len(oldest.item.value))
	}
}

func (t *LRUTier) Remove(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if item, ok := t.items[key]; ok {
		t.list.remove(item.node)
		delete(t.items, key)
		t.totalBytes -= int64(len(item.key) + len(item.value))
	}
}

func (t *LRUTier) Keys() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.items))
	for k := range t.items {
		out = append(out, k)
	}
	return out
}

func (t *LRUTier) Stats() CacheLevelStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return CacheLevelStats{Entries: len(t.items), Bytes: t.totalBytes, Hits: t.hits, Misses: t.misses}
}

// LFUTier is the L3 tier: large, cold, evicted by least access frequency
// rather than recency; among equally frequent items the one added earliest
// is evicted first.
type LFUTier struct {
	mu            sync.RWMutex
	items         map[string]*cacheItem
	seq           uint64
	capacityCount int
	capacityBytes int64
	totalBytes    int64

	hits, misses int64
}

func NewLFUTier(capacityCount int, capacityBytes int64) *LFUTier {
	return &LFUTier{
		items:         make(map[string]*cacheItem),
		capacityCount: capacityCount,
		capacityBytes: capacityBytes,
	}
}

func (t *LFUTier) Get(key string) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if item, ok := t.items[key]; ok {
		item.freq++
		t.hits++
		return item.value, true
	}
	t.misses++
	return nil, false
}

func (t *LFUTier) Put(key string, value []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if item, ok := t.items[key]; ok {
		t.totalBytes += int64(len(value) - len(item.value))
		item.value = value
		item.freq++
		t.evictLocked()
		return
	}
	t.seq++
	t.items[key] = &cacheItem{key: key, value: append([]byte(nil), value...), freq: 1, seq: t.seq}
	t.totalBytes += int64(len(key) + len(value))
	t.evictLocked()
}

func (t *LFUTier) evictLocked() {
	for (t.capacityCount > 0 && len(t.items) > t.capacityCount) ||
		(t.capacityBytes > 0 && t.totalBytes > t.capacityBytes) {
		var victimKey string
		var victim *cacheItem
		for k, v := range t.items {
			if victim == nil || v.freq < victim.freq || (v.freq == victim.freq && v.seq < victim.seq) {
				victimKey, victim = k, v
			}
		}
		if victim == nil {
			return
		}
		delete(t.items, victimKey)
		t.totalBytes -= int64(len(victimKey) + len(victim.value))
	}
}

func (t *LFUTier) Remove(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if item, ok := t.items[key]; ok {
		delete(t.items, key)
		t.totalBytes -= int64(len(item.key) + len(item.value))
	}
}

func (t *LFUTier) Keys() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.items))
	for k := range t.items {
		out = append(out, k)
	}
	return out
}

func (t *LFUTier) Stats() CacheLevelStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return CacheLevelStats{Entries: len(t.items), Bytes: t.totalBytes, Hits: t.hits, Misses: t.misses}
}

// CacheLevelStats reports per-level counters: hits, misses, entries, memory.
type CacheLevelStats struct {
	Entries int
	Bytes   int64
	Hits    int64
	Misses  int64
}

// CacheStats aggregates all three levels.
type CacheStats struct {
	L1, L2, L3 CacheLevelStats
	HitRatio   float64
}

// CacheLevel selects which tier Put targets.
type CacheLevel int

const (
	CacheL1 CacheLevel = iota
	CacheL2
	CacheL3
)

// Cache is the three-tier cache fronting SSTable/B+-tree reads: L1/L2 are
// small/medium hot LRU tiers, L3 is a large cold LFU tier. Hits at L2 or L3
// warm the hotter tiers above them.
type Cache struct {
	L1 *LRUTier
	L2 *LRUTier
	L3 *LFUTier
}

func NewCache(l1Count, l2Count, l3Count int, l1Bytes, l2Bytes, l3Bytes int64) *Cache {
	return &Cache{
		L1: NewLRUTier(l1Count, l1Bytes),
		L2: NewLRUTier(l2Count, l2Bytes),
		L3: NewLFUTier(l3Count, l3Bytes),
	}
}

// Get probes L1, then L2, then L3, promoting on a lower-tier hit: a hit in
// L2 is copied into L1, a hit in L3 is copied into both L2 and L1.
func (c *Cache) Get(key string) ([]byte, bool) {
	if v, ok := c.L1.Get(key); ok {
		return v, true
	}
	if v, ok := c.L2.Get(key); ok {
		c.L1.Put(key, v)
		return v, true
	}
	if v, ok := c.L3.Get(key); ok {
		c.L2.Put(key, v)
		c.L1.Put(key, v)
		return v, true
	}
	return nil, false
}

// Put inserts into level, warming higher levels the same way a promoting
// read would.
func (c *Cache) Put(key string, value []byte, level CacheLevel) {
	switch level {
	case CacheL1:
		c.L1.Put(key, value)
	case CacheL2:
		c.L2.Put(key, value)
		c.L1.Put(key, value)
	case CacheL3:
		c.L3.Put(key, value)
		c.L2.Put(key, value)
		c.L1.Put(key, value)
	}
}

// Invalidate removes key from every level, called before a put/delete
// acknowledges so cache levels never hold stale data.
func (c *Cache) Invalidate(key string) {
	c.L1.Remove(key)
	c.L2.Remove(key)
	c.L3.Remove(key)
}

// InvalidatePattern removes every key matching a shell-style glob from all
// three levels.
func (c *Cache) InvalidatePattern(pattern string) {
	if pattern == "" {
		pattern = "*"
	}
	for _, k := range c.L1.Keys() {
		if ok, _ := path.Match(pattern, k); ok {
			c.Invalidate(k)
		}
	}
	for _, k := range c.L2.Keys() {
		if ok, _ := path.Match(pattern, k); ok {
			c.Invalidate(k)
		}
	}
	for _, k := range c.L3.Keys() {
		if ok, _ := path.Match(pattern, k); ok {
			c.Invalidate(k)
		}
	}
}

// Stats aggregates per-level counters into one snapshot, with an overall
// hit ratio: total_hits / (total_hits + total_misses).
func (c *Cache) Stats() CacheStats {
	s1, s2, s3 := c.L1.Stats(), c.L2.Stats(), c.L3.Stats()
	totalHits := s1.Hits + s2.Hits + s3.Hits
	totalMisses := s1.Misses + s2.Misses + s3.Misses
	ratio := 0.0
	if totalHits+totalMisses > 0 {
		ratio = float64(totalHits) / float64(totalHits+totalMisses)
	}
	return CacheStats{L1: s1, L2: s2, L3: s3, HitRatio: ratio}
}
